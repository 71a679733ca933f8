package model

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Summary prints a per-layer table of output shapes and parameter counts.
func Summary(w io.Writer, n *Network) error {
	return ArchitectureSummary(w, n.arch)
}

// ArchitectureSummary prints the Summary table for any layer stack, counting
// parameters from their declared shapes.
func ArchitectureSummary(w io.Writer, arch Architecture) error {
	shapes, err := arch.Infer()
	if err != nil {
		return err
	}
	specs, err := arch.ParamSpecs()
	if err != nil {
		return err
	}
	perLayer := make(map[string]int)
	total := 0
	for _, p := range specs {
		perLayer[p.Layer] += Shape(p.Shape).Size()
		total += Shape(p.Shape).Size()
	}

	pr := message.NewPrinter(language.English)
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Layer (type)", "Output Shape", "Param #"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	for i, l := range arch.Layers {
		table.Append([]string{
			fmt.Sprintf("%s (%s)", l.Name, l.Kind),
			shapes[i].String(),
			pr.Sprintf("%d", perLayer[l.Name]),
		})
	}
	table.SetFooter([]string{"Total params", "", pr.Sprintf("%d", total)})
	table.Render()
	return nil
}
