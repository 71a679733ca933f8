// Package report renders training history.
package report

import (
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"mnist-forge/internal/metrics"
)

const (
	width  = 6 * vg.Inch
	height = 4 * vg.Inch
)

// PlotHistory draws accuracy and val_accuracy per epoch, with the y axis
// fixed to [0.5, 1] and the legend in the lower right, and saves it to path.
// The image format follows the file extension.
func PlotHistory(h *metrics.History, path string) error {
	if h.Len() == 0 {
		return fmt.Errorf("plot history: no epochs recorded")
	}
	p := plot.New()
	p.Title.Text = "Model accuracy"
	p.X.Label.Text = "Epoch"
	p.Y.Label.Text = "Accuracy"
	p.Y.Min, p.Y.Max = 0.5, 1
	p.Legend.Top = false
	p.Legend.Left = false
	p.Add(plotter.NewGrid())

	for i, name := range []string{"accuracy", "val_accuracy"} {
		series, err := h.Series(name)
		if err != nil {
			return err
		}
		pts := make(plotter.XYs, len(series))
		for j, v := range series {
			pts[j].X = float64(h.Epochs[j].Epoch)
			pts[j].Y = v
		}
		line, points, err := plotter.NewLinePoints(pts)
		if err != nil {
			return fmt.Errorf("plot %s: %w", name, err)
		}
		line.Color = plotutil.Color(i)
		points.Color = plotutil.Color(i)
		points.Shape = plotutil.Shape(i)
		p.Add(line, points)
		p.Legend.Add(name, line, points)
	}
	// Add widens the axes to fit the data; the accuracy range is fixed.
	p.Y.Min, p.Y.Max = 0.5, 1

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create plot dir: %w", err)
	}
	if err := p.Save(width, height, path); err != nil {
		return fmt.Errorf("save plot: %w", err)
	}
	return nil
}
