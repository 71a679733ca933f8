// Package display draws grayscale digits in a terminal.
package display

import (
	"bufio"
	"image"
	"io"
	"os"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
)

// Mode selects how images are drawn.
type Mode int

const (
	// Auto uses Color on a terminal and ASCII otherwise.
	Auto Mode = iota
	Color
	ASCII
)

var (
	rampLow  = colorful.Color{R: 22.0 / 255, G: 1.0 / 255, B: 50.0 / 255}
	rampHigh = colorful.Color{R: 131.0 / 255, G: 37.0 / 255, B: 252.0 / 255}

	asciiRamp = []byte(" .:-=+*#%@")
)

// Renderer writes images to w.
type Renderer struct {
	w       io.Writer
	mode    Mode
	profile termenv.Profile
}

// New picks a renderer for w. In Auto mode a colour renderer is used only
// when w is a terminal, with the colour depth the environment advertises.
func New(w io.Writer, mode Mode) *Renderer {
	r := &Renderer{w: w, mode: mode, profile: termenv.TrueColor}
	if mode == Auto {
		r.mode = ASCII
		if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
			r.mode = Color
			r.profile = termenv.EnvColorProfile()
		}
	}
	if r.mode == Color && r.profile == termenv.Ascii {
		r.mode = ASCII
	}
	return r
}

// Mode reports the resolved drawing mode.
func (r *Renderer) Mode() Mode { return r.mode }

// Render draws img. Colour output packs two pixel rows into each line with
// upper half blocks; ASCII output uses one character per pixel, doubled
// horizontally to keep the aspect ratio.
func (r *Renderer) Render(img *image.Gray) error {
	bw := bufio.NewWriter(r.w)
	b := img.Bounds()
	if r.mode == ASCII {
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				c := asciiRamp[int(img.GrayAt(x, y).Y)*len(asciiRamp)/256]
				bw.WriteByte(c)
				bw.WriteByte(c)
			}
			bw.WriteByte('\n')
		}
		return bw.Flush()
	}
	for y := b.Min.Y; y < b.Max.Y; y += 2 {
		for x := b.Min.X; x < b.Max.X; x++ {
			top := r.shade(img.GrayAt(x, y).Y)
			s := termenv.String("▀").Foreground(top)
			if y+1 < b.Max.Y {
				s = s.Background(r.shade(img.GrayAt(x, y+1).Y))
			}
			bw.WriteString(s.String())
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

func (r *Renderer) shade(v uint8) termenv.Color {
	c := rampLow.BlendRgb(rampHigh, float64(v)/255)
	return r.profile.Color(c.Hex())
}
