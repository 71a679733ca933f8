package dataset

import (
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
)

// Digit is a single grayscale input image as read from disk.
type Digit struct {
	Path string
	Gray *image.Gray
}

// DecodeDigit decodes an image and coerces it to a single 28x28 channel.
// Colour images are converted with the standard luma weights; any other size
// is a *ShapeError.
func DecodeDigit(r io.Reader) (*image.Gray, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	b := img.Bounds()
	if b.Dx() != Width || b.Dy() != Height {
		return nil, &ShapeError{What: "image", Got: []int{b.Dy(), b.Dx()}, Want: []int{Height, Width}}
	}
	if g, ok := img.(*image.Gray); ok && b.Min == (image.Point{}) {
		return g, nil
	}
	gray := image.NewGray(image.Rect(0, 0, Width, Height))
	draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
	return gray, nil
}

// ReadDigit opens and decodes the image at path.
func ReadDigit(path string) (*Digit, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	gray, err := DecodeDigit(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &Digit{Path: path, Gray: gray}, nil
}

// Pixels returns the 784 raw intensities in row-major order.
func (d *Digit) Pixels() []byte {
	return grayPixels(d.Gray)
}

// Tensor returns the normalized (1, 28, 28, 1) input for this digit.
func (d *Digit) Tensor() []float32 {
	out := make([]float32, PixelCount)
	Normalize(out, d.Pixels())
	return out
}

func grayPixels(g *image.Gray) []byte {
	out := make([]byte, 0, PixelCount)
	b := g.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		start := g.PixOffset(b.Min.X, y)
		out = append(out, g.Pix[start:start+b.Dx()]...)
	}
	return out
}
