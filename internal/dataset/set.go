package dataset

import (
	"fmt"
)

// Geometry of a single digit sample.
const (
	Height     = 28
	Width      = 28
	Channels   = 1
	PixelCount = Height * Width * Channels
	NumClasses = 10
)

// ShapeError reports a tensor whose shape does not match the declared input.
// It is fatal: callers never pad, crop or truncate to recover.
type ShapeError struct {
	What string
	Got  []int
	Want []int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("shape mismatch for %s: got %v want %v", e.What, e.Got, e.Want)
}

// Raw is an unnormalized partition: integer intensities 0..255 paired 1:1
// with labels, in source order.
type Raw struct {
	Pixels   []byte
	Labels   []int
	N        int
	Height   int
	Width    int
	Channels int
}

// Set is a prepared partition. Images holds N*PixelCount intensities in
// [0,1], row-major per sample; Labels[i] belongs to sample i.
type Set struct {
	Images []float32
	Labels []int
	N      int
}

// CheckShape verifies that a batch of n samples has the (n, 28, 28, 1) shape
// expected by the first layer.
func CheckShape(what string, n, h, w, c int) error {
	if n <= 0 || h != Height || w != Width || c != Channels {
		return &ShapeError{What: what, Got: []int{n, h, w, c}, Want: []int{n, Height, Width, Channels}}
	}
	return nil
}

// Normalize rescales 0..255 intensities to [0,1] by dividing by 255.
func Normalize(dst []float32, src []byte) {
	for i, p := range src {
		dst[i] = float32(p) / 255
	}
}

// Prepare validates the raw partition and normalizes it exactly once.
// Ordering and image/label pairing are preserved.
func Prepare(what string, raw *Raw) (*Set, error) {
	if err := CheckShape(what, raw.N, raw.Height, raw.Width, raw.Channels); err != nil {
		return nil, err
	}
	if len(raw.Pixels) != raw.N*PixelCount {
		return nil, &ShapeError{What: what + " pixels", Got: []int{len(raw.Pixels)}, Want: []int{raw.N * PixelCount}}
	}
	if len(raw.Labels) != raw.N {
		return nil, &ShapeError{What: what + " labels", Got: []int{len(raw.Labels)}, Want: []int{raw.N}}
	}
	for i, l := range raw.Labels {
		if l < 0 || l >= NumClasses {
			return nil, fmt.Errorf("%s: label %d at index %d outside 0..%d", what, l, i, NumClasses-1)
		}
	}
	set := &Set{
		Images: make([]float32, len(raw.Pixels)),
		Labels: append([]int(nil), raw.Labels...),
		N:      raw.N,
	}
	Normalize(set.Images, raw.Pixels)
	return set, nil
}

// Image returns the normalized pixels of sample i.
func (s *Set) Image(i int) []float32 {
	return s.Images[i*PixelCount : (i+1)*PixelCount]
}

// Gather copies the samples at idx into dst (len(idx)*PixelCount) and
// returns their labels.
func (s *Set) Gather(idx []int, dst []float32) []int {
	labels := make([]int, len(idx))
	for j, i := range idx {
		copy(dst[j*PixelCount:(j+1)*PixelCount], s.Image(i))
		labels[j] = s.Labels[i]
	}
	return labels
}

// Head returns a view of the first n samples.
func (s *Set) Head(n int) *Set {
	if n > s.N {
		n = s.N
	}
	return &Set{Images: s.Images[:n*PixelCount], Labels: s.Labels[:n], N: n}
}
