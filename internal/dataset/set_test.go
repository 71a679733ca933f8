package dataset

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeRange(t *testing.T) {
	src := make([]byte, 256)
	for i := range src {
		src[i] = byte(i)
	}
	dst := make([]float32, len(src))
	Normalize(dst, src)
	for i, v := range dst {
		require.GreaterOrEqual(t, v, float32(0), "pixel %d", i)
		require.LessOrEqual(t, v, float32(1), "pixel %d", i)
		require.InDelta(t, float64(i)/255, float64(v), 1e-6)
	}
	require.Equal(t, float32(0), dst[0])
	require.Equal(t, float32(1), dst[255])
}

func TestPrepareNormalizesOnce(t *testing.T) {
	raw := uniformRaw(2, 255)
	raw.Labels = []int{4, 2}
	set, err := Prepare("train", raw)
	require.NoError(t, err)
	// A second division would leave 1/255 instead of 1.
	for _, v := range set.Images {
		require.Equal(t, float32(1), v)
	}
	require.Equal(t, []int{4, 2}, set.Labels)
	require.Equal(t, byte(255), raw.Pixels[0], "raw input must not be mutated")
}

func TestPrepareKeepsPairing(t *testing.T) {
	raw := &Raw{Height: Height, Width: Width, Channels: Channels, N: 3}
	for i := 0; i < 3; i++ {
		px := make([]byte, PixelCount)
		for j := range px {
			px[j] = byte(i * 100)
		}
		raw.Pixels = append(raw.Pixels, px...)
		raw.Labels = append(raw.Labels, i)
	}
	set, err := Prepare("test", raw)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.Equal(t, i, set.Labels[i])
		require.InDelta(t, float64(i*100)/255, float64(set.Image(i)[PixelCount-1]), 1e-6)
	}

	dst := make([]float32, 2*PixelCount)
	labels := set.Gather([]int{2, 0}, dst)
	require.Equal(t, []int{2, 0}, labels)
	require.InDelta(t, 200.0/255, float64(dst[0]), 1e-6)
	require.Equal(t, float32(0), dst[PixelCount])
}

func TestPrepareShapeErrors(t *testing.T) {
	cases := map[string]*Raw{
		"height":   {N: 1, Height: 27, Width: 28, Channels: 1, Pixels: make([]byte, 27*28), Labels: []int{0}},
		"channels": {N: 1, Height: 28, Width: 28, Channels: 3, Pixels: make([]byte, 3*PixelCount), Labels: []int{0}},
		"pixels":   {N: 2, Height: 28, Width: 28, Channels: 1, Pixels: make([]byte, PixelCount), Labels: []int{0, 1}},
		"labels":   {N: 1, Height: 28, Width: 28, Channels: 1, Pixels: make([]byte, PixelCount), Labels: []int{0, 1}},
		"empty":    {N: 0, Height: 28, Width: 28, Channels: 1},
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Prepare("train", raw)
			var shapeErr *ShapeError
			require.ErrorAs(t, err, &shapeErr)
		})
	}
}

func TestPrepareRejectsBadLabel(t *testing.T) {
	raw := uniformRaw(1, 0)
	raw.Labels = []int{10}
	_, err := Prepare("train", raw)
	require.ErrorContains(t, err, "outside 0..9")
}

func uniformRaw(n int, v byte) *Raw {
	px := make([]byte, n*PixelCount)
	for i := range px {
		px[i] = v
	}
	return &Raw{Pixels: px, Labels: make([]int, n), N: n, Height: Height, Width: Width, Channels: Channels}
}
