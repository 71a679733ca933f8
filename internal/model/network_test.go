package model

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"mnist-forge/internal/dataset"
)

func TestPredictReturnsDistributions(t *testing.T) {
	net, err := NewDigits(3)
	require.NoError(t, err)
	defer net.Close()

	x := syntheticBatch(3)
	probs, err := net.Predict(x, 3)
	require.NoError(t, err)
	require.Len(t, probs, 3)
	for _, p := range probs {
		require.Len(t, p, dataset.NumClasses)
		sum := 0.0
		for _, v := range p {
			require.GreaterOrEqual(t, v, float32(0))
			require.LessOrEqual(t, v, float32(1))
			sum += float64(v)
		}
		require.InDelta(t, 1.0, sum, 1e-5)
	}
}

func TestPredictIsBatchIndependent(t *testing.T) {
	net, err := NewDigits(5)
	require.NoError(t, err)
	defer net.Close()

	x := syntheticBatch(2)
	both, err := net.Predict(x, 2)
	require.NoError(t, err)
	second, err := net.Predict(x[dataset.PixelCount:], 1)
	require.NoError(t, err)
	for c := range second[0] {
		require.InDelta(t, both[1][c], second[0][c], 1e-5)
	}

	// Inference has no dropout: repeated calls agree exactly.
	again, err := net.Predict(x, 2)
	require.NoError(t, err)
	require.Equal(t, both, again)
}

func TestPredictRejectsWrongShape(t *testing.T) {
	net, err := NewDigits(1)
	require.NoError(t, err)
	defer net.Close()

	_, err = net.Predict(make([]float32, 27*28), 1)
	var shapeErr *dataset.ShapeError
	require.ErrorAs(t, err, &shapeErr)

	_, err = net.Predict(make([]float32, dataset.PixelCount), 2)
	require.ErrorAs(t, err, &shapeErr)
}

func TestArgMaxLowestIndexTieBreak(t *testing.T) {
	require.Equal(t, 0, ArgMax([]float32{0.1, 0.1, 0.1}))
	require.Equal(t, 2, ArgMax([]float32{0.1, 0.2, 0.35, 0.35}))
	require.Equal(t, 3, ArgMax([]float32{0, 0, 0, 1}))
}

func TestFitterReducesLoss(t *testing.T) {
	net, err := NewDigits(11)
	require.NoError(t, err)
	defer net.Close()

	fitter, err := NewFitter(net, 4, AdamOptions{LearningRate: 0.005})
	require.NoError(t, err)
	defer fitter.Close()

	x := syntheticBatch(4)
	labels := []int{0, 1, 2, 3}
	var losses []float64
	for i := 0; i < 40; i++ {
		loss, correct, err := fitter.Step(x, labels)
		require.NoError(t, err)
		require.False(t, math.IsNaN(loss))
		require.GreaterOrEqual(t, correct, 0)
		require.LessOrEqual(t, correct, 4)
		losses = append(losses, loss)
	}
	first := (losses[0] + losses[1]) / 2
	last := (losses[len(losses)-1] + losses[len(losses)-2]) / 2
	require.Less(t, last, first, "losses: %v", losses)

	require.NoError(t, fitter.Sync())
	probs, err := net.Predict(x, 4)
	require.NoError(t, err)
	correct := 0
	for i, p := range probs {
		if ArgMax(p) == labels[i] {
			correct++
		}
	}
	require.Equal(t, 4, correct, "memorised batch should be classified after sync")
}

func TestFitterRejectsBadBatch(t *testing.T) {
	net, err := NewDigits(1)
	require.NoError(t, err)
	defer net.Close()
	fitter, err := NewFitter(net, 2, AdamOptions{})
	require.NoError(t, err)
	defer fitter.Close()

	_, _, err = fitter.Step(syntheticBatch(2), []int{1})
	var shapeErr *dataset.ShapeError
	require.ErrorAs(t, err, &shapeErr)

	_, _, err = fitter.Step(syntheticBatch(2), []int{1, 12})
	require.ErrorContains(t, err, "outside 0..9")
}

func TestSetParamsValidates(t *testing.T) {
	net, err := NewDigits(1)
	require.NoError(t, err)
	defer net.Close()

	require.NoError(t, net.SetParams(net.Params().Clone()))
	require.Error(t, net.SetParams(net.Params()[:2]))
}

func TestSummary(t *testing.T) {
	net, err := NewDigits(1)
	require.NoError(t, err)
	defer net.Close()

	buf := &bytes.Buffer{}
	require.NoError(t, Summary(buf, net))
	out := buf.String()
	require.Contains(t, out, "conv2d (Conv2D)")
	require.Contains(t, out, "(None, 26, 26, 14)")
	require.Contains(t, out, "237,230")
	require.Contains(t, out, "241,636")
}

// syntheticBatch builds n distinct patterns: sample i lights row band i.
func syntheticBatch(n int) []float32 {
	x := make([]float32, n*dataset.PixelCount)
	for i := 0; i < n; i++ {
		img := x[i*dataset.PixelCount : (i+1)*dataset.PixelCount]
		for r := 4 + 5*i; r < 8+5*i && r < dataset.Height; r++ {
			for c := 4; c < 24; c++ {
				img[r*dataset.Width+c] = 1
			}
		}
	}
	return x
}
