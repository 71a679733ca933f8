package predictor

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mnist-forge/internal/config"
	"mnist-forge/internal/dataset"
	"mnist-forge/internal/display"
)

// brightness predicts the class from the mean intensity of the image, which
// lets tests choose outcomes by choosing pixel values.
type brightness struct{ calls int }

func (b *brightness) Predict(x []float32, batch int) ([][]float32, error) {
	b.calls++
	out := make([][]float32, batch)
	for i := range out {
		var sum float32
		for _, v := range x[i*dataset.PixelCount : (i+1)*dataset.PixelCount] {
			sum += v
		}
		class := int(sum / dataset.PixelCount * 9.99)
		row := make([]float32, dataset.NumClasses)
		row[class] = 1
		out[i] = row
	}
	return out, nil
}

func writeDigit(t *testing.T, dir, name string, size int, v uint8) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, size, size))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	f, err := os.Create(filepath.Join(dir, name))
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func TestRunPrintsPredictionsInOrder(t *testing.T) {
	dir := t.TempDir()
	writeDigit(t, dir, "b.png", 28, 255)
	writeDigit(t, dir, "a.png", 28, 0)
	writeDigit(t, dir, "c.PNG", 28, 128)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	var out bytes.Buffer
	results, err := Run(context.Background(), &brightness{}, Options{InputDir: dir, Out: &out})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "Prediction: 0\nPrediction: 9\nPrediction: 5\n", out.String())
	assert.Equal(t, filepath.Join(dir, "a.png"), results[0].Path)
	assert.Len(t, results[1].Probs, dataset.NumClasses)
}

func TestRunAbortsOnBadImage(t *testing.T) {
	dir := t.TempDir()
	writeDigit(t, dir, "a.png", 28, 0)
	writeDigit(t, dir, "b.png", 32, 0)

	var out bytes.Buffer
	results, err := Run(context.Background(), &brightness{}, Options{InputDir: dir, Out: &out})
	var se *dataset.ShapeError
	require.ErrorAs(t, err, &se)
	require.Len(t, results, 1)
	assert.Equal(t, "Prediction: 0\n", out.String())
}

func TestRunSkipsBadImage(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.png"), []byte("not a png"), 0o644))
	writeDigit(t, dir, "b.png", 28, 255)

	handle := &brightness{}
	var out bytes.Buffer
	results, err := Run(context.Background(), handle, Options{InputDir: dir, OnError: config.OnErrorSkip, Out: &out})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 9, results[0].Class)
	assert.Equal(t, 1, handle.calls)
}

func TestRunDisplaysImages(t *testing.T) {
	dir := t.TempDir()
	writeDigit(t, dir, "a.png", 28, 255)

	var out bytes.Buffer
	_, err := Run(context.Background(), &brightness{}, Options{
		InputDir: dir,
		Out:      &out,
		Display:  display.New(&out, display.ASCII),
	})
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	require.Len(t, lines, 29)
	assert.Equal(t, strings.Repeat("@", 56), lines[1])
}

func TestRunCancelled(t *testing.T) {
	dir := t.TempDir()
	writeDigit(t, dir, "a.png", 28, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, &brightness{}, Options{InputDir: dir, Out: &bytes.Buffer{}})
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunMissingDir(t *testing.T) {
	_, err := Run(context.Background(), &brightness{}, Options{InputDir: filepath.Join(t.TempDir(), "nope"), Out: &bytes.Buffer{}})
	require.Error(t, err)
}
