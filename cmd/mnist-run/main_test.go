package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"mnist-forge/internal/artifact"
	"mnist-forge/internal/model"
	"mnist-forge/internal/tfjs"
)

func TestLoadModelPrintsSummary(t *testing.T) {
	net, err := model.NewDigits(1)
	require.NoError(t, err)
	defer net.Close()

	root := t.TempDir()
	archive := filepath.Join(root, "model.keras")
	require.NoError(t, artifact.Save(archive, net))
	require.NoError(t, tfjs.Export(filepath.Join(root, "tfjs"), net))

	for _, path := range []string{archive, filepath.Join(root, "tfjs")} {
		handle, err := loadModel(path)
		require.NoError(t, err)

		var buf bytes.Buffer
		require.NoError(t, describeModel(&buf, handle))
		require.Contains(t, buf.String(), "conv2d (Conv2D)")
		require.Contains(t, buf.String(), "241,636")
	}
}

type bare struct{}

func (bare) Predict(x []float32, batch int) ([][]float32, error) { return nil, nil }

func TestDescribeModelWithoutArchitecture(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, describeModel(&buf, bare{}))
	require.Zero(t, buf.Len())
}
