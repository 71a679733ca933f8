package artifact

import (
	"archive/zip"
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"mnist-forge/internal/dataset"
	"mnist-forge/internal/model"
)

func sampleBatch(n int) []float32 {
	x := make([]float32, n*dataset.PixelCount)
	for i := range x {
		x[i] = float32((i*37)%255) / 255
	}
	return x
}

func TestSaveLoadRoundTrip(t *testing.T) {
	net, err := model.NewDigits(11)
	require.NoError(t, err)
	defer net.Close()

	path := filepath.Join(t.TempDir(), "out", "model.keras")
	require.NoError(t, Save(path, net))

	loaded, err := Load(path)
	require.NoError(t, err)
	defer loaded.Close()
	require.Equal(t, net.Architecture(), loaded.Architecture())

	for i, p := range net.Params() {
		require.Equal(t, p.Name(), loaded.Params()[i].Name())
		require.Equal(t, p.Data(), loaded.Params()[i].Data())
	}

	x := sampleBatch(3)
	want, err := net.Predict(x, 3)
	require.NoError(t, err)
	got, err := loaded.Predict(x, 3)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestArchiveMembers(t *testing.T) {
	net, err := model.NewDigits(1)
	require.NoError(t, err)
	defer net.Close()

	path := filepath.Join(t.TempDir(), "model.keras")
	require.NoError(t, Save(path, net))

	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	require.Contains(t, names, "metadata.json")
	require.Contains(t, names, "config.json")
	require.Contains(t, names, "weights/conv2d/kernel.npy")
	require.Contains(t, names, "weights/dense_1/bias.npy")

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary file left behind")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.keras"))
	var le *LoadError
	require.True(t, errors.As(err, &le))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadCorruptArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.keras")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a zip"), 0o644))
	_, err := Load(path)
	var le *LoadError
	require.True(t, errors.As(err, &le))
	require.Equal(t, path, le.Path)
}

// rewrite copies src to a new archive, dropping or replacing members.
func rewrite(t *testing.T, src string, edit func(name string) (data []byte, keep bool)) string {
	t.Helper()
	zr, err := zip.OpenReader(src)
	require.NoError(t, err)
	defer zr.Close()

	dst := filepath.Join(t.TempDir(), "edited.keras")
	out, err := os.Create(dst)
	require.NoError(t, err)
	zw := zip.NewWriter(out)
	for _, f := range zr.File {
		data, keep := edit(f.Name)
		if !keep {
			continue
		}
		w, err := zw.Create(f.Name)
		require.NoError(t, err)
		if data == nil {
			rc, err := f.Open()
			require.NoError(t, err)
			_, err = io.Copy(w, rc)
			rc.Close()
			require.NoError(t, err)
			continue
		}
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, out.Close())
	return dst
}

func TestLoadDamagedMembers(t *testing.T) {
	net, err := model.NewDigits(2)
	require.NoError(t, err)
	defer net.Close()
	src := filepath.Join(t.TempDir(), "model.keras")
	require.NoError(t, Save(src, net))

	cases := map[string]func(string) ([]byte, bool){
		"missing weight": func(name string) ([]byte, bool) {
			return nil, name != "weights/dense/kernel.npy"
		},
		"missing config": func(name string) ([]byte, bool) {
			return nil, name != "config.json"
		},
		"bad metadata": func(name string) ([]byte, bool) {
			if name == "metadata.json" {
				return []byte(`{"format":"other","format_version":1}`), true
			}
			return nil, true
		},
		"oversized weight shape": func(name string) ([]byte, bool) {
			if name == "weights/conv2d/kernel.npy" {
				var buf bytes.Buffer
				require.NoError(t, writeNPY(&buf, []int{100000, 100000, 100000}, nil))
				return buf.Bytes(), true
			}
			return nil, true
		},
		"truncated weight": func(name string) ([]byte, bool) {
			if name == "weights/conv2d/bias.npy" {
				return []byte("\x93NUMPY\x01\x00"), true
			}
			return nil, true
		},
	}
	for name, edit := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(rewrite(t, src, edit))
			var le *LoadError
			require.True(t, errors.As(err, &le), "got %v", err)
		})
	}
}
