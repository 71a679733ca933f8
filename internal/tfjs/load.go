package tfjs

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"mnist-forge/internal/model"
)

// FormatError reports an unreadable or inconsistent layers-model directory.
type FormatError struct {
	Path string
	Err  error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("tfjs model %s: %v", e.Path, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// IsModelDir reports whether dir holds a model.json.
func IsModelDir(dir string) bool {
	st, err := os.Stat(filepath.Join(dir, ModelFile))
	return err == nil && !st.IsDir()
}

// Load reads a layers-model directory written by Export (or by the
// tensorflowjs converter, for the layer types this module supports).
func Load(dir string) (*Model, error) {
	m, err := load(dir)
	if err != nil {
		return nil, &FormatError{Path: dir, Err: err}
	}
	return m, nil
}

func load(dir string) (*Model, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ModelFile))
	if err != nil {
		return nil, err
	}
	var man Manifest
	if err := json.Unmarshal(raw, &man); err != nil {
		return nil, fmt.Errorf("%s: %w", ModelFile, err)
	}
	if man.Format != layersModel {
		return nil, fmt.Errorf("format %q, want %q", man.Format, layersModel)
	}
	if man.ModelTopology == nil {
		return nil, fmt.Errorf("%s has no modelTopology", ModelFile)
	}
	arch, err := model.FromKeras(man.ModelTopology)
	if err != nil {
		return nil, err
	}

	weights := make(map[string]model.KerasWeight)
	for _, group := range man.WeightsManifest {
		var data []byte
		for _, p := range group.Paths {
			if filepath.Base(p) != p {
				return nil, fmt.Errorf("shard path %q escapes model directory", p)
			}
			b, err := os.ReadFile(filepath.Join(dir, p))
			if err != nil {
				return nil, err
			}
			data = append(data, b...)
		}
		off := 0
		for _, ws := range group.Weights {
			if ws.DType != "float32" {
				return nil, fmt.Errorf("weight %s: dtype %q not supported", ws.Name, ws.DType)
			}
			n, err := elements(ws.Shape, (len(data)-off)/4)
			if err != nil {
				return nil, fmt.Errorf("weight %s: %w", ws.Name, err)
			}
			vals := make([]float32, n)
			for i := range vals {
				vals[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[off+4*i:]))
			}
			off += 4 * n
			weights[ws.Name] = model.KerasWeight{Name: ws.Name, Shape: ws.Shape, Data: vals}
		}
		if off != len(data) {
			return nil, fmt.Errorf("%d trailing bytes in weight group", len(data)-off)
		}
	}
	// ImportWeights checks every expected tensor is present with the Keras
	// shape for arch.
	if _, err := model.ImportWeights(arch, weights); err != nil {
		return nil, err
	}
	return newModel(arch, weights)
}

// elements is the element count of shape, which must fit in avail values.
func elements(shape []int, avail int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("negative dimension in shape %v", shape)
		}
		if d > 0 && n > avail/d {
			return 0, fmt.Errorf("shape %v needs more than the %d values left in the shards", shape, avail)
		}
		n *= d
	}
	if n > avail {
		return 0, fmt.Errorf("shape %v needs more than the %d values left in the shards", shape, avail)
	}
	return n, nil
}
