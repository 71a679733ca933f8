// Package tfjs writes and reads the TensorFlow.js layers-model format: a
// model.json holding the Keras topology and a weights manifest, plus binary
// shards of little-endian float32 values.
package tfjs

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"mnist-forge/internal/model"
)

const (
	ModelFile = "model.json"
	// ShardSize matches the tensorflowjs converter's default shard size.
	ShardSize = 4 * 1024 * 1024

	layersModel = "layers-model"
	generatedBy = "mnist-forge"
)

// Manifest is the model.json document.
type Manifest struct {
	Format          string            `json:"format"`
	GeneratedBy     string            `json:"generatedBy"`
	ConvertedBy     *string           `json:"convertedBy"`
	ModelTopology   *model.KerasModel `json:"modelTopology"`
	WeightsManifest []WeightGroup     `json:"weightsManifest"`
}

type WeightGroup struct {
	Paths   []string     `json:"paths"`
	Weights []WeightSpec `json:"weights"`
}

type WeightSpec struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
	DType string `json:"dtype"`
}

// Export writes model.json and its weight shards into dir. Weights are in
// Keras layout, so an NHWC runtime computes the same function as net.
func Export(dir string, net *model.Network) error {
	km, err := model.ToKeras(net.Architecture())
	if err != nil {
		return err
	}
	km.Backend = "tensor_flow.js"
	weights, err := model.ExportWeights(net.Architecture(), net.Params())
	if err != nil {
		return err
	}

	var blob bytes.Buffer
	group := WeightGroup{}
	for _, w := range weights {
		group.Weights = append(group.Weights, WeightSpec{Name: w.Name, Shape: w.Shape, DType: "float32"})
		var b [4]byte
		for _, v := range w.Data {
			binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
			blob.Write(b[:])
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	data := blob.Bytes()
	shards := (len(data) + ShardSize - 1) / ShardSize
	if shards == 0 {
		shards = 1
	}
	for i := 0; i < shards; i++ {
		lo, hi := i*ShardSize, (i+1)*ShardSize
		if hi > len(data) {
			hi = len(data)
		}
		name := fmt.Sprintf("group1-shard%dof%d.bin", i+1, shards)
		if err := os.WriteFile(filepath.Join(dir, name), data[lo:hi], 0o644); err != nil {
			return fmt.Errorf("write shard: %w", err)
		}
		group.Paths = append(group.Paths, name)
	}

	m := Manifest{
		Format:          layersModel,
		GeneratedBy:     generatedBy,
		ModelTopology:   km,
		WeightsManifest: []WeightGroup{group},
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, ModelFile), raw, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", ModelFile, err)
	}
	return nil
}
