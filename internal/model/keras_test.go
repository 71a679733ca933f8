package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKerasConfigRoundTrip(t *testing.T) {
	arch := DigitsArchitecture()
	km, err := ToKeras(arch)
	require.NoError(t, err)

	raw, err := json.Marshal(km)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"batch_input_shape":[null,28,28,1]`)
	require.Contains(t, string(raw), `"class_name":"MaxPooling2D"`)

	var decoded KerasModel
	require.NoError(t, json.Unmarshal(raw, &decoded))
	back, err := FromKeras(&decoded)
	require.NoError(t, err)
	require.Equal(t, arch, back)
}

func TestFromKerasRejectsUnsupported(t *testing.T) {
	km, err := ToKeras(DigitsArchitecture())
	require.NoError(t, err)
	km.Config.Layers[0].Config.Padding = "same"
	_, err = FromKeras(km)
	require.ErrorContains(t, err, "padding")

	km, _ = ToKeras(DigitsArchitecture())
	km.Config.Layers[5].Config.Activation = "tanh"
	_, err = FromKeras(km)
	require.ErrorContains(t, err, "activation")

	km, _ = ToKeras(DigitsArchitecture())
	km.Config.Layers = append(km.Config.Layers, KerasLayer{ClassName: "LSTM", Config: KerasLayerConfig{Name: "lstm"}})
	_, err = FromKeras(km)
	require.ErrorContains(t, err, "LSTM")
}

func TestExportWeightsLayout(t *testing.T) {
	arch := DigitsArchitecture()
	params, err := NewParams(arch, 4)
	require.NoError(t, err)
	for _, p := range params {
		for i := range p.Data() {
			p.Data()[i] = float32(i)
		}
	}

	weights, err := ExportWeights(arch, params)
	require.NoError(t, err)
	byName := map[string]KerasWeight{}
	for _, w := range weights {
		byName[w.Name] = w
	}

	conv := byName["conv2d_1/kernel"]
	require.Equal(t, []int{3, 3, 14, 28}, conv.Shape)
	// graph (o=2, i=5, h=1, w=2) -> keras (h=1, w=2, i=5, o=2)
	graphIdx := ((2*14+5)*3+1)*3 + 2
	kerasIdx := ((1*3+2)*14+5)*28 + 2
	require.Equal(t, float32(graphIdx), conv.Data[kerasIdx])

	dense := byName["dense/kernel"]
	require.Equal(t, []int{3388, 70}, dense.Shape)
	// channel 5 at (3, 4) of the (11, 11, 28) map.
	graphRow := 5*121 + 3*11 + 4
	kerasRow := (3*11+4)*28 + 5
	require.Equal(t, float32(graphRow*70+9), dense.Data[kerasRow*70+9])

	// The output layer follows a dense layer: no reordering.
	out := byName["dense_1/kernel"]
	require.Equal(t, float32(123), out.Data[123])
	require.Equal(t, []int{10}, byName["dense_1/bias"].Shape)

	back, err := ImportWeights(arch, byName)
	require.NoError(t, err)
	for i := range params {
		require.Equal(t, params[i].Data(), back[i].Data(), params[i].Name())
	}
}

func TestImportWeightsRejectsWrongShape(t *testing.T) {
	arch := DigitsArchitecture()
	params, err := NewParams(arch, 1)
	require.NoError(t, err)
	weights, err := ExportWeights(arch, params)
	require.NoError(t, err)
	byName := map[string]KerasWeight{}
	for _, w := range weights {
		byName[w.Name] = w
	}
	w := byName["conv2d/kernel"]
	w.Shape = []int{14, 1, 3, 3}
	byName["conv2d/kernel"] = w
	_, err = ImportWeights(arch, byName)
	require.ErrorContains(t, err, "conv2d/kernel has shape")
}
