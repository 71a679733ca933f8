package tfjs

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"mnist-forge/internal/dataset"
	"mnist-forge/internal/model"
)

// Model evaluates a layers model the way an NHWC runtime does, directly from
// Keras-layout weights. It shares no code with the gorgonia graph.
type Model struct {
	arch   model.Architecture
	shapes []model.Shape
	// kernels holds conv kernels as (kh*kw*in, filters) and dense kernels as
	// (in, units) matrices, keyed by layer name.
	kernels map[string]*mat.Dense
	biases  map[string][]float64
}

var _ model.Predictor = (*Model)(nil)

func newModel(arch model.Architecture, weights map[string]model.KerasWeight) (*Model, error) {
	shapes, err := arch.Infer()
	if err != nil {
		return nil, err
	}
	m := &Model{
		arch:    arch,
		shapes:  shapes,
		kernels: make(map[string]*mat.Dense),
		biases:  make(map[string][]float64),
	}
	for _, l := range arch.Layers {
		if l.Kind != model.Conv2D && l.Kind != model.Dense {
			continue
		}
		k, ok := weights[l.Name+"/kernel"]
		if !ok {
			return nil, fmt.Errorf("missing %s/kernel", l.Name)
		}
		b, ok := weights[l.Name+"/bias"]
		if !ok {
			return nil, fmt.Errorf("missing %s/bias", l.Name)
		}
		cols := k.Shape[len(k.Shape)-1]
		m.kernels[l.Name] = mat.NewDense(len(k.Data)/cols, cols, widen(k.Data))
		m.biases[l.Name] = widen(b.Data)
	}
	return m, nil
}

// Architecture returns the layer stack read from model.json.
func (m *Model) Architecture() model.Architecture { return m.arch }

// Predict returns one probability row per sample. Samples are (28,28,1)
// intensities in [0,1], row-major.
func (m *Model) Predict(x []float32, batch int) ([][]float32, error) {
	if batch <= 0 || len(x) != batch*dataset.PixelCount {
		return nil, &dataset.ShapeError{What: "input batch", Got: []int{batch, len(x)}, Want: []int{batch, dataset.PixelCount}}
	}
	out := make([][]float32, batch)
	for i := range out {
		probs, err := m.sample(widen(x[i*dataset.PixelCount : (i+1)*dataset.PixelCount]))
		if err != nil {
			return nil, err
		}
		row := make([]float32, len(probs))
		for j, p := range probs {
			row[j] = float32(p)
		}
		out[i] = row
	}
	return out, nil
}

func (m *Model) sample(act []float64) ([]float64, error) {
	cur := m.arch.Input
	for i, l := range m.arch.Layers {
		switch l.Kind {
		case model.Conv2D:
			act = conv2d(act, cur, l, m.kernels[l.Name], m.biases[l.Name])
		case model.MaxPooling2D:
			act = maxPool(act, cur, l.Pool)
		case model.Flatten, model.Dropout:
			// HWC order is already the flatten order; dropout is inactive.
		case model.Dense:
			in := mat.NewVecDense(len(act), act)
			var y mat.VecDense
			y.MulVec(m.kernels[l.Name].T(), in)
			act = append([]float64(nil), y.RawVector().Data...)
			floats.Add(act, m.biases[l.Name])
		default:
			return nil, fmt.Errorf("%s: unsupported layer kind %q", l.Name, l.Kind)
		}
		if err := activate(act, l.Activation); err != nil {
			return nil, fmt.Errorf("%s: %w", l.Name, err)
		}
		cur = m.shapes[i]
	}
	return act, nil
}

// conv2d is a valid, stride-1 convolution over an HWC input, written as a
// patch matrix times the HWIO kernel.
func conv2d(in []float64, shape model.Shape, l model.Layer, kernel *mat.Dense, bias []float64) []float64 {
	h, w, c := shape[0], shape[1], shape[2]
	kh, kw := l.Kernel[0], l.Kernel[1]
	oh, ow := h-kh+1, w-kw+1
	patches := mat.NewDense(oh*ow, kh*kw*c, nil)
	for y := 0; y < oh; y++ {
		for x := 0; x < ow; x++ {
			row := patches.RawRowView(y*ow + x)
			k := 0
			for dy := 0; dy < kh; dy++ {
				base := ((y+dy)*w + x) * c
				n := kw * c
				copy(row[k:k+n], in[base:base+n])
				k += n
			}
		}
	}
	var out mat.Dense
	out.Mul(patches, kernel)
	raw := out.RawMatrix()
	res := make([]float64, oh*ow*l.Filters)
	for p := 0; p < oh*ow; p++ {
		dst := res[p*l.Filters : (p+1)*l.Filters]
		copy(dst, raw.Data[p*raw.Stride:p*raw.Stride+l.Filters])
		floats.Add(dst, bias)
	}
	return res
}

func maxPool(in []float64, shape model.Shape, pool [2]int) []float64 {
	h, w, c := shape[0], shape[1], shape[2]
	oh, ow := h/pool[0], w/pool[1]
	out := make([]float64, oh*ow*c)
	for y := 0; y < oh; y++ {
		for x := 0; x < ow; x++ {
			for ch := 0; ch < c; ch++ {
				best := math.Inf(-1)
				for dy := 0; dy < pool[0]; dy++ {
					for dx := 0; dx < pool[1]; dx++ {
						v := in[((y*pool[0]+dy)*w+x*pool[1]+dx)*c+ch]
						if v > best {
							best = v
						}
					}
				}
				out[(y*ow+x)*c+ch] = best
			}
		}
	}
	return out
}

func activate(v []float64, a model.Activation) error {
	switch a {
	case "", model.Linear:
	case model.ReLU:
		for i, x := range v {
			if x < 0 {
				v[i] = 0
			}
		}
	case model.Softmax:
		peak := floats.Max(v)
		for i, x := range v {
			v[i] = math.Exp(x - peak)
		}
		floats.Scale(1/floats.Sum(v), v)
	default:
		return fmt.Errorf("unknown activation %q", a)
	}
	return nil
}

func widen(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
