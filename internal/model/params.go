package model

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Param is one learnable tensor, float32, in graph layout.
type Param struct {
	ParamSpec
	Value *tensor.Dense
}

// Data exposes the backing slice.
func (p *Param) Data() []float32 {
	return p.Value.Data().([]float32)
}

// Params is the ordered parameter list of a network.
type Params []*Param

// NewParams allocates parameters for arch. Kernels use Glorot-uniform
// initialisation, limit sqrt(6/(fan_in+fan_out)); biases start at zero.
func NewParams(arch Architecture, seed int64) (Params, error) {
	specs, err := arch.ParamSpecs()
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))
	params := make(Params, len(specs))
	for i, spec := range specs {
		data := make([]float32, Shape(spec.Shape).Size())
		if spec.Role == "kernel" {
			limit := math.Sqrt(6 / float64(spec.FanIn+spec.FanOut))
			for j := range data {
				data[j] = float32((rng.Float64()*2 - 1) * limit)
			}
		}
		params[i] = &Param{
			ParamSpec: spec,
			Value:     tensor.New(tensor.WithShape(spec.Shape...), tensor.WithBacking(data)),
		}
	}
	return params, nil
}

// FromData builds parameters for arch from flat float32 slices keyed by
// weight name. Every spec must be present with the exact element count.
func FromData(arch Architecture, data map[string][]float32) (Params, error) {
	specs, err := arch.ParamSpecs()
	if err != nil {
		return nil, err
	}
	params := make(Params, len(specs))
	for i, spec := range specs {
		values, ok := data[spec.Name()]
		if !ok {
			return nil, errors.Errorf("missing weight %s", spec.Name())
		}
		if want := Shape(spec.Shape).Size(); len(values) != want {
			return nil, errors.Errorf("weight %s has %d values, want %d", spec.Name(), len(values), want)
		}
		backing := append([]float32(nil), values...)
		params[i] = &Param{
			ParamSpec: spec,
			Value:     tensor.New(tensor.WithShape(spec.Shape...), tensor.WithBacking(backing)),
		}
	}
	return params, nil
}

// Lookup returns the named parameter or nil.
func (ps Params) Lookup(name string) *Param {
	for _, p := range ps {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// Count is the total number of scalar parameters.
func (ps Params) Count() int {
	n := 0
	for _, p := range ps {
		n += Shape(p.Shape).Size()
	}
	return n
}

// Clone deep-copies every tensor.
func (ps Params) Clone() Params {
	out := make(Params, len(ps))
	for i, p := range ps {
		out[i] = &Param{ParamSpec: p.ParamSpec, Value: p.Value.Clone().(*tensor.Dense)}
	}
	return out
}

func (ps Params) matches(arch Architecture) error {
	specs, err := arch.ParamSpecs()
	if err != nil {
		return err
	}
	if len(specs) != len(ps) {
		return errors.Errorf("have %d parameter tensors, architecture needs %d", len(ps), len(specs))
	}
	for i, spec := range specs {
		p := ps[i]
		if p.Name() != spec.Name() {
			return errors.Errorf("parameter %d is %s, want %s", i, p.Name(), spec.Name())
		}
		if !p.Value.Shape().Eq(tensor.Shape(spec.Shape)) {
			return errors.Errorf("parameter %s has shape %v, want %v", p.Name(), p.Value.Shape(), spec.Shape)
		}
		if p.Value.Dtype() != tensor.Float32 {
			return errors.Errorf("parameter %s has dtype %v, want float32", p.Name(), p.Value.Dtype())
		}
	}
	return nil
}
