package model

import (
	"github.com/pkg/errors"
)

// KerasVersion is recorded in exported configs; the layer configs below use
// its field names.
const KerasVersion = "2.15.0"

// KerasModel is the JSON form of a Sequential model as written by Keras'
// model.to_json() and read by tf.loadLayersModel.
type KerasModel struct {
	ClassName    string          `json:"class_name"`
	Config       KerasSequential `json:"config"`
	KerasVersion string          `json:"keras_version,omitempty"`
	Backend      string          `json:"backend,omitempty"`
}

type KerasSequential struct {
	Name   string       `json:"name"`
	Layers []KerasLayer `json:"layers"`
}

type KerasLayer struct {
	ClassName string           `json:"class_name"`
	Config    KerasLayerConfig `json:"config"`
}

type KerasInitializer struct {
	ClassName string         `json:"class_name"`
	Config    map[string]any `json:"config"`
}

type KerasLayerConfig struct {
	Name              string            `json:"name"`
	Trainable         bool              `json:"trainable"`
	DType             string            `json:"dtype"`
	BatchInputShape   []*int            `json:"batch_input_shape,omitempty"`
	Filters           int               `json:"filters,omitempty"`
	KernelSize        []int             `json:"kernel_size,omitempty"`
	PoolSize          []int             `json:"pool_size,omitempty"`
	Strides           []int             `json:"strides,omitempty"`
	Padding           string            `json:"padding,omitempty"`
	DataFormat        string            `json:"data_format,omitempty"`
	DilationRate      []int             `json:"dilation_rate,omitempty"`
	Units             int               `json:"units,omitempty"`
	Rate              *float64          `json:"rate,omitempty"`
	Activation        string            `json:"activation,omitempty"`
	UseBias           *bool             `json:"use_bias,omitempty"`
	KernelInitializer *KerasInitializer `json:"kernel_initializer,omitempty"`
	BiasInitializer   *KerasInitializer `json:"bias_initializer,omitempty"`
}

// ToKeras describes arch as a Keras Sequential config.
func ToKeras(arch Architecture) (*KerasModel, error) {
	if _, err := arch.Infer(); err != nil {
		return nil, err
	}
	useBias := true
	glorot := &KerasInitializer{ClassName: "GlorotUniform", Config: map[string]any{"seed": nil}}
	zeros := &KerasInitializer{ClassName: "Zeros", Config: map[string]any{}}

	km := &KerasModel{
		ClassName:    "Sequential",
		Config:       KerasSequential{Name: "sequential"},
		KerasVersion: KerasVersion,
		Backend:      "tensorflow",
	}
	for i, l := range arch.Layers {
		cfg := KerasLayerConfig{Name: l.Name, Trainable: true, DType: "float32"}
		if i == 0 {
			cfg.BatchInputShape = []*int{nil}
			for _, d := range arch.Input {
				d := d
				cfg.BatchInputShape = append(cfg.BatchInputShape, &d)
			}
		}
		switch l.Kind {
		case Conv2D:
			cfg.Filters = l.Filters
			cfg.KernelSize = []int{l.Kernel[0], l.Kernel[1]}
			cfg.Strides = []int{1, 1}
			cfg.Padding = "valid"
			cfg.DataFormat = "channels_last"
			cfg.DilationRate = []int{1, 1}
			cfg.Activation = string(activationOrLinear(l.Activation))
			cfg.UseBias = &useBias
			cfg.KernelInitializer, cfg.BiasInitializer = glorot, zeros
		case MaxPooling2D:
			cfg.PoolSize = []int{l.Pool[0], l.Pool[1]}
			cfg.Strides = []int{l.Pool[0], l.Pool[1]}
			cfg.Padding = "valid"
			cfg.DataFormat = "channels_last"
		case Flatten:
			cfg.DataFormat = "channels_last"
		case Dropout:
			rate := l.Rate
			cfg.Rate = &rate
		case Dense:
			cfg.Units = l.Units
			cfg.Activation = string(activationOrLinear(l.Activation))
			cfg.UseBias = &useBias
			cfg.KernelInitializer, cfg.BiasInitializer = glorot, zeros
		default:
			return nil, errors.Errorf("%s: unsupported layer kind %q", l.Name, l.Kind)
		}
		km.Config.Layers = append(km.Config.Layers, KerasLayer{ClassName: string(l.Kind), Config: cfg})
	}
	return km, nil
}

func activationOrLinear(a Activation) Activation {
	if a == "" {
		return Linear
	}
	return a
}

// FromKeras rebuilds an Architecture from a Sequential config. Only the
// options this module can execute are accepted: valid padding, unit strides
// for convolutions, pooling strides equal to the window, channels_last.
func FromKeras(km *KerasModel) (Architecture, error) {
	var arch Architecture
	if km.ClassName != "Sequential" {
		return arch, errors.Errorf("unsupported model class %q", km.ClassName)
	}
	if len(km.Config.Layers) == 0 {
		return arch, errors.New("model has no layers")
	}
	for i, kl := range km.Config.Layers {
		c := kl.Config
		if i == 0 {
			if len(c.BatchInputShape) != 4 {
				return arch, errors.Errorf("%s: batch_input_shape must have 4 dims", c.Name)
			}
			for _, d := range c.BatchInputShape[1:] {
				if d == nil {
					return arch, errors.Errorf("%s: input dims must be known", c.Name)
				}
				arch.Input = append(arch.Input, *d)
			}
		}
		if c.DataFormat != "" && c.DataFormat != "channels_last" {
			return arch, errors.Errorf("%s: unsupported data_format %q", c.Name, c.DataFormat)
		}
		if c.Padding != "" && c.Padding != "valid" {
			return arch, errors.Errorf("%s: unsupported padding %q", c.Name, c.Padding)
		}
		l := Layer{Name: c.Name, Kind: Kind(kl.ClassName), Activation: Activation(c.Activation)}
		switch l.Kind {
		case Conv2D:
			if len(c.KernelSize) != 2 || !allOnes(c.Strides) || !allOnes(c.DilationRate) {
				return arch, errors.Errorf("%s: unsupported convolution geometry", c.Name)
			}
			l.Filters = c.Filters
			l.Kernel = [2]int{c.KernelSize[0], c.KernelSize[1]}
		case MaxPooling2D:
			if len(c.PoolSize) != 2 || (len(c.Strides) == 2 && (c.Strides[0] != c.PoolSize[0] || c.Strides[1] != c.PoolSize[1])) {
				return arch, errors.Errorf("%s: unsupported pooling geometry", c.Name)
			}
			l.Pool = [2]int{c.PoolSize[0], c.PoolSize[1]}
		case Flatten:
		case Dropout:
			if c.Rate != nil {
				l.Rate = *c.Rate
			}
		case Dense:
			l.Units = c.Units
		default:
			return arch, errors.Errorf("%s: unsupported layer class %q", c.Name, kl.ClassName)
		}
		if (l.Kind == Conv2D || l.Kind == Dense) && c.UseBias != nil && !*c.UseBias {
			return arch, errors.Errorf("%s: layers without bias are not supported", c.Name)
		}
		switch l.Activation {
		case "", Linear, ReLU, Softmax:
		default:
			return arch, errors.Errorf("%s: unsupported activation %q", c.Name, c.Activation)
		}
		arch.Layers = append(arch.Layers, l)
	}
	if _, err := arch.Infer(); err != nil {
		return arch, err
	}
	return arch, nil
}

func allOnes(v []int) bool {
	for _, x := range v {
		if x != 1 {
			return false
		}
	}
	return true
}

// KerasWeight is one parameter tensor in Keras layout: conv kernels HWIO,
// dense kernels (in, units) with inputs in channels_last flatten order,
// biases 1-D.
type KerasWeight struct {
	Name  string
	Shape []int
	Data  []float32
}

// ExportWeights converts params from graph layout to Keras layout, in Keras
// weight order.
func ExportWeights(arch Architecture, params Params) ([]KerasWeight, error) {
	if err := params.matches(arch); err != nil {
		return nil, err
	}
	plan, err := layoutPlan(arch)
	if err != nil {
		return nil, err
	}
	out := make([]KerasWeight, len(params))
	for i, p := range params {
		src := p.Data()
		dst := make([]float32, len(src))
		shape := plan[i].kerasShape
		plan[i].toKeras(dst, src)
		out[i] = KerasWeight{Name: p.Name(), Shape: shape, Data: dst}
	}
	return out, nil
}

// ImportWeights converts Keras-layout weights, keyed by name, back to graph
// layout parameters.
func ImportWeights(arch Architecture, weights map[string]KerasWeight) (Params, error) {
	plan, err := layoutPlan(arch)
	if err != nil {
		return nil, err
	}
	data := make(map[string][]float32, len(plan))
	for _, step := range plan {
		w, ok := weights[step.spec.Name()]
		if !ok {
			return nil, errors.Errorf("missing weight %s", step.spec.Name())
		}
		if !Shape(w.Shape).equal(step.kerasShape) {
			return nil, errors.Errorf("weight %s has shape %v, want %v", w.Name, w.Shape, step.kerasShape)
		}
		if len(w.Data) != Shape(step.kerasShape).Size() {
			return nil, errors.Errorf("weight %s has %d values, want %d", w.Name, len(w.Data), Shape(step.kerasShape).Size())
		}
		dst := make([]float32, len(w.Data))
		step.fromKeras(dst, w.Data)
		data[step.spec.Name()] = dst
	}
	return FromData(arch, data)
}

func (s Shape) equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

type layoutStep struct {
	spec       ParamSpec
	kerasShape []int
	// perm[k] is the graph-layout index holding Keras-layout element k.
	perm []int
}

func (s layoutStep) toKeras(dst, src []float32) {
	for k, g := range s.perm {
		dst[k] = src[g]
	}
}

func (s layoutStep) fromKeras(dst, src []float32) {
	for k, g := range s.perm {
		dst[g] = src[k]
	}
}

func layoutPlan(arch Architecture) ([]layoutStep, error) {
	specs, err := arch.ParamSpecs()
	if err != nil {
		return nil, err
	}
	shapes, err := arch.Infer()
	if err != nil {
		return nil, err
	}
	var plan []layoutStep
	next := 0
	cur := arch.Input
	// flattened is the spatial shape consumed by the most recent Flatten, until
	// a Dense layer uses it.
	var flattened Shape
	for i, l := range arch.Layers {
		switch l.Kind {
		case Flatten:
			if len(cur) == 3 {
				flattened = cur
			}
		case Conv2D:
			kernel, bias := specs[next], specs[next+1]
			next += 2
			o, in, kh, kw := kernel.Shape[0], kernel.Shape[1], kernel.Shape[2], kernel.Shape[3]
			perm := make([]int, 0, o*in*kh*kw)
			for h := 0; h < kh; h++ {
				for w := 0; w < kw; w++ {
					for c := 0; c < in; c++ {
						for f := 0; f < o; f++ {
							perm = append(perm, ((f*in+c)*kh+h)*kw+w)
						}
					}
				}
			}
			plan = append(plan,
				layoutStep{spec: kernel, kerasShape: []int{kh, kw, in, o}, perm: perm},
				layoutStep{spec: bias, kerasShape: []int{o}, perm: identity(o)},
			)
		case Dense:
			kernel, bias := specs[next], specs[next+1]
			next += 2
			rows, units := kernel.Shape[0], kernel.Shape[1]
			perm := make([]int, 0, rows*units)
			for k := 0; k < rows; k++ {
				g := k
				if flattened != nil {
					// Keras row k = (h*W + w)*C + c; graph row = c*H*W + h*W + w.
					H, W, C := flattened[0], flattened[1], flattened[2]
					c := k % C
					hw := k / C
					g = c*H*W + hw
				}
				for u := 0; u < units; u++ {
					perm = append(perm, g*units+u)
				}
			}
			flattened = nil
			plan = append(plan,
				layoutStep{spec: kernel, kerasShape: []int{rows, units}, perm: perm},
				layoutStep{spec: bias, kerasShape: []int{units}, perm: identity(units)},
			)
		}
		cur = shapes[i]
	}
	return plan, nil
}

func identity(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
