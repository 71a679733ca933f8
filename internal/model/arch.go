package model

import (
	"fmt"

	"mnist-forge/internal/dataset"
)

// Kind identifies a layer type. Values follow the Keras class names so the
// exported configs are recognisable by Keras and TensorFlow.js loaders.
type Kind string

const (
	Conv2D       Kind = "Conv2D"
	MaxPooling2D Kind = "MaxPooling2D"
	Flatten      Kind = "Flatten"
	Dropout      Kind = "Dropout"
	Dense        Kind = "Dense"
)

// Activation names an element-wise (or, for softmax, row-wise) non-linearity.
type Activation string

const (
	Linear  Activation = "linear"
	ReLU    Activation = "relu"
	Softmax Activation = "softmax"
)

// Layer describes one stage of a sequential stack.
type Layer struct {
	Name       string
	Kind       Kind
	Filters    int
	Kernel     [2]int
	Pool       [2]int
	Units      int
	Rate       float64
	Activation Activation
}

// Shape is a per-sample shape, without the batch dimension: (h, w, c) for
// spatial tensors and (n) after flattening.
type Shape []int

func (s Shape) Size() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

func (s Shape) String() string {
	out := "(None"
	for _, d := range s {
		out += fmt.Sprintf(", %d", d)
	}
	return out + ")"
}

// Architecture is an ordered layer stack applied to Input.
type Architecture struct {
	Input  Shape
	Layers []Layer
}

// InputShape is the per-sample shape every network in this module accepts.
var InputShape = Shape{dataset.Height, dataset.Width, dataset.Channels}

// DigitsArchitecture returns the fixed five-layer classifier:
// conv 14@3x3 relu, maxpool 2x2, conv 28@3x3 relu, flatten, dropout 0.2,
// dense 70 relu, dense 10 softmax.
func DigitsArchitecture() Architecture {
	return Architecture{
		Input: InputShape,
		Layers: []Layer{
			{Name: "conv2d", Kind: Conv2D, Filters: 14, Kernel: [2]int{3, 3}, Activation: ReLU},
			{Name: "max_pooling2d", Kind: MaxPooling2D, Pool: [2]int{2, 2}},
			{Name: "conv2d_1", Kind: Conv2D, Filters: 28, Kernel: [2]int{3, 3}, Activation: ReLU},
			{Name: "flatten", Kind: Flatten},
			{Name: "dropout", Kind: Dropout, Rate: 0.2},
			{Name: "dense", Kind: Dense, Units: 70, Activation: ReLU},
			{Name: "dense_1", Kind: Dense, Units: dataset.NumClasses, Activation: Softmax},
		},
	}
}

// Infer propagates the input shape through every layer and returns each
// layer's output shape. Any incompatibility is a *dataset.ShapeError.
func (a Architecture) Infer() ([]Shape, error) {
	if len(a.Layers) == 0 {
		return nil, fmt.Errorf("architecture has no layers")
	}
	cur := append(Shape(nil), a.Input...)
	out := make([]Shape, 0, len(a.Layers))
	for _, l := range a.Layers {
		next, err := l.outputShape(cur)
		if err != nil {
			return nil, err
		}
		out = append(out, next)
		cur = next
	}
	return out, nil
}

// OutputShape is the shape produced by the last layer.
func (a Architecture) OutputShape() (Shape, error) {
	shapes, err := a.Infer()
	if err != nil {
		return nil, err
	}
	return shapes[len(shapes)-1], nil
}

func (l Layer) outputShape(in Shape) (Shape, error) {
	mismatch := func(want ...int) error {
		return &dataset.ShapeError{What: "layer " + l.Name, Got: in, Want: want}
	}
	switch l.Kind {
	case Conv2D:
		if len(in) != 3 {
			return nil, mismatch(-1, -1, -1)
		}
		h, w := in[0]-l.Kernel[0]+1, in[1]-l.Kernel[1]+1
		if l.Filters <= 0 || l.Kernel[0] <= 0 || l.Kernel[1] <= 0 || h <= 0 || w <= 0 {
			return nil, mismatch(l.Kernel[0], l.Kernel[1], in[2])
		}
		return Shape{h, w, l.Filters}, nil
	case MaxPooling2D:
		if len(in) != 3 || l.Pool[0] <= 0 || l.Pool[1] <= 0 || in[0] < l.Pool[0] || in[1] < l.Pool[1] {
			return nil, mismatch(l.Pool[0], l.Pool[1], -1)
		}
		return Shape{in[0] / l.Pool[0], in[1] / l.Pool[1], in[2]}, nil
	case Flatten:
		return Shape{in.Size()}, nil
	case Dropout:
		if l.Rate < 0 || l.Rate >= 1 {
			return nil, fmt.Errorf("layer %s: dropout rate %g outside [0,1)", l.Name, l.Rate)
		}
		return append(Shape(nil), in...), nil
	case Dense:
		if len(in) != 1 {
			return nil, mismatch(-1)
		}
		if l.Units <= 0 {
			return nil, fmt.Errorf("layer %s: units must be > 0", l.Name)
		}
		return Shape{l.Units}, nil
	default:
		return nil, fmt.Errorf("layer %s: unknown kind %q", l.Name, l.Kind)
	}
}

// ParamSpec describes one learnable tensor in graph layout: conv kernels are
// (filters, in_channels, kh, kw), conv biases (1, filters, 1, 1), dense
// kernels (in, units) and dense biases (1, units).
type ParamSpec struct {
	Layer  string
	Role   string
	Shape  []int
	FanIn  int
	FanOut int
}

// Name is the Keras weight name, e.g. "conv2d/kernel".
func (p ParamSpec) Name() string { return p.Layer + "/" + p.Role }

// ParamSpecs lists the learnable tensors in Keras weight order: for each
// layer, kernel then bias.
func (a Architecture) ParamSpecs() ([]ParamSpec, error) {
	cur := append(Shape(nil), a.Input...)
	var specs []ParamSpec
	for _, l := range a.Layers {
		next, err := l.outputShape(cur)
		if err != nil {
			return nil, err
		}
		switch l.Kind {
		case Conv2D:
			area := l.Kernel[0] * l.Kernel[1]
			specs = append(specs,
				ParamSpec{Layer: l.Name, Role: "kernel", Shape: []int{l.Filters, cur[2], l.Kernel[0], l.Kernel[1]}, FanIn: area * cur[2], FanOut: area * l.Filters},
				ParamSpec{Layer: l.Name, Role: "bias", Shape: []int{1, l.Filters, 1, 1}},
			)
		case Dense:
			specs = append(specs,
				ParamSpec{Layer: l.Name, Role: "kernel", Shape: []int{cur[0], l.Units}, FanIn: cur[0], FanOut: l.Units},
				ParamSpec{Layer: l.Name, Role: "bias", Shape: []int{1, l.Units}},
			)
		}
		cur = next
	}
	return specs, nil
}
