package model

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"mnist-forge/internal/dataset"
)

// graphNet is one expression graph for a fixed batch size. Inputs are NCHW;
// a (batch, 28, 28, 1) sample buffer has the same memory layout as
// (batch, 1, 28, 28) because there is a single channel.
type graphNet struct {
	g          *gorgonia.ExprGraph
	x          *gorgonia.Node
	out        *gorgonia.Node
	learnables gorgonia.Nodes
}

// buildGraph wires arch over params. Dropout nodes are only emitted when
// train is set; inference graphs compute the deterministic function.
func buildGraph(arch Architecture, params Params, batch int, train bool) (*graphNet, error) {
	g := gorgonia.NewGraph()
	x := gorgonia.NewTensor(g, tensor.Float32, 4,
		gorgonia.WithShape(batch, dataset.Channels, dataset.Height, dataset.Width),
		gorgonia.WithName("x"))

	net := &graphNet{g: g, x: x}
	bind := func(p *Param) *gorgonia.Node {
		n := gorgonia.NewTensor(g, tensor.Float32, len(p.Shape),
			gorgonia.WithShape(p.Shape...),
			gorgonia.WithValue(p.Value),
			gorgonia.WithName(p.Name()))
		net.learnables = append(net.learnables, n)
		return n
	}

	next := 0
	cur := x
	var err error
	for _, l := range arch.Layers {
		switch l.Kind {
		case Conv2D:
			w, b := bind(params[next]), bind(params[next+1])
			next += 2
			if cur, err = gorgonia.Conv2d(cur, w, tensor.Shape{l.Kernel[0], l.Kernel[1]}, []int{0, 0}, []int{1, 1}, []int{1, 1}); err != nil {
				return nil, errors.Wrapf(err, "%s convolution", l.Name)
			}
			if cur, err = gorgonia.BroadcastAdd(cur, b, nil, []byte{0, 2, 3}); err != nil {
				return nil, errors.Wrapf(err, "%s bias", l.Name)
			}
		case MaxPooling2D:
			if cur, err = gorgonia.MaxPool2D(cur, tensor.Shape{l.Pool[0], l.Pool[1]}, []int{0, 0}, []int{l.Pool[0], l.Pool[1]}); err != nil {
				return nil, errors.Wrapf(err, "%s pooling", l.Name)
			}
		case Flatten:
			shp := cur.Shape()
			if cur, err = gorgonia.Reshape(cur, tensor.Shape{shp[0], shp.TotalSize() / shp[0]}); err != nil {
				return nil, errors.Wrapf(err, "%s reshape", l.Name)
			}
		case Dropout:
			if !train || l.Rate == 0 {
				continue
			}
			if cur, err = gorgonia.Dropout(cur, l.Rate); err != nil {
				return nil, errors.Wrapf(err, "%s dropout", l.Name)
			}
		case Dense:
			w, b := bind(params[next]), bind(params[next+1])
			next += 2
			if cur, err = gorgonia.Mul(cur, w); err != nil {
				return nil, errors.Wrapf(err, "%s matmul", l.Name)
			}
			if cur, err = gorgonia.BroadcastAdd(cur, b, nil, []byte{0}); err != nil {
				return nil, errors.Wrapf(err, "%s bias", l.Name)
			}
		default:
			return nil, errors.Errorf("%s: unsupported layer kind %q", l.Name, l.Kind)
		}
		if cur, err = activate(cur, l.Activation); err != nil {
			return nil, errors.Wrapf(err, "%s activation", l.Name)
		}
	}
	net.out = cur
	return net, nil
}

func activate(n *gorgonia.Node, a Activation) (*gorgonia.Node, error) {
	switch a {
	case "", Linear:
		return n, nil
	case ReLU:
		return gorgonia.Rectify(n)
	case Softmax:
		return gorgonia.SoftMax(n)
	default:
		return nil, errors.Errorf("unknown activation %q", a)
	}
}

// inputTensor wraps a flat sample buffer as the graph input value.
func inputTensor(x []float32, batch int) tensor.Tensor {
	return tensor.New(
		tensor.WithShape(batch, dataset.Channels, dataset.Height, dataset.Width),
		tensor.WithBacking(x),
	)
}

// checkInput verifies len(x) describes exactly batch samples of 28x28x1.
func checkInput(x []float32, batch int) error {
	if batch <= 0 || len(x) != batch*dataset.PixelCount {
		got := 0
		if batch > 0 {
			got = len(x) / batch
		}
		return &dataset.ShapeError{What: "input batch", Got: []int{batch, got}, Want: []int{batch, dataset.PixelCount}}
	}
	return nil
}
