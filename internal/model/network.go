package model

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
)

// Predictor is the model handle consumed by evaluation and inference: it maps
// batch samples of 28x28x1 intensities in [0,1] to one 10-way probability
// distribution per sample.
type Predictor interface {
	Predict(x []float32, batch int) ([][]float32, error)
}

// machineCacheSize bounds how many compiled forward graphs (one per batch
// size) are kept alive.
const machineCacheSize = 4

// Network pairs an architecture with its parameters.
type Network struct {
	arch   Architecture
	params Params

	mu       sync.Mutex
	machines *lru.Cache[int, *forward]
}

var _ Predictor = (*Network)(nil)

// New validates params against arch.
func New(arch Architecture, params Params) (*Network, error) {
	if _, err := arch.Infer(); err != nil {
		return nil, err
	}
	if err := params.matches(arch); err != nil {
		return nil, err
	}
	cache, err := lru.NewWithEvict[int, *forward](machineCacheSize, func(_ int, f *forward) {
		f.close()
	})
	if err != nil {
		return nil, err
	}
	return &Network{arch: arch, params: params, machines: cache}, nil
}

// NewDigits builds the fixed digit classifier with freshly initialised weights.
func NewDigits(seed int64) (*Network, error) {
	arch := DigitsArchitecture()
	params, err := NewParams(arch, seed)
	if err != nil {
		return nil, err
	}
	return New(arch, params)
}

// Architecture returns the layer stack.
func (n *Network) Architecture() Architecture { return n.arch }

// Params returns the live parameters. Callers must not mutate them while a
// Fitter is running.
func (n *Network) Params() Params { return n.params }

// SetParams replaces the parameters and drops every compiled forward graph.
func (n *Network) SetParams(p Params) error {
	if err := p.matches(n.arch); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.params = p
	n.machines.Purge()
	return nil
}

// Predict runs the deterministic forward pass (no dropout).
func (n *Network) Predict(x []float32, batch int) ([][]float32, error) {
	if err := checkInput(x, batch); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	f, ok := n.machines.Get(batch)
	if !ok {
		var err error
		if f, err = newForward(n.arch, n.params, batch); err != nil {
			return nil, err
		}
		n.machines.Add(batch, f)
	}
	probs, err := f.run(x)
	if err != nil {
		return nil, err
	}
	classes := len(probs) / batch
	out := make([][]float32, batch)
	for i := range out {
		out[i] = append([]float32(nil), probs[i*classes:(i+1)*classes]...)
	}
	return out, nil
}

// Close releases every compiled graph.
func (n *Network) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.machines.Purge()
}

type forward struct {
	net    *graphNet
	vm     gorgonia.VM
	outVal gorgonia.Value
}

func newForward(arch Architecture, params Params, batch int) (*forward, error) {
	net, err := buildGraph(arch, params, batch, false)
	if err != nil {
		return nil, err
	}
	f := &forward{net: net}
	gorgonia.Read(net.out, &f.outVal)
	f.vm = gorgonia.NewTapeMachine(net.g)
	return f, nil
}

func (f *forward) run(x []float32) ([]float32, error) {
	defer f.vm.Reset()
	if err := gorgonia.Let(f.net.x, inputTensor(x, f.net.x.Shape()[0])); err != nil {
		return nil, errors.Wrap(err, "bind input")
	}
	if err := f.vm.RunAll(); err != nil {
		return nil, errors.Wrap(err, "forward pass")
	}
	data, ok := f.outVal.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("unexpected output type %T", f.outVal.Data())
	}
	return append([]float32(nil), data...), nil
}

func (f *forward) close() {
	f.vm.Close()
}
