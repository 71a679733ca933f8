package model

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"mnist-forge/internal/dataset"
)

// AdamOptions are the optimiser hyper-parameters. Zero fields take the Keras
// defaults.
type AdamOptions struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
}

func (o AdamOptions) withDefaults() AdamOptions {
	if o.LearningRate == 0 {
		o.LearningRate = 0.001
	}
	if o.Beta1 == 0 {
		o.Beta1 = 0.9
	}
	if o.Beta2 == 0 {
		o.Beta2 = 0.999
	}
	if o.Epsilon == 0 {
		o.Epsilon = 1e-7
	}
	return o
}

// lossEpsilon keeps log() finite when a probability underflows to zero.
const lossEpsilon = 1e-7

// Fitter owns the training graph of a Network for one batch size. The loss
// is sparse categorical cross-entropy over the softmax output:
// -mean_i log(p_i[label_i]). Labels are integers; the one-hot mask they
// select with never leaves this type.
type Fitter struct {
	network *Network
	batch   int
	net     *graphNet
	y       *gorgonia.Node
	vm      gorgonia.VM
	solver  gorgonia.Solver

	costVal gorgonia.Value
	outVal  gorgonia.Value
	oneHot  []float32
}

// NewFitter compiles the training graph, including dropout, for batch.
func NewFitter(n *Network, batch int, opts AdamOptions) (*Fitter, error) {
	if batch <= 0 {
		return nil, errors.Errorf("batch size must be > 0 (got %d)", batch)
	}
	opts = opts.withDefaults()
	net, err := buildGraph(n.arch, n.params, batch, true)
	if err != nil {
		return nil, err
	}
	classes := net.out.Shape()[1]
	f := &Fitter{
		network: n,
		batch:   batch,
		net:     net,
		oneHot:  make([]float32, batch*classes),
	}
	f.y = gorgonia.NewMatrix(net.g, tensor.Float32, gorgonia.WithShape(batch, classes), gorgonia.WithName("y"))

	eps := gorgonia.NewConstant(float32(lossEpsilon), gorgonia.WithName("eps"))
	logp, err := gorgonia.Log(gorgonia.Must(gorgonia.Add(net.out, eps)))
	if err != nil {
		return nil, errors.Wrap(err, "log probabilities")
	}
	picked, err := gorgonia.HadamardProd(logp, f.y)
	if err != nil {
		return nil, errors.Wrap(err, "select label probabilities")
	}
	perSample, err := gorgonia.Sum(picked, 1)
	if err != nil {
		return nil, errors.Wrap(err, "sum over classes")
	}
	cost, err := gorgonia.Neg(gorgonia.Must(gorgonia.Mean(perSample)))
	if err != nil {
		return nil, errors.Wrap(err, "mean loss")
	}
	gorgonia.Read(cost, &f.costVal)
	gorgonia.Read(net.out, &f.outVal)

	if _, err := gorgonia.Grad(cost, net.learnables...); err != nil {
		return nil, errors.Wrap(err, "symbolic gradient")
	}
	f.vm = gorgonia.NewTapeMachine(net.g, gorgonia.BindDualValues(net.learnables...))
	f.solver = gorgonia.NewAdamSolver(
		gorgonia.WithLearnRate(opts.LearningRate),
		gorgonia.WithBeta1(opts.Beta1),
		gorgonia.WithBeta2(opts.Beta2),
		gorgonia.WithEps(opts.Epsilon),
	)
	return f, nil
}

// BatchSize is the fixed number of samples per Step.
func (f *Fitter) BatchSize() int { return f.batch }

// Step runs one forward/backward pass and one Adam update. It returns the
// mean batch loss and the number of samples whose arg-max matched the label.
func (f *Fitter) Step(x []float32, labels []int) (loss float64, correct int, err error) {
	if err := checkInput(x, f.batch); err != nil {
		return 0, 0, err
	}
	if len(labels) != f.batch {
		return 0, 0, &dataset.ShapeError{What: "label batch", Got: []int{len(labels)}, Want: []int{f.batch}}
	}
	classes := len(f.oneHot) / f.batch
	for i := range f.oneHot {
		f.oneHot[i] = 0
	}
	for i, l := range labels {
		if l < 0 || l >= classes {
			return 0, 0, errors.Errorf("label %d outside 0..%d", l, classes-1)
		}
		f.oneHot[i*classes+l] = 1
	}

	defer f.vm.Reset()
	if err := gorgonia.Let(f.net.x, inputTensor(x, f.batch)); err != nil {
		return 0, 0, errors.Wrap(err, "bind input")
	}
	yT := tensor.New(tensor.WithShape(f.batch, classes), tensor.WithBacking(append([]float32(nil), f.oneHot...)))
	if err := gorgonia.Let(f.y, yT); err != nil {
		return 0, 0, errors.Wrap(err, "bind labels")
	}
	if err := f.vm.RunAll(); err != nil {
		return 0, 0, errors.Wrap(err, "training pass")
	}
	if err := f.solver.Step(gorgonia.NodesToValueGrads(f.net.learnables)); err != nil {
		return 0, 0, errors.Wrap(err, "adam step")
	}

	probs := f.outVal.Data().([]float32)
	for i, l := range labels {
		if ArgMax(probs[i*classes:(i+1)*classes]) == l {
			correct++
		}
	}
	return float64(f.costVal.Data().(float32)), correct, nil
}

// Sync copies the trained values back into the network parameters and drops
// stale forward graphs, so Predict sees the latest weights.
func (f *Fitter) Sync() error {
	params := f.network.params
	for i, node := range f.net.learnables {
		val, ok := node.Value().(*tensor.Dense)
		if !ok {
			return errors.Errorf("%s: unexpected value type %T", node.Name(), node.Value())
		}
		src := val.Data().([]float32)
		dst := params[i].Data()
		if &src[0] != &dst[0] {
			copy(dst, src)
		}
	}
	f.network.mu.Lock()
	f.network.machines.Purge()
	f.network.mu.Unlock()
	return nil
}

// Close releases the training machine.
func (f *Fitter) Close() {
	f.vm.Close()
}

// ArgMax returns the index of the largest entry; ties resolve to the lowest
// index.
func ArgMax(p []float32) int {
	best := 0
	for i := 1; i < len(p); i++ {
		if p[i] > p[best] {
			best = i
		}
	}
	return best
}
