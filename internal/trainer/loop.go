package trainer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"mnist-forge/internal/dataset"
	"mnist-forge/internal/logging"
	"mnist-forge/internal/metrics"
	"mnist-forge/internal/model"
)

// FitConfig captures the knobs required by the training loop.
type FitConfig struct {
	Epochs        int
	BatchSize     int
	EvalBatchSize int
	LogEvery      int
	Seed          int64
	Adam          model.AdamOptions
	Logger        *zap.SugaredLogger
	// OnEpoch, when set, observes every completed epoch.
	OnEpoch func(metrics.Epoch) error
}

// Fit trains net on train for cfg.Epochs passes, evaluating on test after
// every epoch without updating parameters.
//
// Each epoch visits the training samples in a seeded random order. The graph
// has a fixed batch shape, so a short final batch is topped up by wrapping
// around to the start of the epoch's order.
func Fit(ctx context.Context, net *model.Network, train, test *dataset.Set, cfg FitConfig) (*metrics.History, error) {
	if cfg.Epochs <= 0 {
		return nil, errors.New("trainer: epochs must be > 0")
	}
	if cfg.BatchSize <= 0 {
		return nil, errors.New("trainer: batch size must be > 0")
	}
	if cfg.EvalBatchSize <= 0 {
		cfg.EvalBatchSize = cfg.BatchSize
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = 200
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if err := CheckCompatible(net.Architecture(), train, "train"); err != nil {
		return nil, err
	}
	if err := CheckCompatible(net.Architecture(), test, "test"); err != nil {
		return nil, err
	}

	fitter, err := model.NewFitter(net, cfg.BatchSize, cfg.Adam)
	if err != nil {
		return nil, err
	}
	defer fitter.Close()

	rng := rand.New(rand.NewSource(cfg.Seed))
	steps := (train.N + cfg.BatchSize - 1) / cfg.BatchSize
	inputs := make([]float32, cfg.BatchSize*dataset.PixelCount)
	history := &metrics.History{}

	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		order := rng.Perm(train.N)
		var window metrics.Window
		var running metrics.Running
		epochStart := time.Now()

		for step := 1; step <= steps; step++ {
			if err := ctx.Err(); err != nil {
				return history, err
			}
			startData := time.Now()
			labels := train.Gather(batchIndices(order, step-1, cfg.BatchSize), inputs)
			dataTime := time.Since(startData)

			startCompute := time.Now()
			loss, correct, err := fitter.Step(inputs, labels)
			if err != nil {
				return history, fmt.Errorf("epoch %d step %d: %w", epoch, step, err)
			}
			computeTime := time.Since(startCompute)

			window.Record(cfg.BatchSize, correct, dataTime, computeTime, loss)
			running.Add(cfg.BatchSize, correct, loss)

			if step%cfg.LogEvery == 0 {
				snap := window.Snapshot()
				cfg.Logger.Infow("train step",
					"epoch", epoch,
					"step", fmt.Sprintf("%d/%d", step, steps),
					"images_per_sec", round(snap.ImagesPerSec, 1),
					"data_ms", round(snap.AvgDataMS, 2),
					"compute_ms", round(snap.AvgComputeMS, 2),
					"loss", round(snap.AvgLoss, 4),
					"accuracy", round(snap.Accuracy, 4),
				)
			}
		}

		if err := fitter.Sync(); err != nil {
			return history, err
		}
		valLoss, valAcc, err := Evaluate(net, test, cfg.EvalBatchSize)
		if err != nil {
			return history, fmt.Errorf("epoch %d validation: %w", epoch, err)
		}
		rec := metrics.Epoch{
			Epoch:       epoch,
			Accuracy:    running.Accuracy(),
			Loss:        running.Loss(),
			ValAccuracy: valAcc,
			ValLoss:     valLoss,
		}
		if err := history.Append(rec); err != nil {
			return history, err
		}
		cfg.Logger.Infow("epoch complete",
			"epoch", fmt.Sprintf("%d/%d", epoch, cfg.Epochs),
			"elapsed", time.Since(epochStart).Round(time.Millisecond),
			"accuracy", round(rec.Accuracy, 4),
			"loss", round(rec.Loss, 4),
			"val_accuracy", round(rec.ValAccuracy, 4),
			"val_loss", round(rec.ValLoss, 4),
		)
		if cfg.OnEpoch != nil {
			if err := cfg.OnEpoch(rec); err != nil {
				return history, err
			}
		}
	}

	return history, nil
}

// batchIndices returns the sample indices of batch b within order, wrapping
// around when the epoch runs out.
func batchIndices(order []int, b, size int) []int {
	idx := make([]int, size)
	for i := range idx {
		idx[i] = order[(b*size+i)%len(order)]
	}
	return idx
}

// Evaluate runs one full pass over set and returns the mean sparse
// categorical cross-entropy and the top-1 accuracy.
func Evaluate(p model.Predictor, set *dataset.Set, batch int) (loss, acc float64, err error) {
	if set.N == 0 {
		return 0, 0, errors.New("trainer: empty evaluation set")
	}
	if batch <= 0 {
		batch = set.N
	}
	var running metrics.Running
	idx := make([]int, 0, batch)
	inputs := make([]float32, batch*dataset.PixelCount)
	for start := 0; start < set.N; start += batch {
		end := start + batch
		if end > set.N {
			end = set.N
		}
		idx = idx[:0]
		for i := start; i < end; i++ {
			idx = append(idx, i)
		}
		n := len(idx)
		labels := set.Gather(idx, inputs[:n*dataset.PixelCount])
		probs, err := p.Predict(inputs[:n*dataset.PixelCount], n)
		if err != nil {
			return 0, 0, err
		}
		sum, correct := 0.0, 0
		for i, row := range probs {
			sum += CrossEntropy(row, labels[i])
			if model.ArgMax(row) == labels[i] {
				correct++
			}
		}
		running.Add(n, correct, sum/float64(n))
	}
	return running.Loss(), running.Accuracy(), nil
}

// CrossEntropy is -log(p[label]) with p clipped to [1e-7, 1-1e-7].
func CrossEntropy(p []float32, label int) float64 {
	const eps = 1e-7
	v := math.Min(math.Max(float64(p[label]), eps), 1-eps)
	return -math.Log(v)
}

// CheckCompatible verifies that set matches the network's declared input
// shape. A mismatch is fatal; nothing is padded or truncated.
func CheckCompatible(arch model.Architecture, set *dataset.Set, what string) error {
	if set == nil || set.N == 0 {
		return fmt.Errorf("trainer: %s set is empty", what)
	}
	if len(arch.Input) != 3 {
		return &dataset.ShapeError{What: "model input", Got: arch.Input, Want: model.InputShape}
	}
	if err := dataset.CheckShape("model input", set.N, arch.Input[0], arch.Input[1], arch.Input[2]); err != nil {
		return err
	}
	if len(set.Images) != set.N*dataset.PixelCount || len(set.Labels) != set.N {
		return &dataset.ShapeError{
			What: what + " tensors",
			Got:  []int{len(set.Images), len(set.Labels)},
			Want: []int{set.N * dataset.PixelCount, set.N},
		}
	}
	return nil
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
