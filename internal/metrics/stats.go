package metrics

import "time"

// Window accumulates throughput and running accuracy across the steps
// between two log lines.
type Window struct {
	samples  int
	correct  int
	data     time.Duration
	compute  time.Duration
	steps    int
	lossSum  float64
	lastLoss float64
}

// Record adds a new measurement to the window.
func (w *Window) Record(batchSize, correct int, dataTime, computeTime time.Duration, loss float64) {
	w.samples += batchSize
	w.correct += correct
	w.data += dataTime
	w.compute += computeTime
	w.steps++
	w.lossSum += loss
	w.lastLoss = loss
}

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{}
	total := w.data + w.compute
	if total > 0 {
		snap.ImagesPerSec = float64(w.samples) / total.Seconds()
	}
	if w.steps > 0 {
		snap.AvgDataMS = (w.data.Seconds() * 1000) / float64(w.steps)
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(w.steps)
		snap.AvgLoss = w.lossSum / float64(w.steps)
	}
	if w.samples > 0 {
		snap.Accuracy = float64(w.correct) / float64(w.samples)
	}
	snap.LastLoss = w.lastLoss

	*w = Window{}
	return snap
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	ImagesPerSec float64
	AvgDataMS    float64
	AvgComputeMS float64
	AvgLoss      float64
	LastLoss     float64
	Accuracy     float64
}

// Running is a whole-epoch accumulator for loss and accuracy.
type Running struct {
	samples int
	correct int
	lossSum float64
}

// Add records one batch whose mean loss is loss.
func (r *Running) Add(batchSize, correct int, loss float64) {
	r.samples += batchSize
	r.correct += correct
	r.lossSum += loss * float64(batchSize)
}

// Loss is the sample-weighted mean loss.
func (r *Running) Loss() float64 {
	if r.samples == 0 {
		return 0
	}
	return r.lossSum / float64(r.samples)
}

// Accuracy is the fraction of correct arg-max predictions.
func (r *Running) Accuracy() float64 {
	if r.samples == 0 {
		return 0
	}
	return float64(r.correct) / float64(r.samples)
}
