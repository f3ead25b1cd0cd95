// Package net drives training: the epoch and step loop, the callbacks that
// observe it, and weight export.
package net

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/FlavioCFOliveira/PhenoVAE/internal/data"
	"github.com/FlavioCFOliveira/PhenoVAE/internal/opt"
	"github.com/FlavioCFOliveira/PhenoVAE/internal/vae"
)

// Model is what the Trainer optimizes. *vae.Model implements it.
type Model interface {
	// TrainBatch performs one forward, backward and update over the batch.
	TrainBatch(inputs, targets [][]float64) vae.Metrics
	// EvaluateBatch computes the batch metrics without updating weights.
	EvaluateBatch(inputs, targets [][]float64) vae.Metrics
	Optimizer() opt.Optimizer
	Save(path string, info vae.CheckpointInfo) error
}

// BatchSource is an endless, restartable sequence of batches. *data.Source
// implements it.
type BatchSource interface {
	Next(ctx context.Context) (data.Batch, error)
	Reset()
	Len() int
	BatchSize() int
}

// Logs are the metrics of one finished epoch.
type Logs struct {
	Epoch int
	vae.Metrics
	// ValLoss is only meaningful when HasValidation is set.
	ValLoss       float64
	HasValidation bool
	LearningRate  float64
}

// Monitor returns the value of a monitored quantity: "loss" or "val_loss".
func (l *Logs) Monitor(name string) (float64, bool) {
	switch name {
	case "loss":
		return l.Loss, true
	case "val_loss":
		return l.ValLoss, l.HasValidation
	}
	return 0, false
}

// History records a finished Fit.
type History struct {
	Epochs []Logs
	// Steps counts the training steps taken.
	Steps int
	// Stopped is set when a callback ended training early.
	Stopped bool
}

// Trainer runs Model over Train for Epochs epochs of StepsPerEpoch steps.
type Trainer struct {
	Model Model
	Train BatchSource
	// Validation, when set, is evaluated after every epoch and reported as
	// val_loss.
	Validation BatchSource

	Epochs        int
	StepsPerEpoch int
	Callbacks     []Callback
	RunID         string

	// StopTraining is set by callbacks to end training after the current
	// epoch.
	StopTraining bool
	// Epoch is the epoch in progress.
	Epoch int
	// Err is the error that ended training, set before OnTrainEnd runs.
	Err error
}

// NewTrainer creates a trainer with no callbacks.
func NewTrainer(model Model, train BatchSource, epochs, stepsPerEpoch int) *Trainer {
	return &Trainer{
		Model:         model,
		Train:         train,
		Epochs:        epochs,
		StepsPerEpoch: stepsPerEpoch,
	}
}

// AddCallback appends callbacks. Callbacks run in the order they were added.
func (t *Trainer) AddCallback(cb ...Callback) {
	t.Callbacks = append(t.Callbacks, cb...)
}

func (t *Trainer) each(fn func(Callback) error) error {
	for _, cb := range t.Callbacks {
		if err := fn(cb); err != nil {
			return err
		}
	}
	return nil
}

// Fit trains the model. Steps run strictly one after the other. OnTrainEnd
// runs on every exit path, including errors and cancellation; ctx is checked
// between steps.
func (t *Trainer) Fit(ctx context.Context) (hist *History, err error) {
	hist = &History{}
	t.StopTraining = false
	t.Err = nil
	if t.StepsPerEpoch <= 0 {
		klog.Warningf("Dataset of %d samples holds no full batch of %d: training 1 step per epoch",
			t.Train.Len(), t.Train.BatchSize())
		t.StepsPerEpoch = 1
	}

	defer func() {
		t.Err = err
		for _, cb := range t.Callbacks {
			if endErr := cb.OnTrainEnd(t); endErr != nil && err == nil {
				err = endErr
			}
		}
		hist.Stopped = t.StopTraining
	}()
	if err := t.each(func(cb Callback) error { return cb.OnTrainBegin(t) }); err != nil {
		return hist, err
	}

	for epoch := 0; epoch < t.Epochs && !t.StopTraining; epoch++ {
		t.Epoch = epoch
		if err := t.each(func(cb Callback) error { return cb.OnEpochBegin(epoch, t) }); err != nil {
			return hist, err
		}

		var sum vae.Metrics
		samples := 0
		for step := 0; step < t.StepsPerEpoch; step++ {
			if err := ctx.Err(); err != nil {
				return hist, errors.Wrapf(err, "training interrupted at epoch %d, step %d", epoch, step)
			}
			if err := t.each(func(cb Callback) error { return cb.OnBatchBegin(step, t) }); err != nil {
				return hist, err
			}
			batch, err := t.Train.Next(ctx)
			if err != nil {
				return hist, errors.WithMessagef(err, "loading batch %d of epoch %d", step, epoch)
			}
			m := t.Model.TrainBatch(batch.Inputs, batch.Targets)
			hist.Steps++
			n := float64(batch.Len())
			sum.Loss += m.Loss * n
			sum.Reconstruction += m.Reconstruction * n
			sum.Divergence += m.Divergence * n
			samples += batch.Len()
			klog.V(2).Infof("epoch %d step %d: loss=%g", epoch, step, m.Loss)
			if err := t.each(func(cb Callback) error { return cb.OnBatchEnd(step, m, t) }); err != nil {
				return hist, err
			}
		}

		logs := Logs{Epoch: epoch, LearningRate: t.Model.Optimizer().LearningRate()}
		if samples > 0 {
			logs.Loss = sum.Loss / float64(samples)
			logs.Reconstruction = sum.Reconstruction / float64(samples)
			logs.Divergence = sum.Divergence / float64(samples)
		}
		if t.Validation != nil {
			if logs.ValLoss, err = t.validate(ctx); err != nil {
				return hist, err
			}
			logs.HasValidation = true
		}
		if err := t.each(func(cb Callback) error { return cb.OnEpochEnd(epoch, &logs, t) }); err != nil {
			return hist, err
		}
		hist.Epochs = append(hist.Epochs, logs)
	}
	return hist, nil
}

// validate returns the mean loss of one unaugmented pass over Validation.
func (t *Trainer) validate(ctx context.Context) (float64, error) {
	t.Validation.Reset()
	steps := int(math.Ceil(float64(t.Validation.Len()) / float64(t.Validation.BatchSize())))
	var sum float64
	samples := 0
	for range steps {
		batch, err := t.Validation.Next(ctx)
		if err != nil {
			return 0, errors.WithMessage(err, "loading validation batch")
		}
		sum += t.Model.EvaluateBatch(batch.Inputs, batch.Targets).Loss * float64(batch.Len())
		samples += batch.Len()
	}
	if samples == 0 {
		return 0, nil
	}
	return sum / float64(samples), nil
}
