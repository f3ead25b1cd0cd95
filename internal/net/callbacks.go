package net

import (
	"fmt"
	"io"
	"math"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/FlavioCFOliveira/PhenoVAE/internal/opt"
	"github.com/FlavioCFOliveira/PhenoVAE/internal/vae"
)

// ErrNonFiniteLoss aborts training when the loss becomes NaN or infinite.
var ErrNonFiniteLoss = errors.New("loss is not finite")

// Callback defines the interface for training callbacks. A returned error
// ends training; OnTrainEnd still runs for every callback.
type Callback interface {
	OnTrainBegin(t *Trainer) error
	OnTrainEnd(t *Trainer) error
	OnEpochBegin(epoch int, t *Trainer) error
	OnEpochEnd(epoch int, logs *Logs, t *Trainer) error
	OnBatchBegin(batch int, t *Trainer) error
	OnBatchEnd(batch int, m vae.Metrics, t *Trainer) error
}

// BaseCallback provides default empty implementations for Callback.
type BaseCallback struct{}

func (c BaseCallback) OnTrainBegin(t *Trainer) error                      { return nil }
func (c BaseCallback) OnTrainEnd(t *Trainer) error                        { return nil }
func (c BaseCallback) OnEpochBegin(epoch int, t *Trainer) error           { return nil }
func (c BaseCallback) OnEpochEnd(epoch int, logs *Logs, t *Trainer) error { return nil }
func (c BaseCallback) OnBatchBegin(batch int, t *Trainer) error           { return nil }
func (c BaseCallback) OnBatchEnd(batch int, m vae.Metrics, t *Trainer) error { return nil }

// TerminateOnNaN aborts training with ErrNonFiniteLoss as soon as a batch or
// epoch loss is NaN or infinite.
type TerminateOnNaN struct {
	BaseCallback
}

func (c TerminateOnNaN) OnBatchEnd(batch int, m vae.Metrics, t *Trainer) error {
	if !m.Finite() {
		return errors.Wrapf(ErrNonFiniteLoss, "epoch %d, batch %d: loss %v", t.Epoch, batch, m.Loss)
	}
	return nil
}

func (c TerminateOnNaN) OnEpochEnd(epoch int, logs *Logs, t *Trainer) error {
	if !logs.Finite() {
		return errors.Wrapf(ErrNonFiniteLoss, "epoch %d: loss %v", epoch, logs.Loss)
	}
	return nil
}

// SchedulerCallback is a callback that wraps a learning rate scheduler. The
// schedule is reset when training begins and advanced after every batch.
type SchedulerCallback struct {
	BaseCallback
	scheduler opt.Scheduler
}

func NewSchedulerCallback(scheduler opt.Scheduler) *SchedulerCallback {
	return &SchedulerCallback{scheduler: scheduler}
}

func (c *SchedulerCallback) OnTrainBegin(t *Trainer) error {
	c.scheduler.Reset()
	return nil
}

func (c *SchedulerCallback) OnBatchEnd(batch int, m vae.Metrics, t *Trainer) error {
	c.scheduler.Step()
	return nil
}

// EarlyStopping stops training when a monitored metric has stopped improving.
type EarlyStopping struct {
	BaseCallback
	Patience int
	MinDelta float64
	Monitor  string // "loss" (default)

	best         float64
	numBadEpochs int
	Stopped      bool
}

func NewEarlyStopping(patience int, minDelta float64) *EarlyStopping {
	return &EarlyStopping{
		Patience: patience,
		MinDelta: minDelta,
		Monitor:  "loss",
		best:     math.Inf(1),
	}
}

func (c *EarlyStopping) OnTrainBegin(t *Trainer) error {
	c.best = math.Inf(1)
	c.numBadEpochs = 0
	c.Stopped = false
	return nil
}

func (c *EarlyStopping) OnEpochEnd(epoch int, logs *Logs, t *Trainer) error {
	value, ok := logs.Monitor(c.Monitor)
	if !ok {
		return errors.Errorf("early stopping monitors unavailable metric %q", c.Monitor)
	}
	if value+c.MinDelta < c.best {
		c.best = value
		c.numBadEpochs = 0
		return nil
	}
	c.numBadEpochs++
	if c.numBadEpochs >= c.Patience {
		klog.Infof("Early stopping at epoch %d: %s %.6f did not improve for %d epochs", epoch, c.Monitor, value, c.numBadEpochs)
		c.Stopped = true
		t.StopTraining = true
	}
	return nil
}

// ModelCheckpoint saves the model after every epoch if it's the best so far.
type ModelCheckpoint struct {
	BaseCallback
	Filename string
	Monitor  string // "loss" (default) or "val_loss"

	best float64
}

func NewModelCheckpoint(filename, monitor string) *ModelCheckpoint {
	if monitor == "" {
		monitor = "loss"
	}
	return &ModelCheckpoint{
		Filename: filename,
		Monitor:  monitor,
		best:     math.Inf(1),
	}
}

func (c *ModelCheckpoint) OnTrainBegin(t *Trainer) error {
	c.best = math.Inf(1)
	return nil
}

func (c *ModelCheckpoint) OnEpochEnd(epoch int, logs *Logs, t *Trainer) error {
	value, ok := logs.Monitor(c.Monitor)
	if !ok {
		return errors.Errorf("checkpoint monitors unavailable metric %q", c.Monitor)
	}
	if !(value < c.best) {
		klog.V(1).Infof("Epoch %d: %s %.6f did not improve on %.6f", epoch, c.Monitor, value, c.best)
		return nil
	}
	info := vae.CheckpointInfo{RunID: t.RunID, Epoch: epoch, Loss: value}
	if err := t.Model.Save(c.Filename, info); err != nil {
		return errors.WithMessagef(err, "saving checkpoint for epoch %d", epoch)
	}
	klog.Infof("Epoch %d: %s improved from %.6f to %.6f, saved %s", epoch, c.Monitor, c.best, value, c.Filename)
	c.best = value
	return nil
}

// PeriodicHook calls Fn with the model state after every epoch, or once at
// the end of successful training when EachEpoch is false.
type PeriodicHook struct {
	BaseCallback
	EachEpoch bool
	Fn        func(epoch int) error

	ran bool
}

func (c *PeriodicHook) OnTrainBegin(t *Trainer) error {
	c.ran = false
	return nil
}

func (c *PeriodicHook) OnEpochEnd(epoch int, logs *Logs, t *Trainer) error {
	if !c.EachEpoch {
		return nil
	}
	c.ran = true
	return c.Fn(epoch)
}

func (c *PeriodicHook) OnTrainEnd(t *Trainer) error {
	if c.EachEpoch || c.ran || t.Err != nil {
		return nil
	}
	c.ran = true
	return c.Fn(t.Epoch)
}

// Logger logs a one-line summary of every epoch.
type Logger struct {
	BaseCallback
	Interval int
}

func (c Logger) OnEpochEnd(epoch int, logs *Logs, t *Trainer) error {
	if c.Interval > 0 && epoch%c.Interval == 0 {
		klog.Infof("Epoch %d/%d: %s", epoch+1, t.Epochs, formatLogs(logs))
	}
	return nil
}

func formatLogs(logs *Logs) string {
	s := fmt.Sprintf("loss=%.4f reconstruction=%.4f divergence=%.4f lr=%.2g",
		logs.Loss, logs.Reconstruction, logs.Divergence, logs.LearningRate)
	if logs.HasValidation {
		s += fmt.Sprintf(" val_loss=%.4f", logs.ValLoss)
	}
	return s
}

// ProgressBar draws a per-epoch progress bar of training steps.
type ProgressBar struct {
	BaseCallback
	Writer io.Writer

	bar *progressbar.ProgressBar
}

func NewProgressBar(w io.Writer) *ProgressBar {
	if w == nil {
		w = os.Stderr
	}
	return &ProgressBar{Writer: w}
}

func (c *ProgressBar) OnEpochBegin(epoch int, t *Trainer) error {
	c.bar = progressbar.NewOptions(t.StepsPerEpoch,
		progressbar.OptionSetWriter(c.Writer),
		progressbar.OptionSetDescription(fmt.Sprintf("Epoch %d/%d", epoch+1, t.Epochs)),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
	)
	return nil
}

func (c *ProgressBar) OnBatchEnd(batch int, m vae.Metrics, t *Trainer) error {
	if c.bar == nil {
		return nil
	}
	c.bar.Describe(fmt.Sprintf("Epoch %d/%d loss=%.4f", t.Epoch+1, t.Epochs, m.Loss))
	return c.bar.Add(1)
}

func (c *ProgressBar) OnEpochEnd(epoch int, logs *Logs, t *Trainer) error {
	if c.bar == nil {
		return nil
	}
	err := c.bar.Finish()
	c.bar = nil
	_, _ = fmt.Fprintf(c.Writer, "\n%s (%s samples/epoch)\n", formatLogs(logs),
		humanize.Comma(int64(t.StepsPerEpoch*t.Train.BatchSize())))
	return err
}

func (c *ProgressBar) OnTrainEnd(t *Trainer) error {
	if c.bar != nil {
		err := c.bar.Close()
		c.bar = nil
		return err
	}
	return nil
}
