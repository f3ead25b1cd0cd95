package net

import (
	"bytes"
	"context"
	"encoding/csv"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FlavioCFOliveira/PhenoVAE/internal/data"
	"github.com/FlavioCFOliveira/PhenoVAE/internal/opt"
	"github.com/FlavioCFOliveira/PhenoVAE/internal/vae"
)

// fakeModel returns scripted losses, one per TrainBatch call.
type fakeModel struct {
	losses    []float64
	calls     int
	evalCalls int
	evalLoss  float64
	saves     []vae.CheckpointInfo
	optimizer opt.Optimizer
}

func newFakeModel(losses ...float64) *fakeModel {
	return &fakeModel{losses: losses, optimizer: &opt.SGD{LR: 0.01}}
}

func (f *fakeModel) TrainBatch(inputs, targets [][]float64) vae.Metrics {
	l := f.losses[min(f.calls, len(f.losses)-1)]
	f.calls++
	return vae.Metrics{Loss: l, Reconstruction: 0.75 * l, Divergence: 0.25 * l}
}

func (f *fakeModel) EvaluateBatch(inputs, targets [][]float64) vae.Metrics {
	f.evalCalls++
	return vae.Metrics{Loss: f.evalLoss}
}

func (f *fakeModel) Optimizer() opt.Optimizer { return f.optimizer }

func (f *fakeModel) Save(path string, info vae.CheckpointInfo) error {
	f.saves = append(f.saves, info)
	return nil
}

// fakeSource serves n one-value samples in batches of size bs.
type fakeSource struct {
	n, bs int
	pos   int
}

func (s *fakeSource) Next(ctx context.Context) (data.Batch, error) {
	end := min(s.pos+s.bs, s.n)
	var b data.Batch
	for i := s.pos; i < end; i++ {
		b.IDs = append(b.IDs, "sample")
		b.Inputs = append(b.Inputs, []float64{float64(i)})
	}
	b.Targets = b.Inputs
	s.pos = end % s.n
	return b, nil
}

func (s *fakeSource) Reset()         { s.pos = 0 }
func (s *fakeSource) Len() int       { return s.n }
func (s *fakeSource) BatchSize() int { return s.bs }

// recorder records callback invocations.
type recorder struct {
	BaseCallback
	events []string
}

func (r *recorder) OnTrainBegin(t *Trainer) error {
	r.events = append(r.events, "train_begin")
	return nil
}

func (r *recorder) OnTrainEnd(t *Trainer) error {
	r.events = append(r.events, "train_end")
	return nil
}

func (r *recorder) OnEpochEnd(epoch int, logs *Logs, t *Trainer) error {
	r.events = append(r.events, "epoch_end")
	return nil
}

func (r *recorder) OnBatchEnd(batch int, m vae.Metrics, t *Trainer) error {
	r.events = append(r.events, "batch_end")
	return nil
}

func TestFitRunsEveryStep(t *testing.T) {
	model := newFakeModel(1)
	tr := NewTrainer(model, &fakeSource{n: 4, bs: 2}, 3, 2)
	rec := &recorder{}
	tr.AddCallback(rec)

	hist, err := tr.Fit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, hist.Steps)
	assert.Equal(t, 6, model.calls)
	assert.Len(t, hist.Epochs, 3)
	assert.False(t, hist.Stopped)
	assert.Equal(t, []string{
		"train_begin",
		"batch_end", "batch_end", "epoch_end",
		"batch_end", "batch_end", "epoch_end",
		"batch_end", "batch_end", "epoch_end",
		"train_end",
	}, rec.events)
	assert.Equal(t, 1.0, hist.Epochs[0].Loss)
	assert.Equal(t, 0.75, hist.Epochs[0].Reconstruction)
}

func TestEpochLossIsWeightedBySamples(t *testing.T) {
	// 3 samples in batches of 2: a full and a short batch per epoch.
	model := newFakeModel(1, 4)
	tr := NewTrainer(model, &fakeSource{n: 3, bs: 2}, 1, 2)
	hist, err := tr.Fit(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, (2*1.0+1*4.0)/3, hist.Epochs[0].Loss, 1e-12)
}

func TestZeroStepsPerEpochRunsOneStep(t *testing.T) {
	model := newFakeModel(1)
	tr := NewTrainer(model, &fakeSource{n: 1, bs: 16}, 2, 0)
	hist, err := tr.Fit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, hist.Steps)
}

func TestEarlyStopping(t *testing.T) {
	model := newFakeModel(5, 4, 4, 4, 4, 4)
	tr := NewTrainer(model, &fakeSource{n: 2, bs: 2}, 10, 1)
	es := NewEarlyStopping(2, 0)
	tr.AddCallback(es)

	hist, err := tr.Fit(context.Background())
	require.NoError(t, err)
	assert.True(t, hist.Stopped)
	assert.True(t, es.Stopped)
	assert.Len(t, hist.Epochs, 4)
}

func TestEarlyStoppingMinDelta(t *testing.T) {
	// Improvements of 0.2 are smaller than min_delta and count as no improvement.
	model := newFakeModel(5, 4.8, 4.6, 4.4, 1)
	tr := NewTrainer(model, &fakeSource{n: 2, bs: 2}, 10, 1)
	tr.AddCallback(NewEarlyStopping(2, 0.5))

	hist, err := tr.Fit(context.Background())
	require.NoError(t, err)
	assert.True(t, hist.Stopped)
	assert.Len(t, hist.Epochs, 3)
}

func TestModelCheckpointOnlyOnImprovement(t *testing.T) {
	model := newFakeModel(3, 2, 2.5, 2, 1)
	tr := NewTrainer(model, &fakeSource{n: 2, bs: 2}, 5, 1)
	tr.RunID = "run-1"
	tr.AddCallback(NewModelCheckpoint("unused.gob", "loss"))

	_, err := tr.Fit(context.Background())
	require.NoError(t, err)
	require.Len(t, model.saves, 3)
	assert.Equal(t, []int{0, 1, 4}, []int{model.saves[0].Epoch, model.saves[1].Epoch, model.saves[2].Epoch})
	assert.Equal(t, 1.0, model.saves[2].Loss)
	assert.Equal(t, "run-1", model.saves[0].RunID)
}

func TestModelCheckpointMonitorsValidation(t *testing.T) {
	model := newFakeModel(3, 2, 1)
	model.evalLoss = 7
	tr := NewTrainer(model, &fakeSource{n: 2, bs: 2}, 3, 1)
	tr.Validation = &fakeSource{n: 5, bs: 2}
	tr.AddCallback(NewModelCheckpoint("unused.gob", "val_loss"))

	hist, err := tr.Fit(context.Background())
	require.NoError(t, err)
	// val_loss is constant: only the first epoch improves on +Inf.
	assert.Len(t, model.saves, 1)
	assert.Equal(t, 9, model.evalCalls, "ceil(5/2) validation batches per epoch")
	assert.True(t, hist.Epochs[2].HasValidation)
	assert.Equal(t, 7.0, hist.Epochs[2].ValLoss)
}

func TestModelCheckpointRejectsMissingMetric(t *testing.T) {
	tr := NewTrainer(newFakeModel(1), &fakeSource{n: 2, bs: 2}, 1, 1)
	tr.AddCallback(NewModelCheckpoint("unused.gob", "val_loss"))
	_, err := tr.Fit(context.Background())
	assert.Error(t, err)
}

func TestTerminateOnNaN(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "training.log")
	model := newFakeModel(1, 1, math.NaN())
	tr := NewTrainer(model, &fakeSource{n: 4, bs: 2}, 5, 2)
	hook := &PeriodicHook{Fn: func(int) error { t.Error("hook must not run after a failure"); return nil }}
	tr.AddCallback(TerminateOnNaN{}, NewCSVLogger(logPath, false), hook)

	hist, err := tr.Fit(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNonFiniteLoss))
	assert.Equal(t, 3, hist.Steps)
	assert.Len(t, hist.Epochs, 1)

	// The log was flushed and closed with the one finished epoch.
	rows := readTSV(t, logPath)
	assert.Len(t, rows, 2)
}

func TestCSVLoggerWritesOneRowPerEpoch(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "training.log")
	model := newFakeModel(2, 1)
	model.evalLoss = 0.5
	tr := NewTrainer(model, &fakeSource{n: 2, bs: 2}, 2, 1)
	tr.Validation = &fakeSource{n: 2, bs: 2}
	tr.AddCallback(NewCSVLogger(logPath, false))

	_, err := tr.Fit(context.Background())
	require.NoError(t, err)
	rows := readTSV(t, logPath)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"epoch", "loss", "reconstruction_loss", "divergence_loss", "lr", "val_loss"}, rows[0])
	assert.Equal(t, []string{"0", "2", "1.5", "0.5", "0.01", "0.5"}, rows[1])
	assert.Equal(t, "1", rows[2][0])
}

func readTSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	r := csv.NewReader(f)
	r.Comma = '\t'
	rows, err := r.ReadAll()
	require.NoError(t, err)
	return rows
}

func TestCyclicLRAdvancesPerBatch(t *testing.T) {
	model := newFakeModel(1)
	clr := opt.NewCyclicLR(model.optimizer, 0.001, 0.006, 4)
	tr := NewTrainer(model, &fakeSource{n: 4, bs: 2}, 2, 2)
	tr.AddCallback(NewSchedulerCallback(clr))

	hist, err := tr.Fit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, clr.Iterations())
	assert.InDelta(t, 0.0035, hist.Epochs[0].LearningRate, 1e-12)
	assert.InDelta(t, 0.006, hist.Epochs[1].LearningRate, 1e-12)
}

func TestPeriodicHook(t *testing.T) {
	var calls []int
	fn := func(epoch int) error {
		calls = append(calls, epoch)
		return nil
	}

	tr := NewTrainer(newFakeModel(1), &fakeSource{n: 2, bs: 2}, 3, 1)
	tr.AddCallback(&PeriodicHook{Fn: fn})
	_, err := tr.Fit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{2}, calls)

	calls = nil
	tr = NewTrainer(newFakeModel(1), &fakeSource{n: 2, bs: 2}, 3, 1)
	tr.AddCallback(&PeriodicHook{Fn: fn, EachEpoch: true})
	_, err = tr.Fit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, calls)
}

func TestFitStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := &recorder{}
	tr := NewTrainer(newFakeModel(1), &fakeSource{n: 2, bs: 2}, 3, 1)
	tr.AddCallback(rec)

	hist, err := tr.Fit(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Zero(t, hist.Steps)
	assert.Equal(t, []string{"train_begin", "train_end"}, rec.events)
}

func TestProgressBar(t *testing.T) {
	var buf bytes.Buffer
	tr := NewTrainer(newFakeModel(1), &fakeSource{n: 4, bs: 2}, 1, 2)
	tr.AddCallback(NewProgressBar(&buf), Logger{Interval: 1})
	_, err := tr.Fit(context.Background())
	require.NoError(t, err)
	assert.True(t, strings.Contains(buf.String(), "loss="))
}
