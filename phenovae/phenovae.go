// Package phenovae trains a convolutional VAE on a directory of images or
// arrays and writes the latent encoding of every sample.
//
// The pipeline is: validate the configuration, build the training source and
// the model (loading a checkpoint in the "load" phase), fit, then encode the
// whole dataset in a fixed order.
package phenovae

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/FlavioCFOliveira/PhenoVAE/internal/config"
	"github.com/FlavioCFOliveira/PhenoVAE/internal/data"
	"github.com/FlavioCFOliveira/PhenoVAE/internal/encode"
	"github.com/FlavioCFOliveira/PhenoVAE/internal/layer"
	"github.com/FlavioCFOliveira/PhenoVAE/internal/net"
	"github.com/FlavioCFOliveira/PhenoVAE/internal/opt"
	"github.com/FlavioCFOliveira/PhenoVAE/internal/vae"
)

// Re-export common types for easier access
type (
	Config  = config.Config
	Model   = vae.Model
	History = net.History
)

// Paths inside the save directory.
const (
	TrainingLog    = "training.log"
	CheckpointFile = "checkpoints/vae_weights.gob"
	SamplesDir     = "samples"
)

// ErrMissingCheckpoint is returned for the load phase without a checkpoint.
var ErrMissingCheckpoint = config.ErrMissingCheckpoint

// DefaultConfig returns the default options.
func DefaultConfig() Config {
	return config.Default()
}

// Result is the outcome of Run.
type Result struct {
	RunID   string
	Model   *vae.Model
	History *net.History
}

// Run executes the whole pipeline for cfg.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, dir := range []string{cfg.SaveDir, filepath.Dir(filepath.Join(cfg.SaveDir, CheckpointFile))} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "creating %q", dir)
		}
	}
	runID := uuid.NewString()
	klog.Infof("Run %s: phase %q, data %q, save %q", runID, cfg.Phase, cfg.DataDir, cfg.SaveDir)

	train, err := data.NewTrainingSource(cfg)
	if err != nil {
		return nil, err
	}
	model, err := vae.New(vae.ArchitectureOf(cfg), vae.Options{
		EpsilonStd: cfg.EpsilonStd,
		Seed:       cfg.Seed,
		Optimizer:  opt.NewAdam(cfg.LearningRate),
	})
	if err != nil {
		return nil, err
	}
	if cfg.Phase == config.PhaseLoad {
		info, err := model.LoadWeights(cfg.Checkpoint)
		if err != nil {
			return nil, err
		}
		klog.Infof("Loaded %s (run %s, epoch %d, loss %.4f)", cfg.Checkpoint, info.RunID, info.Epoch, info.Loss)
	}
	if cfg.Verbose > 0 {
		model.Summary(os.Stdout)
	}

	steps := data.StepsPerEpoch(train.Len(), cfg.BatchSize, cfg.StepsPerEpoch)
	klog.Infof("Training on %s %s samples: %d epochs of %d steps, %s parameters",
		humanize.Comma(int64(train.Len())), train.Variant(), cfg.Epochs, steps, humanize.Comma(int64(model.ParamCount())))

	trainer := net.NewTrainer(model, train, cfg.Epochs, steps)
	trainer.RunID = runID
	if cfg.Validate {
		if trainer.Validation, err = data.NewValidationSource(cfg); err != nil {
			return nil, err
		}
	}
	var hook func(epoch int) error
	if cfg.UsePeriodicHook {
		hook = SampleHook(cfg, model)
	}
	trainer.AddCallback(DefaultCallbacks(cfg, model, trainer.Validation != nil, hook)...)

	hist, err := trainer.Fit(ctx)
	if err != nil {
		return nil, errors.WithMessage(err, "training failed")
	}
	if hist.Stopped {
		klog.Infof("Training stopped early after %d epochs", len(hist.Epochs))
	}

	inference, err := data.NewInferenceSource(cfg)
	if err != nil {
		return nil, err
	}
	if err := encode.Run(ctx, cfg.SaveDir, model.Encoder(), inference); err != nil {
		return nil, err
	}
	return &Result{RunID: runID, Model: model, History: hist}, nil
}

// DefaultCallbacks returns the training callbacks for cfg in the order they
// run: NaN abort, log file, checkpoint, early stopping, cyclic learning rate,
// periodic hook, then console output. hook may be nil.
func DefaultCallbacks(cfg Config, model *vae.Model, validation bool, hook func(epoch int) error) []net.Callback {
	monitor := "loss"
	if validation {
		monitor = "val_loss"
	}
	cbs := []net.Callback{
		net.TerminateOnNaN{},
		net.NewCSVLogger(filepath.Join(cfg.SaveDir, TrainingLog), false),
		net.NewModelCheckpoint(filepath.Join(cfg.SaveDir, CheckpointFile), monitor),
	}
	if cfg.EarlyStop {
		cbs = append(cbs, net.NewEarlyStopping(cfg.Patience, 0))
	}
	if cfg.UseCyclicLR {
		clr := opt.NewCyclicLR(model.Optimizer(), cfg.CLRBaseLR, cfg.CLRMaxLR, cfg.CLRStepSize)
		cbs = append(cbs, net.NewSchedulerCallback(clr))
	}
	if hook != nil {
		cbs = append(cbs, &net.PeriodicHook{EachEpoch: cfg.PeriodicEachEpoch, Fn: hook})
	}
	if cfg.Verbose == 1 {
		cbs = append(cbs, net.NewProgressBar(os.Stderr))
	} else {
		cbs = append(cbs, net.Logger{Interval: 1})
	}
	return cbs
}

// SampleHook returns a hook writing two image grids under
// <save_dir>/samples: decoded random latent vectors and reconstructions of
// the first dataset samples next to their originals. Reconstructions decode
// the latent mean, so the hook never draws from the model's sampler.
func SampleHook(cfg Config, model *vae.Model) func(epoch int) error {
	rng := layer.NewRNG(cfg.Seed)
	dir := filepath.Join(cfg.SaveDir, SamplesDir)
	return func(epoch int) error {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "creating %q", dir)
		}
		if cfg.LatentSamples > 0 {
			decoded := make([][]float64, cfg.LatentSamples)
			for i := range decoded {
				z := make([]float64, cfg.LatentDim)
				for j := range z {
					z[j] = rng.NormFloat64()
				}
				decoded[i] = model.Decoder().Predict(z)
			}
			path := filepath.Join(dir, fmt.Sprintf("epoch_%03d_latent.png", epoch+1))
			if err := data.SaveGrid(path, decoded, cfg.LatentSamples, cfg.ImageSize, cfg.Channels, cfg.ShowChannels); err != nil {
				return err
			}
		}
		if cfg.NumSave > 0 {
			src, err := data.NewInferenceSource(cfg)
			if err != nil {
				return err
			}
			n := min(cfg.NumSave, src.Len())
			pairs := make([][]float64, 0, 2*n)
			var recon [][]float64
			for range n {
				b, err := src.Next(context.Background())
				if err != nil {
					return err
				}
				pairs = append(pairs, b.Inputs[0])
				recon = append(recon, model.Decoder().Predict(model.Encoder().Predict(b.Inputs[0])))
			}
			pairs = append(pairs, recon...)
			path := filepath.Join(dir, fmt.Sprintf("epoch_%03d_reconstruction.png", epoch+1))
			if err := data.SaveGrid(path, pairs, n, cfg.ImageSize, cfg.Channels, cfg.ShowChannels); err != nil {
				return err
			}
		}
		klog.V(1).Infof("Epoch %d: wrote samples to %s", epoch+1, dir)
		return nil
	}
}

// Export converts a checkpoint into a GGUF file at out, storing weights as
// F16 when f16 is set and F32 otherwise.
func Export(checkpoint, out string, f16 bool) (err error) {
	model, info, err := vae.Load(checkpoint, vae.Options{})
	if err != nil {
		return err
	}
	f, err := os.Create(out)
	if err != nil {
		return errors.Wrapf(err, "creating %q", out)
	}
	defer func() {
		if closeErr := f.Close(); err == nil && closeErr != nil {
			err = errors.Wrapf(closeErr, "closing %q", out)
		}
	}()

	typ := net.GGMLTypeF32
	if f16 {
		typ = net.GGMLTypeF16
	}
	w := bufio.NewWriter(f)
	if err := net.ExportGGUF(w, model.Architecture(), model.NamedParams(), typ); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return errors.Wrapf(err, "writing %q", out)
	}
	if st, err := f.Stat(); err == nil {
		klog.Infof("Exported run %s epoch %d to %s (%s)", info.RunID, info.Epoch, out, humanize.Bytes(uint64(st.Size())))
	}
	return nil
}
