// Package config holds the hyperparameters and run options of a training run.
package config

import (
	"os"
	"path/filepath"
	"reflect"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Run phases.
const (
	PhaseTrain = "train"
	PhaseLoad  = "load"
)

// ErrMissingCheckpoint is returned by Validate for the load phase without a
// checkpoint path.
var ErrMissingCheckpoint = errors.New("phase \"load\" requires a checkpoint path")

// Config is the validated option bundle of one run. It is passed by value and
// not modified once training starts.
//
// The yaml keys double as command line flag names.
type Config struct {
	DataDir    string `yaml:"data_dir"`
	SaveDir    string `yaml:"save_dir"`
	Phase      string `yaml:"phase"`
	Checkpoint string `yaml:"checkpoint"`

	ImageSize       int     `yaml:"image_size"`
	Channels        int     `yaml:"nchannel"`
	BitResolution   int     `yaml:"image_res"`
	LatentDim       int     `yaml:"latent_dim"`
	IntermediateDim int     `yaml:"inter_dim"`
	Filters         int     `yaml:"nfilters"`
	KernelSize      int     `yaml:"kernel_size"`
	BatchSize       int     `yaml:"batch_size"`
	Epochs          int     `yaml:"epochs"`
	LearningRate    float64 `yaml:"learn_rate"`
	EpsilonStd      float64 `yaml:"epsilon_std"`
	StepsPerEpoch   int     `yaml:"steps_per_epoch"`

	UseCyclicLR bool    `yaml:"use_clr"`
	CLRBaseLR   float64 `yaml:"clr_base_lr"`
	CLRMaxLR    float64 `yaml:"clr_max_lr"`
	CLRStepSize int     `yaml:"clr_step_size"`

	UsePeriodicHook   bool  `yaml:"use_vaecb"`
	PeriodicEachEpoch bool  `yaml:"do_vaecb_each"`
	LatentSamples     int   `yaml:"latent_samp"`
	NumSave           int   `yaml:"num_save"`
	ShowChannels      []int `yaml:"show_channels"`

	EarlyStop bool `yaml:"earlystop"`
	Patience  int  `yaml:"patience"`
	Validate  bool `yaml:"validate"`

	Seed    uint64 `yaml:"seed"`
	Verbose int    `yaml:"verbose"`
}

// Default returns the configuration used when no option is given.
func Default() Config {
	return Config{
		DataDir:         "data",
		SaveDir:         "save",
		Phase:           PhaseTrain,
		ImageSize:       64,
		Channels:        3,
		BitResolution:   8,
		LatentDim:       2,
		IntermediateDim: 128,
		Filters:         64,
		KernelSize:      3,
		BatchSize:       16,
		Epochs:          2,
		LearningRate:    0.001,
		EpsilonStd:      1.0,
		UseCyclicLR:     true,
		CLRBaseLR:       0.001,
		CLRMaxLR:        0.006,
		CLRStepSize:     2000,
		UsePeriodicHook: true,
		LatentSamples:   10,
		NumSave:         8,
		ShowChannels:    []int{0, 1, 2},
		EarlyStop:       true,
		Patience:        2,
		Validate:        true,
		Verbose:         1,
	}
}

// RegisterFlags binds every option of c to a flag in fs, using the current
// values of c as defaults.
func RegisterFlags(fs *pflag.FlagSet, c *Config) {
	fs.StringVar(&c.DataDir, "data_dir", c.DataDir, "input data directory (images or .npy files under <data_dir>/train)")
	fs.StringVar(&c.SaveDir, "save_dir", c.SaveDir, "directory for logs, checkpoints and encodings")
	fs.StringVar(&c.Phase, "phase", c.Phase, "run phase: train or load")
	fs.StringVar(&c.Checkpoint, "checkpoint", c.Checkpoint, "checkpoint to load weights from (phase=load)")

	fs.IntVar(&c.ImageSize, "image_size", c.ImageSize, "input image side length (even)")
	fs.IntVar(&c.Channels, "nchannel", c.Channels, "number of image channels; 1 and 3 read images, other counts read .npy arrays")
	fs.IntVar(&c.BitResolution, "image_res", c.BitResolution, "bits per pixel value; inputs are divided by 2^image_res - 1")
	fs.IntVar(&c.LatentDim, "latent_dim", c.LatentDim, "latent space dimensionality")
	fs.IntVar(&c.IntermediateDim, "inter_dim", c.IntermediateDim, "width of the intermediate dense layer")
	fs.IntVar(&c.Filters, "nfilters", c.Filters, "number of convolution filters")
	fs.IntVar(&c.KernelSize, "kernel_size", c.KernelSize, "kernel size of the feature convolutions")
	fs.IntVar(&c.BatchSize, "batch_size", c.BatchSize, "training batch size")
	fs.IntVar(&c.Epochs, "epochs", c.Epochs, "number of training epochs")
	fs.Float64Var(&c.LearningRate, "learn_rate", c.LearningRate, "Adam learning rate")
	fs.Float64Var(&c.EpsilonStd, "epsilon_std", c.EpsilonStd, "standard deviation of the sampling noise; 0 disables it")
	fs.IntVar(&c.StepsPerEpoch, "steps_per_epoch", c.StepsPerEpoch, "training steps per epoch; 0 derives dataset_size / batch_size")

	fs.BoolVar(&c.UseCyclicLR, "use_clr", c.UseCyclicLR, "use the triangular cyclic learning rate")
	fs.Float64Var(&c.CLRBaseLR, "clr_base_lr", c.CLRBaseLR, "cyclic learning rate lower bound")
	fs.Float64Var(&c.CLRMaxLR, "clr_max_lr", c.CLRMaxLR, "cyclic learning rate upper bound")
	fs.IntVar(&c.CLRStepSize, "clr_step_size", c.CLRStepSize, "training steps per half cycle")

	fs.BoolVar(&c.UsePeriodicHook, "use_vaecb", c.UsePeriodicHook, "write sample reconstructions during training")
	fs.BoolVar(&c.PeriodicEachEpoch, "do_vaecb_each", c.PeriodicEachEpoch, "write samples after every epoch instead of once at the end")
	fs.IntVar(&c.LatentSamples, "latent_samp", c.LatentSamples, "number of random latent vectors to decode")
	fs.IntVar(&c.NumSave, "num_save", c.NumSave, "number of dataset images to reconstruct")
	fs.IntSliceVar(&c.ShowChannels, "show_channels", c.ShowChannels, "channels rendered as RGB for multi-channel data")

	fs.BoolVar(&c.EarlyStop, "earlystop", c.EarlyStop, "stop when the loss stops improving")
	fs.IntVar(&c.Patience, "patience", c.Patience, "epochs without improvement before stopping")
	fs.BoolVar(&c.Validate, "validate", c.Validate, "evaluate val_loss after every epoch")

	fs.Uint64Var(&c.Seed, "seed", c.Seed, "random seed; 0 picks one")
	fs.IntVar(&c.Verbose, "verbose", c.Verbose, "1 shows a progress bar")
}

// LoadFile reads YAML options from path into c. Options whose flag in fs was
// set explicitly keep their flag value. fs may be nil.
func LoadFile(path string, c *Config, fs *pflag.FlagSet) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "reading config file %q", path)
	}
	merged := *c
	if err := yaml.Unmarshal(data, &merged); err != nil {
		return errors.Wrapf(err, "parsing config file %q", path)
	}
	if fs != nil {
		fs.Visit(func(f *pflag.Flag) {
			copyField(&merged, c, f.Name)
		})
	}
	*c = merged
	return nil
}

// copyField copies the field tagged yaml:name from src to dst.
func copyField(dst, src *Config, name string) {
	t := reflect.TypeOf(*dst)
	for i := range t.NumField() {
		if t.Field(i).Tag.Get("yaml") == name {
			reflect.ValueOf(dst).Elem().Field(i).Set(reflect.ValueOf(src).Elem().Field(i))
			return
		}
	}
}

// MaxBitResolution bounds image_res so the normalization divisor stays exact.
const MaxBitResolution = 32

// Validate checks ranges and cross-option constraints.
func (c Config) Validate() error {
	switch c.Phase {
	case PhaseTrain:
	case PhaseLoad:
		if c.Checkpoint == "" {
			return ErrMissingCheckpoint
		}
	default:
		return errors.Errorf("unknown phase %q, want %q or %q", c.Phase, PhaseTrain, PhaseLoad)
	}
	if c.DataDir == "" || c.SaveDir == "" {
		return errors.New("data_dir and save_dir must be set")
	}
	if c.ImageSize <= 0 || c.ImageSize%2 != 0 {
		return errors.Errorf("image_size must be a positive even number, got %d", c.ImageSize)
	}
	if c.BitResolution < 1 || c.BitResolution > MaxBitResolution {
		return errors.Errorf("image_res must be in [1, %d], got %d", MaxBitResolution, c.BitResolution)
	}
	positive := []struct {
		name  string
		value int
	}{
		{"nchannel", c.Channels},
		{"latent_dim", c.LatentDim},
		{"inter_dim", c.IntermediateDim},
		{"nfilters", c.Filters},
		{"kernel_size", c.KernelSize},
		{"batch_size", c.BatchSize},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return errors.Errorf("%s must be positive, got %d", p.name, p.value)
		}
	}
	if c.Epochs < 0 || c.StepsPerEpoch < 0 || c.Patience < 0 || c.LatentSamples < 0 || c.NumSave < 0 {
		return errors.New("epochs, steps_per_epoch, patience, latent_samp and num_save must not be negative")
	}
	if c.LearningRate <= 0 {
		return errors.Errorf("learn_rate must be positive, got %g", c.LearningRate)
	}
	if c.EpsilonStd < 0 {
		return errors.Errorf("epsilon_std must not be negative, got %g", c.EpsilonStd)
	}
	if c.UseCyclicLR {
		if c.CLRBaseLR <= 0 || c.CLRMaxLR < c.CLRBaseLR || c.CLRStepSize <= 0 {
			return errors.Errorf("invalid cyclic learning rate: base %g, max %g, step size %d",
				c.CLRBaseLR, c.CLRMaxLR, c.CLRStepSize)
		}
	}
	// show_channels only matters to the sample hook.
	if c.UsePeriodicHook && c.Channels != 1 && c.Channels != 3 {
		if n := len(c.ShowChannels); n != 1 && n != 3 {
			return errors.Errorf("show_channels needs 1 or 3 entries, got %d", n)
		}
		for _, ch := range c.ShowChannels {
			if ch < 0 || ch >= c.Channels {
				return errors.Errorf("show_channels entry %d out of range [0, %d)", ch, c.Channels)
			}
		}
	}
	return nil
}

// Normalizer is the divisor that maps raw pixel values into [0, 1].
func (c Config) Normalizer() float64 {
	return float64(uint64(1)<<c.BitResolution - 1)
}

// TrainDir is the directory holding the input samples.
func (c Config) TrainDir() string {
	return filepath.Join(c.DataDir, "train")
}
