// Package data produces the batches a VAE trains and encodes on.
//
// A Source scans <data_dir>/train once, fixes the lexical order of the
// samples found there, and then serves an endless sequence of batches. The
// sample decoder is chosen once from the channel count: one or three
// channels read image files, any other count reads NumPy arrays.
package data

import (
	"context"
	"io/fs"
	"math/rand/v2"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/FlavioCFOliveira/PhenoVAE/internal/config"
	"github.com/FlavioCFOliveira/PhenoVAE/internal/layer"
)

// Variant identifies how samples are stored on disk.
type Variant int

const (
	Greyscale Variant = iota
	RGB
	NumericArray
)

// VariantFor returns the variant serving channels.
func VariantFor(channels int) Variant {
	switch channels {
	case 1:
		return Greyscale
	case 3:
		return RGB
	default:
		return NumericArray
	}
}

func (v Variant) String() string {
	switch v {
	case Greyscale:
		return "greyscale"
	case RGB:
		return "rgb"
	default:
		return "numeric-array"
	}
}

// ErrEmptyDataset is returned when no usable sample file is found.
var ErrEmptyDataset = errors.New("no samples found")

// Batch is a group of samples. Targets alias Inputs: the model reconstructs
// its own input.
type Batch struct {
	IDs     []string
	Inputs  [][]float64
	Targets [][]float64
}

// Len returns the number of samples in the batch.
func (b Batch) Len() int { return len(b.IDs) }

// Options configures a Source.
type Options struct {
	Dir        string
	ImageSize  int
	Channels   int
	Normalizer float64
	BatchSize  int

	// Shuffle reorders the samples at the start of every pass.
	Shuffle bool
	// Augment mirrors images horizontally and vertically at random. It has
	// no effect on numeric arrays.
	Augment bool
	Seed    uint64

	// Workers bounds concurrent sample decoding; 0 means GOMAXPROCS.
	Workers int
}

// Source serves batches from a directory of samples. It is not safe for
// concurrent use.
type Source struct {
	opts    Options
	variant Variant
	decode  decoder

	ids   []string
	order []int
	pos   int
	rng   *rand.Rand
}

// decoder turns one file into a normalized CHW vector.
type decoder func(path string, flipH, flipV bool) ([]float64, error)

// NewTrainingSource returns the shuffled, augmented source used for training.
func NewTrainingSource(cfg config.Config) (*Source, error) {
	return New(Options{
		Dir:        cfg.TrainDir(),
		ImageSize:  cfg.ImageSize,
		Channels:   cfg.Channels,
		Normalizer: cfg.Normalizer(),
		BatchSize:  cfg.BatchSize,
		Shuffle:    true,
		Augment:    true,
		Seed:       cfg.Seed,
	})
}

// NewValidationSource returns a source over the same samples in fixed order
// without augmentation.
func NewValidationSource(cfg config.Config) (*Source, error) {
	return New(Options{
		Dir:        cfg.TrainDir(),
		ImageSize:  cfg.ImageSize,
		Channels:   cfg.Channels,
		Normalizer: cfg.Normalizer(),
		BatchSize:  cfg.BatchSize,
	})
}

// NewInferenceSource returns a fixed-order, batch size 1 source whose order
// matches IDs.
func NewInferenceSource(cfg config.Config) (*Source, error) {
	return New(Options{
		Dir:        cfg.TrainDir(),
		ImageSize:  cfg.ImageSize,
		Channels:   cfg.Channels,
		Normalizer: cfg.Normalizer(),
		BatchSize:  1,
	})
}

// New scans opts.Dir and returns a source positioned at the first batch.
func New(opts Options) (*Source, error) {
	if opts.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", opts.BatchSize)
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	s := &Source{
		opts:    opts,
		variant: VariantFor(opts.Channels),
		rng:     layer.NewRNG(opts.Seed),
	}
	var accept func(ext string) bool
	switch s.variant {
	case NumericArray:
		accept = func(ext string) bool { return ext == ".npy" }
		s.decode = func(path string, _, _ bool) ([]float64, error) {
			return loadArray(path, opts.ImageSize, opts.Channels, opts.Normalizer)
		}
	default:
		accept = func(ext string) bool { return slices.Contains(imageExtensions, ext) }
		s.decode = func(path string, flipH, flipV bool) ([]float64, error) {
			return loadImage(path, opts.ImageSize, opts.Channels, opts.Normalizer, flipH, flipV)
		}
	}

	err := filepath.WalkDir(opts.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !accept(strings.ToLower(filepath.Ext(path))) {
			return nil
		}
		rel, err := filepath.Rel(opts.Dir, path)
		if err != nil {
			return err
		}
		s.ids = append(s.ids, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "scanning %q", opts.Dir)
	}
	if len(s.ids) == 0 {
		return nil, errors.Wrapf(ErrEmptyDataset, "%s data in %q", s.variant, opts.Dir)
	}
	klog.V(1).Infof("Found %d %s samples in %q", len(s.ids), s.variant, opts.Dir)
	if len(s.ids) < opts.BatchSize {
		klog.Warningf("Dataset in %q has %d samples, fewer than one batch of %d", opts.Dir, len(s.ids), opts.BatchSize)
	}

	s.order = make([]int, len(s.ids))
	s.Reset()
	return s, nil
}

// Reset restarts the sequence at the beginning of a new pass.
func (s *Source) Reset() {
	for i := range s.order {
		s.order[i] = i
	}
	s.pos = 0
	s.shuffle()
}

func (s *Source) shuffle() {
	if s.opts.Shuffle {
		s.rng.Shuffle(len(s.order), func(i, j int) {
			s.order[i], s.order[j] = s.order[j], s.order[i]
		})
	}
}

// Len returns the number of samples in the dataset.
func (s *Source) Len() int { return len(s.ids) }

// IDs returns the sample identifiers, paths relative to the data directory,
// in the fixed order used by unshuffled sources.
func (s *Source) IDs() []string { return slices.Clone(s.ids) }

// Variant returns the storage variant selected for the source.
func (s *Source) Variant() Variant { return s.variant }

// BatchSize returns the configured batch size.
func (s *Source) BatchSize() int { return s.opts.BatchSize }

// Next decodes and returns the next batch. The last batch of a pass may be
// short; the following call starts a new pass.
func (s *Source) Next(ctx context.Context) (Batch, error) {
	end := min(s.pos+s.opts.BatchSize, len(s.order))
	indices := s.order[s.pos:end]

	batch := Batch{
		IDs:    make([]string, len(indices)),
		Inputs: make([][]float64, len(indices)),
	}
	type flips struct{ h, v bool }
	mirror := make([]flips, len(indices))
	if s.opts.Augment && s.variant != NumericArray {
		for i := range mirror {
			mirror[i] = flips{s.rng.IntN(2) == 1, s.rng.IntN(2) == 1}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)
	for i, idx := range indices {
		batch.IDs[i] = s.ids[idx]
		path := filepath.Join(s.opts.Dir, filepath.FromSlash(s.ids[idx]))
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			sample, err := s.decode(path, mirror[i].h, mirror[i].v)
			if err != nil {
				return err
			}
			batch.Inputs[i] = sample
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Batch{}, err
	}
	batch.Targets = batch.Inputs

	s.pos = end
	if s.pos == len(s.order) {
		s.pos = 0
		s.shuffle()
	}
	return batch, nil
}

// StepsPerEpoch returns configured when positive, otherwise the number of
// full batches in the dataset.
func StepsPerEpoch(datasetSize, batchSize, configured int) int {
	if configured > 0 {
		return configured
	}
	return datasetSize / batchSize
}
