// Package vae implements the convolutional variational autoencoder: an
// encoder producing a latent Gaussian, a reparameterized sampler and a single
// decoder shared by the full model and the generative path.
package vae

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/FlavioCFOliveira/PhenoVAE/internal/config"
	"github.com/FlavioCFOliveira/PhenoVAE/internal/layer"
	"github.com/FlavioCFOliveira/PhenoVAE/internal/opt"
)

// ArchitectureOf extracts the model shape from cfg.
func ArchitectureOf(cfg config.Config) Architecture {
	return Architecture{
		ImageSize:       cfg.ImageSize,
		Channels:        cfg.Channels,
		LatentDim:       cfg.LatentDim,
		IntermediateDim: cfg.IntermediateDim,
		Filters:         cfg.Filters,
		KernelSize:      cfg.KernelSize,
	}
}

// Validate checks that the architecture can be built.
func (a Architecture) Validate() error {
	if a.ImageSize <= 0 || a.ImageSize%2 != 0 {
		return errors.Errorf("image size must be a positive even number, got %d", a.ImageSize)
	}
	if a.Channels <= 0 || a.LatentDim <= 0 || a.IntermediateDim <= 0 || a.Filters <= 0 || a.KernelSize <= 0 {
		return errors.Errorf("invalid architecture %+v", a)
	}
	return nil
}

// Options configures a Model beyond its architecture.
type Options struct {
	// EpsilonStd scales the sampling noise; 0 makes the model deterministic.
	EpsilonStd float64
	// Seed drives weight initialization and sampling noise; 0 picks one.
	Seed uint64
	// Optimizer updates the weights in TrainBatch. Defaults to Adam at 0.001.
	Optimizer opt.Optimizer
}

// Model is a trainable VAE. It is not safe for concurrent use: forward
// passes reuse per-layer buffers.
type Model struct {
	arch      Architecture
	encoder   *Encoder
	decoder   *Decoder
	sampler   *Sampler
	loss      Loss
	optimizer opt.Optimizer
	layers    []namedLayer
}

// New builds a model with freshly initialized weights.
func New(arch Architecture, o Options) (*Model, error) {
	if err := arch.Validate(); err != nil {
		return nil, err
	}
	if o.Optimizer == nil {
		o.Optimizer = opt.NewAdam(0.001)
	}
	rng := layer.NewRNG(o.Seed)
	m := &Model{
		arch:      arch,
		encoder:   newEncoder(arch, rng),
		decoder:   newDecoder(arch, rng),
		sampler:   &Sampler{std: o.EpsilonStd, rng: layer.NewRNG(rng.Uint64())},
		loss:      Loss{ImageSize: arch.ImageSize},
		optimizer: o.Optimizer,
	}
	m.layers = append(m.encoder.layers(arch), m.decoder.layers(arch)...)
	return m, nil
}

// Architecture returns the model shape.
func (m *Model) Architecture() Architecture { return m.arch }

// Optimizer returns the optimizer used by TrainBatch.
func (m *Model) Optimizer() opt.Optimizer { return m.optimizer }

// Forward runs the full graph on one image.
func (m *Model) Forward(x []float64) ForwardResult {
	mean, logVar := m.encoder.Forward(x)
	z, noise := m.sampler.Sample(mean, logVar)
	return ForwardResult{
		Input:          x,
		Mean:           mean,
		LogVar:         logVar,
		Noise:          noise,
		Z:              z,
		Reconstruction: m.decoder.Apply(z),
	}
}

// backward accumulates the gradients of the loss of r.
func (m *Model) backward(r ForwardResult, target []float64) {
	gradRecon, gradMean, gradLogVar := m.loss.Gradients(r, target)
	gradZ := m.decoder.Backward(gradRecon)
	for i, g := range gradZ {
		gradMean[i] += g
		gradLogVar[i] += g * math.Exp(r.LogVar[i]) * r.Noise[i]
	}
	m.encoder.Backward(gradMean, gradLogVar)
}

// TrainBatch runs forward and backward passes over the batch, averages the
// gradients and applies one optimizer step. It returns the mean metrics of
// the batch. Weights are left untouched when the loss is not finite.
func (m *Model) TrainBatch(inputs, targets [][]float64) Metrics {
	if len(inputs) == 0 {
		return Metrics{}
	}
	for _, l := range m.layers {
		l.layer.ClearGradients()
	}
	var sum Metrics
	for i, x := range inputs {
		r := m.Forward(x)
		sum = sum.add(m.loss.Evaluate(r, targets[i]))
		m.backward(r, targets[i])
	}
	n := float64(len(inputs))
	mean := sum.scale(1 / n)
	if !mean.Finite() {
		return mean
	}
	for _, l := range m.layers {
		grads := l.layer.Gradients()
		if len(grads) == 0 {
			continue
		}
		floats.Scale(1/n, grads)
		m.optimizer.StepInPlace(l.layer.Params(), grads)
	}
	return mean
}

// EvaluateBatch returns the mean metrics of the batch without updating
// weights.
func (m *Model) EvaluateBatch(inputs, targets [][]float64) Metrics {
	if len(inputs) == 0 {
		return Metrics{}
	}
	var sum Metrics
	for i, x := range inputs {
		sum = sum.add(m.loss.Evaluate(m.Forward(x), targets[i]))
	}
	return sum.scale(1 / float64(len(inputs)))
}

// ParamCount returns the number of trainable parameters.
func (m *Model) ParamCount() int {
	n := 0
	for _, l := range m.layers {
		n += len(l.layer.Params())
	}
	return n
}

// Predictor maps one input vector to one output vector. Returned slices are
// owned by the caller.
type Predictor interface {
	Predict(x []float64) []float64
}

// PredictorFunc adapts a function to Predictor.
type PredictorFunc func(x []float64) []float64

// Predict calls f(x).
func (f PredictorFunc) Predict(x []float64) []float64 { return f(x) }

// VAE returns the full model: image to reconstruction through the sampler.
func (m *Model) VAE() Predictor {
	return PredictorFunc(func(x []float64) []float64 {
		return append([]float64(nil), m.Forward(x).Reconstruction...)
	})
}

// Encoder returns the deterministic encoder: image to latent mean.
func (m *Model) Encoder() Predictor {
	return PredictorFunc(func(x []float64) []float64 {
		mean, _ := m.encoder.Forward(x)
		return mean
	})
}

// Decoder returns the generative path: latent vector to image. It runs the
// same Decoder as VAE.
func (m *Model) Decoder() Predictor {
	return PredictorFunc(func(z []float64) []float64 {
		return append([]float64(nil), m.decoder.Apply(z)...)
	})
}

// NamedTensor is a named parameter tensor in row-major order.
type NamedTensor struct {
	Name  string
	Shape []int
	Data  []float64
}

// NamedParams returns every weight and bias tensor. Data aliases the live
// parameters.
func (m *Model) NamedParams() []NamedTensor {
	var out []NamedTensor
	for _, l := range m.layers {
		params := l.layer.Params()
		if len(params) == 0 {
			continue
		}
		nw := l.weightCount()
		out = append(out,
			NamedTensor{Name: l.name + ".weight", Shape: l.weightShape, Data: params[:nw]},
			NamedTensor{Name: l.name + ".bias", Shape: []int{len(params) - nw}, Data: params[nw:]},
		)
	}
	return out
}
