// Package layer provides neural network layer implementations.
//
// Layers operate on one sample at a time. Spatial tensors are flattened in
// [channels, height, width] order. Each layer caches what it needs from the
// last Forward call, so Backward must follow the Forward it differentiates.
// Gradients accumulate across Backward calls until ClearGradients.
package layer

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"

	"github.com/FlavioCFOliveira/PhenoVAE/internal/activations"
)

// Layer is a neural network layer.
type Layer interface {
	Forward(x []float64) []float64
	Backward(grad []float64) []float64

	// Params returns the layer's parameter buffer. Updating it in place
	// updates the layer.
	Params() []float64
	SetParams([]float64)

	// Gradients returns the accumulated gradient buffer, laid out like Params.
	Gradients() []float64
	ClearGradients()

	InSize() int
	OutSize() int
}

// Shaper is implemented by layers whose output has a spatial shape.
type Shaper interface {
	OutputShape() []int
}

// Activated is implemented by layers ending in an activation function.
type Activated interface {
	GetActivation() activations.Activation
}

// Convolution is implemented by Conv2D and ConvTranspose2D.
type Convolution interface {
	GetKernelSize() int
	GetStride() int
	GetPadding() Padding
}

// NewRNG returns a deterministic generator for seed. A zero seed picks a
// random one.
func NewRNG(seed uint64) *rand.Rand {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// glorotUniform fills w from U(-limit, limit), limit = sqrt(6 / (fanIn + fanOut)).
func glorotUniform(rng *rand.Rand, w []float64, fanIn, fanOut int) {
	limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
	for i := range w {
		w[i] = (rng.Float64()*2 - 1) * limit
	}
}

func vector(data []float64) blas64.Vector {
	return blas64.Vector{N: len(data), Inc: 1, Data: data}
}

func matrix(rows, cols int, data []float64) blas64.General {
	return blas64.General{Rows: rows, Cols: cols, Stride: cols, Data: data[:rows*cols]}
}

// Dense is a fully connected layer. Weights and biases share one contiguous
// parameter buffer so optimizers can update them with a single call.
type Dense struct {
	inSize  int
	outSize int
	act     activations.Activation

	// params holds weights [out, in] (row-major) followed by biases [out].
	params  []float64
	grads   []float64
	weights []float64
	biases  []float64
	gradW   []float64
	gradB   []float64

	// Reusable buffers
	inputBuf  []float64
	preActBuf []float64
	outputBuf []float64
	dzBuf     []float64
	gradInBuf []float64
}

// NewDense creates a dense layer with Glorot-uniform weights and zero biases.
func NewDense(in, out int, act activations.Activation, rng *rand.Rand) *Dense {
	params := make([]float64, out*in+out)
	grads := make([]float64, len(params))
	d := &Dense{
		inSize:    in,
		outSize:   out,
		act:       act,
		params:    params,
		grads:     grads,
		weights:   params[:out*in],
		biases:    params[out*in:],
		gradW:     grads[:out*in],
		gradB:     grads[out*in:],
		inputBuf:  make([]float64, in),
		preActBuf: make([]float64, out),
		outputBuf: make([]float64, out),
		dzBuf:     make([]float64, out),
		gradInBuf: make([]float64, in),
	}
	glorotUniform(rng, d.weights, in, out)
	return d
}

// Forward computes act(Wx + b).
func (d *Dense) Forward(x []float64) []float64 {
	if len(x) != d.inSize {
		panic(fmt.Sprintf("Dense: input length %d, want %d", len(x), d.inSize))
	}
	copy(d.inputBuf, x)
	copy(d.preActBuf, d.biases)
	blas64.Gemv(blas.NoTrans, 1, matrix(d.outSize, d.inSize, d.weights), vector(d.inputBuf), 1, vector(d.preActBuf))
	for o, z := range d.preActBuf {
		d.outputBuf[o] = d.act.Activate(z)
	}
	return d.outputBuf
}

// Backward accumulates weight and bias gradients and returns dL/dx.
func (d *Dense) Backward(grad []float64) []float64 {
	if len(grad) != d.outSize {
		panic(fmt.Sprintf("Dense: gradient length %d, want %d", len(grad), d.outSize))
	}
	// dz = dL/d(output) * act'(z)
	for o := range d.dzBuf {
		d.dzBuf[o] = grad[o] * d.act.Derivative(d.preActBuf[o])
		d.gradB[o] += d.dzBuf[o]
	}
	// dW += dz ⊗ x
	blas64.Ger(1, vector(d.dzBuf), vector(d.inputBuf), matrix(d.outSize, d.inSize, d.gradW))
	// dx = Wᵀ dz
	blas64.Gemv(blas.Trans, 1, matrix(d.outSize, d.inSize, d.weights), vector(d.dzBuf), 0, vector(d.gradInBuf))
	return d.gradInBuf
}

// Params returns weights followed by biases.
func (d *Dense) Params() []float64 {
	return d.params
}

// SetParams copies params into the layer.
func (d *Dense) SetParams(params []float64) {
	copy(d.params, params)
}

// Gradients returns accumulated gradients laid out like Params.
func (d *Dense) Gradients() []float64 {
	return d.grads
}

// ClearGradients zeroes the accumulated gradients.
func (d *Dense) ClearGradients() {
	clear(d.grads)
}

// InSize returns the input size of the layer.
func (d *Dense) InSize() int {
	return d.inSize
}

// OutSize returns the output size of the layer.
func (d *Dense) OutSize() int {
	return d.outSize
}

// GetActivation returns the activation function used by this layer.
func (d *Dense) GetActivation() activations.Activation {
	return d.act
}
