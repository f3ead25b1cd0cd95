package layer

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/floats"

	"github.com/FlavioCFOliveira/PhenoVAE/internal/activations"
)

// ConvTranspose2D implements a 2D transposed convolution (deconvolution).
// Every input pixel scatters a kernel-shaped patch onto the output grid, so
// the forward pass is the adjoint of Conv2D's: cols = Wᵀ·x followed by col2im.
type ConvTranspose2D struct {
	inChannels  int
	outChannels int
	kernelSize  int
	stride      int
	padding     Padding

	activation activations.Activation

	inH, inW int
	// geom describes the output image and treats the input as the grid.
	geom convGeometry

	// params holds weights [inChannels, outChannels, k, k] followed by biases [outChannels].
	params  []float64
	grads   []float64
	weights []float64
	biases  []float64
	gradW   []float64
	gradB   []float64

	inputBuf  []float64
	cols      []float64
	preActBuf []float64
	outputBuf []float64
	dzBuf     []float64
	gradInBuf []float64
}

// NewConvTranspose2D creates a transposed convolution with Glorot-uniform
// kernels and zero biases.
func NewConvTranspose2D(inChannels, outChannels, kernelSize, stride int, padding Padding,
	activation activations.Activation, rng *rand.Rand) *ConvTranspose2D {

	nWeights := inChannels * outChannels * kernelSize * kernelSize
	params := make([]float64, nWeights+outChannels)
	grads := make([]float64, len(params))
	c := &ConvTranspose2D{
		inChannels:  inChannels,
		outChannels: outChannels,
		kernelSize:  kernelSize,
		stride:      stride,
		padding:     padding,
		activation:  activation,
		params:      params,
		grads:       grads,
		weights:     params[:nWeights],
		biases:      params[nWeights:],
		gradW:       grads[:nWeights],
		gradB:       grads[nWeights:],
	}
	area := kernelSize * kernelSize
	glorotUniform(rng, c.weights, outChannels*area, inChannels*area)
	return c
}

// SetInputDimensions fixes the spatial input size and allocates buffers.
func (c *ConvTranspose2D) SetInputDimensions(height, width int) {
	outH, padTop := transposeOutput(height, c.kernelSize, c.stride, c.padding)
	outW, padLeft := transposeOutput(width, c.kernelSize, c.stride, c.padding)
	c.inH, c.inW = height, width
	c.geom = convGeometry{
		channels: c.outChannels,
		height:   outH,
		width:    outW,
		kernel:   c.kernelSize,
		stride:   c.stride,
		padTop:   padTop,
		padLeft:  padLeft,
		gridH:    height,
		gridW:    width,
	}
	nIn := c.inChannels * height * width
	nOut := c.geom.imageSize()
	c.inputBuf = make([]float64, nIn)
	c.cols = make([]float64, c.geom.colRows()*c.geom.colCols())
	c.preActBuf = make([]float64, nOut)
	c.outputBuf = make([]float64, nOut)
	c.dzBuf = make([]float64, nOut)
	c.gradInBuf = make([]float64, nIn)
}

// Forward performs a forward pass.
// input: flattened [inChannels, inH, inW]
// Returns: flattened [outChannels, outH, outW]
func (c *ConvTranspose2D) Forward(input []float64) []float64 {
	if c.inH == 0 {
		side := int(math.Sqrt(float64(len(input) / c.inChannels)))
		c.SetInputDimensions(side, side)
	}
	if len(input) != len(c.inputBuf) {
		panic(fmt.Sprintf("ConvTranspose2D: input length %d, want %d", len(input), len(c.inputBuf)))
	}
	copy(c.inputBuf, input)

	rows, n := c.geom.colRows(), c.geom.colCols()
	blas64.Gemm(blas.Trans, blas.NoTrans, 1,
		matrix(c.inChannels, rows, c.weights),
		matrix(c.inChannels, n, c.inputBuf),
		0, matrix(rows, n, c.cols))
	c.geom.col2im(c.cols, c.preActBuf)
	addBiasActivate(c.preActBuf, c.outputBuf, c.biases, c.geom.height*c.geom.width, c.activation)
	return c.outputBuf
}

// Backward accumulates parameter gradients and returns dL/dx.
func (c *ConvTranspose2D) Backward(grad []float64) []float64 {
	if len(grad) != len(c.dzBuf) {
		panic(fmt.Sprintf("ConvTranspose2D: gradient length %d, want %d", len(grad), len(c.dzBuf)))
	}
	rows, n := c.geom.colRows(), c.geom.colCols()
	area := c.geom.height * c.geom.width

	for i, g := range grad {
		c.dzBuf[i] = g * c.activation.Derivative(c.preActBuf[i])
	}
	for oc := range c.gradB {
		c.gradB[oc] += floats.Sum(c.dzBuf[oc*area:][:area])
	}

	// cols is free after Forward; reuse it for the unfolded output gradient.
	c.geom.im2col(c.dzBuf, c.cols)
	dcols := matrix(rows, n, c.cols)
	x := matrix(c.inChannels, n, c.inputBuf)
	// dW += x · dcolsᵀ
	blas64.Gemm(blas.NoTrans, blas.Trans, 1, x, dcols, 1, matrix(c.inChannels, rows, c.gradW))
	// dx = W · dcols
	blas64.Gemm(blas.NoTrans, blas.NoTrans, 1, matrix(c.inChannels, rows, c.weights), dcols, 0, matrix(c.inChannels, n, c.gradInBuf))
	return c.gradInBuf
}

// Params returns weights followed by biases.
func (c *ConvTranspose2D) Params() []float64 { return c.params }

// SetParams copies params into the layer.
func (c *ConvTranspose2D) SetParams(params []float64) { copy(c.params, params) }

// Gradients returns accumulated gradients laid out like Params.
func (c *ConvTranspose2D) Gradients() []float64 { return c.grads }

// ClearGradients zeroes out the accumulated gradients.
func (c *ConvTranspose2D) ClearGradients() { clear(c.grads) }

func (c *ConvTranspose2D) InSize() int  { return len(c.inputBuf) }
func (c *ConvTranspose2D) OutSize() int { return c.geom.imageSize() }

// OutputShape returns [outChannels, outH, outW].
func (c *ConvTranspose2D) OutputShape() []int {
	return []int{c.outChannels, c.geom.height, c.geom.width}
}

func (c *ConvTranspose2D) GetKernelSize() int  { return c.kernelSize }
func (c *ConvTranspose2D) GetStride() int      { return c.stride }
func (c *ConvTranspose2D) GetPadding() Padding { return c.padding }

// GetActivation returns the activation function.
func (c *ConvTranspose2D) GetActivation() activations.Activation {
	return c.activation
}
