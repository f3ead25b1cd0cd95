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

// Conv2D implements a 2D convolutional layer.
// The convolution is lowered to a matrix product: the input is unfolded with
// im2col and multiplied by the [outChannels, inChannels*k*k] weight matrix.
type Conv2D struct {
	inChannels  int
	outChannels int
	kernelSize  int
	stride      int
	padding     Padding

	activation activations.Activation

	// geom is zero until the input dimensions are known.
	geom convGeometry

	// params holds weights [outChannels, inChannels, k, k] followed by biases.
	params  []float64
	grads   []float64
	weights []float64
	biases  []float64
	gradW   []float64
	gradB   []float64

	// Pre-allocated buffers, sized by SetInputDimensions
	cols      []float64 // unfolded input of the last Forward
	dcols     []float64
	preActBuf []float64
	outputBuf []float64
	dzBuf     []float64
	gradInBuf []float64
}

// NewConv2D creates a new 2D convolutional layer with Glorot-uniform kernels
// and zero biases.
// inChannels: number of input channels
// outChannels: number of output feature maps
// kernelSize: size of convolutional kernel (square)
// stride: stride for convolution
// padding: Same or Valid
func NewConv2D(inChannels, outChannels, kernelSize, stride int, padding Padding,
	activation activations.Activation, rng *rand.Rand) *Conv2D {

	nWeights := outChannels * inChannels * kernelSize * kernelSize
	params := make([]float64, nWeights+outChannels)
	grads := make([]float64, len(params))
	c := &Conv2D{
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
	glorotUniform(rng, c.weights, inChannels*area, outChannels*area)
	return c
}

// SetInputDimensions fixes the spatial input size and allocates buffers.
// This allows non-square inputs and avoids automatic inference.
func (c *Conv2D) SetInputDimensions(height, width int) {
	outH, padTop := convOutput(height, c.kernelSize, c.stride, c.padding)
	outW, padLeft := convOutput(width, c.kernelSize, c.stride, c.padding)
	if outH <= 0 || outW <= 0 {
		panic(fmt.Sprintf("Conv2D: input %dx%d too small for kernel %d", height, width, c.kernelSize))
	}
	c.geom = convGeometry{
		channels: c.inChannels,
		height:   height,
		width:    width,
		kernel:   c.kernelSize,
		stride:   c.stride,
		padTop:   padTop,
		padLeft:  padLeft,
		gridH:    outH,
		gridW:    outW,
	}
	nCols := c.geom.colRows() * c.geom.colCols()
	nOut := c.outChannels * c.geom.colCols()
	c.cols = make([]float64, nCols)
	c.dcols = make([]float64, nCols)
	c.preActBuf = make([]float64, nOut)
	c.outputBuf = make([]float64, nOut)
	c.dzBuf = make([]float64, nOut)
	c.gradInBuf = make([]float64, c.geom.imageSize())
}

// Forward performs a forward pass through the convolutional layer.
// input: flattened [inChannels, inputHeight, inputWidth]
// Returns: flattened [outChannels, outputHeight, outputWidth]
func (c *Conv2D) Forward(input []float64) []float64 {
	if c.geom.height == 0 {
		// Infer square dimensions from the input length
		side := int(math.Sqrt(float64(len(input) / c.inChannels)))
		c.SetInputDimensions(side, side)
	}
	if len(input) != c.geom.imageSize() {
		panic(fmt.Sprintf("Conv2D: input length %d, want %d", len(input), c.geom.imageSize()))
	}

	rows, n := c.geom.colRows(), c.geom.colCols()
	c.geom.im2col(input, c.cols)

	// z = W · cols + b
	blas64.Gemm(blas.NoTrans, blas.NoTrans, 1,
		matrix(c.outChannels, rows, c.weights),
		matrix(rows, n, c.cols),
		0, matrix(c.outChannels, n, c.preActBuf))
	addBiasActivate(c.preActBuf, c.outputBuf, c.biases, n, c.activation)
	return c.outputBuf
}

// Backward performs backpropagation through the convolutional layer.
// grad: gradient of loss w.r.t. activated output (shape: [outChannels, outH, outW] flattened)
// Returns: gradient of loss w.r.t. input
func (c *Conv2D) Backward(grad []float64) []float64 {
	if len(grad) != len(c.dzBuf) {
		panic(fmt.Sprintf("Conv2D: gradient length %d, want %d", len(grad), len(c.dzBuf)))
	}
	rows, n := c.geom.colRows(), c.geom.colCols()

	// Gradient after activation: dL/dz = dL/d(output) * activation'(z)
	for i, g := range grad {
		c.dzBuf[i] = g * c.activation.Derivative(c.preActBuf[i])
	}
	for oc := range c.gradB {
		c.gradB[oc] += floats.Sum(c.dzBuf[oc*n:][:n])
	}

	dz := matrix(c.outChannels, n, c.dzBuf)
	// dW += dz · colsᵀ
	blas64.Gemm(blas.NoTrans, blas.Trans, 1, dz, matrix(rows, n, c.cols), 1, matrix(c.outChannels, rows, c.gradW))
	// dcols = Wᵀ · dz, folded back onto the input grid
	blas64.Gemm(blas.Trans, blas.NoTrans, 1, matrix(c.outChannels, rows, c.weights), dz, 0, matrix(rows, n, c.dcols))
	c.geom.col2im(c.dcols, c.gradInBuf)
	return c.gradInBuf
}

// Params returns weights followed by biases.
func (c *Conv2D) Params() []float64 {
	return c.params
}

// SetParams copies params into the layer.
func (c *Conv2D) SetParams(params []float64) {
	copy(c.params, params)
}

// Gradients returns accumulated gradients laid out like Params.
func (c *Conv2D) Gradients() []float64 {
	return c.grads
}

// ClearGradients zeroes out the accumulated gradients.
func (c *Conv2D) ClearGradients() {
	clear(c.grads)
}

// InSize returns the flattened input length, or 0 before dimensions are known.
func (c *Conv2D) InSize() int {
	return c.geom.imageSize()
}

// OutSize returns the flattened output length, or 0 before dimensions are known.
func (c *Conv2D) OutSize() int {
	return c.outChannels * c.geom.colCols()
}

// OutputShape returns [outChannels, outH, outW].
func (c *Conv2D) OutputShape() []int {
	return []int{c.outChannels, c.geom.gridH, c.geom.gridW}
}

// GetKernelSize returns the kernel size.
func (c *Conv2D) GetKernelSize() int {
	return c.kernelSize
}

// GetStride returns the stride.
func (c *Conv2D) GetStride() int {
	return c.stride
}

// GetPadding returns the padding mode.
func (c *Conv2D) GetPadding() Padding {
	return c.padding
}

// GetActivation returns the activation function.
func (c *Conv2D) GetActivation() activations.Activation {
	return c.activation
}
