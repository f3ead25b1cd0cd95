package vae

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/FlavioCFOliveira/PhenoVAE/internal/activations"
	"github.com/FlavioCFOliveira/PhenoVAE/internal/layer"
)

// Architecture fixes the shape of a model. Two models with equal
// architectures can exchange weights.
type Architecture struct {
	ImageSize       int
	Channels        int
	LatentDim       int
	IntermediateDim int
	Filters         int
	KernelSize      int
}

// InputSize is the length of one flattened CHW image.
func (a Architecture) InputSize() int {
	return a.Channels * a.ImageSize * a.ImageSize
}

// namedLayer ties a layer to its checkpoint name and the shape of its
// weight tensor. Biases follow the weights in Params.
type namedLayer struct {
	name        string
	kind        string
	layer       layer.Layer
	weightShape []int
}

// activation names the layer's activation function, or returns "" for
// layers without one.
func (n namedLayer) activation() string {
	if a, ok := n.layer.(layer.Activated); ok {
		return a.GetActivation().Name()
	}
	return ""
}

// kernel describes a convolution as "KxK/S padding".
func (n namedLayer) kernel() string {
	c, ok := n.layer.(layer.Convolution)
	if !ok {
		return ""
	}
	return fmt.Sprintf("%dx%d/%d %s", c.GetKernelSize(), c.GetKernelSize(), c.GetStride(), c.GetPadding())
}

func (n namedLayer) weightCount() int {
	if n.weightShape == nil {
		return 0
	}
	c := 1
	for _, d := range n.weightShape {
		c *= d
	}
	return c
}

// Encoder maps an image to the parameters of its latent distribution.
type Encoder struct {
	convs  [4]*layer.Conv2D
	hidden *layer.Dense
	mean   *layer.Dense
	logVar *layer.Dense

	gradHidden []float64
}

func newEncoder(a Architecture, rng *rand.Rand) *Encoder {
	relu := activations.ReLU{}
	half := a.ImageSize / 2
	e := &Encoder{
		convs: [4]*layer.Conv2D{
			layer.NewConv2D(a.Channels, a.Channels, a.Channels, 1, layer.Same, relu, rng),
			layer.NewConv2D(a.Channels, a.Filters, 2, 2, layer.Same, relu, rng),
			layer.NewConv2D(a.Filters, a.Filters, a.KernelSize, 1, layer.Same, relu, rng),
			layer.NewConv2D(a.Filters, a.Filters, a.KernelSize, 1, layer.Same, relu, rng),
		},
		hidden:     layer.NewDense(a.Filters*half*half, a.IntermediateDim, relu, rng),
		mean:       layer.NewDense(a.IntermediateDim, a.LatentDim, activations.Linear{}, rng),
		logVar:     layer.NewDense(a.IntermediateDim, a.LatentDim, activations.Linear{}, rng),
		gradHidden: make([]float64, a.IntermediateDim),
	}
	e.convs[0].SetInputDimensions(a.ImageSize, a.ImageSize)
	e.convs[1].SetInputDimensions(a.ImageSize, a.ImageSize)
	e.convs[2].SetInputDimensions(half, half)
	e.convs[3].SetInputDimensions(half, half)
	return e
}

// Forward returns fresh copies of the mean and log variance for x.
func (e *Encoder) Forward(x []float64) (mean, logVar []float64) {
	h := x
	for _, c := range e.convs {
		h = c.Forward(h)
	}
	h = e.hidden.Forward(h)
	mean = append([]float64(nil), e.mean.Forward(h)...)
	logVar = append([]float64(nil), e.logVar.Forward(h)...)
	return mean, logVar
}

// Backward accumulates gradients for the last Forward and returns dL/dx.
func (e *Encoder) Backward(gradMean, gradLogVar []float64) []float64 {
	copy(e.gradHidden, e.mean.Backward(gradMean))
	for i, g := range e.logVar.Backward(gradLogVar) {
		e.gradHidden[i] += g
	}
	g := e.hidden.Backward(e.gradHidden)
	for i := len(e.convs) - 1; i >= 0; i-- {
		g = e.convs[i].Backward(g)
	}
	return g
}

func (e *Encoder) layers(a Architecture) []namedLayer {
	half := a.ImageSize / 2
	return []namedLayer{
		{"encoder/conv_1", "Conv2D", e.convs[0], []int{a.Channels, a.Channels, a.Channels, a.Channels}},
		{"encoder/conv_2", "Conv2D", e.convs[1], []int{a.Filters, a.Channels, 2, 2}},
		{"encoder/conv_3", "Conv2D", e.convs[2], []int{a.Filters, a.Filters, a.KernelSize, a.KernelSize}},
		{"encoder/conv_4", "Conv2D", e.convs[3], []int{a.Filters, a.Filters, a.KernelSize, a.KernelSize}},
		{"encoder/hidden", "Dense", e.hidden, []int{a.IntermediateDim, a.Filters * half * half}},
		{"encoder/z_mean", "Dense", e.mean, []int{a.LatentDim, a.IntermediateDim}},
		{"encoder/z_log_var", "Dense", e.logVar, []int{a.LatentDim, a.IntermediateDim}},
	}
}

// Decoder maps a latent vector to an image with values in [0, 1]. A model
// has exactly one Decoder, used both after the sampler and on its own.
type Decoder struct {
	hidden   *layer.Dense
	upsample *layer.Dense
	reshape  *layer.Reshape
	deconvs  [3]*layer.ConvTranspose2D
	squash   *layer.Conv2D
}

func newDecoder(a Architecture, rng *rand.Rand) *Decoder {
	relu := activations.ReLU{}
	half := a.ImageSize / 2
	d := &Decoder{
		hidden:   layer.NewDense(a.LatentDim, a.IntermediateDim, relu, rng),
		upsample: layer.NewDense(a.IntermediateDim, a.Filters*half*half, relu, rng),
		reshape:  layer.NewReshape(a.Filters, half, half),
		deconvs: [3]*layer.ConvTranspose2D{
			layer.NewConvTranspose2D(a.Filters, a.Filters, a.KernelSize, 1, layer.Same, relu, rng),
			layer.NewConvTranspose2D(a.Filters, a.Filters, a.KernelSize, 1, layer.Same, relu, rng),
			layer.NewConvTranspose2D(a.Filters, a.Filters, 3, 2, layer.Valid, relu, rng),
		},
		squash: layer.NewConv2D(a.Filters, a.Channels, 2, 1, layer.Valid, activations.Sigmoid{}, rng),
	}
	d.deconvs[0].SetInputDimensions(half, half)
	d.deconvs[1].SetInputDimensions(half, half)
	d.deconvs[2].SetInputDimensions(half, half)
	d.squash.SetInputDimensions(a.ImageSize+1, a.ImageSize+1)
	return d
}

// Apply decodes z. The returned slice is owned by the decoder and is
// overwritten by the next call.
func (d *Decoder) Apply(z []float64) []float64 {
	h := d.hidden.Forward(z)
	h = d.upsample.Forward(h)
	h = d.reshape.Forward(h)
	for _, c := range d.deconvs {
		h = c.Forward(h)
	}
	return d.squash.Forward(h)
}

// Backward accumulates gradients for the last Apply and returns dL/dz.
func (d *Decoder) Backward(grad []float64) []float64 {
	g := d.squash.Backward(grad)
	for i := len(d.deconvs) - 1; i >= 0; i-- {
		g = d.deconvs[i].Backward(g)
	}
	g = d.reshape.Backward(g)
	g = d.upsample.Backward(g)
	return d.hidden.Backward(g)
}

func (d *Decoder) layers(a Architecture) []namedLayer {
	half := a.ImageSize / 2
	return []namedLayer{
		{"decoder/hidden", "Dense", d.hidden, []int{a.IntermediateDim, a.LatentDim}},
		{"decoder/upsample", "Dense", d.upsample, []int{a.Filters * half * half, a.IntermediateDim}},
		{"decoder/reshape", "Reshape", d.reshape, nil},
		{"decoder/deconv_1", "ConvTranspose2D", d.deconvs[0], []int{a.Filters, a.Filters, a.KernelSize, a.KernelSize}},
		{"decoder/deconv_2", "ConvTranspose2D", d.deconvs[1], []int{a.Filters, a.Filters, a.KernelSize, a.KernelSize}},
		{"decoder/deconv_3", "ConvTranspose2D", d.deconvs[2], []int{a.Filters, a.Filters, 3, 3}},
		{"decoder/mean_squash", "Conv2D", d.squash, []int{a.Channels, a.Filters, 2, 2}},
	}
}

// Sampler draws latent vectors with the reparameterization
// z = mean + exp(logVar) * noise, noise ~ N(0, std²).
type Sampler struct {
	std float64
	rng *rand.Rand
}

// NewSampler returns a sampler with noise scale std. A non-zero seed makes
// the noise sequence reproducible.
func NewSampler(std float64, seed uint64) *Sampler {
	return &Sampler{std: std, rng: layer.NewRNG(seed)}
}

// Sample returns z and the noise used to draw it. With a zero noise scale z
// equals mean exactly.
func (s *Sampler) Sample(mean, logVar []float64) (z, noise []float64) {
	z = make([]float64, len(mean))
	noise = make([]float64, len(mean))
	if s.std == 0 {
		copy(z, mean)
		return z, noise
	}
	for i := range mean {
		noise[i] = s.rng.NormFloat64() * s.std
		z[i] = mean[i] + math.Exp(logVar[i])*noise[i]
	}
	return z, noise
}
