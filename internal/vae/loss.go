package vae

import (
	"math"

	"github.com/FlavioCFOliveira/PhenoVAE/internal/loss"
)

// ForwardResult carries everything one forward pass produced. The loss is
// evaluated on it, so the divergence term always uses the distribution of
// the same pass as the reconstruction.
type ForwardResult struct {
	Input          []float64
	Mean           []float64
	LogVar         []float64
	Noise          []float64
	Z              []float64
	Reconstruction []float64
}

// Metrics are the loss terms of one sample or the mean over a batch.
type Metrics struct {
	Loss           float64
	Reconstruction float64
	Divergence     float64
}

// Finite reports whether the total loss is a finite number.
func (m Metrics) Finite() bool {
	return !math.IsNaN(m.Loss) && !math.IsInf(m.Loss, 0)
}

func (m Metrics) add(o Metrics) Metrics {
	return Metrics{m.Loss + o.Loss, m.Reconstruction + o.Reconstruction, m.Divergence + o.Divergence}
}

func (m Metrics) scale(f float64) Metrics {
	return Metrics{m.Loss * f, m.Reconstruction * f, m.Divergence * f}
}

// Loss is the VAE objective:
//
//	reconstruction = imageSize² * mean(BCE(x, x̂))
//	divergence     = -0.5 * mean(1 + logVar - mean² - exp(logVar))
//	total          = reconstruction + divergence
type Loss struct {
	ImageSize int

	bce loss.BCELoss
	kl  loss.GaussianKL
}

func (l Loss) pixelWeight() float64 {
	return float64(l.ImageSize * l.ImageSize)
}

// Evaluate computes the loss terms of r against target.
func (l Loss) Evaluate(r ForwardResult, target []float64) Metrics {
	rec := l.pixelWeight() * l.bce.Forward(r.Reconstruction, target)
	div := l.kl.Forward(r.Mean, r.LogVar)
	return Metrics{Loss: rec + div, Reconstruction: rec, Divergence: div}
}

// Gradients returns the gradient of the total loss with respect to the
// reconstruction, and the divergence gradients with respect to the mean and
// log variance.
func (l Loss) Gradients(r ForwardResult, target []float64) (gradRecon, gradMean, gradLogVar []float64) {
	gradRecon = make([]float64, len(r.Reconstruction))
	l.bce.BackwardInPlace(r.Reconstruction, target, gradRecon)
	w := l.pixelWeight()
	for i := range gradRecon {
		gradRecon[i] *= w
	}
	gradMean = make([]float64, len(r.Mean))
	gradLogVar = make([]float64, len(r.LogVar))
	l.kl.BackwardInPlace(r.Mean, r.LogVar, gradMean, gradLogVar)
	return gradRecon, gradMean, gradLogVar
}
