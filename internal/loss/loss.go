// Package loss provides the loss terms of the variational autoencoder.
package loss

import "math"

// bceEpsilon bounds predictions away from 0 and 1 before taking logs.
const bceEpsilon = 1e-7

func clip(p float64) float64 {
	return min(max(p, bceEpsilon), 1-bceEpsilon)
}

// BCELoss (Binary Cross Entropy) loss, averaged over elements.
// Requires predictions to be in range (0, 1).
type BCELoss struct{}

// Forward computes binary cross entropy: -(1/n) * sum(y*log(p) + (1-y)*log(1-p))
func (b BCELoss) Forward(yPred, yTrue []float64) float64 {
	n := len(yPred)
	if n != len(yTrue) {
		panic("BCELoss: prediction and target must have same length")
	}

	var sum float64
	for i := 0; i < n; i++ {
		pred := clip(yPred[i])
		sum += yTrue[i]*math.Log(pred) + (1.0-yTrue[i])*math.Log(1.0-pred)
	}
	return -sum / float64(n)
}

// BackwardInPlace computes the gradient w.r.t. the prediction into grad:
// (pred - y) / (pred * (1-pred)) / n. Clipped predictions get a zero gradient, matching the clipped forward pass.
func (b BCELoss) BackwardInPlace(yPred, yTrue, grad []float64) {
	n := len(yPred)
	if n != len(yTrue) || n != len(grad) {
		panic("BCELoss: slices must have same length")
	}

	for i := 0; i < n; i++ {
		pred := yPred[i]
		if pred < bceEpsilon || pred > 1-bceEpsilon {
			grad[i] = 0
			continue
		}
		grad[i] = (pred - yTrue[i]) / (pred * (1.0 - pred) * float64(n))
	}
}

// GaussianKL is the closed-form KL divergence between N(mean, exp(logVar))
// and the standard normal prior, averaged over latent dimensions:
//
//	-0.5 * mean(1 + logVar - mean² - exp(logVar))
type GaussianKL struct{}

// Forward computes the divergence.
func (GaussianKL) Forward(mean, logVar []float64) float64 {
	n := len(mean)
	if n != len(logVar) {
		panic("GaussianKL: mean and log variance must have same length")
	}
	var sum float64
	for i := range mean {
		sum += 1 + logVar[i] - mean[i]*mean[i] - math.Exp(logVar[i])
	}
	return -0.5 * sum / float64(n)
}

// BackwardInPlace adds the divergence gradients to gradMean and gradLogVar.
//
//	d/dmean   = mean / n
//	d/dlogVar = -0.5 * (1 - exp(logVar)) / n
func (GaussianKL) BackwardInPlace(mean, logVar, gradMean, gradLogVar []float64) {
	n := float64(len(mean))
	for i := range mean {
		gradMean[i] += mean[i] / n
		gradLogVar[i] += -0.5 * (1 - math.Exp(logVar[i])) / n
	}
}
