package loss

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBCELossForward(t *testing.T) {
	var bce BCELoss
	got := bce.Forward([]float64{0.5, 0.5}, []float64{1, 0})
	assert.InDelta(t, math.Ln2, got, 1e-12)

	// Perfect predictions are bounded by the clipping epsilon, not infinite.
	got = bce.Forward([]float64{0, 1}, []float64{0, 1})
	assert.False(t, math.IsInf(got, 0))
	assert.Less(t, got, 1e-6)
}

func TestBCELossBackwardMatchesFiniteDifference(t *testing.T) {
	var bce BCELoss
	pred := []float64{0.2, 0.7, 0.45, 0.9}
	target := []float64{0, 1, 0.3, 0.6}
	grad := make([]float64, len(pred))
	bce.BackwardInPlace(pred, target, grad)

	const h = 1e-6
	for i := range pred {
		orig := pred[i]
		pred[i] = orig + h
		plus := bce.Forward(pred, target)
		pred[i] = orig - h
		minus := bce.Forward(pred, target)
		pred[i] = orig
		assert.InDeltaf(t, (plus-minus)/(2*h), grad[i], 1e-6, "element %d", i)
	}
}

func TestBCELossPanicsOnLengthMismatch(t *testing.T) {
	assert.Panics(t, func() { BCELoss{}.Forward([]float64{0.5}, []float64{1, 0}) })
}

func TestGaussianKLZeroAtPrior(t *testing.T) {
	var kl GaussianKL
	for _, n := range []int{1, 2, 7, 32} {
		zeros := make([]float64, n)
		assert.Equal(t, 0.0, kl.Forward(zeros, zeros), "latent dim %d", n)
	}
}

func TestGaussianKLPositiveAwayFromPrior(t *testing.T) {
	var kl GaussianKL
	assert.Greater(t, kl.Forward([]float64{1, -1}, []float64{0, 0}), 0.0)
	assert.Greater(t, kl.Forward([]float64{0, 0}, []float64{0.5, -2}), 0.0)
}

func TestGaussianKLGradients(t *testing.T) {
	var kl GaussianKL
	mean := []float64{0.3, -1.2, 0.8}
	logVar := []float64{-0.5, 0.4, 0.1}
	gm := make([]float64, 3)
	glv := make([]float64, 3)
	kl.BackwardInPlace(mean, logVar, gm, glv)

	const h = 1e-6
	numeric := func(v []float64, i int) float64 {
		orig := v[i]
		v[i] = orig + h
		plus := kl.Forward(mean, logVar)
		v[i] = orig - h
		minus := kl.Forward(mean, logVar)
		v[i] = orig
		return (plus - minus) / (2 * h)
	}
	for i := range mean {
		require.InDelta(t, numeric(mean, i), gm[i], 1e-8)
		require.InDelta(t, numeric(logVar, i), glv[i], 1e-8)
	}
}
