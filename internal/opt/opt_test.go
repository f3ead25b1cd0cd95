package opt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSGDStepInPlace(t *testing.T) {
	sgd := &SGD{LR: 0.1}
	params := []float64{1.0, 2.0, 3.0}
	sgd.StepInPlace(params, []float64{0.1, 0.2, 0.3})
	assert.InDeltaSlice(t, []float64{0.99, 1.98, 2.97}, params, 1e-12)
}

func TestAdamFirstStepMovesByLearningRate(t *testing.T) {
	adam := NewAdam(0.01)
	params := []float64{1, -1, 0.5}
	adam.StepInPlace(params, []float64{3, -0.2, 1e-3})

	// With bias correction the first update is lr * sign(g) for |g| >> eps.
	assert.InDelta(t, 0.99, params[0], 1e-6)
	assert.InDelta(t, -0.99, params[1], 1e-6)
	assert.InDelta(t, 0.49, params[2], 1e-4)
}

func TestAdamKeepsStatePerTensor(t *testing.T) {
	adam := NewAdam(0.1)
	a := []float64{0}
	b := []float64{0}
	adam.StepInPlace(a, []float64{1})
	adam.StepInPlace(a, []float64{1})
	adam.StepInPlace(b, []float64{1})

	assert.Len(t, adam.state, 2)
	assert.Equal(t, 2, adam.state[&a[0]].t)
	assert.Equal(t, 1, adam.state[&b[0]].t)
}

func TestAdamMinimizesQuadratic(t *testing.T) {
	adam := NewAdam(0.05)
	x := []float64{3, -4}
	grad := make([]float64, 2)
	for range 2000 {
		for i := range x {
			grad[i] = 2 * x[i]
		}
		adam.StepInPlace(x, grad)
	}
	assert.InDelta(t, 0, x[0], 0.1)
	assert.InDelta(t, 0, x[1], 0.1)
}

func TestCyclicLRTriangle(t *testing.T) {
	sgd := &SGD{LR: 0.5}
	clr := NewCyclicLR(sgd, 0.001, 0.006, 4)
	clr.Reset()
	assert.Equal(t, 0.001, clr.GetLR())

	want := []float64{
		0.00225, 0.0035, 0.00475, 0.006, // rising
		0.00475, 0.0035, 0.00225, 0.001, // falling
		0.00225, // next cycle
	}
	for i, w := range want {
		clr.Step()
		assert.InDeltaf(t, w, sgd.LearningRate(), 1e-12, "step %d", i+1)
	}
	assert.Equal(t, 9, clr.Iterations())

	clr.Reset()
	assert.Equal(t, 0, clr.Iterations())
	assert.Equal(t, 0.001, sgd.LearningRate())
}
