// Package opt provides optimization algorithms and learning rate schedules.
package opt

import "math"

// Optimizer updates network parameters based on gradients.
type Optimizer interface {
	// StepInPlace updates params in-place from gradients.
	// Stateful optimizers key their state on the params slice, so each
	// parameter tensor must always be passed with the same backing array.
	StepInPlace(params, gradients []float64)

	LearningRate() float64
	SetLearningRate(lr float64)
}

// SGD (Stochastic Gradient Descent) optimizer.
type SGD struct {
	LR float64
}

// StepInPlace updates params in-place: params = params - lr * gradients
func (s *SGD) StepInPlace(params, gradients []float64) {
	for i := range params {
		params[i] -= s.LR * gradients[i]
	}
}

func (s *SGD) LearningRate() float64      { return s.LR }
func (s *SGD) SetLearningRate(lr float64) { s.LR = lr }

// Adam optimizer.
type Adam struct {
	LR      float64
	Beta1   float64 // Exponential decay rate for first moment
	Beta2   float64 // Exponential decay rate for second moment
	Epsilon float64 // Small constant for numerical stability

	state map[*float64]*adamState
}

type adamState struct {
	m, v []float64
	t    int
}

// NewAdam creates a new Adam optimizer with default values.
func NewAdam(learningRate float64) *Adam {
	return &Adam{
		LR:      learningRate,
		Beta1:   0.9,
		Beta2:   0.999,
		Epsilon: 1e-8,
		state:   make(map[*float64]*adamState),
	}
}

// StepInPlace applies one bias-corrected Adam update to params.
func (a *Adam) StepInPlace(params, gradients []float64) {
	if len(params) == 0 {
		return
	}
	if a.state == nil {
		a.state = make(map[*float64]*adamState)
	}
	s, ok := a.state[&params[0]]
	if !ok {
		s = &adamState{m: make([]float64, len(params)), v: make([]float64, len(params))}
		a.state[&params[0]] = s
	}
	s.t++
	correction1 := 1 - math.Pow(a.Beta1, float64(s.t))
	correction2 := 1 - math.Pow(a.Beta2, float64(s.t))
	for i, g := range gradients {
		s.m[i] = a.Beta1*s.m[i] + (1-a.Beta1)*g
		s.v[i] = a.Beta2*s.v[i] + (1-a.Beta2)*g*g
		mHat := s.m[i] / correction1
		vHat := s.v[i] / correction2
		params[i] -= a.LR * mHat / (math.Sqrt(vHat) + a.Epsilon)
	}
}

func (a *Adam) LearningRate() float64      { return a.LR }
func (a *Adam) SetLearningRate(lr float64) { a.LR = lr }
