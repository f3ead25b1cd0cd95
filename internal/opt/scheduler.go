package opt

import "math"

// Scheduler defines the interface for learning rate schedulers.
type Scheduler interface {
	// Reset restores the initial learning rate.
	Reset()
	// Step advances the schedule by one training step.
	Step()
	GetLR() float64
}

// CyclicLR oscillates the learning rate between BaseLR and MaxLR along a
// triangular wave with a half period of StepSize training steps, regardless
// of the loss trend.
type CyclicLR struct {
	BaseLR   float64
	MaxLR    float64
	StepSize int

	optimizer  Optimizer
	iterations int
}

// NewCyclicLR creates a triangular cyclic schedule driving optimizer.
func NewCyclicLR(optimizer Optimizer, baseLR, maxLR float64, stepSize int) *CyclicLR {
	return &CyclicLR{
		BaseLR:    baseLR,
		MaxLR:     maxLR,
		StepSize:  stepSize,
		optimizer: optimizer,
	}
}

// Reset sets the optimizer to BaseLR and restarts the cycle.
func (s *CyclicLR) Reset() {
	s.iterations = 0
	s.optimizer.SetLearningRate(s.BaseLR)
}

// Step moves one step along the wave and updates the optimizer.
func (s *CyclicLR) Step() {
	s.iterations++
	s.optimizer.SetLearningRate(s.rate(s.iterations))
}

// GetLR returns the optimizer's current learning rate.
func (s *CyclicLR) GetLR() float64 {
	return s.optimizer.LearningRate()
}

// Iterations returns the number of steps taken since the last Reset.
func (s *CyclicLR) Iterations() int {
	return s.iterations
}

func (s *CyclicLR) rate(it int) float64 {
	step := float64(s.StepSize)
	cycle := math.Floor(1 + float64(it)/(2*step))
	x := math.Abs(float64(it)/step - 2*cycle + 1)
	return s.BaseLR + (s.MaxLR-s.BaseLR)*math.Max(0, 1-x)
}
