package layer

import "fmt"

// Reshape reinterprets a flat vector as a [channels, height, width] tensor.
// Data is passed through unchanged; the layer only carries the shape so the
// next spatial layer can be sized from it.
type Reshape struct {
	shape []int
	size  int
}

// NewReshape creates a reshape layer with the given output shape.
func NewReshape(shape ...int) *Reshape {
	size := 1
	for _, d := range shape {
		size *= d
	}
	return &Reshape{shape: shape, size: size}
}

// Forward returns x, which must have exactly prod(shape) elements.
func (r *Reshape) Forward(x []float64) []float64 {
	if len(x) != r.size {
		panic(fmt.Sprintf("Reshape: input length %d, want %d", len(x), r.size))
	}
	return x
}

// Backward passes the gradient through unchanged.
func (r *Reshape) Backward(grad []float64) []float64 {
	return grad
}

// Params returns nil; Reshape has no parameters.
func (r *Reshape) Params() []float64 { return nil }

// SetParams is a no-op.
func (r *Reshape) SetParams([]float64) {}

// Gradients returns nil.
func (r *Reshape) Gradients() []float64 { return nil }

// ClearGradients is a no-op.
func (r *Reshape) ClearGradients() {}

func (r *Reshape) InSize() int  { return r.size }
func (r *Reshape) OutSize() int { return r.size }

// OutputShape returns a copy of the target shape.
func (r *Reshape) OutputShape() []int {
	return append([]int(nil), r.shape...)
}
