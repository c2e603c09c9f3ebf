// Package nn defines the boundary between the training core and the models it
// drives. Layers, loss math and device kernels live behind these interfaces.
package nn

import (
	"math"
)

// Tensor is the minimal contract the core needs from a loss value
type Tensor interface {
	// Mean reduces the tensor to a scalar
	Mean() float64
}

// Differentiable is a Tensor that can propagate gradients into the
// parameters it was computed from
type Differentiable interface {
	Tensor

	// Backward accumulates d(scale*Mean())/d(param) into parameter gradients
	Backward(scale float64) error
}

// Scalar is a constant, non-differentiable loss value
type Scalar float64

func (s Scalar) Mean() float64 {
	return float64(s)
}

// Vector is a constant tensor holding one value per element
type Vector []float64

func (v Vector) Mean() float64 {
	if len(v) == 0 {
		return math.NaN()
	}
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

// GradFunc adapts a value and a closure into a Differentiable tensor
type GradFunc struct {
	Value float64
	Grad  func(scale float64) error
}

func (g GradFunc) Mean() float64 {
	return g.Value
}

func (g GradFunc) Backward(scale float64) error {
	if g.Grad == nil {
		return nil
	}
	return g.Grad(scale)
}

// IsFinite reports whether x is neither NaN nor infinite
func IsFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
