package model

import "github.com/starford/diffit/internal/paramid"

// Buffers receives auxiliary arrays produced by a forward calculation.
type Buffers struct {
	// Calculated maps experiment name to the calculated pattern on the measured grid.
	Calculated map[string][]float64
}

// NewBuffers returns empty buffers.
func NewBuffers() *Buffers {
	return &Buffers{Calculated: make(map[string][]float64)}
}

// Evaluation is the scalar outcome of one forward calculation.
type Evaluation struct {
	ChiSquare float64
	Points    int
	// Paths lists every parameter slot the calculation read.
	Paths []paramid.Path
}

// Reduced returns ChiSquare / Points, or 0 when there are no points.
func (e Evaluation) Reduced() float64 {
	if e.Points == 0 {
		return 0
	}
	return e.ChiSquare / float64(e.Points)
}

// Calculator evaluates the model held in a Dictionary.
//
// When usePrecomputed is true the implementation may reuse intermediate
// results from earlier calls; a call with usePrecomputed false must compute
// everything from scratch.
type Calculator interface {
	Calculate(d *Dictionary, out *Buffers, usePrecomputed bool) (Evaluation, error)
}

// CalculatorFunc adapts a function to Calculator.
type CalculatorFunc func(d *Dictionary, out *Buffers, usePrecomputed bool) (Evaluation, error)

// Calculate implements Calculator.
func (f CalculatorFunc) Calculate(d *Dictionary, out *Buffers, usePrecomputed bool) (Evaluation, error) {
	return f(d, out, usePrecomputed)
}
