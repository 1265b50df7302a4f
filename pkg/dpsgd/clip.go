// Package dpsgd implements the per-step privacy mechanism of DP-SGD:
// per-example L2 clipping followed by calibrated Gaussian noise on the sum.
package dpsgd

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Clipper rescales per-example gradients so that none exceeds a fixed L2 norm.
type Clipper struct {
	bound float64
}

// NewClipper returns a Clipper for the given bound. A non-positive bound is a
// configuration error and is reported here rather than on every call.
func NewClipper(bound float64) (Clipper, error) {
	if bound <= 0 || math.IsNaN(bound) || math.IsInf(bound, 0) {
		return Clipper{}, fmt.Errorf("%w: got %v", ErrInvalidBound, bound)
	}

	return Clipper{bound: bound}, nil
}

func (c Clipper) Bound() float64 {
	return c.bound
}

// Clip returns g * min(1, bound/||g||) for every gradient, preserving order.
// Inputs are never modified; each output row is a fresh slice.
func (c Clipper) Clip(gradients [][]float64) [][]float64 {
	out := make([][]float64, len(gradients))
	for i, g := range gradients {
		out[i] = c.ClipVector(g)
	}

	return out
}

// ClipVector clips a single gradient. Zero vectors and vectors already within
// the bound are returned as exact copies.
func (c Clipper) ClipVector(g []float64) []float64 {
	out := make([]float64, len(g))
	copy(out, g)

	norm := floats.Norm(out, 2)
	if norm > c.bound {
		floats.Scale(c.bound/norm, out)
	}

	return out
}

// ClipSum clips every gradient and returns their coordinate-wise sum.
// All gradients must share the dimension dim.
func (c Clipper) ClipSum(gradients [][]float64, dim int) ([]float64, error) {
	sum := make([]float64, dim)
	for i, g := range gradients {
		if len(g) != dim {
			return nil, fmt.Errorf("%w: example %d has %d coordinates, want %d", ErrDimensionMismatch, i, len(g), dim)
		}
		floats.Add(sum, c.ClipVector(g))
	}

	return sum, nil
}
