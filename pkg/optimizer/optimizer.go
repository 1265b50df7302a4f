// Package optimizer applies aggregated gradients to model parameters.
package optimizer

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

type Kind string

const (
	Adam Kind = "adam"
	SGD  Kind = "sgd"
)

var (
	ErrUnknownKind     = errors.New("unknown optimizer")
	ErrInvalidRate     = errors.New("learning rate must be positive and finite")
	ErrDimensionChange = errors.New("gradient dimension does not match parameters")
)

// Optimizer updates params in place from one gradient. Implementations keep
// per-parameter state and are owned by a single training loop.
type Optimizer interface {
	Step(params, grad []float64) error
}

func New(kind Kind, learningRate float64) (Optimizer, error) {
	if learningRate <= 0 || math.IsNaN(learningRate) || math.IsInf(learningRate, 0) {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidRate, learningRate)
	}

	switch kind {
	case Adam:
		return NewAdam(learningRate, 0.9, 0.999, 1e-8), nil
	case SGD:
		return &sgd{lr: learningRate}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

type sgd struct {
	lr float64
}

func (o *sgd) Step(params, grad []float64) error {
	if len(params) != len(grad) {
		return fmt.Errorf("%w: %d vs %d", ErrDimensionChange, len(grad), len(params))
	}
	floats.AddScaled(params, -o.lr, grad)

	return nil
}

// AdamOptimizer implements Kingma & Ba with bias-corrected moments.
type AdamOptimizer struct {
	lr, beta1, beta2, eps float64

	t int
	m []float64
	v []float64
}

func NewAdam(learningRate, beta1, beta2, eps float64) *AdamOptimizer {
	return &AdamOptimizer{lr: learningRate, beta1: beta1, beta2: beta2, eps: eps}
}

func (o *AdamOptimizer) Step(params, grad []float64) error {
	if len(params) != len(grad) {
		return fmt.Errorf("%w: %d vs %d", ErrDimensionChange, len(grad), len(params))
	}
	if o.m == nil {
		o.m = make([]float64, len(params))
		o.v = make([]float64, len(params))
	}
	if len(o.m) != len(params) {
		return fmt.Errorf("%w: optimizer state has %d entries, params have %d", ErrDimensionChange, len(o.m), len(params))
	}

	o.t++
	c1 := 1 - math.Pow(o.beta1, float64(o.t))
	c2 := 1 - math.Pow(o.beta2, float64(o.t))

	for i, g := range grad {
		o.m[i] = o.beta1*o.m[i] + (1-o.beta1)*g
		o.v[i] = o.beta2*o.v[i] + (1-o.beta2)*g*g
		mHat := o.m[i] / c1
		vHat := o.v[i] / c2
		params[i] -= o.lr * mHat / (math.Sqrt(vHat) + o.eps)
	}

	return nil
}

// Steps is the number of updates applied so far.
func (o *AdamOptimizer) Steps() int {
	return o.t
}
