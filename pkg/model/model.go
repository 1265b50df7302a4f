// Package model defines the forward/backward collaborator used by DP-SGD and a
// small feed-forward reference implementation.
package model

import "errors"

var (
	ErrShapeMismatch = errors.New("shape mismatch")
	ErrInvalidLabel  = errors.New("invalid label")
	ErrNonFinite     = errors.New("non-finite value in computation")
	ErrInvalidSpec   = errors.New("invalid model specification")
)

// Model is agnostic to architecture; the training core only relies on the
// parameter vector length and per-example gradients.
type Model interface {
	// NumParams is the length of the flat parameter vector.
	NumParams() int

	// Init returns freshly initialized parameters drawn from seed.
	Init(seed uint64) []float64

	// Forward returns one prediction row per example.
	Forward(params []float64, features [][]float64) ([][]float64, error)

	// Backward returns one gradient, aligned with params, per example.
	Backward(params []float64, features [][]float64, labels []float64) ([][]float64, error)
}

type Task string

const (
	Classification Task = "classification"
	Regression     Task = "regression"
)

// Metrics summarizes a model on a labeled set.
type Metrics struct {
	Loss     float64 `json:"loss"`
	Accuracy float64 `json:"accuracy,omitempty"`
}
