package dpsgd

import "errors"

var (
	ErrInvalidBound      = errors.New("clip bound must be positive and finite")
	ErrInvalidMultiplier = errors.New("noise multiplier must be non-negative and finite")
	ErrDimensionMismatch = errors.New("gradient dimensions do not match")
)
