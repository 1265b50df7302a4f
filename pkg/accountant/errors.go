package accountant

import "errors"

var (
	ErrInvalidSamplingRatio   = errors.New("sampling ratio must be in (0, 1]")
	ErrInvalidNoiseMultiplier = errors.New("noise multiplier must be non-negative and finite")
	ErrInvalidDelta           = errors.New("invalid delta")
	ErrInvalidTarget          = errors.New("invalid target epsilon")
	ErrPrivacyBudgetExceeded  = errors.New("privacy budget exceeded")
)
