package fl

import "errors"

var (
	// ErrEmptyRound means no data holder contributed to a round.
	ErrEmptyRound        = errors.New("empty round: no contributions to aggregate")
	ErrMissingCount      = errors.New("contribution has no example count")
	ErrInvalidCount      = errors.New("example count must be positive")
	ErrDimensionMismatch = errors.New("mismatched gradient dimensions")
	ErrDuplicateRole     = errors.New("duplicate contribution from role")
)
