package dpsgd

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// AddNoise returns sum + N(0, (bound*multiplier)^2) drawn independently per
// coordinate from rng. A zero multiplier returns a copy of sum and draws nothing.
func AddNoise(sum []float64, bound, multiplier float64, rng *rand.Rand) []float64 {
	out := make([]float64, len(sum))
	copy(out, sum)

	if multiplier == 0 {
		return out
	}

	noise := distuv.Normal{Mu: 0, Sigma: bound * multiplier, Src: rng}
	for i := range out {
		out[i] += noise.Rand()
	}

	return out
}

// NoiseInjector binds the noise scale to an RNG it owns exclusively.
// It is not safe for concurrent use and must not be shared between roles.
type NoiseInjector struct {
	bound      float64
	multiplier float64
	rng        *rand.Rand
}

// NewNoiseInjector seeds a PCG source from (seed, stream). Distinct roles must
// use distinct streams so their noise is never correlated.
func NewNoiseInjector(bound, multiplier float64, seed, stream uint64) (*NoiseInjector, error) {
	if bound <= 0 || math.IsNaN(bound) || math.IsInf(bound, 0) {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidBound, bound)
	}
	if multiplier < 0 || math.IsNaN(multiplier) || math.IsInf(multiplier, 0) {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidMultiplier, multiplier)
	}

	return &NoiseInjector{
		bound:      bound,
		multiplier: multiplier,
		rng:        rand.New(rand.NewPCG(seed, stream)),
	}, nil
}

func (n *NoiseInjector) Multiplier() float64 {
	return n.multiplier
}

// StdDev is the per-coordinate standard deviation of the injected noise.
func (n *NoiseInjector) StdDev() float64 {
	return n.bound * n.multiplier
}

func (n *NoiseInjector) AddNoise(sum []float64) []float64 {
	return AddNoise(sum, n.bound, n.multiplier, n.rng)
}
