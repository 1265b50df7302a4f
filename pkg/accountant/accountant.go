// Package accountant tracks the privacy loss of DP-SGD training with a
// Rényi-DP (moments) accountant for the subsampled Gaussian mechanism.
package accountant

import (
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/google/differential-privacy/go/v3/checks"
)

// Ledger is a read-only snapshot of the accountant state.
type Ledger struct {
	Steps           int     `json:"steps"`
	SamplingRatio   float64 `json:"sampling_ratio"`
	NoiseMultiplier float64 `json:"noise_multiplier"`
	NonPrivate      bool    `json:"non_private"`
}

type stepKey struct {
	q, sigma float64
}

// Accountant is safe for concurrent reads, but only the training loop should
// call ObserveStep.
type Accountant struct {
	mu     sync.RWMutex
	orders []float64
	rdp    []float64
	ledger Ledger

	lastKey stepKey
	lastRDP []float64
}

func New() *Accountant {
	return NewWithOrders(DefaultOrders)
}

func NewWithOrders(orders []float64) *Accountant {
	return &Accountant{
		orders: slices.Clone(orders),
		rdp:    make([]float64, len(orders)),
	}
}

// ObserveStep composes one more step. Invalid arguments leave the ledger
// untouched.
func (a *Accountant) ObserveStep(samplingRatio, noiseMultiplier float64) error {
	if !(samplingRatio > 0 && samplingRatio <= 1) {
		return fmt.Errorf("%w: got %v", ErrInvalidSamplingRatio, samplingRatio)
	}
	if noiseMultiplier < 0 || math.IsNaN(noiseMultiplier) || math.IsInf(noiseMultiplier, 0) {
		return fmt.Errorf("%w: got %v", ErrInvalidNoiseMultiplier, noiseMultiplier)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.ledger.Steps++
	a.ledger.SamplingRatio = samplingRatio
	a.ledger.NoiseMultiplier = noiseMultiplier

	if noiseMultiplier == 0 {
		a.ledger.NonPrivate = true

		return nil
	}

	key := stepKey{q: samplingRatio, sigma: noiseMultiplier}
	if a.lastRDP == nil || key != a.lastKey {
		a.lastRDP = SampledGaussianRDP(samplingRatio, noiseMultiplier, a.orders)
		a.lastKey = key
	}
	for i := range a.rdp {
		a.rdp[i] += a.lastRDP[i]
	}

	return nil
}

// Epsilon is the privacy loss spent so far at the given delta. It is zero
// before the first step and +Inf once any step ran without noise.
func (a *Accountant) Epsilon(delta float64) (float64, error) {
	if err := checks.CheckDeltaStrict(delta); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidDelta, err)
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	switch {
	case a.ledger.Steps == 0:
		return 0, nil
	case a.ledger.NonPrivate:
		return math.Inf(1), nil
	}

	eps, _ := EpsilonFromRDP(a.orders, a.rdp, delta)

	return eps, nil
}

// RemainingBudget reports target minus spent epsilon. It is informational:
// a negative or -Inf result never stops anything by itself.
func (a *Accountant) RemainingBudget(targetEpsilon, delta float64) (float64, error) {
	if err := checks.CheckEpsilonStrict(targetEpsilon); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	}

	eps, err := a.Epsilon(delta)
	if err != nil {
		return 0, err
	}

	return targetEpsilon - eps, nil
}

// Exceeded reports whether the spent epsilon is above targetEpsilon.
func (a *Accountant) Exceeded(targetEpsilon, delta float64) (bool, error) {
	remaining, err := a.RemainingBudget(targetEpsilon, delta)
	if err != nil {
		return false, err
	}

	return remaining < 0, nil
}

func (a *Accountant) Ledger() Ledger {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return a.ledger
}

// ComputeEpsilon is the closed-form query for a run of identical steps.
func ComputeEpsilon(samplingRatio, noiseMultiplier float64, steps int, delta float64) (float64, error) {
	if steps < 0 {
		return 0, fmt.Errorf("steps must be non-negative, got %d", steps)
	}

	acc := New()
	if steps == 0 {
		return acc.Epsilon(delta)
	}
	if err := acc.ObserveStep(samplingRatio, noiseMultiplier); err != nil {
		return 0, err
	}
	if noiseMultiplier == 0 {
		return acc.Epsilon(delta)
	}

	rdp := make([]float64, len(acc.rdp))
	for i := range rdp {
		rdp[i] = acc.rdp[i] * float64(steps)
	}

	if err := checks.CheckDeltaStrict(delta); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidDelta, err)
	}
	eps, _ := EpsilonFromRDP(acc.orders, rdp, delta)

	return eps, nil
}
