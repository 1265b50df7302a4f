package accountant

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestEpsilonBeforeAnyStep(t *testing.T) {
	acc := New()

	eps, err := acc.Epsilon(1e-3)
	if err != nil {
		t.Fatalf("Epsilon: %v", err)
	}
	if eps != 0 {
		t.Errorf("Epsilon() with no steps = %v, want 0", eps)
	}
}

func TestEpsilonStrictlyIncreasesWithSteps(t *testing.T) {
	cases := []struct {
		desc  string
		q     float64
		sigma float64
		delta float64
		steps int
	}{
		{desc: "moderate noise", q: 0.1, sigma: 1.0, delta: 1e-3, steps: 50},
		// The tightest unfloored bound is negative here.
		{desc: "high noise and large delta", q: 0.01, sigma: 5, delta: 0.5, steps: 5},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			acc := New()
			prev := 0.0

			for step := 1; step <= tc.steps; step++ {
				if err := acc.ObserveStep(tc.q, tc.sigma); err != nil {
					t.Fatalf("ObserveStep(%d): %v", step, err)
				}
				eps, err := acc.Epsilon(tc.delta)
				if err != nil {
					t.Fatalf("Epsilon: %v", err)
				}
				if !(eps > prev) {
					t.Fatalf("step %d: epsilon %v did not increase from %v", step, eps, prev)
				}
				if math.IsInf(eps, 0) || math.IsNaN(eps) {
					t.Fatalf("step %d: epsilon is not finite: %v", step, eps)
				}
				prev = eps
			}

			if got := acc.Ledger().Steps; got != tc.steps {
				t.Errorf("Ledger().Steps = %d, want %d", got, tc.steps)
			}
		})
	}
}

func TestEpsilonFromRDPNeverBelowRDP(t *testing.T) {
	orders := []float64{2, 4, 8}
	rdp := []float64{0.01, 0.02, 0.04}

	eps, order := EpsilonFromRDP(orders, rdp, 0.5)
	if eps != 0.01 || order != 2 {
		t.Errorf("EpsilonFromRDP = (%v, %v), want (0.01, 2)", eps, order)
	}
}

func TestEpsilonNonIncreasingInNoise(t *testing.T) {
	multipliers := []float64{0.6, 0.8, 1.0, 1.5, 3.0}
	prev := math.Inf(1)

	for _, sigma := range multipliers {
		eps, err := ComputeEpsilon(0.05, sigma, 200, 1e-5)
		if err != nil {
			t.Fatalf("ComputeEpsilon(sigma=%v): %v", sigma, err)
		}
		if eps > prev {
			t.Errorf("sigma=%v: epsilon %v is larger than %v at smaller sigma", sigma, eps, prev)
		}
		prev = eps
	}
}

func TestZeroNoiseIsInfinite(t *testing.T) {
	acc := New()
	if err := acc.ObserveStep(0.5, 0); err != nil {
		t.Fatalf("ObserveStep: %v", err)
	}

	eps, err := acc.Epsilon(1e-3)
	if err != nil {
		t.Fatalf("Epsilon: %v", err)
	}
	if !math.IsInf(eps, 1) {
		t.Errorf("Epsilon() = %v, want +Inf", eps)
	}

	remaining, err := acc.RemainingBudget(10, 1e-3)
	if err != nil {
		t.Fatalf("RemainingBudget: %v", err)
	}
	if !math.IsInf(remaining, -1) {
		t.Errorf("RemainingBudget() = %v, want -Inf", remaining)
	}

	exceeded, err := acc.Exceeded(10, 1e-3)
	if err != nil {
		t.Fatalf("Exceeded: %v", err)
	}
	if !exceeded {
		t.Errorf("Exceeded() = false, want true")
	}

	if !acc.Ledger().NonPrivate {
		t.Errorf("ledger should be marked non-private")
	}
}

func TestObserveStepRejectsInvalidArguments(t *testing.T) {
	tests := []struct {
		name    string
		q       float64
		sigma   float64
		wantErr error
	}{
		{name: "zero ratio", q: 0, sigma: 1, wantErr: ErrInvalidSamplingRatio},
		{name: "ratio above one", q: 1.5, sigma: 1, wantErr: ErrInvalidSamplingRatio},
		{name: "NaN ratio", q: math.NaN(), sigma: 1, wantErr: ErrInvalidSamplingRatio},
		{name: "negative noise", q: 0.1, sigma: -1, wantErr: ErrInvalidNoiseMultiplier},
		{name: "infinite noise", q: 0.1, sigma: math.Inf(1), wantErr: ErrInvalidNoiseMultiplier},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc := New()
			err := acc.ObserveStep(tt.q, tt.sigma)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ObserveStep(%v, %v) error = %v, want %v", tt.q, tt.sigma, err, tt.wantErr)
			}
			if acc.Ledger().Steps != 0 {
				t.Errorf("ledger advanced on invalid step")
			}
		})
	}
}

func TestInvalidDeltaAndTarget(t *testing.T) {
	acc := New()
	for _, delta := range []float64{0, 1, -0.1, math.NaN()} {
		if _, err := acc.Epsilon(delta); !errors.Is(err, ErrInvalidDelta) {
			t.Errorf("Epsilon(%v) error = %v, want ErrInvalidDelta", delta, err)
		}
	}
	for _, target := range []float64{0, -1, math.Inf(1)} {
		if _, err := acc.RemainingBudget(target, 1e-3); !errors.Is(err, ErrInvalidTarget) {
			t.Errorf("RemainingBudget(%v) error = %v, want ErrInvalidTarget", target, err)
		}
	}
}

func TestSampledGaussianRDP(t *testing.T) {
	sigma := 1.3

	t.Run("full batch is the plain Gaussian mechanism", func(t *testing.T) {
		got := SampledGaussianRDP(1, sigma, []float64{2, 4, 8.5})
		want := []float64{2 / (2 * sigma * sigma), 4 / (2 * sigma * sigma), 8.5 / (2 * sigma * sigma)}
		if diff := cmp.Diff(want, got, cmpopts.EquateApprox(1e-12, 0)); diff != "" {
			t.Errorf("RDP mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("order two closed form", func(t *testing.T) {
		q := 0.07
		got := SampledGaussianRDP(q, sigma, []float64{2})[0]
		want := math.Log1p(q * q * math.Expm1(1/(sigma*sigma)))
		if math.Abs(got-want) > 1e-12 {
			t.Errorf("RDP(2) = %v, want %v", got, want)
		}
	})

	t.Run("non-decreasing in order", func(t *testing.T) {
		rdp := SampledGaussianRDP(0.1, sigma, DefaultOrders)
		for i := 1; i < len(rdp); i++ {
			if rdp[i] < rdp[i-1]*(1-1e-9) {
				t.Errorf("RDP(%v)=%v < RDP(%v)=%v", DefaultOrders[i], rdp[i], DefaultOrders[i-1], rdp[i-1])
			}
		}
	})

	t.Run("no sampling and no noise", func(t *testing.T) {
		if got := SampledGaussianRDP(0, sigma, []float64{2})[0]; got != 0 {
			t.Errorf("RDP with q=0 = %v, want 0", got)
		}
		if got := SampledGaussianRDP(0.1, 0, []float64{2})[0]; !math.IsInf(got, 1) {
			t.Errorf("RDP with sigma=0 = %v, want +Inf", got)
		}
	})
}

func TestComputeEpsilonMatchesIncrementalAccounting(t *testing.T) {
	const (
		q     = 0.1
		sigma = 1.0
		steps = 37
		delta = 1e-3
	)

	acc := New()
	for range steps {
		if err := acc.ObserveStep(q, sigma); err != nil {
			t.Fatalf("ObserveStep: %v", err)
		}
	}
	incremental, err := acc.Epsilon(delta)
	if err != nil {
		t.Fatalf("Epsilon: %v", err)
	}

	closed, err := ComputeEpsilon(q, sigma, steps, delta)
	if err != nil {
		t.Fatalf("ComputeEpsilon: %v", err)
	}

	if math.Abs(incremental-closed) > 1e-9*closed {
		t.Errorf("incremental epsilon %v != closed form %v", incremental, closed)
	}
}

func TestComputeEpsilonReferenceWorkload(t *testing.T) {
	// 60 epochs over 60000 examples with batches of 256 and sigma 1.1.
	steps := 60 * 60000 / 256
	eps, err := ComputeEpsilon(256.0/60000.0, 1.1, steps, 1e-5)
	if err != nil {
		t.Fatalf("ComputeEpsilon: %v", err)
	}
	if math.Abs(eps-2.5966) > 1e-2 {
		t.Errorf("epsilon = %v, want 2.5966 +/- 1e-2", eps)
	}

	// The classic conversion, rdp + log(1/delta)/(alpha-1), is never tighter.
	orders := defaultOrders()
	rdp := SampledGaussianRDP(256.0/60000.0, 1.1, orders)
	classic := math.Inf(1)
	for i, alpha := range orders {
		classic = math.Min(classic, float64(steps)*rdp[i]+math.Log(1/1e-5)/(alpha-1))
	}
	if !(eps < classic) {
		t.Errorf("epsilon = %v, want below the classic bound %v", eps, classic)
	}
}
