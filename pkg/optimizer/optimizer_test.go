package optimizer

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		kind    Kind
		lr      float64
		wantErr error
	}{
		{name: "adam", kind: Adam, lr: 0.01},
		{name: "sgd", kind: SGD, lr: 0.1},
		{name: "unknown kind", kind: "rmsprop", lr: 0.1, wantErr: ErrUnknownKind},
		{name: "zero rate", kind: Adam, lr: 0, wantErr: ErrInvalidRate},
		{name: "NaN rate", kind: SGD, lr: math.NaN(), wantErr: ErrInvalidRate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.kind, tt.lr)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("New(%q, %v) error = %v, want %v", tt.kind, tt.lr, err, tt.wantErr)
			}
		})
	}
}

func TestSGDStep(t *testing.T) {
	opt, err := New(SGD, 0.5)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	params := []float64{1, 2}
	if err := opt.Step(params, []float64{2, -4}); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if diff := cmp.Diff([]float64{0, 4}, params); diff != "" {
		t.Errorf("params mismatch (-want +got):\n%s", diff)
	}
	if err := opt.Step(params, []float64{1}); !errors.Is(err, ErrDimensionChange) {
		t.Errorf("expected ErrDimensionChange, got %v", err)
	}
}

func TestAdamFirstStepMovesByLearningRate(t *testing.T) {
	opt := NewAdam(0.01, 0.9, 0.999, 1e-8)

	params := []float64{1, 1, 1}
	if err := opt.Step(params, []float64{3, -0.5, 0}); err != nil {
		t.Fatalf("Step: %v", err)
	}

	// bias correction makes the first step lr * sign(g)
	want := []float64{0.99, 1.01, 1}
	if diff := cmp.Diff(want, params, cmpopts.EquateApprox(0, 1e-6)); diff != "" {
		t.Errorf("params mismatch (-want +got):\n%s", diff)
	}
	if opt.Steps() != 1 {
		t.Errorf("Steps() = %d, want 1", opt.Steps())
	}
}

func TestAdamMinimizesQuadratic(t *testing.T) {
	opt := NewAdam(0.1, 0.9, 0.999, 1e-8)
	params := []float64{5, -3}

	for range 500 {
		grad := []float64{2 * (params[0] - 1), 2 * (params[1] + 2)}
		if err := opt.Step(params, grad); err != nil {
			t.Fatalf("Step: %v", err)
		}
	}

	if diff := cmp.Diff([]float64{1, -2}, params, cmpopts.EquateApprox(0, 5e-2)); diff != "" {
		t.Errorf("Adam did not converge (-want +got):\n%s", diff)
	}
}
