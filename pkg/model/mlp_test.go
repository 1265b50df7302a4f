package model

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/floats"
)

func TestNewMLP(t *testing.T) {
	tests := []struct {
		name    string
		spec    MLPSpec
		want    int
		wantErr bool
	}{
		{name: "hidden layer", spec: MLPSpec{Inputs: 4, Hidden: 3, Outputs: 2, Task: Classification}, want: 3*4 + 3 + 2*3 + 2},
		{name: "linear softmax", spec: MLPSpec{Inputs: 4, Outputs: 3, Task: Classification}, want: 3*4 + 3},
		{name: "regression forces one output", spec: MLPSpec{Inputs: 2, Hidden: 2, Outputs: 7, Task: Regression}, want: 2*2 + 2 + 2 + 1},
		{name: "no inputs", spec: MLPSpec{Inputs: 0, Outputs: 2, Task: Classification}, wantErr: true},
		{name: "one class", spec: MLPSpec{Inputs: 2, Outputs: 1, Task: Classification}, wantErr: true},
		{name: "unknown task", spec: MLPSpec{Inputs: 2, Outputs: 2, Task: "ranking"}, wantErr: true},
		{name: "negative alpha", spec: MLPSpec{Inputs: 2, Outputs: 2, Task: Classification, Alpha: -1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewMLP(tt.spec)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewMLP() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, ErrInvalidSpec) {
					t.Errorf("expected ErrInvalidSpec, got %v", err)
				}
				return
			}
			if got := m.NumParams(); got != tt.want {
				t.Errorf("NumParams() = %d, want %d", got, tt.want)
			}
			if got := len(m.Init(1)); got != tt.want {
				t.Errorf("len(Init()) = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestForwardProducesProbabilities(t *testing.T) {
	m, err := NewMLP(MLPSpec{Inputs: 3, Hidden: 5, Outputs: 4, Task: Classification})
	if err != nil {
		t.Fatalf("NewMLP: %v", err)
	}

	preds, err := m.Forward(m.Init(3), [][]float64{{1, 2, 3}, {-1, 0, 0.5}})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	for i, p := range preds {
		if math.Abs(floats.Sum(p)-1) > 1e-12 {
			t.Errorf("row %d sums to %v, want 1", i, floats.Sum(p))
		}
	}
}

// lossOf recomputes a single example's penalized loss for finite differences.
func lossOf(t *testing.T, m *MLP, params, x []float64, y float64) float64 {
	t.Helper()

	metrics, err := m.Evaluate(params, [][]float64{x}, []float64{y})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	l := m.view(params)
	penalty := 0.0
	if l.w1 != nil {
		penalty += mat2Sum(l.w1.RawMatrix().Data)
	}
	penalty += mat2Sum(l.w2.RawMatrix().Data)

	return metrics.Loss + 0.5*m.spec.Alpha*penalty
}

func mat2Sum(v []float64) float64 {
	return floats.Dot(v, v)
}

func TestBackwardMatchesFiniteDifferences(t *testing.T) {
	specs := []MLPSpec{
		{Inputs: 3, Hidden: 4, Outputs: 3, Task: Classification, Alpha: 0.01},
		{Inputs: 3, Outputs: 2, Task: Classification},
		{Inputs: 2, Hidden: 3, Task: Regression, Alpha: 0.1},
	}
	x := [][]float64{{0.3, -0.7, 1.1}}
	const h = 1e-6

	for _, spec := range specs {
		m, err := NewMLP(spec)
		if err != nil {
			t.Fatalf("NewMLP: %v", err)
		}
		features := [][]float64{x[0][:spec.Inputs]}
		label := 1.0
		if spec.Task == Regression {
			label = 0.42
		}

		params := m.Init(7)
		grads, err := m.Backward(params, features, []float64{label})
		if err != nil {
			t.Fatalf("Backward: %v", err)
		}

		for i := range params {
			plus := append([]float64(nil), params...)
			minus := append([]float64(nil), params...)
			plus[i] += h
			minus[i] -= h
			numeric := (lossOf(t, m, plus, features[0], label) - lossOf(t, m, minus, features[0], label)) / (2 * h)
			if math.Abs(numeric-grads[0][i]) > 1e-5 {
				t.Errorf("spec %+v param %d: analytic %v, numeric %v", spec, i, grads[0][i], numeric)
			}
		}
	}
}

func TestBackwardErrors(t *testing.T) {
	m, err := NewMLP(MLPSpec{Inputs: 2, Outputs: 2, Task: Classification})
	if err != nil {
		t.Fatalf("NewMLP: %v", err)
	}
	params := m.Init(1)

	if _, err := m.Backward(params[:3], [][]float64{{1, 2}}, []float64{0}); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("short params: expected ErrShapeMismatch, got %v", err)
	}
	if _, err := m.Backward(params, [][]float64{{1, 2, 3}}, []float64{0}); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("wide features: expected ErrShapeMismatch, got %v", err)
	}
	if _, err := m.Backward(params, [][]float64{{1, 2}}, []float64{0, 1}); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("label count: expected ErrShapeMismatch, got %v", err)
	}
	if _, err := m.Backward(params, [][]float64{{1, 2}}, []float64{5}); !errors.Is(err, ErrInvalidLabel) {
		t.Errorf("out of range class: expected ErrInvalidLabel, got %v", err)
	}

	bad := append([]float64(nil), params...)
	bad[0] = math.NaN()
	if _, err := m.Backward(bad, [][]float64{{1, 2}}, []float64{0}); !errors.Is(err, ErrNonFinite) {
		t.Errorf("NaN params: expected ErrNonFinite, got %v", err)
	}
}
