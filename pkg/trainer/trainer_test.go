package trainer

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/absmach/dpsgd/pkg/dataset"
	"github.com/absmach/dpsgd/pkg/dpsgd"
	"github.com/absmach/dpsgd/pkg/model"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// fakeModel returns the feature rows themselves as per-example gradients.
type fakeModel struct {
	dim     int
	err     error
	mutate  bool
	dropOne bool
}

func (m *fakeModel) NumParams() int { return m.dim }

func (m *fakeModel) Init(uint64) []float64 { return make([]float64, m.dim) }

func (m *fakeModel) Forward(params []float64, features [][]float64) ([][]float64, error) {
	return features, m.err
}

func (m *fakeModel) Backward(params []float64, features [][]float64, labels []float64) ([][]float64, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.mutate {
		params[0] = 99
	}
	grads := make([][]float64, len(features))
	for i, f := range features {
		grads[i] = append([]float64(nil), f...)
	}
	if m.dropOne {
		grads = grads[1:]
	}

	return grads, nil
}

func newTrainer(t *testing.T, m model.Model, bound, multiplier float64) *LocalTrainer {
	t.Helper()

	clipper, err := dpsgd.NewClipper(bound)
	if err != nil {
		t.Fatalf("NewClipper: %v", err)
	}
	noise, err := dpsgd.NewNoiseInjector(bound, multiplier, 1, 2)
	if err != nil {
		t.Fatalf("NewNoiseInjector: %v", err)
	}

	return New("host", m, clipper, noise)
}

func TestRunBatchClipsAndSums(t *testing.T) {
	tr := newTrainer(t, &fakeModel{dim: 2}, 1.0, 0)
	batch := dataset.Batch{
		Index:    4,
		Features: [][]float64{{3, 4}, {0.3, 0.4}, {0, 0}},
		Labels:   []float64{0, 1, 0},
	}

	got, err := tr.RunBatch(context.Background(), batch, []float64{0, 0})
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	// {3,4} clips to {0.6,0.8}; the rest are within the bound.
	want := []float64{0.9, 1.2}
	if diff := cmp.Diff(want, got.Sum, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("sum mismatch (-want +got):\n%s", diff)
	}
	if got.Count != 3 {
		t.Errorf("Count = %d, want 3", got.Count)
	}
	if got.RoleID != "host" || got.BatchIndex != 4 {
		t.Errorf("got role %q batch %d, want host 4", got.RoleID, got.BatchIndex)
	}
}

func TestRunBatchDoesNotMutateParams(t *testing.T) {
	tr := newTrainer(t, &fakeModel{dim: 2, mutate: true}, 1.0, 1.0)
	params := []float64{1, 2}
	batch := dataset.Batch{Features: [][]float64{{1, 1}}, Labels: []float64{0}}

	if _, err := tr.RunBatch(context.Background(), batch, params); err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if diff := cmp.Diff([]float64{1, 2}, params); diff != "" {
		t.Errorf("params mutated (-want +got):\n%s", diff)
	}
}

func TestRunBatchNoiseIsReproducible(t *testing.T) {
	batch := dataset.Batch{Features: [][]float64{{0.1, 0.2}}, Labels: []float64{0}}

	a, err := newTrainer(t, &fakeModel{dim: 2}, 1.0, 1.0).RunBatch(context.Background(), batch, []float64{0, 0})
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	b, err := newTrainer(t, &fakeModel{dim: 2}, 1.0, 1.0).RunBatch(context.Background(), batch, []float64{0, 0})
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if diff := cmp.Diff(a.Sum, b.Sum); diff != "" {
		t.Errorf("same seed produced different noise:\n%s", diff)
	}
	if a.Sum[0] == 0.1 && a.Sum[1] == 0.2 {
		t.Error("noise was not applied")
	}
}

func TestRunBatchModelErrors(t *testing.T) {
	errBoom := errors.New("diverged")

	cases := []struct {
		desc   string
		model  *fakeModel
		params []float64
		batch  dataset.Batch
		err    error
	}{
		{
			desc:   "collaborator failure",
			model:  &fakeModel{dim: 2, err: errBoom},
			params: []float64{0, 0},
			batch:  dataset.Batch{Index: 2, Features: [][]float64{{1, 1}}, Labels: []float64{0}},
			err:    errBoom,
		},
		{
			desc:   "param shape mismatch",
			model:  &fakeModel{dim: 2},
			params: []float64{0},
			batch:  dataset.Batch{Index: 2, Features: [][]float64{{1, 1}}, Labels: []float64{0}},
			err:    model.ErrShapeMismatch,
		},
		{
			desc:   "missing gradient",
			model:  &fakeModel{dim: 2, dropOne: true},
			params: []float64{0, 0},
			batch:  dataset.Batch{Index: 2, Features: [][]float64{{1, 1}, {1, 0}}, Labels: []float64{0, 1}},
			err:    model.ErrShapeMismatch,
		},
		{
			desc:   "gradient dimension mismatch",
			model:  &fakeModel{dim: 2},
			params: []float64{0, 0},
			batch:  dataset.Batch{Index: 2, Features: [][]float64{{1, 1, 1}}, Labels: []float64{0}},
			err:    dpsgd.ErrDimensionMismatch,
		},
		{
			desc:   "non-finite gradient",
			model:  &fakeModel{dim: 2},
			params: []float64{0, 0},
			batch:  dataset.Batch{Index: 2, Features: [][]float64{{math.NaN(), 1}}, Labels: []float64{0}},
			err:    model.ErrNonFinite,
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			tr := newTrainer(t, tc.model, 1.0, 0)
			_, err := tr.RunBatch(context.Background(), tc.batch, tc.params)

			var mce *ModelComputationError
			if !errors.As(err, &mce) {
				t.Fatalf("error = %v, want *ModelComputationError", err)
			}
			if mce.RoleID != "host" || mce.BatchIndex != 2 {
				t.Errorf("got role %q batch %d, want host 2", mce.RoleID, mce.BatchIndex)
			}
			if !errors.Is(err, tc.err) {
				t.Errorf("error = %v, want wrapped %v", err, tc.err)
			}
		})
	}
}

func TestRunBatchCancelled(t *testing.T) {
	tr := newTrainer(t, &fakeModel{dim: 1}, 1.0, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tr.RunBatch(ctx, dataset.Batch{Features: [][]float64{{1}}, Labels: []float64{0}}, []float64{0})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want %v", err, context.Canceled)
	}
}
