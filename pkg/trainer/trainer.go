// Package trainer runs the data-holder side of a DP-SGD step: per-example
// gradients, clipping, summation and noise.
package trainer

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/absmach/dpsgd/pkg/dataset"
	"github.com/absmach/dpsgd/pkg/dpsgd"
	"github.com/absmach/dpsgd/pkg/fl"
	"github.com/absmach/dpsgd/pkg/model"
)

type LocalTrainer struct {
	roleID  string
	model   model.Model
	clipper dpsgd.Clipper

	// mu serializes access to the injector's RNG.
	mu    sync.Mutex
	noise *dpsgd.NoiseInjector
}

func New(roleID string, m model.Model, clipper dpsgd.Clipper, noise *dpsgd.NoiseInjector) *LocalTrainer {
	return &LocalTrainer{
		roleID:  roleID,
		model:   m,
		clipper: clipper,
		noise:   noise,
	}
}

func (t *LocalTrainer) RoleID() string {
	return t.roleID
}

// RunBatch computes the noised, clipped gradient sum of one batch. params is
// read only.
func (t *LocalTrainer) RunBatch(ctx context.Context, batch dataset.Batch, params []float64) (fl.Contribution, error) {
	if err := ctx.Err(); err != nil {
		return fl.Contribution{}, err
	}

	dim := t.model.NumParams()
	if len(params) != dim {
		return fl.Contribution{}, t.fail(batch.Index, fmt.Errorf("%w: %d params, model expects %d", model.ErrShapeMismatch, len(params), dim))
	}
	if batch.Len() == 0 {
		return fl.Contribution{}, t.fail(batch.Index, fmt.Errorf("%w: empty batch", model.ErrShapeMismatch))
	}

	local := make([]float64, dim)
	copy(local, params)

	grads, err := t.model.Backward(local, batch.Features, batch.Labels)
	if err != nil {
		return fl.Contribution{}, t.fail(batch.Index, err)
	}
	if len(grads) != batch.Len() {
		return fl.Contribution{}, t.fail(batch.Index, fmt.Errorf("%w: %d gradients for %d examples", model.ErrShapeMismatch, len(grads), batch.Len()))
	}
	for i, g := range grads {
		if !finite(g) {
			return fl.Contribution{}, t.fail(batch.Index, fmt.Errorf("%w: example %d", model.ErrNonFinite, i))
		}
	}

	sum, err := t.clipper.ClipSum(grads, dim)
	if err != nil {
		return fl.Contribution{}, t.fail(batch.Index, err)
	}

	t.mu.Lock()
	noised := t.noise.AddNoise(sum)
	t.mu.Unlock()

	return fl.Contribution{
		RoleID:     t.roleID,
		BatchIndex: batch.Index,
		Count:      batch.Len(),
		Sum:        noised,
	}, nil
}

func (t *LocalTrainer) fail(batchIndex int, err error) error {
	return &ModelComputationError{
		RoleID:     t.roleID,
		BatchIndex: batchIndex,
		Err:        err,
	}
}

func finite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}

	return true
}
