package orchestration_test

import (
	"context"
	"errors"
	"testing"

	"github.com/absmach/dpsgd/pkg/dataset"
	"github.com/absmach/dpsgd/pkg/dpsgd"
	"github.com/absmach/dpsgd/pkg/orchestration"
	"github.com/absmach/dpsgd/pkg/trainer"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestLocalParticipantPrepare(t *testing.T) {
	p := localHolder(t, "host", repeat([]float64{1, 0}, 7), 3)

	info, err := p.Prepare(context.Background())
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	want := orchestration.PartitionInfo{RoleID: "host", Size: 7, NumFeatures: 2}
	if diff := cmp.Diff(want, info); diff != "" {
		t.Errorf("partition info mismatch (-want +got):\n%s", diff)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Prepare(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Prepare on cancelled context: %v", err)
	}
}

func TestLocalParticipantWrapsBatches(t *testing.T) {
	rows := [][]float64{{1, 0}, {1, 0}, {1, 0}, {0, 1}}
	p := localHolder(t, "guest", rows, 3)

	sums := make([][]float64, 3)
	counts := []int{3, 1, 3}
	for step, count := range counts {
		task := orchestration.RoundTask{JobID: "job", Step: 9, StepInEpoch: step, Params: []float64{0, 0}}
		c, err := p.RunRound(context.Background(), task)
		if err != nil {
			t.Fatalf("RunRound(%d): %v", step, err)
		}
		if c.Count != count || c.Step != 9 || c.JobID != "job" || c.PartitionSize != 4 || c.RoleID != "guest" {
			t.Errorf("RunRound(%d) = %+v", step, c)
		}
		sums[step] = c.Sum
	}

	// The first two batches cover the partition once.
	total := []float64{sums[0][0] + sums[1][0], sums[0][1] + sums[1][1]}
	if diff := cmp.Diff([]float64{3, 1}, total); diff != "" {
		t.Errorf("epoch sum mismatch (-want +got):\n%s", diff)
	}
	// A third step wraps to the first batch of the same ordering.
	if diff := cmp.Diff(sums[0], sums[2]); diff != "" {
		t.Errorf("wrapped batch mismatch (-want +got):\n%s", diff)
	}
}

func TestLocalParticipantReshufflesEachEpoch(t *testing.T) {
	rows := make([][]float64, 100)
	for i := range rows {
		rows[i] = []float64{float64(i) / 100, 0}
	}
	p := localHolder(t, "host", rows, 50)

	run := func(epoch, step int) []float64 {
		task := orchestration.RoundTask{JobID: "job", Epoch: epoch, StepInEpoch: step, Params: []float64{0, 0}}
		c, err := p.RunRound(context.Background(), task)
		if err != nil {
			t.Fatalf("RunRound(epoch %d, step %d): %v", epoch, step, err)
		}
		if c.Count != 50 {
			t.Fatalf("RunRound(epoch %d, step %d) count = %d, want 50", epoch, step, c.Count)
		}

		return c.Sum
	}

	first := run(0, 0)
	second := run(1, 0)
	if cmp.Equal(first, second) {
		t.Errorf("epochs 0 and 1 drew the same first batch: %v", first)
	}

	// Within an epoch the batches still partition the rows.
	rest := run(1, 1)
	if diff := cmp.Diff(49.5, second[0]+rest[0], cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("epoch 1 sum mismatch (-want +got):\n%s", diff)
	}

	// Revisiting an epoch reproduces its ordering.
	if diff := cmp.Diff(first, run(0, 0)); diff != "" {
		t.Errorf("epoch 0 ordering changed (-want +got):\n%s", diff)
	}
}

func TestLocalParticipantShapeMismatch(t *testing.T) {
	p := localHolder(t, "host", repeat([]float64{1, 0}, 4), 2)

	_, err := p.RunRound(context.Background(), orchestration.RoundTask{Params: []float64{0}})
	var mce *trainer.ModelComputationError
	if !errors.As(err, &mce) {
		t.Fatalf("RunRound error = %v, want ModelComputationError", err)
	}
}

func TestNewLocalParticipant(t *testing.T) {
	clipper, _ := dpsgd.NewClipper(1)
	noise, _ := dpsgd.NewNoiseInjector(1, 0, 1, 1)
	tr := trainer.New("host", linearModel{dim: 2}, clipper, noise)
	data, err := dataset.New([]string{"a", "b"}, repeat([]float64{1, 1}, 3), make([]float64, 3))
	if err != nil {
		t.Fatalf("dataset.New: %v", err)
	}

	if _, err := orchestration.NewLocalParticipant(tr, data, 0, 1); !errors.Is(err, dataset.ErrInvalidBatch) {
		t.Errorf("batch 0: got %v, want ErrInvalidBatch", err)
	}
	empty, err := dataset.New([]string{"a", "b"}, nil, nil)
	if err != nil {
		t.Fatalf("dataset.New: %v", err)
	}
	if _, err := orchestration.NewLocalParticipant(tr, empty, 1, 1); !errors.Is(err, dataset.ErrEmpty) {
		t.Errorf("empty dataset: got %v, want ErrEmpty", err)
	}
}
