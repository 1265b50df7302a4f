package store

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/absmach/dpsgd/pkg/orchestration"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func newStores(t *testing.T) map[string]orchestration.StateStore {
	t.Helper()

	sqlite, err := NewSQLiteStateStore(filepath.Join(t.TempDir(), "rounds.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStateStore: %v", err)
	}
	t.Cleanup(func() {
		if err := sqlite.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})

	return map[string]orchestration.StateStore{
		"memory": NewMemoryStateStore(),
		"sqlite": sqlite,
	}
}

var ignoreTimes = cmpopts.IgnoreFields(orchestration.RoundRecord{}, "StartTime", "EndTime")

func TestRoundHistory(t *testing.T) {
	ctx := context.Background()

	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			for step := uint64(0); step < 5; step++ {
				rec := orchestration.RoundRecord{
					ID:            "round",
					JobID:         "job-a",
					Step:          step,
					Status:        orchestration.RoundStatusCompleted,
					Contributors:  []string{"guest", "host"},
					Counts:        map[string]int{"guest": 50, "host": 50},
					TotalCount:    100,
					SamplingRatio: 0.1,
					Epsilon:       float64(step) / 10,
					StartTime:     time.Now(),
					EndTime:       time.Now(),
				}
				if err := s.SaveRound(ctx, rec); err != nil {
					t.Fatalf("SaveRound: %v", err)
				}
			}
			other := orchestration.RoundRecord{JobID: "job-b", Step: 0, Status: orchestration.RoundStatusFailed, Error: "boom"}
			if err := s.SaveRound(ctx, other); err != nil {
				t.Fatalf("SaveRound: %v", err)
			}

			got, err := s.GetRound(ctx, "job-a", 3)
			if err != nil {
				t.Fatalf("GetRound: %v", err)
			}
			if got.Step != 3 || got.Epsilon != 0.3 || got.Counts["host"] != 50 {
				t.Errorf("GetRound = %+v", got)
			}

			if _, err := s.GetRound(ctx, "job-a", 99); !errors.Is(err, orchestration.ErrRoundNotFound) {
				t.Errorf("GetRound missing error = %v, want %v", err, orchestration.ErrRoundNotFound)
			}

			cases := []struct {
				desc   string
				offset uint64
				limit  uint64
				steps  []uint64
			}{
				{desc: "all", offset: 0, limit: 0, steps: []uint64{0, 1, 2, 3, 4}},
				{desc: "page", offset: 1, limit: 2, steps: []uint64{1, 2}},
				{desc: "tail", offset: 3, limit: 10, steps: []uint64{3, 4}},
				{desc: "past end", offset: 10, limit: 2, steps: []uint64{}},
			}
			for _, tc := range cases {
				rounds, total, err := s.ListRounds(ctx, "job-a", tc.offset, tc.limit)
				if err != nil {
					t.Fatalf("%s: ListRounds: %v", tc.desc, err)
				}
				if total != 5 {
					t.Errorf("%s: total = %d, want 5", tc.desc, total)
				}
				steps := make([]uint64, len(rounds))
				for i, r := range rounds {
					steps[i] = r.Step
				}
				if diff := cmp.Diff(tc.steps, steps); diff != "" {
					t.Errorf("%s: steps mismatch (-want +got):\n%s", tc.desc, diff)
				}
			}
		})
	}
}

func TestRoundOverwrite(t *testing.T) {
	ctx := context.Background()

	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			running := orchestration.RoundRecord{JobID: "job", Step: 1, Status: orchestration.RoundStatusRunning}
			done := orchestration.RoundRecord{JobID: "job", Step: 1, Status: orchestration.RoundStatusCompleted, Epsilon: math.Inf(1)}

			if err := s.SaveRound(ctx, running); err != nil {
				t.Fatalf("SaveRound: %v", err)
			}
			if err := s.SaveRound(ctx, done); err != nil {
				t.Fatalf("SaveRound: %v", err)
			}

			got, err := s.GetRound(ctx, "job", 1)
			if err != nil {
				t.Fatalf("GetRound: %v", err)
			}
			if diff := cmp.Diff(done, got, ignoreTimes, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("round mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReports(t *testing.T) {
	ctx := context.Background()

	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.GetReport(ctx, "job"); !errors.Is(err, orchestration.ErrReportNotFound) {
				t.Fatalf("GetReport error = %v, want %v", err, orchestration.ErrReportNotFound)
			}

			report := orchestration.Report{
				JobID:         "job",
				Params:        []float64{0.5, -1},
				Epsilon:       1.25,
				Delta:         1e-3,
				Steps:         20,
				TotalSteps:    20,
				Participation: map[string]int{"host": 20, "guest": 20},
				State:         orchestration.StateHalted,
				Reason:        orchestration.ReasonCompleted,
				FinishedAt:    time.Now(),
				Err:           errors.New("not persisted"),
			}
			if err := s.SaveReport(ctx, report); err != nil {
				t.Fatalf("SaveReport: %v", err)
			}

			got, err := s.GetReport(ctx, "job")
			if err != nil {
				t.Fatalf("GetReport: %v", err)
			}
			if diff := cmp.Diff(report, got, cmpopts.IgnoreFields(orchestration.Report{}, "FinishedAt", "Err")); diff != "" {
				t.Errorf("report mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSQLiteReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")

	s, err := NewSQLiteStateStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStateStore: %v", err)
	}
	if err := s.SaveRound(ctx, orchestration.RoundRecord{JobID: "job", Step: 7, Status: orchestration.RoundStatusCompleted}); err != nil {
		t.Fatalf("SaveRound: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.SaveRound(ctx, orchestration.RoundRecord{JobID: "job", Step: 8}); err == nil {
		t.Error("expected error after Close")
	}

	s, err = NewSQLiteStateStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStateStore: %v", err)
	}
	defer s.Close()

	if _, err := s.GetRound(ctx, "job", 7); err != nil {
		t.Errorf("GetRound after reopen: %v", err)
	}
}
