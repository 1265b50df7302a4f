package store

import (
	"context"
	"slices"
	"sync"

	"github.com/absmach/dpsgd/pkg/orchestration"
)

type MemoryStateStore struct {
	mu      sync.RWMutex
	rounds  map[string]map[uint64]orchestration.RoundRecord
	reports map[string]orchestration.Report
}

func NewMemoryStateStore() orchestration.StateStore {
	return &MemoryStateStore{
		rounds:  make(map[string]map[uint64]orchestration.RoundRecord),
		reports: make(map[string]orchestration.Report),
	}
}

func (s *MemoryStateStore) SaveRound(ctx context.Context, r orchestration.RoundRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byStep, ok := s.rounds[r.JobID]
	if !ok {
		byStep = make(map[uint64]orchestration.RoundRecord)
		s.rounds[r.JobID] = byStep
	}
	byStep[r.Step] = r

	return nil
}

func (s *MemoryStateStore) GetRound(ctx context.Context, jobID string, step uint64) (orchestration.RoundRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rounds[jobID][step]
	if !ok {
		return orchestration.RoundRecord{}, orchestration.ErrRoundNotFound
	}

	return r, nil
}

func (s *MemoryStateStore) ListRounds(ctx context.Context, jobID string, offset, limit uint64) ([]orchestration.RoundRecord, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byStep := s.rounds[jobID]
	steps := make([]uint64, 0, len(byStep))
	for step := range byStep {
		steps = append(steps, step)
	}
	slices.Sort(steps)

	total := uint64(len(steps))
	if offset >= total {
		return []orchestration.RoundRecord{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}

	rounds := make([]orchestration.RoundRecord, 0, end-offset)
	for _, step := range steps[offset:end] {
		rounds = append(rounds, byStep[step])
	}

	return rounds, total, nil
}

func (s *MemoryStateStore) SaveReport(ctx context.Context, r orchestration.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r.Params = slices.Clone(r.Params)
	s.reports[r.JobID] = r

	return nil
}

func (s *MemoryStateStore) GetReport(ctx context.Context, jobID string) (orchestration.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reports[jobID]
	if !ok {
		return orchestration.Report{}, orchestration.ErrReportNotFound
	}

	return r, nil
}
