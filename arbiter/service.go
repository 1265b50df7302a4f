// Package arbiter runs the coordinating role: it drives the orchestrator and
// answers status queries about the job.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/absmach/dpsgd/pkg/accountant"
	"github.com/absmach/dpsgd/pkg/orchestration"
	"github.com/absmach/dpsgd/pkg/orchestration/executor"
)

var ErrNotFinished = errors.New("training has not finished")

// HolderDirectory lists the data holders known to the arbiter.
type HolderDirectory interface {
	Holders() []executor.HolderInfo
}

type Service interface {
	// Run trains to completion and keeps the report for later queries.
	Run(ctx context.Context) (orchestration.Report, error)
	Status(ctx context.Context) (orchestration.Status, error)
	Holders(ctx context.Context) ([]executor.HolderInfo, error)
	Rounds(ctx context.Context, offset, limit uint64) ([]orchestration.RoundRecord, uint64, error)
	Round(ctx context.Context, step uint64) (orchestration.RoundRecord, error)
	Report(ctx context.Context) (orchestration.Report, error)
	// Epsilon evaluates the ledger at an arbitrary delta.
	Epsilon(ctx context.Context, delta float64) (float64, accountant.Ledger, error)
}

type service struct {
	jobID   string
	orch    *orchestration.Orchestrator
	holders HolderDirectory
	store   orchestration.StateStore
	logger  *slog.Logger

	mu     sync.RWMutex
	report *orchestration.Report
}

var _ Service = (*service)(nil)

func NewService(jobID string, orch *orchestration.Orchestrator, holders HolderDirectory, store orchestration.StateStore, logger *slog.Logger) Service {
	return &service{
		jobID:   jobID,
		orch:    orch,
		holders: holders,
		store:   store,
		logger:  logger,
	}
}

func (s *service) Run(ctx context.Context) (orchestration.Report, error) {
	s.logger.InfoContext(ctx, "Arbiter service is running", slog.String("job_id", s.jobID))

	report, err := s.orch.Run(ctx)

	s.mu.Lock()
	s.report = &report
	s.mu.Unlock()

	return report, err
}

func (s *service) Status(ctx context.Context) (orchestration.Status, error) {
	return s.orch.Status(), nil
}

func (s *service) Holders(ctx context.Context) ([]executor.HolderInfo, error) {
	if s.holders == nil {
		return []executor.HolderInfo{}, nil
	}

	return s.holders.Holders(), nil
}

func (s *service) Rounds(ctx context.Context, offset, limit uint64) ([]orchestration.RoundRecord, uint64, error) {
	rounds, total, err := s.store.ListRounds(ctx, s.jobID, offset, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list rounds: %w", err)
	}

	return rounds, total, nil
}

func (s *service) Round(ctx context.Context, step uint64) (orchestration.RoundRecord, error) {
	return s.store.GetRound(ctx, s.jobID, step)
}

func (s *service) Report(ctx context.Context) (orchestration.Report, error) {
	s.mu.RLock()
	report := s.report
	s.mu.RUnlock()
	if report != nil {
		return *report, nil
	}

	r, err := s.store.GetReport(ctx, s.jobID)
	if errors.Is(err, orchestration.ErrReportNotFound) {
		return orchestration.Report{}, ErrNotFinished
	}

	return r, err
}

func (s *service) Epsilon(ctx context.Context, delta float64) (float64, accountant.Ledger, error) {
	acc := s.orch.Accountant()
	eps, err := acc.Epsilon(delta)
	if err != nil {
		return 0, accountant.Ledger{}, err
	}

	return eps, acc.Ledger(), nil
}

// StaticHolders reports in-process data holders as always joined.
type StaticHolders []orchestration.Participant

func (h StaticHolders) Holders() []executor.HolderInfo {
	infos := make([]executor.HolderInfo, 0, len(h))
	for _, p := range h {
		info := executor.HolderInfo{RoleID: p.ID(), Joined: true, Online: true}
		if pi, err := p.Prepare(context.Background()); err == nil {
			info.PartitionSize = pi.Size
			info.NumFeatures = pi.NumFeatures
		}
		infos = append(infos, info)
	}

	return infos
}
