package orchestration

import (
	"context"

	"github.com/absmach/dpsgd/pkg/fl"
)

// Participant is the arbiter's handle on one data holder. Implementations
// must not retain or mutate the params carried by a RoundTask.
type Participant interface {
	ID() string

	// Prepare blocks until the holder is reachable and returns its partition.
	Prepare(ctx context.Context) (PartitionInfo, error)

	// RunRound returns the holder's noised gradient sum for task.
	RunRound(ctx context.Context, task RoundTask) (fl.Contribution, error)
}

type StateStore interface {
	// Round operations
	SaveRound(ctx context.Context, round RoundRecord) error
	GetRound(ctx context.Context, jobID string, step uint64) (RoundRecord, error)
	ListRounds(ctx context.Context, jobID string, offset, limit uint64) ([]RoundRecord, uint64, error)

	// Report operations
	SaveReport(ctx context.Context, report Report) error
	GetReport(ctx context.Context, jobID string) (Report, error)
}

type EventEmitter interface {
	// Round events
	EmitRoundStarted(ctx context.Context, round RoundRecord) error
	EmitRoundCompleted(ctx context.Context, round RoundRecord) error
	EmitRoundFailed(ctx context.Context, round RoundRecord, errMsg string) error

	// EmitGlobalGradient broadcasts the aggregated gradient to data holders.
	EmitGlobalGradient(ctx context.Context, g fl.GlobalGradient) error

	// Privacy and lifecycle events
	EmitBudgetExceeded(ctx context.Context, jobID string, epsilon, target float64) error
	EmitHalted(ctx context.Context, report Report) error
}

type noopEmitter struct{}

func (noopEmitter) EmitRoundStarted(context.Context, RoundRecord) error                { return nil }
func (noopEmitter) EmitRoundCompleted(context.Context, RoundRecord) error              { return nil }
func (noopEmitter) EmitRoundFailed(context.Context, RoundRecord, string) error         { return nil }
func (noopEmitter) EmitGlobalGradient(context.Context, fl.GlobalGradient) error        { return nil }
func (noopEmitter) EmitBudgetExceeded(context.Context, string, float64, float64) error { return nil }
func (noopEmitter) EmitHalted(context.Context, Report) error                           { return nil }
