package orchestration

import (
	"time"

	"github.com/absmach/dpsgd/pkg/fl"
)

type State string

const (
	StateInit             State = "INIT"
	StateRoundRunning     State = "ROUND_RUNNING"
	StateRoundAggregating State = "ROUND_AGGREGATING"
	StateParamUpdating    State = "PARAM_UPDATING"
	StateBudgetCheck      State = "BUDGET_CHECK"
	StateHalted           State = "HALTED"
)

// Reasons a job reaches HALTED.
const (
	ReasonCompleted      = "completed"
	ReasonBudgetExceeded = "budget_exceeded"
	ReasonFailed         = "failed"
	ReasonCancelled      = "cancelled"
)

type BudgetPolicy string

const (
	// BudgetContinue reports an exceeded budget but keeps training.
	BudgetContinue BudgetPolicy = "continue"
	// BudgetHalt stops training at the first step past the target.
	BudgetHalt BudgetPolicy = "halt"
)

type RoundTask = fl.RoundTask

// PartitionInfo is what a data holder reports before training starts.
type PartitionInfo struct {
	RoleID      string `json:"role_id"`
	Size        int    `json:"size"`
	NumFeatures int    `json:"num_features"`
}

type RoundStatus string

const (
	RoundStatusRunning   RoundStatus = "Running"
	RoundStatusCompleted RoundStatus = "Completed"
	RoundStatusFailed    RoundStatus = "Failed"
)

// RoundRecord is the persisted history of one step.
type RoundRecord struct {
	ID             string         `json:"id"`
	JobID          string         `json:"job_id"`
	Step           uint64         `json:"step"`
	Epoch          int            `json:"epoch"`
	StepInEpoch    int            `json:"step_in_epoch"`
	Status         RoundStatus    `json:"status"`
	Contributors   []string       `json:"contributors"`
	Missing        []string       `json:"missing,omitempty"`
	Counts         map[string]int `json:"counts"`
	TotalCount     int            `json:"total_count"`
	SamplingRatio  float64        `json:"sampling_ratio"`
	GradientNorm   float64        `json:"gradient_norm"`
	Epsilon        float64        `json:"epsilon"`
	BudgetExceeded bool           `json:"budget_exceeded"`
	StartTime      time.Time      `json:"start_time"`
	EndTime        time.Time      `json:"end_time"`
	Error          string         `json:"error,omitempty"`
}

// Report is produced once the orchestrator reaches HALTED.
type Report struct {
	JobID          string         `json:"job_id"`
	Params         []float64      `json:"params"`
	Epsilon        float64        `json:"epsilon"`
	Delta          float64        `json:"delta"`
	Steps          uint64         `json:"steps"`
	TotalSteps     uint64         `json:"total_steps"`
	Participation  map[string]int `json:"participation"`
	State          State          `json:"state"`
	Reason         string         `json:"reason"`
	BudgetExceeded bool           `json:"budget_exceeded"`
	Error          string         `json:"error,omitempty"`
	FinishedAt     time.Time      `json:"finished_at"`
	Err            error          `json:"-" cbor:"-"`
}

// Status is a point-in-time view of a running job.
type Status struct {
	JobID          string    `json:"job_id"`
	State          State     `json:"state"`
	Step           uint64    `json:"step"`
	TotalSteps     uint64    `json:"total_steps"`
	Epsilon        float64   `json:"epsilon"`
	Delta          float64   `json:"delta"`
	TargetEpsilon  float64   `json:"target_epsilon,omitempty"`
	BudgetExceeded bool      `json:"budget_exceeded"`
	Holders        []string  `json:"holders"`
	UpdatedAt      time.Time `json:"updated_at"`
}
