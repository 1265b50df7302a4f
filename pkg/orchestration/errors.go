package orchestration

import "errors"

var (
	ErrInvalidStateTransition   = errors.New("invalid state transition")
	ErrRoundNotFound            = errors.New("round not found")
	ErrReportNotFound           = errors.New("report not found")
	ErrRoundTimeout             = errors.New("round timeout")
	ErrRoundIncomplete          = errors.New("round incomplete: data holders missing")
	ErrInsufficientParticipants = errors.New("insufficient participants")
	ErrInvalidConfig            = errors.New("invalid orchestrator configuration")
	ErrStaleContribution        = errors.New("contribution does not match the round")
)
