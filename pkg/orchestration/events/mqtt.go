package events

import (
	"context"
	"time"

	"github.com/absmach/dpsgd/pkg/fl"
	"github.com/absmach/dpsgd/pkg/mqtt"
	"github.com/absmach/dpsgd/pkg/orchestration"
)

type Type string

const (
	RoundStarted   Type = "round.started"
	RoundCompleted Type = "round.completed"
	RoundFailed    Type = "round.failed"
	BudgetExceeded Type = "budget.exceeded"
	Halted         Type = "job.halted"
)

// Event is published on the job's events topic.
type Event struct {
	Type          Type                       `json:"type"`
	JobID         string                     `json:"job_id"`
	Step          uint64                     `json:"step"`
	Time          time.Time                  `json:"time"`
	Round         *orchestration.RoundRecord `json:"round,omitempty"`
	Report        *orchestration.Report      `json:"report,omitempty"`
	Epsilon       float64                    `json:"epsilon,omitempty"`
	TargetEpsilon float64                    `json:"target_epsilon,omitempty"`
	Error         string                     `json:"error,omitempty"`
}

type MQTTEventEmitter struct {
	pubsub mqtt.PubSub
	topics *orchestration.TopicBuilder
	codec  *fl.Codec
}

func NewMQTTEventEmitter(pubsub mqtt.PubSub, topics *orchestration.TopicBuilder, codec *fl.Codec) orchestration.EventEmitter {
	return &MQTTEventEmitter{
		pubsub: pubsub,
		topics: topics,
		codec:  codec,
	}
}

func (e *MQTTEventEmitter) EmitRoundStarted(ctx context.Context, round orchestration.RoundRecord) error {
	return e.publishEvent(ctx, Event{
		Type:  RoundStarted,
		JobID: round.JobID,
		Step:  round.Step,
		Round: &round,
	})
}

func (e *MQTTEventEmitter) EmitRoundCompleted(ctx context.Context, round orchestration.RoundRecord) error {
	return e.publishEvent(ctx, Event{
		Type:    RoundCompleted,
		JobID:   round.JobID,
		Step:    round.Step,
		Round:   &round,
		Epsilon: round.Epsilon,
	})
}

func (e *MQTTEventEmitter) EmitRoundFailed(ctx context.Context, round orchestration.RoundRecord, errMsg string) error {
	return e.publishEvent(ctx, Event{
		Type:  RoundFailed,
		JobID: round.JobID,
		Step:  round.Step,
		Round: &round,
		Error: errMsg,
	})
}

func (e *MQTTEventEmitter) EmitGlobalGradient(ctx context.Context, g fl.GlobalGradient) error {
	payload, err := e.codec.Marshal(g)
	if err != nil {
		return err
	}

	return e.pubsub.Publish(ctx, e.topics.GlobalTopic(), payload)
}

func (e *MQTTEventEmitter) EmitBudgetExceeded(ctx context.Context, jobID string, epsilon, target float64) error {
	return e.publishEvent(ctx, Event{
		Type:          BudgetExceeded,
		JobID:         jobID,
		Epsilon:       epsilon,
		TargetEpsilon: target,
	})
}

func (e *MQTTEventEmitter) EmitHalted(ctx context.Context, report orchestration.Report) error {
	return e.publishEvent(ctx, Event{
		Type:    Halted,
		JobID:   report.JobID,
		Step:    report.Steps,
		Report:  &report,
		Epsilon: report.Epsilon,
		Error:   report.Error,
	})
}

func (e *MQTTEventEmitter) publishEvent(ctx context.Context, ev Event) error {
	ev.Time = time.Now()

	payload, err := e.codec.Marshal(ev)
	if err != nil {
		return err
	}

	return e.pubsub.Publish(ctx, e.topics.EventsTopic(), payload)
}
