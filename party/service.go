// Package party runs a data holder (host or guest) that trains on its local
// partition when the arbiter asks for a round.
package party

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/0x6flab/namegenerator"
	"github.com/absmach/dpsgd/pkg/fl"
	"github.com/absmach/dpsgd/pkg/metrics"
	pkgmqtt "github.com/absmach/dpsgd/pkg/mqtt"
	"github.com/absmach/dpsgd/pkg/orchestration"
	"github.com/absmach/dpsgd/pkg/orchestration/events"
	"github.com/absmach/dpsgd/pkg/trainer"
)

const defaultLivelinessInterval = 10 * time.Second

var (
	errEmptyRoleID = errors.New("empty role ID")
	namegen        = namegenerator.NewGenerator()
)

type Config struct {
	JobID      string
	RoleID     string
	InstanceID string
	// LivelinessInterval is how often the join announcement is repeated.
	LivelinessInterval time.Duration
}

type Service struct {
	cfg         Config
	participant *orchestration.LocalParticipant
	pubsub      pkgmqtt.PubSub
	topics      *orchestration.TopicBuilder
	codec       *fl.Codec
	logger      *slog.Logger

	inflight sync.WaitGroup
	halted   chan orchestration.Report
	haltOnce sync.Once

	mu         sync.Mutex
	stopping   bool
	rounds     int
	lastGlobal *fl.GlobalGradient
}

// WillMessage is the update a broker should publish if this holder drops off.
func WillMessage(codec *fl.Codec, jobID, roleID string) (string, []byte, error) {
	payload, err := codec.Marshal(fl.UpdateEnvelope{
		JobID:   jobID,
		RoleID:  roleID,
		Offline: true,
	})
	if err != nil {
		return "", nil, err
	}

	return orchestration.NewTopicBuilder(jobID).UpdatesTopic(), payload, nil
}

// NewInstanceID returns a readable default instance name.
func NewInstanceID(roleID string) string {
	return fmt.Sprintf("%s-%s", roleID, namegen.Generate())
}

func NewService(cfg Config, participant *orchestration.LocalParticipant, pubsub pkgmqtt.PubSub, codec *fl.Codec, logger *slog.Logger) (*Service, error) {
	if cfg.RoleID == "" {
		return nil, errEmptyRoleID
	}
	if cfg.RoleID != participant.ID() {
		return nil, fmt.Errorf("role %s does not match trainer role %s", cfg.RoleID, participant.ID())
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = NewInstanceID(cfg.RoleID)
	}
	if cfg.LivelinessInterval <= 0 {
		cfg.LivelinessInterval = defaultLivelinessInterval
	}

	return &Service{
		cfg:         cfg,
		participant: participant,
		pubsub:      pubsub,
		topics:      orchestration.NewTopicBuilder(cfg.JobID),
		codec:       codec,
		logger:      logger,
		halted:      make(chan orchestration.Report, 1),
	}, nil
}

// Run serves round tasks until the arbiter halts the job or ctx is done. It
// returns the arbiter's final report, or a zero report if ctx ended first.
func (s *Service) Run(ctx context.Context) (orchestration.Report, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.stopping = false
	s.mu.Unlock()

	subs := map[string]pkgmqtt.Handler{
		s.topics.TaskTopic(s.cfg.RoleID): s.handleTask(ctx),
		s.topics.GlobalTopic():           s.handleGlobal,
		s.topics.EventsTopic():           s.handleEvent,
	}
	for topic, h := range subs {
		if err := s.pubsub.Subscribe(ctx, topic, h); err != nil {
			return orchestration.Report{}, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
	}
	defer func() {
		uctx := context.WithoutCancel(ctx)
		for topic := range subs {
			if err := s.pubsub.Unsubscribe(uctx, topic); err != nil {
				s.logger.Warn("failed to unsubscribe", slog.String("topic", topic), slog.Any("error", err))
			}
		}
	}()

	if err := s.publishJoin(ctx); err != nil {
		return orchestration.Report{}, errors.Join(errors.New("failed to publish join"), err)
	}
	go s.startLivelinessUpdates(ctx)

	s.logger.Info("Data holder is running",
		slog.String("job_id", s.cfg.JobID),
		slog.String("role_id", s.cfg.RoleID),
		slog.String("instance_id", s.cfg.InstanceID))

	var report orchestration.Report
	select {
	case <-ctx.Done():
	case report = <-s.halted:
		s.logger.Info("Arbiter halted training",
			slog.String("reason", report.Reason),
			slog.Uint64("steps", report.Steps),
			slog.Float64("epsilon", report.Epsilon))
	}
	cancel()
	// No task may join inflight once Wait starts.
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
	s.inflight.Wait()

	return report, nil
}

// Rounds is the number of rounds this holder contributed to.
func (s *Service) Rounds() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.rounds
}

// LastGlobal returns the most recent global gradient broadcast, if any.
func (s *Service) LastGlobal() (fl.GlobalGradient, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastGlobal == nil {
		return fl.GlobalGradient{}, false
	}

	return *s.lastGlobal, true
}

func (s *Service) publishJoin(ctx context.Context) error {
	info, err := s.participant.Prepare(ctx)
	if err != nil {
		return err
	}

	payload, err := s.codec.Marshal(fl.Join{
		JobID:         s.cfg.JobID,
		RoleID:        s.cfg.RoleID,
		Instance:      s.cfg.InstanceID,
		PartitionSize: info.Size,
		NumFeatures:   info.NumFeatures,
	})
	if err != nil {
		return err
	}

	return s.pubsub.Publish(ctx, s.topics.JoinTopic(), payload)
}

func (s *Service) startLivelinessUpdates(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.LivelinessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("stopping liveliness updates")

			return

		case <-ticker.C:
			if err := s.publishJoin(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("failed to publish liveliness message", slog.Any("error", err))
			}
		}
	}
}

// handleTask runs each round off the MQTT callback goroutine so publishing
// the update never waits on the client's own delivery loop.
func (s *Service) handleTask(ctx context.Context) pkgmqtt.Handler {
	return func(_ string, payload []byte) error {
		var task fl.RoundTask
		if err := s.codec.Unmarshal(payload, &task); err != nil {
			return err
		}
		if task.JobID != s.cfg.JobID {
			return nil
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.stopping || ctx.Err() != nil {
			return nil
		}
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			s.processTask(ctx, task)
		}()

		return nil
	}
}

func (s *Service) processTask(ctx context.Context, task fl.RoundTask) {
	env := fl.UpdateEnvelope{
		JobID:  s.cfg.JobID,
		RoleID: s.cfg.RoleID,
		Step:   task.Step,
	}

	c, err := s.participant.RunRound(ctx, task)
	switch {
	case err != nil:
		var mce *trainer.ModelComputationError
		if errors.As(err, &mce) {
			env.ModelFailure = true
			env.BatchIndex = mce.BatchIndex
		}
		env.Error = err.Error()
		metrics.LocalBatchesTotal.WithLabelValues(s.cfg.JobID, s.cfg.RoleID, "failed").Inc()
		s.logger.Error("Failed to run round",
			slog.Uint64("step", task.Step),
			slog.Any("error", err))
	default:
		env.BatchIndex = c.BatchIndex
		env.Contribution = &c
		metrics.LocalBatchesTotal.WithLabelValues(s.cfg.JobID, s.cfg.RoleID, "completed").Inc()
		s.mu.Lock()
		s.rounds++
		s.mu.Unlock()
	}
	if ctx.Err() != nil {
		return
	}

	payload, err := s.codec.Marshal(env)
	if err != nil {
		s.logger.Error("Failed to encode update", slog.Any("error", err))

		return
	}
	if err := s.pubsub.Publish(ctx, s.topics.UpdatesTopic(), payload); err != nil {
		s.logger.Error("Failed to publish update",
			slog.Uint64("step", task.Step),
			slog.Any("error", err))
	}
}

func (s *Service) handleGlobal(_ string, payload []byte) error {
	var g fl.GlobalGradient
	if err := s.codec.Unmarshal(payload, &g); err != nil {
		return err
	}
	if g.JobID != s.cfg.JobID {
		return nil
	}

	s.mu.Lock()
	s.lastGlobal = &g
	s.mu.Unlock()

	s.logger.Debug("Received global gradient",
		slog.Uint64("step", g.Step),
		slog.Int("total_count", g.TotalCount))

	return nil
}

func (s *Service) handleEvent(_ string, payload []byte) error {
	var ev events.Event
	if err := s.codec.Unmarshal(payload, &ev); err != nil {
		return err
	}
	if ev.JobID != s.cfg.JobID {
		return nil
	}

	switch ev.Type {
	case events.BudgetExceeded:
		s.logger.Warn("Arbiter reports privacy budget exceeded",
			slog.Float64("epsilon", ev.Epsilon),
			slog.Float64("target_epsilon", ev.TargetEpsilon))
	case events.Halted:
		report := orchestration.Report{JobID: ev.JobID, Steps: ev.Step, Epsilon: ev.Epsilon}
		if ev.Report != nil {
			report = *ev.Report
		}
		s.haltOnce.Do(func() {
			s.halted <- report
		})
	}

	return nil
}
