package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/absmach/dpsgd/pkg/fl"
	"github.com/absmach/dpsgd/pkg/mqtt"
	"github.com/absmach/dpsgd/pkg/orchestration"
	"github.com/absmach/dpsgd/pkg/trainer"
)

var (
	ErrHolderOffline       = errors.New("data holder went offline")
	ErrInvalidUpdate       = errors.New("update carries neither contribution nor error")
	errRoundAlreadyPending = errors.New("a round is already pending for this data holder")
)

// HolderInfo describes a data holder as seen by the arbiter.
type HolderInfo struct {
	RoleID        string    `json:"role_id"`
	Instance      string    `json:"instance,omitempty"`
	Joined        bool      `json:"joined"`
	Online        bool      `json:"online"`
	PartitionSize int       `json:"partition_size"`
	NumFeatures   int       `json:"num_features"`
	LastSeen      time.Time `json:"last_seen"`
}

type pendingRound struct {
	step uint64
	ch   chan fl.UpdateEnvelope
}

type holder struct {
	joined   chan struct{}
	info     HolderInfo
	pending  *pendingRound
	joinOnce sync.Once
}

// Hub multiplexes the join and update topics of one job onto per-holder
// participants.
type Hub struct {
	pubsub mqtt.PubSub
	topics *orchestration.TopicBuilder
	codec  *fl.Codec
	jobID  string
	logger *slog.Logger

	mu      sync.Mutex
	holders map[string]*holder
}

func NewHub(pubsub mqtt.PubSub, topics *orchestration.TopicBuilder, codec *fl.Codec, jobID string, logger *slog.Logger) *Hub {
	return &Hub{
		pubsub:  pubsub,
		topics:  topics,
		codec:   codec,
		jobID:   jobID,
		logger:  logger,
		holders: make(map[string]*holder),
	}
}

func (h *Hub) Start(ctx context.Context) error {
	if err := h.pubsub.Subscribe(ctx, h.topics.JoinTopic(), h.handleJoin); err != nil {
		return fmt.Errorf("failed to subscribe to join topic: %w", err)
	}
	if err := h.pubsub.Subscribe(ctx, h.topics.UpdatesTopic(), h.handleUpdate); err != nil {
		return fmt.Errorf("failed to subscribe to updates topic: %w", err)
	}

	return nil
}

func (h *Hub) Stop(ctx context.Context) error {
	return errors.Join(
		h.pubsub.Unsubscribe(ctx, h.topics.JoinTopic()),
		h.pubsub.Unsubscribe(ctx, h.topics.UpdatesTopic()),
	)
}

// Participant registers roleID and returns its remote handle.
func (h *Hub) Participant(roleID string) orchestration.Participant {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.holders[roleID]; !ok {
		h.holders[roleID] = &holder{
			joined: make(chan struct{}),
			info:   HolderInfo{RoleID: roleID},
		}
	}

	return &RemoteParticipant{hub: h, roleID: roleID}
}

func (h *Hub) Holders() []HolderInfo {
	h.mu.Lock()
	defer h.mu.Unlock()

	infos := make([]HolderInfo, 0, len(h.holders))
	for _, hd := range h.holders {
		infos = append(infos, hd.info)
	}
	slices.SortFunc(infos, func(a, b HolderInfo) int {
		return strings.Compare(a.RoleID, b.RoleID)
	})

	return infos
}

func (h *Hub) handleJoin(_ string, payload []byte) error {
	var join fl.Join
	if err := h.codec.Unmarshal(payload, &join); err != nil {
		return err
	}
	if join.JobID != h.jobID {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	hd, ok := h.holders[join.RoleID]
	if !ok {
		h.logger.Warn("Join from unknown data holder", slog.String("role_id", join.RoleID))

		return nil
	}
	if hd.info.Joined && hd.info.PartitionSize != join.PartitionSize {
		h.logger.Warn("Data holder changed partition size; keeping the first",
			slog.String("role_id", join.RoleID),
			slog.Int("partition_size", hd.info.PartitionSize),
			slog.Int("reported", join.PartitionSize))
	}
	if !hd.info.Joined {
		hd.info.PartitionSize = join.PartitionSize
		hd.info.NumFeatures = join.NumFeatures
	}
	hd.info.Instance = join.Instance
	hd.info.Joined = true
	hd.info.Online = true
	hd.info.LastSeen = time.Now()
	hd.joinOnce.Do(func() {
		close(hd.joined)
		h.logger.Info("Data holder joined",
			slog.String("role_id", join.RoleID),
			slog.String("instance", join.Instance),
			slog.Int("partition_size", join.PartitionSize))
	})

	return nil
}

func (h *Hub) handleUpdate(_ string, payload []byte) error {
	var env fl.UpdateEnvelope
	if err := h.codec.Unmarshal(payload, &env); err != nil {
		return err
	}
	if env.JobID != h.jobID {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	hd, ok := h.holders[env.RoleID]
	if !ok {
		return nil
	}
	hd.info.LastSeen = time.Now()

	if env.Offline {
		hd.info.Online = false
		h.logger.Warn("Data holder went offline", slog.String("role_id", env.RoleID))
		if hd.pending != nil {
			deliver(hd.pending.ch, env)
		}

		return nil
	}
	hd.info.Online = true

	if hd.pending == nil || hd.pending.step != env.Step {
		h.logger.Debug("Dropping stale update",
			slog.String("role_id", env.RoleID),
			slog.Uint64("step", env.Step))

		return nil
	}
	deliver(hd.pending.ch, env)

	return nil
}

func deliver(ch chan fl.UpdateEnvelope, env fl.UpdateEnvelope) {
	select {
	case ch <- env:
	default:
	}
}

var _ orchestration.Participant = (*RemoteParticipant)(nil)

// RemoteParticipant reaches a data holder through MQTT.
type RemoteParticipant struct {
	hub    *Hub
	roleID string
}

func (p *RemoteParticipant) ID() string {
	return p.roleID
}

// Prepare waits for the holder's join announcement.
func (p *RemoteParticipant) Prepare(ctx context.Context) (orchestration.PartitionInfo, error) {
	p.hub.mu.Lock()
	hd := p.hub.holders[p.roleID]
	p.hub.mu.Unlock()

	select {
	case <-ctx.Done():
		return orchestration.PartitionInfo{}, fmt.Errorf("waiting for data holder %s to join: %w", p.roleID, ctx.Err())
	case <-hd.joined:
	}

	p.hub.mu.Lock()
	defer p.hub.mu.Unlock()

	return orchestration.PartitionInfo{
		RoleID:      p.roleID,
		Size:        hd.info.PartitionSize,
		NumFeatures: hd.info.NumFeatures,
	}, nil
}

func (p *RemoteParticipant) RunRound(ctx context.Context, task orchestration.RoundTask) (fl.Contribution, error) {
	pending := &pendingRound{
		step: task.Step,
		ch:   make(chan fl.UpdateEnvelope, 1),
	}

	p.hub.mu.Lock()
	hd := p.hub.holders[p.roleID]
	if hd.pending != nil {
		p.hub.mu.Unlock()

		return fl.Contribution{}, errRoundAlreadyPending
	}
	hd.pending = pending
	p.hub.mu.Unlock()

	defer func() {
		p.hub.mu.Lock()
		if hd.pending == pending {
			hd.pending = nil
		}
		p.hub.mu.Unlock()
	}()

	payload, err := p.hub.codec.Marshal(task)
	if err != nil {
		return fl.Contribution{}, err
	}
	if err := p.hub.pubsub.Publish(ctx, p.hub.topics.TaskTopic(p.roleID), payload); err != nil {
		return fl.Contribution{}, fmt.Errorf("failed to publish round task: %w", err)
	}

	var env fl.UpdateEnvelope
	select {
	case <-ctx.Done():
		return fl.Contribution{}, ctx.Err()
	case env = <-pending.ch:
	}

	switch {
	case env.Offline:
		return fl.Contribution{}, fmt.Errorf("%w: %s", ErrHolderOffline, p.roleID)
	case env.Error != "" && env.ModelFailure:
		return fl.Contribution{}, &trainer.ModelComputationError{
			RoleID:     p.roleID,
			BatchIndex: env.BatchIndex,
			Err:        errors.New(env.Error),
		}
	case env.Error != "":
		return fl.Contribution{}, fmt.Errorf("data holder %s: %s", p.roleID, env.Error)
	case env.Contribution == nil:
		return fl.Contribution{}, ErrInvalidUpdate
	}

	return *env.Contribution, nil
}
