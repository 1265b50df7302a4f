package dpsgd

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/absmach/dpsgd/arbiter"
	arbiterapi "github.com/absmach/dpsgd/arbiter/api"
	"github.com/absmach/dpsgd/party"
	partyapi "github.com/absmach/dpsgd/party/api"
	"github.com/absmach/dpsgd/pkg/crypto"
	"github.com/absmach/dpsgd/pkg/dataset"
	dp "github.com/absmach/dpsgd/pkg/dpsgd"
	"github.com/absmach/dpsgd/pkg/fl"
	"github.com/absmach/dpsgd/pkg/model"
	"github.com/absmach/dpsgd/pkg/mqtt"
	"github.com/absmach/dpsgd/pkg/optimizer"
	"github.com/absmach/dpsgd/pkg/orchestration"
	"github.com/absmach/dpsgd/pkg/orchestration/events"
	"github.com/absmach/dpsgd/pkg/orchestration/executor"
	"github.com/absmach/dpsgd/pkg/orchestration/store"
	"github.com/absmach/dpsgd/pkg/trainer"
	"golang.org/x/sync/errgroup"
)

const (
	RoleArbiter = "arbiter"
	RoleHost    = "host"
	RoleGuest   = "guest"

	shutdownTimeout = 5 * time.Second
)

var ErrUnknownRole = errors.New("unknown role")

// RoleBehavior is one process of a job. Run blocks until training halts or
// ctx is done.
type RoleBehavior interface {
	Name() string
	Run(ctx context.Context, rt Runtime) (orchestration.Report, error)
}

// Runtime carries the process-level collaborators of a role. Zero fields are
// built from the configuration.
type Runtime struct {
	Logger *slog.Logger
	// PubSub replaces the MQTT connection described by Config.MQTT.
	PubSub mqtt.PubSub
	// Data replaces the data holder's CSV partition.
	Data *dataset.Dataset
	// ServeHTTP starts the role's HTTP endpoint on its configured port.
	ServeHTTP bool
}

func (rt Runtime) logger() *slog.Logger {
	if rt.Logger == nil {
		return slog.Default()
	}

	return rt.Logger
}

type ArbiterRole struct {
	cfg Config
}

type HostRole struct {
	partyRole
}

type GuestRole struct {
	partyRole
}

var (
	_ RoleBehavior = (*ArbiterRole)(nil)
	_ RoleBehavior = (*HostRole)(nil)
	_ RoleBehavior = (*GuestRole)(nil)
)

// Dispatch validates cfg and returns the behavior of the named role.
func Dispatch(cfg Config, name string) (RoleBehavior, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if name == RoleArbiter {
		return &ArbiterRole{cfg: cfg}, nil
	}

	section, err := cfg.Party(name)
	if err != nil {
		return nil, err
	}
	pr := partyRole{cfg: cfg, role: name, section: section}
	if name == RoleHost {
		return &HostRole{pr}, nil
	}

	return &GuestRole{pr}, nil
}

func (r *ArbiterRole) Name() string {
	return RoleArbiter
}

func (r *ArbiterRole) Run(ctx context.Context, rt Runtime) (orchestration.Report, error) {
	logger := rt.logger().With(slog.String("role", RoleArbiter), slog.String("job_id", r.cfg.Training.JobID))
	tc := r.cfg.Training

	codec, err := newCodec(r.cfg.MQTT)
	if err != nil {
		return orchestration.Report{}, err
	}

	pubsub, closePubSub, err := connect(rt, r.cfg.MQTT, tc.JobID+"-"+RoleArbiter, "", nil, logger)
	if err != nil {
		return orchestration.Report{}, err
	}
	defer closePubSub()

	topics := orchestration.NewTopicBuilder(tc.JobID)
	hub := executor.NewHub(pubsub, topics, codec, tc.JobID, logger)
	if err := hub.Start(ctx); err != nil {
		return orchestration.Report{}, err
	}
	defer func() {
		if err := hub.Stop(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("Failed to stop hub", slog.Any("error", err))
		}
	}()

	participants := make([]orchestration.Participant, len(r.cfg.Arbiter.Holders))
	for i, h := range r.cfg.Arbiter.Holders {
		participants[i] = hub.Participant(h)
	}

	features, err := awaitHolders(ctx, participants, r.cfg.Arbiter.JoinTimeout, logger)
	if err != nil {
		return orchestration.Report{}, err
	}

	m, err := model.NewMLP(tc.ModelSpec(features))
	if err != nil {
		return orchestration.Report{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	opt, err := optimizer.New(optimizer.Kind(tc.Optimizer), tc.LearningRate)
	if err != nil {
		return orchestration.Report{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	st, closeStore, err := newStateStore(r.cfg.Store)
	if err != nil {
		return orchestration.Report{}, err
	}
	defer closeStore()

	orch, err := orchestration.New(tc.OrchestratorConfig(), participants, m, opt, logger,
		orchestration.WithStateStore(st),
		orchestration.WithEventEmitter(events.NewMQTTEventEmitter(pubsub, topics, codec)),
	)
	if err != nil {
		return orchestration.Report{}, err
	}
	svc := arbiter.NewService(tc.JobID, orch, hub, st, logger)

	if !rt.ServeHTTP {
		return svc.Run(ctx)
	}

	addr := net.JoinHostPort(r.cfg.HTTP.Host, strconv.Itoa(r.cfg.Arbiter.Port))

	return runWithServer(ctx, addr, arbiterapi.MakeHandler(svc, tc.Delta), svc.Run, logger)
}

type partyRole struct {
	cfg     Config
	role    string
	section PartyConfig
}

func (r *partyRole) Name() string {
	return r.role
}

func (r *partyRole) Run(ctx context.Context, rt Runtime) (orchestration.Report, error) {
	logger := rt.logger().With(slog.String("role", r.role), slog.String("job_id", r.cfg.Training.JobID))
	tc := r.cfg.Training

	data := rt.Data
	if data == nil {
		var err error
		data, err = dataset.LoadCSV(r.section.Dataset, dataset.CSVOptions{
			FeatureNames: tc.FeatureNames,
			LabelColumn:  tc.LabelColumn,
		})
		if err != nil {
			return orchestration.Report{}, err
		}
	}

	participant, err := NewLocalParticipant(tc, r.role, data)
	if err != nil {
		return orchestration.Report{}, err
	}

	codec, err := newCodec(r.cfg.MQTT)
	if err != nil {
		return orchestration.Report{}, err
	}
	willTopic, willPayload, err := party.WillMessage(codec, tc.JobID, r.role)
	if err != nil {
		return orchestration.Report{}, err
	}

	instance := r.section.InstanceID
	if instance == "" {
		instance = party.NewInstanceID(r.role)
	}
	pubsub, closePubSub, err := connect(rt, r.cfg.MQTT, tc.JobID+"-"+instance, willTopic, willPayload, logger)
	if err != nil {
		return orchestration.Report{}, err
	}
	defer closePubSub()

	svc, err := party.NewService(party.Config{
		JobID:              tc.JobID,
		RoleID:             r.role,
		InstanceID:         instance,
		LivelinessInterval: r.section.Liveliness,
	}, participant, pubsub, codec, logger)
	if err != nil {
		return orchestration.Report{}, err
	}

	if !rt.ServeHTTP {
		return svc.Run(ctx)
	}

	addr := net.JoinHostPort(r.cfg.HTTP.Host, strconv.Itoa(r.section.Port))

	return runWithServer(ctx, addr, partyapi.MakeHandler(svc, r.role), svc.Run, logger)
}

// NewLocalParticipant builds a data holder's trainer over data. Each role
// draws noise and batch orderings from its own stream of the job seed.
func NewLocalParticipant(tc TrainingConfig, role string, data *dataset.Dataset) (*orchestration.LocalParticipant, error) {
	m, err := model.NewMLP(tc.ModelSpec(data.NumFeatures()))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	clipper, err := dp.NewClipper(tc.MaxGradNorm)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	injector, err := dp.NewNoiseInjector(tc.MaxGradNorm, tc.NoiseMultiplier, tc.Seed, NoiseStream(role))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	return orchestration.NewLocalParticipant(trainer.New(role, m, clipper, injector), data, tc.BatchSize, tc.Seed^NoiseStream(role))
}

// NoiseStream derives a per-role RNG stream so holders sharing a seed never
// draw the same noise.
func NoiseStream(role string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(role))

	return h.Sum64()
}

// awaitHolders waits for every holder to join and returns the common feature
// count.
func awaitHolders(ctx context.Context, participants []orchestration.Participant, timeout time.Duration, logger *slog.Logger) (int, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	logger.Info("Waiting for data holders to join", slog.Int("holders", len(participants)))

	features := 0
	for _, p := range participants {
		info, err := p.Prepare(ctx)
		if err != nil {
			return 0, err
		}
		if features > 0 && info.NumFeatures != features {
			return 0, fmt.Errorf("%w: data holder %s has %d features, others have %d", ErrInvalidConfig, p.ID(), info.NumFeatures, features)
		}
		features = info.NumFeatures
	}

	return features, nil
}

func newCodec(cfg MQTTConfig) (*fl.Codec, error) {
	key, err := crypto.ParseKey(cfg.WorkloadKey)
	if err != nil {
		return nil, fmt.Errorf("%w: workload_key: %w", ErrInvalidConfig, err)
	}

	return fl.NewCodec(key)
}

func connect(rt Runtime, cfg MQTTConfig, clientID, willTopic string, willPayload []byte, logger *slog.Logger) (mqtt.PubSub, func(), error) {
	if rt.PubSub != nil {
		return rt.PubSub, func() {}, nil
	}

	pubsub, err := mqtt.NewPubSub(mqtt.Config{
		URL:         cfg.URL,
		ClientID:    clientID,
		Username:    cfg.Username,
		Password:    cfg.Password,
		QoS:         byte(cfg.QoS),
		Timeout:     cfg.Timeout,
		CAPath:      cfg.CAPath,
		CertPath:    cfg.CertPath,
		KeyPath:     cfg.KeyPath,
		WillTopic:   willTopic,
		WillPayload: willPayload,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	return pubsub, func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := pubsub.Disconnect(ctx); err != nil {
			logger.Warn("Failed to disconnect from MQTT broker", slog.Any("error", err))
		}
	}, nil
}

func newStateStore(cfg StoreConfig) (orchestration.StateStore, func(), error) {
	switch cfg.Type {
	case StoreSQLite:
		s, err := store.NewSQLiteStateStore(cfg.Path)
		if err != nil {
			return nil, nil, err
		}

		return s, func() { _ = s.Close() }, nil
	default:
		return store.NewMemoryStateStore(), func() {}, nil
	}
}

// runWithServer serves h on addr while run executes and shuts the server down
// once run returns.
func runWithServer(ctx context.Context, addr string, h http.Handler, run func(context.Context) (orchestration.Report, error), logger *slog.Logger) (orchestration.Report, error) {
	server := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var report orchestration.Report
	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})

	g.Go(func() error {
		logger.Info("HTTP server listening", slog.String("address", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-done:
		}
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		return server.Shutdown(sctx)
	})

	g.Go(func() error {
		defer close(done)
		var err error
		report, err = run(gctx)

		return err
	})

	err := g.Wait()

	return report, err
}
