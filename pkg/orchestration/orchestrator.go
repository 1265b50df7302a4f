package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/absmach/dpsgd/pkg/accountant"
	"github.com/absmach/dpsgd/pkg/fl"
	"github.com/absmach/dpsgd/pkg/metrics"
	"github.com/absmach/dpsgd/pkg/model"
	"github.com/absmach/dpsgd/pkg/optimizer"
	"github.com/absmach/dpsgd/pkg/trainer"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
)

const tracerName = "github.com/absmach/dpsgd/pkg/orchestration"

// minDataHolders is the smallest federation the orchestrator will train.
const minDataHolders = 2

type Config struct {
	JobID           string
	Delta           float64
	NoiseMultiplier float64
	BatchSize       int
	Epochs          int
	// TargetEpsilon of 0 disables the budget signal.
	TargetEpsilon float64
	BudgetPolicy  BudgetPolicy
	// RoundTimeout bounds each round; 0 means no timeout.
	RoundTimeout   time.Duration
	PrepareTimeout time.Duration
	// TolerateMissingHolders lets a round proceed without holders that failed
	// to respond, as long as at least MinHolders contributed.
	TolerateMissingHolders bool
	MinHolders             int
	Seed                   uint64
	InitialParams          []float64
}

func (c Config) validate() error {
	switch {
	case c.JobID == "":
		return fmt.Errorf("%w: empty job ID", ErrInvalidConfig)
	case !(c.Delta > 0 && c.Delta < 1):
		return fmt.Errorf("%w: delta must be in (0,1), got %v", ErrInvalidConfig, c.Delta)
	case c.NoiseMultiplier < 0 || math.IsNaN(c.NoiseMultiplier) || math.IsInf(c.NoiseMultiplier, 0):
		return fmt.Errorf("%w: noise multiplier must be finite and non-negative, got %v", ErrInvalidConfig, c.NoiseMultiplier)
	case c.BatchSize <= 0:
		return fmt.Errorf("%w: batch size must be positive, got %d", ErrInvalidConfig, c.BatchSize)
	case c.Epochs < 0:
		return fmt.Errorf("%w: epochs must be non-negative, got %d", ErrInvalidConfig, c.Epochs)
	case c.TargetEpsilon < 0 || math.IsNaN(c.TargetEpsilon):
		return fmt.Errorf("%w: target epsilon must be non-negative, got %v", ErrInvalidConfig, c.TargetEpsilon)
	case c.BudgetPolicy != "" && c.BudgetPolicy != BudgetContinue && c.BudgetPolicy != BudgetHalt:
		return fmt.Errorf("%w: unknown budget policy %q", ErrInvalidConfig, c.BudgetPolicy)
	case c.RoundTimeout < 0 || c.PrepareTimeout < 0:
		return fmt.Errorf("%w: timeouts must be non-negative", ErrInvalidConfig)
	case c.MinHolders < 0:
		return fmt.Errorf("%w: min holders must be non-negative, got %d", ErrInvalidConfig, c.MinHolders)
	}

	return nil
}

type Option func(*Orchestrator)

func WithStateStore(store StateStore) Option {
	return func(o *Orchestrator) {
		o.store = store
	}
}

func WithEventEmitter(events EventEmitter) Option {
	return func(o *Orchestrator) {
		o.events = events
	}
}

func WithAggregator(agg fl.Aggregator) Option {
	return func(o *Orchestrator) {
		o.aggregator = agg
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) {
		o.tracer = tracer
	}
}

// Orchestrator drives the DP-SGD loop. It is the only writer of the model
// parameters and the privacy ledger.
type Orchestrator struct {
	cfg          Config
	participants []Participant
	model        model.Model
	optimizer    optimizer.Optimizer
	aggregator   fl.Aggregator
	accountant   *accountant.Accountant
	store        StateStore
	events       EventEmitter
	tracer       trace.Tracer
	logger       *slog.Logger

	partitions    map[string]PartitionInfo
	stepsPerEpoch int
	totalSteps    uint64
	participation map[string]int
	exceeded      bool

	mu     sync.RWMutex
	sm     *StateMachine
	status Status
}

func New(cfg Config, participants []Participant, m model.Model, opt optimizer.Optimizer, logger *slog.Logger, opts ...Option) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if len(participants) < minDataHolders {
		return nil, fmt.Errorf("%w: need at least %d data holders, got %d", ErrInsufficientParticipants, minDataHolders, len(participants))
	}
	seen := make(map[string]bool, len(participants))
	for _, p := range participants {
		if seen[p.ID()] {
			return nil, fmt.Errorf("%w: duplicate data holder %s", ErrInvalidConfig, p.ID())
		}
		seen[p.ID()] = true
	}
	if cfg.BudgetPolicy == "" {
		cfg.BudgetPolicy = BudgetContinue
	}
	if cfg.TolerateMissingHolders && cfg.MinHolders == 0 {
		cfg.MinHolders = 1
	}

	o := &Orchestrator{
		cfg:          cfg,
		participants: participants,
		model:        m,
		optimizer:    opt,
		aggregator:   fl.NewWeightedAggregator(),
		accountant:   accountant.New(),
		events:       noopEmitter{},
		tracer:       otel.Tracer(tracerName),
		logger:       logger,
		sm:           NewStateMachine(),
	}
	for _, opt := range opts {
		opt(o)
	}

	o.status = Status{
		JobID:         cfg.JobID,
		State:         StateInit,
		Delta:         cfg.Delta,
		TargetEpsilon: cfg.TargetEpsilon,
		Holders:       o.holderIDs(),
		UpdatedAt:     time.Now(),
	}

	return o, nil
}

// Status is safe to call while Run is in progress.
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()

	s := o.status
	s.Holders = slices.Clone(s.Holders)

	return s
}

// Accountant exposes the privacy ledger for read-only queries.
func (o *Orchestrator) Accountant() *accountant.Accountant {
	return o.accountant
}

// Run trains until every epoch is done, the budget policy halts, or a fatal
// error occurs. The returned error equals Report.Err; a budget halt wraps
// accountant.ErrPrivacyBudgetExceeded.
func (o *Orchestrator) Run(ctx context.Context) (Report, error) {
	if o.sm.State() != StateInit {
		return Report{}, fmt.Errorf("%w: orchestrator already ran", ErrInvalidStateTransition)
	}

	o.logger.InfoContext(ctx, "starting DP-SGD training",
		slog.String("job_id", o.cfg.JobID),
		slog.Int("data_holders", len(o.participants)),
		slog.Int("epochs", o.cfg.Epochs),
		slog.Float64("noise_multiplier", o.cfg.NoiseMultiplier))

	params, err := o.init(ctx)
	if err != nil {
		return o.halt(ctx, nil, err)
	}

	for step := range o.totalSteps {
		exceeded, err := o.runStep(ctx, step, params)
		if err != nil {
			return o.halt(ctx, params, err)
		}
		if exceeded && o.cfg.BudgetPolicy == BudgetHalt {
			err := fmt.Errorf("%w: epsilon %g above target %g", accountant.ErrPrivacyBudgetExceeded, o.Status().Epsilon, o.cfg.TargetEpsilon)

			return o.haltWithReason(ctx, params, ReasonBudgetExceeded, err)
		}
	}

	return o.halt(ctx, params, nil)
}

func (o *Orchestrator) init(ctx context.Context) ([]float64, error) {
	pctx := ctx
	if o.cfg.PrepareTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, o.cfg.PrepareTimeout)
		defer cancel()
	}

	infos := make([]PartitionInfo, len(o.participants))
	g, gctx := errgroup.WithContext(pctx)
	for i, p := range o.participants {
		g.Go(func() error {
			info, err := p.Prepare(gctx)
			if err != nil {
				return fmt.Errorf("failed to prepare data holder %s: %w", p.ID(), err)
			}
			if info.Size <= 0 {
				return fmt.Errorf("%w: data holder %s has an empty partition", ErrInsufficientParticipants, p.ID())
			}
			info.RoleID = p.ID()
			infos[i] = info

			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	o.partitions = make(map[string]PartitionInfo, len(infos))
	o.participation = make(map[string]int, len(infos))
	features := 0
	for _, info := range infos {
		if info.NumFeatures > 0 {
			if features > 0 && info.NumFeatures != features {
				return nil, fmt.Errorf("%w: data holder %s has %d features, others have %d", ErrInvalidConfig, info.RoleID, info.NumFeatures, features)
			}
			features = info.NumFeatures
		}
		o.partitions[info.RoleID] = info
		o.participation[info.RoleID] = 0
		o.stepsPerEpoch = max(o.stepsPerEpoch, (info.Size+o.cfg.BatchSize-1)/o.cfg.BatchSize)
	}
	o.totalSteps = uint64(o.cfg.Epochs) * uint64(o.stepsPerEpoch)

	params := o.model.Init(o.cfg.Seed)
	if o.cfg.InitialParams != nil {
		if len(o.cfg.InitialParams) != o.model.NumParams() {
			return nil, fmt.Errorf("%w: %d initial params, model has %d", model.ErrShapeMismatch, len(o.cfg.InitialParams), o.model.NumParams())
		}
		params = slices.Clone(o.cfg.InitialParams)
	}

	o.mu.Lock()
	o.status.TotalSteps = o.totalSteps
	o.status.UpdatedAt = time.Now()
	o.mu.Unlock()

	o.logger.InfoContext(ctx, "data holders prepared",
		slog.String("job_id", o.cfg.JobID),
		slog.Int("steps_per_epoch", o.stepsPerEpoch),
		slog.Uint64("total_steps", o.totalSteps))

	return params, nil
}

func (o *Orchestrator) runStep(ctx context.Context, step uint64, params []float64) (bool, error) {
	epoch := int(step / uint64(o.stepsPerEpoch))
	inEpoch := int(step % uint64(o.stepsPerEpoch))

	ctx, span := o.tracer.Start(ctx, "dpsgd.round", trace.WithAttributes(
		attribute.String("job_id", o.cfg.JobID),
		attribute.Int64("step", int64(step)),
		attribute.Int("epoch", epoch),
	))
	defer span.End()

	rec := RoundRecord{
		ID:          uuid.NewString(),
		JobID:       o.cfg.JobID,
		Step:        step,
		Epoch:       epoch,
		StepInEpoch: inEpoch,
		Status:      RoundStatusRunning,
		StartTime:   time.Now(),
	}
	o.emit(ctx, "round started", o.events.EmitRoundStarted(ctx, rec))

	if err := o.transition(StateRoundRunning); err != nil {
		return false, err
	}
	task := RoundTask{
		JobID:       o.cfg.JobID,
		Epoch:       epoch,
		Step:        step,
		StepInEpoch: inEpoch,
		Params:      slices.Clone(params),
	}
	contribs, missing, err := o.collect(ctx, task)
	rec.Missing = missing
	if err != nil {
		return false, o.failRound(ctx, span, rec, err)
	}

	if err := o.transition(StateRoundAggregating); err != nil {
		return false, err
	}
	global, err := fl.AggregateContributions(o.aggregator, o.cfg.JobID, step, contribs)
	if err != nil {
		return false, o.failRound(ctx, span, rec, err)
	}

	if err := o.transition(StateParamUpdating); err != nil {
		return false, err
	}
	if err := o.optimizer.Step(params, global.Vector); err != nil {
		return false, o.failRound(ctx, span, rec, fmt.Errorf("failed to apply global gradient: %w", err))
	}
	o.emit(ctx, "global gradient", o.events.EmitGlobalGradient(ctx, global))

	if err := o.transition(StateBudgetCheck); err != nil {
		return false, err
	}
	q := o.samplingRatio(contribs)
	if err := o.accountant.ObserveStep(q, o.cfg.NoiseMultiplier); err != nil {
		return false, o.failRound(ctx, span, rec, err)
	}
	eps, err := o.accountant.Epsilon(o.cfg.Delta)
	if err != nil {
		return false, o.failRound(ctx, span, rec, err)
	}
	exceeded := o.cfg.TargetEpsilon > 0 && eps > o.cfg.TargetEpsilon

	rec.Status = RoundStatusCompleted
	rec.Contributors = global.Contributors
	rec.Counts = make(map[string]int, len(contribs))
	for _, c := range contribs {
		rec.Counts[c.RoleID] = c.Count
		o.participation[c.RoleID]++
		metrics.ContributionsTotal.WithLabelValues(o.cfg.JobID, c.RoleID).Inc()
	}
	rec.TotalCount = global.TotalCount
	rec.SamplingRatio = q
	rec.GradientNorm = floats.Norm(global.Vector, 2)
	rec.Epsilon = eps
	rec.BudgetExceeded = exceeded
	rec.EndTime = time.Now()

	o.saveRound(ctx, rec)
	o.emit(ctx, "round completed", o.events.EmitRoundCompleted(ctx, rec))

	metrics.RoundTotal.WithLabelValues(o.cfg.JobID, string(RoundStatusCompleted)).Inc()
	metrics.RoundDuration.WithLabelValues(o.cfg.JobID).Observe(rec.EndTime.Sub(rec.StartTime).Seconds())
	metrics.ExamplesTotal.WithLabelValues(o.cfg.JobID).Add(float64(global.TotalCount))
	metrics.Steps.WithLabelValues(o.cfg.JobID).Set(float64(step + 1))
	metrics.Epsilon.WithLabelValues(o.cfg.JobID).Set(eps)
	metrics.GradientNorm.WithLabelValues(o.cfg.JobID).Set(rec.GradientNorm)

	span.SetAttributes(
		attribute.Int("examples", global.TotalCount),
		attribute.Float64("sampling_ratio", q),
		attribute.Float64("epsilon", eps),
	)

	o.mu.Lock()
	o.status.Step = step + 1
	o.status.Epsilon = eps
	o.status.BudgetExceeded = exceeded
	o.status.UpdatedAt = rec.EndTime
	o.mu.Unlock()

	o.logger.DebugContext(ctx, "round completed",
		slog.String("job_id", o.cfg.JobID),
		slog.Uint64("step", step),
		slog.Int("examples", global.TotalCount),
		slog.Float64("epsilon", eps))

	if exceeded && !o.exceeded {
		o.exceeded = true
		metrics.BudgetExceeded.WithLabelValues(o.cfg.JobID).Set(1)
		o.logger.WarnContext(ctx, "privacy budget exceeded",
			slog.String("job_id", o.cfg.JobID),
			slog.Float64("epsilon", eps),
			slog.Float64("target_epsilon", o.cfg.TargetEpsilon),
			slog.String("policy", string(o.cfg.BudgetPolicy)))
		o.emit(ctx, "budget exceeded", o.events.EmitBudgetExceeded(ctx, o.cfg.JobID, eps, o.cfg.TargetEpsilon))
	}

	return exceeded, nil
}

// collect fans the task out to every holder and waits for all of them.
func (o *Orchestrator) collect(ctx context.Context, task RoundTask) ([]fl.Contribution, []string, error) {
	rctx := ctx
	if o.cfg.RoundTimeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, o.cfg.RoundTimeout)
		defer cancel()
	}

	results := make([]*fl.Contribution, len(o.participants))
	failures := make([]error, len(o.participants))

	g, gctx := errgroup.WithContext(rctx)
	for i, p := range o.participants {
		g.Go(func() error {
			c, err := p.RunRound(gctx, task)
			if err == nil {
				err = checkContribution(p.ID(), task, c)
			}
			if err != nil {
				failures[i] = err
				var mce *trainer.ModelComputationError
				if errors.As(err, &mce) || !o.cfg.TolerateMissingHolders {
					return fmt.Errorf("data holder %s: %w", p.ID(), err)
				}

				return nil
			}
			c.RoleID = p.ID()
			results[i] = &c

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		var mce *trainer.ModelComputationError
		switch {
		case errors.As(err, &mce):
			return nil, nil, err
		case ctx.Err() != nil:
			return nil, nil, ctx.Err()
		case errors.Is(rctx.Err(), context.DeadlineExceeded):
			return nil, nil, fmt.Errorf("%w: %w: %w", ErrRoundIncomplete, ErrRoundTimeout, err)
		default:
			return nil, nil, fmt.Errorf("%w: %w", ErrRoundIncomplete, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var contribs []fl.Contribution
	var missing []string
	for i, p := range o.participants {
		if results[i] == nil {
			missing = append(missing, p.ID())
			metrics.MissingHoldersTotal.WithLabelValues(o.cfg.JobID, p.ID()).Inc()
			o.logger.WarnContext(ctx, "data holder missing from round",
				slog.String("job_id", o.cfg.JobID),
				slog.String("role_id", p.ID()),
				slog.Uint64("step", task.Step),
				slog.Any("error", failures[i]))

			continue
		}
		contribs = append(contribs, *results[i])
	}

	if len(contribs) > 0 && len(contribs) < o.cfg.MinHolders {
		return nil, missing, fmt.Errorf("%w: %d of %d required data holders contributed", ErrRoundIncomplete, len(contribs), o.cfg.MinHolders)
	}

	return contribs, missing, nil
}

func checkContribution(roleID string, task RoundTask, c fl.Contribution) error {
	if c.Step != task.Step {
		return fmt.Errorf("%w: step %d, want %d", ErrStaleContribution, c.Step, task.Step)
	}
	if c.RoleID != "" && c.RoleID != roleID {
		return fmt.Errorf("%w: role %s answered for %s", ErrStaleContribution, c.RoleID, roleID)
	}

	return nil
}

// samplingRatio is the largest per-holder batch fraction of the round.
func (o *Orchestrator) samplingRatio(contribs []fl.Contribution) float64 {
	q := 0.0
	for _, c := range contribs {
		size := o.partitions[c.RoleID].Size
		if size <= 0 {
			continue
		}
		q = max(q, float64(c.Count)/float64(size))
	}

	return min(q, 1)
}

func (o *Orchestrator) failRound(ctx context.Context, span trace.Span, rec RoundRecord, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	rec.Status = RoundStatusFailed
	rec.Error = err.Error()
	rec.EndTime = time.Now()

	sctx := context.WithoutCancel(ctx)
	o.saveRound(sctx, rec)
	o.emit(sctx, "round failed", o.events.EmitRoundFailed(sctx, rec, err.Error()))
	metrics.RoundTotal.WithLabelValues(o.cfg.JobID, string(RoundStatusFailed)).Inc()

	return err
}

func (o *Orchestrator) halt(ctx context.Context, params []float64, err error) (Report, error) {
	switch {
	case err == nil:
		return o.haltWithReason(ctx, params, ReasonCompleted, nil)
	case ctx.Err() != nil:
		return o.haltWithReason(ctx, params, ReasonCancelled, err)
	default:
		return o.haltWithReason(ctx, params, ReasonFailed, err)
	}
}

func (o *Orchestrator) haltWithReason(ctx context.Context, params []float64, reason string, err error) (Report, error) {
	if terr := o.transition(StateHalted); terr != nil {
		err = errors.Join(err, terr)
	}

	eps, epsErr := o.accountant.Epsilon(o.cfg.Delta)
	if epsErr != nil {
		err = errors.Join(err, epsErr)
	}

	participation := make(map[string]int, len(o.participants))
	for _, p := range o.participants {
		participation[p.ID()] = o.participation[p.ID()]
	}

	report := Report{
		JobID:          o.cfg.JobID,
		Params:         slices.Clone(params),
		Epsilon:        eps,
		Delta:          o.cfg.Delta,
		Steps:          uint64(o.accountant.Ledger().Steps),
		TotalSteps:     o.totalSteps,
		Participation:  participation,
		State:          StateHalted,
		Reason:         reason,
		BudgetExceeded: o.exceeded,
		FinishedAt:     time.Now(),
		Err:            err,
	}
	if err != nil {
		report.Error = err.Error()
	}

	sctx := context.WithoutCancel(ctx)
	if o.store != nil {
		if serr := o.store.SaveReport(sctx, report); serr != nil {
			o.logger.WarnContext(sctx, "failed to save training report",
				slog.String("job_id", o.cfg.JobID),
				slog.Any("error", serr))
		}
	}
	o.emit(sctx, "halted", o.events.EmitHalted(sctx, report))

	args := []any{
		slog.String("job_id", o.cfg.JobID),
		slog.String("reason", reason),
		slog.Uint64("steps", report.Steps),
		slog.Float64("epsilon", eps),
		slog.Float64("delta", o.cfg.Delta),
	}
	switch {
	case err == nil:
		o.logger.InfoContext(sctx, "DP-SGD training halted", args...)
	case reason == ReasonBudgetExceeded:
		o.logger.WarnContext(sctx, "DP-SGD training halted", args...)
	default:
		args = append(args, slog.Any("error", err))
		o.logger.ErrorContext(sctx, "DP-SGD training halted", args...)
	}

	return report, err
}

func (o *Orchestrator) transition(to State) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.sm.Transition(to); err != nil {
		return err
	}
	o.status.State = to
	o.status.UpdatedAt = time.Now()

	return nil
}

func (o *Orchestrator) saveRound(ctx context.Context, rec RoundRecord) {
	if o.store == nil {
		return
	}
	if err := o.store.SaveRound(ctx, rec); err != nil {
		o.logger.WarnContext(ctx, "failed to save round record",
			slog.String("job_id", rec.JobID),
			slog.Uint64("step", rec.Step),
			slog.Any("error", err))
	}
}

// emit logs event failures; events are informational only.
func (o *Orchestrator) emit(ctx context.Context, event string, err error) {
	if err != nil {
		o.logger.WarnContext(ctx, "failed to emit event",
			slog.String("event", event),
			slog.String("job_id", o.cfg.JobID),
			slog.Any("error", err))
	}
}

func (o *Orchestrator) holderIDs() []string {
	ids := make([]string, len(o.participants))
	for i, p := range o.participants {
		ids[i] = p.ID()
	}

	return ids
}

// History returns every state the orchestrator entered.
func (o *Orchestrator) History() []State {
	o.mu.RLock()
	defer o.mu.RUnlock()

	return o.sm.History()
}
