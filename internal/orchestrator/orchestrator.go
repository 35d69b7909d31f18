// Package orchestrator runs the control loop: per repository it samples
// demand, forecasts, decides and enacts, then reconciles.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/HueCodes/zeno/internal/analytics"
	"github.com/HueCodes/zeno/internal/config"
	"github.com/HueCodes/zeno/internal/controller"
	"github.com/HueCodes/zeno/internal/events"
	"github.com/HueCodes/zeno/internal/github"
	"github.com/HueCodes/zeno/internal/metrics"
	"github.com/HueCodes/zeno/internal/models"
	"github.com/HueCodes/zeno/internal/policy"
	"github.com/HueCodes/zeno/internal/predictor"
	"github.com/HueCodes/zeno/internal/runner"
)

// Lifecycle is the part of the runner manager the loop drives.
type Lifecycle interface {
	Register(repository string, p policy.Policy)
	Observe(ctx context.Context, repository string) (models.CapacityState, error)
	Instances(repository string) ([]models.RunnerInstance, error)
	EnsureDedicated(ctx context.Context, repository string) ([]models.RunnerInstance, error)
	ScaleUp(ctx context.Context, repository string, n int) ([]models.RunnerInstance, error)
	ScaleDown(ctx context.Context, repository string, n int) ([]models.RunnerInstance, error)
	Reconcile(ctx context.Context, repository string) (runner.Report, error)
}

// DemandSource samples the work waiting in a repository's queue.
type DemandSource interface {
	QueuedJobs(ctx context.Context, repository string) (github.JobCounts, error)
}

type Options struct {
	Config     config.OrchestratorConfig
	DryRun     bool
	Lifecycle  Lifecycle
	Demand     DemandSource
	Predictor  *predictor.Predictor
	Controller *controller.Controller
	History    *analytics.Tracker
	Events     events.Emitter
	// Metrics is optional.
	Metrics *metrics.Metrics
	Clock   clock.WithTicker
	Logger  *slog.Logger
}

// Orchestrator owns the tick loop and per-repository failure isolation.
type Orchestrator struct {
	cfg        config.OrchestratorConfig
	dryRun     bool
	lifecycle  Lifecycle
	demand     DemandSource
	predictor  *predictor.Predictor
	controller *controller.Controller
	history    *analytics.Tracker
	events     events.Emitter
	metrics    *metrics.Metrics
	clock      clock.WithTicker
	logger     *slog.Logger

	mu    sync.RWMutex
	repos map[string]*repoState

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	workers *errgroup.Group
}

// repoState is the orchestrator's view of one repository. token serializes
// ticks; the other fields are guarded by mu.
type repoState struct {
	name  string
	token chan struct{}

	mu            sync.Mutex
	policy        policy.Policy
	excluded      bool
	excludeReason string
	nextCheck     time.Time
	failures      int
	degraded      bool
	probes        int
	lastTick      time.Time
	lastErr       string
}

func (rs *repoState) acquire() bool {
	select {
	case rs.token <- struct{}{}:
		return true
	default:
		return false
	}
}

func (rs *repoState) release() {
	<-rs.token
}

func New(opts Options) *Orchestrator {
	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	emitter := opts.Events
	if emitter == nil {
		emitter = events.Discard
	}
	history := opts.History
	if history == nil {
		history = analytics.NewTracker(0)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 10 * time.Second
	}

	return &Orchestrator{
		cfg:        cfg,
		dryRun:     opts.DryRun,
		lifecycle:  opts.Lifecycle,
		demand:     opts.Demand,
		predictor:  opts.Predictor,
		controller: opts.Controller,
		history:    history,
		events:     emitter,
		metrics:    opts.Metrics,
		clock:      clk,
		logger:     logger.With("component", "orchestrator"),
		repos:      make(map[string]*repoState),
	}
}

// Configure registers repositories from their policy resolutions. A
// resolution with an error excludes the repository from scaling; its
// dedicated runners are still maintained when the fallback policy allows.
func (o *Orchestrator) Configure(resolutions []policy.Resolution) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, res := range resolutions {
		rs, ok := o.repos[res.Repository]
		if !ok {
			rs = &repoState{name: res.Repository, token: make(chan struct{}, 1)}
			o.repos[res.Repository] = rs
		}

		rs.mu.Lock()
		rs.policy = res.Policy
		rs.excluded = res.Err != nil
		rs.excludeReason = ""
		if res.Err != nil {
			rs.excludeReason = res.Err.Error()
		}
		rs.mu.Unlock()

		o.lifecycle.Register(res.Repository, res.Policy)

		if res.Err != nil {
			o.logger.Error("repository excluded from scaling",
				"repository", res.Repository,
				"error", res.Err,
			)
			o.emit(models.EventRepositoryExcluded, res.Repository, map[string]any{"reason": res.Err.Error()})
			continue
		}
		o.logger.Info("repository configured",
			"repository", res.Repository,
			"mode", res.Policy.Mode,
			"dedicated", res.Policy.DedicatedCount,
			"max_dynamic", res.Policy.MaxDynamic,
		)
	}
}

// Repositories returns the configured repositories, sorted.
func (o *Orchestrator) Repositories() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]string, 0, len(o.repos))
	for name := range o.repos {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (o *Orchestrator) states() []*repoState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*repoState, 0, len(o.repos))
	for _, rs := range o.repos {
		out = append(out, rs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Start provisions dedicated runners and runs the tick loop until Stop or
// ctx ends.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	if o.cancel != nil {
		return errors.New("orchestrator already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	workers := &errgroup.Group{}
	workers.SetLimit(o.cfg.Concurrency)

	o.cancel = cancel
	o.workers = workers
	o.done = make(chan struct{})

	o.startup(ctx)

	go o.loop(ctx, workers)

	o.logger.Info("orchestrator started",
		"tick_interval", o.cfg.TickInterval,
		"concurrency", o.cfg.Concurrency,
		"repositories", len(o.Repositories()),
		"dry_run", o.dryRun,
	)
	return nil
}

// Stop cancels in-flight ticks and waits for them to unwind. Aborted
// lifecycle operations leave instances in a state the next reconciliation
// pass resumes from.
func (o *Orchestrator) Stop() {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	if o.cancel == nil {
		return
	}
	o.cancel()
	<-o.done
	_ = o.workers.Wait()

	o.cancel = nil
	o.workers = nil
	o.logger.Info("orchestrator stopped")
}

func (o *Orchestrator) startup(ctx context.Context) {
	if o.dryRun {
		return
	}
	for _, rs := range o.states() {
		callCtx, cancel := o.callContext(ctx)
		if _, err := o.lifecycle.EnsureDedicated(callCtx, rs.name); err != nil {
			o.logger.Warn("failed to provision dedicated runners at startup",
				"repository", rs.name,
				"error", err,
			)
		}
		cancel()
	}
}

func (o *Orchestrator) loop(ctx context.Context, workers *errgroup.Group) {
	defer close(o.done)

	ticker := o.clock.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()

	o.dispatch(ctx, workers)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			o.dispatch(ctx, workers)
		}
	}
}

// dispatch hands every due repository to a free worker without waiting for
// it. A repository whose previous tick is still running, or that finds no
// free worker, is picked up on a later tick.
func (o *Orchestrator) dispatch(ctx context.Context, workers *errgroup.Group) {
	now := o.clock.Now()
	for _, rs := range o.states() {
		if !o.due(rs, now) {
			continue
		}
		if !rs.acquire() {
			o.skipped("in_flight")
			continue
		}
		if !workers.TryGo(func() error {
			defer rs.release()
			o.tickRepository(ctx, rs)
			return nil
		}) {
			rs.release()
			o.skipped("no_worker")
			o.logger.Debug("worker budget exhausted, deferring tick", "repository", rs.name)
		}
	}
}

// Tick runs one pass over every due repository and waits for it. At most
// Concurrency repositories are processed at once and a repository already
// being processed is skipped.
func (o *Orchestrator) Tick(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(o.cfg.Concurrency)

	now := o.clock.Now()
	for _, rs := range o.states() {
		if !o.due(rs, now) {
			continue
		}
		if !rs.acquire() {
			o.skipped("in_flight")
			continue
		}
		g.Go(func() error {
			defer rs.release()
			o.tickRepository(ctx, rs)
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Orchestrator) due(rs *repoState, now time.Time) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return !now.Before(rs.nextCheck)
}

func (o *Orchestrator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.cfg.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.cfg.CallTimeout)
}

func (o *Orchestrator) skipped(reason string) {
	if o.metrics != nil {
		o.metrics.TicksSkipped.WithLabelValues(reason).Inc()
	}
}

func (o *Orchestrator) emit(typ models.EventType, repository string, payload map[string]any) {
	o.events.Emit(models.Event{
		Type:       typ,
		Repository: repository,
		Timestamp:  o.clock.Now(),
		Payload:    payload,
	})
}
