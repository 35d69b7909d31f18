package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/HueCodes/zeno/internal/config"
	"github.com/HueCodes/zeno/internal/controller"
	"github.com/HueCodes/zeno/internal/events"
	"github.com/HueCodes/zeno/internal/github/githubtest"
	"github.com/HueCodes/zeno/internal/metrics"
	"github.com/HueCodes/zeno/internal/models"
	"github.com/HueCodes/zeno/internal/policy"
	"github.com/HueCodes/zeno/internal/predictor"
	"github.com/HueCodes/zeno/internal/provider"
	"github.com/HueCodes/zeno/internal/provider/providertest"
	"github.com/HueCodes/zeno/internal/runner"
)

const (
	repoA = "acme/api"
	repoB = "acme/web"
)

var start = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

type fixture struct {
	o       *Orchestrator
	runners *runner.Manager
	prov    *providertest.Provider
	queue   *githubtest.Queue
	rec     *events.Recorder
	metrics *metrics.Metrics
	clk     *clocktesting.FakeClock
}

func testPolicy() policy.Policy {
	return policy.Policy{
		DedicatedCount: 1,
		MaxDynamic:     3,
		IdleTimeout:    5 * time.Minute,
		CheckInterval:  30 * time.Second,
		Mode:           policy.ModeBalanced,
	}.Resolve()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()

	clk := clocktesting.NewFakeClock(start)
	prov := providertest.New(clk)
	queue := githubtest.New()
	rec := events.NewRecorder(0)
	logger := testLogger()

	prov.OnCreate = func(spec *provider.InstanceSpec) {
		if spec.Repository != "" {
			queue.Register(spec.Repository, spec.Name)
		}
	}

	runners := runner.NewManager(runner.Options{
		Config: config.LifecycleConfig{
			MaxAttempts:              3,
			BackoffBase:              10 * time.Millisecond,
			BackoffMax:               20 * time.Millisecond,
			DrainTimeout:             time.Minute,
			DrainPollInterval:        5 * time.Second,
			RegistrationTimeout:      time.Minute,
			RegistrationPollInterval: 5 * time.Second,
			ProvisionTimeout:         10 * time.Minute,
			MissingGrace:             2 * time.Minute,
		},
		Provider: prov,
		Queue:    queue,
		Events:   rec,
		Clock:    clk,
		Logger:   logger,
	})

	m := metrics.NewMetrics(prometheus.NewRegistry())
	opts := Options{
		Config: config.OrchestratorConfig{
			TickInterval:       10 * time.Second,
			Concurrency:        4,
			FailureThreshold:   3,
			DegradedBackoff:    time.Minute,
			DegradedBackoffMax: 4 * time.Minute,
		},
		Lifecycle:  runners,
		Demand:     queue,
		Predictor:  predictor.New(predictor.Config{}, clk),
		Controller: controller.New(0.5, logger),
		Events:     rec,
		Metrics:    m,
		Clock:      clk,
		Logger:     logger,
	}
	for _, fn := range mutate {
		fn(&opts)
	}

	return &fixture{
		o:       New(opts),
		runners: runners,
		prov:    prov,
		queue:   queue,
		rec:     rec,
		metrics: m,
		clk:     clk,
	}
}

func (f *fixture) configure(repos ...string) {
	var res []policy.Resolution
	for _, r := range repos {
		res = append(res, policy.Resolution{Repository: r, Policy: testPolicy()})
	}
	f.o.Configure(res)
}

// tick advances simulated time and runs one pass, stepping the clock for
// any backoff or poll the pass waits on.
func (f *fixture) tick(t *testing.T, advance time.Duration) {
	t.Helper()
	f.clk.Step(advance)

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.o.Tick(context.Background())
	}()

	timeout := time.After(10 * time.Second)
	for {
		select {
		case <-done:
			return
		case <-timeout:
			t.Fatal("tick did not finish")
		default:
		}
		if f.clk.HasWaiters() {
			f.clk.Step(10 * time.Millisecond)
		} else {
			time.Sleep(time.Millisecond)
		}
	}
}

func (f *fixture) status(t *testing.T, repo string) models.RepositoryStatus {
	t.Helper()
	st, err := f.o.RepositoryStatus(repo)
	require.NoError(t, err)
	return st
}

// scenarioA leaves repoA with one dedicated and three dynamic runners.
func scenarioA(t *testing.T, f *fixture) {
	t.Helper()

	f.configure(repoA)
	f.tick(t, 0)
	require.Equal(t, 1, f.status(t, repoA).Dedicated, "dedicated runner provisioned by reconciliation")

	// four jobs arrive at once, one lands on the dedicated runner
	f.queue.SetJobs(repoA, 3, 1)
	f.queue.SetAllBusy(repoA, true)
	f.tick(t, 30*time.Second)

	st := f.status(t, repoA)
	assert.Equal(t, 1, st.Dedicated)
	assert.Equal(t, 3, st.Dynamic)
}

func TestScenarioAScaleUpOnSaturation(t *testing.T) {
	f := newFixture(t)
	scenarioA(t, f)

	ups := f.rec.Events()
	var scaling []models.Event
	for _, e := range ups {
		if e.Type == models.EventScalingUp {
			scaling = append(scaling, e)
		}
	}
	require.Len(t, scaling, 1)
	assert.Equal(t, 3, scaling[0].Payload["count"])
	assert.Equal(t, 4, f.rec.Count(models.EventRunnerCreated))

	// the new runners pick up the queued jobs
	f.queue.SetJobs(repoA, 0, 4)
	f.queue.SetAllBusy(repoA, true)
	f.tick(t, 30*time.Second)

	st := f.status(t, repoA)
	assert.Equal(t, 4, st.Busy)
	assert.Equal(t, 3, st.Dynamic, "never above max_dynamic")

	decisions, err := f.o.Decisions(repoA, 1)
	require.NoError(t, err)
	assert.Equal(t, models.ActionNone, decisions[0].Action)
	assert.Contains(t, decisions[0].Reason, "max_dynamic")
}

func TestScenarioBRetiresIdleDynamic(t *testing.T) {
	f := newFixture(t)
	scenarioA(t, f)

	f.queue.SetJobs(repoA, 0, 4)
	f.queue.SetAllBusy(repoA, true)
	f.tick(t, 30*time.Second)

	// all jobs finish and nothing new arrives
	f.queue.SetJobs(repoA, 0, 0)
	f.queue.SetAllBusy(repoA, false)

	for i := 0; i < 60 && f.status(t, repoA).Dynamic > 0; i++ {
		f.tick(t, 30*time.Second)
	}

	st := f.status(t, repoA)
	assert.Equal(t, 0, st.Dynamic)
	assert.Equal(t, 1, st.Dedicated, "dedicated runner never retired")
	assert.Equal(t, 3, f.rec.Count(models.EventScalingDown), "one runner per scale-down")
	assert.Equal(t, 3, f.rec.Count(models.EventRunnerRemoved))

	// no two actions inside the cooldown
	decisions, err := f.o.Decisions(repoA, 0)
	require.NoError(t, err)
	var last time.Time
	for _, d := range decisions {
		if d.IsNoop() {
			continue
		}
		if !last.IsZero() {
			assert.GreaterOrEqual(t, d.DecidedAt.Sub(last), testPolicy().Cooldown,
				"%s at %s too close to previous action", d.Action, d.DecidedAt)
		}
		last = d.DecidedAt
	}

	// at rest, more ticks change nothing
	created := f.prov.CreateCalls()
	for i := 0; i < 5; i++ {
		f.tick(t, 30*time.Second)
	}
	assert.Equal(t, created, f.prov.CreateCalls())
	assert.Equal(t, 1, f.prov.Count(provider.Filter{Repository: repoA}))
}

func TestScenarioCProvisioningFailure(t *testing.T) {
	f := newFixture(t)
	pol := testPolicy()
	pol.MaxDynamic = 1
	f.o.Configure([]policy.Resolution{{Repository: repoA, Policy: pol}})

	f.tick(t, 0)
	f.queue.SetAllBusy(repoA, true)
	f.prov.FailCreates(3, nil)

	f.tick(t, 30*time.Second)

	assert.Equal(t, 1, f.rec.Count(models.EventRunnerFailed))
	st := f.status(t, repoA)
	assert.False(t, st.Degraded, "one failed tick is below the threshold")
	assert.Contains(t, st.LastError, "scale_up")
	assert.Equal(t, 0, st.Dynamic)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.TickErrors.WithLabelValues(repoA, "scale_up")))

	// next tick: suppressed until reconciliation succeeds, failure kept
	f.tick(t, 30*time.Second)
	decisions, _ := f.o.Decisions(repoA, 1)
	assert.Equal(t, controller.ReasonSuppressed, decisions[0].Reason)
	assert.Contains(t, f.status(t, repoA).LastError, "scale_up")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.TicksTotal.WithLabelValues(repoA, "held")))

	// the tick after retries provisioning
	f.tick(t, 2*time.Minute)
	st = f.status(t, repoA)
	assert.Equal(t, 1, st.Dynamic)
	assert.False(t, st.Degraded)
	assert.Equal(t, 0, f.rec.Count(models.EventRepositoryDegraded))
}

func TestScenarioDRepositoriesIndependent(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Lifecycle = &blockingLifecycle{Lifecycle: o.Lifecycle, block: repoA, started: make(chan struct{}), release: make(chan struct{})}
	})
	bl := f.o.lifecycle.(*blockingLifecycle)
	f.configure(repoA, repoB)
	f.tick(t, 0)

	f.queue.SetAllBusy(repoA, true)
	f.queue.SetAllBusy(repoB, true)
	f.clk.Step(30 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	workers := &errgroup.Group{}
	workers.SetLimit(2)

	f.o.dispatch(ctx, workers)
	<-bl.started

	// repoB finishes its whole tick while repoA is still stuck
	tickedAt := f.clk.Now()
	require.Eventually(t, func() bool {
		st := f.status(t, repoB)
		return st.Dynamic > 0 && st.LastTick.Equal(tickedAt)
	}, 5*time.Second, 5*time.Millisecond)

	// a later tick skips repoA and still serves repoB
	f.queue.SetAllBusy(repoB, true)
	f.clk.Step(3 * time.Minute)
	f.o.dispatch(ctx, workers)
	require.Eventually(t, func() bool {
		d, _ := f.o.Decisions(repoB, 0)
		return len(d) == 3
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.TicksSkipped.WithLabelValues("in_flight")))

	close(bl.release)
	require.NoError(t, workers.Wait())
	assert.Len(t, mustDecisions(t, f.o, repoA), 2)
}

func TestPersistentProvisioningFailureDegrades(t *testing.T) {
	f := newFixture(t)
	f.configure(repoA)
	f.tick(t, 0)

	f.queue.SetAllBusy(repoA, true)
	f.prov.FailCreates(1_000_000, nil)

	// failed and held ticks alternate; held ticks do not reset the count
	for i := 0; i < 4; i++ {
		f.tick(t, 3*time.Minute)
	}
	st := f.status(t, repoA)
	assert.False(t, st.Degraded)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.TickErrors.WithLabelValues(repoA, "scale_up")))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.TicksTotal.WithLabelValues(repoA, "held")))

	f.tick(t, 3*time.Minute)
	st = f.status(t, repoA)
	assert.True(t, st.Degraded)
	assert.Equal(t, 1, f.rec.Count(models.EventRepositoryDegraded))
	assert.Equal(t, 0, st.Dynamic)
}

func TestDegradedRepositoryStillScalesDown(t *testing.T) {
	f := newFixture(t)
	scenarioA(t, f)

	// the queue stops answering demand samples and every runner goes idle
	f.queue.FailJobs(1_000_000)
	f.queue.SetJobs(repoA, 0, 0)
	f.queue.SetAllBusy(repoA, false)

	for i := 0; i < 40 && f.status(t, repoA).Dynamic > 0; i++ {
		f.tick(t, time.Minute)
	}

	st := f.status(t, repoA)
	assert.True(t, st.Degraded)
	assert.Contains(t, st.LastError, "sample")
	assert.Equal(t, 0, st.Dynamic)
	assert.Equal(t, 1, st.Dedicated)
	assert.Equal(t, 3, f.rec.Count(models.EventScalingDown))
}

func TestObserveFailureStillReconciles(t *testing.T) {
	f := newFixture(t)
	f.configure(repoA)

	f.queue.FailLists(1)
	f.tick(t, 0)

	st := f.status(t, repoA)
	assert.Contains(t, st.LastError, "observe")
	assert.Equal(t, 1, f.prov.Count(provider.Filter{Repository: repoA}), "dedicated runner created by reconciliation")
}

func TestWorkerBudget(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Lifecycle = &blockingLifecycle{Lifecycle: o.Lifecycle, block: repoA, started: make(chan struct{}), release: make(chan struct{})}
	})
	bl := f.o.lifecycle.(*blockingLifecycle)
	f.configure(repoA, repoB)
	f.tick(t, 0)

	f.queue.SetAllBusy(repoA, true)
	f.clk.Step(30 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	workers := &errgroup.Group{}
	workers.SetLimit(1)

	f.o.dispatch(ctx, workers)
	<-bl.started

	// the only worker is taken, repoB waits for a later tick
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.TicksSkipped.WithLabelValues("no_worker")))
	assert.Len(t, mustDecisions(t, f.o, repoB), 1)

	close(bl.release)
	require.NoError(t, workers.Wait())

	f.o.dispatch(ctx, workers)
	require.NoError(t, workers.Wait())
	assert.Len(t, mustDecisions(t, f.o, repoB), 2)
}

func TestDegradedAndRecovered(t *testing.T) {
	f := newFixture(t)
	f.configure(repoA)
	f.tick(t, 0)

	f.queue.FailJobs(3)
	for i := 0; i < 3; i++ {
		f.tick(t, 30*time.Second)
	}

	st := f.status(t, repoA)
	require.True(t, st.Degraded)
	assert.Equal(t, 1, f.rec.Count(models.EventRepositoryDegraded))
	assert.Equal(t, 1, f.o.Status().Totals.DegradedRepositories)
	assert.Contains(t, st.LastError, "sample")

	// re-probed on the degraded backoff, not the check interval
	tickAt := st.LastTick
	f.tick(t, 30*time.Second)
	assert.Equal(t, tickAt, f.status(t, repoA).LastTick)

	// the probe succeeds but scale-up stays suppressed for it
	f.queue.SetAllBusy(repoA, true)
	f.tick(t, 30*time.Second)

	st = f.status(t, repoA)
	assert.False(t, st.Degraded)
	assert.Equal(t, 1, f.rec.Count(models.EventRepositoryRecovered))
	decisions := mustDecisions(t, f.o, repoA)
	assert.Contains(t, decisions[len(decisions)-1].Reason, "suppressed")
	assert.Equal(t, 0, st.Dynamic)

	f.tick(t, 30*time.Second)
	assert.Equal(t, 3, f.status(t, repoA).Dynamic)
}

func TestDegradedBackoff(t *testing.T) {
	o := New(Options{Config: config.OrchestratorConfig{DegradedBackoff: time.Minute, DegradedBackoffMax: 5 * time.Minute}})

	tests := []struct {
		probes int
		want   time.Duration
	}{
		{0, time.Minute},
		{1, 2 * time.Minute},
		{2, 4 * time.Minute},
		{3, 5 * time.Minute},
		{10, 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := o.degradedBackoff(tt.probes); got != tt.want {
			t.Errorf("degradedBackoff(%d) = %v, want %v", tt.probes, got, tt.want)
		}
	}
}

func TestDryRun(t *testing.T) {
	// trust even a cold start forecast so the first tick scales
	f := newFixture(t, func(o *Options) {
		o.DryRun = true
		o.Controller = controller.New(0.05, testLogger())
	})
	f.configure(repoA)
	f.queue.SetJobs(repoA, 5, 0)

	f.tick(t, 0)

	require.Equal(t, 1, f.rec.Count(models.EventScalingUp))
	up := f.rec.Recent(repoA, 10)
	for _, e := range up {
		if e.Type == models.EventScalingUp {
			assert.Equal(t, true, e.Payload["dry_run"])
		}
	}
	assert.Equal(t, 0, f.prov.CreateCalls())
}

func TestExcludedRepositoryKeepsDedicated(t *testing.T) {
	f := newFixture(t)
	f.o.Configure([]policy.Resolution{
		{Repository: repoA, Policy: testPolicy(), Err: errors.New("repository acme/api: max_dynamic must be >= 0")},
	})
	f.queue.SetJobs(repoA, 10, 0)

	f.tick(t, 0)

	st := f.status(t, repoA)
	assert.True(t, st.Excluded)
	assert.Contains(t, st.ExcludeReason, "max_dynamic")
	assert.Equal(t, 1, st.Dedicated)
	assert.Equal(t, 0, st.Dynamic)
	assert.Equal(t, 1, f.rec.Count(models.EventRepositoryExcluded))
	assert.Empty(t, mustDecisions(t, f.o, repoA))
}

func TestCheckIntervalGatesTicks(t *testing.T) {
	f := newFixture(t)
	f.configure(repoA)

	f.tick(t, 0)
	f.tick(t, 10*time.Second)
	f.tick(t, 10*time.Second)
	assert.Len(t, mustDecisions(t, f.o, repoA), 1)

	f.tick(t, 10*time.Second)
	assert.Len(t, mustDecisions(t, f.o, repoA), 2)
}

func TestStatusTotals(t *testing.T) {
	f := newFixture(t)
	scenarioA(t, f)
	f.o.Configure([]policy.Resolution{{Repository: repoB, Policy: testPolicy()}})
	f.tick(t, 30*time.Second)

	snap := f.o.Status()
	require.Len(t, snap.Repositories, 2)
	assert.Equal(t, repoA, snap.Repositories[0].Repository)
	assert.Equal(t, 2, snap.Totals.Dedicated)
	assert.Equal(t, 3, snap.Totals.Dynamic)
	assert.Equal(t, 5, snap.Totals.Runners)
	assert.Equal(t, f.clk.Now(), snap.Timestamp)

	_, err := f.o.RepositoryStatus("acme/none")
	assert.ErrorIs(t, err, ErrUnknownRepository)
	_, err = f.o.Instances("acme/none")
	assert.ErrorIs(t, err, ErrUnknownRepository)
}

func TestForecasts(t *testing.T) {
	f := newFixture(t)
	f.configure(repoA)
	f.queue.SetJobs(repoA, 2, 1)
	f.tick(t, 0)

	got, err := f.o.Forecasts(repoA)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, models.HorizonShort, got[0].Horizon)
	assert.True(t, got[0].ColdStart)
	assert.Equal(t, 3.0, got[0].Value)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	f.configure(repoA, repoB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, f.o.Start(ctx))
	assert.Error(t, f.o.Start(ctx), "second start rejected")

	assert.Equal(t, 2, f.prov.Count(provider.Filter{}), "dedicated runners provisioned at startup")
	require.Eventually(t, func() bool {
		return len(mustDecisions(t, f.o, repoA)) == 1 && len(mustDecisions(t, f.o, repoB)) == 1
	}, 5*time.Second, 5*time.Millisecond)

	f.o.Stop()
	f.o.Stop()

	// restartable
	require.NoError(t, f.o.Start(ctx))
	f.o.Stop()
}

func mustDecisions(t *testing.T, o *Orchestrator, repo string) []models.ScalingDecision {
	t.Helper()
	d, err := o.Decisions(repo, 0)
	require.NoError(t, err)
	return d
}

// blockingLifecycle parks the first ScaleUp of one repository until
// released.
type blockingLifecycle struct {
	Lifecycle
	block   string
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (b *blockingLifecycle) ScaleUp(ctx context.Context, repository string, n int) ([]models.RunnerInstance, error) {
	if repository == b.block {
		b.once.Do(func() { close(b.started) })
		select {
		case <-b.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return b.Lifecycle.ScaleUp(ctx, repository, n)
}
