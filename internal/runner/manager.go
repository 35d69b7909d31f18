package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/HueCodes/zeno/internal/config"
	"github.com/HueCodes/zeno/internal/events"
	"github.com/HueCodes/zeno/internal/github"
	"github.com/HueCodes/zeno/internal/models"
	"github.com/HueCodes/zeno/internal/policy"
	"github.com/HueCodes/zeno/internal/provider"
)

var (
	ErrUnknownRepository  = errors.New("unknown repository")
	ErrProvisioningFailed = errors.New("provisioning failed")
)

const defaultPollInterval = 5 * time.Second

// WorkQueue is the part of the work-queue provider the lifecycle needs.
type WorkQueue interface {
	ListRunners(ctx context.Context, repo string) ([]github.Runner, error)
	IssueRegistrationCredential(ctx context.Context, repo string) (*github.RegistrationToken, error)
	RemoveRunner(ctx context.Context, repo string, runnerID int64) error
	FindRun(ctx context.Context, repo, runnerName string) (int64, error)
	CancelQueuedWork(ctx context.Context, repo string, runID int64) error
}

// WarmPool hands out pre-created environments. Claim never blocks.
type WarmPool interface {
	Claim(template string) (*models.WarmSlot, bool)
}

type Options struct {
	Config config.LifecycleConfig
	// Labels are added to every runner on top of the policy labels.
	Labels []string
	// ServerURL is the web root runners register against.
	ServerURL string

	Provider provider.Provider
	Queue    WorkQueue
	// Pool is optional. It is ignored when Provider cannot assign.
	Pool   WarmPool
	Events events.Emitter
	Clock  clock.Clock
	Logger *slog.Logger
}

// tracked is a RunnerInstance plus bookkeeping that is not part of the
// public model.
type tracked struct {
	models.RunnerInstance
	// missingSince is when the runner was first seen absent from the work
	// queue while its environment was still running.
	missingSince time.Time
}

func (t *tracked) transition(s models.RunnerState, now time.Time) {
	if t.State == s {
		return
	}
	t.State = s
	t.StateChangedAt = now
}

// repoState is the registry partition of one repository.
type repoState struct {
	name string

	mu        sync.Mutex
	policy    policy.Policy
	instances map[string]*tracked
	adopted   bool
	// generation counts observations. A provisioning failure suppresses
	// scale-up until a reconciliation in a later generation succeeds.
	generation    uint64
	suppressed    bool
	suppressedGen uint64
}

// Manager owns every RunnerInstance. Operations on one repository must be
// serialized by the caller; reads such as State and Instances are safe at
// any time.
type Manager struct {
	cfg       config.LifecycleConfig
	labels    []string
	serverURL string
	provider  provider.Provider
	assigner  provider.Assigner
	queue     WorkQueue
	pool      WarmPool
	events    events.Emitter
	clock     clock.Clock
	logger    *slog.Logger

	mu    sync.RWMutex
	repos map[string]*repoState
}

func NewManager(opts Options) *Manager {
	m := &Manager{
		cfg:       opts.Config,
		labels:    opts.Labels,
		serverURL: strings.TrimSuffix(opts.ServerURL, "/"),
		provider:  opts.Provider,
		queue:     opts.Queue,
		pool:      opts.Pool,
		events:    opts.Events,
		clock:     opts.Clock,
		logger:    opts.Logger,
		repos:     make(map[string]*repoState),
	}
	if m.serverURL == "" {
		m.serverURL = "https://github.com"
	}
	if m.events == nil {
		m.events = events.Discard
	}
	if m.clock == nil {
		m.clock = clock.RealClock{}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "lifecycle")

	if a, ok := opts.Provider.(provider.Assigner); ok {
		m.assigner = a
	}
	if m.pool != nil && m.assigner == nil {
		m.logger.Warn("provider cannot assign warm instances, warm pool ignored", "provider", opts.Provider.Name())
		m.pool = nil
	}
	return m
}

// Register adds a repository or replaces its policy.
func (m *Manager) Register(repository string, p policy.Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rs, ok := m.repos[repository]; ok {
		rs.mu.Lock()
		rs.policy = p
		rs.mu.Unlock()
		return
	}
	m.repos[repository] = &repoState{
		name:      repository,
		policy:    p,
		instances: make(map[string]*tracked),
	}
}

// Repositories returns the registered repositories, sorted.
func (m *Manager) Repositories() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.repos))
	for name := range m.repos {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) repo(repository string) (*repoState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rs, ok := m.repos[repository]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRepository, repository)
	}
	return rs, nil
}

// Observe refreshes runner states from the work queue and returns the
// resulting capacity. On a work-queue error the last known capacity is
// returned with the error.
func (m *Manager) Observe(ctx context.Context, repository string) (models.CapacityState, error) {
	rs, err := m.repo(repository)
	if err != nil {
		return models.CapacityState{}, err
	}

	runners, listErr := m.queue.ListRunners(ctx, repository)
	now := m.clock.Now()

	rs.mu.Lock()
	defer rs.mu.Unlock()

	rs.generation++
	if listErr != nil {
		return rs.capacity(now), fmt.Errorf("failed to list runners: %w", listErr)
	}

	byName := make(map[string]github.Runner, len(runners))
	for _, r := range runners {
		byName[r.Name] = r
	}

	for _, t := range rs.instances {
		switch t.State {
		case models.StateRegistering, models.StateIdle, models.StateBusy:
		default:
			continue
		}
		r, ok := byName[t.Name]
		if !ok || !r.Online() {
			continue
		}
		t.ProviderID = r.ID
		t.missingSince = time.Time{}
		switch {
		case r.Busy:
			t.LastBusyAt = now
			t.transition(models.StateBusy, now)
		case t.State == models.StateBusy:
			t.LastBusyAt = now
			t.transition(models.StateIdle, now)
		case t.State == models.StateRegistering:
			t.transition(models.StateIdle, now)
		}
	}

	return rs.capacity(now), nil
}

// State returns the capacity from the registry without calling out.
func (m *Manager) State(repository string) (models.CapacityState, error) {
	rs, err := m.repo(repository)
	if err != nil {
		return models.CapacityState{}, err
	}
	now := m.clock.Now()

	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.capacity(now), nil
}

// Instances returns copies of the repository's instances, oldest first.
func (m *Manager) Instances(repository string) ([]models.RunnerInstance, error) {
	rs, err := m.repo(repository)
	if err != nil {
		return nil, err
	}

	rs.mu.Lock()
	out := make([]models.RunnerInstance, 0, len(rs.instances))
	for _, t := range rs.instances {
		out = append(out, t.RunnerInstance)
	}
	rs.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// capacity must be called with rs.mu held.
func (rs *repoState) capacity(now time.Time) models.CapacityState {
	var s models.CapacityState
	for _, t := range rs.instances {
		if !t.State.Active() {
			continue
		}
		busy := t.State == models.StateBusy
		switch t.Class {
		case models.ClassDedicated:
			s.DedicatedTotal++
			if busy {
				s.DedicatedBusy++
			}
		case models.ClassDynamic:
			s.DynamicTotal++
			if busy {
				s.DynamicBusy++
			}
			if t.State == models.StateIdle && t.IdleFor(now) >= rs.policy.IdleTimeout {
				s.IdleDynamic++
			}
		}
	}
	s.ScaleUpSuppressed = rs.suppressed
	return s
}

// active counts instances of class that count as capacity. Caller holds
// rs.mu.
func (rs *repoState) active(class models.RunnerClass) int {
	n := 0
	for _, t := range rs.instances {
		if t.Class == class && t.State.Active() {
			n++
		}
	}
	return n
}

func (rs *repoState) add(t *tracked) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.instances[t.ID] = t
}

func (rs *repoState) remove(t *tracked) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	delete(rs.instances, t.ID)
}

// update runs fn with rs.mu held and returns a copy of the instance.
func (rs *repoState) update(t *tracked, fn func()) models.RunnerInstance {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if fn != nil {
		fn()
	}
	return t.RunnerInstance
}

func (rs *repoState) suppress() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.suppressed = true
	rs.suppressedGen = rs.generation
}

func (m *Manager) emit(typ models.EventType, inst models.RunnerInstance, reason string) {
	payload := map[string]any{
		"id":    inst.ID,
		"name":  inst.Name,
		"class": string(inst.Class),
		"state": string(inst.State),
	}
	if inst.Handle != "" {
		payload["handle"] = inst.Handle
	}
	if inst.FromWarmPool {
		payload["from_warm_pool"] = true
	}
	if reason != "" {
		payload["reason"] = reason
	}
	m.events.Emit(models.Event{
		Type:       typ,
		Repository: inst.Repository,
		Timestamp:  m.clock.Now(),
		Payload:    payload,
	})
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) error {
	t := m.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C():
		return nil
	}
}

func runnerName(repository string, class models.RunnerClass, id string) string {
	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("zeno-%s-%s-%s", strings.ReplaceAll(repository, "/", "-"), class, short)
}
