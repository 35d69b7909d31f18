package warmpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"k8s.io/utils/clock"

	"github.com/HueCodes/zeno/internal/config"
	"github.com/HueCodes/zeno/internal/models"
	"github.com/HueCodes/zeno/internal/provider"
	"github.com/HueCodes/zeno/internal/retry"
)

// pool holds the ready slots of one template, oldest first.
type pool struct {
	tmpl config.TemplateConfig

	mu       sync.Mutex
	slots    []*models.WarmSlot
	inflight int
	kick     chan struct{}
}

func (p *pool) signal() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Manager keeps a pool of unassigned environments per template. Each
// template is replenished by its own goroutine and has its own lock.
type Manager struct {
	provider provider.Provider
	maxAge   time.Duration
	schedule string
	backoff  retry.Backoff
	clock    clock.Clock
	logger   *slog.Logger

	pools map[string]*pool

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func New(cfg config.WarmPoolConfig, p provider.Provider, clk clock.Clock, logger *slog.Logger) *Manager {
	if clk == nil {
		clk = clock.RealClock{}
	}
	m := &Manager{
		provider: p,
		maxAge:   cfg.MaxAge,
		schedule: cfg.SweepSchedule,
		backoff:  retry.DefaultBackoff(),
		clock:    clk,
		logger:   logger.With("component", "warmpool"),
		pools:    make(map[string]*pool),
	}
	for _, t := range cfg.Templates {
		if t.Size <= 0 {
			continue
		}
		m.pools[t.Name] = &pool{tmpl: t, kick: make(chan struct{}, 1)}
	}
	return m
}

// Claim hands out the oldest ready slot of template and triggers
// replenishment. It never blocks on the substrate; an empty pool returns
// false.
func (m *Manager) Claim(template string) (*models.WarmSlot, bool) {
	p, ok := m.pools[template]
	if !ok {
		return nil, false
	}

	p.mu.Lock()
	if len(p.slots) == 0 {
		p.mu.Unlock()
		p.signal()
		return nil, false
	}
	slot := p.slots[0]
	p.slots = p.slots[1:]
	p.mu.Unlock()

	p.signal()
	m.logger.Debug("warm slot claimed", "template", template, "handle", slot.Handle)
	return slot, true
}

// Size returns the number of ready slots for template.
func (m *Manager) Size(template string) int {
	p, ok := m.pools[template]
	if !ok {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// Sizes returns ready slots per template.
func (m *Manager) Sizes() map[string]int {
	out := make(map[string]int, len(m.pools))
	for name := range m.pools {
		out[name] = m.Size(name)
	}
	return out
}

// Templates returns the configured template names, sorted.
func (m *Manager) Templates() []string {
	out := make([]string, 0, len(m.pools))
	for name := range m.pools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Start adopts warm environments left by a previous run, then starts the
// replenishers and the health sweep.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return nil
	}

	if err := m.adopt(ctx); err != nil {
		m.logger.Warn("failed to adopt existing warm instances", "error", err)
	}

	c := cron.New()
	if _, err := c.AddFunc(m.schedule, func() {
		m.Sweep(ctx)
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", m.schedule, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.cron = c

	for _, p := range m.pools {
		m.wg.Add(1)
		go m.run(runCtx, p)
	}
	c.Start()
	m.started = true

	m.logger.Info("warm pool started", "templates", m.Templates(), "schedule", m.schedule)
	return nil
}

// Stop halts replenishment and the sweep. Ready slots are left running so
// the next start can adopt them.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return
	}
	<-m.cron.Stop().Done()
	m.cancel()
	m.wg.Wait()
	m.started = false

	m.logger.Info("warm pool stopped")
}

// Replenish fills every pool to its target size and returns the first
// creation error per template.
func (m *Manager) Replenish(ctx context.Context) error {
	var errs []error
	for _, p := range m.pools {
		if err := m.fill(ctx, p); err != nil {
			errs = append(errs, fmt.Errorf("template %s: %w", p.tmpl.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) run(ctx context.Context, p *pool) {
	defer m.wg.Done()

	failures := 0
	for {
		if err := m.fill(ctx, p); err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			delay := m.backoff.Delay(failures)
			m.logger.Warn("failed to replenish warm pool",
				"template", p.tmpl.Name,
				"error", err,
				"retry_in", delay,
			)
			t := m.clock.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C():
			}
			continue
		}
		failures = 0

		select {
		case <-ctx.Done():
			return
		case <-p.kick:
		}
	}
}

// fill creates slots one at a time until the pool, counting creations in
// flight, reaches its size.
func (m *Manager) fill(ctx context.Context, p *pool) error {
	for {
		p.mu.Lock()
		if len(p.slots)+p.inflight >= p.tmpl.Size {
			p.mu.Unlock()
			return nil
		}
		p.inflight++
		p.mu.Unlock()

		slot, err := m.create(ctx, p.tmpl)

		p.mu.Lock()
		p.inflight--
		if err == nil {
			p.slots = append(p.slots, slot)
		}
		p.mu.Unlock()

		if err != nil {
			return err
		}
	}
}

func (m *Manager) create(ctx context.Context, t config.TemplateConfig) (*models.WarmSlot, error) {
	id := uuid.New().String()
	inst, err := m.provider.CreateInstance(ctx, &provider.InstanceSpec{
		ID:       id,
		Name:     fmt.Sprintf("zeno-warm-%s-%s", t.Name, id[:8]),
		Template: t.Name,
		Image:    t.Image,
		Labels:   t.Labels,
		Warm:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create warm instance: %w", err)
	}

	m.logger.Info("warm slot ready", "template", t.Name, "handle", inst.Handle)
	return &models.WarmSlot{
		ID:        id,
		Template:  t.Name,
		Handle:    inst.Handle,
		CreatedAt: m.clock.Now(),
	}, nil
}

// Sweep evicts slots older than the max age or failing a liveness probe and
// triggers their replacement. It returns the number evicted.
func (m *Manager) Sweep(ctx context.Context) int {
	now := m.clock.Now()
	evicted := 0

	for _, p := range m.pools {
		n := 0
		p.mu.Lock()
		slots := append([]*models.WarmSlot(nil), p.slots...)
		p.mu.Unlock()

		for _, s := range slots {
			reason := ""
			if m.maxAge > 0 && now.Sub(s.CreatedAt) >= m.maxAge {
				reason = "expired"
			} else {
				health, err := m.provider.Probe(ctx, s.Handle)
				switch {
				case errors.Is(err, provider.ErrNotFound):
					reason = "missing"
				case err != nil:
					m.logger.Warn("warm slot probe failed", "template", s.Template, "handle", s.Handle, "error", err)
					continue
				case health != provider.Healthy:
					reason = "unhealthy"
				}
			}

			if reason == "" {
				p.mu.Lock()
				s.LastProbedAt = now
				p.mu.Unlock()
				continue
			}
			if !m.evict(p, s) {
				// claimed while we were probing
				continue
			}
			n++

			m.logger.Info("evicting warm slot", "template", s.Template, "handle", s.Handle, "reason", reason)
			if reason != "missing" {
				if err := m.provider.RemoveInstance(ctx, s.Handle); err != nil {
					m.logger.Warn("failed to remove warm slot", "handle", s.Handle, "error", err)
				}
			}
		}

		if n > 0 {
			evicted += n
			p.signal()
		}
	}
	return evicted
}

func (m *Manager) evict(p *pool, s *models.WarmSlot) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, cur := range p.slots {
		if cur == s {
			p.slots = append(p.slots[:i:i], p.slots[i+1:]...)
			return true
		}
	}
	return false
}

// adopt puts unassigned warm environments back into their pools, up to the
// pool size, and removes the rest.
func (m *Manager) adopt(ctx context.Context) error {
	instances, err := m.provider.ListInstances(ctx, provider.Filter{WarmOnly: true})
	if err != nil {
		return err
	}

	for _, inst := range instances {
		if inst.Repository != "" {
			// handed to a repository, the lifecycle manager owns it
			continue
		}
		p, ok := m.pools[inst.Template]
		keep := false
		if ok {
			p.mu.Lock()
			if p.holds(inst.Handle) {
				p.mu.Unlock()
				continue
			}
			if len(p.slots) < p.tmpl.Size {
				p.slots = append(p.slots, &models.WarmSlot{
					ID:        inst.ID,
					Template:  inst.Template,
					Handle:    inst.Handle,
					CreatedAt: inst.CreatedAt,
				})
				keep = true
			}
			p.mu.Unlock()
		}
		if keep {
			m.logger.Info("adopted warm slot", "template", inst.Template, "handle", inst.Handle)
			continue
		}
		if err := m.provider.RemoveInstance(ctx, inst.Handle); err != nil {
			m.logger.Warn("failed to remove surplus warm instance", "handle", inst.Handle, "error", err)
		}
	}
	return nil
}

// holds reports whether handle is already tracked. Callers hold p.mu.
func (p *pool) holds(handle string) bool {
	for _, s := range p.slots {
		if s.Handle == handle {
			return true
		}
	}
	return false
}
