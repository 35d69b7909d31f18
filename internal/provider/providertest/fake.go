// Package providertest provides an in-memory execution substrate for tests.
package providertest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"k8s.io/utils/clock"

	"github.com/HueCodes/zeno/internal/provider"
)

// ErrCreate is returned by injected CreateInstance failures.
var ErrCreate = errors.New("fake: create failed")

// Provider implements provider.Provider and provider.Assigner in memory. It
// is safe for concurrent use.
type Provider struct {
	// OnCreate runs after an instance is created, outside the lock. Tests use
	// it to make the runner register with a fake work queue.
	OnCreate func(spec *provider.InstanceSpec)
	// OnAssign runs after a warm instance is assigned.
	OnAssign func(handle string, spec *provider.InstanceSpec)

	clock clock.PassiveClock

	mu                sync.Mutex
	seq               int
	instances         map[string]*provider.Instance
	unhealthy         map[string]bool
	failCreate        int
	createErr         error
	failRemove        int
	assignUnsupported bool
	createCalls       int
	removeCalls       int
	assignCalls       int
	healthErr         error
}

// New returns an empty fake. A nil clock uses wall time.
func New(clk clock.PassiveClock) *Provider {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Provider{
		clock:     clk,
		instances: make(map[string]*provider.Instance),
		unhealthy: make(map[string]bool),
	}
}

func (p *Provider) Name() string {
	return "fake"
}

func (p *Provider) CreateInstance(ctx context.Context, spec *provider.InstanceSpec) (*provider.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.createCalls++
	if p.failCreate > 0 {
		p.failCreate--
		err := p.createErr
		p.mu.Unlock()
		return nil, err
	}
	p.seq++
	inst := &provider.Instance{
		Handle:     fmt.Sprintf("fake-%04d", p.seq),
		ID:         spec.ID,
		Name:       spec.Name,
		Repository: spec.Repository,
		Class:      spec.Class,
		Template:   spec.Template,
		Warm:       spec.Warm,
		State:      "running",
		CreatedAt:  p.clock.Now(),
	}
	p.instances[inst.Handle] = inst
	out := *inst
	hook := p.OnCreate
	p.mu.Unlock()

	if hook != nil {
		hook(spec)
	}
	return &out, nil
}

func (p *Provider) RemoveInstance(ctx context.Context, handle string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.removeCalls++
	if p.failRemove > 0 {
		p.failRemove--
		return fmt.Errorf("fake: remove %s failed", handle)
	}
	delete(p.instances, handle)
	delete(p.unhealthy, handle)
	return nil
}

func (p *Provider) ListInstances(ctx context.Context, f provider.Filter) ([]*provider.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*provider.Instance
	for _, inst := range p.instances {
		if f.Matches(inst) {
			c := *inst
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out, nil
}

func (p *Provider) Probe(ctx context.Context, handle string) (provider.Health, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.instances[handle]; !ok {
		return provider.Unhealthy, provider.ErrNotFound
	}
	if p.unhealthy[handle] {
		return provider.Unhealthy, nil
	}
	return provider.Healthy, nil
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthErr
}

// SetHealthError makes HealthCheck return err until it is reset with nil.
func (p *Provider) SetHealthError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthErr = err
}

func (p *Provider) Close() error {
	return nil
}

func (p *Provider) Assign(ctx context.Context, handle string, spec *provider.InstanceSpec) error {
	p.mu.Lock()
	p.assignCalls++
	if p.assignUnsupported {
		p.mu.Unlock()
		return provider.ErrAssignUnsupported
	}
	inst, ok := p.instances[handle]
	if !ok {
		p.mu.Unlock()
		return provider.ErrNotFound
	}
	inst.ID = spec.ID
	inst.Name = spec.Name
	inst.Repository = spec.Repository
	inst.Class = spec.Class
	inst.Warm = false
	hook := p.OnAssign
	p.mu.Unlock()

	if hook != nil {
		hook(handle, spec)
	}
	return nil
}

// FailCreates makes the next n CreateInstance calls return err, or ErrCreate
// when err is nil.
func (p *Provider) FailCreates(n int, err error) {
	if err == nil {
		err = ErrCreate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failCreate = n
	p.createErr = err
}

// FailRemoves makes the next n RemoveInstance calls fail.
func (p *Provider) FailRemoves(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failRemove = n
}

// DisableAssign makes Assign return provider.ErrAssignUnsupported.
func (p *Provider) DisableAssign() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.assignUnsupported = true
}

// SetUnhealthy makes Probe report handle as unhealthy.
func (p *Provider) SetUnhealthy(handle string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unhealthy[handle] = true
}

// Drop deletes an instance behind the caller's back, as if it was removed
// out of band.
func (p *Provider) Drop(handle string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.instances, handle)
}

// Inject adds an instance the caller did not create.
func (p *Provider) Inject(inst provider.Instance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = p.clock.Now()
	}
	p.instances[inst.Handle] = &inst
}

// Count returns how many live instances match f.
func (p *Provider) Count(f provider.Filter) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, inst := range p.instances {
		if f.Matches(inst) {
			n++
		}
	}
	return n
}

func (p *Provider) CreateCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.createCalls
}

func (p *Provider) RemoveCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.removeCalls
}

func (p *Provider) AssignCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.assignCalls
}

var (
	_ provider.Provider = (*Provider)(nil)
	_ provider.Assigner = (*Provider)(nil)
)
