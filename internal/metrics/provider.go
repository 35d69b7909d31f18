package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/HueCodes/zeno/internal/provider"
)

// InstrumentProvider wraps p so every substrate call is counted and timed.
// The result implements provider.Assigner only when p does.
func InstrumentProvider(p provider.Provider, m *Metrics) provider.Provider {
	ip := &instrumented{Provider: p, m: m}
	if a, ok := p.(provider.Assigner); ok {
		return &instrumentedAssigner{instrumented: ip, assigner: a}
	}
	return ip
}

type instrumented struct {
	provider.Provider
	m *Metrics
}

func (p *instrumented) observe(op string, began time.Time, err error) {
	status := "success"
	// a missing instance is an answer, not a substrate failure
	if err != nil && !errors.Is(err, provider.ErrNotFound) {
		status = "error"
		p.m.ProviderErrors.WithLabelValues(p.Name(), op).Inc()
	}
	p.m.ProviderOperations.WithLabelValues(p.Name(), op, status).Inc()
	p.m.ProviderDuration.WithLabelValues(p.Name(), op).Observe(time.Since(began).Seconds())
}

func (p *instrumented) CreateInstance(ctx context.Context, spec *provider.InstanceSpec) (*provider.Instance, error) {
	began := time.Now()
	inst, err := p.Provider.CreateInstance(ctx, spec)
	p.observe("create", began, err)
	return inst, err
}

func (p *instrumented) RemoveInstance(ctx context.Context, handle string) error {
	began := time.Now()
	err := p.Provider.RemoveInstance(ctx, handle)
	p.observe("remove", began, err)
	return err
}

func (p *instrumented) ListInstances(ctx context.Context, f provider.Filter) ([]*provider.Instance, error) {
	began := time.Now()
	out, err := p.Provider.ListInstances(ctx, f)
	p.observe("list", began, err)
	return out, err
}

func (p *instrumented) Probe(ctx context.Context, handle string) (provider.Health, error) {
	began := time.Now()
	h, err := p.Provider.Probe(ctx, handle)
	p.observe("probe", began, err)
	return h, err
}

type instrumentedAssigner struct {
	*instrumented
	assigner provider.Assigner
}

func (p *instrumentedAssigner) Assign(ctx context.Context, handle string, spec *provider.InstanceSpec) error {
	began := time.Now()
	err := p.assigner.Assign(ctx, handle, spec)
	p.observe("assign", began, err)
	return err
}
