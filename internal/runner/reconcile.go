package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/HueCodes/zeno/internal/github"
	"github.com/HueCodes/zeno/internal/models"
	"github.com/HueCodes/zeno/internal/provider"
)

// Report summarises what one reconciliation pass changed.
type Report struct {
	Adopted     int
	Orphans     int
	Vanished    int
	Stuck       int
	Collected   int
	Replaced    int
	Provisioned int
}

// Changed reports whether the pass corrected any drift.
func (r Report) Changed() bool {
	return r != Report{}
}

// Reconcile compares the registry with the substrate and the work queue and
// corrects drift:
//
//   - environments the registry does not know are removed, except on the
//     first pass, where registered ones are adopted within policy bounds
//   - instances whose environment disappeared are dropped
//   - instances stuck pending or registering past the provision timeout are
//     marked failed, and failed instances are collected
//   - runners missing from the work queue past the grace period are
//     replaced
//   - missing dedicated instances are provisioned
//
// A pass without errors in a later tick than a provisioning failure lifts
// the scale-up suppression.
func (m *Manager) Reconcile(ctx context.Context, repository string) (Report, error) {
	var report Report

	rs, err := m.repo(repository)
	if err != nil {
		return report, err
	}

	instances, err := m.provider.ListInstances(ctx, provider.Filter{Repository: repository})
	if err != nil {
		return report, fmt.Errorf("failed to list instances: %w", err)
	}
	runners, err := m.queue.ListRunners(ctx, repository)
	if err != nil {
		return report, fmt.Errorf("failed to list runners: %w", err)
	}

	byName := make(map[string]github.Runner, len(runners))
	for _, r := range runners {
		byName[r.Name] = r
	}

	now := m.clock.Now()
	var (
		orphans  []*provider.Instance
		vanished []*tracked
		stuck    []*tracked
		failed   []*tracked
		replace  []*tracked
	)

	rs.mu.Lock()
	if !rs.adopted {
		report.Adopted = m.adopt(rs, instances, byName)
		rs.adopted = true
	}

	live := make(map[string]bool, len(instances))
	for _, inst := range instances {
		live[inst.Handle] = true
	}
	known := make(map[string]bool, len(rs.instances))
	for _, t := range rs.instances {
		if t.Handle != "" {
			known[t.Handle] = true
		}
	}
	for _, inst := range instances {
		if !known[inst.Handle] {
			orphans = append(orphans, inst)
		}
	}

	for _, t := range rs.instances {
		switch t.State {
		case models.StateFailed:
			failed = append(failed, t)
		case models.StatePending, models.StateRegistering:
			if m.cfg.ProvisionTimeout > 0 && now.Sub(t.StateChangedAt) >= m.cfg.ProvisionTimeout {
				stuck = append(stuck, t)
			}
		case models.StateIdle, models.StateBusy:
			if t.Handle != "" && !live[t.Handle] {
				vanished = append(vanished, t)
				continue
			}
			if r, ok := byName[t.Name]; ok && r.Online() {
				t.missingSince = time.Time{}
				continue
			}
			if t.missingSince.IsZero() {
				t.missingSince = now
			} else if now.Sub(t.missingSince) >= m.cfg.MissingGrace {
				replace = append(replace, t)
			}
		}
	}
	rs.mu.Unlock()

	var errs []error

	for _, inst := range orphans {
		m.logger.Info("removing orphaned instance",
			"repository", repository,
			"handle", inst.Handle,
			"name", inst.Name,
		)
		if err := m.provider.RemoveInstance(ctx, inst.Handle); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove orphan %s: %w", inst.Handle, err))
			continue
		}
		report.Orphans++
	}

	for _, t := range vanished {
		inst := rs.update(t, func() { t.transition(models.StateTerminated, now) })
		rs.remove(t)
		if inst.ProviderID != 0 {
			if err := m.queue.RemoveRunner(ctx, repository, inst.ProviderID); err != nil {
				m.logger.Warn("failed to deregister vanished runner", "repository", repository, "runner", inst.Name, "error", err)
			}
		}
		m.logger.Warn("instance disappeared from provider", "repository", repository, "runner", inst.Name, "handle", inst.Handle)
		m.emit(models.EventRunnerRemoved, inst, "environment disappeared")
		report.Vanished++
	}

	for _, t := range stuck {
		inst := rs.update(t, func() {
			t.LastError = "provisioning timed out"
			t.transition(models.StateFailed, now)
		})
		m.logger.Warn("instance stuck in provisioning, marked failed",
			"repository", repository,
			"runner", inst.Name,
			"since", inst.StateChangedAt,
		)
		m.emit(models.EventRunnerFailed, inst, inst.LastError)
		report.Stuck++
	}

	for _, t := range failed {
		if err := m.collect(ctx, rs, t, "failed"); err != nil {
			errs = append(errs, err)
			continue
		}
		report.Collected++
	}

	for _, t := range replace {
		inst := rs.update(t, nil)
		m.logger.Warn("runner missing from work queue, replacing",
			"repository", repository,
			"runner", inst.Name,
		)
		if err := m.collect(ctx, rs, t, "deregistered"); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := m.provision(ctx, rs, inst.Class); err != nil {
			errs = append(errs, err)
			continue
		}
		report.Replaced++
	}

	created, err := m.ensureDedicated(ctx, rs)
	for _, inst := range created {
		if inst.State != models.StateFailed {
			report.Provisioned++
		}
	}
	if err != nil {
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		rs.mu.Lock()
		if rs.suppressed && rs.generation > rs.suppressedGen {
			rs.suppressed = false
			m.logger.Info("scale-up suppression lifted", "repository", repository)
		}
		rs.mu.Unlock()
	}

	if report.Changed() {
		m.logger.Info("reconciled drift",
			"repository", repository,
			"adopted", report.Adopted,
			"orphans", report.Orphans,
			"vanished", report.Vanished,
			"stuck", report.Stuck,
			"collected", report.Collected,
			"replaced", report.Replaced,
			"provisioned", report.Provisioned,
		)
	}

	return report, errors.Join(errs...)
}

// collect releases an instance's environment and registration and drops it
// from the registry. On error it stays for the next pass.
func (m *Manager) collect(ctx context.Context, rs *repoState, t *tracked, reason string) error {
	inst := rs.update(t, nil)

	if inst.Handle != "" {
		if err := m.provider.RemoveInstance(ctx, inst.Handle); err != nil {
			return fmt.Errorf("failed to remove instance %s: %w", inst.Handle, err)
		}
	}
	if inst.ProviderID != 0 {
		if err := m.queue.RemoveRunner(ctx, rs.name, inst.ProviderID); err != nil {
			m.logger.Warn("failed to deregister runner", "repository", rs.name, "runner", inst.Name, "error", err)
		}
	}

	if inst.State != models.StateFailed {
		inst = rs.update(t, func() { t.transition(models.StateTerminated, m.clock.Now()) })
	}
	rs.remove(t)
	m.emit(models.EventRunnerRemoved, inst, reason)
	return nil
}

// adopt takes over environments left by a previous controller that are
// registered and online, up to the policy bounds per class. Caller holds
// rs.mu.
func (m *Manager) adopt(rs *repoState, instances []*provider.Instance, byName map[string]github.Runner) int {
	known := make(map[string]bool, len(rs.instances))
	for _, t := range rs.instances {
		known[t.Handle] = true
	}
	limit := map[models.RunnerClass]int{
		models.ClassDedicated: rs.policy.DedicatedCount - rs.active(models.ClassDedicated),
		models.ClassDynamic:   rs.policy.MaxDynamic - rs.active(models.ClassDynamic),
	}

	now := m.clock.Now()
	adopted := 0
	for _, inst := range instances {
		if known[inst.Handle] || inst.ID == "" || inst.Warm {
			continue
		}
		r, ok := byName[inst.Name]
		if !ok || !r.Online() || limit[inst.Class] <= 0 {
			continue
		}
		limit[inst.Class]--

		t := &tracked{RunnerInstance: models.RunnerInstance{
			ID:             inst.ID,
			Name:           inst.Name,
			Repository:     rs.name,
			Class:          inst.Class,
			State:          models.StateIdle,
			Template:       inst.Template,
			Handle:         inst.Handle,
			ProviderID:     r.ID,
			CreatedAt:      inst.CreatedAt,
			StateChangedAt: now,
		}}
		if r.Busy {
			t.State = models.StateBusy
			t.LastBusyAt = now
		}
		rs.instances[t.ID] = t
		adopted++

		m.logger.Info("adopted existing runner",
			"repository", rs.name,
			"runner", inst.Name,
			"class", inst.Class,
			"handle", inst.Handle,
		)
	}
	return adopted
}
