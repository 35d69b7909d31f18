package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/HueCodes/zeno/internal/models"
)

// ScaleDown retires up to n dynamic instances, longest idle first. Only
// instances idle for at least the policy idle timeout are candidates. Each
// one drains before its environment is released.
func (m *Manager) ScaleDown(ctx context.Context, repository string, n int) ([]models.RunnerInstance, error) {
	rs, err := m.repo(repository)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}

	now := m.clock.Now()

	rs.mu.Lock()
	var candidates []*tracked
	for _, t := range rs.instances {
		if t.Class != models.ClassDynamic || t.State != models.StateIdle {
			continue
		}
		if t.IdleFor(now) < rs.policy.IdleTimeout {
			continue
		}
		candidates = append(candidates, t)
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i].IdleSince(), candidates[j].IdleSince()
		if !a.Equal(b) {
			return a.Before(b)
		}
		return candidates[i].Name < candidates[j].Name
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	for _, t := range candidates {
		t.transition(models.StateDraining, now)
	}
	rs.mu.Unlock()

	var (
		out  []models.RunnerInstance
		errs []error
	)
	for _, t := range candidates {
		inst, err := m.drain(ctx, rs, t)
		out = append(out, inst)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return out, errors.Join(errs...)
}

// drain deregisters the runner so it takes no new work, waits for any job
// it already holds and removes its environment. Past the drain timeout the
// running job is cancelled. If ctx ends before the runner is deregistered
// the instance goes back to idle so a later tick can pick it again.
func (m *Manager) drain(ctx context.Context, rs *repoState, t *tracked) (models.RunnerInstance, error) {
	inst := rs.update(t, nil)
	logger := m.logger.With("repository", rs.name, "runner", inst.Name)
	logger.Info("draining runner", "handle", inst.Handle)

	deregistered, err := m.awaitIdle(ctx, rs, inst)
	if err != nil {
		inst = rs.update(t, func() { t.transition(models.StateIdle, m.clock.Now()) })
		logger.Warn("drain aborted", "error", err)
		return inst, fmt.Errorf("failed to drain %s: %w", inst.Name, err)
	}

	// Past this point the runner is going away, so finish even if ctx ends.
	ctx = context.WithoutCancel(ctx)

	if !deregistered && inst.ProviderID != 0 {
		if err := m.queue.RemoveRunner(ctx, rs.name, inst.ProviderID); err != nil {
			logger.Warn("failed to deregister runner", "runner_id", inst.ProviderID, "error", err)
		}
	}

	if inst.Handle != "" {
		if err := m.provider.RemoveInstance(ctx, inst.Handle); err != nil {
			inst = rs.update(t, func() {
				t.LastError = err.Error()
				t.transition(models.StateFailed, m.clock.Now())
			})
			logger.Error("failed to remove environment", "handle", inst.Handle, "error", err)
			m.emit(models.EventRunnerFailed, inst, "remove failed")
			return inst, fmt.Errorf("failed to remove instance %s: %w", inst.Handle, err)
		}
	}

	inst = rs.update(t, func() { t.transition(models.StateTerminated, m.clock.Now()) })
	rs.remove(t)

	logger.Info("runner retired")
	m.emit(models.EventRunnerRemoved, inst, "scale down")
	return inst, nil
}

// awaitIdle tries to deregister the runner on every poll. The work queue
// refuses while the runner holds a job, so success means it is idle and
// off the queue. A runner with no known ID is polled by name instead.
// After the drain timeout the job is cancelled and the wait ends.
func (m *Manager) awaitIdle(ctx context.Context, rs *repoState, inst models.RunnerInstance) (deregistered bool, err error) {
	interval := m.cfg.DrainPollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	deadline := m.clock.Now().Add(m.cfg.DrainTimeout)

	for {
		if inst.ProviderID != 0 {
			rerr := m.queue.RemoveRunner(ctx, rs.name, inst.ProviderID)
			if rerr == nil {
				return true, nil
			}
			m.logger.Debug("runner not deregistered yet", "repository", rs.name, "runner", inst.Name, "error", rerr)
		} else {
			busy, berr := m.runnerBusy(ctx, rs.name, inst.Name)
			if berr != nil {
				m.logger.Debug("drain poll failed", "repository", rs.name, "runner", inst.Name, "error", berr)
			} else if !busy {
				return false, nil
			}
		}

		if !m.clock.Now().Before(deadline) {
			m.cancelRun(ctx, rs.name, inst.Name)
			return false, nil
		}
		if err := m.sleep(ctx, interval); err != nil {
			return false, err
		}
	}
}

func (m *Manager) runnerBusy(ctx context.Context, repository, name string) (bool, error) {
	runners, err := m.queue.ListRunners(ctx, repository)
	if err != nil {
		return false, err
	}
	for _, r := range runners {
		if r.Name == name {
			return r.Busy, nil
		}
	}
	return false, nil
}

func (m *Manager) cancelRun(ctx context.Context, repository, name string) {
	runID, err := m.queue.FindRun(ctx, repository, name)
	if err != nil {
		m.logger.Warn("failed to find run on draining runner", "repository", repository, "runner", name, "error", err)
		return
	}
	if runID == 0 {
		return
	}
	m.logger.Warn("drain timed out, cancelling run", "repository", repository, "runner", name, "run_id", runID)
	if err := m.queue.CancelQueuedWork(ctx, repository, runID); err != nil {
		m.logger.Warn("failed to cancel run", "repository", repository, "run_id", runID, "error", err)
	}
}
