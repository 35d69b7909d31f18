package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/HueCodes/zeno/internal/models"
	"github.com/HueCodes/zeno/internal/provider"
	"github.com/HueCodes/zeno/internal/retry"
)

// EnsureDedicated creates the dedicated instances the policy asks for and
// that are not already active. With no drift it does nothing.
func (m *Manager) EnsureDedicated(ctx context.Context, repository string) ([]models.RunnerInstance, error) {
	rs, err := m.repo(repository)
	if err != nil {
		return nil, err
	}
	return m.ensureDedicated(ctx, rs)
}

func (m *Manager) ensureDedicated(ctx context.Context, rs *repoState) ([]models.RunnerInstance, error) {
	rs.mu.Lock()
	missing := rs.policy.DedicatedCount - rs.active(models.ClassDedicated)
	rs.mu.Unlock()

	if missing <= 0 {
		return nil, nil
	}

	m.logger.Info("provisioning dedicated runners", "repository", rs.name, "count", missing)
	return m.provisionMany(ctx, rs, models.ClassDedicated, missing, false)
}

// ScaleUp adds n dynamic instances, taking warm slots first and provisioning
// the rest. It returns the instances that reached a stable state, failed ones
// included, and an error wrapping ErrProvisioningFailed if any did not come
// up. A failure suppresses further scale-up until the next successful
// reconciliation.
func (m *Manager) ScaleUp(ctx context.Context, repository string, n int) ([]models.RunnerInstance, error) {
	rs, err := m.repo(repository)
	if err != nil {
		return nil, err
	}

	rs.mu.Lock()
	room := rs.policy.MaxDynamic - rs.active(models.ClassDynamic)
	rs.mu.Unlock()

	if n > room {
		m.logger.Warn("scale-up clamped to max_dynamic",
			"repository", repository,
			"requested", n,
			"allowed", room,
		)
		n = room
	}
	if n <= 0 {
		return nil, nil
	}

	out, err := m.provisionMany(ctx, rs, models.ClassDynamic, n, true)
	if err != nil {
		rs.suppress()
	}
	return out, err
}

// provisionMany brings up n instances concurrently. One failing does not
// cancel the others.
func (m *Manager) provisionMany(ctx context.Context, rs *repoState, class models.RunnerClass, n int, useWarm bool) ([]models.RunnerInstance, error) {
	results := make([]models.RunnerInstance, n)
	errs := make([]error, n)

	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if useWarm {
				if inst, ok := m.claimWarm(ctx, rs, class); ok {
					results[i] = inst
					return nil
				}
			}
			results[i], errs[i] = m.provision(ctx, rs, class)
			return nil
		})
	}
	_ = g.Wait()

	return results, errors.Join(errs...)
}

// provision runs credential, create and register with bounded retries. An
// attempt that fails after creating an environment removes it again. When
// the attempts run out, or ctx ends, the instance is left failed for
// reconciliation to collect.
func (m *Manager) provision(ctx context.Context, rs *repoState, class models.RunnerClass) (models.RunnerInstance, error) {
	now := m.clock.Now()
	id := uuid.New().String()

	rs.mu.Lock()
	template := rs.policy.Template
	labels := append(append([]string(nil), m.labels...), rs.policy.Labels...)
	rs.mu.Unlock()

	t := &tracked{RunnerInstance: models.RunnerInstance{
		ID:             id,
		Name:           runnerName(rs.name, class, id),
		Repository:     rs.name,
		Class:          class,
		State:          models.StatePending,
		Template:       template,
		CreatedAt:      now,
		StateChangedAt: now,
	}}
	rs.add(t)

	logger := m.logger.With("repository", rs.name, "runner", t.Name, "class", class)

	backoff := retry.Backoff{
		Base:        m.cfg.BackoffBase,
		Max:         m.cfg.BackoffMax,
		MaxAttempts: m.cfg.MaxAttempts,
		Jitter:      0.5,
	}
	err := retry.Do(ctx, m.clock, backoff, nil, func(ctx context.Context, attempt int) error {
		rs.update(t, func() { t.Attempts = attempt })

		err := m.attempt(ctx, rs, t, labels)
		if err != nil {
			rs.update(t, func() { t.LastError = err.Error() })
			logger.Warn("provisioning attempt failed", "attempt", attempt, "error", err)
		}
		return err
	})
	if err != nil {
		inst := rs.update(t, func() { t.transition(models.StateFailed, m.clock.Now()) })
		logger.Error("provisioning failed", "attempts", inst.Attempts, "error", err)
		m.emit(models.EventRunnerFailed, inst, inst.LastError)
		return inst, fmt.Errorf("%w: %s: %w", ErrProvisioningFailed, t.Name, err)
	}

	inst := rs.update(t, nil)
	logger.Info("runner provisioned", "handle", inst.Handle, "state", inst.State, "attempts", inst.Attempts)
	m.emit(models.EventRunnerCreated, inst, "")
	return inst, nil
}

func (m *Manager) attempt(ctx context.Context, rs *repoState, t *tracked, labels []string) error {
	token, err := m.queue.IssueRegistrationCredential(ctx, rs.name)
	if err != nil {
		return fmt.Errorf("failed to issue registration credential: %w", err)
	}

	spec := m.spec(t, labels, token.Token)
	inst, err := m.provider.CreateInstance(ctx, spec)
	if err != nil {
		return fmt.Errorf("failed to create instance: %w", err)
	}
	rs.update(t, func() {
		t.Handle = inst.Handle
		t.transition(models.StateRegistering, m.clock.Now())
	})

	if err := m.awaitRegistration(ctx, rs, t); err != nil {
		m.rollback(ctx, rs, t)
		return err
	}
	return nil
}

// awaitRegistration waits for the runner to come online and moves it to
// idle. With no registration timeout configured the instance stays
// registering and Observe promotes it later.
func (m *Manager) awaitRegistration(ctx context.Context, rs *repoState, t *tracked) error {
	if m.cfg.RegistrationTimeout <= 0 {
		return nil
	}

	interval := m.cfg.RegistrationPollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	deadline := m.clock.Now().Add(m.cfg.RegistrationTimeout)

	for {
		runners, err := m.queue.ListRunners(ctx, rs.name)
		if err != nil {
			m.logger.Debug("registration poll failed", "repository", rs.name, "runner", t.Name, "error", err)
		}
		for _, r := range runners {
			if r.Name == t.Name && r.Online() {
				rs.update(t, func() {
					now := m.clock.Now()
					t.ProviderID = r.ID
					if r.Busy {
						t.LastBusyAt = now
						t.transition(models.StateBusy, now)
					} else {
						t.transition(models.StateIdle, now)
					}
				})
				return nil
			}
		}

		if !m.clock.Now().Before(deadline) {
			return fmt.Errorf("runner %s did not register within %s", t.Name, m.cfg.RegistrationTimeout)
		}
		if err := m.sleep(ctx, interval); err != nil {
			return err
		}
	}
}

// rollback removes the environment of a failed attempt. It runs even when
// ctx is done so an abort does not leak environments.
func (m *Manager) rollback(ctx context.Context, rs *repoState, t *tracked) {
	inst := rs.update(t, nil)
	if inst.Handle == "" {
		return
	}
	if err := m.provider.RemoveInstance(context.WithoutCancel(ctx), inst.Handle); err != nil {
		// left for Reconcile, which removes environments it does not track
		m.logger.Warn("rollback failed", "repository", rs.name, "handle", inst.Handle, "error", err)
	}
	rs.update(t, func() {
		t.Handle = ""
		t.transition(models.StatePending, m.clock.Now())
	})
}

// claimWarm fulfils one instance from the warm pool. Any failure returns
// the slot's environment to nothing and reports false so the caller falls
// back to provisioning.
func (m *Manager) claimWarm(ctx context.Context, rs *repoState, class models.RunnerClass) (models.RunnerInstance, bool) {
	if m.pool == nil {
		return models.RunnerInstance{}, false
	}

	rs.mu.Lock()
	template := rs.policy.Template
	labels := append(append([]string(nil), m.labels...), rs.policy.Labels...)
	rs.mu.Unlock()

	slot, ok := m.pool.Claim(template)
	if !ok {
		return models.RunnerInstance{}, false
	}

	now := m.clock.Now()
	t := &tracked{RunnerInstance: models.RunnerInstance{
		ID:             slot.ID,
		Name:           runnerName(rs.name, class, slot.ID),
		Repository:     rs.name,
		Class:          class,
		State:          models.StateRegistering,
		Template:       template,
		Handle:         slot.Handle,
		FromWarmPool:   true,
		Attempts:       1,
		CreatedAt:      now,
		StateChangedAt: now,
	}}
	rs.add(t)

	err := m.assignWarm(ctx, rs, t, labels)
	if err != nil {
		m.logger.Warn("warm slot assignment failed, provisioning instead",
			"repository", rs.name,
			"handle", slot.Handle,
			"error", err,
		)
		if rmErr := m.provider.RemoveInstance(context.WithoutCancel(ctx), slot.Handle); rmErr != nil {
			m.logger.Warn("failed to remove warm slot", "handle", slot.Handle, "error", rmErr)
		}
		rs.remove(t)
		return models.RunnerInstance{}, false
	}

	inst := rs.update(t, nil)
	m.logger.Info("runner assigned from warm pool", "repository", rs.name, "runner", inst.Name, "handle", inst.Handle)
	m.emit(models.EventRunnerCreated, inst, "")
	return inst, true
}

func (m *Manager) assignWarm(ctx context.Context, rs *repoState, t *tracked, labels []string) error {
	token, err := m.queue.IssueRegistrationCredential(ctx, rs.name)
	if err != nil {
		return fmt.Errorf("failed to issue registration credential: %w", err)
	}
	if err := m.assigner.Assign(ctx, t.Handle, m.spec(t, labels, token.Token)); err != nil {
		return fmt.Errorf("failed to assign warm slot: %w", err)
	}
	return m.awaitRegistration(ctx, rs, t)
}

func (m *Manager) spec(t *tracked, labels []string, token string) *provider.InstanceSpec {
	return &provider.InstanceSpec{
		ID:                t.ID,
		Name:              t.Name,
		Repository:        t.Repository,
		Class:             t.Class,
		Template:          t.Template,
		Labels:            labels,
		RegistrationToken: token,
		RegistrationURL:   m.serverURL + "/" + t.Repository,
	}
}
