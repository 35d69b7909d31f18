package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/HueCodes/zeno/internal/controller"
	"github.com/HueCodes/zeno/internal/models"
	"github.com/HueCodes/zeno/internal/policy"
)

// stageError records which step of a tick failed.
type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string {
	return fmt.Sprintf("%s: %v", e.stage, e.err)
}

func (e *stageError) Unwrap() error {
	return e.err
}

func stageOf(err error) string {
	var se *stageError
	if errors.As(err, &se) {
		return se.stage
	}
	return "unknown"
}

// tickRepository runs observe, forecast, decide, act and reconcile for one
// repository. The caller holds the repository token.
func (o *Orchestrator) tickRepository(ctx context.Context, rs *repoState) {
	if ctx.Err() != nil {
		return
	}

	began := o.clock.Now()
	logger := o.logger.With("repository", rs.name)

	rs.mu.Lock()
	pol := rs.policy
	excluded := rs.excluded
	degraded := rs.degraded
	rs.mu.Unlock()

	var (
		held bool
		err  error
	)
	if excluded {
		err = o.maintain(ctx, rs.name)
	} else {
		held, err = o.scale(ctx, rs.name, pol, degraded)
	}

	if ctx.Err() != nil && err != nil {
		// shutting down, not a repository failure
		logger.Debug("tick aborted", "error", err)
		return
	}

	o.finish(rs, began, held, err)
	if instances, ierr := o.lifecycle.Instances(rs.name); ierr == nil && o.metrics != nil {
		o.metrics.ObserveRunners(rs.name, instances)
	}
}

// maintain keeps the dedicated tier of an excluded repository alive.
func (o *Orchestrator) maintain(ctx context.Context, repository string) error {
	if o.dryRun {
		return nil
	}
	callCtx, cancel := o.callContext(ctx)
	defer cancel()
	if _, err := o.lifecycle.EnsureDedicated(callCtx, repository); err != nil {
		return &stageError{"dedicated", err}
	}
	return nil
}

// scale runs one pass for a repository. held reports that the pass only
// skipped a scale-up held back by an earlier provisioning failure, which
// counts as neither a success nor a failure. A failed observation or demand
// sample still lets the pass decide what it can and reconcile.
func (o *Orchestrator) scale(ctx context.Context, repository string, pol policy.Policy, degraded bool) (held bool, err error) {
	var errs []error

	callCtx, cancel := o.callContext(ctx)
	state, oerr := o.lifecycle.Observe(callCtx, repository)
	cancel()
	if oerr != nil {
		errs = append(errs, &stageError{"observe", oerr})
	} else {
		held, err = o.decide(ctx, repository, pol, state, degraded)
		if err != nil {
			errs = append(errs, err)
		}
	}

	if !o.dryRun {
		callCtx, cancel = o.callContext(ctx)
		_, rerr := o.lifecycle.Reconcile(callCtx, repository)
		cancel()
		if rerr != nil {
			errs = append(errs, &stageError{"reconcile", rerr})
		}
	}

	return held, errors.Join(errs...)
}

func (o *Orchestrator) decide(ctx context.Context, repository string, pol policy.Policy, state models.CapacityState, degraded bool) (bool, error) {
	logger := o.logger.With("repository", repository)
	var errs []error

	now := o.clock.Now()
	var forecast *models.DemandForecast

	callCtx, cancel := o.callContext(ctx)
	counts, err := o.demand.QueuedJobs(callCtx, repository)
	cancel()
	if err != nil {
		errs = append(errs, &stageError{"sample", err})
	} else {
		o.predictor.Observe(repository, models.Observation{
			Timestamp: now,
			Queued:    counts.Queued,
			Running:   counts.Running,
		})
		f := o.predictor.Forecast(repository, models.HorizonShort)
		forecast = &f
	}

	provisioningHold := state.ScaleUpSuppressed
	if degraded {
		state.ScaleUpSuppressed = true
	}
	o.history.UpdateState(repository, state)
	if forecast != nil {
		o.history.UpdateForecast(repository, forecast)
		o.observeDemand(repository, counts.Queued, counts.Running, *forecast, state, pol)
	}

	lastAction := o.history.LastAction(repository)
	decision := o.controller.Decide(controller.Input{
		Repository: repository,
		State:      state,
		Forecast:   forecast,
		Policy:     pol,
		Now:        now,
		LastAction: lastAction,
	})
	held := provisioningHold && decision.Reason == controller.ReasonSuppressed

	if verr := controller.Validate(decision, state, pol, lastAction); verr != nil {
		logger.Error("scaling decision rejected",
			"contract_violation", true,
			"action", decision.Action,
			"count", decision.Count,
			"error", verr,
		)
		o.emit(models.EventContractViolation, repository, map[string]any{
			"action": string(decision.Action),
			"count":  decision.Count,
			"reason": verr.Error(),
		})
	} else {
		o.history.RecordDecision(decision)
		if o.metrics != nil {
			o.metrics.Decisions.WithLabelValues(repository, string(decision.Action)).Inc()
		}
		if !decision.IsNoop() {
			if err := o.enact(ctx, decision, forecast); err != nil {
				errs = append(errs, err)
			}
		}
	}

	return held, errors.Join(errs...)
}

// enact announces a decision and hands it to the lifecycle manager. Scale
// operations bound themselves through retries, registration and drain
// timeouts, so only ctx cancellation cuts them short.
func (o *Orchestrator) enact(ctx context.Context, d models.ScalingDecision, f *models.DemandForecast) error {
	logger := o.logger.With("repository", d.Repository)

	var value, confidence float64
	if f != nil {
		value, confidence = f.Value, f.Confidence
	}

	typ := models.EventScalingUp
	if d.Action == models.ActionScaleDown {
		typ = models.EventScalingDown
	}
	logger.Info("scaling",
		"action", d.Action,
		"count", d.Count,
		"reason", d.Reason,
		"utilization", d.Utilization,
		"forecast", value,
		"dry_run", o.dryRun,
	)
	o.emit(typ, d.Repository, map[string]any{
		"count":       d.Count,
		"reason":      d.Reason,
		"utilization": d.Utilization,
		"forecast":    value,
		"confidence":  confidence,
		"dry_run":     o.dryRun,
	})

	if o.dryRun {
		return nil
	}

	began := o.clock.Now()
	switch d.Action {
	case models.ActionScaleUp:
		_, err := o.lifecycle.ScaleUp(ctx, d.Repository, d.Count)
		if o.metrics != nil {
			o.metrics.ScaleUpDuration.Observe(o.clock.Since(began).Seconds())
		}
		if err != nil {
			return &stageError{"scale_up", err}
		}
	case models.ActionScaleDown:
		_, err := o.lifecycle.ScaleDown(ctx, d.Repository, d.Count)
		if o.metrics != nil {
			o.metrics.ScaleDownDuration.Observe(o.clock.Since(began).Seconds())
		}
		if err != nil {
			return &stageError{"scale_down", err}
		}
	}
	return nil
}

// finish schedules the next check and tracks consecutive failures. At the
// failure threshold the repository is marked degraded: scale-up is
// suppressed and it is re-probed on a growing backoff until a tick succeeds.
// A held tick leaves the failure count and degraded flag untouched.
func (o *Orchestrator) finish(rs *repoState, began time.Time, held bool, err error) {
	now := o.clock.Now()
	status := "success"

	rs.mu.Lock()
	rs.lastTick = now
	interval := rs.policy.CheckInterval

	var (
		becameDegraded bool
		recovered      bool
		failures       int
	)
	if err != nil {
		status = "error"
		rs.failures++
		rs.lastErr = err.Error()
		failures = rs.failures
		if !rs.degraded && rs.failures >= o.cfg.FailureThreshold {
			rs.degraded = true
			rs.probes = 0
			becameDegraded = true
		}
		if rs.degraded {
			interval = o.degradedBackoff(rs.probes)
			rs.probes++
		}
	} else if held {
		status = "held"
		if rs.degraded {
			interval = o.degradedBackoff(rs.probes)
		}
	} else {
		recovered = rs.degraded
		rs.failures = 0
		rs.degraded = false
		rs.probes = 0
		rs.lastErr = ""
	}
	rs.nextCheck = now.Add(interval)
	rs.mu.Unlock()

	if o.metrics != nil {
		o.metrics.TicksTotal.WithLabelValues(rs.name, status).Inc()
		o.metrics.TickDuration.WithLabelValues(status).Observe(now.Sub(began).Seconds())
		if err != nil {
			o.metrics.TickErrors.WithLabelValues(rs.name, stageOf(err)).Inc()
		}
	}

	switch {
	case becameDegraded:
		o.logger.Error("repository degraded, suppressing scale-up",
			"repository", rs.name,
			"consecutive_failures", failures,
			"retry_in", interval,
			"error", err,
		)
		o.emit(models.EventRepositoryDegraded, rs.name, map[string]any{
			"failures": failures,
			"error":    err.Error(),
			"retry_in": interval.String(),
		})
	case err != nil:
		o.logger.Warn("tick failed",
			"repository", rs.name,
			"stage", stageOf(err),
			"consecutive_failures", failures,
			"error", err,
		)
	case recovered:
		o.logger.Info("repository recovered", "repository", rs.name)
		o.emit(models.EventRepositoryRecovered, rs.name, nil)
	}
}

// degradedBackoff doubles from DegradedBackoff up to DegradedBackoffMax.
func (o *Orchestrator) degradedBackoff(probes int) time.Duration {
	d := o.cfg.DegradedBackoff
	if d <= 0 {
		d = time.Minute
	}
	for i := 0; i < probes; i++ {
		d *= 2
		if o.cfg.DegradedBackoffMax > 0 && d >= o.cfg.DegradedBackoffMax {
			return o.cfg.DegradedBackoffMax
		}
	}
	if o.cfg.DegradedBackoffMax > 0 && d > o.cfg.DegradedBackoffMax {
		d = o.cfg.DegradedBackoffMax
	}
	return d
}

func (o *Orchestrator) observeDemand(repository string, queued, running int, f models.DemandForecast, s models.CapacityState, p policy.Policy) {
	if o.metrics == nil {
		return
	}
	o.metrics.QueuedJobs.WithLabelValues(repository).Set(float64(queued))
	o.metrics.RunningJobs.WithLabelValues(repository).Set(float64(running))
	o.metrics.Utilization.WithLabelValues(repository).Set(controller.Utilization(s, p))
	o.metrics.ObserveForecast(f)
}
