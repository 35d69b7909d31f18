package orchestrator

import (
	"github.com/HueCodes/zeno/internal/models"
	"github.com/HueCodes/zeno/internal/runner"
)

// ErrUnknownRepository is returned for repositories that were never
// configured. It is the lifecycle manager's error, so callers can match
// either layer with one errors.Is.
var ErrUnknownRepository = runner.ErrUnknownRepository

// Status is a side-effect free read of every repository and the fleet
// totals.
func (o *Orchestrator) Status() models.StatusSnapshot {
	snap := models.StatusSnapshot{Timestamp: o.clock.Now()}

	for _, rs := range o.states() {
		st := o.repositoryStatus(rs)
		snap.Repositories = append(snap.Repositories, st)

		snap.Totals.Dedicated += st.Dedicated
		snap.Totals.Dynamic += st.Dynamic
		snap.Totals.Busy += st.Busy
		if st.Degraded {
			snap.Totals.DegradedRepositories++
		}
	}
	snap.Totals.Runners = snap.Totals.Dedicated + snap.Totals.Dynamic
	return snap
}

// RepositoryStatus returns the status of one repository.
func (o *Orchestrator) RepositoryStatus(repository string) (models.RepositoryStatus, error) {
	rs, err := o.state(repository)
	if err != nil {
		return models.RepositoryStatus{}, err
	}
	return o.repositoryStatus(rs), nil
}

func (o *Orchestrator) repositoryStatus(rs *repoState) models.RepositoryStatus {
	rs.mu.Lock()
	st := models.RepositoryStatus{
		Repository:    rs.name,
		Degraded:      rs.degraded,
		Excluded:      rs.excluded,
		ExcludeReason: rs.excludeReason,
		LastTick:      rs.lastTick,
		LastError:     rs.lastErr,
	}
	rs.mu.Unlock()

	instances, err := o.lifecycle.Instances(rs.name)
	if err != nil {
		return st
	}
	for _, inst := range instances {
		if inst.State == models.StateFailed {
			st.Failed++
			continue
		}
		if !inst.State.Active() {
			continue
		}
		switch inst.Class {
		case models.ClassDedicated:
			st.Dedicated++
		case models.ClassDynamic:
			st.Dynamic++
		}
		if inst.State == models.StateBusy {
			st.Busy++
		}
	}
	return st
}

// Instances lists the runners of a repository.
func (o *Orchestrator) Instances(repository string) ([]models.RunnerInstance, error) {
	if _, err := o.state(repository); err != nil {
		return nil, err
	}
	return o.lifecycle.Instances(repository)
}

// Decisions returns up to limit recent decisions, oldest first.
func (o *Orchestrator) Decisions(repository string, limit int) ([]models.ScalingDecision, error) {
	if _, err := o.state(repository); err != nil {
		return nil, err
	}
	return o.history.History(repository, limit), nil
}

// Forecasts returns a fresh forecast for every horizon.
func (o *Orchestrator) Forecasts(repository string) ([]models.DemandForecast, error) {
	if _, err := o.state(repository); err != nil {
		return nil, err
	}
	horizons := []models.Horizon{models.HorizonShort, models.HorizonMedium, models.HorizonLong}
	out := make([]models.DemandForecast, 0, len(horizons))
	for _, h := range horizons {
		out = append(out, o.predictor.Forecast(repository, h))
	}
	return out, nil
}

func (o *Orchestrator) state(repository string) (*repoState, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	rs, ok := o.repos[repository]
	if !ok {
		return nil, ErrUnknownRepository
	}
	return rs, nil
}
