package analytics

import (
	"sort"
	"sync"
	"time"

	"github.com/HueCodes/zeno/internal/models"
)

// DefaultHistory is how many decisions are kept per repository.
const DefaultHistory = 100

// Tracker keeps the latest capacity and forecast per repository and a
// bounded history of the decisions made for it.
type Tracker struct {
	mu    sync.RWMutex
	limit int
	repos map[string]*repoStats
}

type repoStats struct {
	state      models.CapacityState
	forecast   *models.DemandForecast
	history    []models.ScalingDecision
	lastAction time.Time
}

// NewTracker creates a tracker keeping up to limit decisions per repository.
func NewTracker(limit int) *Tracker {
	if limit <= 0 {
		limit = DefaultHistory
	}
	return &Tracker{
		limit: limit,
		repos: make(map[string]*repoStats),
	}
}

func (t *Tracker) get(repository string) *repoStats {
	rs, ok := t.repos[repository]
	if !ok {
		rs = &repoStats{history: make([]models.ScalingDecision, 0, 8)}
		t.repos[repository] = rs
	}
	return rs
}

// UpdateState records the capacity observed for a repository.
func (t *Tracker) UpdateState(repository string, s models.CapacityState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.get(repository).state = s
}

// State returns the last observed capacity.
func (t *Tracker) State(repository string) (models.CapacityState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rs, ok := t.repos[repository]
	if !ok {
		return models.CapacityState{}, false
	}
	return rs.state, true
}

// UpdateForecast records the most recent short-horizon forecast.
func (t *Tracker) UpdateForecast(repository string, f *models.DemandForecast) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.get(repository).forecast = f
}

// Forecast returns the most recent forecast, nil if none was made.
func (t *Tracker) Forecast(repository string) *models.DemandForecast {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if rs, ok := t.repos[repository]; ok {
		return rs.forecast
	}
	return nil
}

// RecordDecision appends a decision. A decision that changes capacity also
// becomes the repository's last action.
func (t *Tracker) RecordDecision(decision models.ScalingDecision) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rs := t.get(decision.Repository)
	rs.history = append(rs.history, decision)
	if len(rs.history) > t.limit {
		rs.history = append(rs.history[:0:0], rs.history[len(rs.history)-t.limit:]...)
	}
	if !decision.IsNoop() {
		rs.lastAction = decision.DecidedAt
	}
}

// LastAction returns when the last non-noop decision was made, zero if none.
func (t *Tracker) LastAction(repository string) time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if rs, ok := t.repos[repository]; ok {
		return rs.lastAction
	}
	return time.Time{}
}

// History returns up to limit decisions for a repository, oldest first.
func (t *Tracker) History(repository string, limit int) []models.ScalingDecision {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rs, ok := t.repos[repository]
	if !ok {
		return nil
	}
	if limit <= 0 || limit > len(rs.history) {
		limit = len(rs.history)
	}

	start := len(rs.history) - limit
	result := make([]models.ScalingDecision, limit)
	copy(result, rs.history[start:])
	return result
}

// Forget drops everything known about a repository.
func (t *Tracker) Forget(repository string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.repos, repository)
}

// Repositories lists tracked repositories, sorted.
func (t *Tracker) Repositories() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.repos))
	for name := range t.repos {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
