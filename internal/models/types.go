package models

import "time"

// RunnerClass distinguishes the permanently provisioned tier from the
// capacity the controller creates and retires.
type RunnerClass string

const (
	ClassDedicated RunnerClass = "dedicated"
	ClassDynamic   RunnerClass = "dynamic"
)

// RunnerState is the lifecycle state of a RunnerInstance.
//
//	pending -> registering -> idle <-> busy -> draining -> terminated
//
// failed is absorbing and reachable from pending and registering.
type RunnerState string

const (
	StatePending     RunnerState = "pending"
	StateRegistering RunnerState = "registering"
	StateIdle        RunnerState = "idle"
	StateBusy        RunnerState = "busy"
	StateDraining    RunnerState = "draining"
	StateTerminated  RunnerState = "terminated"
	StateFailed      RunnerState = "failed"
)

// Terminal reports whether no further transition can leave the state.
func (s RunnerState) Terminal() bool {
	return s == StateTerminated || s == StateFailed
}

// Active reports whether the instance counts as capacity for its repository.
// Pending and registering instances count so a scale-up in progress is not
// requested twice.
func (s RunnerState) Active() bool {
	switch s {
	case StatePending, StateRegistering, StateIdle, StateBusy:
		return true
	default:
		return false
	}
}

// RunnerInstance is one unit of execution capacity attached to a repository.
type RunnerInstance struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Repository     string      `json:"repository"`
	Class          RunnerClass `json:"class"`
	State          RunnerState `json:"state"`
	Template       string      `json:"template,omitempty"`
	Handle         string      `json:"handle,omitempty"`
	ProviderID     int64       `json:"provider_id,omitempty"`
	FromWarmPool   bool        `json:"from_warm_pool,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	StateChangedAt time.Time   `json:"state_changed_at"`
	LastBusyAt     time.Time   `json:"last_busy_at,omitempty"`
	Attempts       int         `json:"attempts,omitempty"`
	LastError      string      `json:"last_error,omitempty"`
}

// IdleSince returns the moment the instance last stopped doing work. An
// instance that was never busy has been idle since it was created.
func (r *RunnerInstance) IdleSince() time.Time {
	if r.LastBusyAt.After(r.CreatedAt) {
		return r.LastBusyAt
	}
	return r.CreatedAt
}

// IdleFor returns how long the instance has been idle at now, or zero if it
// is not idle.
func (r *RunnerInstance) IdleFor(now time.Time) time.Duration {
	if r.State != StateIdle {
		return 0
	}
	d := now.Sub(r.IdleSince())
	if d < 0 {
		return 0
	}
	return d
}

// Observation is one demand sample for a repository.
type Observation struct {
	Timestamp time.Time `json:"timestamp"`
	Queued    int       `json:"queued"`
	Running   int       `json:"running"`
}

// Demand is the value the predictor forecasts: work waiting plus work running.
func (o Observation) Demand() float64 {
	return float64(o.Queued + o.Running)
}

// Horizon labels how far ahead a forecast looks.
type Horizon string

const (
	HorizonShort  Horizon = "short"
	HorizonMedium Horizon = "medium"
	HorizonLong   Horizon = "long"
)

// DemandForecast is immutable once produced.
type DemandForecast struct {
	Repository  string    `json:"repository"`
	Horizon     Horizon   `json:"horizon"`
	Value       float64   `json:"value"`
	Confidence  float64   `json:"confidence"`
	Anomalous   bool      `json:"anomalous"`
	ColdStart   bool      `json:"cold_start,omitempty"`
	Samples     int       `json:"samples"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Action is the kind of change a ScalingDecision asks for.
type Action string

const (
	ActionScaleUp   Action = "scale_up"
	ActionScaleDown Action = "scale_down"
	ActionNone      Action = "none"
)

// ScalingDecision represents a scaling action decision
type ScalingDecision struct {
	Repository  string    `json:"repository"`
	Action      Action    `json:"action"`
	Count       int       `json:"count"`
	Reason      string    `json:"reason"`
	Utilization float64   `json:"utilization"`
	DecidedAt   time.Time `json:"decided_at"`
}

// IsNoop reports whether the decision asks for nothing.
func (d ScalingDecision) IsNoop() bool {
	return d.Action == ActionNone || d.Count == 0
}

// CapacityState is the observed capacity of one repository, as the scaling
// decision sees it.
type CapacityState struct {
	DedicatedTotal int `json:"dedicated_total"`
	DedicatedBusy  int `json:"dedicated_busy"`
	DynamicTotal   int `json:"dynamic_total"`
	DynamicBusy    int `json:"dynamic_busy"`

	// IdleDynamic counts dynamic instances idle for at least the idle timeout.
	IdleDynamic int `json:"idle_dynamic"`

	// ScaleUpSuppressed is set after a provisioning failure until the next
	// successful reconciliation, and while the repository is degraded.
	ScaleUpSuppressed bool `json:"scale_up_suppressed,omitempty"`
}

// WarmSlot is a pre-created execution environment that has not been assigned
// to a repository yet.
type WarmSlot struct {
	ID           string    `json:"id"`
	Template     string    `json:"template"`
	Handle       string    `json:"handle"`
	CreatedAt    time.Time `json:"created_at"`
	LastProbedAt time.Time `json:"last_probed_at,omitempty"`
}

// EventType names a state transition or decision on the event stream.
type EventType string

const (
	EventRunnerCreated       EventType = "runner:created"
	EventRunnerRemoved       EventType = "runner:removed"
	EventRunnerFailed        EventType = "runner:failed"
	EventScalingUp           EventType = "scaling:up"
	EventScalingDown         EventType = "scaling:down"
	EventRepositoryDegraded  EventType = "repository:degraded"
	EventRepositoryRecovered EventType = "repository:recovered"
	EventRepositoryExcluded  EventType = "repository:excluded"
	EventContractViolation   EventType = "decision:rejected"
)

// Event is one record on the produced event stream.
type Event struct {
	Type       EventType      `json:"type"`
	Repository string         `json:"repository"`
	Timestamp  time.Time      `json:"timestamp"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// RepositoryStatus is the pull-style health view of one repository.
type RepositoryStatus struct {
	Repository    string    `json:"repository"`
	Dedicated     int       `json:"dedicated"`
	Dynamic       int       `json:"dynamic"`
	Busy          int       `json:"busy"`
	Failed        int       `json:"failed"`
	Degraded      bool      `json:"degraded"`
	Excluded      bool      `json:"excluded"`
	ExcludeReason string    `json:"exclude_reason,omitempty"`
	LastTick      time.Time `json:"last_tick,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
}

// Totals aggregates RepositoryStatus across the fleet.
type Totals struct {
	Runners              int `json:"runners"`
	Dedicated            int `json:"dedicated"`
	Dynamic              int `json:"dynamic"`
	Busy                 int `json:"busy"`
	DegradedRepositories int `json:"degraded_repositories"`
}

// StatusSnapshot is a side-effect free read of the whole fleet.
type StatusSnapshot struct {
	Timestamp    time.Time          `json:"timestamp"`
	Repositories []RepositoryStatus `json:"repositories"`
	Totals       Totals             `json:"totals"`
}
