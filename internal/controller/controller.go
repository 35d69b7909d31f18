package controller

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/HueCodes/zeno/internal/models"
	"github.com/HueCodes/zeno/internal/policy"
)

// ReasonSuppressed is the no-op reason given when scale-up is needed but
// suppressed after a provisioning failure or while degraded.
const ReasonSuppressed = "scale-up suppressed until reconciliation succeeds"

// ErrContractViolation marks a decision that would break policy bounds.
var ErrContractViolation = errors.New("scaling decision violates policy")

// DefaultMinConfidence is the confidence a short-horizon forecast needs
// before it can trigger scale-up on its own.
const DefaultMinConfidence = 0.5

// Input is everything a decision depends on. Decide has no other inputs, so
// the same Input always yields the same decision.
type Input struct {
	Repository string
	State      models.CapacityState
	// Forecast is the short-horizon forecast, nil when none is available.
	Forecast *models.DemandForecast
	Policy   policy.Policy
	Now      time.Time
	// LastAction is when the last non-noop decision for the repository was
	// made, zero if there was none.
	LastAction time.Time
}

// Controller turns observed state and a forecast into a ScalingDecision. It
// never acts on the decision.
type Controller struct {
	minConfidence float64
	logger        *slog.Logger
}

// New creates a controller. minConfidence <= 0 uses DefaultMinConfidence.
func New(minConfidence float64, logger *slog.Logger) *Controller {
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		minConfidence: minConfidence,
		logger:        logger.With("component", "controller"),
	}
}

// Utilization is busy capacity over total capacity. The dedicated tier counts
// at its configured size.
func Utilization(s models.CapacityState, p policy.Policy) float64 {
	capacity := p.DedicatedCount + s.DynamicTotal
	if capacity <= 0 {
		return 0
	}
	return float64(s.DedicatedBusy+s.DynamicBusy) / float64(capacity)
}

// InCooldown reports whether a scaling action at now would follow the last
// one too closely.
func InCooldown(p policy.Policy, lastAction, now time.Time) bool {
	if lastAction.IsZero() || p.Cooldown <= 0 {
		return false
	}
	return now.Sub(lastAction) < p.Cooldown
}

// Decide makes the scaling decision for one repository.
func (c *Controller) Decide(in Input) models.ScalingDecision {
	d := c.decide(in)
	c.logger.Debug("scaling decision",
		"repository", in.Repository,
		"action", d.Action,
		"count", d.Count,
		"utilization", d.Utilization,
		"reason", d.Reason,
	)
	return d
}

func (c *Controller) decide(in Input) models.ScalingDecision {
	p := in.Policy
	s := in.State
	capacity := p.DedicatedCount + s.DynamicTotal
	busy := s.DedicatedBusy + s.DynamicBusy
	util := Utilization(s, p)

	d := models.ScalingDecision{
		Repository:  in.Repository,
		Action:      models.ActionNone,
		Utilization: util,
		DecidedAt:   in.Now,
	}
	noop := func(reason string) models.ScalingDecision {
		d.Reason = reason
		return d
	}

	forecastNeed := 0
	if f := in.Forecast; f != nil && !f.Anomalous && f.Confidence >= c.minConfidence {
		if f.Value > float64(capacity) {
			forecastNeed = int(math.Ceil(f.Value - float64(capacity)))
		}
	}

	saturated := busy >= capacity
	overThreshold := util >= p.ScaleUpThreshold

	if saturated || overThreshold || forecastNeed > 0 {
		headroom := p.MaxDynamic - s.DynamicTotal
		switch {
		case s.ScaleUpSuppressed:
			return noop(ReasonSuppressed)
		case headroom <= 0:
			return noop(fmt.Sprintf("at max_dynamic (%d)", p.MaxDynamic))
		case InCooldown(p, in.LastAction, in.Now):
			return noop("cooldown")
		}

		escalation := p.MaxEscalation()
		n := 1
		if util >= p.SevereThreshold() {
			n = escalation
		}
		if forecastNeed > n {
			n = min(forecastNeed, escalation)
		}
		n = min(n, headroom)

		d.Action = models.ActionScaleUp
		d.Count = n
		switch {
		case saturated:
			d.Reason = fmt.Sprintf("all %d runners busy", capacity)
		case overThreshold:
			d.Reason = fmt.Sprintf("utilization %.2f >= %.2f", util, p.ScaleUpThreshold)
		default:
			d.Reason = fmt.Sprintf("forecast %.1f exceeds capacity %d", in.Forecast.Value, capacity)
		}
		return d
	}

	if util <= p.ScaleDownThreshold && s.DynamicTotal > 0 {
		switch {
		case InCooldown(p, in.LastAction, in.Now):
			return noop("cooldown")
		case s.IdleDynamic < 1:
			return noop("no dynamic runner idle past idle_timeout")
		}
		// a confident forecast that still needs the runner keeps it
		if f := in.Forecast; f != nil && !f.Anomalous && f.Confidence >= c.minConfidence &&
			f.Value > float64(capacity-1) {
			return noop(fmt.Sprintf("forecast %.1f needs current capacity", f.Value))
		}

		d.Action = models.ActionScaleDown
		d.Count = 1
		d.Reason = fmt.Sprintf("utilization %.2f <= %.2f", util, p.ScaleDownThreshold)
		return d
	}

	return noop("within thresholds")
}

// Validate re-checks a decision against the policy and the state it was
// made from. A non-nil error is a contract violation and the decision must
// not be enacted.
func Validate(d models.ScalingDecision, s models.CapacityState, p policy.Policy, lastAction time.Time) error {
	if d.IsNoop() {
		return nil
	}
	if d.Count < 0 {
		return fmt.Errorf("%w: negative count %d", ErrContractViolation, d.Count)
	}
	if InCooldown(p, lastAction, d.DecidedAt) {
		return fmt.Errorf("%w: %s inside cooldown of %s", ErrContractViolation, d.Action, p.Cooldown)
	}

	switch d.Action {
	case models.ActionScaleUp:
		if s.ScaleUpSuppressed {
			return fmt.Errorf("%w: scale-up while suppressed", ErrContractViolation)
		}
		if s.DynamicTotal+d.Count > p.MaxDynamic {
			return fmt.Errorf("%w: %d dynamic + %d exceeds max_dynamic %d",
				ErrContractViolation, s.DynamicTotal, d.Count, p.MaxDynamic)
		}
	case models.ActionScaleDown:
		if d.Count > 1 {
			return fmt.Errorf("%w: scale-down by %d, at most 1 per tick", ErrContractViolation, d.Count)
		}
		if d.Count > s.IdleDynamic {
			return fmt.Errorf("%w: scale-down by %d with %d idle dynamic runners",
				ErrContractViolation, d.Count, s.IdleDynamic)
		}
	default:
		return fmt.Errorf("%w: unknown action %q", ErrContractViolation, d.Action)
	}
	return nil
}
