package policy

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Mode selects a preset threshold and cooldown bundle.
type Mode string

const (
	ModeAggressive   Mode = "aggressive"
	ModeBalanced     Mode = "balanced"
	ModeConservative Mode = "conservative"
)

// DefaultTemplate is the warm pool template used when a policy names none.
const DefaultTemplate = "default"

// Preset holds the values a Mode contributes to a policy.
type Preset struct {
	ScaleUpThreshold   float64
	ScaleDownThreshold float64
	// SevereThreshold is the utilization at which scale-up escalates past 1.
	SevereThreshold float64
	Cooldown        time.Duration
	// MaxEscalation caps a single scale-up step.
	MaxEscalation int
}

var presets = map[Mode]Preset{
	ModeAggressive: {
		ScaleUpThreshold:   0.6,
		ScaleDownThreshold: 0.2,
		SevereThreshold:    0.8,
		Cooldown:           time.Minute,
		MaxEscalation:      4,
	},
	ModeBalanced: {
		ScaleUpThreshold:   0.75,
		ScaleDownThreshold: 0.25,
		SevereThreshold:    0.9,
		Cooldown:           2 * time.Minute,
		MaxEscalation:      3,
	},
	ModeConservative: {
		ScaleUpThreshold:   0.9,
		ScaleDownThreshold: 0.1,
		SevereThreshold:    1.0,
		Cooldown:           5 * time.Minute,
		MaxEscalation:      2,
	},
}

// PresetFor returns the bundle for m. Unknown modes get the balanced preset.
func PresetFor(m Mode) Preset {
	if p, ok := presets[m]; ok {
		return p
	}
	return presets[ModeBalanced]
}

// Policy is the scaling configuration of one repository.
type Policy struct {
	DedicatedCount     int           `mapstructure:"dedicated_count" yaml:"dedicated_count" json:"dedicated_count" validate:"gte=1"`
	MaxDynamic         int           `mapstructure:"max_dynamic" yaml:"max_dynamic" json:"max_dynamic" validate:"gte=0"`
	ScaleUpThreshold   float64       `mapstructure:"scale_up_threshold" yaml:"scale_up_threshold" json:"scale_up_threshold" validate:"gt=0,lte=1"`
	ScaleDownThreshold float64       `mapstructure:"scale_down_threshold" yaml:"scale_down_threshold" json:"scale_down_threshold" validate:"gte=0,ltfield=ScaleUpThreshold"`
	Cooldown           time.Duration `mapstructure:"cooldown" yaml:"cooldown" json:"cooldown" validate:"gte=0"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout" json:"idle_timeout" validate:"gt=0"`
	CheckInterval      time.Duration `mapstructure:"check_interval" yaml:"check_interval" json:"check_interval" validate:"gt=0"`
	Mode               Mode          `mapstructure:"mode" yaml:"mode" json:"mode" validate:"oneof=aggressive balanced conservative"`
	Template           string        `mapstructure:"template" yaml:"template" json:"template"`
	Labels             []string      `mapstructure:"labels" yaml:"labels" json:"labels,omitempty"`
}

var validate = validator.New()

// Resolve fills every value left at zero from the mode preset. Explicitly
// configured thresholds and cooldowns win over the preset.
func (p Policy) Resolve() Policy {
	if p.Mode == "" {
		p.Mode = ModeBalanced
	}
	preset := PresetFor(p.Mode)
	if p.ScaleUpThreshold == 0 {
		p.ScaleUpThreshold = preset.ScaleUpThreshold
	}
	if p.ScaleDownThreshold == 0 {
		p.ScaleDownThreshold = preset.ScaleDownThreshold
	}
	if p.Cooldown == 0 {
		p.Cooldown = preset.Cooldown
	}
	if p.Template == "" {
		p.Template = DefaultTemplate
	}
	return p
}

// Preset returns the mode bundle backing the policy.
func (p Policy) Preset() Preset {
	return PresetFor(p.Mode)
}

// SevereThreshold is the utilization at which scale-up escalates. It never
// sits below the scale-up threshold.
func (p Policy) SevereThreshold() float64 {
	s := p.Preset().SevereThreshold
	if s < p.ScaleUpThreshold {
		return p.ScaleUpThreshold
	}
	return s
}

// MaxEscalation is the largest single scale-up step the mode allows.
func (p Policy) MaxEscalation() int {
	return p.Preset().MaxEscalation
}

// Validate checks a resolved policy.
func (p Policy) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid scaling policy: %w", err)
	}
	return nil
}

// Override is a partial policy. Nil fields keep the base value.
type Override struct {
	DedicatedCount     *int           `mapstructure:"dedicated_count" yaml:"dedicated_count"`
	MaxDynamic         *int           `mapstructure:"max_dynamic" yaml:"max_dynamic"`
	ScaleUpThreshold   *float64       `mapstructure:"scale_up_threshold" yaml:"scale_up_threshold"`
	ScaleDownThreshold *float64       `mapstructure:"scale_down_threshold" yaml:"scale_down_threshold"`
	Cooldown           *time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
	IdleTimeout        *time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	CheckInterval      *time.Duration `mapstructure:"check_interval" yaml:"check_interval"`
	Mode               *Mode          `mapstructure:"mode" yaml:"mode"`
	Template           *string        `mapstructure:"template" yaml:"template"`
	Labels             []string       `mapstructure:"labels" yaml:"labels"`
}

// Apply layers o over base.
func (o Override) Apply(base Policy) Policy {
	if o.DedicatedCount != nil {
		base.DedicatedCount = *o.DedicatedCount
	}
	if o.MaxDynamic != nil {
		base.MaxDynamic = *o.MaxDynamic
	}
	if o.ScaleUpThreshold != nil {
		base.ScaleUpThreshold = *o.ScaleUpThreshold
	}
	if o.ScaleDownThreshold != nil {
		base.ScaleDownThreshold = *o.ScaleDownThreshold
	}
	if o.Cooldown != nil {
		base.Cooldown = *o.Cooldown
	}
	if o.IdleTimeout != nil {
		base.IdleTimeout = *o.IdleTimeout
	}
	if o.CheckInterval != nil {
		base.CheckInterval = *o.CheckInterval
	}
	if o.Mode != nil {
		base.Mode = *o.Mode
	}
	if o.Template != nil {
		base.Template = *o.Template
	}
	if o.Labels != nil {
		base.Labels = append([]string(nil), o.Labels...)
	}
	return base
}

// Resolution is the outcome of building the effective policy of a
// repository. A non-nil Err excludes the repository from scaling.
type Resolution struct {
	Repository string
	Policy     Policy
	Err        error
}

// Resolve layers overrides over the global default in order, fills mode
// presets and validates the result.
func Resolve(repository string, global Policy, overrides ...Override) Resolution {
	p := global
	for _, o := range overrides {
		p = o.Apply(p)
	}
	p = p.Resolve()
	res := Resolution{Repository: repository, Policy: p}
	if err := p.Validate(); err != nil {
		res.Err = fmt.Errorf("repository %s: %w", repository, err)
	}
	return res
}
