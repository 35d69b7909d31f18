package predictor

import (
	"math"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/HueCodes/zeno/internal/models"
)

const (
	coldStartConfidence = 0.1
	anomalyPenalty      = 0.5
	// minStdDev keeps a perfectly flat history from flagging a single job as
	// an anomaly.
	minStdDev = 0.5
	// minResiduals is the history needed before anomaly scoring is trusted.
	minResiduals = 3
)

// Config tunes the forecaster.
type Config struct {
	WindowSize       int           `mapstructure:"window_size"`
	Alpha            float64       `mapstructure:"alpha"`
	Beta             float64       `mapstructure:"beta"`
	SampleInterval   time.Duration `mapstructure:"sample_interval"`
	SeasonPeriod     time.Duration `mapstructure:"season_period"`
	SeasonBuckets    int           `mapstructure:"season_buckets"`
	TrendWindow      int           `mapstructure:"trend_window"`
	ShortSteps       int           `mapstructure:"short_steps"`
	MediumSteps      int           `mapstructure:"medium_steps"`
	LongSteps        int           `mapstructure:"long_steps"`
	MinSamples       int           `mapstructure:"min_samples"`
	AnomalyThreshold float64       `mapstructure:"anomaly_threshold"`
}

// DefaultConfig keeps one day of 30 second samples and an hour-of-day
// seasonal profile.
func DefaultConfig() Config {
	return Config{
		WindowSize:       2880,
		Alpha:            0.5,
		Beta:             0.3,
		SampleInterval:   30 * time.Second,
		SeasonPeriod:     24 * time.Hour,
		SeasonBuckets:    24,
		TrendWindow:      20,
		ShortSteps:       1,
		MediumSteps:      20,
		LongSteps:        120,
		MinSamples:       5,
		AnomalyThreshold: 3.0,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	if c.Alpha <= 0 || c.Alpha > 1 {
		c.Alpha = d.Alpha
	}
	if c.Beta <= 0 || c.Beta > 1 {
		c.Beta = d.Beta
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = d.SampleInterval
	}
	if c.SeasonPeriod <= 0 {
		c.SeasonPeriod = d.SeasonPeriod
	}
	if c.SeasonBuckets <= 0 {
		c.SeasonBuckets = d.SeasonBuckets
	}
	if c.TrendWindow <= 0 {
		c.TrendWindow = d.TrendWindow
	}
	if c.ShortSteps <= 0 {
		c.ShortSteps = d.ShortSteps
	}
	if c.MediumSteps <= 0 {
		c.MediumSteps = d.MediumSteps
	}
	if c.LongSteps <= 0 {
		c.LongSteps = d.LongSteps
	}
	if c.MinSamples < 2 {
		c.MinSamples = d.MinSamples
	}
	if c.AnomalyThreshold <= 0 {
		c.AnomalyThreshold = d.AnomalyThreshold
	}
	return c
}

// Predictor keeps a bounded observation window per repository and turns it
// into demand forecasts.
type Predictor struct {
	cfg   Config
	clock clock.PassiveClock

	mu      sync.RWMutex
	windows map[string]*window
}

// New creates a predictor. A nil clock uses wall time.
func New(cfg Config, clk clock.PassiveClock) *Predictor {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Predictor{
		cfg:     cfg.withDefaults(),
		clock:   clk,
		windows: make(map[string]*window),
	}
}

// Observe appends a sample to the repository window.
func (p *Predictor) Observe(repository string, o models.Observation) {
	if o.Timestamp.IsZero() {
		o.Timestamp = p.clock.Now()
	}
	p.window(repository).push(o)
}

// Samples returns how many observations are retained for repository.
func (p *Predictor) Samples(repository string) int {
	p.mu.RLock()
	w, ok := p.windows[repository]
	p.mu.RUnlock()
	if !ok {
		return 0
	}
	return w.len()
}

// History returns the retained observations, oldest first.
func (p *Predictor) History(repository string) []models.Observation {
	p.mu.RLock()
	w, ok := p.windows[repository]
	p.mu.RUnlock()
	if !ok {
		return nil
	}
	return w.snapshot()
}

// Forget drops the window of a repository that is no longer configured.
func (p *Predictor) Forget(repository string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.windows, repository)
}

// Forecast never fails: with too little history it returns the last
// observation at low confidence.
func (p *Predictor) Forecast(repository string, h models.Horizon) models.DemandForecast {
	return ForecastSeries(p.cfg, repository, p.History(repository), h, p.clock.Now())
}

func (p *Predictor) window(repository string) *window {
	p.mu.RLock()
	w, ok := p.windows[repository]
	p.mu.RUnlock()
	if ok {
		return w
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok = p.windows[repository]; ok {
		return w
	}
	w = newWindow(p.cfg.WindowSize)
	p.windows[repository] = w
	return w
}

// ForecastSeries is the pure forecasting function behind Predictor.Forecast.
func ForecastSeries(cfg Config, repository string, obs []models.Observation, h models.Horizon, now time.Time) models.DemandForecast {
	cfg = cfg.withDefaults()

	f := models.DemandForecast{
		Repository:  repository,
		Horizon:     h,
		Samples:     len(obs),
		GeneratedAt: now,
	}

	if len(obs) < cfg.MinSamples {
		if len(obs) > 0 {
			f.Value = obs[len(obs)-1].Demand()
		}
		f.Confidence = coldStartConfidence
		f.ColdStart = true
		return f
	}

	values := make([]float64, len(obs))
	for i, o := range obs {
		values[i] = o.Demand()
	}

	hw := holt(values, cfg.Alpha, cfg.Beta)
	anomalous := hw.anomalous(cfg.AnomalyThreshold)
	accuracy := hw.accuracy(values)
	coverage := math.Min(1, float64(len(values))/float64(cfg.MinSamples*4))

	switch h {
	case models.HorizonMedium, models.HorizonLong:
		steps, decay := cfg.MediumSteps, 0.8
		if h == models.HorizonLong {
			steps, decay = cfg.LongSteps, 0.6
		}
		value, seasonalCoverage, ok := decompose(cfg, obs, steps)
		if !ok {
			value = hw.project(steps)
			seasonalCoverage = 0.5
		}
		f.Value = value
		f.Confidence = coverage * accuracy * decay * seasonalCoverage
	default:
		f.Value = hw.project(cfg.ShortSteps)
		f.Confidence = coverage * accuracy
	}

	if anomalous {
		f.Anomalous = true
		f.Confidence *= anomalyPenalty
	}

	f.Value = math.Max(0, f.Value)
	f.Confidence = clamp01(f.Confidence)
	return f
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
