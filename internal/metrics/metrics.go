package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/HueCodes/zeno/internal/models"
)

const (
	namespace = "zeno"
)

// Metrics holds all Prometheus metrics for the controller
type Metrics struct {
	// Tick metrics
	TicksTotal   *prometheus.CounterVec
	TickDuration *prometheus.HistogramVec
	TickErrors   *prometheus.CounterVec
	TicksSkipped *prometheus.CounterVec

	// Runner metrics
	Runners            *prometheus.GaugeVec
	RepositoryDegraded *prometheus.GaugeVec
	RepositoryExcluded *prometheus.GaugeVec

	// Scaling metrics
	Decisions          *prometheus.CounterVec
	ContractViolations *prometheus.CounterVec
	Utilization        *prometheus.GaugeVec
	ScaleUpDuration    prometheus.Histogram
	ScaleDownDuration  prometheus.Histogram

	// Demand metrics
	QueuedJobs         *prometheus.GaugeVec
	RunningJobs        *prometheus.GaugeVec
	Forecast           *prometheus.GaugeVec
	ForecastConfidence *prometheus.GaugeVec
	ForecastAnomalies  *prometheus.CounterVec

	// Warm pool metrics
	WarmPoolSlots *prometheus.GaugeVec

	// Event stream
	Events *prometheus.CounterVec

	// GitHub API metrics
	GitHubAPIRequests       *prometheus.CounterVec
	GitHubAPIDuration       *prometheus.HistogramVec
	GitHubAPIRateLimit      prometheus.Gauge
	GitHubAPIRateLimitReset prometheus.Gauge

	// Provider metrics
	ProviderOperations *prometheus.CounterVec
	ProviderDuration   *prometheus.HistogramVec
	ProviderErrors     *prometheus.CounterVec

	// System metrics
	ControllerInfo *prometheus.GaugeVec
	LeaderElection prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	m := &Metrics{
		TicksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ticks_total",
				Help:      "Total number of per-repository ticks",
			},
			[]string{"repository", "status"},
		),
		TickDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tick_duration_seconds",
				Help:      "Duration of per-repository ticks",
				Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),
		TickErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tick_errors_total",
				Help:      "Total number of tick failures by stage",
			},
			[]string{"repository", "stage"},
		),
		TicksSkipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ticks_skipped_total",
				Help:      "Ticks not started because the repository was busy or no worker was free",
			},
			[]string{"reason"},
		),

		Runners: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "runners",
				Help:      "Runner instances by class and state",
			},
			[]string{"repository", "class", "state"},
		),
		RepositoryDegraded: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "repository_degraded",
				Help:      "1 if the repository is degraded",
			},
			[]string{"repository"},
		),
		RepositoryExcluded: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "repository_excluded",
				Help:      "1 if the repository is excluded from scaling by an invalid policy",
			},
			[]string{"repository"},
		),

		Decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scaling_decisions_total",
				Help:      "Total number of scaling decisions",
			},
			[]string{"repository", "action"},
		),
		ContractViolations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "contract_violations_total",
				Help:      "Decisions rejected because they broke policy bounds",
			},
			[]string{"repository"},
		),
		Utilization: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "utilization_ratio",
				Help:      "Busy runners over total runners",
			},
			[]string{"repository"},
		),
		ScaleUpDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scale_up_duration_seconds",
				Help:      "Duration of scale up operations",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
		),
		ScaleDownDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scale_down_duration_seconds",
				Help:      "Duration of scale down operations",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
		),

		QueuedJobs: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queued_jobs",
				Help:      "Queued workflow runs at the last sample",
			},
			[]string{"repository"},
		),
		RunningJobs: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "running_jobs",
				Help:      "Running workflow runs at the last sample",
			},
			[]string{"repository"},
		),
		Forecast: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "forecast_demand",
				Help:      "Forecast demand by horizon",
			},
			[]string{"repository", "horizon"},
		),
		ForecastConfidence: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "forecast_confidence",
				Help:      "Confidence of the short horizon forecast",
			},
			[]string{"repository"},
		),
		ForecastAnomalies: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "forecast_anomalies_total",
				Help:      "Samples flagged as anomalous",
			},
			[]string{"repository"},
		),

		WarmPoolSlots: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "warm_pool_slots",
				Help:      "Ready warm slots per template",
			},
			[]string{"template"},
		),

		Events: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Events emitted by type",
			},
			[]string{"type"},
		),

		GitHubAPIRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "github_api_requests_total",
				Help:      "Total number of GitHub API requests",
			},
			[]string{"endpoint", "status"},
		),
		GitHubAPIDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "github_api_duration_seconds",
				Help:      "Duration of GitHub API requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		GitHubAPIRateLimit: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "github_api_rate_limit_remaining",
				Help:      "Remaining GitHub API rate limit",
			},
		),
		GitHubAPIRateLimitReset: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "github_api_rate_limit_reset_timestamp",
				Help:      "GitHub API rate limit reset time (Unix timestamp)",
			},
		),

		ProviderOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_operations_total",
				Help:      "Total number of provider operations",
			},
			[]string{"provider", "operation", "status"},
		),
		ProviderDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_operation_duration_seconds",
				Help:      "Duration of provider operations",
				Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"provider", "operation"},
		),
		ProviderErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_errors_total",
				Help:      "Total number of provider errors",
			},
			[]string{"provider", "operation"},
		),

		ControllerInfo: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "controller_info",
				Help:      "Information about the controller",
			},
			[]string{"version", "provider", "mode"},
		),
		LeaderElection: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "leader_election_status",
				Help:      "Leader election status (1 if leader, 0 otherwise)",
			},
		),
	}

	return m
}

// ObserveGitHubRequest matches github.RequestObserver.
func (m *Metrics) ObserveGitHubRequest(endpoint string, status int, elapsed time.Duration) {
	code := "error"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	m.GitHubAPIRequests.WithLabelValues(endpoint, code).Inc()
	m.GitHubAPIDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

// SetRateLimit publishes the last rate limit headers seen.
func (m *Metrics) SetRateLimit(remaining int, reset time.Time) {
	m.GitHubAPIRateLimit.Set(float64(remaining))
	if !reset.IsZero() {
		m.GitHubAPIRateLimitReset.Set(float64(reset.Unix()))
	}
}

// ObserveRunners replaces the runner gauges of a repository.
func (m *Metrics) ObserveRunners(repository string, instances []models.RunnerInstance) {
	m.Runners.DeletePartialMatch(prometheus.Labels{"repository": repository})
	for _, inst := range instances {
		m.Runners.WithLabelValues(repository, string(inst.Class), string(inst.State)).Inc()
	}
}

// ObserveForecast records one forecast.
func (m *Metrics) ObserveForecast(f models.DemandForecast) {
	m.Forecast.WithLabelValues(f.Repository, string(f.Horizon)).Set(f.Value)
	if f.Horizon == models.HorizonShort {
		m.ForecastConfidence.WithLabelValues(f.Repository).Set(f.Confidence)
		if f.Anomalous {
			m.ForecastAnomalies.WithLabelValues(f.Repository).Inc()
		}
	}
}

// ObserveWarmPool publishes the ready slots of every template.
func (m *Metrics) ObserveWarmPool(sizes map[string]int) {
	for template, n := range sizes {
		m.WarmPoolSlots.WithLabelValues(template).Set(float64(n))
	}
}

// RecordEvent counts events and keeps the repository health gauges in step
// with the event stream. It is meant to be subscribed to the event bus.
func (m *Metrics) RecordEvent(e models.Event) {
	m.Events.WithLabelValues(string(e.Type)).Inc()

	switch e.Type {
	case models.EventRepositoryDegraded:
		m.RepositoryDegraded.WithLabelValues(e.Repository).Set(1)
	case models.EventRepositoryRecovered:
		m.RepositoryDegraded.WithLabelValues(e.Repository).Set(0)
	case models.EventRepositoryExcluded:
		m.RepositoryExcluded.WithLabelValues(e.Repository).Set(1)
	case models.EventContractViolation:
		m.ContractViolations.WithLabelValues(e.Repository).Inc()
	}
}
