package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HueCodes/zeno/internal/models"
	"github.com/HueCodes/zeno/internal/provider"
	"github.com/HueCodes/zeno/internal/provider/providertest"
)

func TestNewMetricsRegisters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	m.LeaderElection.Set(1)
	m.ControllerInfo.WithLabelValues("dev", "docker", "production").Set(1)

	families, err := registry.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["zeno_leader_election_status"])
	assert.True(t, names["zeno_controller_info"])
}

func TestObserveGitHubRequest(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveGitHubRequest("GET /repos/:repo/actions/runners", 200, 50*time.Millisecond)
	m.ObserveGitHubRequest("GET /repos/:repo/actions/runners", 0, time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.GitHubAPIRequests.WithLabelValues("GET /repos/:repo/actions/runners", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GitHubAPIRequests.WithLabelValues("GET /repos/:repo/actions/runners", "error")))

	reset := time.Unix(1700000000, 0)
	m.SetRateLimit(4999, reset)
	assert.Equal(t, 4999.0, testutil.ToFloat64(m.GitHubAPIRateLimit))
	assert.Equal(t, 1700000000.0, testutil.ToFloat64(m.GitHubAPIRateLimitReset))
}

func TestObserveRunnersReplacesRepository(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveRunners("acme/api", []models.RunnerInstance{
		{Class: models.ClassDedicated, State: models.StateIdle},
		{Class: models.ClassDynamic, State: models.StateBusy},
		{Class: models.ClassDynamic, State: models.StateBusy},
	})
	m.ObserveRunners("acme/web", []models.RunnerInstance{
		{Class: models.ClassDedicated, State: models.StateBusy},
	})
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Runners.WithLabelValues("acme/api", "dynamic", "busy")))

	m.ObserveRunners("acme/api", []models.RunnerInstance{
		{Class: models.ClassDedicated, State: models.StateIdle},
	})
	assert.Equal(t, 2, testutil.CollectAndCount(m.Runners), "stale series removed, other repository kept")
}

func TestObserveForecast(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveForecast(models.DemandForecast{Repository: "acme/api", Horizon: models.HorizonShort, Value: 3.5, Confidence: 0.7, Anomalous: true})
	m.ObserveForecast(models.DemandForecast{Repository: "acme/api", Horizon: models.HorizonLong, Value: 1})

	assert.Equal(t, 3.5, testutil.ToFloat64(m.Forecast.WithLabelValues("acme/api", "short")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Forecast.WithLabelValues("acme/api", "long")))
	assert.Equal(t, 0.7, testutil.ToFloat64(m.ForecastConfidence.WithLabelValues("acme/api")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ForecastAnomalies.WithLabelValues("acme/api")))
}

func TestObserveWarmPool(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveWarmPool(map[string]int{"ubuntu": 3, "gpu": 0})
	m.ObserveWarmPool(map[string]int{"ubuntu": 2})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.WarmPoolSlots.WithLabelValues("ubuntu")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.WarmPoolSlots.WithLabelValues("gpu")))
}

func TestRecordEvent(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordEvent(models.Event{Type: models.EventRepositoryDegraded, Repository: "acme/api"})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RepositoryDegraded.WithLabelValues("acme/api")))

	m.RecordEvent(models.Event{Type: models.EventRepositoryRecovered, Repository: "acme/api"})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.RepositoryDegraded.WithLabelValues("acme/api")))

	m.RecordEvent(models.Event{Type: models.EventContractViolation, Repository: "acme/api"})
	m.RecordEvent(models.Event{Type: models.EventRepositoryExcluded, Repository: "acme/bad"})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ContractViolations.WithLabelValues("acme/api")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RepositoryExcluded.WithLabelValues("acme/bad")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Events.WithLabelValues("repository:degraded")))
}

func TestInstrumentProvider(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	fake := providertest.New(nil)
	p := InstrumentProvider(fake, m)

	_, isAssigner := p.(provider.Assigner)
	assert.True(t, isAssigner, "assigner capability preserved")

	ctx := context.Background()
	inst, err := p.CreateInstance(ctx, &provider.InstanceSpec{ID: "a", Name: "r1", Repository: "acme/api"})
	require.NoError(t, err)

	fake.FailCreates(1, nil)
	_, err = p.CreateInstance(ctx, &provider.InstanceSpec{ID: "b"})
	require.Error(t, err)

	_, err = p.Probe(ctx, "missing")
	require.ErrorIs(t, err, provider.ErrNotFound)

	require.NoError(t, p.RemoveInstance(ctx, inst.Handle))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProviderOperations.WithLabelValues("fake", "create", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProviderOperations.WithLabelValues("fake", "create", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProviderOperations.WithLabelValues("fake", "probe", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProviderErrors.WithLabelValues("fake", "create")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProviderOperations.WithLabelValues("fake", "remove", "success")))
}

type plainProvider struct {
	provider.Provider
}

func TestInstrumentProviderWithoutAssign(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	p := InstrumentProvider(plainProvider{providertest.New(nil)}, m)

	_, isAssigner := p.(provider.Assigner)
	assert.False(t, isAssigner)
}
