package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/utils/clock"

	"github.com/HueCodes/zeno/internal/config"
	"github.com/HueCodes/zeno/internal/middleware"
	"github.com/HueCodes/zeno/internal/models"
	"github.com/HueCodes/zeno/internal/orchestrator"
	"github.com/HueCodes/zeno/internal/provider"
	v1 "github.com/HueCodes/zeno/pkg/api/v1"
)

const (
	defaultDecisionLimit = 50
	defaultEventLimit    = 100
	maxLimit             = 1000
)

// Fleet is the read side of the orchestrator.
type Fleet interface {
	Status() models.StatusSnapshot
	RepositoryStatus(repository string) (models.RepositoryStatus, error)
	Instances(repository string) ([]models.RunnerInstance, error)
	Decisions(repository string, limit int) ([]models.ScalingDecision, error)
	Forecasts(repository string) ([]models.DemandForecast, error)
}

// EventSource returns recent events, newest first.
type EventSource interface {
	Recent(repository string, limit int) []models.Event
}

type WarmPool interface {
	Sizes() map[string]int
}

type Options struct {
	Server        config.ServerConfig
	Observability config.ObservabilityConfig
	Fleet         Fleet
	// Provider backs the readiness check.
	Provider provider.Provider
	// Events, WarmPool and Leader are optional.
	Events   EventSource
	WarmPool WarmPool
	Leader   func() bool
	// Gatherer serves /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
	DryRun   bool
	Version  string
	Clock    clock.PassiveClock
	Logger   *slog.Logger
}

type Server struct {
	opts       Options
	clock      clock.PassiveClock
	logger     *slog.Logger
	httpServer *http.Server
}

// New creates a new API server
func New(opts Options) *Server {
	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		opts:   opts,
		clock:  clk,
		logger: logger.With("component", "api-server"),
	}
}

// Handler returns the routed handler with logging and recovery applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	obs := s.opts.Observability

	mux.HandleFunc("GET "+obs.HealthCheckPath, s.handleHealth)
	mux.HandleFunc("GET "+obs.ReadinessPath, s.handleReadiness)
	if obs.EnableMetrics {
		mux.Handle("GET "+obs.MetricsPath, promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("GET /api/v1/status", s.authMiddleware(s.handleStatus))
	mux.HandleFunc("GET /api/v1/repositories/{owner}/{name}", s.authMiddleware(s.handleRepository))
	mux.HandleFunc("GET /api/v1/repositories/{owner}/{name}/runners", s.authMiddleware(s.handleRunners))
	mux.HandleFunc("GET /api/v1/repositories/{owner}/{name}/decisions", s.authMiddleware(s.handleDecisions))
	mux.HandleFunc("GET /api/v1/repositories/{owner}/{name}/forecast", s.authMiddleware(s.handleForecast))
	mux.HandleFunc("GET /api/v1/events", s.authMiddleware(s.handleEvents))
	mux.HandleFunc("GET /api/v1/warmpool", s.authMiddleware(s.handleWarmPool))

	var h http.Handler = mux
	h = middleware.Recover(s.logger)(h)
	h = middleware.Logging(s.logger)(h)
	return middleware.WithRequestID(h)
}

// Start starts the HTTP server and shuts it down when ctx ends.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.opts.Server.Address, s.opts.Server.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.opts.Server.ReadTimeout,
		WriteTimeout: s.opts.Server.WriteTimeout,
	}

	s.logger.Info("starting API server", "address", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("server shutdown error", "error", err)
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	leader := true
	if s.opts.Leader != nil {
		leader = s.opts.Leader()
	}
	s.writeJSON(w, http.StatusOK, v1.HealthResponse{
		Status:  "healthy",
		Time:    s.clock.Now(),
		Version: s.opts.Version,
		Leader:  leader,
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.opts.Provider.HealthCheck(ctx); err != nil {
		s.logger.Error("readiness check failed", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "not ready", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
		"time":   s.clock.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, v1.StatusResponse{
		StatusSnapshot: s.opts.Fleet.Status(),
		DryRun:         s.opts.DryRun,
		Provider:       s.opts.Provider.Name(),
	})
}

func (s *Server) handleRepository(w http.ResponseWriter, r *http.Request) {
	st, err := s.opts.Fleet.RepositoryStatus(repository(r))
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRunners(w http.ResponseWriter, r *http.Request) {
	repo := repository(r)
	runners, err := s.opts.Fleet.Instances(repo)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, v1.RunnersResponse{
		Repository: repo,
		Count:      len(runners),
		Runners:    runners,
	})
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultDecisionLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid limit", err)
		return
	}
	repo := repository(r)
	decisions, err := s.opts.Fleet.Decisions(repo, limit)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, v1.DecisionsResponse{
		Repository: repo,
		Count:      len(decisions),
		Decisions:  decisions,
	})
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	repo := repository(r)
	forecasts, err := s.opts.Fleet.Forecasts(repo)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, v1.ForecastResponse{Repository: repo, Forecasts: forecasts})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.opts.Events == nil {
		s.writeError(w, http.StatusNotFound, "event history not enabled", nil)
		return
	}
	limit, err := parseLimit(r, defaultEventLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid limit", err)
		return
	}

	events := s.opts.Events.Recent(r.URL.Query().Get("repository"), limit)
	s.writeJSON(w, http.StatusOK, v1.EventsResponse{Count: len(events), Events: events})
}

func (s *Server) handleWarmPool(w http.ResponseWriter, r *http.Request) {
	if s.opts.WarmPool == nil {
		s.writeError(w, http.StatusNotFound, "warm pool not enabled", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, v1.WarmPoolResponse{Templates: s.opts.WarmPool.Sizes()})
}

func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.opts.Server.EnableAuth {
			next(w, r)
			return
		}

		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			apiKey = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}

		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(s.opts.Server.APIKey)) != 1 {
			s.writeError(w, http.StatusUnauthorized, "unauthorized", nil)
			return
		}

		next(w, r)
	}
}

func repository(r *http.Request) string {
	return r.PathValue("owner") + "/" + r.PathValue("name")
}

func parseLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("limit must be positive, got %d", n)
	}
	return min(n, maxLimit), nil
}

func (s *Server) writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, orchestrator.ErrUnknownRepository) {
		s.writeError(w, http.StatusNotFound, "repository not found", nil)
		return
	}
	s.writeError(w, http.StatusInternalServerError, "lookup failed", err)
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string, err error) {
	response := v1.ErrorResponse{Error: message}
	if err != nil {
		response.Details = err.Error()
	}
	s.writeJSON(w, statusCode, response)
}
