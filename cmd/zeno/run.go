package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/HueCodes/zeno/internal/analytics"
	"github.com/HueCodes/zeno/internal/api"
	"github.com/HueCodes/zeno/internal/config"
	"github.com/HueCodes/zeno/internal/controller"
	"github.com/HueCodes/zeno/internal/events"
	"github.com/HueCodes/zeno/internal/github"
	"github.com/HueCodes/zeno/internal/leaderelection"
	"github.com/HueCodes/zeno/internal/metrics"
	"github.com/HueCodes/zeno/internal/orchestrator"
	"github.com/HueCodes/zeno/internal/predictor"
	"github.com/HueCodes/zeno/internal/provider"
	"github.com/HueCodes/zeno/internal/provider/docker"
	"github.com/HueCodes/zeno/internal/provider/ec2"
	"github.com/HueCodes/zeno/internal/provider/kubernetes"
	"github.com/HueCodes/zeno/internal/retry"
	"github.com/HueCodes/zeno/internal/runner"
	"github.com/HueCodes/zeno/internal/store"
	"github.com/HueCodes/zeno/internal/warmpool"
)

const warmPoolReportInterval = 15 * time.Second

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), *configPath)
		},
	}
}

func run(parent context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := setupLogger(cfg.LogLevel, os.Stdout)
	logger.Info("starting Zeno",
		"version", version,
		"provider", cfg.Provider.Type,
		"dry_run", cfg.DryRun,
	)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	met := metrics.NewMetrics(registry)
	met.ControllerInfo.WithLabelValues(version, cfg.Provider.Type, modeString(cfg.DryRun)).Set(1)

	var gh *github.Client
	gh = github.NewClient(cfg.GitHub.Token,
		github.WithBaseURL(cfg.GitHub.APIURL),
		github.WithTimeout(cfg.GitHub.RequestTimeout),
		github.WithBackoff(retry.Backoff{
			Base:        cfg.GitHub.RetryBackoffBase,
			Max:         cfg.GitHub.RetryBackoffMax,
			MaxAttempts: cfg.GitHub.MaxRetries + 1,
			Jitter:      0.5,
		}),
		github.WithObserver(func(endpoint string, status int, elapsed time.Duration) {
			met.ObserveGitHubRequest(endpoint, status, elapsed)
			rl := gh.RateLimit()
			if rl.Limit > 0 {
				met.SetRateLimit(rl.Remaining, rl.Reset)
			}
		}),
		github.WithLogger(logger),
	)

	raw, err := createProvider(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create provider: %w", err)
	}
	defer raw.Close()
	prov := metrics.InstrumentProvider(raw, met)

	var redisClient *redis.Client
	if cfg.Events.Redis.Enabled {
		redisClient, err = events.NewRedisClient(ctx, cfg.Events.Redis)
		if err != nil {
			return err
		}
		defer redisClient.Close()
	}

	bus := events.NewBus(clock.RealClock{}, logger)
	recorder := events.NewRecorder(cfg.Events.History)
	bus.SubscribeAll(recorder.Emit)
	bus.SubscribeAll(met.RecordEvent)

	var history api.EventSource = recorder
	if cfg.Store.Enabled {
		st, err := store.New(cfg.Store, logger)
		if err != nil {
			return fmt.Errorf("failed to create store: %w", err)
		}
		bus.SubscribeAll(st.Emit)
		history = st
	}
	if redisClient != nil {
		sink := events.NewRedisSink(redisClient, cfg.Events.Redis, logger)
		defer sink.Close()
		bus.SubscribeAll(sink.Emit)
	}

	var pool *warmpool.Manager
	if cfg.WarmPool.Enabled {
		if _, ok := raw.(provider.Assigner); ok {
			pool = warmpool.New(cfg.WarmPool, prov, clock.RealClock{}, logger)
		} else {
			logger.Warn("warm pool disabled, provider cannot assign warm instances", "provider", raw.Name())
		}
	}

	lifecycle := runner.Options{
		Config:    cfg.Lifecycle,
		Labels:    cfg.GitHub.RunnerLabels,
		ServerURL: cfg.GitHub.ServerURL,
		Provider:  prov,
		Queue:     gh,
		Events:    bus,
		Logger:    logger,
	}
	if pool != nil {
		lifecycle.Pool = pool
	}
	mgr := runner.NewManager(lifecycle)

	orch := orchestrator.New(orchestrator.Options{
		Config:     cfg.Orchestrator,
		DryRun:     cfg.DryRun,
		Lifecycle:  mgr,
		Demand:     gh,
		Predictor:  predictor.New(cfg.Predictor.Config, clock.RealClock{}),
		Controller: controller.New(cfg.Predictor.MinConfidence, logger),
		History:    analytics.NewTracker(0),
		Events:     bus,
		Metrics:    met,
		Logger:     logger,
	})

	resolutions, err := cfg.Policies()
	if err != nil {
		return fmt.Errorf("failed to resolve policies: %w", err)
	}
	orch.Configure(resolutions)

	var lock leaderelection.Lock
	if cfg.LeaderElection.Enabled {
		lock, err = leaderelection.NewLock(cfg.LeaderElection, redisClient, identity())
		if err != nil {
			return err
		}
	}
	le := leaderelection.New(cfg.LeaderElection, lock, nil, logger)

	server := api.Options{
		Server:        cfg.Server,
		Observability: cfg.Observability,
		Fleet:         orch,
		Provider:      prov,
		Events:        history,
		Leader:        le.IsLeader,
		Gatherer:      registry,
		DryRun:        cfg.DryRun,
		Version:       version,
		Logger:        logger,
	}
	if pool != nil {
		server.WarmPool = pool
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- api.New(server).Start(ctx)
	}()

	var term sync.WaitGroup
	go func() {
		errCh <- le.Run(ctx,
			func(ctx context.Context) {
				logger.Info("became leader, starting orchestrator")
				met.LeaderElection.Set(1)
				term.Add(1)
				go func() {
					defer term.Done()
					lead(ctx, orch, pool, met, logger)
				}()
			},
			func() {
				term.Wait()
				met.LeaderElection.Set(0)
				logger.Info("stopped leading")
			},
		)
	}()

	pending := 2
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case runErr = <-errCh:
		pending--
	}
	stop()
	for ; pending > 0; pending-- {
		if err := <-errCh; err != nil && runErr == nil {
			runErr = err
		}
	}
	term.Wait()

	if runErr != nil {
		return runErr
	}
	logger.Info("shutdown complete")
	return nil
}

// lead runs the scaling loop for one leadership term.
func lead(ctx context.Context, orch *orchestrator.Orchestrator, pool *warmpool.Manager, met *metrics.Metrics, logger *slog.Logger) {
	if pool != nil {
		if err := pool.Start(ctx); err != nil {
			logger.Error("failed to start warm pool", "error", err)
			pool = nil
		} else {
			defer pool.Stop()
		}
	}
	if err := orch.Start(ctx); err != nil {
		logger.Error("failed to start orchestrator", "error", err)
		return
	}
	defer orch.Stop()

	if pool == nil {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(warmPoolReportInterval)
	defer ticker.Stop()
	for {
		met.ObserveWarmPool(pool.Sizes())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func createProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (provider.Provider, error) {
	switch cfg.Provider.Type {
	case "docker":
		return docker.New(cfg.Provider.Docker, logger)
	case "ec2":
		return ec2.New(ctx, cfg.Provider.AWS, logger)
	case "kubernetes":
		return kubernetes.New(cfg.Provider.Kubernetes, logger)
	default:
		return nil, fmt.Errorf("unknown provider type: %s", cfg.Provider.Type)
	}
}

func identity() string {
	host, err := os.Hostname()
	if err != nil {
		host = "zeno"
	}
	return host + "-" + uuid.NewString()[:8]
}
