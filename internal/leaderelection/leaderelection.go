package leaderelection

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"k8s.io/utils/clock"

	"github.com/HueCodes/zeno/internal/config"
)

// Lock is a lease only one controller holds at a time. TryAcquire both
// takes a free lease and renews one already held.
type Lock interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// NewLock builds the lock for cfg.Backend. client is only used by the redis
// backend.
func NewLock(cfg config.LeaderElectionConfig, client *redis.Client, identity string) (Lock, error) {
	switch cfg.Backend {
	case "", "file":
		return NewFileLock(cfg.LockFilePath), nil
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("redis leader election requires a redis client")
		}
		return NewRedisLock(client, cfg.RedisKey, identity, cfg.LeaseDuration), nil
	default:
		return nil, fmt.Errorf("unknown leader election backend %q", cfg.Backend)
	}
}

type LeaderElector struct {
	config   config.LeaderElectionConfig
	lock     Lock
	clock    clock.WithTicker
	logger   *slog.Logger
	isLeader atomic.Bool
}

// New creates a new leader elector. lock may be nil when election is
// disabled.
func New(cfg config.LeaderElectionConfig, lock Lock, clk clock.WithTicker, logger *slog.Logger) *LeaderElector {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &LeaderElector{
		config: cfg,
		lock:   lock,
		clock:  clk,
		logger: logger.With("component", "leader-election"),
	}
}

// Run campaigns for leadership until ctx ends. onStartLeading is called with
// a context that is cancelled when leadership is lost and must not block;
// onStopLeading is called after that context is cancelled.
func (le *LeaderElector) Run(ctx context.Context, onStartLeading func(ctx context.Context), onStopLeading func()) error {
	if !le.config.Enabled {
		le.logger.Info("leader election disabled, assuming leadership")
		le.isLeader.Store(true)
		onStartLeading(ctx)
		<-ctx.Done()
		le.isLeader.Store(false)
		onStopLeading()
		return nil
	}

	le.logger.Info("starting leader election",
		"backend", le.config.Backend,
		"lease_duration", le.config.LeaseDuration,
		"retry_period", le.config.RetryPeriod,
	)

	var (
		stopTerm  context.CancelFunc
		lastRenew time.Time
	)
	stepDown := func(reason string) {
		le.logger.Warn("lost leadership", "reason", reason)
		stopTerm()
		le.isLeader.Store(false)
		onStopLeading()
	}

	attempt := func() {
		acquired, err := le.lock.TryAcquire(ctx)
		now := le.clock.Now()
		switch {
		case err != nil:
			le.logger.Error("failed to acquire lock", "error", err)
			if le.isLeader.Load() && now.Sub(lastRenew) >= le.config.RenewDeadline {
				stepDown("renew deadline exceeded")
			}
		case acquired:
			lastRenew = now
			if !le.isLeader.Load() {
				le.logger.Info("acquired leadership")
				le.isLeader.Store(true)
				var termCtx context.Context
				termCtx, stopTerm = context.WithCancel(ctx)
				onStartLeading(termCtx)
			}
		case le.isLeader.Load():
			stepDown("lease held by another instance")
		}
	}

	ticker := le.clock.NewTicker(le.config.RetryPeriod)
	defer ticker.Stop()

	attempt()
	for {
		select {
		case <-ctx.Done():
			if le.isLeader.Load() {
				stopTerm()
				le.isLeader.Store(false)
				onStopLeading()

				releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := le.lock.Release(releaseCtx); err != nil {
					le.logger.Warn("failed to release lock", "error", err)
				} else {
					le.logger.Info("released leadership")
				}
				cancel()
			}
			return nil
		case <-ticker.C():
			attempt()
		}
	}
}

// IsLeader returns whether this instance is the leader
func (le *LeaderElector) IsLeader() bool {
	return le.isLeader.Load()
}
