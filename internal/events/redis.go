package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/HueCodes/zeno/internal/config"
	"github.com/HueCodes/zeno/internal/models"
)

const (
	redisBuffer       = 256
	redisWriteTimeout = 2 * time.Second
)

// NewRedisClient opens a client for cfg and checks it with PING.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// RedisSink ships events to a capped Redis list and, optionally, a pub/sub
// channel. Writes happen on a background goroutine; when the buffer is full
// events are dropped and counted.
type RedisSink struct {
	client  *redis.Client
	key     string
	channel string
	maxLen  int64
	logger  *slog.Logger

	queue   chan models.Event
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

func NewRedisSink(client *redis.Client, cfg config.RedisConfig, logger *slog.Logger) *RedisSink {
	s := &RedisSink{
		client:  client,
		key:     cfg.Key,
		channel: cfg.Channel,
		maxLen:  cfg.MaxLen,
		logger:  logger.With("component", "redis-sink"),
		queue:   make(chan models.Event, redisBuffer),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *RedisSink) Emit(ev models.Event) {
	select {
	case s.queue <- ev:
	default:
		if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
			s.logger.Warn("event buffer full, dropping events", "dropped", n)
		}
	}
}

// Dropped returns how many events were discarded.
func (s *RedisSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close flushes buffered events and stops the writer. It does not close the
// Redis client.
func (s *RedisSink) Close() {
	s.once.Do(func() {
		close(s.queue)
		<-s.done
	})
}

func (s *RedisSink) run() {
	defer close(s.done)
	for ev := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), redisWriteTimeout)
		if err := s.write(ctx, ev); err != nil {
			s.logger.Warn("failed to write event to redis",
				"type", ev.Type,
				"repository", ev.Repository,
				"error", err,
			)
		}
		cancel()
	}
}

func (s *RedisSink) write(ctx context.Context, ev models.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.key, data)
	if s.maxLen > 0 {
		pipe.LTrim(ctx, s.key, 0, s.maxLen-1)
	}
	if s.channel != "" {
		pipe.Publish(ctx, s.channel, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	return nil
}

// ReadRecent returns up to limit events from the list, newest first.
func ReadRecent(ctx context.Context, client *redis.Client, key string, limit int64) ([]models.Event, error) {
	raw, err := client.LRange(ctx, key, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	out := make([]models.Event, 0, len(raw))
	for _, r := range raw {
		var ev models.Event
		if err := json.Unmarshal([]byte(r), &ev); err != nil {
			return nil, fmt.Errorf("failed to decode event: %w", err)
		}
		out = append(out, ev)
	}
	return out, nil
}
