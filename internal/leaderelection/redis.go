package leaderelection

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLock is a lease on a Redis key holding the leader's identity. The
// key expires after ttl unless the holder renews it.
type RedisLock struct {
	client   *redis.Client
	key      string
	identity string
	ttl      time.Duration
}

func NewRedisLock(client *redis.Client, key, identity string, ttl time.Duration) *RedisLock {
	return &RedisLock{client: client, key: key, identity: identity, ttl: ttl}
}

func (l *RedisLock) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.identity, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	if ok {
		return true, nil
	}

	n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.identity, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to renew lease: %w", err)
	}
	return n == 1, nil
}

// Release deletes the key if this instance still holds it.
func (l *RedisLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.identity).Err(); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// Holder returns the identity holding the lease, or "" when it is free.
func (l *RedisLock) Holder(ctx context.Context) (string, error) {
	id, err := l.client.Get(ctx, l.key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read lease: %w", err)
	}
	return id, nil
}
