package events

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/HueCodes/zeno/internal/config"
	"github.com/HueCodes/zeno/internal/models"
)

var now = time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBusDispatchOrder(t *testing.T) {
	bus := NewBus(clocktesting.NewFakeClock(now), testLogger())

	var got []string
	bus.SubscribeAll(func(ev models.Event) { got = append(got, "all:"+string(ev.Type)) })
	bus.Subscribe(models.EventScalingUp, func(ev models.Event) { got = append(got, "up") })

	bus.Emit(models.Event{Type: models.EventScalingUp, Repository: "acme/api"})
	bus.Emit(models.Event{Type: models.EventScalingDown, Repository: "acme/api"})

	assert.Equal(t, []string{"up", "all:scaling:up", "all:scaling:down"}, got)
	assert.Equal(t, 2, bus.Subscribers())
}

func TestBusStampsTimestamp(t *testing.T) {
	bus := NewBus(clocktesting.NewFakeClock(now), testLogger())
	rec := NewRecorder(0)
	bus.SubscribeAll(rec.Emit)

	bus.Emit(models.Event{Type: models.EventRunnerCreated})
	explicit := now.Add(-time.Hour)
	bus.Emit(models.Event{Type: models.EventRunnerCreated, Timestamp: explicit})

	evs := rec.Events()
	require.Len(t, evs, 2)
	assert.Equal(t, now, evs[0].Timestamp)
	assert.Equal(t, explicit, evs[1].Timestamp)
}

func TestBusRecoversPanics(t *testing.T) {
	bus := NewBus(nil, testLogger())
	rec := NewRecorder(0)

	bus.SubscribeAll(func(models.Event) { panic("boom") })
	bus.SubscribeAll(rec.Emit)

	assert.NotPanics(t, func() {
		bus.Emit(models.Event{Type: models.EventRunnerFailed})
	})
	assert.Equal(t, 1, rec.Count(models.EventRunnerFailed))
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus(nil, testLogger())
	calls := 0
	id := bus.Subscribe(models.EventRunnerRemoved, func(models.Event) { calls++ })

	bus.Emit(models.Event{Type: models.EventRunnerRemoved})
	assert.True(t, bus.Unsubscribe(id))
	assert.False(t, bus.Unsubscribe(id))
	bus.Emit(models.Event{Type: models.EventRunnerRemoved})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, bus.Subscribers())
}

func TestRecorder(t *testing.T) {
	rec := NewRecorder(3)
	for i, repo := range []string{"acme/api", "acme/web", "acme/api", "acme/api"} {
		rec.Emit(models.Event{
			Type:       models.EventScalingUp,
			Repository: repo,
			Payload:    map[string]any{"i": i},
		})
	}

	evs := rec.Events()
	require.Len(t, evs, 3)
	assert.Equal(t, 1, evs[0].Payload["i"])

	recent := rec.Recent("acme/api", 1)
	require.Len(t, recent, 1)
	assert.Equal(t, 3, recent[0].Payload["i"])

	assert.Len(t, rec.Recent("", 0), 3)
	assert.Empty(t, rec.Recent("acme/docs", 0))
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisSink(t *testing.T) {
	_, client := newRedis(t)
	ctx := context.Background()

	sink := NewRedisSink(client, config.RedisConfig{Key: "zeno:events", MaxLen: 2}, testLogger())
	for _, typ := range []models.EventType{models.EventRunnerCreated, models.EventScalingUp, models.EventRunnerRemoved} {
		sink.Emit(models.Event{Type: typ, Repository: "acme/api", Timestamp: now})
	}
	sink.Close()

	evs, err := ReadRecent(ctx, client, "zeno:events", 10)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, models.EventRunnerRemoved, evs[0].Type)
	assert.Equal(t, models.EventScalingUp, evs[1].Type)
	assert.True(t, now.Equal(evs[0].Timestamp))
	assert.Equal(t, int64(0), sink.Dropped())
}

func TestRedisSinkPublishes(t *testing.T) {
	_, client := newRedis(t)
	ctx := context.Background()

	pubsub := client.Subscribe(ctx, "zeno:live")
	defer pubsub.Close()
	_, err := pubsub.Receive(ctx)
	require.NoError(t, err)

	sink := NewRedisSink(client, config.RedisConfig{Key: "zeno:events", Channel: "zeno:live"}, testLogger())
	sink.Emit(models.Event{Type: models.EventRepositoryDegraded, Repository: "acme/api"})
	defer sink.Close()

	select {
	case msg := <-pubsub.Channel():
		assert.Contains(t, msg.Payload, `"type":"repository:degraded"`)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)

	addr := mr.Addr()

	client, err := NewRedisClient(context.Background(), config.RedisConfig{Addr: addr})
	require.NoError(t, err)
	client.Close()

	mr.Close()
	_, err = NewRedisClient(context.Background(), config.RedisConfig{Addr: addr})
	assert.Error(t, err)
}
