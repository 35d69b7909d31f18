package events

import (
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"k8s.io/utils/clock"

	"github.com/HueCodes/zeno/internal/models"
)

// Emitter accepts events. Emit must not block on slow consumers for long and
// never fails: delivery problems are the sink's to log.
type Emitter interface {
	Emit(ev models.Event)
}

// Discard drops every event.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(models.Event) {}

// Handler receives published events.
type Handler func(models.Event)

type subscription struct {
	id      uint64
	handler Handler
}

const wildcard = models.EventType("*")

// Bus is a synchronous publish/subscribe bus. Handlers run on the emitting
// goroutine, specific subscribers first and wildcard subscribers after.
type Bus struct {
	clock  clock.PassiveClock
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[models.EventType][]subscription
	nextID atomic.Uint64
}

func NewBus(clk clock.PassiveClock, logger *slog.Logger) *Bus {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Bus{
		clock:  clk,
		logger: logger.With("component", "events"),
		subs:   make(map[models.EventType][]subscription),
	}
}

// Subscribe registers handler for one event type and returns an id for
// Unsubscribe.
func (b *Bus) Subscribe(t models.EventType, handler Handler) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID.Add(1)
	b.subs[t] = append(b.subs[t], subscription{id: id, handler: handler})
	return id
}

// SubscribeAll registers handler for every event.
func (b *Bus) SubscribeAll(handler Handler) uint64 {
	return b.Subscribe(wildcard, handler)
}

func (b *Bus) Unsubscribe(id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for t, subs := range b.subs {
		for i, s := range subs {
			if s.id == id {
				b.subs[t] = append(subs[:i:i], subs[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Emit stamps the event if needed and dispatches it.
func (b *Bus) Emit(ev models.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.clock.Now()
	}

	b.mu.RLock()
	specific := append([]subscription(nil), b.subs[ev.Type]...)
	all := append([]subscription(nil), b.subs[wildcard]...)
	b.mu.RUnlock()

	for _, s := range specific {
		b.safeCall(s.handler, ev)
	}
	for _, s := range all {
		b.safeCall(s.handler, ev)
	}
}

func (b *Bus) safeCall(h Handler, ev models.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"type", ev.Type,
				"repository", ev.Repository,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	h(ev)
}

// Subscribers returns the number of registered handlers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}

// Recorder keeps the most recent events in memory.
type Recorder struct {
	mu     sync.Mutex
	max    int
	events []models.Event
}

// NewRecorder keeps up to max events; max <= 0 keeps everything.
func NewRecorder(max int) *Recorder {
	return &Recorder{max: max}
}

func (r *Recorder) Emit(ev models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, ev)
	if r.max > 0 && len(r.events) > r.max {
		r.events = append(r.events[:0:0], r.events[len(r.events)-r.max:]...)
	}
}

// Events returns the recorded events oldest first.
func (r *Recorder) Events() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Event(nil), r.events...)
}

// Recent returns up to limit of the newest events matching repository (all
// repositories when empty), newest first.
func (r *Recorder) Recent(repository string, limit int) []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []models.Event
	for i := len(r.events) - 1; i >= 0; i-- {
		if repository != "" && r.events[i].Repository != repository {
			continue
		}
		out = append(out, r.events[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Count returns how many recorded events have type t.
func (r *Recorder) Count(t models.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}
