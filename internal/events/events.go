// Package events is the supervisor's in-process notification bus. The run
// loop publishes lifecycle changes; the metrics collector and the trace log
// consume them.
package events

import (
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"
)

// EventType names what happened.
type EventType string

// All subscribes to every event type.
const All EventType = "*"

// Supervisor state.
const (
	SupervisorStateRunning  EventType = "SUPERVISOR_STATE_RUNNING"
	SupervisorStateStopping EventType = "SUPERVISOR_STATE_STOPPING"
)

// Configuration.
const (
	ConfigReloaded     EventType = "CONFIG_RELOADED"
	ConfigReloadFailed EventType = "CONFIG_RELOAD_FAILED"
)

// Children and control requests.
const (
	FilterSpawned     EventType = "FILTER_SPAWNED"
	FilterSpawnFailed EventType = "FILTER_SPAWN_FAILED"
	ProcessExited     EventType = "PROCESS_EXITED"
	VerbosityChanged  EventType = "VERBOSITY_CHANGED"
	ControlRequest    EventType = "CONTROL_REQUEST"
)

// Event is one notification. Data values are strings so that subscribers
// can log them as they are.
type Event struct {
	Type EventType
	Time time.Time
	Data map[string]string
}

// Attrs returns the type and data as slog key/value pairs, data keys in
// sorted order.
func (e Event) Attrs() []any {
	attrs := make([]any, 0, 2*len(e.Data)+2)
	attrs = append(attrs, "event", string(e.Type))
	for _, k := range slices.Sorted(maps.Keys(e.Data)) {
		attrs = append(attrs, k, e.Data[k])
	}
	return attrs
}

// HandlerFunc consumes an event.
type HandlerFunc func(Event)

type handler struct {
	id uint64
	fn HandlerFunc
}

// Bus fans events out to handlers synchronously, in subscription order,
// handlers for All last. It is safe for concurrent use.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]handler
	seq      uint64
	logger   *slog.Logger
}

// NewBus creates an empty bus. logger may be nil.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{handlers: make(map[EventType][]handler), logger: logger}
}

// Subscribe registers fn for t and returns a function that removes it.
func (b *Bus) Subscribe(t EventType, fn HandlerFunc) (cancel func()) {
	b.mu.Lock()
	b.seq++
	id := b.seq
	b.handlers[t] = append(b.handlers[t], handler{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { b.remove(t, id) }) }
}

func (b *Bus) remove(t EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	hs := b.handlers[t]
	for i, h := range hs {
		if h.id != id {
			continue
		}
		hs = append(hs[:i:i], hs[i+1:]...)
		if len(hs) == 0 {
			delete(b.handlers, t)
		} else {
			b.handlers[t] = hs
		}
		return
	}
}

// Publish delivers e to its handlers. A handler that panics is logged and
// does not stop the others.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	hs := make([]handler, 0, len(b.handlers[e.Type])+len(b.handlers[All]))
	hs = append(hs, b.handlers[e.Type]...)
	hs = append(hs, b.handlers[All]...)
	b.mu.RUnlock()

	for _, h := range hs {
		b.call(h.fn, e)
	}
}

func (b *Bus) call(fn HandlerFunc, e Event) {
	defer func() {
		if r := recover(); r != nil && b.logger != nil {
			b.logger.Error("event handler panicked", "event", string(e.Type), "panic", r)
		}
	}()
	fn(e)
}

// Len reports how many handlers are registered for t.
func (b *Bus) Len(t EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[t])
}
