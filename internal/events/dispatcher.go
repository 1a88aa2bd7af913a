package events

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/quillpress/realtime/pkg/logging"
	"github.com/quillpress/realtime/pkg/telemetry"
)

// Listener receives one dispatched event
type Listener func(Event)

// Registrar is anything listeners can be added to: a Dispatcher or a Scope.
type Registrar interface {
	AddListener(category Category, fn Listener) (unsubscribe func())
}

type entry struct {
	id uint64
	fn Listener
}

// Dispatcher is an in-process fan-out of events to listeners keyed by category.
// Listeners run synchronously on the dispatching goroutine, in registration
// order; a panicking listener is recovered and logged and the rest still run.
type Dispatcher struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[Category][]entry
	logger    *zap.Logger
	metrics   *telemetry.Metrics
}

// NewDispatcher creates an empty dispatcher
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		listeners: make(map[Category][]entry),
		logger:    logging.WithComponent("dispatcher"),
		metrics:   telemetry.DefaultMetrics(),
	}
}

// AddListener registers fn for category. The returned function removes exactly
// this registration; calling it again is a no-op.
func (d *Dispatcher) AddListener(category Category, fn Listener) func() {
	if fn == nil {
		return func() {}
	}

	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.listeners[category] = append(d.listeners[category], entry{id: id, fn: fn})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { d.remove(category, id) })
	}
}

func (d *Dispatcher) remove(category Category, id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	current := d.listeners[category]
	for i, e := range current {
		if e.id != id {
			continue
		}
		next := make([]entry, 0, len(current)-1)
		next = append(next, current[:i]...)
		next = append(next, current[i+1:]...)
		if len(next) == 0 {
			delete(d.listeners, category)
		} else {
			d.listeners[category] = next
		}
		return
	}
}

// Dispatch delivers payload to every listener currently registered for category
// and returns how many listeners were invoked. Unknown categories have none.
func (d *Dispatcher) Dispatch(category Category, payload any) int {
	d.mu.RLock()
	snapshot := d.listeners[category]
	d.mu.RUnlock()

	event := Event{Category: category, Payload: payload}
	for _, e := range snapshot {
		d.invoke(e, event)
	}
	return len(snapshot)
}

func (d *Dispatcher) invoke(e entry, event Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Listener failed",
				zap.String("category", string(event.Category)),
				zap.Uint64("listener_id", e.id),
				zap.String("panic", fmt.Sprint(r)))
			telemetry.Inc(d.metrics.ListenerPanics, "category", string(event.Category))
		}
	}()
	e.fn(event)
}

// Count returns the number of listeners registered for category
func (d *Dispatcher) Count(category Category) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.listeners[category])
}

// Clear drops every registration
func (d *Dispatcher) Clear() {
	d.mu.Lock()
	d.listeners = make(map[Category][]entry)
	d.mu.Unlock()
}

// NewScope returns a Scope whose registrations can be removed together
func (d *Dispatcher) NewScope() *Scope {
	return &Scope{dispatcher: d}
}

// Scope tracks the registrations of one component so teardown can remove
// all of them at once.
type Scope struct {
	dispatcher *Dispatcher
	mu         sync.Mutex
	cancels    []func()
	closed     bool
}

// AddListener registers fn on the underlying dispatcher and tracks it.
// After Close it registers nothing.
func (s *Scope) AddListener(category Category, fn Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return func() {}
	}
	cancel := s.dispatcher.AddListener(category, fn)
	s.cancels = append(s.cancels, cancel)
	return cancel
}

// Close removes every registration made through the scope
func (s *Scope) Close() {
	s.mu.Lock()
	cancels := s.cancels
	s.cancels = nil
	s.closed = true
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}
