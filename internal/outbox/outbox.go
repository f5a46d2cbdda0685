// Package outbox is the notification boundary. The core emits committed
// transition events here and never waits on delivery; a publisher failure
// must not roll back the transition it describes.
package outbox

import (
	"context"
	"sync"
	"time"

	"rezerv/internal/models"
)

// Event describes one committed ledger transition.
type Event struct {
	ReservationID string                  `json:"reservation_id"`
	ResourceID    string                  `json:"resource_id"`
	From          models.ReservationState `json:"from"`
	To            models.ReservationState `json:"to"`
	Version       int64                   `json:"version"`
	At            time.Time               `json:"at"`
}

// Publisher delivers events to an external adapter.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Handler reacts to an event on the in-process bus.
type Handler func(event Event) error

// Bus provides in-process pub/sub for transition events.
type Bus struct {
	subscribers map[models.ReservationState][]Handler
	all         []Handler
	mu          sync.RWMutex
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[models.ReservationState][]Handler)}
}

// Subscribe registers a handler for transitions into the given state.
func (b *Bus) Subscribe(to models.ReservationState, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[to] = append(b.subscribers[to], handler)
}

// SubscribeAll registers a handler for every transition.
func (b *Bus) SubscribeAll(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, handler)
}

// Publish notifies subscribers. Handlers run synchronously; the caller
// decides the concurrency model. Handler errors are swallowed.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.all...)
	handlers = append(handlers, b.subscribers[event.To]...)
	b.mu.RUnlock()

	if event.At.IsZero() {
		event.At = time.Now()
	}

	for _, handler := range handlers {
		_ = handler(event)
	}
	return nil
}

// Fanout publishes to every wrapped publisher, ignoring individual
// failures so one slow adapter cannot starve another.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, event Event) error {
	for _, p := range f {
		_ = p.Publish(ctx, event)
	}
	return nil
}
