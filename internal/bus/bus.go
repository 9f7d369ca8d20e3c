// Package bus is the in-process pub/sub hub that decouples the relay
// transport from its consumers (sync cache, UI bridges, aggregators).
//
// Emit uses snapshot-at-emit-start semantics: the subscriber list is
// copied before iteration, so handlers added or removed by a running
// handler take effect on the next emit, not the current one. This makes
// re-entrant emits deterministic.
package bus

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handler receives the event payload. A panicking handler is recovered
// and logged; it never prevents later handlers from running.
type Handler func(data any)

// DefaultMaxSubscribers is the soft cap on subscribers per event.
// Crossing it logs a warning but never rejects the subscription.
const DefaultMaxSubscribers = 100

type subscription struct {
	id      string
	handler Handler
	// handlerPtr identifies the handler func for removal-by-handler.
	handlerPtr uintptr
	once       bool
	addedAt    time.Time
}

// Stats is a point-in-time snapshot of bus activity.
type Stats struct {
	EventsEmitted      int64
	SubscribersAdded   int64
	SubscribersRemoved int64
	Events             int
	Subscribers        int
}

type Bus struct {
	mu             sync.Mutex
	listeners      map[string][]subscription
	idCounter      uint64
	maxSubscribers int
	logger         *zap.Logger

	emitted int64
	added   int64
	removed int64
}

// Option configures a Bus.
type Option func(*Bus)

// WithMaxSubscribers overrides the per-event soft cap.
func WithMaxSubscribers(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.maxSubscribers = n
		}
	}
}

func New(logger *zap.Logger, opts ...Option) *Bus {
	b := &Bus{
		listeners:      make(map[string][]subscription),
		maxSubscribers: DefaultMaxSubscribers,
		logger:         logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// On registers a handler for event and returns the subscription ID,
// usable with Off.
func (b *Bus) On(event string, handler Handler) string {
	return b.add(event, handler, false)
}

// Subscribe registers a handler and returns an unsubscribe func.
func (b *Bus) Subscribe(event string, handler Handler) func() {
	id := b.add(event, handler, false)
	return func() { b.Off(event, id) }
}

// Once registers a handler that is removed after its first firing.
// Returns an unsubscribe func for cancelling before it fires.
func (b *Bus) Once(event string, handler Handler) func() {
	id := b.add(event, handler, true)
	return func() { b.Off(event, id) }
}

func (b *Bus) add(event string, handler Handler, once bool) string {
	if handler == nil {
		b.logger.Error("nil event handler rejected", zap.String("event", event))
		return ""
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.idCounter++
	sub := subscription{
		id:         fmt.Sprintf("sub_%d", b.idCounter),
		handler:    handler,
		handlerPtr: reflect.ValueOf(handler).Pointer(),
		once:       once,
		addedAt:    time.Now(),
	}

	subs := b.listeners[event]
	if len(subs) >= b.maxSubscribers {
		b.logger.Warn("event subscriber soft cap exceeded",
			zap.String("event", event),
			zap.Int("subscribers", len(subs)),
		)
	}
	b.listeners[event] = append(subs, sub)
	b.added++
	return sub.id
}

// Off removes one subscription by its ID. Removing the last
// subscription for an event frees the event's storage.
func (b *Bus) Off(event, id string) {
	if id == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(event, func(s subscription) bool { return s.id == id })
}

// OffHandler removes the first subscription for event whose handler is
// the given func.
func (b *Bus) OffHandler(event string, handler Handler) {
	if handler == nil {
		return
	}
	ptr := reflect.ValueOf(handler).Pointer()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(event, func(s subscription) bool { return s.handlerPtr == ptr })
}

func (b *Bus) removeLocked(event string, match func(subscription) bool) {
	subs, ok := b.listeners[event]
	if !ok {
		return
	}
	for i, s := range subs {
		if match(s) {
			b.listeners[event] = append(subs[:i:i], subs[i+1:]...)
			b.removed++
			if len(b.listeners[event]) == 0 {
				delete(b.listeners, event)
			}
			return
		}
	}
}

// Emit invokes every handler subscribed to event at the moment of the
// call, in subscription order. It never fails: handler panics are
// recovered and logged, and the remaining handlers still run.
func (b *Bus) Emit(event string, data any) {
	b.mu.Lock()
	b.emitted++
	subs, ok := b.listeners[event]
	if !ok {
		b.mu.Unlock()
		return
	}
	snapshot := make([]subscription, len(subs))
	copy(snapshot, subs)
	b.mu.Unlock()

	var fired []string
	for _, sub := range snapshot {
		b.invoke(event, sub, data)
		if sub.once {
			fired = append(fired, sub.id)
		}
	}

	// One-shot removal is deferred until the snapshot iteration is done,
	// so a once-handler still sees every co-subscriber of this emit.
	if len(fired) > 0 {
		b.mu.Lock()
		for _, id := range fired {
			b.removeLocked(event, func(s subscription) bool { return s.id == id })
		}
		b.mu.Unlock()
	}
}

// Publish is Emit under the message-domain name.
func (b *Bus) Publish(event string, data any) {
	b.Emit(event, data)
}

func (b *Bus) invoke(event string, sub subscription, data any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("event", event),
				zap.String("subscription", sub.id),
				zap.Any("panic", r),
			)
		}
	}()
	sub.handler(data)
}

// SubscriberCount reports the current number of handlers for event.
func (b *Bus) SubscriberCount(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[event])
}

// Events lists event names with at least one subscriber.
func (b *Bus) Events() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.listeners))
	for name := range b.listeners {
		names = append(names, name)
	}
	return names
}

func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, subs := range b.listeners {
		total += len(subs)
	}
	return Stats{
		EventsEmitted:      b.emitted,
		SubscribersAdded:   b.added,
		SubscribersRemoved: b.removed,
		Events:             len(b.listeners),
		Subscribers:        total,
	}
}

// Clear drops every subscription.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subs := range b.listeners {
		b.removed += int64(len(subs))
	}
	b.listeners = make(map[string][]subscription)
}
