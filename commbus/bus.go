// Package commbus fans kernel events out to subscribers.
//
// The kernel reports every lifecycle change through a single OnEvent hook.
// A Bus sits behind that hook and delivers each event to the subscribers of
// its type and to wildcard subscribers, passing it through a middleware
// chain first.
//
// Usage:
//
//	bus := commbus.NewBus(logger)
//	k.OnEvent(bus.Hook())
//
//	unsubscribe := bus.Subscribe("process.exited", func(ctx context.Context, ev *kernel.KernelEvent) error {
//		...
//	})
//	defer unsubscribe()
//
// Handlers run on the goroutine that emitted the event, often a scheduler
// worker. They must not block and must not call back into the kernel
// synchronously.
package commbus

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/multierr"

	"github.com/jeeves-cluster-organization/actorkernel/coreengine/kernel"
)

// AllEvents subscribes to every event type.
const AllEvents = "*"

// HandlerFunc receives one published event.
type HandlerFunc func(ctx context.Context, ev *kernel.KernelEvent) error

// Middleware intercepts events before delivery and observes the outcome
// after. Before may return a nil event to drop it.
type Middleware interface {
	Before(ctx context.Context, ev *kernel.KernelEvent) (*kernel.KernelEvent, error)
	After(ctx context.Context, ev *kernel.KernelEvent, err error)
}

type subscription struct {
	id      uint64
	handler HandlerFunc
}

// Bus is an in-process, thread-safe event fan-out.
type Bus struct {
	logger      kernel.Logger
	subscribers map[string][]subscription
	middleware  []Middleware
	nextID      uint64
	mu          sync.RWMutex
}

// NewBus creates an empty bus. A nil logger discards output.
func NewBus(logger kernel.Logger) *Bus {
	return &Bus{
		logger:      logger,
		subscribers: make(map[string][]subscription),
	}
}

// =============================================================================
// PUBLISHING
// =============================================================================

// Publish delivers ev to its subscribers in subscription order, type
// subscribers first, then wildcard ones. A failing subscriber does not stop
// the others; the combined error goes to the middleware and is returned.
func (b *Bus) Publish(ctx context.Context, ev *kernel.KernelEvent) error {
	if ev == nil {
		return nil
	}
	eventType := string(ev.EventType)

	processed, err := b.runBefore(ctx, ev)
	if err != nil {
		return err
	}
	if processed == nil {
		b.debug("event_dropped", "event", eventType)
		return nil
	}

	b.mu.RLock()
	subs := make([]subscription, 0, len(b.subscribers[eventType])+len(b.subscribers[AllEvents]))
	subs = append(subs, b.subscribers[eventType]...)
	subs = append(subs, b.subscribers[AllEvents]...)
	b.mu.RUnlock()

	var errs error
	for _, sub := range subs {
		if err := sub.handler(ctx, processed); err != nil {
			b.warn("subscriber_failed", "event", eventType, "subscription", sub.id, "error", err)
			errs = multierr.Append(errs, err)
		}
	}

	b.runAfter(ctx, ev, errs)
	return errs
}

// Hook adapts the bus to the kernel's OnEvent callback.
func (b *Bus) Hook() kernel.KernelEventHandler {
	return func(ev *kernel.KernelEvent) {
		_ = b.Publish(context.Background(), ev)
	}
}

// =============================================================================
// REGISTRATION
// =============================================================================

// Subscribe registers handler for eventType, or for every event with
// AllEvents. The returned function removes the subscription and may be
// called more than once.
func (b *Bus) Subscribe(eventType string, handler HandlerFunc) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subscribers[eventType] = append(b.subscribers[eventType], subscription{id: id, handler: handler})
	b.mu.Unlock()

	b.debug("subscribed", "event", eventType, "subscription", id)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subscribers[eventType]
			for i, s := range subs {
				if s.id == id {
					b.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			if len(b.subscribers[eventType]) == 0 {
				delete(b.subscribers, eventType)
			}
		})
	}
}

// AddMiddleware appends to the middleware chain. Before hooks run in
// registration order, After hooks in reverse.
func (b *Bus) AddMiddleware(mw Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, mw)
}

// =============================================================================
// INTROSPECTION
// =============================================================================

// SubscriberCount returns the number of subscriptions for eventType.
func (b *Bus) SubscriberCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[eventType])
}

// EventTypes returns the subscribed event types in sorted order.
func (b *Bus) EventTypes() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	types := make([]string, 0, len(b.subscribers))
	for t := range b.subscribers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Clear removes every subscription and middleware.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = make(map[string][]subscription)
	b.middleware = nil
}

// =============================================================================
// INTERNAL HELPERS
// =============================================================================

func (b *Bus) chain() []Middleware {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Middleware(nil), b.middleware...)
}

func (b *Bus) runBefore(ctx context.Context, ev *kernel.KernelEvent) (*kernel.KernelEvent, error) {
	current := ev
	for _, mw := range b.chain() {
		next, err := mw.Before(ctx, current)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return nil, nil
		}
		current = next
	}
	return current, nil
}

func (b *Bus) runAfter(ctx context.Context, ev *kernel.KernelEvent, err error) {
	chain := b.chain()
	for i := len(chain) - 1; i >= 0; i-- {
		chain[i].After(ctx, ev, err)
	}
}

func (b *Bus) debug(msg string, kv ...any) {
	if b.logger != nil {
		b.logger.Debug(msg, kv...)
	}
}

func (b *Bus) warn(msg string, kv ...any) {
	if b.logger != nil {
		b.logger.Warn(msg, kv...)
	}
}
