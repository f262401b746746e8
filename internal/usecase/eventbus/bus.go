// Package eventbus fans exchange lifecycle events out to observers.
package eventbus

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"rolechat/internal/domain"
)

type subscription struct {
	id      uint64
	all     bool
	typ     domain.EventType
	handler domain.EventHandler
}

func (s subscription) matches(t domain.EventType) bool {
	return s.all || s.typ == t
}

// Bus is an in-process, goroutine-safe event bus. Delivery is asynchronous and
// unordered; consumers that need ordered progress use the session callback instead.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID atomic.Uint64
	logger *slog.Logger
	wg     sync.WaitGroup
	closed atomic.Bool
}

var _ domain.EventBus = (*Bus)(nil)

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// Publish hands event to every matching subscriber, each on its own goroutine.
// Handlers receive a context detached from the publisher's cancellation, so an
// aborted exchange can still report its own abort.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	var targets []subscription
	for _, s := range b.subs {
		if s.matches(event.Type) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	hctx := context.WithoutCancel(ctx)
	for _, s := range targets {
		b.wg.Add(1)
		go b.deliver(hctx, event, s.handler)
	}
}

func (b *Bus) deliver(ctx context.Context, event domain.Event, h domain.EventHandler) {
	defer b.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "event", string(event.Type), "panic", r)
		}
	}()
	h(ctx, event)
}

// Subscribe registers a handler for one event type and returns its unsubscribe func.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.add(subscription{typ: eventType, handler: handler})
}

// SubscribeAll registers a handler for every event and returns its unsubscribe func.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.add(subscription{all: true, handler: handler})
}

func (b *Bus) add(s subscription) func() {
	s.id = b.nextID.Add(1)

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subs = slices.DeleteFunc(b.subs, func(x subscription) bool { return x.id == s.id })
	}
}

// Close stops accepting events and waits for in-flight handlers. It is idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.wg.Wait()
}
