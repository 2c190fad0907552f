// Package event provides the in-process event bus shared by plugins.
package event

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/HerbHall/runnerbridge/pkg/plugin"
)

// Compile-time interface guard.
var _ plugin.EventBus = (*Bus)(nil)

type subscription struct {
	id      uint64
	handler plugin.EventHandler
}

// Bus is a synchronous pub/sub event bus. Topic handlers run before
// wildcard handlers, each group in registration order. A panicking handler
// is logged and skipped; delivery continues with the next one.
type Bus struct {
	logger *zap.Logger

	mu       sync.RWMutex
	topics   map[string][]subscription
	wildcard []subscription
	nextID   uint64
	wg       sync.WaitGroup
}

// NewBus creates an empty event bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		logger: logger,
		topics: make(map[string][]subscription),
	}
}

// Subscribe registers handler for topic.
func (b *Bus) Subscribe(topic string, handler plugin.EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.topics[topic] = append(b.topics[topic], subscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.topics[topic] = removeSubscription(b.topics[topic], id)
		if len(b.topics[topic]) == 0 {
			delete(b.topics, topic)
		}
	}
}

// SubscribeAll registers handler for every published topic.
func (b *Bus) SubscribeAll(handler plugin.EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.wildcard = append(b.wildcard, subscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.wildcard = removeSubscription(b.wildcard, id)
	}
}

// Publish dispatches event to all matching handlers before returning.
func (b *Bus) Publish(ctx context.Context, event plugin.Event) error {
	b.mu.RLock()
	subs := make([]subscription, 0, len(b.topics[event.Topic])+len(b.wildcard))
	subs = append(subs, b.topics[event.Topic]...)
	subs = append(subs, b.wildcard...)
	b.mu.RUnlock()

	for _, sub := range subs {
		b.safeCall(ctx, sub.handler, event)
	}
	return nil
}

// PublishAsync dispatches event on a new goroutine.
func (b *Bus) PublishAsync(ctx context.Context, event plugin.Event) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		_ = b.Publish(ctx, event)
	}()
}

// Wait blocks until every PublishAsync call in flight has been delivered.
func (b *Bus) Wait() {
	b.wg.Wait()
}

func (b *Bus) safeCall(ctx context.Context, handler plugin.EventHandler, event plugin.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("topic", event.Topic),
				zap.String("panic", fmt.Sprint(r)),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	handler(ctx, event)
}

func removeSubscription(subs []subscription, id uint64) []subscription {
	out := subs[:0:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}
