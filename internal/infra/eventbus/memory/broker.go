// Package memory provides an in-memory implementation of the event bus.
// It offers a lightweight, non-persistent broker suitable for testing and
// development environments where durability is not required.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/statforge/propline/internal/domain/events"
)

var _ events.EventBus = (*EventBus)(nil)

// EventBus provides an in-memory implementation of the events.EventBus
// interface. It enables decoupled communication between components through
// synchronous handler dispatch, making it useful for testing where a real
// broker is not required.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[events.EventType][]events.HandlerFunc
	closed   bool
}

// NewEventBus creates and initializes a new in-memory event bus with an empty
// handler registry.
func NewEventBus() *EventBus {
	return &EventBus{handlers: make(map[events.EventType][]events.HandlerFunc)}
}

// Publish delivers the envelope synchronously to every handler subscribed to
// its event type, stopping at the first error. Handlers are copied before
// iteration to avoid holding the lock during dispatch.
func (b *EventBus) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var pParams events.PublishParams
	for _, opt := range opts {
		opt(&pParams)
	}
	if pParams.Key != "" {
		event.Key = pParams.Key
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errors.New("event bus is closed")
	}
	handlersCopy := make([]events.HandlerFunc, len(b.handlers[event.Type]))
	copy(handlersCopy, b.handlers[event.Type])
	b.mu.RUnlock()

	for _, handler := range handlersCopy {
		if err := ctx.Err(); err != nil {
			return err
		}
		var ackErr error
		if err := handler(ctx, event, func(err error) { ackErr = err }); err != nil {
			return err
		}
		if ackErr != nil {
			return ackErr
		}
	}
	return nil
}

// Subscribe registers a handler for each of the provided event types.
// Multiple handlers can be registered for the same type and all receive
// published events.
func (b *EventBus) Subscribe(ctx context.Context, eventTypes []events.EventType, handler events.HandlerFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("event bus is closed")
	}
	for _, et := range eventTypes {
		b.handlers[et] = append(b.handlers[et], handler)
	}
	return nil
}

// Close marks the bus as closed. Subsequent publishes and subscriptions fail.
func (b *EventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[events.EventType][]events.HandlerFunc)
	return nil
}
