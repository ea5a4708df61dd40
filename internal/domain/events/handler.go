package events

import "context"

// AckFunc acknowledges processing of a consumed event. Passing a non-nil error
// signals the bus that processing failed and the message should be redelivered
// (or dead-lettered once the delivery budget is exhausted).
type AckFunc func(error)

// HandlerFunc processes a single consumed event. Implementations must call ack
// exactly once after any durable side effects have completed; acknowledging
// before a durable write loses data under at-least-once delivery.
type HandlerFunc func(ctx context.Context, evt EventEnvelope, ack AckFunc) error

// EventHandler defines the contract for components that process domain events.
// Each handler must declare which event types it can process and implement the
// logic to handle those events.
type EventHandler interface {
	// HandleEvent processes a domain event and returns an error if processing fails.
	HandleEvent(ctx context.Context, evt EventEnvelope, ack AckFunc) error

	// SupportedEvents returns the event types this handler can process.
	SupportedEvents() []EventType
}
