package events

import "time"

// DomainEvent is implemented by every domain event payload. The event type
// drives routing; the payload itself crosses the bus as the envelope body.
type DomainEvent interface {
	EventType() EventType
}

// EventMetadata carries transport-level position information for a consumed
// event, such as the partition and offset it was read from.
type EventMetadata struct {
	Partition int32
	Offset    int64

	// DeliveryAttempt counts how many times this message has been delivered.
	// The bus uses it to decide when to park a message on the dead-letter topic.
	DeliveryAttempt int
}

// EventEnvelope wraps a domain event with transport metadata as it crosses
// the event bus boundary.
type EventEnvelope struct {
	Type      EventType
	Key       string
	Timestamp time.Time
	Payload   any
	Metadata  EventMetadata
}
