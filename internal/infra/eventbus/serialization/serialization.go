// Package serialization converts domain event payloads to and from their wire
// format. Events cross the bus as a universal envelope carrying the event type
// and a JSON-encoded payload; the registry maps each event type back to its
// concrete Go type on the consume side.
package serialization

import (
	"encoding/json"
	"fmt"

	"github.com/statforge/propline/internal/domain/events"
	"github.com/statforge/propline/internal/domain/prediction"
)

// universalEnvelope is the on-wire frame for every event.
type universalEnvelope struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

// payloadFactories maps event types to constructors for their payload types.
var payloadFactories = map[events.EventType]func() any{
	prediction.EventTypeWorkItemDispatched: func() any { return new(prediction.WorkItemDispatchedEvent) },
	prediction.EventTypeWorkItemCompleted:  func() any { return new(prediction.WorkItemCompletedEvent) },
	prediction.EventTypeBatchCreated:       func() any { return new(prediction.BatchCreatedEvent) },
	prediction.EventTypeBatchCompleted:     func() any { return new(prediction.BatchCompletedEvent) },
	prediction.EventTypeBatchFailed:        func() any { return new(prediction.BatchFailedEvent) },
	prediction.EventTypeBatchEscalated:     func() any { return new(prediction.BatchEscalatedEvent) },
}

// SerializeEventEnvelope wraps a payload in the universal envelope and encodes
// it for transport.
func SerializeEventEnvelope(eventType events.EventType, payload any) ([]byte, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload for event %s: %w", eventType, err)
	}

	data, err := json.Marshal(universalEnvelope{
		EventType: string(eventType),
		Payload:   payloadBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope for event %s: %w", eventType, err)
	}
	return data, nil
}

// UnmarshalUniversalEnvelope decodes the outer envelope, returning the event
// type and the still-encoded payload bytes.
func UnmarshalUniversalEnvelope(data []byte) (events.EventType, []byte, error) {
	var env universalEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("failed to unmarshal universal envelope: %w", err)
	}
	if env.EventType == "" {
		return "", nil, fmt.Errorf("envelope missing event type")
	}
	return events.EventType(env.EventType), env.Payload, nil
}

// DeserializePayload decodes payload bytes into the concrete type registered
// for the event type. The returned value is the payload struct itself, not a
// pointer to it.
func DeserializePayload(eventType events.EventType, data []byte) (any, error) {
	factory, ok := payloadFactories[eventType]
	if !ok {
		return nil, fmt.Errorf("no payload type registered for event %s", eventType)
	}

	target := factory()
	if err := json.Unmarshal(data, target); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload for event %s: %w", eventType, err)
	}

	switch p := target.(type) {
	case *prediction.WorkItemDispatchedEvent:
		return *p, nil
	case *prediction.WorkItemCompletedEvent:
		return *p, nil
	case *prediction.BatchCreatedEvent:
		return *p, nil
	case *prediction.BatchCompletedEvent:
		return *p, nil
	case *prediction.BatchFailedEvent:
		return *p, nil
	case *prediction.BatchEscalatedEvent:
		return *p, nil
	default:
		return target, nil
	}
}
