package kafka

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/statforge/propline/internal/domain/events"
	"github.com/statforge/propline/internal/domain/prediction"
	"github.com/statforge/propline/internal/infra/eventbus/serialization"
	"github.com/statforge/propline/pkg/common/logger"
)

// busMetricsStub counts metric calls so tests can assert on them without a
// meter provider.
type busMetricsStub struct {
	mu           sync.Mutex
	published    map[string]int
	deadLettered map[string]int
}

func newBusMetricsStub() *busMetricsStub {
	return &busMetricsStub{
		published:    make(map[string]int),
		deadLettered: make(map[string]int),
	}
}

func (m *busMetricsStub) IncMessagePublished(_ context.Context, topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published[topic]++
}
func (m *busMetricsStub) IncMessageConsumed(context.Context, string) {}
func (m *busMetricsStub) IncPublishError(context.Context, string)   {}
func (m *busMetricsStub) IncConsumeError(context.Context, string)   {}
func (m *busMetricsStub) IncDeadLettered(_ context.Context, topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLettered[topic]++
}

func newTestEventBus(t *testing.T, producer sarama.SyncProducer, metrics EventBusMetrics) *EventBus {
	t.Helper()

	bus, err := NewEventBus(producer, nil, &EventBusConfig{
		Brokers:             []string{"localhost:9092"},
		DispatchTopic:       "dispatch",
		CompletionsTopic:    "completions",
		BatchLifecycleTopic: "batch-lifecycle",
		DeadLetterTopic:     "dead-letter",
		MaxDeliveryAttempts: 3,
		GroupID:             "test-group",
		ClientID:            "test-client",
		ServiceType:         "test",
	}, logger.Noop(), metrics, noop.NewTracerProvider().Tracer("test"))
	require.NoError(t, err)

	return bus
}

func headerValue(msg *sarama.ProducerMessage, key string) (string, bool) {
	for _, h := range msg.Headers {
		if string(h.Key) == key {
			return string(h.Value), true
		}
	}
	return "", false
}

func TestPublish_RoutesEventTypeToTopic(t *testing.T) {
	t.Parallel()
	producer := mocks.NewSyncProducer(t, nil)
	metrics := newBusMetricsStub()
	bus := newTestEventBus(t, producer, metrics)

	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "completions" {
			return fmt.Errorf("expected topic completions, got %s", msg.Topic)
		}
		raw, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		evtType, _, err := serialization.UnmarshalUniversalEnvelope(raw)
		if err != nil {
			return err
		}
		if evtType != prediction.EventTypeWorkItemCompleted {
			return fmt.Errorf("unexpected event type %s", evtType)
		}
		return nil
	})

	evt := events.EventEnvelope{
		Type:    prediction.EventTypeWorkItemCompleted,
		Payload: prediction.WorkItemCompletedEvent{EntityKey: "player-1001", Outcome: prediction.OutcomeSuccess},
	}
	require.NoError(t, bus.Publish(context.Background(), evt, events.WithKey("batch-key")))

	assert.Equal(t, 1, metrics.published["completions"])
	require.NoError(t, producer.Close())
}

func TestPublish_UnknownEventTypeRejected(t *testing.T) {
	t.Parallel()
	producer := mocks.NewSyncProducer(t, nil)
	bus := newTestEventBus(t, producer, newBusMetricsStub())

	err := bus.Publish(context.Background(), events.EventEnvelope{Type: events.EventType("nope")})
	require.Error(t, err)
	require.ErrorContains(t, err, "no topic mapped")
	require.NoError(t, producer.Close())
}

func TestRequeue_BumpsDeliveryAttempt(t *testing.T) {
	t.Parallel()
	producer := mocks.NewSyncProducer(t, nil)
	metrics := newBusMetricsStub()
	bus := newTestEventBus(t, producer, metrics)

	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "completions" {
			return fmt.Errorf("requeue must target the origin topic, got %s", msg.Topic)
		}
		attempt, ok := headerValue(msg, deliveryAttemptHeader)
		if !ok {
			return fmt.Errorf("requeued message missing %s header", deliveryAttemptHeader)
		}
		if attempt != "2" {
			return fmt.Errorf("expected delivery attempt 2, got %s", attempt)
		}
		return nil
	})

	consumed := &sarama.ConsumerMessage{
		Topic: "completions",
		Key:   []byte("batch-key"),
		Value: []byte(`{"event_type":"work_item_completed","payload":{}}`),
	}
	require.NoError(t, bus.requeue(context.Background(), consumed, deliveryAttempt(consumed)))

	assert.Empty(t, metrics.deadLettered)
	require.NoError(t, producer.Close())
}

func TestRequeue_ParksExhaustedMessageOnDeadLetterTopic(t *testing.T) {
	t.Parallel()
	producer := mocks.NewSyncProducer(t, nil)
	metrics := newBusMetricsStub()
	bus := newTestEventBus(t, producer, metrics)

	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "dead-letter" {
			return fmt.Errorf("exhausted message must park on the dead-letter topic, got %s", msg.Topic)
		}
		origin, ok := headerValue(msg, "x-origin-topic")
		if !ok || origin != "completions" {
			return fmt.Errorf("dead-lettered message must record its origin topic, got %q", origin)
		}
		return nil
	})

	consumed := &sarama.ConsumerMessage{
		Topic: "completions",
		Key:   []byte("batch-key"),
		Value: []byte(`{"event_type":"work_item_completed","payload":{}}`),
		Headers: []*sarama.RecordHeader{
			{Key: []byte(deliveryAttemptHeader), Value: []byte("3")},
		},
	}
	require.NoError(t, bus.requeue(context.Background(), consumed, deliveryAttempt(consumed)))

	assert.Equal(t, 1, metrics.deadLettered["completions"])
	require.NoError(t, producer.Close())
}

func TestDeliveryAttempt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		headers []*sarama.RecordHeader
		want    int
	}{
		{name: "no header defaults to first attempt", want: 1},
		{
			name: "header value is honored",
			headers: []*sarama.RecordHeader{
				{Key: []byte(deliveryAttemptHeader), Value: []byte("4")},
			},
			want: 4,
		},
		{
			name: "garbage header falls back to first attempt",
			headers: []*sarama.RecordHeader{
				{Key: []byte(deliveryAttemptHeader), Value: []byte("soon")},
			},
			want: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			msg := &sarama.ConsumerMessage{Topic: "completions", Headers: tt.headers}
			assert.Equal(t, tt.want, deliveryAttempt(msg))
		})
	}
}
