// Package kafka provides a Kafka-based implementation of the event bus for
// asynchronous messaging between the coordinator and the worker pool.
package kafka

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/statforge/propline/internal/domain/events"
	"github.com/statforge/propline/internal/domain/prediction"
	"github.com/statforge/propline/internal/infra/eventbus/kafka/tracing"
	"github.com/statforge/propline/internal/infra/eventbus/serialization"
	"github.com/statforge/propline/pkg/common/logger"
)

// deliveryAttemptHeader tracks how many times a message has been delivered.
// A failed handler requeues the message with the counter bumped; once the
// count exhausts the configured budget the message is parked on the
// dead-letter topic instead of being redelivered again.
const deliveryAttemptHeader = "x-delivery-attempt"

// EventBusMetrics defines metrics operations needed to monitor Kafka message
// handling.
type EventBusMetrics interface {
	IncMessagePublished(ctx context.Context, topic string)
	IncMessageConsumed(ctx context.Context, topic string)
	IncPublishError(ctx context.Context, topic string)
	IncConsumeError(ctx context.Context, topic string)
	IncDeadLettered(ctx context.Context, topic string)
}

// EventBusConfig contains settings for connecting to and interacting with
// Kafka brokers. It defines the topics, consumer group, and client identifiers
// needed for message routing.
type EventBusConfig struct {
	// Brokers is a list of Kafka broker addresses to connect to.
	Brokers []string

	// DispatchTopic carries work-item requests (coordinator -> workers).
	DispatchTopic string
	// CompletionsTopic carries work-item acknowledgements (workers -> coordinator).
	CompletionsTopic string
	// BatchLifecycleTopic carries batch created/completed/failed/escalated events.
	BatchLifecycleTopic string
	// DeadLetterTopic receives messages that exhausted their delivery budget.
	DeadLetterTopic string

	// MaxDeliveryAttempts bounds redelivery before a message is dead-lettered.
	MaxDeliveryAttempts int

	// GroupID identifies the consumer group for this bus instance.
	GroupID string
	// ClientID uniquely identifies this client to the Kafka cluster.
	ClientID string
	// ServiceType identifies the type of service (e.g., "worker", "coordinator").
	ServiceType string
}

var _ events.EventBus = (*EventBus)(nil)

// EventBus implements the events.EventBus interface using Kafka as the
// underlying message broker. It handles publishing and subscribing to domain
// events across the coordinator and worker processes.
type EventBus struct {
	producer      sarama.SyncProducer
	consumerGroup sarama.ConsumerGroup

	// Maps domain event types to their Kafka topics.
	topicMap map[events.EventType]string

	deadLetterTopic     string
	maxDeliveryAttempts int

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

// NewEventBus assembles an EventBus from an existing producer and consumer
// group. Most callers should use ConnectEventBus, which adds retry handling.
func NewEventBus(
	producer sarama.SyncProducer,
	consumerGroup sarama.ConsumerGroup,
	cfg *EventBusConfig,
	logger *logger.Logger,
	metrics EventBusMetrics,
	tracer trace.Tracer,
) (*EventBus, error) {
	if metrics == nil {
		return nil, fmt.Errorf("metrics are required for kafka event bus")
	}

	logger = logger.With(
		"component", "kafka_event_bus",
		"client_id", cfg.ClientID,
		"group_id", cfg.GroupID,
		"service_type", cfg.ServiceType,
	)

	topicMap := map[events.EventType]string{
		prediction.EventTypeWorkItemDispatched: cfg.DispatchTopic,       // coordinator -> worker
		prediction.EventTypeWorkItemCompleted:  cfg.CompletionsTopic,    // worker -> coordinator
		prediction.EventTypeBatchCreated:       cfg.BatchLifecycleTopic, // coordinator -> ops
		prediction.EventTypeBatchCompleted:     cfg.BatchLifecycleTopic, // coordinator -> ops
		prediction.EventTypeBatchFailed:        cfg.BatchLifecycleTopic, // coordinator -> ops
		prediction.EventTypeBatchEscalated:     cfg.BatchLifecycleTopic, // watchdog -> ops
	}

	maxAttempts := cfg.MaxDeliveryAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	return &EventBus{
		producer:            producer,
		consumerGroup:       consumerGroup,
		topicMap:            topicMap,
		deadLetterTopic:     cfg.DeadLetterTopic,
		maxDeliveryAttempts: maxAttempts,
		logger:              logger,
		metrics:             metrics,
		tracer:              tracer,
	}, nil
}

// Publish sends a domain event to the Kafka topic configured for its type.
// It handles serialization, routing based on event type, and includes
// observability instrumentation for tracing and metrics.
func (b *EventBus) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	topic, ok := b.topicMap[event.Type]
	if !ok {
		return fmt.Errorf("unknown event type '%s', no topic mapped", event.Type)
	}

	ctx, span := tracing.StartProducerSpan(ctx, topic, b.tracer)
	defer span.End()

	var pParams events.PublishParams
	for _, opt := range opts {
		opt(&pParams)
	}

	if pParams.Key != "" {
		event.Key = pParams.Key
		span.SetAttributes(attribute.String("event.key", event.Key))
	}

	msgBytes, err := serialization.SerializeEventEnvelope(event.Type, event.Payload)
	if err != nil {
		span.RecordError(err)
		b.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to serialize payload for event %s: %w", event.Type, err)
	}

	return b.publishToTopic(ctx, topic, event.Key, msgBytes)
}

// publishToTopic handles the actual publishing of a message to a single Kafka topic.
func (b *EventBus) publishToTopic(ctx context.Context, topic, key string, msgBytes []byte) error {
	kafkaMsg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(msgBytes),
	}

	tracing.InjectTraceContext(ctx, kafkaMsg)

	partition, offset, err := b.producer.SendMessage(kafkaMsg)
	if err != nil {
		b.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to send message to kafka topic %s: %w", topic, err)
	}

	b.metrics.IncMessagePublished(ctx, topic)

	b.logger.Debug(ctx, "Published message to Kafka",
		"topic", topic,
		"partition", partition,
		"offset", offset,
		"key", key,
	)

	return nil
}

// Subscribe registers a handler function to process domain events of the
// specified types. It manages consumer group membership and message processing
// in a separate goroutine.
func (b *EventBus) Subscribe(
	ctx context.Context,
	eventTypes []events.EventType,
	handler events.HandlerFunc,
) error {
	ctx, span := b.tracer.Start(ctx, "kafka_event_bus.subscribe",
		trace.WithAttributes(
			attribute.String("component", "kafka_event_bus"),
		))
	defer span.End()

	var topics []string
	topicSet := make(map[string]struct{})
	for _, et := range eventTypes {
		topic, ok := b.topicMap[et]
		if !ok {
			span.RecordError(fmt.Errorf("subscribe: unknown event type %s", et))
			span.SetStatus(codes.Error, "unknown event type")
			return fmt.Errorf("subscribe: unknown event type %s", et)
		}
		if _, seen := topicSet[topic]; !seen {
			topicSet[topic] = struct{}{}
			topics = append(topics, topic)
		}
	}

	span.AddEvent("topics_collected", trace.WithAttributes(attribute.StringSlice("topics", topics)))

	go b.consumeLoop(ctx, topics, handler)
	b.logger.Info(ctx, "Subscribed to events", "event_types", eventTypes)

	return nil
}

// consumeLoop maintains a continuous consumer group session for processing messages.
func (b *EventBus) consumeLoop(ctx context.Context, topics []string, handler events.HandlerFunc) {
	cgHandler := &domainEventHandler{
		eventBus:    b,
		userHandler: handler,
		logger:      b.logger,
		tracer:      b.tracer,
		metrics:     b.metrics,
	}

	for {
		if err := b.consumerGroup.Consume(ctx, topics, cgHandler); err != nil {
			b.logger.Error(ctx, "Error from consumer group", "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// requeue republishes a message whose handler failed back onto its origin
// topic with the delivery counter incremented, so the attempt budget survives
// consumer restarts and rebalances. Once the counter reaches the budget the
// message is parked on the dead-letter topic instead.
func (b *EventBus) requeue(ctx context.Context, msg *sarama.ConsumerMessage, attempt int) error {
	if attempt >= b.maxDeliveryAttempts {
		return b.deadLetter(ctx, msg, attempt)
	}

	retryMsg := &sarama.ProducerMessage{
		Topic: msg.Topic,
		Key:   sarama.ByteEncoder(msg.Key),
		Value: sarama.ByteEncoder(msg.Value),
		Headers: []sarama.RecordHeader{
			{Key: []byte(deliveryAttemptHeader), Value: []byte(strconv.Itoa(attempt + 1))},
		},
	}
	tracing.InjectTraceContext(ctx, retryMsg)

	if _, _, err := b.producer.SendMessage(retryMsg); err != nil {
		return fmt.Errorf("failed to requeue message on topic %s: %w", msg.Topic, err)
	}

	b.logger.Warn(ctx, "Message requeued after handler failure",
		"topic", msg.Topic,
		"partition", msg.Partition,
		"offset", msg.Offset,
		"delivery_attempt", attempt+1,
	)

	return nil
}

// deadLetter parks an exhausted message on the dead-letter topic, preserving
// the original value and routing key for operator inspection and replay.
func (b *EventBus) deadLetter(ctx context.Context, msg *sarama.ConsumerMessage, attempt int) error {
	if b.deadLetterTopic == "" {
		return fmt.Errorf("no dead letter topic configured")
	}

	dlqMsg := &sarama.ProducerMessage{
		Topic: b.deadLetterTopic,
		Key:   sarama.ByteEncoder(msg.Key),
		Value: sarama.ByteEncoder(msg.Value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("x-origin-topic"), Value: []byte(msg.Topic)},
			{Key: []byte(deliveryAttemptHeader), Value: []byte(strconv.Itoa(attempt))},
		},
	}
	if _, _, err := b.producer.SendMessage(dlqMsg); err != nil {
		return fmt.Errorf("failed to dead-letter message from topic %s: %w", msg.Topic, err)
	}

	b.metrics.IncDeadLettered(ctx, msg.Topic)
	b.logger.Warn(ctx, "Message dead-lettered",
		"origin_topic", msg.Topic,
		"partition", msg.Partition,
		"offset", msg.Offset,
		"delivery_attempt", attempt,
	)

	return nil
}

// domainEventHandler implements sarama.ConsumerGroupHandler to process Kafka
// messages and convert them into domain events for the application.
type domainEventHandler struct {
	eventBus    *EventBus
	userHandler events.HandlerFunc

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

func (h *domainEventHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(context.Background(),
		"Consumer group session setup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *domainEventHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(context.Background(),
		"Consumer group session cleanup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

// ConsumeClaim processes messages from an assigned partition, deserializing
// them into domain events and invoking the user-provided handler.
func (h *domainEventHandler) ConsumeClaim(
	sess sarama.ConsumerGroupSession,
	claim sarama.ConsumerGroupClaim,
) error {
	h.logger.Info(sess.Context(), "Starting to consume from partition",
		"partition", claim.Partition(),
		"member_id", sess.MemberID(),
	)
	consumeLogger := h.logger.With("operation", "consume_claim", "partition", claim.Partition())

	// Track the latest processed offset for periodic commits.
	lastCommit := time.Now()
	commitInterval := 1 * time.Second

	for msg := range claim.Messages() {
		func() {
			msgCtx := tracing.ExtractTraceContext(sess.Context(), msg)
			msgCtx, span := tracing.StartConsumerSpan(msgCtx, msg, h.tracer)
			defer span.End()

			attempt := deliveryAttempt(msg)
			if attempt > h.eventBus.maxDeliveryAttempts {
				if err := h.eventBus.deadLetter(msgCtx, msg, attempt); err != nil {
					consumeLogger.Error(msgCtx, "Failed to dead-letter message", "error", err)
					span.RecordError(err)
					return // Leave unacked; redelivered next session.
				}
				sess.MarkMessage(msg, "")
				return
			}

			evtType, domainBytes, err := serialization.UnmarshalUniversalEnvelope(msg.Value)
			if err != nil {
				sess.MarkMessage(msg, "")
				span.RecordError(err)
				return
			}

			payloadObj, err := serialization.DeserializePayload(evtType, domainBytes)
			if err != nil {
				sess.MarkMessage(msg, "")
				span.RecordError(err)
				return
			}

			dEvent := events.EventEnvelope{
				Type:      evtType,
				Key:       string(msg.Key),
				Timestamp: time.Now(),
				Payload:   payloadObj,
				Metadata: events.EventMetadata{
					Partition:       claim.Partition(),
					Offset:          msg.Offset,
					DeliveryAttempt: attempt,
				},
			}

			consumeLogger.Debug(msgCtx, "Received Kafka message",
				"topic", msg.Topic,
				"partition", claim.Partition(),
				"offset", msg.Offset,
				"event_type", evtType,
				"key", dEvent.Key,
			)

			ack := func(err error) {
				ackCtx, ackSpan := h.tracer.Start(msgCtx, "kafka_consumer.acknowledge",
					trace.WithLinks(trace.LinkFromContext(msgCtx)),
				)
				defer ackSpan.End()

				if err != nil {
					consumeLogger.Error(ackCtx, "Failed to acknowledge message", "error", err)
					h.metrics.IncConsumeError(ackCtx, msg.Topic)
					ackSpan.RecordError(err)
					ackSpan.SetStatus(codes.Error, "failed to acknowledge message")
					return
				}
				h.metrics.IncMessageConsumed(ackCtx, msg.Topic)

				sess.MarkMessage(msg, "")

				// Commit offsets periodically.
				if time.Since(lastCommit) > commitInterval {
					sess.Commit()
					lastCommit = time.Now()
					consumeLogger.Debug(ackCtx, "Committed offsets",
						"topic", msg.Topic,
						"partition", msg.Partition,
						"offset", msg.Offset,
					)
				}
			}

			if err := h.userHandler(msgCtx, dEvent, ack); err != nil {
				consumeLogger.Error(msgCtx, "Failed to handle message", "error", err)
				span.RecordError(err)
				h.metrics.IncConsumeError(msgCtx, msg.Topic)
				// Hand the message back to the topic with its attempt counter
				// bumped; the offset advances so the group does not stall on a
				// poisoned message.
				if rqErr := h.eventBus.requeue(msgCtx, msg, attempt); rqErr != nil {
					consumeLogger.Error(msgCtx, "Failed to requeue message", "error", rqErr)
					span.RecordError(rqErr)
					return // Leave unacked; redelivered next session.
				}
				sess.MarkMessage(msg, "")
				return
			}

			consumeLogger.Debug(msgCtx, "Successfully processed message", "topic", msg.Topic)
		}()
	}

	// Final commit before exiting.
	sess.Commit()

	return nil
}

// deliveryAttempt reads the delivery counter header, defaulting to the first
// attempt when absent.
func deliveryAttempt(msg *sarama.ConsumerMessage) int {
	for _, h := range msg.Headers {
		if h != nil && string(h.Key) == deliveryAttemptHeader {
			if n, err := strconv.Atoi(string(h.Value)); err == nil {
				return n
			}
		}
	}
	return 1
}

// Close gracefully shuts down the event bus by closing both producer and
// consumer connections.
func (b *EventBus) Close() error {
	logger := b.logger.With("operation", "close")
	ctx, span := b.tracer.Start(context.Background(), "kafka_event_bus.close")
	defer span.End()

	if err := b.producer.Close(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to close producer")
		logger.Error(ctx, "Failed to close producer", "error", err)
		return err
	}
	if err := b.consumerGroup.Close(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to close consumer group")
		logger.Error(ctx, "Failed to close consumer group", "error", err)
		return err
	}

	span.AddEvent("closed_event_bus")
	span.SetStatus(codes.Ok, "closed event bus")
	logger.Info(ctx, "Closed event bus")

	return nil
}
