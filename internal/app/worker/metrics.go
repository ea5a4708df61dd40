package worker

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/statforge/propline/internal/infra/eventbus/kafka"
)

// WorkerMetrics defines metrics operations needed by the prediction worker.
type WorkerMetrics interface {
	// Messaging metrics
	kafka.EventBusMetrics

	// Scoring metrics
	IncItemsProcessed(ctx context.Context, outcome string)
	ObserveScoringDuration(ctx context.Context, d time.Duration)
	AddRowsStaged(ctx context.Context, n int64)
}

// workerMetrics implements WorkerMetrics.
type workerMetrics struct {
	// Messaging metrics
	messagesPublished metric.Int64Counter
	messagesConsumed  metric.Int64Counter
	publishErrors     metric.Int64Counter
	consumeErrors     metric.Int64Counter
	deadLettered      metric.Int64Counter

	// Scoring metrics
	itemsProcessed  metric.Int64Counter
	scoringDuration metric.Float64Histogram
	rowsStaged      metric.Int64Counter
}

const namespace = "worker"

// NewWorkerMetrics creates a new worker metrics instance.
func NewWorkerMetrics(mp metric.MeterProvider) (*workerMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(workerMetrics)
	var err error

	if m.messagesPublished, err = meter.Int64Counter(
		"messages_published_total",
		metric.WithDescription("Total number of messages published"),
	); err != nil {
		return nil, err
	}

	if m.messagesConsumed, err = meter.Int64Counter(
		"messages_consumed_total",
		metric.WithDescription("Total number of messages consumed"),
	); err != nil {
		return nil, err
	}

	if m.publishErrors, err = meter.Int64Counter(
		"publish_errors_total",
		metric.WithDescription("Total number of publish errors"),
	); err != nil {
		return nil, err
	}

	if m.consumeErrors, err = meter.Int64Counter(
		"consume_errors_total",
		metric.WithDescription("Total number of consume errors"),
	); err != nil {
		return nil, err
	}

	if m.deadLettered, err = meter.Int64Counter(
		"messages_dead_lettered_total",
		metric.WithDescription("Total number of messages parked on the dead letter topic"),
	); err != nil {
		return nil, err
	}

	if m.itemsProcessed, err = meter.Int64Counter(
		"work_items_processed_total",
		metric.WithDescription("Total number of work items processed"),
	); err != nil {
		return nil, err
	}

	if m.scoringDuration, err = meter.Float64Histogram(
		"scoring_duration_seconds",
		metric.WithDescription("Time taken to score one entity"),
	); err != nil {
		return nil, err
	}

	if m.rowsStaged, err = meter.Int64Counter(
		"rows_staged_total",
		metric.WithDescription("Total number of prediction rows written to staging"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *workerMetrics) IncMessagePublished(ctx context.Context, topic string) {
	m.messagesPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *workerMetrics) IncMessageConsumed(ctx context.Context, topic string) {
	m.messagesConsumed.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *workerMetrics) IncPublishError(ctx context.Context, topic string) {
	m.publishErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *workerMetrics) IncConsumeError(ctx context.Context, topic string) {
	m.consumeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *workerMetrics) IncDeadLettered(ctx context.Context, topic string) {
	m.deadLettered.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *workerMetrics) IncItemsProcessed(ctx context.Context, outcome string) {
	m.itemsProcessed.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *workerMetrics) ObserveScoringDuration(ctx context.Context, d time.Duration) {
	m.scoringDuration.Record(ctx, d.Seconds())
}

func (m *workerMetrics) AddRowsStaged(ctx context.Context, n int64) {
	m.rowsStaged.Add(ctx, n)
}
