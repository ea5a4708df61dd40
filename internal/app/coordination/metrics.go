package coordination

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/statforge/propline/internal/infra/eventbus/kafka"
)

// CoordinationMetrics defines metrics operations needed by the coordinator,
// consolidator, watchdog, and reprocessing guard.
type CoordinationMetrics interface {
	// Messaging metrics
	kafka.EventBusMetrics

	// Batch lifecycle metrics
	IncBatchesCreated(ctx context.Context)
	IncBatchesCompleted(ctx context.Context)
	IncBatchesFailed(ctx context.Context)
	IncBatchesTimedOut(ctx context.Context)
	ObserveBatchDuration(ctx context.Context, d time.Duration)

	// Work item metrics
	IncItemsDispatched(ctx context.Context)
	IncItemsCompleted(ctx context.Context, outcome string)

	// Consolidation metrics
	IncConsolidationsSkipped(ctx context.Context)
	ObserveConsolidationTime(ctx context.Context, d time.Duration)
	AddRowsMerged(ctx context.Context, n int64)

	// Guard and watchdog metrics
	IncBreakerTrips(ctx context.Context)
	IncSuppressedDispatches(ctx context.Context)
	IncWatchdogEscalations(ctx context.Context)
}

// coordinationMetrics implements CoordinationMetrics.
type coordinationMetrics struct {
	// Messaging metrics
	messagesPublished metric.Int64Counter
	messagesConsumed  metric.Int64Counter
	publishErrors     metric.Int64Counter
	consumeErrors     metric.Int64Counter
	deadLettered      metric.Int64Counter

	// Batch metrics
	batchesCreated   metric.Int64Counter
	batchesCompleted metric.Int64Counter
	batchesFailed    metric.Int64Counter
	batchesTimedOut  metric.Int64Counter
	batchDuration    metric.Float64Histogram

	// Work item metrics
	itemsDispatched metric.Int64Counter
	itemsCompleted  metric.Int64Counter

	// Consolidation metrics
	consolidationsSkipped metric.Int64Counter
	consolidationTime     metric.Float64Histogram
	rowsMerged            metric.Int64Counter

	// Guard and watchdog metrics
	breakerTrips         metric.Int64Counter
	suppressedDispatches metric.Int64Counter
	watchdogEscalations  metric.Int64Counter
}

const namespace = "coordination"

// NewCoordinationMetrics creates a new coordination metrics instance.
func NewCoordinationMetrics(mp metric.MeterProvider) (*coordinationMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(coordinationMetrics)
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

	if m.batchesCreated, err = meter.Int64Counter(
		"batches_created_total",
		metric.WithDescription("Total number of batches created"),
	); err != nil {
		return nil, err
	}

	if m.batchesCompleted, err = meter.Int64Counter(
		"batches_completed_total",
		metric.WithDescription("Total number of batches completed"),
	); err != nil {
		return nil, err
	}

	if m.batchesFailed, err = meter.Int64Counter(
		"batches_failed_total",
		metric.WithDescription("Total number of batches failed"),
	); err != nil {
		return nil, err
	}

	if m.batchesTimedOut, err = meter.Int64Counter(
		"batches_timed_out_total",
		metric.WithDescription("Total number of batches timed out before dispatch finished"),
	); err != nil {
		return nil, err
	}

	if m.batchDuration, err = meter.Float64Histogram(
		"batch_duration_seconds",
		metric.WithDescription("Time from batch creation to terminal status"),
	); err != nil {
		return nil, err
	}

	if m.itemsDispatched, err = meter.Int64Counter(
		"work_items_dispatched_total",
		metric.WithDescription("Total number of work items dispatched to workers"),
	); err != nil {
		return nil, err
	}

	if m.itemsCompleted, err = meter.Int64Counter(
		"work_items_completed_total",
		metric.WithDescription("Total number of work item completions applied"),
	); err != nil {
		return nil, err
	}

	if m.consolidationsSkipped, err = meter.Int64Counter(
		"consolidations_skipped_total",
		metric.WithDescription("Total number of consolidation attempts that lost the lock"),
	); err != nil {
		return nil, err
	}

	if m.consolidationTime, err = meter.Float64Histogram(
		"consolidation_duration_seconds",
		metric.WithDescription("Time taken to merge a batch's staging rows"),
	); err != nil {
		return nil, err
	}

	if m.rowsMerged, err = meter.Int64Counter(
		"rows_merged_total",
		metric.WithDescription("Total number of staging rows merged into the permanent store"),
	); err != nil {
		return nil, err
	}

	if m.breakerTrips, err = meter.Int64Counter(
		"breaker_trips_total",
		metric.WithDescription("Total number of circuit breaker trips"),
	); err != nil {
		return nil, err
	}

	if m.suppressedDispatches, err = meter.Int64Counter(
		"suppressed_dispatches_total",
		metric.WithDescription("Total number of work items suppressed by a tripped breaker"),
	); err != nil {
		return nil, err
	}

	if m.watchdogEscalations, err = meter.Int64Counter(
		"watchdog_escalations_total",
		metric.WithDescription("Total number of watchdog escalations"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *coordinationMetrics) IncMessagePublished(ctx context.Context, topic string) {
	m.messagesPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *coordinationMetrics) IncMessageConsumed(ctx context.Context, topic string) {
	m.messagesConsumed.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *coordinationMetrics) IncPublishError(ctx context.Context, topic string) {
	m.publishErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *coordinationMetrics) IncConsumeError(ctx context.Context, topic string) {
	m.consumeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *coordinationMetrics) IncDeadLettered(ctx context.Context, topic string) {
	m.deadLettered.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *coordinationMetrics) IncBatchesCreated(ctx context.Context)   { m.batchesCreated.Add(ctx, 1) }
func (m *coordinationMetrics) IncBatchesCompleted(ctx context.Context) { m.batchesCompleted.Add(ctx, 1) }
func (m *coordinationMetrics) IncBatchesFailed(ctx context.Context)    { m.batchesFailed.Add(ctx, 1) }
func (m *coordinationMetrics) IncBatchesTimedOut(ctx context.Context)  { m.batchesTimedOut.Add(ctx, 1) }

func (m *coordinationMetrics) ObserveBatchDuration(ctx context.Context, d time.Duration) {
	m.batchDuration.Record(ctx, d.Seconds())
}

func (m *coordinationMetrics) IncItemsDispatched(ctx context.Context) { m.itemsDispatched.Add(ctx, 1) }

func (m *coordinationMetrics) IncItemsCompleted(ctx context.Context, outcome string) {
	m.itemsCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *coordinationMetrics) IncConsolidationsSkipped(ctx context.Context) {
	m.consolidationsSkipped.Add(ctx, 1)
}

func (m *coordinationMetrics) ObserveConsolidationTime(ctx context.Context, d time.Duration) {
	m.consolidationTime.Record(ctx, d.Seconds())
}

func (m *coordinationMetrics) AddRowsMerged(ctx context.Context, n int64) {
	m.rowsMerged.Add(ctx, n)
}

func (m *coordinationMetrics) IncBreakerTrips(ctx context.Context) { m.breakerTrips.Add(ctx, 1) }

func (m *coordinationMetrics) IncSuppressedDispatches(ctx context.Context) {
	m.suppressedDispatches.Add(ctx, 1)
}

func (m *coordinationMetrics) IncWatchdogEscalations(ctx context.Context) {
	m.watchdogEscalations.Add(ctx, 1)
}
