package coordination

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/statforge/propline/internal/domain/events"
	"github.com/statforge/propline/internal/domain/prediction"
	"github.com/statforge/propline/pkg/common/logger"
)

type timeProvider interface {
	Now() time.Time
}

// realTimeProvider is a real implementation of the timeProvider interface.
type realTimeProvider struct{}

// Now returns the current time.
func (realTimeProvider) Now() time.Time { return time.Now().UTC() }

const (
	defaultWatchdogInterval = 30 * time.Second
	defaultBatchDeadline    = 30 * time.Minute
)

// ConsolidationTrigger is the coordinator's lock-guarded consolidation entry
// point. Callers that only force a merge forward may discard the result; the
// batch status records the outcome either way.
type ConsolidationTrigger func(ctx context.Context, batchID uuid.UUID) (prediction.ConsolidationResult, error)

// Watchdog periodically sweeps for batches that missed their deadline. A batch
// stuck mid-flight has its unfinished items failed so the partial results can
// still be merged; a batch that never finished dispatch is timed out outright.
// Every escalation raises an operator alert listing the missing entities.
type Watchdog struct {
	// coordinatorID identifies the owning process in logs.
	coordinatorID string

	batchRepo prediction.BatchRepository
	itemRepo  prediction.WorkItemRepository

	consolidationTrigger ConsolidationTrigger
	eventPublisher       events.DomainEventPublisher

	// checkInterval controls sweep frequency.
	checkInterval time.Duration
	// batchDeadline is how long a batch may run before escalation.
	batchDeadline time.Duration

	// cancel allows graceful shutdown of the sweep goroutine.
	cancel context.CancelCauseFunc

	timeProvider timeProvider

	tracer  trace.Tracer
	logger  *logger.Logger
	metrics CoordinationMetrics
}

// NewWatchdog creates an escalation watchdog. Zero interval/deadline values
// fall back to the defaults (30s sweep, 30m deadline). consolidationTrigger
// is the coordinator's lock-guarded consolidation entry point.
func NewWatchdog(
	coordinatorID string,
	batchRepo prediction.BatchRepository,
	itemRepo prediction.WorkItemRepository,
	consolidationTrigger ConsolidationTrigger,
	eventPublisher events.DomainEventPublisher,
	checkInterval time.Duration,
	batchDeadline time.Duration,
	logger *logger.Logger,
	metrics CoordinationMetrics,
	tracer trace.Tracer,
) *Watchdog {
	if checkInterval <= 0 {
		checkInterval = defaultWatchdogInterval
	}
	if batchDeadline <= 0 {
		batchDeadline = defaultBatchDeadline
	}
	return &Watchdog{
		coordinatorID:        coordinatorID,
		batchRepo:            batchRepo,
		itemRepo:             itemRepo,
		consolidationTrigger: consolidationTrigger,
		eventPublisher:       eventPublisher,
		checkInterval:        checkInterval,
		batchDeadline:        batchDeadline,
		timeProvider:         realTimeProvider{},
		tracer:               tracer,
		logger:               logger.With("component", "escalation_watchdog"),
		metrics:              metrics,
	}
}

// Start launches the background sweep goroutine. It exits when the context is
// canceled or Stop is called.
func (w *Watchdog) Start(ctx context.Context) {
	ctx, span := w.tracer.Start(ctx, "escalation_watchdog.start",
		trace.WithAttributes(
			attribute.String("coordinator_id", w.coordinatorID),
			attribute.String("interval", w.checkInterval.String()),
			attribute.String("deadline", w.batchDeadline.String()),
		))
	defer span.End()

	ctx, w.cancel = context.WithCancelCause(ctx)

	span.AddEvent("watchdog_started")

	go func() {
		ticker := time.NewTicker(w.checkInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				w.sweep(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop signals the sweep goroutine to terminate.
func (w *Watchdog) Stop() {
	logger := w.logger.With("operation", "stop")
	ctx, span := w.tracer.Start(context.Background(), "escalation_watchdog.stop")
	defer span.End()

	if w.cancel != nil {
		w.cancel(errors.New("escalation watchdog stopped"))
	}

	span.AddEvent("watchdog_stopped")
	logger.Info(ctx, "Escalation watchdog stopped")
}

// sweep finds batches past their deadline and escalates them.
func (w *Watchdog) sweep(ctx context.Context) {
	logr := w.logger.With("operation", "sweep", "deadline", w.batchDeadline.String())
	ctx, span := w.tracer.Start(ctx, "escalation_watchdog.sweep")
	defer span.End()

	cutoff := w.timeProvider.Now().Add(-w.batchDeadline)
	span.SetAttributes(attribute.String("cutoff_time", cutoff.Format(time.RFC3339)))

	stuck, err := w.batchRepo.FindStuck(ctx, []prediction.BatchStatus{
		prediction.BatchStatusCreated,
		prediction.BatchStatusDispatching,
		prediction.BatchStatusInProgress,
		prediction.BatchStatusConsolidating,
	}, cutoff)
	if err != nil {
		logr.Error(ctx, "Stuck batch detection failed", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "stuck batch detection failed")
		return
	}
	if len(stuck) == 0 {
		return
	}
	span.AddEvent("stuck_batches_found", trace.WithAttributes(attribute.Int("count", len(stuck))))

	for _, batch := range stuck {
		switch batch.Status() {
		case prediction.BatchStatusCreated, prediction.BatchStatusDispatching:
			w.timeOutBatch(ctx, batch)
		case prediction.BatchStatusInProgress, prediction.BatchStatusConsolidating:
			w.forceConsolidation(ctx, batch)
		}
	}
}

// timeOutBatch handles a batch that never finished dispatch: there is nothing
// worth merging, so it is marked TIMED_OUT and alerted.
func (w *Watchdog) timeOutBatch(ctx context.Context, batch *prediction.Batch) {
	logr := w.logger.With("operation", "time_out_batch", "batch_id", batch.BatchID().String())
	ctx, span := w.tracer.Start(ctx, "escalation_watchdog.time_out_batch",
		trace.WithAttributes(
			attribute.String("batch_id", batch.BatchID().String()),
			attribute.String("status", string(batch.Status())),
		))
	defer span.End()

	if err := w.batchRepo.MarkTimedOut(ctx, batch.BatchID(), "dispatch deadline exceeded"); err != nil {
		logr.Error(ctx, "Failed to time out batch", "error", err)
		span.RecordError(err)
		return
	}

	w.metrics.IncBatchesTimedOut(ctx)
	w.metrics.IncWatchdogEscalations(ctx)

	logr.Error(ctx, "Batch timed out before dispatch finished",
		"status", string(batch.Status()),
		"created_at", batch.CreatedAt().Format(time.RFC3339),
	)

	failedEvt := prediction.NewBatchFailedEvent(batch.BatchID(), "dispatch deadline exceeded")
	if err := w.eventPublisher.PublishDomainEvent(ctx, failedEvt, events.WithKey(batch.BatchID().String())); err != nil {
		logr.Error(ctx, "Failed to publish batch failed event", "error", err)
		span.RecordError(err)
	}
	span.AddEvent("batch_timed_out")
}

// forceConsolidation handles a batch stuck mid-flight: unfinished items are
// failed with reason timed_out so the batch converges, an escalation alert
// lists the missing entities, and the normal lock-guarded consolidation path
// merges whatever results did arrive.
func (w *Watchdog) forceConsolidation(ctx context.Context, batch *prediction.Batch) {
	logr := w.logger.With("operation", "force_consolidation", "batch_id", batch.BatchID().String())
	ctx, span := w.tracer.Start(ctx, "escalation_watchdog.force_consolidation",
		trace.WithAttributes(
			attribute.String("batch_id", batch.BatchID().String()),
			attribute.String("status", string(batch.Status())),
		))
	defer span.End()

	missing, err := w.itemRepo.ListUnfinished(ctx, batch.BatchID())
	if err != nil {
		logr.Error(ctx, "Failed to list unfinished items", "error", err)
		span.RecordError(err)
		return
	}
	span.SetAttributes(attribute.Int("missing_items", len(missing)))

	for _, entityKey := range missing {
		moved, err := w.itemRepo.Transition(ctx, batch.BatchID(), entityKey, prediction.WorkItemStatusFailed, prediction.FailureReasonTimedOut)
		if err != nil {
			logr.Error(ctx, "Failed to time out work item", "entity_key", entityKey, "error", err)
			span.RecordError(err)
			continue
		}
		if moved {
			if _, _, _, err := w.batchRepo.IncrementCounters(ctx, batch.BatchID(), 0, 1); err != nil {
				logr.Error(ctx, "Failed to increment batch counters", "entity_key", entityKey, "error", err)
				span.RecordError(err)
			}
		}
	}

	w.metrics.IncWatchdogEscalations(ctx)

	logr.Error(ctx, "Batch escalated, forcing consolidation with partial results",
		"missing_items", len(missing),
		"missing_entity_keys", missing,
		"completed_items", batch.CompletedItems(),
		"total_items", batch.TotalItems(),
	)

	escalatedEvt := prediction.NewBatchEscalatedEvent(batch.BatchID(), missing, batch.CompletedItems(), batch.TotalItems())
	if err := w.eventPublisher.PublishDomainEvent(ctx, escalatedEvt, events.WithKey(batch.BatchID().String())); err != nil {
		logr.Error(ctx, "Failed to publish batch escalated event", "error", err)
		span.RecordError(err)
	}

	if _, err := w.consolidationTrigger(ctx, batch.BatchID()); err != nil {
		logr.Error(ctx, "Forced consolidation failed", "error", err)
		span.RecordError(err)
	}
	span.AddEvent("consolidation_forced")
}
