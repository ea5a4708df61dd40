// Package coordination contains the batch lifecycle services: the coordinator
// that creates and dispatches batches, the consolidator that merges staged
// results, the escalation watchdog, and the reprocessing guard.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/statforge/propline/internal/domain/events"
	"github.com/statforge/propline/internal/domain/prediction"
	"github.com/statforge/propline/pkg/common"
	"github.com/statforge/propline/pkg/common/logger"
)

const (
	// dispatchConcurrency bounds the fan-out goroutines; the rate limiter
	// bounds throughput within them.
	dispatchConcurrency = 8

	// maxPublishAttempts bounds per-item publish retries before the item is
	// failed with reason dispatch_failed.
	maxPublishAttempts = 3
)

// Coordinator owns the batch lifecycle: it creates batches for a work date,
// fans work-item requests out to the worker pool, folds completion
// acknowledgements into the batch counters, and hands finished batches to the
// consolidator.
type Coordinator struct {
	// id identifies this coordinator instance in logs and lock rows.
	id string

	batchRepo prediction.BatchRepository
	itemRepo  prediction.WorkItemRepository

	eligibility  prediction.EligibilityLister
	consolidator prediction.Consolidator
	guard        *Guard

	eventBus       events.EventBus
	eventPublisher events.DomainEventPublisher

	dispatchLimiter *common.RateLimiter

	timeProvider timeProvider

	tracer  trace.Tracer
	logger  *logger.Logger
	metrics CoordinationMetrics
}

// NewCoordinator assembles a batch coordinator.
func NewCoordinator(
	id string,
	batchRepo prediction.BatchRepository,
	itemRepo prediction.WorkItemRepository,
	eligibility prediction.EligibilityLister,
	consolidator prediction.Consolidator,
	guard *Guard,
	eventBus events.EventBus,
	eventPublisher events.DomainEventPublisher,
	dispatchLimiter *common.RateLimiter,
	logger *logger.Logger,
	metrics CoordinationMetrics,
	tracer trace.Tracer,
) *Coordinator {
	return &Coordinator{
		id:              id,
		batchRepo:       batchRepo,
		itemRepo:        itemRepo,
		eligibility:     eligibility,
		consolidator:    consolidator,
		guard:           guard,
		eventBus:        eventBus,
		eventPublisher:  eventPublisher,
		dispatchLimiter: dispatchLimiter,
		timeProvider:    realTimeProvider{},
		tracer:          tracer,
		logger:          logger.With("component", "batch_coordinator", "coordinator_id", id),
		metrics:         metrics,
	}
}

// Run subscribes the coordinator to worker completion acknowledgements. It
// returns once the subscription is registered; message handling continues on
// the bus's consumer goroutines until ctx is canceled.
func (c *Coordinator) Run(ctx context.Context) error {
	return c.eventBus.Subscribe(ctx,
		[]events.EventType{prediction.EventTypeWorkItemCompleted},
		func(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
			completion, ok := evt.Payload.(prediction.WorkItemCompletedEvent)
			if !ok {
				// Malformed payloads cannot be retried into shape.
				ack(nil)
				return fmt.Errorf("unexpected payload type %T for work item completion", evt.Payload)
			}
			if err := c.OnWorkItemCompleted(ctx, completion); err != nil {
				return err
			}
			ack(nil)
			return nil
		},
	)
}

// CreateBatch creates a batch for the work date and begins dispatching in the
// background. With force, an existing active batch for the same date is
// superseded (marked FAILED) before the new one is created; without it the
// call fails with ErrBatchAlreadyRunning.
func (c *Coordinator) CreateBatch(ctx context.Context, workDate prediction.WorkDate, force bool) (uuid.UUID, error) {
	logr := c.logger.With("operation", "create_batch", "work_date", workDate.String(), "force", force)
	ctx, span := c.tracer.Start(ctx, "batch_coordinator.create_batch",
		trace.WithAttributes(
			attribute.String("work_date", workDate.String()),
			attribute.Bool("force", force),
		))
	defer span.End()

	active, err := c.batchRepo.FindActiveByWorkDate(ctx, workDate)
	if err != nil && !errors.Is(err, prediction.ErrBatchNotFound) {
		span.RecordError(err)
		return uuid.Nil, fmt.Errorf("checking for active batch: %w", err)
	}
	if active != nil {
		if !force {
			span.AddEvent("active_batch_exists")
			return uuid.Nil, prediction.ErrBatchAlreadyRunning
		}
		if err := c.supersede(ctx, active); err != nil {
			span.RecordError(err)
			return uuid.Nil, err
		}
		logr.Info(ctx, "Superseded active batch", "superseded_batch_id", active.BatchID().String())
	}

	entities, err := c.eligibility.ListEligibleEntities(ctx, workDate)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "eligibility enumeration failed")
		return uuid.Nil, fmt.Errorf("listing eligible entities: %w", err)
	}
	if len(entities) == 0 {
		span.AddEvent("no_eligible_entities")
		return uuid.Nil, prediction.ErrNoEligibleEntities
	}
	span.SetAttributes(attribute.Int("num_entities", len(entities)))

	batch := prediction.NewBatch(uuid.New(), workDate)
	if err := c.batchRepo.CreateBatch(ctx, batch); err != nil {
		span.RecordError(err)
		return uuid.Nil, fmt.Errorf("creating batch: %w", err)
	}

	items := make([]*prediction.WorkItem, len(entities))
	for i, key := range entities {
		items[i] = prediction.NewWorkItem(batch.BatchID(), key)
	}
	if err := c.itemRepo.BulkCreate(ctx, items); err != nil {
		span.RecordError(err)
		return uuid.Nil, fmt.Errorf("creating work items: %w", err)
	}
	if err := c.batchRepo.SetTotalItems(ctx, batch.BatchID(), len(items)); err != nil {
		span.RecordError(err)
		return uuid.Nil, fmt.Errorf("setting total items: %w", err)
	}

	moved, err := c.batchRepo.UpdateStatus(ctx, batch.BatchID(), prediction.BatchStatusCreated, prediction.BatchStatusDispatching)
	if err != nil {
		span.RecordError(err)
		return uuid.Nil, fmt.Errorf("transitioning batch to dispatching: %w", err)
	}
	if !moved {
		return uuid.Nil, fmt.Errorf("batch %s left CREATED before dispatch began", batch.BatchID())
	}

	c.metrics.IncBatchesCreated(ctx)
	createdEvt := prediction.NewBatchCreatedEvent(batch.BatchID(), workDate, len(items))
	if err := c.eventPublisher.PublishDomainEvent(ctx, createdEvt, events.WithKey(batch.BatchID().String())); err != nil {
		logr.Error(ctx, "Failed to publish batch created event", "error", err)
	}

	logr.Info(ctx, "Batch created, dispatching",
		"batch_id", batch.BatchID().String(),
		"total_items", len(items),
	)
	span.AddEvent("batch_created", trace.WithAttributes(attribute.Int("total_items", len(items))))

	go c.dispatchBatch(context.WithoutCancel(ctx), batch.BatchID(), workDate, entities)

	return batch.BatchID(), nil
}

// supersede force-fails an active batch so a new one can take its work date.
func (c *Coordinator) supersede(ctx context.Context, active *prediction.Batch) error {
	if err := c.batchRepo.MarkFailed(ctx, active.BatchID(), "superseded"); err != nil {
		return fmt.Errorf("superseding active batch %s: %w", active.BatchID(), err)
	}
	c.metrics.IncBatchesFailed(ctx)

	failedEvt := prediction.NewBatchFailedEvent(active.BatchID(), "superseded")
	if err := c.eventPublisher.PublishDomainEvent(ctx, failedEvt, events.WithKey(active.BatchID().String())); err != nil {
		c.logger.Error(ctx, "Failed to publish batch failed event", "error", err)
	}
	return nil
}

// dispatchBatch fans work-item requests out to the worker pool. Tripped
// entities are failed in place without a dispatch; publish retries are bounded
// and exhaustion fails the item with reason dispatch_failed. Either way every
// item ends up counted, so the batch always converges.
func (c *Coordinator) dispatchBatch(ctx context.Context, batchID uuid.UUID, workDate prediction.WorkDate, entities []string) {
	logr := c.logger.With("operation", "dispatch_batch", "batch_id", batchID.String())
	ctx, span := c.tracer.Start(ctx, "batch_coordinator.dispatch_batch",
		trace.WithAttributes(
			attribute.String("batch_id", batchID.String()),
			attribute.Int("num_entities", len(entities)),
		))
	defer span.End()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(dispatchConcurrency)

	for _, entityKey := range entities {
		g.Go(func() error {
			c.dispatchItem(gctx, batchID, workDate, entityKey)
			return nil
		})
	}
	_ = g.Wait()

	moved, err := c.batchRepo.UpdateStatus(ctx, batchID, prediction.BatchStatusDispatching, prediction.BatchStatusInProgress)
	if err != nil {
		logr.Error(ctx, "Failed to transition batch to in progress", "error", err)
		span.RecordError(err)
		return
	}
	if !moved {
		// The watchdog or a supersede already moved the batch on.
		span.AddEvent("batch_left_dispatching_elsewhere")
		return
	}

	logr.Info(ctx, "Dispatch fan-out finished")
	span.AddEvent("dispatch_finished")

	// Every item may already be terminal (all tripped or all publishes
	// exhausted); no completion event will arrive to trigger consolidation.
	batch, err := c.batchRepo.GetBatch(ctx, batchID)
	if err != nil {
		logr.Error(ctx, "Failed to reload batch after dispatch", "error", err)
		return
	}
	if batch.AllItemsFinished() {
		c.TriggerConsolidation(ctx, batchID)
	}
}

// dispatchItem publishes one work-item request, or fails the item when the
// breaker is tripped or publishing keeps failing.
func (c *Coordinator) dispatchItem(ctx context.Context, batchID uuid.UUID, workDate prediction.WorkDate, entityKey string) {
	logr := c.logger.With("operation", "dispatch_item", "batch_id", batchID.String(), "entity_key", entityKey)

	tripped, err := c.guard.IsTripped(ctx, entityKey)
	if err != nil {
		logr.Error(ctx, "Breaker lookup failed, dispatching anyway", "error", err)
	}
	if tripped {
		logr.Info(ctx, "Entity suppressed by circuit breaker")
		c.failItem(ctx, batchID, entityKey, prediction.FailureReasonCircuitOpen)
		return
	}

	if err := c.dispatchLimiter.Wait(ctx); err != nil {
		c.failItem(ctx, batchID, entityKey, prediction.FailureReasonDispatchFailed)
		return
	}

	if err := c.itemRepo.MarkDispatched(ctx, batchID, entityKey); err != nil {
		logr.Error(ctx, "Failed to mark item dispatched", "error", err)
		return
	}

	item, err := c.itemRepo.GetItem(ctx, batchID, entityKey)
	if err != nil {
		logr.Error(ctx, "Failed to reload item after dispatch mark", "error", err)
		return
	}

	evt := prediction.NewWorkItemDispatchedEvent(batchID, entityKey, workDate, item.AttemptCount())

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 250 * time.Millisecond
	publish := func() error {
		return c.eventPublisher.PublishDomainEvent(ctx, evt, events.WithKey(entityKey))
	}
	if err := backoff.Retry(publish, backoff.WithMaxRetries(expBackoff, maxPublishAttempts-1)); err != nil {
		logr.Error(ctx, "Publish retries exhausted", "error", err)
		c.failItem(ctx, batchID, entityKey, prediction.FailureReasonDispatchFailed)
		return
	}

	c.metrics.IncItemsDispatched(ctx)
}

// failItem terminally fails a work item and folds it into the batch counters.
// Items that already reached a terminal status are left untouched.
func (c *Coordinator) failItem(ctx context.Context, batchID uuid.UUID, entityKey, reason string) {
	moved, err := c.itemRepo.Transition(ctx, batchID, entityKey, prediction.WorkItemStatusFailed, reason)
	if err != nil {
		c.logger.Error(ctx, "Failed to fail work item",
			"batch_id", batchID.String(), "entity_key", entityKey, "reason", reason, "error", err)
		return
	}
	if !moved {
		return
	}

	c.metrics.IncItemsCompleted(ctx, string(prediction.OutcomeFailure))

	completed, failed, total, err := c.batchRepo.IncrementCounters(ctx, batchID, 0, 1)
	if err != nil {
		c.logger.Error(ctx, "Failed to increment batch counters",
			"batch_id", batchID.String(), "error", err)
		return
	}
	if completed+failed == total {
		c.TriggerConsolidation(ctx, batchID)
	}
}

// OnWorkItemCompleted folds one worker acknowledgement into the batch. It is
// idempotent: a redelivered acknowledgement lands on a terminal item row and
// changes nothing. The last acknowledgement triggers consolidation.
func (c *Coordinator) OnWorkItemCompleted(ctx context.Context, evt prediction.WorkItemCompletedEvent) error {
	logr := c.logger.With("operation", "on_work_item_completed",
		"batch_id", evt.BatchID.String(), "entity_key", evt.EntityKey, "outcome", string(evt.Outcome))
	ctx, span := c.tracer.Start(ctx, "batch_coordinator.on_work_item_completed",
		trace.WithAttributes(
			attribute.String("batch_id", evt.BatchID.String()),
			attribute.String("entity_key", evt.EntityKey),
			attribute.String("outcome", string(evt.Outcome)),
		))
	defer span.End()

	batch, err := c.batchRepo.GetBatch(ctx, evt.BatchID)
	if err != nil {
		if errors.Is(err, prediction.ErrBatchNotFound) {
			logr.Warn(ctx, "Completion for unknown batch dropped")
			return nil
		}
		span.RecordError(err)
		return fmt.Errorf("loading batch: %w", err)
	}
	if batch.Status().IsTerminal() || batch.Status() == prediction.BatchStatusConsolidating {
		// The watchdog already forced the batch forward; this result arrived
		// too late to be merged.
		logr.Warn(ctx, "Late completion dropped", "batch_status", string(batch.Status()))
		span.AddEvent("late_completion_dropped")
		return nil
	}

	target := prediction.WorkItemStatusDone
	if evt.Outcome != prediction.OutcomeSuccess {
		target = prediction.WorkItemStatusFailed
	}

	moved, err := c.itemRepo.Transition(ctx, evt.BatchID, evt.EntityKey, target, evt.Reason)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("transitioning work item: %w", err)
	}
	if !moved {
		logr.Debug(ctx, "Duplicate acknowledgement ignored")
		span.AddEvent("duplicate_ack")
		return nil
	}

	if err := c.guard.RecordOutcome(ctx, evt.EntityKey, evt.Outcome); err != nil {
		// Breaker bookkeeping must not fail the acknowledgement.
		logr.Error(ctx, "Failed to record breaker outcome", "error", err)
	}
	c.metrics.IncItemsCompleted(ctx, string(evt.Outcome))

	completedDelta, failedDelta := 0, 1
	if evt.Outcome == prediction.OutcomeSuccess {
		completedDelta, failedDelta = 1, 0
	}
	completed, failed, total, err := c.batchRepo.IncrementCounters(ctx, evt.BatchID, completedDelta, failedDelta)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("incrementing batch counters: %w", err)
	}
	span.SetAttributes(
		attribute.Int("completed_items", completed),
		attribute.Int("failed_items", failed),
		attribute.Int("total_items", total),
	)

	if completed+failed == total {
		logr.Info(ctx, "All items finished, consolidating",
			"completed_items", completed, "failed_items", failed, "total_items", total)
		c.TriggerConsolidation(ctx, evt.BatchID)
	}

	return nil
}

// TriggerConsolidation moves the batch into CONSOLIDATING, runs the
// lock-guarded merge, and owns the CONSOLIDATING -> COMPLETE (or FAILED)
// transition. Exactly one caller wins the status transition for a batch still
// in flight; everyone else observes Skipped, and the consolidator's lock
// covers callers racing across processes. The last-ack path, the watchdog,
// and the operator API all consolidate through here.
func (c *Coordinator) TriggerConsolidation(ctx context.Context, batchID uuid.UUID) (prediction.ConsolidationResult, error) {
	logr := c.logger.With("operation", "trigger_consolidation", "batch_id", batchID.String())
	ctx, span := c.tracer.Start(ctx, "batch_coordinator.trigger_consolidation",
		trace.WithAttributes(attribute.String("batch_id", batchID.String())))
	defer span.End()

	moved, err := c.batchRepo.UpdateStatus(ctx, batchID, prediction.BatchStatusInProgress, prediction.BatchStatusConsolidating)
	if err != nil {
		logr.Error(ctx, "Failed to transition batch to consolidating", "error", err)
		span.RecordError(err)
		return prediction.ConsolidationResult{}, fmt.Errorf("transitioning batch to consolidating: %w", err)
	}
	if !moved {
		// The fan-out can finish a batch before it ever leaves DISPATCHING.
		moved, err = c.batchRepo.UpdateStatus(ctx, batchID, prediction.BatchStatusDispatching, prediction.BatchStatusConsolidating)
		if err != nil {
			logr.Error(ctx, "Failed to transition batch to consolidating", "error", err)
			span.RecordError(err)
			return prediction.ConsolidationResult{}, fmt.Errorf("transitioning batch to consolidating: %w", err)
		}
	}
	if !moved {
		// A batch already in CONSOLIDATING may be a crashed merge being
		// re-driven by the watchdog; the lock and the terminal-status check
		// inside the consolidator make re-entry safe. Anything else is a
		// concurrent trigger that already won.
		batch, err := c.batchRepo.GetBatch(ctx, batchID)
		if err != nil || batch.Status() != prediction.BatchStatusConsolidating {
			span.AddEvent("consolidation_already_triggered")
			return prediction.ConsolidationResult{Skipped: true}, nil
		}
	}

	result, err := c.consolidator.Consolidate(ctx, batchID)
	if err != nil {
		logr.Error(ctx, "Consolidation failed", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "consolidation failed")
		c.failBatch(ctx, batchID, fmt.Sprintf("consolidation failed: %v", err))
		return prediction.ConsolidationResult{}, fmt.Errorf("consolidating batch: %w", err)
	}
	if result.Skipped {
		span.AddEvent("consolidation_skipped")
		return result, nil
	}

	moved, err = c.batchRepo.UpdateStatus(ctx, batchID, prediction.BatchStatusConsolidating, prediction.BatchStatusComplete)
	if err != nil || !moved {
		// The merge itself is durable; the batch row catches up on a retry.
		logr.Error(ctx, "Failed to complete batch after merge", "error", err)
		if err != nil {
			span.RecordError(err)
		}
		return result, nil
	}

	c.metrics.IncBatchesCompleted(ctx)

	batch, err := c.batchRepo.GetBatch(ctx, batchID)
	if err != nil {
		logr.Error(ctx, "Failed to reload batch after completion", "error", err)
		return result, nil
	}
	c.metrics.ObserveBatchDuration(ctx, c.timeProvider.Now().Sub(batch.CreatedAt()))

	completedEvt := prediction.NewBatchCompletedEvent(batchID, result.RowsMerged, batch.CompletedItems(), batch.FailedItems())
	if err := c.eventPublisher.PublishDomainEvent(ctx, completedEvt, events.WithKey(batchID.String())); err != nil {
		logr.Error(ctx, "Failed to publish batch completed event", "error", err)
	}

	logr.Info(ctx, "Batch complete",
		"rows_merged", result.RowsMerged,
		"regions_merged", result.RegionsMerged,
	)
	span.SetStatus(codes.Ok, "batch complete")

	return result, nil
}

// failBatch force-fails a batch and publishes the failure event.
func (c *Coordinator) failBatch(ctx context.Context, batchID uuid.UUID, reason string) {
	if err := c.batchRepo.MarkFailed(ctx, batchID, reason); err != nil {
		c.logger.Error(ctx, "Failed to mark batch failed", "batch_id", batchID.String(), "error", err)
		return
	}
	c.metrics.IncBatchesFailed(ctx)

	failedEvt := prediction.NewBatchFailedEvent(batchID, reason)
	if err := c.eventPublisher.PublishDomainEvent(ctx, failedEvt, events.WithKey(batchID.String())); err != nil {
		c.logger.Error(ctx, "Failed to publish batch failed event", "error", err)
	}
}
