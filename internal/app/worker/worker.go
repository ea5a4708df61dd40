// Package worker contains the stateless prediction worker: it consumes
// work-item dispatch events, scores entities, stages the resulting rows, and
// acknowledges completion back to the coordinator.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/statforge/propline/internal/domain/events"
	"github.com/statforge/propline/internal/domain/prediction"
	"github.com/statforge/propline/pkg/common/logger"
)

const defaultScoreTimeout = 2 * time.Minute

// Worker scores dispatched work items. It is stateless between items: all
// durable state lives in the staging store, written before the completion
// acknowledgement is published so a crash between the two only causes a
// redelivery, never a lost result. Staging writes are upserts, so the
// redelivered item lands on identical rows.
type Worker struct {
	// id identifies this worker; it doubles as the staging region id.
	id string

	scorer      prediction.Scorer
	stagingRepo prediction.StagingRepository

	eventBus       events.EventBus
	eventPublisher events.DomainEventPublisher

	// scoreTimeout bounds a single scoring call.
	scoreTimeout time.Duration

	tracer  trace.Tracer
	logger  *logger.Logger
	metrics WorkerMetrics
}

// NewWorker assembles a prediction worker. A zero scoreTimeout falls back to
// the default (2m).
func NewWorker(
	id string,
	scorer prediction.Scorer,
	stagingRepo prediction.StagingRepository,
	eventBus events.EventBus,
	eventPublisher events.DomainEventPublisher,
	scoreTimeout time.Duration,
	logger *logger.Logger,
	metrics WorkerMetrics,
	tracer trace.Tracer,
) *Worker {
	if scoreTimeout <= 0 {
		scoreTimeout = defaultScoreTimeout
	}
	return &Worker{
		id:             id,
		scorer:         scorer,
		stagingRepo:    stagingRepo,
		eventBus:       eventBus,
		eventPublisher: eventPublisher,
		scoreTimeout:   scoreTimeout,
		tracer:         tracer,
		logger:         logger.With("component", "prediction_worker", "worker_id", id),
		metrics:        metrics,
	}
}

// Run subscribes the worker to work-item dispatch events. It returns once the
// subscription is registered; item handling continues on the bus's consumer
// goroutines until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	return w.eventBus.Subscribe(ctx,
		[]events.EventType{prediction.EventTypeWorkItemDispatched},
		func(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
			dispatch, ok := evt.Payload.(prediction.WorkItemDispatchedEvent)
			if !ok {
				ack(nil)
				return fmt.Errorf("unexpected payload type %T for work item dispatch", evt.Payload)
			}
			if err := w.HandleDispatch(ctx, dispatch); err != nil {
				return err
			}
			ack(nil)
			return nil
		},
	)
}

// HandleDispatch scores one work item and acknowledges its outcome. Scoring
// failures are terminal for the item: the worker reports them rather than
// retrying, and the coordinator counts them toward batch completion. An error
// return means the staging write or the acknowledgement itself could not be
// made durable; the message stays unacked for redelivery.
func (w *Worker) HandleDispatch(ctx context.Context, dispatch prediction.WorkItemDispatchedEvent) error {
	logr := w.logger.With("operation", "handle_dispatch",
		"batch_id", dispatch.BatchID.String(),
		"entity_key", dispatch.EntityKey,
		"attempt", dispatch.Attempt,
	)
	ctx, span := w.tracer.Start(ctx, "prediction_worker.handle_dispatch",
		trace.WithAttributes(
			attribute.String("batch_id", dispatch.BatchID.String()),
			attribute.String("entity_key", dispatch.EntityKey),
			attribute.String("work_date", dispatch.WorkDate.String()),
			attribute.Int("attempt", dispatch.Attempt),
		))
	defer span.End()

	start := time.Now()
	scoreCtx, cancel := context.WithTimeout(ctx, w.scoreTimeout)
	systems, err := w.scorer.Score(scoreCtx, dispatch.EntityKey, dispatch.WorkDate)
	cancel()
	w.metrics.ObserveScoringDuration(ctx, time.Since(start))

	if err != nil {
		reason := w.classifyFailure(err)
		logr.Warn(ctx, "Scoring failed", "reason", reason, "error", err)
		span.AddEvent("scoring_failed", trace.WithAttributes(attribute.String("reason", reason)))
		return w.acknowledge(ctx, dispatch, prediction.OutcomeFailure, reason, 0)
	}
	span.SetAttributes(attribute.Int("systems_scored", len(systems)))

	rows := make([]prediction.StagingRow, len(systems))
	producedAt := time.Now().UTC()
	for i, system := range systems {
		rows[i] = prediction.StagingRow{
			BatchID:    dispatch.BatchID,
			RegionID:   w.id,
			EntityKey:  dispatch.EntityKey,
			WorkDate:   dispatch.WorkDate,
			System:     system,
			ProducedAt: producedAt,
		}
	}
	if err := w.stagingRepo.UpsertRows(ctx, rows); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "staging write failed")
		return fmt.Errorf("staging %d rows for entity %s: %w", len(rows), dispatch.EntityKey, err)
	}
	w.metrics.AddRowsStaged(ctx, int64(len(rows)))
	span.AddEvent("rows_staged", trace.WithAttributes(attribute.Int("rows", len(rows))))

	if err := w.acknowledge(ctx, dispatch, prediction.OutcomeSuccess, "", len(rows)); err != nil {
		return err
	}

	logr.Debug(ctx, "Work item scored", "rows_staged", len(rows))
	span.SetStatus(codes.Ok, "work item scored")
	return nil
}

// classifyFailure maps a scoring error to the completion reason code.
func (w *Worker) classifyFailure(err error) string {
	switch {
	case errors.Is(err, prediction.ErrInsufficientData):
		return prediction.FailureReasonInsufficientData
	case errors.Is(err, context.DeadlineExceeded):
		return prediction.FailureReasonTimedOut
	default:
		return prediction.FailureReasonScoringError
	}
}

// acknowledge publishes the work-item completion, keyed by batch id so all
// acknowledgements for one batch land on the same partition.
func (w *Worker) acknowledge(ctx context.Context, dispatch prediction.WorkItemDispatchedEvent, outcome prediction.Outcome, reason string, rowsStaged int) error {
	evt := prediction.NewWorkItemCompletedEvent(dispatch.BatchID, dispatch.EntityKey, outcome, reason, rowsStaged, w.id)
	if err := w.eventPublisher.PublishDomainEvent(ctx, evt, events.WithKey(dispatch.BatchID.String())); err != nil {
		return fmt.Errorf("publishing completion for entity %s: %w", dispatch.EntityKey, err)
	}
	w.metrics.IncItemsProcessed(ctx, string(outcome))
	return nil
}
