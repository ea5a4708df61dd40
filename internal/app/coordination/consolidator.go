package coordination

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/statforge/propline/internal/domain/prediction"
	"github.com/statforge/propline/pkg/common/logger"
)

const defaultLockTTL = 5 * time.Minute

var _ prediction.Consolidator = (*Consolidator)(nil)

// Consolidator merges a batch's staging regions into the permanent prediction
// store exactly once. Mutual exclusion comes from a TTL lock row; the merge
// itself is a single atomic upsert, so a holder that crashes mid-merge leaves
// either no visible effect or a retry-safe partial that the next holder
// overwrites on identical keys.
type Consolidator struct {
	// holderID identifies this process in lock rows.
	holderID string

	lockRepo    prediction.LockRepository
	stagingRepo prediction.StagingRepository
	recordRepo  prediction.RecordRepository
	batchRepo   prediction.BatchRepository

	lockTTL time.Duration

	tracer  trace.Tracer
	logger  *logger.Logger
	metrics CoordinationMetrics
}

// NewConsolidator creates a consolidator identified by holderID in the lock
// table. A zero lockTTL falls back to the default (5m).
func NewConsolidator(
	holderID string,
	lockRepo prediction.LockRepository,
	stagingRepo prediction.StagingRepository,
	recordRepo prediction.RecordRepository,
	batchRepo prediction.BatchRepository,
	lockTTL time.Duration,
	logger *logger.Logger,
	metrics CoordinationMetrics,
	tracer trace.Tracer,
) *Consolidator {
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	return &Consolidator{
		holderID:    holderID,
		lockRepo:    lockRepo,
		stagingRepo: stagingRepo,
		recordRepo:  recordRepo,
		batchRepo:   batchRepo,
		lockTTL:     lockTTL,
		tracer:      tracer,
		logger:      logger.With("component", "consolidator", "holder_id", holderID),
		metrics:     metrics,
	}
}

// Consolidate merges the batch's staging rows into the permanent store. It is
// safe to invoke concurrently and repeatedly for the same batch: one caller
// acquires the lock and merges, the rest observe Skipped. A batch already in
// a terminal state also reports Skipped.
func (c *Consolidator) Consolidate(ctx context.Context, batchID uuid.UUID) (prediction.ConsolidationResult, error) {
	logr := c.logger.With("operation", "consolidate", "batch_id", batchID.String())
	ctx, span := c.tracer.Start(ctx, "consolidator.consolidate",
		trace.WithAttributes(
			attribute.String("batch_id", batchID.String()),
			attribute.String("holder_id", c.holderID),
		))
	defer span.End()

	acquired, err := c.lockRepo.Acquire(ctx, batchID, c.holderID, c.lockTTL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "lock acquisition failed")
		return prediction.ConsolidationResult{}, fmt.Errorf("acquiring consolidation lock: %w", err)
	}
	if !acquired {
		c.metrics.IncConsolidationsSkipped(ctx)
		logr.Info(ctx, "Consolidation skipped, lock held elsewhere")
		span.AddEvent("lock_contended")
		return prediction.ConsolidationResult{Skipped: true}, nil
	}
	// After a failed merge the lock is left to expire on its TTL so no retry
	// can overlap whatever partial state the merge left behind.
	holdLock := false
	defer func() {
		if holdLock {
			return
		}
		if err := c.lockRepo.Release(ctx, batchID, c.holderID); err != nil {
			// The TTL reclaims the lock; nothing blocks on this.
			logr.Warn(ctx, "Failed to release consolidation lock", "error", err)
		}
	}()
	span.AddEvent("lock_acquired")

	// A late duplicate trigger can win the lock after the merge already
	// happened; the terminal status makes it a no-op.
	batch, err := c.batchRepo.GetBatch(ctx, batchID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load batch")
		return prediction.ConsolidationResult{}, fmt.Errorf("loading batch: %w", err)
	}
	if batch.Status().IsTerminal() {
		logr.Info(ctx, "Consolidation skipped, batch already terminal", "status", batch.Status())
		span.AddEvent("batch_already_terminal")
		return prediction.ConsolidationResult{Skipped: true}, nil
	}

	start := time.Now()

	regions, err := c.stagingRepo.CountRegions(ctx, batchID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to count staging regions")
		return prediction.ConsolidationResult{}, fmt.Errorf("counting staging regions: %w", err)
	}

	merged, err := c.recordRepo.MergeStaging(ctx, batchID)
	if err != nil {
		holdLock = true
		span.RecordError(err)
		span.SetStatus(codes.Error, "merge failed")
		return prediction.ConsolidationResult{}, fmt.Errorf("merging staging rows: %w", err)
	}
	span.AddEvent("staging_merged", trace.WithAttributes(
		attribute.Int64("rows_merged", merged),
		attribute.Int("regions_merged", regions),
	))

	if _, err := c.stagingRepo.DeleteBatch(ctx, batchID); err != nil {
		// The merge is durable; leftover staging rows are retry-safe because
		// a re-merge lands on identical keys.
		logr.Warn(ctx, "Failed to clear staging rows after merge", "error", err)
		span.RecordError(err)
	}

	c.metrics.ObserveConsolidationTime(ctx, time.Since(start))
	c.metrics.AddRowsMerged(ctx, merged)

	logr.Info(ctx, "Batch consolidated",
		"rows_merged", merged,
		"regions_merged", regions,
		"duration", time.Since(start).String(),
	)
	span.SetStatus(codes.Ok, "batch consolidated")

	return prediction.ConsolidationResult{RowsMerged: merged, RegionsMerged: regions}, nil
}
