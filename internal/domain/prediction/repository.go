package prediction

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// BatchRepository provides persistent storage for batches. Counter mutations
// are atomic per batch row so concurrent worker acknowledgements cannot lose
// updates.
type BatchRepository interface {
	// CreateBatch persists a new batch. Returns ErrBatchAlreadyRunning when a
	// non-terminal batch already exists for the same work date.
	CreateBatch(ctx context.Context, batch *Batch) error

	// GetBatch loads a batch by id. Returns ErrBatchNotFound when absent.
	GetBatch(ctx context.Context, batchID uuid.UUID) (*Batch, error)

	// UpdateStatus performs a guarded status transition: the row is updated
	// only when its current status matches from. Returns false when the guard
	// did not match (another process already moved the batch on).
	UpdateStatus(ctx context.Context, batchID uuid.UUID, from, to BatchStatus) (bool, error)

	// SetTotalItems records the enumerated item count on the batch row.
	SetTotalItems(ctx context.Context, batchID uuid.UUID, total int) error

	// IncrementCounters atomically adds to the completed/failed counters and
	// returns the resulting counter values.
	IncrementCounters(ctx context.Context, batchID uuid.UUID, completedDelta, failedDelta int) (completed, failed, total int, err error)

	// MarkFailed transitions the batch to FAILED with a reason, regardless of
	// its current non-terminal status.
	MarkFailed(ctx context.Context, batchID uuid.UUID, reason string) error

	// MarkTimedOut transitions the batch to TIMED_OUT with a reason.
	MarkTimedOut(ctx context.Context, batchID uuid.UUID, reason string) error

	// FindActiveByWorkDate returns the non-terminal batch for a work date, if any.
	FindActiveByWorkDate(ctx context.Context, workDate WorkDate) (*Batch, error)

	// FindStuck returns batches in any of the given statuses created before cutoff.
	FindStuck(ctx context.Context, statuses []BatchStatus, cutoff time.Time) ([]*Batch, error)
}

// WorkItemRepository provides persistent storage for work items.
type WorkItemRepository interface {
	// BulkCreate inserts the given items in PENDING status.
	BulkCreate(ctx context.Context, items []*WorkItem) error

	// Transition performs a guarded item transition: the row moves to target
	// only while still in a non-terminal status. Returns false when the item
	// was already terminal (a duplicate acknowledgement).
	Transition(ctx context.Context, batchID uuid.UUID, entityKey string, target WorkItemStatus, failureReason string) (bool, error)

	// MarkDispatched moves a PENDING item to DISPATCHED and bumps its attempt count.
	MarkDispatched(ctx context.Context, batchID uuid.UUID, entityKey string) error

	// ListUnfinished returns the entity keys of items not yet DONE or FAILED.
	ListUnfinished(ctx context.Context, batchID uuid.UUID) ([]string, error)

	// GetItem loads one work item. Returns ErrWorkItemNotFound when absent.
	GetItem(ctx context.Context, batchID uuid.UUID, entityKey string) (*WorkItem, error)
}

// StagingRepository is the ephemeral, batch-scoped holding area for unmerged
// results. Writes are upserts keyed by (batch_id, entity_key, system_id) so
// redelivered work produces identical row counts.
type StagingRepository interface {
	// UpsertRows writes a worker's scored rows for one entity.
	UpsertRows(ctx context.Context, rows []StagingRow) error

	// CountRegions returns the number of distinct regions holding rows for a batch.
	CountRegions(ctx context.Context, batchID uuid.UUID) (int, error)

	// DeleteBatch removes all staging rows for a batch after a successful merge.
	DeleteBatch(ctx context.Context, batchID uuid.UUID) (int64, error)
}

// LockRepository is the distributed-lock primitive backing consolidation
// mutual exclusion: atomic create-if-absent with a TTL.
type LockRepository interface {
	// Acquire attempts to take the per-batch lock. It succeeds only when no
	// live lock exists; an expired lock row may be claimed. Returns false when
	// another holder owns a live lock.
	Acquire(ctx context.Context, batchID uuid.UUID, holderID string, ttl time.Duration) (bool, error)

	// Release deletes the lock if held by holderID. Releasing a lock that has
	// already expired or been claimed by another holder is a no-op.
	Release(ctx context.Context, batchID uuid.UUID, holderID string) error

	// Get returns the current lock row for a batch, if any.
	Get(ctx context.Context, batchID uuid.UUID) (*ConsolidationLock, error)
}

// RecordRepository is the permanent prediction store. Only the consolidator
// writes it, via an atomic upsert-merge from staging.
type RecordRepository interface {
	// MergeStaging atomically upserts the union of a batch's staging rows into
	// the permanent store, keyed by (entity_key, work_date, system_id), and
	// returns the number of rows written.
	MergeStaging(ctx context.Context, batchID uuid.UUID) (int64, error)

	// ListByWorkDate returns the permanent rows for a work date, for the
	// downstream grading subsystem and tests.
	ListByWorkDate(ctx context.Context, workDate WorkDate) ([]Record, error)
}

// BreakerRepository persists per-entity circuit breaker state so suppression
// survives coordinator restarts.
type BreakerRepository interface {
	// Get returns the breaker state for an entity; a zero state when absent.
	Get(ctx context.Context, entityKey string) (BreakerState, error)

	// Upsert writes the breaker state for an entity.
	Upsert(ctx context.Context, state BreakerState) error
}
