package prediction

import (
	"time"

	"github.com/google/uuid"
)

// Outcome classifies a finished work item.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Well-known work-item failure reasons. These are recorded on the item for
// audit and fed to the reprocessing guard.
const (
	FailureReasonCircuitOpen      = "circuit_open"
	FailureReasonDispatchFailed   = "dispatch_failed"
	FailureReasonTimedOut         = "timed_out"
	FailureReasonScoringError     = "scoring_error"
	FailureReasonInsufficientData = "insufficient_data"
)

// WorkItem is one entity's slice of a batch. Items are created at batch
// creation and retained for audit; they are never deleted.
type WorkItem struct {
	batchID       uuid.UUID
	entityKey     string
	status        WorkItemStatus
	attemptCount  int
	failureReason string
	createdAt     time.Time
	updatedAt     time.Time
}

// NewWorkItem creates a PENDING work item for the given entity.
func NewWorkItem(batchID uuid.UUID, entityKey string) *WorkItem {
	now := time.Now().UTC()
	return &WorkItem{
		batchID:   batchID,
		entityKey: entityKey,
		status:    WorkItemStatusPending,
		createdAt: now,
		updatedAt: now,
	}
}

// ReconstructWorkItem creates a WorkItem from stored fields, bypassing
// creation invariants. This should only be used by repositories when loading
// from the DB.
func ReconstructWorkItem(
	batchID uuid.UUID,
	entityKey string,
	status WorkItemStatus,
	attemptCount int,
	failureReason string,
	createdAt, updatedAt time.Time,
) *WorkItem {
	return &WorkItem{
		batchID:       batchID,
		entityKey:     entityKey,
		status:        status,
		attemptCount:  attemptCount,
		failureReason: failureReason,
		createdAt:     createdAt,
		updatedAt:     updatedAt,
	}
}

func (w *WorkItem) BatchID() uuid.UUID     { return w.batchID }
func (w *WorkItem) EntityKey() string      { return w.entityKey }
func (w *WorkItem) Status() WorkItemStatus { return w.status }
func (w *WorkItem) AttemptCount() int      { return w.attemptCount }
func (w *WorkItem) FailureReason() string  { return w.failureReason }
func (w *WorkItem) CreatedAt() time.Time   { return w.createdAt }
func (w *WorkItem) UpdatedAt() time.Time   { return w.updatedAt }

// MarkDispatched transitions the item to DISPATCHED and bumps its attempt count.
func (w *WorkItem) MarkDispatched() error {
	if err := w.status.ValidateTransition(WorkItemStatusDispatched); err != nil {
		return err
	}
	w.status = WorkItemStatusDispatched
	w.attemptCount++
	w.updatedAt = time.Now().UTC()
	return nil
}

// MarkDone transitions the item to DONE.
func (w *WorkItem) MarkDone() error {
	if err := w.status.ValidateTransition(WorkItemStatusDone); err != nil {
		return err
	}
	w.status = WorkItemStatusDone
	w.updatedAt = time.Now().UTC()
	return nil
}

// MarkFailed transitions the item to FAILED with the given reason.
func (w *WorkItem) MarkFailed(reason string) error {
	if err := w.status.ValidateTransition(WorkItemStatusFailed); err != nil {
		return err
	}
	w.status = WorkItemStatusFailed
	w.failureReason = reason
	w.updatedAt = time.Now().UTC()
	return nil
}
