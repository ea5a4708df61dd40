package prediction

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Batch coordinates and tracks one work-date's prediction workload. It owns
// the per-batch completion counters and enforces the lifecycle state machine;
// all counter mutation in the store layer is keyed by BatchID so concurrent
// worker acknowledgements cannot corrupt it.
type Batch struct {
	batchID  uuid.UUID
	workDate WorkDate
	status   BatchStatus

	totalItems     int
	completedItems int
	failedItems    int

	failureReason string

	createdAt   time.Time
	updatedAt   time.Time
	completedAt time.Time
}

// NewBatch creates a new Batch for the provided work date.
func NewBatch(batchID uuid.UUID, workDate WorkDate) *Batch {
	now := time.Now().UTC()
	return &Batch{
		batchID:   batchID,
		workDate:  workDate,
		status:    BatchStatusCreated,
		createdAt: now,
		updatedAt: now,
	}
}

// ReconstructBatch creates a Batch instance from stored fields, bypassing
// creation invariants. This should only be used by repositories when loading
// from the DB.
func ReconstructBatch(
	batchID uuid.UUID,
	workDate WorkDate,
	status BatchStatus,
	totalItems, completedItems, failedItems int,
	failureReason string,
	createdAt, updatedAt, completedAt time.Time,
) *Batch {
	return &Batch{
		batchID:        batchID,
		workDate:       workDate,
		status:         status,
		totalItems:     totalItems,
		completedItems: completedItems,
		failedItems:    failedItems,
		failureReason:  failureReason,
		createdAt:      createdAt,
		updatedAt:      updatedAt,
		completedAt:    completedAt,
	}
}

func (b *Batch) BatchID() uuid.UUID    { return b.batchID }
func (b *Batch) WorkDate() WorkDate    { return b.workDate }
func (b *Batch) Status() BatchStatus   { return b.status }
func (b *Batch) TotalItems() int       { return b.totalItems }
func (b *Batch) CompletedItems() int   { return b.completedItems }
func (b *Batch) FailedItems() int      { return b.failedItems }
func (b *Batch) FailureReason() string { return b.failureReason }
func (b *Batch) CreatedAt() time.Time  { return b.createdAt }
func (b *Batch) UpdatedAt() time.Time  { return b.updatedAt }

// CompletedAt returns when this batch reached a terminal state.
// A batch only has a completion time if it is in a terminal state.
func (b *Batch) CompletedAt() (time.Time, bool) {
	if b.status.IsTerminal() {
		return b.completedAt, true
	}
	return time.Time{}, false
}

// SetTotalItems records the enumerated work-item count. It may only be set
// once, at batch creation, before dispatch begins.
func (b *Batch) SetTotalItems(n int) error {
	if b.status != BatchStatusCreated {
		return fmt.Errorf("cannot set total items: batch is not in created state (current: %s)", b.status)
	}
	if n < 0 {
		return fmt.Errorf("total items must be non-negative, got %d", n)
	}
	b.totalItems = n
	b.touch()
	return nil
}

// ApplyCompletion folds one finished work item into the batch counters.
// The completed/failed split never exceeds the total item count.
func (b *Batch) ApplyCompletion(outcome Outcome) error {
	if b.completedItems+b.failedItems >= b.totalItems {
		return fmt.Errorf("batch %s counters already account for all %d items", b.batchID, b.totalItems)
	}

	if outcome == OutcomeSuccess {
		b.completedItems++
	} else {
		b.failedItems++
	}
	b.touch()
	return nil
}

// FinishedItems returns how many work items have reached a terminal status.
func (b *Batch) FinishedItems() int { return b.completedItems + b.failedItems }

// AllItemsFinished reports whether every work item is accounted for and the
// batch is eligible for consolidation.
func (b *Batch) AllItemsFinished() bool {
	return b.totalItems > 0 && b.FinishedItems() == b.totalItems
}

// UpdateStatus changes the batch's status after validating the transition.
// It returns an error if the transition is not valid.
func (b *Batch) UpdateStatus(newStatus BatchStatus) error {
	if err := b.status.ValidateTransition(newStatus); err != nil {
		return err
	}

	if newStatus.IsTerminal() {
		b.completedAt = time.Now().UTC()
	}

	b.status = newStatus
	b.touch()
	return nil
}

// Fail transitions the batch to FAILED and records the reason.
func (b *Batch) Fail(reason string) error {
	if err := b.UpdateStatus(BatchStatusFailed); err != nil {
		return err
	}
	b.failureReason = reason
	return nil
}

func (b *Batch) touch() { b.updatedAt = time.Now().UTC() }
