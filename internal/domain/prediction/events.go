package prediction

import (
	"time"

	"github.com/google/uuid"

	"github.com/statforge/propline/internal/domain/events"
)

// Event types relevant to batches and work items:
const (
	EventTypeWorkItemDispatched events.EventType = "WorkItemDispatched"
	EventTypeWorkItemCompleted  events.EventType = "WorkItemCompleted"

	EventTypeBatchCreated   events.EventType = "BatchCreated"
	EventTypeBatchCompleted events.EventType = "BatchCompleted"
	EventTypeBatchFailed    events.EventType = "BatchFailed"
	EventTypeBatchEscalated events.EventType = "BatchEscalated"
)

// WorkItemDispatchedEvent is the request message the coordinator publishes
// for each non-tripped work item. Fields are exported so the JSON codec can
// round-trip them across the bus.
type WorkItemDispatchedEvent struct {
	BatchID    uuid.UUID `json:"batch_id"`
	EntityKey  string    `json:"entity_key"`
	WorkDate   WorkDate  `json:"work_date"`
	Attempt    int       `json:"attempt"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewWorkItemDispatchedEvent creates a dispatch request for one work item.
func NewWorkItemDispatchedEvent(batchID uuid.UUID, entityKey string, workDate WorkDate, attempt int) WorkItemDispatchedEvent {
	return WorkItemDispatchedEvent{
		BatchID:    batchID,
		EntityKey:  entityKey,
		WorkDate:   workDate,
		Attempt:    attempt,
		OccurredAt: time.Now().UTC(),
	}
}

func (e WorkItemDispatchedEvent) EventType() events.EventType { return EventTypeWorkItemDispatched }

// WorkItemCompletedEvent is the worker's acknowledgement that one work item
// finished. For successes it is published only after the staging write is
// durable.
type WorkItemCompletedEvent struct {
	BatchID    uuid.UUID `json:"batch_id"`
	EntityKey  string    `json:"entity_key"`
	Outcome    Outcome   `json:"outcome"`
	Reason     string    `json:"reason,omitempty"`
	RowsStaged int       `json:"rows_staged"`
	RegionID   string    `json:"region_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewWorkItemCompletedEvent creates a completion acknowledgement.
func NewWorkItemCompletedEvent(batchID uuid.UUID, entityKey string, outcome Outcome, reason string, rowsStaged int, regionID string) WorkItemCompletedEvent {
	return WorkItemCompletedEvent{
		BatchID:    batchID,
		EntityKey:  entityKey,
		Outcome:    outcome,
		Reason:     reason,
		RowsStaged: rowsStaged,
		RegionID:   regionID,
		OccurredAt: time.Now().UTC(),
	}
}

func (e WorkItemCompletedEvent) EventType() events.EventType { return EventTypeWorkItemCompleted }

// BatchCreatedEvent signals that a new batch was created and dispatch began.
type BatchCreatedEvent struct {
	BatchID    uuid.UUID `json:"batch_id"`
	WorkDate   WorkDate  `json:"work_date"`
	TotalItems int       `json:"total_items"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewBatchCreatedEvent creates a batch created event.
func NewBatchCreatedEvent(batchID uuid.UUID, workDate WorkDate, totalItems int) BatchCreatedEvent {
	return BatchCreatedEvent{
		BatchID:    batchID,
		WorkDate:   workDate,
		TotalItems: totalItems,
		OccurredAt: time.Now().UTC(),
	}
}

func (e BatchCreatedEvent) EventType() events.EventType { return EventTypeBatchCreated }

// BatchCompletedEvent signals that a batch's results were merged durably.
type BatchCompletedEvent struct {
	BatchID        uuid.UUID `json:"batch_id"`
	RowsMerged     int64     `json:"rows_merged"`
	CompletedItems int       `json:"completed_items"`
	FailedItems    int       `json:"failed_items"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// NewBatchCompletedEvent creates a batch completed event.
func NewBatchCompletedEvent(batchID uuid.UUID, rowsMerged int64, completedItems, failedItems int) BatchCompletedEvent {
	return BatchCompletedEvent{
		BatchID:        batchID,
		RowsMerged:     rowsMerged,
		CompletedItems: completedItems,
		FailedItems:    failedItems,
		OccurredAt:     time.Now().UTC(),
	}
}

func (e BatchCompletedEvent) EventType() events.EventType { return EventTypeBatchCompleted }

// BatchFailedEvent signals that a batch hit an unrecoverable error.
type BatchFailedEvent struct {
	BatchID    uuid.UUID `json:"batch_id"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewBatchFailedEvent creates a batch failed event.
func NewBatchFailedEvent(batchID uuid.UUID, reason string) BatchFailedEvent {
	return BatchFailedEvent{
		BatchID:    batchID,
		Reason:     reason,
		OccurredAt: time.Now().UTC(),
	}
}

func (e BatchFailedEvent) EventType() events.EventType { return EventTypeBatchFailed }

// BatchEscalatedEvent is the operator alert emitted when the watchdog forces
// consolidation of a batch with unfinished work items.
type BatchEscalatedEvent struct {
	BatchID           uuid.UUID `json:"batch_id"`
	MissingEntityKeys []string  `json:"missing_entity_keys"`
	CompletedItems    int       `json:"completed_items"`
	TotalItems        int       `json:"total_items"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// NewBatchEscalatedEvent creates a batch escalated alert event.
func NewBatchEscalatedEvent(batchID uuid.UUID, missing []string, completedItems, totalItems int) BatchEscalatedEvent {
	return BatchEscalatedEvent{
		BatchID:           batchID,
		MissingEntityKeys: missing,
		CompletedItems:    completedItems,
		TotalItems:        totalItems,
		OccurredAt:        time.Now().UTC(),
	}
}

func (e BatchEscalatedEvent) EventType() events.EventType { return EventTypeBatchEscalated }
