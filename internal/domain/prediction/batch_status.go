package prediction

import "fmt"

// BatchStatus represents the current state of a prediction batch. It enables
// tracking of the batch lifecycle from creation through consolidation.
type BatchStatus string

const (
	// BatchStatusCreated indicates a batch has been created but dispatch has
	// not yet begun.
	BatchStatusCreated BatchStatus = "CREATED"

	// BatchStatusDispatching indicates work-item requests are being published.
	BatchStatusDispatching BatchStatus = "DISPATCHING"

	// BatchStatusInProgress indicates all dispatches were sent and workers are
	// producing results.
	BatchStatusInProgress BatchStatus = "IN_PROGRESS"

	// BatchStatusConsolidating indicates staged results are being merged into
	// the permanent store.
	BatchStatusConsolidating BatchStatus = "CONSOLIDATING"

	// BatchStatusComplete indicates the batch results were merged durably.
	BatchStatusComplete BatchStatus = "COMPLETE"

	// BatchStatusFailed indicates the batch encountered an unrecoverable error.
	BatchStatusFailed BatchStatus = "FAILED"

	// BatchStatusTimedOut indicates the batch never finished dispatch before
	// the escalation deadline.
	BatchStatusTimedOut BatchStatus = "TIMED_OUT"
)

func (s BatchStatus) String() string { return string(s) }

// ParseBatchStatus converts a string to a BatchStatus.
func ParseBatchStatus(s string) BatchStatus {
	switch s {
	case "CREATED":
		return BatchStatusCreated
	case "DISPATCHING":
		return BatchStatusDispatching
	case "IN_PROGRESS":
		return BatchStatusInProgress
	case "CONSOLIDATING":
		return BatchStatusConsolidating
	case "COMPLETE":
		return BatchStatusComplete
	case "FAILED":
		return BatchStatusFailed
	case "TIMED_OUT":
		return BatchStatusTimedOut
	default:
		return "" // represents unspecified
	}
}

// IsTerminal reports whether no further transitions are allowed from s.
func (s BatchStatus) IsTerminal() bool {
	return s == BatchStatusComplete || s == BatchStatusFailed || s == BatchStatusTimedOut
}

// ValidateTransition checks if a status transition is valid and returns an
// error if not. Transitions are strictly forward; a batch never moves back
// toward an earlier lifecycle stage.
func (s BatchStatus) ValidateTransition(target BatchStatus) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("invalid batch status transition from %s to %s", s, target)
	}
	return nil
}

func (s BatchStatus) isValidTransition(target BatchStatus) bool {
	switch s {
	case BatchStatusCreated:
		// Dispatch begins, or the watchdog times the batch out before it ever starts.
		return target == BatchStatusDispatching || target == BatchStatusTimedOut || target == BatchStatusFailed
	case BatchStatusDispatching:
		// All dispatches sent, or every item was terminal before dispatch finished,
		// or the watchdog intervened.
		return target == BatchStatusInProgress || target == BatchStatusConsolidating ||
			target == BatchStatusTimedOut || target == BatchStatusFailed
	case BatchStatusInProgress:
		return target == BatchStatusConsolidating || target == BatchStatusFailed
	case BatchStatusConsolidating:
		return target == BatchStatusComplete || target == BatchStatusFailed
	case BatchStatusComplete, BatchStatusFailed, BatchStatusTimedOut:
		// Terminal states - no further transitions allowed.
		return false
	default:
		return false
	}
}
