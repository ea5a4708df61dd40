package prediction

import "fmt"

// WorkItemStatus represents the current state of a single entity's slice of
// a batch.
type WorkItemStatus string

const (
	// WorkItemStatusPending indicates the item was created but not yet published.
	WorkItemStatusPending WorkItemStatus = "PENDING"

	// WorkItemStatusDispatched indicates the request message was published.
	WorkItemStatusDispatched WorkItemStatus = "DISPATCHED"

	// WorkItemStatusDone indicates a worker staged a result and acknowledged.
	WorkItemStatusDone WorkItemStatus = "DONE"

	// WorkItemStatusFailed indicates scoring, dispatch, or the deadline failed
	// the item.
	WorkItemStatusFailed WorkItemStatus = "FAILED"
)

func (s WorkItemStatus) String() string { return string(s) }

// ParseWorkItemStatus converts a string to a WorkItemStatus.
func ParseWorkItemStatus(s string) WorkItemStatus {
	switch s {
	case "PENDING":
		return WorkItemStatusPending
	case "DISPATCHED":
		return WorkItemStatusDispatched
	case "DONE":
		return WorkItemStatusDone
	case "FAILED":
		return WorkItemStatusFailed
	default:
		return "" // represents unspecified
	}
}

// IsTerminal reports whether the item has finished, successfully or not.
func (s WorkItemStatus) IsTerminal() bool {
	return s == WorkItemStatusDone || s == WorkItemStatusFailed
}

// ValidateTransition checks if a status transition is valid and returns an
// error if not.
func (s WorkItemStatus) ValidateTransition(target WorkItemStatus) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("invalid work item status transition from %s to %s", s, target)
	}
	return nil
}

func (s WorkItemStatus) isValidTransition(target WorkItemStatus) bool {
	switch s {
	case WorkItemStatusPending:
		// An item can fail straight from PENDING (circuit open, dispatch exhausted).
		return target == WorkItemStatusDispatched || target == WorkItemStatusFailed
	case WorkItemStatusDispatched:
		return target == WorkItemStatusDone || target == WorkItemStatusFailed
	case WorkItemStatusDone, WorkItemStatusFailed:
		// Terminal states - duplicate acknowledgements are no-ops, not transitions.
		return false
	default:
		return false
	}
}
