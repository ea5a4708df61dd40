package prediction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkItemStatusTransitions(t *testing.T) {
	tests := []struct {
		name    string
		current WorkItemStatus
		target  WorkItemStatus
		valid   bool
	}{
		{"Pending to Dispatched", WorkItemStatusPending, WorkItemStatusDispatched, true},
		{"Pending to Failed (circuit open)", WorkItemStatusPending, WorkItemStatusFailed, true},
		{"Dispatched to Done", WorkItemStatusDispatched, WorkItemStatusDone, true},
		{"Dispatched to Failed", WorkItemStatusDispatched, WorkItemStatusFailed, true},
		{"Pending cannot skip to Done", WorkItemStatusPending, WorkItemStatusDone, false},
		{"Done is terminal", WorkItemStatusDone, WorkItemStatusFailed, false},
		{"Failed is terminal", WorkItemStatusFailed, WorkItemStatusDispatched, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.current.ValidateTransition(tt.target)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestWorkItemMarkDispatched_BumpsAttempts(t *testing.T) {
	item := NewWorkItem([16]byte{1}, "player-123")
	require.NoError(t, item.MarkDispatched())

	assert.Equal(t, WorkItemStatusDispatched, item.Status())
	assert.Equal(t, 1, item.AttemptCount())

	require.NoError(t, item.MarkDone())
	assert.Error(t, item.MarkFailed("late"), "terminal item must reject further transitions")
}
