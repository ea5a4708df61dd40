package prediction

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchApplyCompletion_NeverExceedsTotal(t *testing.T) {
	b := NewBatch(uuid.New(), NewWorkDate(time.Now()))
	require.NoError(t, b.SetTotalItems(3))

	require.NoError(t, b.ApplyCompletion(OutcomeSuccess))
	require.NoError(t, b.ApplyCompletion(OutcomeFailure))
	require.NoError(t, b.ApplyCompletion(OutcomeSuccess))

	assert.Equal(t, 2, b.CompletedItems())
	assert.Equal(t, 1, b.FailedItems())
	assert.True(t, b.AllItemsFinished())

	// A fourth completion would push completed+failed past total.
	err := b.ApplyCompletion(OutcomeSuccess)
	assert.Error(t, err)
	assert.Equal(t, 2, b.CompletedItems())
	assert.Equal(t, 1, b.FailedItems())
}

func TestBatchSetTotalItems_OnlyWhenCreated(t *testing.T) {
	b := NewBatch(uuid.New(), NewWorkDate(time.Now()))
	require.NoError(t, b.SetTotalItems(10))
	require.NoError(t, b.UpdateStatus(BatchStatusDispatching))

	assert.Error(t, b.SetTotalItems(20))
	assert.Equal(t, 10, b.TotalItems())
}

func TestBatchUpdateStatus_TerminalSetsCompletedAt(t *testing.T) {
	b := NewBatch(uuid.New(), NewWorkDate(time.Now()))
	require.NoError(t, b.SetTotalItems(1))
	require.NoError(t, b.UpdateStatus(BatchStatusDispatching))
	require.NoError(t, b.UpdateStatus(BatchStatusInProgress))

	_, ok := b.CompletedAt()
	assert.False(t, ok, "non-terminal batch should have no completion time")

	require.NoError(t, b.UpdateStatus(BatchStatusConsolidating))
	require.NoError(t, b.UpdateStatus(BatchStatusComplete))

	completedAt, ok := b.CompletedAt()
	assert.True(t, ok)
	assert.False(t, completedAt.IsZero())
}

func TestBatchFail_RecordsReason(t *testing.T) {
	b := NewBatch(uuid.New(), NewWorkDate(time.Now()))
	require.NoError(t, b.UpdateStatus(BatchStatusDispatching))
	require.NoError(t, b.Fail("merge failed: store timeout"))

	assert.Equal(t, BatchStatusFailed, b.Status())
	assert.Equal(t, "merge failed: store timeout", b.FailureReason())
}
