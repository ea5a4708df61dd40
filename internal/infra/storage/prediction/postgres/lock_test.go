package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statforge/propline/internal/infra/storage"
)

func setupLockTest(t *testing.T) (context.Context, *pgxpool.Pool, *lockStore, func()) {
	t.Helper()

	db, cleanup := storage.SetupTestContainer(t)
	store := NewLockStore(db, storage.NoOpTracer())
	ctx := context.Background()

	return ctx, db, store, cleanup
}

func TestLockStore_AcquireAndGet(t *testing.T) {
	t.Parallel()
	ctx, _, store, cleanup := setupLockTest(t)
	defer cleanup()

	batchID := uuid.New()

	acquired, err := store.Acquire(ctx, batchID, "holder-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	lock, err := store.Get(ctx, batchID)
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, batchID, lock.BatchID)
	assert.Equal(t, "holder-a", lock.HolderID)
	assert.True(t, lock.ExpiresAt.After(lock.AcquiredAt))
}

func TestLockStore_ContendedAcquireFails(t *testing.T) {
	t.Parallel()
	ctx, _, store, cleanup := setupLockTest(t)
	defer cleanup()

	batchID := uuid.New()

	acquired, err := store.Acquire(ctx, batchID, "holder-a", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	acquired, err = store.Acquire(ctx, batchID, "holder-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired, "live lock must not be claimable by another holder")

	lock, err := store.Get(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, "holder-a", lock.HolderID)
}

func TestLockStore_ExpiredLockIsClaimable(t *testing.T) {
	t.Parallel()
	ctx, _, store, cleanup := setupLockTest(t)
	defer cleanup()

	batchID := uuid.New()

	acquired, err := store.Acquire(ctx, batchID, "crashed-holder", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, acquired)

	time.Sleep(100 * time.Millisecond)

	acquired, err = store.Acquire(ctx, batchID, "holder-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired, "expired lock must be claimable without cleanup")

	lock, err := store.Get(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, "holder-b", lock.HolderID)
}

func TestLockStore_Release(t *testing.T) {
	t.Parallel()
	ctx, _, store, cleanup := setupLockTest(t)
	defer cleanup()

	batchID := uuid.New()

	acquired, err := store.Acquire(ctx, batchID, "holder-a", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, store.Release(ctx, batchID, "holder-a"))

	lock, err := store.Get(ctx, batchID)
	require.NoError(t, err)
	assert.Nil(t, lock)

	acquired, err = store.Acquire(ctx, batchID, "holder-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestLockStore_ReleaseByNonHolderIsNoOp(t *testing.T) {
	t.Parallel()
	ctx, _, store, cleanup := setupLockTest(t)
	defer cleanup()

	batchID := uuid.New()

	acquired, err := store.Acquire(ctx, batchID, "holder-a", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, store.Release(ctx, batchID, "holder-b"))

	lock, err := store.Get(ctx, batchID)
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, "holder-a", lock.HolderID)
}
