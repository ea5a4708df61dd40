package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/statforge/propline/internal/domain/prediction"
	"github.com/statforge/propline/internal/infra/storage"
)

var _ prediction.LockRepository = (*lockStore)(nil)

// lockStore implements prediction.LockRepository on a single Postgres table.
// Acquisition is one atomic upsert: the insert wins when no row exists, and
// the conflict update wins only when the existing lock has expired. A crashed
// holder's lock is therefore claimable without any cleanup job.
type lockStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewLockStore creates a new PostgreSQL-backed consolidation lock repository
// with tracing capabilities.
func NewLockStore(pool *pgxpool.Pool, tracer trace.Tracer) *lockStore {
	return &lockStore{db: pool, tracer: tracer}
}

// Acquire attempts to take the per-batch lock with a TTL. It returns false
// when another holder owns a live lock.
func (r *lockStore) Acquire(ctx context.Context, batchID uuid.UUID, holderID string, ttl time.Duration) (bool, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("batch_id", batchID.String()),
		attribute.String("holder_id", holderID),
		attribute.String("ttl", ttl.String()),
	)

	var acquired bool
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.acquire_consolidation_lock", dbAttrs, func(ctx context.Context) error {
		// The WHERE clause on the conflict update only fires for expired rows,
		// so a live lock held by someone else affects zero rows.
		res, err := r.db.Exec(ctx, `
			INSERT INTO consolidation_locks (batch_id, holder_id, acquired_at, expires_at)
			VALUES ($1, $2, NOW(), NOW() + $3::interval)
			ON CONFLICT (batch_id) DO UPDATE SET
				holder_id = EXCLUDED.holder_id,
				acquired_at = EXCLUDED.acquired_at,
				expires_at = EXCLUDED.expires_at
			WHERE consolidation_locks.expires_at < NOW()
		`, pgtype.UUID{Bytes: batchID, Valid: true}, holderID, fmt.Sprintf("%f seconds", ttl.Seconds()))
		if err != nil {
			return fmt.Errorf("Acquire query error: %w", err)
		}
		acquired = res.RowsAffected() > 0
		trace.SpanFromContext(ctx).SetAttributes(attribute.Bool("acquired", acquired))
		return nil
	})
	if err != nil {
		return false, err
	}

	return acquired, nil
}

// Release deletes the lock if still held by holderID. Releasing a lock that
// expired and was claimed by another holder is a no-op.
func (r *lockStore) Release(ctx context.Context, batchID uuid.UUID, holderID string) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("batch_id", batchID.String()),
		attribute.String("holder_id", holderID),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.release_consolidation_lock", dbAttrs, func(ctx context.Context) error {
		res, err := r.db.Exec(ctx, `
			DELETE FROM consolidation_locks
			WHERE batch_id = $1 AND holder_id = $2
		`, pgtype.UUID{Bytes: batchID, Valid: true}, holderID)
		if err != nil {
			return fmt.Errorf("Release query error: %w", err)
		}
		trace.SpanFromContext(ctx).SetAttributes(attribute.Bool("released", res.RowsAffected() > 0))
		return nil
	})
}

// Get returns the current lock row for a batch, or nil when none exists.
func (r *lockStore) Get(ctx context.Context, batchID uuid.UUID) (*prediction.ConsolidationLock, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("batch_id", batchID.String()),
	)

	var lock *prediction.ConsolidationLock
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.get_consolidation_lock", dbAttrs, func(ctx context.Context) error {
		var (
			id         pgtype.UUID
			holderID   string
			acquiredAt time.Time
			expiresAt  time.Time
		)
		err := r.db.QueryRow(ctx, `
			SELECT batch_id, holder_id, acquired_at, expires_at
			FROM consolidation_locks
			WHERE batch_id = $1
		`, pgtype.UUID{Bytes: batchID, Valid: true}).Scan(&id, &holderID, &acquiredAt, &expiresAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("Get lock query error: %w", err)
		}

		lock = &prediction.ConsolidationLock{
			BatchID:    id.Bytes,
			HolderID:   holderID,
			AcquiredAt: acquiredAt,
			ExpiresAt:  expiresAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return lock, nil
}
