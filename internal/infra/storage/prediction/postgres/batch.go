// Package postgres provides PostgreSQL-backed implementations of the
// prediction domain repositories.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/statforge/propline/internal/domain/prediction"
	"github.com/statforge/propline/internal/infra/storage"
)

// defaultDBAttributes defines standard OpenTelemetry attributes for database operations.
var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

// uniqueViolation is the Postgres error code raised when an insert breaks a
// unique index. Batch creation relies on it to detect an already-active batch
// for the same work date.
const uniqueViolation = "23505"

var _ prediction.BatchRepository = (*batchStore)(nil)

// batchStore implements prediction.BatchRepository using PostgreSQL as the
// backing store. All counter and status mutations are single guarded UPDATE
// statements so concurrent acknowledgements cannot lose updates.
type batchStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewBatchStore creates a new PostgreSQL-backed batch repository with tracing
// capabilities.
func NewBatchStore(pool *pgxpool.Pool, tracer trace.Tracer) *batchStore {
	return &batchStore{db: pool, tracer: tracer}
}

// CreateBatch persists a new batch. The partial unique index on active work
// dates turns a concurrent duplicate into ErrBatchAlreadyRunning.
func (r *batchStore) CreateBatch(ctx context.Context, batch *prediction.Batch) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("batch_id", batch.BatchID().String()),
		attribute.String("work_date", batch.WorkDate().String()),
		attribute.String("status", string(batch.Status())),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.create_batch", dbAttrs, func(ctx context.Context) error {
		_, err := r.db.Exec(ctx, `
			INSERT INTO batches (batch_id, work_date, status, total_items, completed_items, failed_items, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`,
			pgtype.UUID{Bytes: batch.BatchID(), Valid: true},
			batch.WorkDate().Time(),
			string(batch.Status()),
			batch.TotalItems(),
			batch.CompletedItems(),
			batch.FailedItems(),
			batch.CreatedAt(),
			batch.UpdatedAt(),
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return prediction.ErrBatchAlreadyRunning
			}
			return fmt.Errorf("CreateBatch insert error: %w", err)
		}
		return nil
	})
}

// GetBatch loads a batch by id.
func (r *batchStore) GetBatch(ctx context.Context, batchID uuid.UUID) (*prediction.Batch, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("batch_id", batchID.String()),
	)

	var batch *prediction.Batch
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.get_batch", dbAttrs, func(ctx context.Context) error {
		row := r.db.QueryRow(ctx, `
			SELECT batch_id, work_date, status, total_items, completed_items, failed_items,
			       COALESCE(failure_reason, ''), created_at, updated_at, completed_at
			FROM batches
			WHERE batch_id = $1
		`, pgtype.UUID{Bytes: batchID, Valid: true})

		b, err := scanBatch(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return prediction.ErrBatchNotFound
			}
			return fmt.Errorf("GetBatch query error: %w", err)
		}
		batch = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	return batch, nil
}

// UpdateStatus performs a guarded status transition. The row moves from -> to
// only while its current status still matches from; a false return means
// another process already moved the batch on.
func (r *batchStore) UpdateStatus(ctx context.Context, batchID uuid.UUID, from, to prediction.BatchStatus) (bool, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("batch_id", batchID.String()),
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	)

	var moved bool
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.update_batch_status", dbAttrs, func(ctx context.Context) error {
		res, err := r.db.Exec(ctx, `
			UPDATE batches
			SET status = $3,
			    updated_at = NOW(),
			    completed_at = CASE WHEN $3 IN ('COMPLETE', 'FAILED', 'TIMED_OUT') THEN NOW() ELSE completed_at END
			WHERE batch_id = $1 AND status = $2
		`, pgtype.UUID{Bytes: batchID, Valid: true}, string(from), string(to))
		if err != nil {
			return fmt.Errorf("UpdateStatus query error: %w", err)
		}
		moved = res.RowsAffected() > 0
		trace.SpanFromContext(ctx).SetAttributes(attribute.Bool("transitioned", moved))
		return nil
	})
	if err != nil {
		return false, err
	}

	return moved, nil
}

// SetTotalItems records the enumerated item count on the batch row. It only
// applies while the batch is still in CREATED.
func (r *batchStore) SetTotalItems(ctx context.Context, batchID uuid.UUID, total int) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("batch_id", batchID.String()),
		attribute.Int("total_items", total),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.set_total_items", dbAttrs, func(ctx context.Context) error {
		res, err := r.db.Exec(ctx, `
			UPDATE batches
			SET total_items = $2, updated_at = NOW()
			WHERE batch_id = $1 AND status = 'CREATED'
		`, pgtype.UUID{Bytes: batchID, Valid: true}, total)
		if err != nil {
			return fmt.Errorf("SetTotalItems query error: %w", err)
		}
		if res.RowsAffected() == 0 {
			return fmt.Errorf("batch %s not found or no longer in CREATED", batchID)
		}
		return nil
	})
}

// IncrementCounters atomically adds to the completed/failed counters and
// returns the resulting counter values.
func (r *batchStore) IncrementCounters(ctx context.Context, batchID uuid.UUID, completedDelta, failedDelta int) (completed, failed, total int, err error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("batch_id", batchID.String()),
		attribute.Int("completed_delta", completedDelta),
		attribute.Int("failed_delta", failedDelta),
	)

	err = storage.ExecuteAndTrace(ctx, r.tracer, "postgres.increment_batch_counters", dbAttrs, func(ctx context.Context) error {
		row := r.db.QueryRow(ctx, `
			UPDATE batches
			SET completed_items = completed_items + $2,
			    failed_items = failed_items + $3,
			    updated_at = NOW()
			WHERE batch_id = $1
			RETURNING completed_items, failed_items, total_items
		`, pgtype.UUID{Bytes: batchID, Valid: true}, completedDelta, failedDelta)

		if scanErr := row.Scan(&completed, &failed, &total); scanErr != nil {
			if errors.Is(scanErr, pgx.ErrNoRows) {
				return prediction.ErrBatchNotFound
			}
			return fmt.Errorf("IncrementCounters query error: %w", scanErr)
		}
		return nil
	})
	if err != nil {
		return 0, 0, 0, err
	}

	return completed, failed, total, nil
}

// MarkFailed transitions the batch to FAILED with a reason, regardless of its
// current non-terminal status.
func (r *batchStore) MarkFailed(ctx context.Context, batchID uuid.UUID, reason string) error {
	return r.markTerminal(ctx, batchID, prediction.BatchStatusFailed, reason)
}

// MarkTimedOut transitions the batch to TIMED_OUT with a reason.
func (r *batchStore) MarkTimedOut(ctx context.Context, batchID uuid.UUID, reason string) error {
	return r.markTerminal(ctx, batchID, prediction.BatchStatusTimedOut, reason)
}

func (r *batchStore) markTerminal(ctx context.Context, batchID uuid.UUID, status prediction.BatchStatus, reason string) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("batch_id", batchID.String()),
		attribute.String("status", string(status)),
		attribute.String("reason", reason),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.mark_batch_terminal", dbAttrs, func(ctx context.Context) error {
		res, err := r.db.Exec(ctx, `
			UPDATE batches
			SET status = $2, failure_reason = $3, updated_at = NOW(), completed_at = NOW()
			WHERE batch_id = $1 AND status NOT IN ('COMPLETE', 'FAILED', 'TIMED_OUT')
		`, pgtype.UUID{Bytes: batchID, Valid: true}, string(status), reason)
		if err != nil {
			return fmt.Errorf("mark batch terminal query error: %w", err)
		}
		if res.RowsAffected() == 0 {
			// Already terminal or missing; both are fine for a forced failure.
			trace.SpanFromContext(ctx).SetAttributes(attribute.Bool("already_terminal", true))
		}
		return nil
	})
}

// FindActiveByWorkDate returns the non-terminal batch for a work date, if any.
func (r *batchStore) FindActiveByWorkDate(ctx context.Context, workDate prediction.WorkDate) (*prediction.Batch, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("work_date", workDate.String()),
	)

	var batch *prediction.Batch
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.find_active_batch", dbAttrs, func(ctx context.Context) error {
		row := r.db.QueryRow(ctx, `
			SELECT batch_id, work_date, status, total_items, completed_items, failed_items,
			       COALESCE(failure_reason, ''), created_at, updated_at, completed_at
			FROM batches
			WHERE work_date = $1 AND status NOT IN ('COMPLETE', 'FAILED', 'TIMED_OUT')
		`, workDate.Time())

		b, err := scanBatch(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return prediction.ErrBatchNotFound
			}
			return fmt.Errorf("FindActiveByWorkDate query error: %w", err)
		}
		batch = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	return batch, nil
}

// FindStuck returns batches in any of the given statuses created before cutoff.
func (r *batchStore) FindStuck(ctx context.Context, statuses []prediction.BatchStatus, cutoff time.Time) ([]*prediction.Batch, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.Int("num_statuses", len(statuses)),
		attribute.String("cutoff", cutoff.Format(time.RFC3339)),
	)

	statusStrs := make([]string, len(statuses))
	for i, s := range statuses {
		statusStrs[i] = string(s)
	}

	var batches []*prediction.Batch
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.find_stuck_batches", dbAttrs, func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, `
			SELECT batch_id, work_date, status, total_items, completed_items, failed_items,
			       COALESCE(failure_reason, ''), created_at, updated_at, completed_at
			FROM batches
			WHERE status = ANY($1) AND created_at < $2
			ORDER BY created_at
		`, statusStrs, cutoff)
		if err != nil {
			return fmt.Errorf("FindStuck query error: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			b, err := scanBatch(rows)
			if err != nil {
				return fmt.Errorf("FindStuck scan error: %w", err)
			}
			batches = append(batches, b)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return batches, nil
}

// scanBatch reconstructs a domain batch from one result row.
func scanBatch(row pgx.Row) (*prediction.Batch, error) {
	var (
		id            pgtype.UUID
		workDate      time.Time
		status        string
		total         int
		completed     int
		failed        int
		failureReason string
		createdAt     time.Time
		updatedAt     time.Time
		completedAt   pgtype.Timestamptz
	)
	if err := row.Scan(&id, &workDate, &status, &total, &completed, &failed, &failureReason, &createdAt, &updatedAt, &completedAt); err != nil {
		return nil, err
	}

	return prediction.ReconstructBatch(
		id.Bytes,
		prediction.NewWorkDate(workDate),
		prediction.ParseBatchStatus(status),
		total, completed, failed,
		failureReason,
		createdAt, updatedAt, completedAt.Time,
	), nil
}
