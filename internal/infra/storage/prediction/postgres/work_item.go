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

var _ prediction.WorkItemRepository = (*workItemStore)(nil)

// workItemStore implements prediction.WorkItemRepository using PostgreSQL as
// the backing store. Terminal transitions are guarded UPDATEs so duplicate
// acknowledgements collapse into no-ops at the row level.
type workItemStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewWorkItemStore creates a new PostgreSQL-backed work item repository with
// tracing capabilities.
func NewWorkItemStore(pool *pgxpool.Pool, tracer trace.Tracer) *workItemStore {
	return &workItemStore{db: pool, tracer: tracer}
}

// BulkCreate inserts the given items in PENDING status using PostgreSQL's COPY
// protocol for better performance on large batches.
func (r *workItemStore) BulkCreate(ctx context.Context, items []*prediction.WorkItem) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.Int("num_items", len(items)),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.bulk_create_work_items", dbAttrs, func(ctx context.Context) error {
		if len(items) == 0 {
			return nil
		}
		span := trace.SpanFromContext(ctx)

		rows := make([][]any, len(items))
		for i, item := range items {
			rows[i] = []any{
				pgtype.UUID{Bytes: item.BatchID(), Valid: true},
				item.EntityKey(),
				string(item.Status()),
				item.AttemptCount(),
				item.CreatedAt(),
				item.UpdatedAt(),
			}
		}

		copied, err := r.db.CopyFrom(ctx,
			pgx.Identifier{"work_items"},
			[]string{"batch_id", "entity_key", "status", "attempt_count", "created_at", "updated_at"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("bulk create work items error: %w", err)
		}
		if copied != int64(len(items)) {
			return fmt.Errorf("bulk create work items copied %d rows, expected %d", copied, len(items))
		}
		span.SetAttributes(attribute.Int64("num_items_inserted", copied))

		return nil
	})
}

// Transition performs a guarded item transition: the row moves to target only
// while still in a non-terminal status. A false return means the item was
// already terminal, which callers treat as a duplicate acknowledgement.
func (r *workItemStore) Transition(ctx context.Context, batchID uuid.UUID, entityKey string, target prediction.WorkItemStatus, failureReason string) (bool, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("batch_id", batchID.String()),
		attribute.String("entity_key", entityKey),
		attribute.String("target", string(target)),
	)

	var moved bool
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.transition_work_item", dbAttrs, func(ctx context.Context) error {
		res, err := r.db.Exec(ctx, `
			UPDATE work_items
			SET status = $3,
			    failure_reason = NULLIF($4, ''),
			    updated_at = NOW()
			WHERE batch_id = $1 AND entity_key = $2 AND status NOT IN ('DONE', 'FAILED')
		`, pgtype.UUID{Bytes: batchID, Valid: true}, entityKey, string(target), failureReason)
		if err != nil {
			return fmt.Errorf("Transition query error: %w", err)
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

// MarkDispatched moves a PENDING item to DISPATCHED and bumps its attempt count.
func (r *workItemStore) MarkDispatched(ctx context.Context, batchID uuid.UUID, entityKey string) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("batch_id", batchID.String()),
		attribute.String("entity_key", entityKey),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.mark_work_item_dispatched", dbAttrs, func(ctx context.Context) error {
		res, err := r.db.Exec(ctx, `
			UPDATE work_items
			SET status = 'DISPATCHED',
			    attempt_count = attempt_count + 1,
			    updated_at = NOW()
			WHERE batch_id = $1 AND entity_key = $2 AND status = 'PENDING'
		`, pgtype.UUID{Bytes: batchID, Valid: true}, entityKey)
		if err != nil {
			return fmt.Errorf("MarkDispatched query error: %w", err)
		}
		if res.RowsAffected() == 0 {
			return prediction.ErrWorkItemNotFound
		}
		return nil
	})
}

// ListUnfinished returns the entity keys of items not yet DONE or FAILED.
func (r *workItemStore) ListUnfinished(ctx context.Context, batchID uuid.UUID) ([]string, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("batch_id", batchID.String()),
	)

	var keys []string
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.list_unfinished_work_items", dbAttrs, func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, `
			SELECT entity_key
			FROM work_items
			WHERE batch_id = $1 AND status NOT IN ('DONE', 'FAILED')
			ORDER BY entity_key
		`, pgtype.UUID{Bytes: batchID, Valid: true})
		if err != nil {
			return fmt.Errorf("ListUnfinished query error: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var key string
			if err := rows.Scan(&key); err != nil {
				return fmt.Errorf("ListUnfinished scan error: %w", err)
			}
			keys = append(keys, key)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return keys, nil
}

// GetItem loads one work item.
func (r *workItemStore) GetItem(ctx context.Context, batchID uuid.UUID, entityKey string) (*prediction.WorkItem, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("batch_id", batchID.String()),
		attribute.String("entity_key", entityKey),
	)

	var item *prediction.WorkItem
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.get_work_item", dbAttrs, func(ctx context.Context) error {
		var (
			id            pgtype.UUID
			key           string
			status        string
			attemptCount  int
			failureReason pgtype.Text
			createdAt     time.Time
			updatedAt     time.Time
		)
		err := r.db.QueryRow(ctx, `
			SELECT batch_id, entity_key, status, attempt_count, failure_reason, created_at, updated_at
			FROM work_items
			WHERE batch_id = $1 AND entity_key = $2
		`, pgtype.UUID{Bytes: batchID, Valid: true}, entityKey).
			Scan(&id, &key, &status, &attemptCount, &failureReason, &createdAt, &updatedAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return prediction.ErrWorkItemNotFound
			}
			return fmt.Errorf("GetItem query error: %w", err)
		}

		item = prediction.ReconstructWorkItem(
			id.Bytes,
			key,
			prediction.ParseWorkItemStatus(status),
			attemptCount,
			failureReason.String,
			createdAt, updatedAt,
		)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return item, nil
}
