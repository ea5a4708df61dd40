package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/statforge/propline/internal/domain/prediction"
	"github.com/statforge/propline/internal/infra/storage"
)

var _ prediction.StagingRepository = (*stagingStore)(nil)

// stagingStore implements prediction.StagingRepository using PostgreSQL as the
// backing store. All writes are upserts keyed by (batch_id, entity_key,
// system_id) so redelivered work replaces rows instead of appending.
type stagingStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewStagingStore creates a new PostgreSQL-backed staging repository with
// tracing capabilities.
func NewStagingStore(pool *pgxpool.Pool, tracer trace.Tracer) *stagingStore {
	return &stagingStore{db: pool, tracer: tracer}
}

// UpsertRows writes a worker's scored rows for one entity. Duplicate keys from
// message redelivery overwrite in place; the row count is unchanged.
func (r *stagingStore) UpsertRows(ctx context.Context, rows []prediction.StagingRow) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.Int("num_rows", len(rows)),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.upsert_staging_rows", dbAttrs, func(ctx context.Context) error {
		if len(rows) == 0 {
			return nil
		}

		values := make([]string, 0, len(rows))
		args := make([]any, 0, len(rows)*9)
		i := 1
		for _, row := range rows {
			values = append(values, fmt.Sprintf("($%d::uuid, $%d, $%d, $%d, $%d::date, $%d, $%d, $%d, $%d::timestamptz)",
				i, i+1, i+2, i+3, i+4, i+5, i+6, i+7, i+8))
			args = append(args,
				pgtype.UUID{Bytes: row.BatchID, Valid: true},
				row.EntityKey,
				row.System.SystemID,
				row.RegionID,
				row.WorkDate.Time(),
				row.System.Value,
				row.System.Confidence,
				string(row.System.Recommendation),
				row.ProducedAt,
			)
			i += 9
		}

		query := fmt.Sprintf(`
			INSERT INTO staging_predictions (
				batch_id,
				entity_key,
				system_id,
				region_id,
				work_date,
				value,
				confidence,
				recommendation,
				produced_at
			) VALUES %s
			ON CONFLICT (batch_id, entity_key, system_id) DO UPDATE SET
				region_id = EXCLUDED.region_id,
				value = EXCLUDED.value,
				confidence = EXCLUDED.confidence,
				recommendation = EXCLUDED.recommendation,
				produced_at = EXCLUDED.produced_at
		`, strings.Join(values, ","))

		if _, err := r.db.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("upsert staging rows query error: %w", err)
		}
		return nil
	})
}

// CountRegions returns the number of distinct regions holding rows for a batch.
func (r *stagingStore) CountRegions(ctx context.Context, batchID uuid.UUID) (int, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("batch_id", batchID.String()),
	)

	var count int
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.count_staging_regions", dbAttrs, func(ctx context.Context) error {
		err := r.db.QueryRow(ctx, `
			SELECT COUNT(DISTINCT region_id)
			FROM staging_predictions
			WHERE batch_id = $1
		`, pgtype.UUID{Bytes: batchID, Valid: true}).Scan(&count)
		if err != nil {
			return fmt.Errorf("CountRegions query error: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return count, nil
}

// DeleteBatch removes all staging rows for a batch after a successful merge.
func (r *stagingStore) DeleteBatch(ctx context.Context, batchID uuid.UUID) (int64, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("batch_id", batchID.String()),
	)

	var deleted int64
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.delete_staging_batch", dbAttrs, func(ctx context.Context) error {
		res, err := r.db.Exec(ctx, `
			DELETE FROM staging_predictions WHERE batch_id = $1
		`, pgtype.UUID{Bytes: batchID, Valid: true})
		if err != nil {
			return fmt.Errorf("DeleteBatch query error: %w", err)
		}
		deleted = res.RowsAffected()
		trace.SpanFromContext(ctx).SetAttributes(attribute.Int64("rows_deleted", deleted))
		return nil
	})
	if err != nil {
		return 0, err
	}

	return deleted, nil
}
