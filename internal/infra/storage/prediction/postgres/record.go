package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/statforge/propline/internal/domain/prediction"
	"github.com/statforge/propline/internal/infra/storage"
)

var _ prediction.RecordRepository = (*recordStore)(nil)

// recordStore implements prediction.RecordRepository using PostgreSQL as the
// backing store. The permanent table is written only through MergeStaging so
// every visible row came from a completed consolidation.
type recordStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewRecordStore creates a new PostgreSQL-backed prediction record repository
// with tracing capabilities.
func NewRecordStore(pool *pgxpool.Pool, tracer trace.Tracer) *recordStore {
	return &recordStore{db: pool, tracer: tracer}
}

// MergeStaging atomically upserts the union of a batch's staging rows into the
// permanent store. One statement moves everything, so readers either see the
// batch's rows entirely or not at all, and a retried merge lands on identical
// keys.
func (r *recordStore) MergeStaging(ctx context.Context, batchID uuid.UUID) (int64, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("batch_id", batchID.String()),
	)

	var merged int64
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.merge_staging", dbAttrs, func(ctx context.Context) error {
		res, err := r.db.Exec(ctx, `
			INSERT INTO predictions (entity_key, work_date, system_id, value, confidence, recommendation, produced_at, created_at, updated_at)
			SELECT entity_key, work_date, system_id, value, confidence, recommendation, produced_at, NOW(), NOW()
			FROM staging_predictions
			WHERE batch_id = $1
			ON CONFLICT (entity_key, work_date, system_id) DO UPDATE SET
				value = EXCLUDED.value,
				confidence = EXCLUDED.confidence,
				recommendation = EXCLUDED.recommendation,
				produced_at = EXCLUDED.produced_at,
				updated_at = NOW()
		`, pgtype.UUID{Bytes: batchID, Valid: true})
		if err != nil {
			return fmt.Errorf("MergeStaging query error: %w", err)
		}
		merged = res.RowsAffected()
		trace.SpanFromContext(ctx).SetAttributes(attribute.Int64("rows_merged", merged))
		return nil
	})
	if err != nil {
		return 0, err
	}

	return merged, nil
}

// ListByWorkDate returns the permanent rows for a work date.
func (r *recordStore) ListByWorkDate(ctx context.Context, workDate prediction.WorkDate) ([]prediction.Record, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("work_date", workDate.String()),
	)

	var records []prediction.Record
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.list_records_by_work_date", dbAttrs, func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, `
			SELECT entity_key, work_date, system_id, value, confidence, recommendation, produced_at
			FROM predictions
			WHERE work_date = $1
			ORDER BY entity_key, system_id
		`, workDate.Time())
		if err != nil {
			return fmt.Errorf("ListByWorkDate query error: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				rec    prediction.Record
				day    time.Time
				rcmd   string
				sysID  string
				eKey   string
				pAt    time.Time
				value  float64
				confid float64
			)
			if err := rows.Scan(&eKey, &day, &sysID, &value, &confid, &rcmd, &pAt); err != nil {
				return fmt.Errorf("ListByWorkDate scan error: %w", err)
			}
			rec = prediction.Record{
				EntityKey:      eKey,
				WorkDate:       prediction.NewWorkDate(day),
				SystemID:       sysID,
				Value:          value,
				Confidence:     confid,
				Recommendation: prediction.Recommendation(rcmd),
				ProducedAt:     pAt,
			}
			records = append(records, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return records, nil
}
