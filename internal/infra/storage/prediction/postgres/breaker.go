package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/statforge/propline/internal/domain/prediction"
	"github.com/statforge/propline/internal/infra/storage"
)

var _ prediction.BreakerRepository = (*breakerStore)(nil)

// breakerStore implements prediction.BreakerRepository using PostgreSQL as
// the backing store, so entity suppression survives coordinator restarts.
type breakerStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewBreakerStore creates a new PostgreSQL-backed circuit breaker repository
// with tracing capabilities.
func NewBreakerStore(pool *pgxpool.Pool, tracer trace.Tracer) *breakerStore {
	return &breakerStore{db: pool, tracer: tracer}
}

// Get returns the breaker state for an entity; a zero state when absent.
func (r *breakerStore) Get(ctx context.Context, entityKey string) (prediction.BreakerState, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("entity_key", entityKey),
	)

	state := prediction.BreakerState{EntityKey: entityKey}
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.get_breaker_state", dbAttrs, func(ctx context.Context) error {
		var (
			failures     int
			trippedUntil pgtype.Timestamptz
			updatedAt    time.Time
		)
		err := r.db.QueryRow(ctx, `
			SELECT consecutive_failures, tripped_until, updated_at
			FROM circuit_breakers
			WHERE entity_key = $1
		`, entityKey).Scan(&failures, &trippedUntil, &updatedAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("Get breaker query error: %w", err)
		}

		state.ConsecutiveFailures = failures
		state.UpdatedAt = updatedAt
		if trippedUntil.Valid {
			state.TrippedUntil = trippedUntil.Time
		}
		return nil
	})
	if err != nil {
		return prediction.BreakerState{}, err
	}

	return state, nil
}

// Upsert writes the breaker state for an entity.
func (r *breakerStore) Upsert(ctx context.Context, state prediction.BreakerState) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("entity_key", state.EntityKey),
		attribute.Int("consecutive_failures", state.ConsecutiveFailures),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.upsert_breaker_state", dbAttrs, func(ctx context.Context) error {
		_, err := r.db.Exec(ctx, `
			INSERT INTO circuit_breakers (entity_key, consecutive_failures, tripped_until, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (entity_key) DO UPDATE SET
				consecutive_failures = EXCLUDED.consecutive_failures,
				tripped_until = EXCLUDED.tripped_until,
				updated_at = EXCLUDED.updated_at
		`,
			state.EntityKey,
			state.ConsecutiveFailures,
			pgtype.Timestamptz{Time: state.TrippedUntil, Valid: !state.TrippedUntil.IsZero()},
			state.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("Upsert breaker query error: %w", err)
		}
		return nil
	})
}
