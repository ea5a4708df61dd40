package coordination

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/statforge/propline/internal/domain/prediction"
	"github.com/statforge/propline/pkg/common/logger"
)

const (
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 24 * time.Hour
)

// Guard is the reprocessing circuit breaker. It tracks consecutive scoring
// failures per entity and suppresses dispatch for entities that keep failing,
// so one pathological entity cannot burn worker capacity batch after batch.
// State is persisted per entity and survives coordinator restarts.
type Guard struct {
	breakerRepo prediction.BreakerRepository

	threshold int
	cooldown  time.Duration

	timeProvider timeProvider

	tracer  trace.Tracer
	logger  *logger.Logger
	metrics CoordinationMetrics
}

// NewGuard creates a reprocessing guard with the given trip threshold and
// cooldown. Zero values fall back to the defaults (5 failures, 24h).
func NewGuard(
	breakerRepo prediction.BreakerRepository,
	threshold int,
	cooldown time.Duration,
	logger *logger.Logger,
	metrics CoordinationMetrics,
	tracer trace.Tracer,
) *Guard {
	if threshold <= 0 {
		threshold = defaultBreakerThreshold
	}
	if cooldown <= 0 {
		cooldown = defaultBreakerCooldown
	}
	return &Guard{
		breakerRepo:  breakerRepo,
		threshold:    threshold,
		cooldown:     cooldown,
		timeProvider: realTimeProvider{},
		tracer:       tracer,
		logger:       logger.With("component", "reprocessing_guard"),
		metrics:      metrics,
	}
}

// IsTripped reports whether the entity is currently suppressed from dispatch.
func (g *Guard) IsTripped(ctx context.Context, entityKey string) (bool, error) {
	ctx, span := g.tracer.Start(ctx, "reprocessing_guard.is_tripped",
		trace.WithAttributes(attribute.String("entity_key", entityKey)))
	defer span.End()

	state, err := g.breakerRepo.Get(ctx, entityKey)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load breaker state")
		return false, err
	}

	tripped := state.Tripped(g.timeProvider.Now())
	span.SetAttributes(attribute.Bool("tripped", tripped))
	if tripped {
		g.metrics.IncSuppressedDispatches(ctx)
	}
	return tripped, nil
}

// RecordOutcome folds one work-item outcome into the entity's breaker state.
// A success resets the counter and clears any trip; a failure increments it
// and trips the breaker once the threshold is reached.
func (g *Guard) RecordOutcome(ctx context.Context, entityKey string, outcome prediction.Outcome) error {
	ctx, span := g.tracer.Start(ctx, "reprocessing_guard.record_outcome",
		trace.WithAttributes(
			attribute.String("entity_key", entityKey),
			attribute.String("outcome", string(outcome)),
		))
	defer span.End()

	state, err := g.breakerRepo.Get(ctx, entityKey)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load breaker state")
		return err
	}

	now := g.timeProvider.Now()
	wasTripped := state.Tripped(now)

	if outcome == prediction.OutcomeSuccess {
		state = state.RecordSuccess(now)
	} else {
		state = state.RecordFailure(now, g.threshold, g.cooldown)
	}

	if err := g.breakerRepo.Upsert(ctx, state); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist breaker state")
		return err
	}

	if !wasTripped && state.Tripped(now) {
		g.metrics.IncBreakerTrips(ctx)
		g.logger.Warn(ctx, "Circuit breaker tripped",
			"entity_key", entityKey,
			"consecutive_failures", state.ConsecutiveFailures,
			"tripped_until", state.TrippedUntil.Format(time.RFC3339),
		)
		span.AddEvent("breaker_tripped", trace.WithAttributes(
			attribute.Int("consecutive_failures", state.ConsecutiveFailures),
		))
	}

	return nil
}
