package prediction

import (
	"context"

	"github.com/google/uuid"
)

// EligibilityLister is the external feature-store capability the coordinator
// uses to enumerate the entities eligible for a work date.
type EligibilityLister interface {
	// ListEligibleEntities returns the entity keys with sufficient feature
	// coverage for the work date.
	ListEligibleEntities(ctx context.Context, workDate WorkDate) ([]string, error)
}

// Scorer is the external scoring capability a worker invokes for one entity.
// Implementations may block on feature/model dependencies; callers bound the
// call with a context deadline.
type Scorer interface {
	// Score produces one row per scoring system for the entity. Returns
	// ErrInsufficientData when the entity cannot be scored.
	Score(ctx context.Context, entityKey string, workDate WorkDate) ([]ScoredSystem, error)
}

// Consolidator merges a batch's staging regions into the permanent store
// exactly once. It must be safe to invoke concurrently and repeatedly for the
// same batch: one invocation merges, the rest observe the lock and skip.
type Consolidator interface {
	Consolidate(ctx context.Context, batchID uuid.UUID) (ConsolidationResult, error)
}
