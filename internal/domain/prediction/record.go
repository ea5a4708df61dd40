package prediction

import (
	"time"

	"github.com/google/uuid"
)

// Recommendation is a scoring system's directional call on an entity line.
type Recommendation string

const (
	RecommendationOver  Recommendation = "OVER"
	RecommendationUnder Recommendation = "UNDER"
	RecommendationPass  Recommendation = "PASS"
)

// ScoredSystem is one scoring system's output for a single entity. The scoring
// capability itself is external; this is its result shape at the boundary.
type ScoredSystem struct {
	SystemID       string         `json:"system_id"`
	Value          float64        `json:"value"`
	Confidence     float64        `json:"confidence"`
	Recommendation Recommendation `json:"recommendation"`
}

// StagingRow is one unmerged result row in a batch's staging region, keyed by
// (entity_key, system_id) within the batch. Duplicate writes for the same key
// replace rather than append.
type StagingRow struct {
	BatchID    uuid.UUID
	RegionID   string
	EntityKey  string
	WorkDate   WorkDate
	System     ScoredSystem
	ProducedAt time.Time
}

// Record is the permanent output row, uniquely keyed by
// (entity_key, work_date, system_id). Written only by the consolidator.
type Record struct {
	EntityKey      string
	WorkDate       WorkDate
	SystemID       string
	Value          float64
	Confidence     float64
	Recommendation Recommendation
	ProducedAt     time.Time
}
