package prediction

import (
	"time"

	"github.com/google/uuid"
)

// ConsolidationLock is the per-batch mutual-exclusion record. At most one live
// (unexpired) lock exists per batch at any instant; it is created only via
// atomic create-if-absent and destroyed on release or TTL expiry.
type ConsolidationLock struct {
	BatchID    uuid.UUID
	HolderID   string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the lock's TTL has lapsed at the given instant.
func (l ConsolidationLock) Expired(now time.Time) bool { return now.After(l.ExpiresAt) }

// ConsolidationResult reports the outcome of a Consolidate call.
type ConsolidationResult struct {
	// RowsMerged is the number of staging rows upserted into the permanent store.
	RowsMerged int64
	// RegionsMerged is the number of distinct staging regions that contributed rows.
	RegionsMerged int
	// Skipped is true when another caller held the lock and no merge was attempted.
	Skipped bool
}
