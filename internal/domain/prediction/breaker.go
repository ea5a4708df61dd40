package prediction

import "time"

// BreakerState tracks consecutive scoring failures for a single entity. Once
// failures cross the threshold the entity is suppressed from dispatch until
// the cooldown elapses.
type BreakerState struct {
	EntityKey           string
	ConsecutiveFailures int
	TrippedUntil        time.Time // zero when not tripped
	UpdatedAt           time.Time
}

// Tripped reports whether the entity is currently suppressed.
func (s BreakerState) Tripped(now time.Time) bool {
	return !s.TrippedUntil.IsZero() && now.Before(s.TrippedUntil)
}

// RecordFailure increments the consecutive-failure count and trips the breaker
// when the count reaches threshold. A failure on an already-tripped breaker
// extends the cooldown from now.
func (s BreakerState) RecordFailure(now time.Time, threshold int, cooldown time.Duration) BreakerState {
	s.ConsecutiveFailures++
	if s.ConsecutiveFailures >= threshold {
		s.TrippedUntil = now.Add(cooldown)
	}
	s.UpdatedAt = now
	return s
}

// RecordSuccess resets the counter and clears any trip.
func (s BreakerState) RecordSuccess(now time.Time) BreakerState {
	s.ConsecutiveFailures = 0
	s.TrippedUntil = time.Time{}
	s.UpdatedAt = now
	return s
}
