// Package recon diffs provider-reported transactions against the stored
// ledger and tracks which accounts need a running-balance replay.
package recon

import (
	"time"

	"github.com/google/uuid"
)

// StaleRangeTracker accumulates, per account, the earliest timestamp from
// which the ledger must be replayed. It is additive and idempotent: built
// per sync run, passed through the pipeline, discarded at run end.
type StaleRangeTracker struct {
	earliest map[uuid.UUID]time.Time
}

// NewStaleRangeTracker creates an empty tracker.
func NewStaleRangeTracker() *StaleRangeTracker {
	return &StaleRangeTracker{earliest: make(map[uuid.UUID]time.Time)}
}

// Record marks account's ledger stale from t, keeping the minimum across
// repeated calls.
func (s *StaleRangeTracker) Record(accountID uuid.UUID, t time.Time) {
	existing, ok := s.earliest[accountID]
	if !ok || t.Before(existing) {
		s.earliest[accountID] = t
	}
}

// Merge applies Record for every entry of other.
func (s *StaleRangeTracker) Merge(other *StaleRangeTracker) {
	if other == nil {
		return
	}
	for id, t := range other.earliest {
		s.Record(id, t)
	}
}

// Earliest returns the minimum recorded timestamp for the account.
func (s *StaleRangeTracker) Earliest(accountID uuid.UUID) (time.Time, bool) {
	t, ok := s.earliest[accountID]
	return t, ok
}

// Accounts lists every account with a stale range.
func (s *StaleRangeTracker) Accounts() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(s.earliest))
	for id := range s.earliest {
		out = append(out, id)
	}
	return out
}

// Len reports how many accounts are marked stale.
func (s *StaleRangeTracker) Len() int {
	return len(s.earliest)
}
