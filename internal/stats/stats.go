// Package stats holds the per-block statistics accumulator. All fields are
// mutated under one lock; derived values are recomputed by Sync, which is
// throttled so that the reporting path cannot contend with the I/O path more
// than once per interval.
package stats

import (
	"sync"
	"time"

	"github.com/seantiz/salvo/internal/model"
)

// MaxStatsAge is the default minimum interval between two syncs.
const MaxStatsAge = 500 * time.Millisecond

// Accumulator is a block's statistics, guarded by a single mutex.
type Accumulator struct {
	mu       sync.Mutex
	s        model.Stats
	minAge   time.Duration
	lastSync time.Time
}

// New creates an accumulator whose Sync runs at most once per minAge.
func New(minAge time.Duration) *Accumulator {
	return &Accumulator{minAge: minAge}
}

// Update runs fn with the stats locked.
func (a *Accumulator) Update(fn func(s *model.Stats)) {
	a.mu.Lock()
	fn(&a.s)
	a.mu.Unlock()
}

// Snapshot returns a copy of the current values without syncing.
func (a *Accumulator) Snapshot() model.Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.s
}

// SetIntendedLoad publishes a strategy's intended load.
func (a *Accumulator) SetIntendedLoad(v int32) {
	a.Update(func(s *model.Stats) { s.IntendedLoad = uint32(max(v, 0)) })
}

// SetIntendedRegistrationLoad publishes the registration strategy's rate.
func (a *Accumulator) SetIntendedRegistrationLoad(v int32) {
	a.Update(func(s *model.Stats) { s.IntendedRegistrationLoad = uint32(max(v, 0)) })
}

// RecordResponse folds one successful registration latency into the
// response-time counters.
func (a *Accumulator) RecordResponse(d time.Duration) {
	ms := uint64(max(d.Milliseconds(), 0))
	a.Update(func(s *model.Stats) {
		s.RegistrationSuccesses++
		if s.ResponseTimeMinMS == 0 || ms < s.ResponseTimeMinMS {
			s.ResponseTimeMinMS = ms
		}
		s.ResponseTimeMaxMS = max(s.ResponseTimeMaxMS, ms)
		s.ResponseTimeCumulativeMS += ms
	})
}

// Sync recomputes derived values and stamps the update time. It returns the
// synced snapshot and true, or the previous snapshot and false when the last
// sync happened less than the minimum interval before now.
func (a *Accumulator) Sync(now time.Time) (model.Stats, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.lastSync.IsZero() && now.Sub(a.lastSync) < a.minAge {
		return a.s, false
	}
	a.lastSync = now

	if a.s.RegistrationSuccesses > 0 {
		a.s.ResponseTimeAvgMS = float64(a.s.ResponseTimeCumulativeMS) / float64(a.s.RegistrationSuccesses)
	} else {
		a.s.ResponseTimeAvgMS = 0
	}
	a.s.UpdatedAt = now
	return a.s, true
}

// Reset zeroes the counters. The active connection count and intended loads
// describe live state and are kept.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.s = model.Stats{
		IntendedLoad:             a.s.IntendedLoad,
		IntendedRegistrationLoad: a.s.IntendedRegistrationLoad,
		ActiveConnections:        a.s.ActiveConnections,
	}
	a.lastSync = time.Time{}
}
