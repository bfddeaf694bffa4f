package orderbook

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// zombieAge is the maximum time since lastAppliedAt before a replica is
// considered stale ("zombie") for reads and persistence (spec §4.2.4).
const zombieAge = 120 * time.Second

// futuresSoftFailureLimit is the number of consecutive continuity
// failures (pu != L) a futures replica tolerates before a resync is
// forced (spec §4.2.2 step 3).
const futuresSoftFailureLimit = 3

// Stats aggregates counters across all replicas, for the observability
// surface.
type Stats struct {
	Applied int64
	Stale   int64
	Gaps    int64
	Resyncs int64
}

// Store owns every replica, partitioned by PairKey. Each key is mutated
// only by the stream task handling it (and by the resync path, which
// takes exclusive ownership of the key while it clears and re-inits).
// Cross-key reads need not be atomic; the mutex only protects the map
// itself and bookkeeping counters.
type Store struct {
	mu       sync.RWMutex
	replicas map[PairKey]*Replica
	stats    Stats
	log      zerolog.Logger
}

// New creates an empty order book store.
func New(logger zerolog.Logger) *Store {
	return &Store{
		replicas: make(map[PairKey]*Replica),
		log:      logger.With().Str("component", "orderbook.Store").Logger(),
	}
}

// Initialize replaces any existing replica for key with a fresh one
// built from snapshot. Levels are sorted, deduplicated and truncated to
// the pair's level cap; the first streaming diff applied afterward is
// treated as this replica's first event.
func (s *Store) Initialize(key PairKey, snap Snapshot) {
	maxLevels := maxLevelsFor(key.Symbol)
	bids := initSide(snap.Bids, false)
	if len(bids) > maxLevels {
		bids = bids[:maxLevels]
	}
	asks := initSide(snap.Asks, true)
	if len(asks) > maxLevels {
		asks = asks[:maxLevels]
	}
	r := &Replica{
		Key:                     key,
		bids:                    bids,
		asks:                    asks,
		lastAppliedUpdateID:     snap.LastUpdateID,
		firstEverUpdateReceived: false,
		needsResync:             false,
		lastAppliedAt:           time.Now(),
		maxLevels:               maxLevels,
	}

	s.mu.Lock()
	s.replicas[key] = r
	s.mu.Unlock()

	s.log.Debug().
		Str("pair", key.String()).
		Int64("last_update_id", snap.LastUpdateID).
		Int("bids", len(r.bids)).
		Int("asks", len(r.asks)).
		Msg("replica initialized from snapshot")
}

// ApplyDiff applies a single streaming diff to the replica for key,
// following the spot or futures continuity rules from spec §4.2.1/§4.2.2
// depending on key.Segment.
func (s *Store) ApplyDiff(key PairKey, diff Diff) ApplyResult {
	s.mu.Lock()
	r, ok := s.replicas[key]
	s.mu.Unlock()
	if !ok {
		return MissingReplica
	}

	if key.Segment == Futures {
		return s.applyFuturesDiff(r, diff)
	}
	return s.applySpotDiff(r, diff)
}

func (s *Store) applySpotDiff(r *Replica, diff Diff) ApplyResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	L := r.lastAppliedUpdateID

	if diff.LastUpdateID <= L {
		s.recordStale()
		return Stale
	}
	if diff.FirstUpdateID > L+1 {
		r.needsResync = true
		s.recordGap()
		s.log.Warn().
			Str("pair", r.Key.String()).
			Int64("last_applied", L).
			Int64("diff_first", diff.FirstUpdateID).
			Msg("spot gap detected, marking needs-resync")
		return Gap
	}

	s.mutateAndCommit(r, diff)
	return Applied
}

func (s *Store) applyFuturesDiff(r *Replica, diff Diff) ApplyResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	L := r.lastAppliedUpdateID

	if diff.LastUpdateID < L {
		s.recordStale()
		return Stale
	}

	if !r.firstEverUpdateReceived {
		// Coverage test: the first futures event legitimately overlaps
		// the REST snapshot id by an arbitrary amount, so pu is not
		// trustworthy here. We only require that this diff's range
		// covers L+1.
		if !(diff.FirstUpdateID <= L+1 && L+1 <= diff.LastUpdateID) {
			return NotReady
		}
		r.futuresSoftFailures = 0
		s.mutateAndCommit(r, diff)
		return Applied
	}

	if diff.PrevLastUpdateID != L {
		r.futuresSoftFailures++
		if r.futuresSoftFailures >= futuresSoftFailureLimit {
			r.needsResync = true
			r.futuresSoftFailures = 0
			s.recordGap()
			s.log.Warn().
				Str("pair", r.Key.String()).
				Int64("last_applied", L).
				Int64("diff_pu", diff.PrevLastUpdateID).
				Msg("futures continuity broke 3x, marking needs-resync")
			return Gap
		}
		return NotReady
	}

	r.futuresSoftFailures = 0
	s.mutateAndCommit(r, diff)
	return Applied
}

// mutateAndCommit applies the diff's level entries to both sides, checks
// the post-apply invariants, and advances lastAppliedUpdateID. Callers
// must hold r.mu for writing.
func (s *Store) mutateAndCommit(r *Replica, diff Diff) {
	r.bids = applySide(r.bids, diff.Bids, false, r.maxLevels, r.Key, "bid")
	r.asks = applySide(r.asks, diff.Asks, true, r.maxLevels, r.Key, "ask")

	if crossed(r.bids, r.asks) {
		s.log.Error().
			Str("pair", r.Key.String()).
			Msg("crossed book detected after apply, forcing resync")
		r.needsResync = true
	}

	r.lastAppliedUpdateID = diff.LastUpdateID
	r.firstEverUpdateReceived = true
	r.lastAppliedAt = time.Now()
	s.recordApplied()
}

// Get returns the current replica view for key, or false if the key is
// unknown, flagged for resync, or has gone zombie (no applied update in
// the last 120s).
func (s *Store) Get(key PairKey) (ReplicaView, bool) {
	s.mu.RLock()
	r, ok := s.replicas[key]
	s.mu.RUnlock()
	if !ok {
		return ReplicaView{}, false
	}
	r.mu.RLock()
	stale := r.needsResync || time.Since(r.lastAppliedAt) > zombieAge
	r.mu.RUnlock()
	if stale {
		return ReplicaView{}, false
	}
	return r.view(), true
}

// Snapshot returns the replica view for key regardless of resync/zombie
// state, for introspection and tests.
func (s *Store) Snapshot(key PairKey) (ReplicaView, bool) {
	s.mu.RLock()
	r, ok := s.replicas[key]
	s.mu.RUnlock()
	if !ok {
		return ReplicaView{}, false
	}
	return r.view(), true
}

// NeedsResync reports whether the replica for key is flagged for resync.
func (s *Store) NeedsResync(key PairKey) bool {
	s.mu.RLock()
	r, ok := s.replicas[key]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.needsResync
}

// MarkNeedsResync forces key into the resync-required state, e.g. after
// a supervisor-detected stall that the store itself couldn't see.
func (s *Store) MarkNeedsResync(key PairKey) {
	s.mu.RLock()
	r, ok := s.replicas[key]
	s.mu.RUnlock()
	if ok {
		r.mu.Lock()
		r.needsResync = true
		r.mu.Unlock()
	}
}

// Clear removes the replica for key entirely, e.g. at the start of a
// resync before a fresh Initialize.
func (s *Store) Clear(key PairKey) {
	s.mu.Lock()
	delete(s.replicas, key)
	s.mu.Unlock()
}

// Keys returns every PairKey currently tracked, regardless of state.
func (s *Store) Keys() []PairKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PairKey, 0, len(s.replicas))
	for k := range s.replicas {
		out = append(out, k)
	}
	return out
}

// Stats returns a copy of the store's cumulative counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Store) recordApplied() {
	s.mu.Lock()
	s.stats.Applied++
	s.mu.Unlock()
}

func (s *Store) recordStale() {
	s.mu.Lock()
	s.stats.Stale++
	s.mu.Unlock()
}

func (s *Store) recordGap() {
	s.mu.Lock()
	s.stats.Gaps++
	s.mu.Unlock()
}

// RecordResync increments the resync counter; called by the health
// supervisor once it has cleared and re-initialized a flagged replica.
func (s *Store) RecordResync() {
	s.mu.Lock()
	s.stats.Resyncs++
	s.mu.Unlock()
}
