// Package health implements the HealthSupervisor: a 15s tick that
// drains the retry queue, revives never-alive and stalled
// subscriptions, and resyncs replicas flagged for resync, at most one
// remediation per class per tick (spec §4.6).
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/realHakeen/binance-liquidity-monitor/internal/orderbook"
	"github.com/realHakeen/binance-liquidity-monitor/internal/stream"
)

const (
	tickInterval    = 15 * time.Second
	retryBackoff    = 5 * time.Second
	neverAliveAge   = 60 * time.Second
	stallAge        = 60 * time.Second
)

// StreamSupervisorTarget is the subset of stream.Subscriber the
// supervisor drives.
type StreamSupervisorTarget interface {
	Subscribe(ctx context.Context, key orderbook.PairKey) bool
	SubscribeFuturesCombined(ctx context.Context, symbols []string) bool
	Unsubscribe(key orderbook.PairKey)
	RetryReady(minAge time.Duration) (orderbook.PairKey, bool)
	MarkRetried(key orderbook.PairKey)
	StatusesByKey() map[orderbook.PairKey]stream.SubscriptionStatus
}

// ReplicaSupervisorTarget is the subset of orderbook.Store the
// supervisor drives for resyncs.
type ReplicaSupervisorTarget interface {
	Keys() []orderbook.PairKey
	NeedsResync(key orderbook.PairKey) bool
	Clear(key orderbook.PairKey)
	Initialize(key orderbook.PairKey, snap orderbook.Snapshot)
	RecordResync()
}

// SnapshotFetcher refetches a replica's REST snapshot during a resync.
type SnapshotFetcher interface {
	FetchSpotDepth(ctx context.Context, symbol string, limit int) (orderbook.Snapshot, error)
	FetchFuturesDepth(ctx context.Context, symbol string, limit int) (orderbook.Snapshot, error)
}

// resyncSnapshotLimit is the REST depth limit for a resync snapshot:
// 500 levels for the major pairs, 100 otherwise.
func resyncSnapshotLimit(symbol string) int {
	if orderbook.IsMajorPair(symbol) {
		return 500
	}
	return 100
}

// Supervisor drives the four remediation classes on a fixed tick.
type Supervisor struct {
	sub     StreamSupervisorTarget
	store   ReplicaSupervisorTarget
	fetcher SnapshotFetcher
	symbols []string
	log     zerolog.Logger

	mu        sync.Mutex
	resyncing map[orderbook.PairKey]bool
}

// New builds a Supervisor. symbols is the full futures symbol list,
// needed to re-establish the combined stream when its synthetic key
// surfaces in the retry queue.
func New(sub StreamSupervisorTarget, store ReplicaSupervisorTarget, fetcher SnapshotFetcher, symbols []string, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		sub:       sub,
		store:     store,
		fetcher:   fetcher,
		symbols:   symbols,
		log:       logger.With().Str("component", "health.Supervisor").Logger(),
		resyncing: make(map[orderbook.PairKey]bool),
	}
}

// Run ticks every 15s until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Supervisor) tick(ctx context.Context) {
	s.remediateRetryQueue(ctx)
	s.remediateNeverAlive(ctx)
	s.remediateStalled(ctx)
	s.remediateResync(ctx)
}

// remediateRetryQueue processes at most one FailedEntry per tick,
// per spec §4.6 step 1.
func (s *Supervisor) remediateRetryQueue(ctx context.Context) {
	key, ok := s.sub.RetryReady(retryBackoff)
	if !ok {
		return
	}
	s.sub.MarkRetried(key)

	if key == orderbook.CombinedFuturesKey {
		s.sub.SubscribeFuturesCombined(ctx, s.symbols)
		return
	}
	s.sub.Subscribe(ctx, key)
}

// resubscribe re-establishes key: the combined synthetic key (and, by
// extension, every futures symbol it carries) goes through
// SubscribeFuturesCombined, everything else through the single-pair
// Subscribe. Individual futures symbols never get resubscribed on
// their own; they only ever exist inside the combined connection.
func (s *Supervisor) resubscribe(ctx context.Context, key orderbook.PairKey) {
	s.sub.Unsubscribe(key)
	if key == orderbook.CombinedFuturesKey {
		s.sub.SubscribeFuturesCombined(ctx, s.symbols)
		return
	}
	s.sub.Subscribe(ctx, key)
}

// remediateNeverAlive re-subscribes one subscription that has never
// gone alive after 60s, per spec §4.6 step 2. Per-symbol futures keys
// are skipped: they live inside the combined connection and are only
// ever recovered as a unit, via the combined synthetic key.
func (s *Supervisor) remediateNeverAlive(ctx context.Context) {
	now := time.Now()
	for key, st := range s.sub.StatusesByKey() {
		if key.Segment == orderbook.Futures && key != orderbook.CombinedFuturesKey {
			continue
		}
		if st.IsAlive {
			continue
		}
		if now.Sub(st.SubscribedAt) <= neverAliveAge {
			continue
		}
		s.log.Warn().Str("key", key.String()).Msg("never went alive, resubscribing")
		s.resubscribe(ctx, key)
		return
	}
}

// remediateStalled re-subscribes one subscription that was alive but
// has stopped updating for over 60s, per spec §4.6 step 3. Per-symbol
// futures keys are skipped for the same reason as remediateNeverAlive.
func (s *Supervisor) remediateStalled(ctx context.Context) {
	now := time.Now()
	for key, st := range s.sub.StatusesByKey() {
		if key.Segment == orderbook.Futures && key != orderbook.CombinedFuturesKey {
			continue
		}
		if !st.IsAlive {
			continue
		}
		if now.Sub(st.LastUpdateAt) <= stallAge {
			continue
		}
		s.log.Warn().Str("key", key.String()).Msg("stalled, resubscribing")
		s.resubscribe(ctx, key)
		return
	}
}

// remediateResync clears and re-initializes one replica flagged
// needsResync, per spec §4.6 step 4. A per-key in-progress flag
// prevents concurrent re-initializations of the same key.
func (s *Supervisor) remediateResync(ctx context.Context) {
	for _, key := range s.store.Keys() {
		if !s.store.NeedsResync(key) {
			continue
		}

		s.mu.Lock()
		if s.resyncing[key] {
			s.mu.Unlock()
			continue
		}
		s.resyncing[key] = true
		s.mu.Unlock()

		go s.resync(ctx, key)
		return
	}
}

func (s *Supervisor) resync(ctx context.Context, key orderbook.PairKey) {
	defer func() {
		s.mu.Lock()
		delete(s.resyncing, key)
		s.mu.Unlock()
	}()

	s.store.Clear(key)

	var (
		snap orderbook.Snapshot
		err  error
	)
	if key.Segment == orderbook.Futures {
		snap, err = s.fetcher.FetchFuturesDepth(ctx, key.Symbol, resyncSnapshotLimit(key.Symbol))
	} else {
		snap, err = s.fetcher.FetchSpotDepth(ctx, key.Symbol, resyncSnapshotLimit(key.Symbol))
	}
	if err != nil {
		s.log.Warn().Err(err).Str("key", key.String()).Msg("resync snapshot fetch failed")
		return
	}

	s.store.Initialize(key, snap)
	s.store.RecordResync()
}

// ResyncsInFlight reports keys currently mid-resync, for the status
// surface (spec §4.3.5's resyncsInFlight).
func (s *Supervisor) ResyncsInFlight() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.resyncing))
	for k := range s.resyncing {
		out = append(out, k.String())
	}
	return out
}
