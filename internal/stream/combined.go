package stream

import (
	"context"
	"time"

	"github.com/realHakeen/binance-liquidity-monitor/internal/orderbook"
)

// SubscribeFuturesCombined opens one multiplexed connection carrying
// every symbol's futures depth substream (spec §4.3.2), rather than
// one connection per symbol. It fetches each symbol's REST snapshot
// sequentially with a 500ms spacing to stay clear of REST weight
// limits, then routes incoming envelope messages to the matching
// replica by symbol.
func (s *Subscriber) SubscribeFuturesCombined(ctx context.Context, symbols []string) bool {
	s.Unsubscribe(orderbook.CombinedFuturesKey)

	allowed, recent := s.admission.TryAdmit()
	if !allowed {
		s.log.Warn().Int("recent", recent).Msg("admission control rejected combined futures subscribe")
		s.retries.Enqueue(orderbook.CombinedFuturesKey, "admission control: connections-per-minute limit reached")
		return false
	}

	url := CombinedStreamURL(symbols, s.cfg.UpdateInterval)
	taskCtx, cancel := context.WithCancel(ctx)

	conn, err := s.dial(taskCtx, url)
	if err != nil {
		cancel()
		s.log.Warn().Err(err).Msg("combined futures dial failed")
		s.retries.Enqueue(orderbook.CombinedFuturesKey, "dial failed")
		return false
	}

	t := &task{cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.tasks[orderbook.CombinedFuturesKey] = t
	s.mu.Unlock()

	s.statuses.Set(orderbook.CombinedFuturesKey, SubscriptionStatus{IsAlive: false, SubscribedAt: time.Now()})
	for _, sym := range symbols {
		key := orderbook.PairKey{Symbol: sym, Segment: orderbook.Futures}
		s.statuses.Set(key, SubscriptionStatus{IsAlive: false, SubscribedAt: time.Now()})
	}

	readyCh := make(chan bool, 1)
	go s.runCombined(taskCtx, t, symbols, conn, readyCh)

	select {
	case ready := <-readyCh:
		if ready {
			s.retries.Remove(orderbook.CombinedFuturesKey)
		}
		return ready
	case <-time.After(s.cfg.InitTimeout):
		s.retries.Enqueue(orderbook.CombinedFuturesKey, "init timeout exceeded")
		return false
	}
}

func (s *Subscriber) runCombined(ctx context.Context, t *task, symbols []string, conn Conn, readyCh chan bool) {
	defer close(t.done)
	defer conn.Close()

	stopPing := s.startKeepalive(ctx, conn)
	defer stopPing()

	initialized := make(map[string]bool, len(symbols))
	buffers := make(map[string][]orderbook.Diff, len(symbols))
	reported := make(map[string]bool, len(symbols))

	for i, sym := range symbols {
		key := orderbook.PairKey{Symbol: sym, Segment: orderbook.Futures}
		snap, err := s.fetcher.FetchFuturesDepth(ctx, sym, snapshotLimitFor(sym))
		if err != nil {
			s.log.Warn().Err(err).Str("symbol", sym).Msg("combined futures snapshot fetch failed")
			continue
		}
		if snap.LastUpdateID == 0 && len(snap.Bids) == 0 && len(snap.Asks) == 0 {
			// No instrument for this symbol; skip it entirely.
			reported[sym] = true
			continue
		}
		s.store.Initialize(key, snap)
		initialized[sym] = true

		if i < len(symbols)-1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
		}
	}

	readyCh <- true

	for {
		select {
		case <-ctx.Done():
			s.statuses.MarkDead(orderbook.CombinedFuturesKey)
			return
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.log.Info().Err(err).Msg("combined futures connection closed")
			s.statuses.MarkDead(orderbook.CombinedFuturesKey)
			for _, sym := range symbols {
				s.statuses.MarkDead(orderbook.PairKey{Symbol: sym, Segment: orderbook.Futures})
			}
			s.retries.Enqueue(orderbook.CombinedFuturesKey, "stream closed")
			s.bus.PublishError("stream.Subscriber", orderbook.CombinedFuturesKey, err)
			return
		}

		sym, diff, err := ParseCombinedEnvelope(raw)
		if err != nil {
			s.log.Warn().Err(err).Msg("malformed combined envelope, dropping")
			continue
		}

		if !initialized[sym] {
			buffers[sym] = append(buffers[sym], diff)
			continue
		}

		key := orderbook.PairKey{Symbol: sym, Segment: orderbook.Futures}
		pending := buffers[sym]
		if len(pending) > 0 {
			delete(buffers, sym)
			pending = append(pending, diff)
		} else {
			pending = []orderbook.Diff{diff}
		}

		symReported := reported[sym]
		for _, d := range pending {
			s.applyAndReportCombined(key, d, &symReported)
		}
		reported[sym] = symReported
	}
}

func (s *Subscriber) applyAndReportCombined(key orderbook.PairKey, diff orderbook.Diff, reported *bool) {
	result := s.store.ApplyDiff(key, diff)
	switch result {
	case orderbook.Applied:
		now := time.Now()
		if !*reported {
			s.statuses.MarkAlive(key, now)
			*reported = true
		} else {
			s.statuses.MarkUpdate(key, now)
		}
		s.statuses.MarkAlive(orderbook.CombinedFuturesKey, now)
		s.bus.PublishReplicaUpdated(key)
	case orderbook.Gap:
		s.log.Warn().Str("key", key.String()).Msg("gap detected in combined stream, marking for resync")
		s.store.MarkNeedsResync(key)
	case orderbook.Stale, orderbook.NotReady, orderbook.MissingReplica:
	}
}
