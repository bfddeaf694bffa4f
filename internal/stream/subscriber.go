package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/realHakeen/binance-liquidity-monitor/internal/orderbook"
)

// SnapshotFetcher is the subset of the exchange client the subscriber
// needs to bootstrap a replica. Spot always returns a snapshot;
// futures may return (zero Snapshot, nil) when the instrument doesn't
// exist, per spec §4.1.
type SnapshotFetcher interface {
	FetchSpotDepth(ctx context.Context, symbol string, limit int) (orderbook.Snapshot, error)
	FetchFuturesDepth(ctx context.Context, symbol string, limit int) (orderbook.Snapshot, error)
}

// ReplicaStore is the subset of orderbook.Store the subscriber drives.
type ReplicaStore interface {
	Initialize(key orderbook.PairKey, snap orderbook.Snapshot)
	ApplyDiff(key orderbook.PairKey, diff orderbook.Diff) orderbook.ApplyResult
	MarkNeedsResync(key orderbook.PairKey)
}

// Publisher is the subset of eventbus.Bus the subscriber uses.
type Publisher interface {
	PublishReplicaUpdated(key orderbook.PairKey)
	PublishError(component string, key orderbook.PairKey, err error)
}

// snapshotLimitFor returns the REST depth limit for symbol: 500 levels
// for the two major pairs, 100 otherwise (spec §4.1), which in turn
// drives the request-weight cost ExchangeClient charges the call.
func snapshotLimitFor(symbol string) int {
	switch symbol {
	case "BTCUSDT", "ETHUSDT":
		return 500
	default:
		return 100
	}
}

// task owns one live connection (single-pair or combined) and the
// goroutines reading/writing it. Exactly one task exists per active
// key, enforced by Subscriber.tasks.
type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Subscriber implements the spec's StreamSubscriber: it opens
// WebSocket connections to depth-diff streams, reconciles the
// snapshot+diff buffer gap-safely, and exposes liveness for the
// health supervisor and status API.
type Subscriber struct {
	cfg     Config
	dial    Dialer
	fetcher SnapshotFetcher
	store   ReplicaStore
	bus     Publisher
	log     zerolog.Logger

	admission *admissionWindow
	retries   *retryQueue
	statuses  *statusMap

	mu    sync.Mutex
	tasks map[orderbook.PairKey]*task
}

// New builds a Subscriber. dial is typically WebsocketDialer (real
// transport); tests inject a fake.
func New(cfg Config, dial Dialer, fetcher SnapshotFetcher, store ReplicaStore, bus Publisher, logger zerolog.Logger) *Subscriber {
	return &Subscriber{
		cfg:       cfg,
		dial:      dial,
		fetcher:   fetcher,
		store:     store,
		bus:       bus,
		log:       logger.With().Str("component", "stream.Subscriber").Logger(),
		admission: newAdmissionWindow(cfg.MaxConnectionsPerMinute),
		retries:   newRetryQueue(),
		statuses:  newStatusMap(),
		tasks:     make(map[orderbook.PairKey]*task),
	}
}

// WebsocketDialer opens a real gorilla/websocket connection.
func WebsocketDialer(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Subscribe opens a single-pair depth stream for key, following the
// eight-step protocol: admission control, close-existing, dial,
// snapshot+drain on connection-open, message handling with ping/pong,
// first-Applied liveness flip, and a bounded init wait. It returns
// true once the connection and snapshot are established; the
// first-Applied liveness flip happens asynchronously afterward and is
// visible via SubscriptionStatuses.
func (s *Subscriber) Subscribe(ctx context.Context, key orderbook.PairKey) bool {
	allowed, recent := s.admission.TryAdmit()
	if !allowed {
		s.log.Warn().Str("key", key.String()).Int("recent", recent).Msg("admission control rejected subscribe attempt")
		s.retries.Enqueue(key, "admission control: connections-per-minute limit reached")
		return false
	}

	s.Unsubscribe(key)

	url := SingleStreamURL(key.Symbol, key.Segment, s.cfg.UpdateInterval)
	taskCtx, cancel := context.WithCancel(ctx)

	conn, err := s.dial(taskCtx, url)
	if err != nil {
		cancel()
		s.log.Warn().Err(err).Str("key", key.String()).Msg("dial failed")
		s.retries.Enqueue(key, fmt.Sprintf("dial failed: %v", err))
		return false
	}

	t := &task{cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.tasks[key] = t
	s.mu.Unlock()

	s.statuses.Set(key, SubscriptionStatus{IsAlive: false, SubscribedAt: time.Now()})

	aliveCh := make(chan bool, 1)
	go s.runSingle(taskCtx, t, key, conn, aliveCh)

	select {
	case alive := <-aliveCh:
		if alive {
			s.retries.Remove(key)
		} else {
			s.retries.Enqueue(key, "init failed: snapshot fetch failed or connection closed")
		}
		return alive
	case <-time.After(s.cfg.InitTimeout):
		s.retries.Enqueue(key, "init timeout exceeded")
		return false
	}
}

// runSingle drives one single-pair connection until it closes or its
// context is cancelled. It fetches the REST snapshot once the
// connection is open, buffers diffs that race ahead of it, drains the
// buffer gap-safely, then forwards subsequent diffs to the store.
func (s *Subscriber) runSingle(ctx context.Context, t *task, key orderbook.PairKey, conn Conn, aliveCh chan bool) {
	defer close(t.done)
	defer conn.Close()

	stopPing := s.startKeepalive(ctx, conn)
	defer stopPing()

	type wireMsg struct {
		raw []byte
		err error
	}
	msgs := make(chan wireMsg, 1)
	go func() {
		for {
			_, raw, err := conn.ReadMessage()
			msgs <- wireMsg{raw: raw, err: err}
			if err != nil {
				return
			}
		}
	}()

	type snapResult struct {
		snap orderbook.Snapshot
		err  error
	}
	snapCh := make(chan snapResult, 1)
	go func() {
		snap, err := s.fetchSnapshot(ctx, key)
		snapCh <- snapResult{snap: snap, err: err}
	}()

	var (
		buffer      []orderbook.Diff
		initialized bool
		reported    bool
	)

	for !initialized {
		select {
		case <-ctx.Done():
			aliveCh <- false
			return

		case res := <-snapCh:
			if res.err != nil {
				s.log.Warn().Err(res.err).Str("key", key.String()).Msg("snapshot fetch failed")
				aliveCh <- false
				return
			}
			if res.snap.LastUpdateID == 0 && len(res.snap.Bids) == 0 && len(res.snap.Asks) == 0 && key.Segment == orderbook.Futures {
				// No futures instrument for this symbol (spec §4.1).
				initialized = true
				continue
			}
			s.store.Initialize(key, res.snap)
			initialized = true
			for _, d := range buffer {
				s.applyAndReport(key, d, &reported)
			}
			buffer = nil

		case m := <-msgs:
			if m.err != nil {
				s.log.Info().Err(m.err).Str("key", key.String()).Msg("connection closed before snapshot arrived")
				aliveCh <- false
				return
			}
			diff, err := ParseDiff(m.raw)
			if err != nil {
				s.log.Warn().Err(err).Str("key", key.String()).Msg("malformed diff payload, dropping")
				continue
			}
			buffer = append(buffer, diff)
		}
	}

	// Connection+snapshot succeeded: the subscription is established
	// even though replica liveness (first-Applied) may still be
	// pending.
	aliveCh <- true

	for {
		select {
		case <-ctx.Done():
			s.statuses.MarkDead(key)
			return

		case m := <-msgs:
			if m.err != nil {
				s.log.Info().Err(m.err).Str("key", key.String()).Msg("connection closed")
				s.statuses.MarkDead(key)
				s.retries.Enqueue(key, "stream closed")
				s.bus.PublishError("stream.Subscriber", key, m.err)
				return
			}
			diff, err := ParseDiff(m.raw)
			if err != nil {
				s.log.Warn().Err(err).Str("key", key.String()).Msg("malformed diff payload, dropping")
				continue
			}
			s.applyAndReport(key, diff, &reported)
		}
	}
}

func (s *Subscriber) applyAndReport(key orderbook.PairKey, diff orderbook.Diff, reported *bool) {
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
		s.bus.PublishReplicaUpdated(key)
	case orderbook.Gap:
		s.log.Warn().Str("key", key.String()).Msg("gap detected, marking for resync")
		s.store.MarkNeedsResync(key)
	case orderbook.Stale, orderbook.NotReady, orderbook.MissingReplica:
		// Nothing to do; the next diff or a health-supervisor resync
		// will resolve it.
	}
}

func (s *Subscriber) fetchSnapshot(ctx context.Context, key orderbook.PairKey) (orderbook.Snapshot, error) {
	limit := snapshotLimitFor(key.Symbol)
	if key.Segment == orderbook.Futures {
		return s.fetcher.FetchFuturesDepth(ctx, key.Symbol, limit)
	}
	return s.fetcher.FetchSpotDepth(ctx, key.Symbol, limit)
}

// startKeepalive spawns a ticker that sends a client-initiated ping
// every PingInterval, per spec §4.3.1 step "keep-alive". It returns a
// stop function.
func (s *Subscriber) startKeepalive(ctx context.Context, conn Conn) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
		}
	}()
	return func() { close(stop) }
}

// Unsubscribe cancels and removes the task for key, if any, and waits
// for its goroutine to finish.
func (s *Subscriber) Unsubscribe(key orderbook.PairKey) {
	s.mu.Lock()
	t, ok := s.tasks[key]
	if ok {
		delete(s.tasks, key)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	t.cancel()
	<-t.done
	s.statuses.Delete(key)
}

// FailedSubscriptions returns the current retry-queue contents keyed
// by PairKey string.
func (s *Subscriber) FailedSubscriptions() map[string]FailedEntry {
	out := make(map[string]FailedEntry)
	for k, e := range s.retries.List() {
		out[k.String()] = e
	}
	return out
}

// SubscriptionStatuses returns a liveness summary per key for the
// status API (spec §4.3.5).
func (s *Subscriber) SubscriptionStatuses() []StatusSummary {
	now := time.Now()
	snap := s.statuses.Snapshot()
	out := make([]StatusSummary, 0, len(snap))
	for k, st := range snap {
		out = append(out, StatusSummary{
			Key:                    k.String(),
			IsAlive:                st.IsAlive,
			AgeSeconds:             now.Sub(st.LastUpdateAt).Seconds(),
			SubscriptionAgeSeconds: now.Sub(st.SubscribedAt).Seconds(),
		})
	}
	return out
}

// OverallStatus aggregates admission, retry-queue, and liveness state.
func (s *Subscriber) OverallStatus() OverallStatus {
	failed := s.retries.List()
	failedList := make([]string, 0, len(failed))
	for k := range failed {
		failedList = append(failedList, k.String())
	}

	s.mu.Lock()
	active := len(s.tasks)
	s.mu.Unlock()

	return OverallStatus{
		ActiveConnections: active,
		RecentAttempts:    s.admission.Count(),
		Limit:             s.cfg.MaxConnectionsPerMinute,
		FailedCount:       len(failed),
		FailedList:        failedList,
	}
}

// RetryReady returns the oldest retry-queue entry whose last attempt
// was at least minAge ago, for the health supervisor's retry-queue
// remediation (spec §4.6 step 1). It does not mark the entry retried;
// call MarkRetried once remediation has been attempted.
func (s *Subscriber) RetryReady(minAge time.Duration) (orderbook.PairKey, bool) {
	key, _, ok := s.retries.NextReady(minAge)
	return key, ok
}

// MarkRetried bumps the retry-queue bookkeeping for key after the
// health supervisor has attempted remediation.
func (s *Subscriber) MarkRetried(key orderbook.PairKey) {
	s.retries.MarkRetried(key)
}

// StatusesByKey exposes the typed liveness map for the health
// supervisor's never-alive and stall scans (spec §4.6 steps 2-3).
func (s *Subscriber) StatusesByKey() map[orderbook.PairKey]SubscriptionStatus {
	return s.statuses.Snapshot()
}
