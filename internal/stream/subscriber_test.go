package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realHakeen/binance-liquidity-monitor/internal/orderbook"
)

// fakeConn feeds a fixed sequence of ReadMessage payloads, then blocks
// until closed.
type fakeConn struct {
	mu       sync.Mutex
	messages [][]byte
	idx      int
	closed   chan struct{}
}

func newFakeConn(messages ...[]byte) *fakeConn {
	return &fakeConn{messages: messages, closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	c.mu.Lock()
	if c.idx < len(c.messages) {
		msg := c.messages[c.idx]
		c.idx++
		c.mu.Unlock()
		return 1, msg, nil
	}
	c.mu.Unlock()

	<-c.closed
	return 0, nil, errors.New("connection closed")
}

func (c *fakeConn) WriteMessage(int, []byte) error { return nil }

func (c *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }

func (c *fakeConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

type fakeFetcher struct {
	mu       sync.Mutex
	spot     map[string]orderbook.Snapshot
	futures  map[string]orderbook.Snapshot
	err      error
	delay    time.Duration // spot snapshots return only after this wait
}

func (f *fakeFetcher) FetchSpotDepth(_ context.Context, symbol string, _ int) (orderbook.Snapshot, error) {
	time.Sleep(f.delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return orderbook.Snapshot{}, f.err
	}
	return f.spot[symbol], nil
}

func (f *fakeFetcher) FetchFuturesDepth(_ context.Context, symbol string, _ int) (orderbook.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return orderbook.Snapshot{}, f.err
	}
	return f.futures[symbol], nil
}

type fakeStore struct {
	mu      sync.Mutex
	applied []orderbook.Diff
	results []orderbook.ApplyResult
	resynced map[orderbook.PairKey]bool
}

func newFakeStore(results ...orderbook.ApplyResult) *fakeStore {
	return &fakeStore{results: results, resynced: make(map[orderbook.PairKey]bool)}
}

func (s *fakeStore) Initialize(orderbook.PairKey, orderbook.Snapshot) {}

func (s *fakeStore) ApplyDiff(_ orderbook.PairKey, diff orderbook.Diff) orderbook.ApplyResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = append(s.applied, diff)
	if len(s.results) == 0 {
		return orderbook.Applied
	}
	r := s.results[0]
	s.results = s.results[1:]
	return r
}

func (s *fakeStore) MarkNeedsResync(key orderbook.PairKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resynced[key] = true
}

func (s *fakeStore) appliedDiffs() []orderbook.Diff {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]orderbook.Diff, len(s.applied))
	copy(out, s.applied)
	return out
}

type fakePublisher struct {
	mu       sync.Mutex
	updates  []orderbook.PairKey
	errors   int
}

func (p *fakePublisher) PublishReplicaUpdated(key orderbook.PairKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, key)
}

func (p *fakePublisher) PublishError(string, orderbook.PairKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errors++
}

func diffMsg(first, last, prev int64) []byte {
	payload := struct {
		U int64      `json:"U"`
		L int64      `json:"u"`
		P int64      `json:"pu"`
		B [][]string `json:"b"`
		A [][]string `json:"a"`
	}{
		U: first,
		L: last,
		P: prev,
		B: [][]string{{"100.00", "1.0"}},
		A: [][]string{{"101.00", "1.0"}},
	}
	raw, _ := json.Marshal(payload)
	return raw
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.InitTimeout = 2 * time.Second
	cfg.PingInterval = time.Hour
	return cfg
}

// TestSubscribeBuffersUntilSnapshotThenDrainsGapSafely covers spec
// scenario S6: two diffs race ahead of the snapshot; the snapshot
// reports lastUpdateId=55, so the first buffered diff (u=50) must be
// discarded and the second (u=60) applied.
func TestSubscribeBuffersUntilSnapshotThenDrainsGapSafely(t *testing.T) {
	key := orderbook.PairKey{Symbol: "BTCUSDT", Segment: orderbook.Spot}

	conn := newFakeConn(diffMsg(40, 50, 0), diffMsg(51, 60, 0))
	dial := func(context.Context, string) (Conn, error) { return conn, nil }

	fetcher := &fakeFetcher{
		spot: map[string]orderbook.Snapshot{
			"BTCUSDT": {LastUpdateID: 55},
		},
		delay: 200 * time.Millisecond,
	}
	store := newFakeStore(orderbook.Stale, orderbook.Applied)
	pub := &fakePublisher{}

	sub := New(testConfig(), dial, fetcher, store, pub, zerolog.Nop())

	alive := sub.Subscribe(context.Background(), key)
	require.True(t, alive)

	applied := store.appliedDiffs()
	require.Len(t, applied, 2)
	assert.Equal(t, int64(50), applied[0].LastUpdateID)
	assert.Equal(t, int64(60), applied[1].LastUpdateID)

	sub.Unsubscribe(key)
}

func TestSubscribeReturnsFalseWhenDialFails(t *testing.T) {
	key := orderbook.PairKey{Symbol: "ETHUSDT", Segment: orderbook.Spot}
	dial := func(context.Context, string) (Conn, error) { return nil, errors.New("refused") }

	fetcher := &fakeFetcher{spot: map[string]orderbook.Snapshot{}}
	store := newFakeStore()
	pub := &fakePublisher{}

	sub := New(testConfig(), dial, fetcher, store, pub, zerolog.Nop())
	alive := sub.Subscribe(context.Background(), key)

	assert.False(t, alive)
	failed := sub.FailedSubscriptions()
	assert.Contains(t, failed, key.String())
}

func TestSubscribeFuturesNoInstrumentReturnsTrueWithNoApply(t *testing.T) {
	key := orderbook.PairKey{Symbol: "NOPEUSDT", Segment: orderbook.Futures}
	conn := newFakeConn()
	dial := func(context.Context, string) (Conn, error) { return conn, nil }

	fetcher := &fakeFetcher{futures: map[string]orderbook.Snapshot{}}
	store := newFakeStore()
	pub := &fakePublisher{}

	sub := New(testConfig(), dial, fetcher, store, pub, zerolog.Nop())
	alive := sub.Subscribe(context.Background(), key)

	assert.True(t, alive)
	assert.Empty(t, store.appliedDiffs())
	sub.Unsubscribe(key)
}

func TestAdmissionControlRejectsOverLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnectionsPerMinute = 1

	dial := func(context.Context, string) (Conn, error) {
		return newFakeConn(), nil
	}
	fetcher := &fakeFetcher{spot: map[string]orderbook.Snapshot{"A": {LastUpdateID: 1}, "B": {LastUpdateID: 1}}}
	store := newFakeStore()
	pub := &fakePublisher{}

	sub := New(cfg, dial, fetcher, store, pub, zerolog.Nop())

	ok1 := sub.Subscribe(context.Background(), orderbook.PairKey{Symbol: "A", Segment: orderbook.Spot})
	ok2 := sub.Subscribe(context.Background(), orderbook.PairKey{Symbol: "B", Segment: orderbook.Spot})

	assert.True(t, ok1)
	assert.False(t, ok2)
	assert.Contains(t, sub.FailedSubscriptions(), orderbook.PairKey{Symbol: "B", Segment: orderbook.Spot}.String())
}

func TestStreamCloseAfterAliveEnqueuesRetry(t *testing.T) {
	key := orderbook.PairKey{Symbol: "BTCUSDT", Segment: orderbook.Spot}
	conn := newFakeConn()
	dial := func(context.Context, string) (Conn, error) { return conn, nil }

	fetcher := &fakeFetcher{spot: map[string]orderbook.Snapshot{"BTCUSDT": {LastUpdateID: 1}}}
	store := newFakeStore()
	pub := &fakePublisher{}

	sub := New(testConfig(), dial, fetcher, store, pub, zerolog.Nop())
	alive := sub.Subscribe(context.Background(), key)
	require.True(t, alive)

	conn.Close()

	require.Eventually(t, func() bool {
		_, ok := sub.FailedSubscriptions()[key.String()]
		return ok
	}, time.Second, 10*time.Millisecond)

	status, ok := sub.StatusesByKey()[key]
	require.True(t, ok)
	assert.False(t, status.IsAlive)
}

func TestUnsubscribeStopsTask(t *testing.T) {
	key := orderbook.PairKey{Symbol: "BTCUSDT", Segment: orderbook.Spot}
	conn := newFakeConn()
	dial := func(context.Context, string) (Conn, error) { return conn, nil }

	fetcher := &fakeFetcher{spot: map[string]orderbook.Snapshot{"BTCUSDT": {LastUpdateID: 1}}}
	store := newFakeStore()
	pub := &fakePublisher{}

	sub := New(testConfig(), dial, fetcher, store, pub, zerolog.Nop())
	sub.Subscribe(context.Background(), key)

	before := sub.OverallStatus().ActiveConnections
	sub.Unsubscribe(key)
	after := sub.OverallStatus().ActiveConnections

	assert.Equal(t, 1, before)
	assert.Equal(t, 0, after)
}
