package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realHakeen/binance-liquidity-monitor/internal/orderbook"
	"github.com/realHakeen/binance-liquidity-monitor/internal/stream"
)

type fakeSub struct {
	mu             sync.Mutex
	statuses       map[orderbook.PairKey]stream.SubscriptionStatus
	retryQueue     []orderbook.PairKey
	subscribed     []orderbook.PairKey
	unsubscribed   []orderbook.PairKey
	combinedCalled bool
}

func (f *fakeSub) Subscribe(_ context.Context, key orderbook.PairKey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, key)
	return true
}

func (f *fakeSub) SubscribeFuturesCombined(context.Context, []string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.combinedCalled = true
	return true
}

func (f *fakeSub) Unsubscribe(key orderbook.PairKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, key)
}

func (f *fakeSub) RetryReady(time.Duration) (orderbook.PairKey, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.retryQueue) == 0 {
		return orderbook.PairKey{}, false
	}
	k := f.retryQueue[0]
	return k, true
}

func (f *fakeSub) MarkRetried(key orderbook.PairKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.retryQueue) > 0 && f.retryQueue[0] == key {
		f.retryQueue = f.retryQueue[1:]
	}
}

func (f *fakeSub) StatusesByKey() map[orderbook.PairKey]stream.SubscriptionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[orderbook.PairKey]stream.SubscriptionStatus, len(f.statuses))
	for k, v := range f.statuses {
		out[k] = v
	}
	return out
}

type fakeReplicaStore struct {
	mu          sync.Mutex
	keys        []orderbook.PairKey
	needsResync map[orderbook.PairKey]bool
	cleared     []orderbook.PairKey
	initialized []orderbook.PairKey
	resyncs     int
}

func (f *fakeReplicaStore) Keys() []orderbook.PairKey { return f.keys }

func (f *fakeReplicaStore) NeedsResync(key orderbook.PairKey) bool {
	return f.needsResync[key]
}

func (f *fakeReplicaStore) Clear(key orderbook.PairKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, key)
}

func (f *fakeReplicaStore) Initialize(key orderbook.PairKey, _ orderbook.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initialized = append(f.initialized, key)
	delete(f.needsResync, key)
}

func (f *fakeReplicaStore) RecordResync() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resyncs++
}

type fakeFetcher struct{}

func (fakeFetcher) FetchSpotDepth(context.Context, string, int) (orderbook.Snapshot, error) {
	return orderbook.Snapshot{LastUpdateID: 1}, nil
}

func (fakeFetcher) FetchFuturesDepth(context.Context, string, int) (orderbook.Snapshot, error) {
	return orderbook.Snapshot{LastUpdateID: 1}, nil
}

func TestRemediateRetryQueueSubscribesOrdinaryKey(t *testing.T) {
	key := orderbook.PairKey{Symbol: "BTCUSDT", Segment: orderbook.Spot}
	sub := &fakeSub{retryQueue: []orderbook.PairKey{key}}
	store := &fakeReplicaStore{needsResync: map[orderbook.PairKey]bool{}}

	sup := New(sub, store, fakeFetcher{}, nil, zerolog.Nop())
	sup.remediateRetryQueue(context.Background())

	assert.Empty(t, sub.retryQueue)
	assert.Contains(t, sub.subscribed, key)
}

func TestRemediateRetryQueueUsesCombinedSubscribeForSyntheticKey(t *testing.T) {
	sub := &fakeSub{retryQueue: []orderbook.PairKey{orderbook.CombinedFuturesKey}}
	store := &fakeReplicaStore{needsResync: map[orderbook.PairKey]bool{}}

	sup := New(sub, store, fakeFetcher{}, []string{"BTCUSDT"}, zerolog.Nop())
	sup.remediateRetryQueue(context.Background())

	assert.True(t, sub.combinedCalled)
}

func TestRemediateNeverAliveResubscribesAfterSixtySeconds(t *testing.T) {
	key := orderbook.PairKey{Symbol: "BTCUSDT", Segment: orderbook.Spot}
	sub := &fakeSub{statuses: map[orderbook.PairKey]stream.SubscriptionStatus{
		key: {IsAlive: false, SubscribedAt: time.Now().Add(-90 * time.Second)},
	}}
	store := &fakeReplicaStore{needsResync: map[orderbook.PairKey]bool{}}

	sup := New(sub, store, fakeFetcher{}, nil, zerolog.Nop())
	sup.remediateNeverAlive(context.Background())

	assert.Contains(t, sub.unsubscribed, key)
	assert.Contains(t, sub.subscribed, key)
}

func TestRemediateStalledResubscribesAfterSixtySecondsSilent(t *testing.T) {
	key := orderbook.PairKey{Symbol: "ETHUSDT", Segment: orderbook.Spot}
	sub := &fakeSub{statuses: map[orderbook.PairKey]stream.SubscriptionStatus{
		key: {IsAlive: true, LastUpdateAt: time.Now().Add(-90 * time.Second)},
	}}
	store := &fakeReplicaStore{needsResync: map[orderbook.PairKey]bool{}}

	sup := New(sub, store, fakeFetcher{}, nil, zerolog.Nop())
	sup.remediateStalled(context.Background())

	assert.Contains(t, sub.unsubscribed, key)
	assert.Contains(t, sub.subscribed, key)
}

func TestRemediateNeverAliveSkipsIndividualFuturesSymbols(t *testing.T) {
	futuresKey := orderbook.PairKey{Symbol: "BTCUSDT", Segment: orderbook.Futures}
	sub := &fakeSub{statuses: map[orderbook.PairKey]stream.SubscriptionStatus{
		futuresKey: {IsAlive: false, SubscribedAt: time.Now().Add(-90 * time.Second)},
	}}
	store := &fakeReplicaStore{needsResync: map[orderbook.PairKey]bool{}}

	sup := New(sub, store, fakeFetcher{}, []string{"BTCUSDT"}, zerolog.Nop())
	sup.remediateNeverAlive(context.Background())

	assert.NotContains(t, sub.unsubscribed, futuresKey)
	assert.False(t, sub.combinedCalled)
}

func TestRemediateStalledResubscribesCombinedKeyAsAWhole(t *testing.T) {
	sub := &fakeSub{statuses: map[orderbook.PairKey]stream.SubscriptionStatus{
		orderbook.CombinedFuturesKey: {IsAlive: true, LastUpdateAt: time.Now().Add(-90 * time.Second)},
	}}
	store := &fakeReplicaStore{needsResync: map[orderbook.PairKey]bool{}}

	sup := New(sub, store, fakeFetcher{}, []string{"BTCUSDT", "ETHUSDT"}, zerolog.Nop())
	sup.remediateStalled(context.Background())

	assert.Contains(t, sub.unsubscribed, orderbook.CombinedFuturesKey)
	assert.True(t, sub.combinedCalled)
}

func TestRemediateResyncClearsAndReinitializes(t *testing.T) {
	key := orderbook.PairKey{Symbol: "BTCUSDT", Segment: orderbook.Spot}
	sub := &fakeSub{}
	store := &fakeReplicaStore{
		keys:        []orderbook.PairKey{key},
		needsResync: map[orderbook.PairKey]bool{key: true},
	}

	sup := New(sub, store, fakeFetcher{}, nil, zerolog.Nop())
	sup.remediateResync(context.Background())

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.initialized) == 1 && store.resyncs == 1
	}, time.Second, 10*time.Millisecond)
}
