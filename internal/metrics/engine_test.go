package metrics

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realHakeen/binance-liquidity-monitor/internal/eventbus"
	"github.com/realHakeen/binance-liquidity-monitor/internal/orderbook"
	"github.com/realHakeen/binance-liquidity-monitor/internal/timeseries"
)

type fakeReader struct {
	views map[orderbook.PairKey]orderbook.ReplicaView
}

func (f *fakeReader) Get(key orderbook.PairKey) (orderbook.ReplicaView, bool) {
	v, ok := f.views[key]
	return v, ok
}

func TestEngineComputesAndPersistsOnReplicaUpdated(t *testing.T) {
	key := orderbook.PairKey{Symbol: "BTCUSDT", Segment: orderbook.Spot}
	reader := &fakeReader{views: map[orderbook.PairKey]orderbook.ReplicaView{
		key: {
			Key:           key,
			Bids:          []orderbook.PriceLevel{lvl(100, 10)},
			Asks:          []orderbook.PriceLevel{lvl(101, 10)},
			LastAppliedAt: time.Now(),
		},
	}}

	ts := timeseries.NewMemoryStore()
	bus := eventbus.New(zerolog.Nop())
	engine := New(reader, ts, bus, time.Millisecond, time.Millisecond, zerolog.Nop())

	stop := make(chan struct{})
	defer close(stop)
	go engine.Run(stop)

	computedCh := bus.Subscribe(eventbus.TopicMetricsComputed)
	bus.PublishReplicaUpdated(key)

	select {
	case <-computedCh:
	case <-time.After(time.Second):
		t.Fatal("expected metrics computed event")
	}

	require.Eventually(t, func() bool {
		stats, err := ts.Stats(timeseries.Key{Symbol: "BTCUSDT", Spot: true})
		return err == nil && stats.CoreCount > 0
	}, time.Second, 10*time.Millisecond)
}

func TestEngineSkipsZombieReplicas(t *testing.T) {
	key := orderbook.PairKey{Symbol: "ETHUSDT", Segment: orderbook.Spot}
	reader := &fakeReader{views: map[orderbook.PairKey]orderbook.ReplicaView{
		key: {
			Key:           key,
			Bids:          []orderbook.PriceLevel{lvl(100, 10)},
			Asks:          []orderbook.PriceLevel{lvl(101, 10)},
			LastAppliedAt: time.Now().Add(-200 * time.Second),
		},
	}}

	ts := timeseries.NewMemoryStore()
	bus := eventbus.New(zerolog.Nop())
	engine := New(reader, ts, bus, time.Millisecond, time.Millisecond, zerolog.Nop())

	stop := make(chan struct{})
	defer close(stop)
	go engine.Run(stop)

	bus.PublishReplicaUpdated(key)
	time.Sleep(200 * time.Millisecond)

	stats, err := ts.Stats(timeseries.Key{Symbol: "ETHUSDT", Spot: true})
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.CoreCount)
}

func TestEngineSkipsMissingReplica(t *testing.T) {
	reader := &fakeReader{views: map[orderbook.PairKey]orderbook.ReplicaView{}}
	ts := timeseries.NewMemoryStore()
	bus := eventbus.New(zerolog.Nop())
	engine := New(reader, ts, bus, time.Millisecond, time.Millisecond, zerolog.Nop())

	stop := make(chan struct{})
	defer close(stop)
	go engine.Run(stop)

	bus.PublishReplicaUpdated(orderbook.PairKey{Symbol: "NOPE", Segment: orderbook.Spot})
	time.Sleep(200 * time.Millisecond)
}
