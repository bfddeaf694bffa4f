package eventbus

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realHakeen/binance-liquidity-monitor/internal/orderbook"
)

func TestPublishSubscribeReplicaUpdated(t *testing.T) {
	b := New(zerolog.Nop())
	ch := b.Subscribe(TopicReplicaUpdated)
	key := orderbook.PairKey{Symbol: "BTCUSDT", Segment: orderbook.Spot}

	b.PublishReplicaUpdated(key)

	select {
	case evt := <-ch:
		ru, ok := evt.(ReplicaUpdated)
		require.True(t, ok)
		assert.Equal(t, key, ru.Key)
	default:
		t.Fatal("expected a queued event")
	}
}

func TestPublishNeverBlocksWhenSubscriberQueueFull(t *testing.T) {
	b := New(zerolog.Nop())
	ch := b.Subscribe(TopicReplicaUpdated)
	key := orderbook.PairKey{Symbol: "ETHUSDT", Segment: orderbook.Spot}

	for i := 0; i < defaultBufferSize*2; i++ {
		b.PublishReplicaUpdated(key)
	}

	assert.LessOrEqual(t, len(ch), defaultBufferSize)
}

func TestMultipleSubscribersEachGetEvents(t *testing.T) {
	b := New(zerolog.Nop())
	ch1 := b.Subscribe(TopicMetricsComputed)
	ch2 := b.Subscribe(TopicMetricsComputed)
	key := orderbook.PairKey{Symbol: "BTCUSDT", Segment: orderbook.Futures}

	b.PublishMetricsComputed(key)

	_, ok1 := (<-ch1).(MetricsComputed)
	_, ok2 := (<-ch2).(MetricsComputed)
	assert.True(t, ok1)
	assert.True(t, ok2)
}
