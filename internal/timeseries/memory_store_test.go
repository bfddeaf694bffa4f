package timeseries

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndRangeCore(t *testing.T) {
	s := NewMemoryStore()
	key := Key{Symbol: "BTCUSDT", Spot: true}
	base := time.Now().UnixMilli()

	require.NoError(t, s.AppendCore(key, Record{TimestampMs: base + 100, Fields: map[string]float64{"mid": 1}}))
	require.NoError(t, s.AppendCore(key, Record{TimestampMs: base + 200, Fields: map[string]float64{"mid": 2}}))

	recs, err := s.RangeCore(key, 0, 0, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, base+100, recs[0].TimestampMs)
	assert.Equal(t, base+200, recs[1].TimestampMs)
}

func TestRecentReturnsTailInOrder(t *testing.T) {
	s := NewMemoryStore()
	key := Key{Symbol: "ETHUSDT", Spot: false}
	base := time.Now().UnixMilli()

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, s.AppendCore(key, Record{TimestampMs: base + i*1000}))
	}

	core, advanced, err := s.Recent(key, 3, false)
	require.NoError(t, err)
	assert.Nil(t, advanced)
	require.Len(t, core, 3)
	assert.Equal(t, base+3000, core[0].TimestampMs)
	assert.Equal(t, base+5000, core[2].TimestampMs)
}

func TestStatsReportsRangeAndCounts(t *testing.T) {
	s := NewMemoryStore()
	key := Key{Symbol: "BTCUSDT", Spot: true}
	base := time.Now().UnixMilli()

	require.NoError(t, s.AppendCore(key, Record{TimestampMs: base + 10}))
	require.NoError(t, s.AppendCore(key, Record{TimestampMs: base + 30}))
	require.NoError(t, s.AppendAdvanced(key, Record{TimestampMs: base + 30}))

	stats, err := s.Stats(key)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.CoreCount)
	assert.EqualValues(t, 1, stats.AdvancedCount)
	assert.Equal(t, base+10, stats.Range.StartMs)
	assert.Equal(t, base+30, stats.Range.EndMs)
}

func TestOldEntriesArePrunedOnAppend(t *testing.T) {
	s := NewMemoryStore()
	key := Key{Symbol: "BTCUSDT", Spot: true}

	old := time.Now().Add(-31 * 24 * time.Hour).UnixMilli()
	require.NoError(t, s.AppendCore(key, Record{TimestampMs: old}))
	require.NoError(t, s.AppendCore(key, Record{TimestampMs: time.Now().UnixMilli()}))

	recs, err := s.RangeCore(key, 0, 0, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
}
