package stream

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamNameIntervals(t *testing.T) {
	assert.Equal(t, "btcusdt@depth", StreamName("BTCUSDT", Interval1000ms))
	assert.Equal(t, "btcusdt@depth@100ms", StreamName("BTCUSDT", Interval100ms))
	assert.Equal(t, "btcusdt@depth@500ms", StreamName("BTCUSDT", Interval500ms))
}

func TestCombinedStreamURLJoinsNames(t *testing.T) {
	url := CombinedStreamURL([]string{"BTCUSDT", "ETHUSDT"}, Interval500ms)
	assert.Equal(t, futuresCombinedBase+"btcusdt@depth@500ms/ethusdt@depth@500ms", url)
}

func TestParseDiffDecodesLevels(t *testing.T) {
	raw := []byte(`{"U":10,"u":20,"pu":9,"b":[["100.5","2.0"]],"a":[["101.0","1.5"]]}`)
	diff, err := ParseDiff(raw)
	require.NoError(t, err)
	assert.Equal(t, int64(10), diff.FirstUpdateID)
	assert.Equal(t, int64(20), diff.LastUpdateID)
	assert.Equal(t, int64(9), diff.PrevLastUpdateID)
	require.Len(t, diff.Bids, 1)
	assert.True(t, diff.Bids[0].Price.Equal(decimal.NewFromFloat(100.5)))
}

func TestParseCombinedEnvelopeExtractsSymbol(t *testing.T) {
	raw := []byte(`{"stream":"btcusdt@depth@500ms","data":{"U":1,"u":2,"pu":0,"b":[],"a":[]}}`)
	symbol, diff, err := ParseCombinedEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", symbol)
	assert.Equal(t, int64(2), diff.LastUpdateID)
}
