package stream

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/realHakeen/binance-liquidity-monitor/internal/orderbook"
)

const (
	spotStreamBase    = "wss://stream.binance.com:9443/ws/"
	futuresStreamBase = "wss://fstream.binance.com/ws/"
	futuresCombinedBase = "wss://fstream.binance.com/stream?streams="
)

// StreamName builds the `{symbol}@depth[@interval]` substream name per
// spec §4.3.3's bit-exact rules.
func StreamName(symbol string, interval UpdateInterval) string {
	lower := strings.ToLower(symbol)
	switch interval {
	case Interval1000ms:
		return lower + "@depth"
	case Interval100ms:
		return lower + "@depth@100ms"
	case Interval500ms:
		return lower + "@depth@500ms"
	default:
		log.Warn().Str("interval", string(interval)).Msg("unknown update interval, defaulting to @depth")
		return lower + "@depth"
	}
}

// SingleStreamURL builds the single-stream endpoint URL for one symbol.
func SingleStreamURL(symbol string, segment orderbook.Segment, interval UpdateInterval) string {
	base := spotStreamBase
	if segment == orderbook.Futures {
		base = futuresStreamBase
	}
	return base + StreamName(symbol, interval)
}

// CombinedStreamURL builds the combined futures stream endpoint carrying
// every symbol's substream, joined with "/" per the exchange's combined
// stream convention.
func CombinedStreamURL(symbols []string, interval UpdateInterval) string {
	names := make([]string, 0, len(symbols))
	for _, s := range symbols {
		names = append(names, StreamName(s, interval))
	}
	return futuresCombinedBase + strings.Join(names, "/")
}

// wireDiff mirrors the exchange's depth-diff payload (spec §3).
type wireDiff struct {
	FirstUpdateID    int64      `json:"U"`
	LastUpdateID     int64      `json:"u"`
	PrevLastUpdateID int64      `json:"pu"`
	Bids             [][]string `json:"b"`
	Asks             [][]string `json:"a"`
}

// combinedEnvelope wraps a diff for the combined futures stream (spec
// §4.3.2 step 5).
type combinedEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// ParseDiff decodes a single-stream diff payload.
func ParseDiff(raw []byte) (orderbook.Diff, error) {
	var w wireDiff
	if err := json.Unmarshal(raw, &w); err != nil {
		return orderbook.Diff{}, fmt.Errorf("decoding diff payload: %w", err)
	}
	return w.toDiff(), nil
}

// ParseCombinedEnvelope extracts the substream symbol and decodes the
// nested diff payload from a combined-stream message.
func ParseCombinedEnvelope(raw []byte) (symbol string, diff orderbook.Diff, err error) {
	var env combinedEnvelope
	if err = json.Unmarshal(raw, &env); err != nil {
		return "", orderbook.Diff{}, fmt.Errorf("decoding combined envelope: %w", err)
	}

	symbol = symbolFromStreamName(env.Stream)

	var w wireDiff
	if err = json.Unmarshal(env.Data, &w); err != nil {
		return "", orderbook.Diff{}, fmt.Errorf("decoding combined diff payload: %w", err)
	}
	return symbol, w.toDiff(), nil
}

func symbolFromStreamName(stream string) string {
	idx := strings.Index(stream, "@")
	if idx < 0 {
		return strings.ToUpper(stream)
	}
	return strings.ToUpper(stream[:idx])
}

func (w wireDiff) toDiff() orderbook.Diff {
	return orderbook.Diff{
		FirstUpdateID:    w.FirstUpdateID,
		LastUpdateID:     w.LastUpdateID,
		PrevLastUpdateID: w.PrevLastUpdateID,
		Bids:             toLevels(w.Bids),
		Asks:             toLevels(w.Asks),
	}
}

func toLevels(raw [][]string) []orderbook.PriceLevel {
	out := make([]orderbook.PriceLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) != 2 {
			continue
		}
		price, err := decimal.NewFromString(pair[0])
		if err != nil {
			continue
		}
		qty, err := decimal.NewFromString(pair[1])
		if err != nil {
			continue
		}
		out = append(out, orderbook.PriceLevel{Price: price, Quantity: qty})
	}
	return out
}
