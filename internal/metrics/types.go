// Package metrics implements the MetricsEngine: derives depth, spread,
// slippage, impact cost, imbalance, and a composite liquidity score
// from an order-book replica on every update, and throttles how often
// those records are persisted to the TimeSeriesStore.
package metrics

import "github.com/shopspring/decimal"

// notionals is the slippage ladder's USDT sizes, per spec §4.4 step 3.
var notionals = []int64{100_000, 300_000, 500_000, 1_000_000, 5_000_000}

// insufficientDepthSentinel is returned for a slippage walk that runs
// out of book before satisfying the requested notional.
const insufficientDepthSentinel = 999.0

// CoreRecord mirrors spec §3's MetricsRecord (core).
type CoreRecord struct {
	TimestampMs     int64
	SpreadPercent   float64
	TotalDepth      float64
	BidDepth        float64
	AskDepth        float64
	Slippage100k    float64
	Slippage1m      float64
	LiquidityScore  float64
	Imbalance       float64
	MidPrice        float64
	BestBid         float64
	BestAsk         float64
}

// AdvancedRecord mirrors spec §3's MetricsRecord (advanced).
type AdvancedRecord struct {
	TimestampMs        int64
	BidDepth           float64
	AskDepth           float64
	ImpactCostAvg      float64
	DepthDeviationBid  map[string]float64
	DepthDeviationAsk  map[string]float64
	BestBid            float64
	BestAsk            float64
	DeviationLabel     string
}

// slippageSide holds the buy/sell slippage at one notional.
type slippageSide struct {
	buy  float64
	sell float64
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
