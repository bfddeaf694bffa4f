package metrics

import (
	"github.com/shopspring/decimal"

	"github.com/realHakeen/binance-liquidity-monitor/internal/orderbook"
)

var (
	depthWindowFactor = decimal.NewFromFloat(0.001)

	majorDeviations    = []float64{0.0003, 0.0005, 0.0010}
	nonMajorDeviations = []float64{0.0030, 0.0050, 0.0100}
)

// Compute derives a (core, advanced) record pair from a replica view,
// following spec §4.4 step 3's formulas. nowMs is the record's
// timestamp.
func Compute(view orderbook.ReplicaView, nowMs int64) (CoreRecord, AdvancedRecord, bool) {
	bestBid, okBid := view.BestBid()
	bestAsk, okAsk := view.BestAsk()
	if !okBid || !okAsk {
		return CoreRecord{}, AdvancedRecord{}, false
	}

	bidPrice := mustFloat(bestBid.Price)
	askPrice := mustFloat(bestAsk.Price)
	mid := (bidPrice + askPrice) / 2
	spreadPercent := (askPrice - bidPrice) / bidPrice * 100

	bidDepth := depthWithin(view.Bids, bestBid.Price, depthWindowFactor, true)
	askDepth := depthWithin(view.Asks, bestAsk.Price, depthWindowFactor, false)

	slippages := make(map[int64]slippageSide, len(notionals))
	for _, n := range notionals {
		slippages[n] = slippageSide{
			buy:  slippageWalk(view.Asks, bestAsk.Price, n, false),
			sell: slippageWalk(view.Bids, bestBid.Price, n, true),
		}
	}

	impactCost := (slippages[100_000].buy + absFloat(slippages[100_000].sell)) / 2 / 100

	var imbalance float64
	if total := bidDepth + askDepth; total != 0 {
		imbalance = (bidDepth - askDepth) / total
	}

	liquidityScore := liquidityScoreFrom(bidDepth+askDepth, spreadPercent)

	deviations := nonMajorDeviations
	label := "1.00%"
	if orderbook.IsMajorPair(view.Key.Symbol) {
		deviations = majorDeviations
		label = "0.10%"
	}
	bidDev := make(map[string]float64, len(deviations))
	askDev := make(map[string]float64, len(deviations))
	for _, d := range deviations {
		key := deviationLabel(d)
		bidDev[key] = depthAtDeviation(view.Bids, mid, d, true)
		askDev[key] = depthAtDeviation(view.Asks, mid, d, false)
	}

	core := CoreRecord{
		TimestampMs:    nowMs,
		SpreadPercent:  spreadPercent,
		TotalDepth:     bidDepth + askDepth,
		BidDepth:       bidDepth,
		AskDepth:       askDepth,
		Slippage100k:   slippages[100_000].buy,
		Slippage1m:     slippages[1_000_000].buy,
		LiquidityScore: liquidityScore,
		Imbalance:      imbalance,
		MidPrice:       mid,
		BestBid:        bidPrice,
		BestAsk:        askPrice,
	}

	advanced := AdvancedRecord{
		TimestampMs:       nowMs,
		BidDepth:          bidDepth,
		AskDepth:          askDepth,
		ImpactCostAvg:     impactCost,
		DepthDeviationBid: bidDev,
		DepthDeviationAsk: askDev,
		BestBid:           bidPrice,
		BestAsk:           askPrice,
		DeviationLabel:    label,
	}

	return core, advanced, true
}

// depthWithin sums price×qty for levels within factor of best (e.g.
// 0.1% window: bids ≥ best×(1−factor), asks ≤ best×(1+factor)).
func depthWithin(levels []orderbook.PriceLevel, best decimal.Decimal, factor decimal.Decimal, isBid bool) float64 {
	var bound decimal.Decimal
	if isBid {
		bound = best.Mul(decimal.NewFromInt(1).Sub(factor))
	} else {
		bound = best.Mul(decimal.NewFromInt(1).Add(factor))
	}

	total := decimal.Zero
	for _, lvl := range levels {
		if isBid && lvl.Price.LessThan(bound) {
			break
		}
		if !isBid && lvl.Price.GreaterThan(bound) {
			break
		}
		total = total.Add(lvl.Price.Mul(lvl.Quantity))
	}
	return mustFloat(total)
}

// depthAtDeviation sums price×qty for levels between best and
// mid×(1∓d), per spec §4.4 step 3's deviation-depth ladder.
func depthAtDeviation(levels []orderbook.PriceLevel, mid float64, d float64, isBid bool) float64 {
	var bound float64
	if isBid {
		bound = mid * (1 - d)
	} else {
		bound = mid * (1 + d)
	}

	total := decimal.Zero
	for _, lvl := range levels {
		price := mustFloat(lvl.Price)
		if isBid && price < bound {
			break
		}
		if !isBid && price > bound {
			break
		}
		total = total.Add(lvl.Price.Mul(lvl.Quantity))
	}
	return mustFloat(total)
}

// slippageWalk consumes quoted value on one side until notional USDT
// is met, returning the sentinel when the book runs out first.
// sellSide walks bids (descending); buySide walks asks (ascending).
func slippageWalk(levels []orderbook.PriceLevel, best decimal.Decimal, notional int64, sellSide bool) float64 {
	remaining := decimal.NewFromInt(notional)
	weighted := decimal.Zero
	filled := decimal.Zero

	for _, lvl := range levels {
		value := lvl.Price.Mul(lvl.Quantity)
		if value.GreaterThanOrEqual(remaining) {
			qtyNeeded := remaining.Div(lvl.Price)
			weighted = weighted.Add(lvl.Price.Mul(qtyNeeded))
			filled = filled.Add(qtyNeeded)
			remaining = decimal.Zero
			break
		}
		weighted = weighted.Add(value)
		filled = filled.Add(lvl.Quantity)
		remaining = remaining.Sub(value)
	}

	if remaining.GreaterThan(decimal.Zero) || filled.IsZero() {
		return insufficientDepthSentinel
	}

	avgPrice := weighted.Div(filled)
	bestF := mustFloat(best)
	avgF := mustFloat(avgPrice)

	pct := (avgF - bestF) / bestF * 100
	if sellSide {
		return -pct
	}
	return pct
}

// liquidityScoreFrom implements spec §4.4 step 3's composite formula.
func liquidityScoreFrom(totalDepth float64, spreadPercent float64) float64 {
	depthTerm := 70 * minFloat(totalDepth/1_000_000, 1)
	spreadTerm := 30 * maxFloat(0, 1-spreadPercent/0.05)
	score := roundFloat(depthTerm + spreadTerm)
	return minFloat(score, 100)
}

func deviationLabel(d float64) string {
	switch d {
	case 0.0003:
		return "0.03%"
	case 0.0005:
		return "0.05%"
	case 0.0010:
		return "0.10%"
	case 0.0030:
		return "0.30%"
	case 0.0050:
		return "0.50%"
	case 0.0100:
		return "1.00%"
	default:
		return "unknown"
	}
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func roundFloat(v float64) float64 {
	if v < 0 {
		return float64(int64(v - 0.5))
	}
	return float64(int64(v + 0.5))
}
