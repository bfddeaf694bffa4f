package orderbook

import (
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// maxDeviationFromBest guards against corrupt ticks: an entry more than
// 50% away from the current best price on its side is dropped and logged.
// Normal volatility never approaches this.
var maxDeviationFromBest = decimal.NewFromFloat(0.50)

func initSide(levels []PriceLevel, ascending bool) []PriceLevel {
	out := dedupeSorted(levels, ascending)
	return out
}

// dedupeSorted sorts levels by price (ascending or descending) and drops
// non-positive-quantity or non-positive-price entries, matching the
// invariants a freshly-initialized replica must hold.
func dedupeSorted(levels []PriceLevel, ascending bool) []PriceLevel {
	byPrice := make(map[string]PriceLevel, len(levels))
	for _, lvl := range levels {
		if lvl.Price.Sign() <= 0 || lvl.Quantity.Sign() <= 0 {
			continue
		}
		byPrice[lvl.Price.String()] = lvl
	}
	out := make([]PriceLevel, 0, len(byPrice))
	for _, lvl := range byPrice {
		out = append(out, lvl)
	}
	sort.Slice(out, func(i, j int) bool {
		if ascending {
			return out[i].Price.LessThan(out[j].Price)
		}
		return out[i].Price.GreaterThan(out[j].Price)
	})
	return out
}

// applySide mutates one side in place per spec §4.2.3: sanity-filters
// entries, removes zero-quantity levels, upserts the rest in sorted
// order, then truncates to maxLevels.
func applySide(side []PriceLevel, entries []PriceLevel, ascending bool, maxLevels int, key PairKey, sideName string) []PriceLevel {
	var bestPrice decimal.Decimal
	hasBest := len(side) > 0
	if hasBest {
		bestPrice = side[0].Price
	}

	byPrice := make(map[string]PriceLevel, len(side))
	order := make([]string, 0, len(side))
	for _, lvl := range side {
		k := lvl.Price.String()
		byPrice[k] = lvl
		order = append(order, k)
	}

	for _, e := range entries {
		if !e.Price.IsPositive() {
			continue
		}
		if e.Quantity.IsNegative() {
			continue
		}
		if hasBest && !bestPrice.IsZero() {
			dev := e.Price.Sub(bestPrice).Abs().Div(bestPrice)
			if dev.GreaterThan(maxDeviationFromBest) {
				log.Warn().
					Str("pair", key.String()).
					Str("side", sideName).
					Str("price", e.Price.String()).
					Str("best", bestPrice.String()).
					Msg("dropping order book level far from best price")
				continue
			}
		}

		k := e.Price.String()
		if e.Quantity.IsZero() {
			if _, ok := byPrice[k]; ok {
				delete(byPrice, k)
			}
			continue
		}
		if _, ok := byPrice[k]; !ok {
			order = append(order, k)
		}
		byPrice[k] = e
	}

	out := make([]PriceLevel, 0, len(byPrice))
	for _, k := range order {
		if lvl, ok := byPrice[k]; ok {
			out = append(out, lvl)
			delete(byPrice, k)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if ascending {
			return out[i].Price.LessThan(out[j].Price)
		}
		return out[i].Price.GreaterThan(out[j].Price)
	})

	if len(out) > maxLevels {
		out = out[:maxLevels]
	}
	return out
}

// crossed reports whether the best bid is not strictly below the best
// ask, i.e. invariant 1 (§3) is violated.
func crossed(bids, asks []PriceLevel) bool {
	if len(bids) == 0 || len(asks) == 0 {
		return false
	}
	return !bids[0].Price.LessThan(asks[0].Price)
}
