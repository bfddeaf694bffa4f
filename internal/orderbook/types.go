// Package orderbook maintains per-pair local replicas of exchange order
// books and applies the REST-snapshot-plus-streaming-diff reconciliation
// protocol described for spot and linear-futures market segments.
package orderbook

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Segment is a market segment on the exchange. It determines the REST
// endpoint, the stream endpoint, and the diff-continuity rules applied
// to incoming updates.
type Segment int

const (
	Spot Segment = iota
	Futures
)

func (s Segment) String() string {
	switch s {
	case Spot:
		return "spot"
	case Futures:
		return "futures"
	default:
		return "unknown"
	}
}

// PairKey identifies one replicated order book.
type PairKey struct {
	Symbol  string
	Segment Segment
}

func (k PairKey) String() string {
	return k.Symbol + "@" + k.Segment.String()
}

// CombinedFuturesKey is the synthetic key used for the single combined
// futures stream connection and its retry-queue/status entries.
var CombinedFuturesKey = PairKey{Symbol: "combined", Segment: Futures}

// PriceLevel is one (price, quantity) entry on a side of the book. A
// quantity of zero means "remove this level" when applying a diff.
type PriceLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Snapshot is the full-depth REST response used to initialize a replica.
type Snapshot struct {
	LastUpdateID int64
	Bids         []PriceLevel
	Asks         []PriceLevel
}

// Diff is one streaming depth-delta event. PrevLastUpdateID (`pu`) is only
// meaningful for futures; it is the previous stream event's LastUpdateID.
type Diff struct {
	FirstUpdateID    int64 // U
	LastUpdateID     int64 // u
	PrevLastUpdateID int64 // pu, futures only
	Bids             []PriceLevel
	Asks             []PriceLevel
}

// ApplyResult is the outcome of attempting to apply a diff to a replica.
type ApplyResult int

const (
	Applied ApplyResult = iota
	Stale
	Gap
	MissingReplica
	NotReady
)

func (r ApplyResult) String() string {
	switch r {
	case Applied:
		return "applied"
	case Stale:
		return "stale"
	case Gap:
		return "gap"
	case MissingReplica:
		return "missing_replica"
	case NotReady:
		return "not_ready"
	default:
		return "unknown"
	}
}

// majorPairs get the wider 500-level cap and the tighter deviation ladder
// used throughout the metrics engine.
var majorPairs = map[string]bool{
	"BTCUSDT": true,
	"ETHUSDT": true,
}

// IsMajorPair reports whether symbol is one of the two major pairs that
// get elevated level caps and a tighter deviation ladder.
func IsMajorPair(symbol string) bool {
	return majorPairs[symbol]
}

func maxLevelsFor(symbol string) int {
	if IsMajorPair(symbol) {
		return 500
	}
	return 300
}

// Replica is one pair's local order book state. It is owned exclusively
// by the stream task handling its PairKey; the resync path takes
// exclusive ownership while it clears and re-initializes. Callers outside
// the owning task only ever see copies via Store.Get/Snapshot.
type Replica struct {
	Key PairKey

	mu sync.RWMutex

	bids []PriceLevel // strictly descending by price
	asks []PriceLevel // strictly ascending by price

	lastAppliedUpdateID int64
	firstEverUpdateReceived bool
	needsResync             bool
	lastAppliedAt           time.Time

	maxLevels int

	// futuresSoftFailures counts consecutive continuity failures
	// (pu != L) since the last successful apply or resync; only used for
	// Futures replicas.
	futuresSoftFailures int
}

// ReplicaView is a read-only, deep-copied snapshot of a Replica safe to
// hand to callers outside the owning stream task.
type ReplicaView struct {
	Key                     PairKey
	Bids                    []PriceLevel
	Asks                    []PriceLevel
	LastAppliedUpdateID     int64
	FirstEverUpdateReceived bool
	NeedsResync             bool
	LastAppliedAt           time.Time
	MaxLevels               int
}

func (r *Replica) view() ReplicaView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return ReplicaView{
		Key:                     r.Key,
		Bids:                    append([]PriceLevel(nil), r.bids...),
		Asks:                    append([]PriceLevel(nil), r.asks...),
		LastAppliedUpdateID:     r.lastAppliedUpdateID,
		FirstEverUpdateReceived: r.firstEverUpdateReceived,
		NeedsResync:             r.needsResync,
		LastAppliedAt:           r.lastAppliedAt,
		MaxLevels:               r.maxLevels,
	}
}

// BestBid returns the highest bid level, or false if the side is empty.
func (v ReplicaView) BestBid() (PriceLevel, bool) {
	if len(v.Bids) == 0 {
		return PriceLevel{}, false
	}
	return v.Bids[0], true
}

// BestAsk returns the lowest ask level, or false if the side is empty.
func (v ReplicaView) BestAsk() (PriceLevel, bool) {
	if len(v.Asks) == 0 {
		return PriceLevel{}, false
	}
	return v.Asks[0], true
}
