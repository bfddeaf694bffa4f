package metrics

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/realHakeen/binance-liquidity-monitor/internal/eventbus"
	"github.com/realHakeen/binance-liquidity-monitor/internal/orderbook"
	"github.com/realHakeen/binance-liquidity-monitor/internal/timeseries"
)

const debounceWindow = 100 * time.Millisecond

// zombieAge mirrors orderbook's own zombie threshold: a replica this
// stale is never persisted (spec §4.4.1).
const zombieAge = 120 * time.Second

// ReplicaReader is the subset of orderbook.Store the engine reads.
type ReplicaReader interface {
	Get(key orderbook.PairKey) (orderbook.ReplicaView, bool)
}

// Engine subscribes to "replica updated" events, computes metrics per
// key with 100ms debounce/coalescing, and persists at a configured
// cadence.
type Engine struct {
	store  ReplicaReader
	ts     timeseries.Store
	bus    *eventbus.Bus
	events <-chan interface{}
	log    zerolog.Logger

	coreCadence     time.Duration
	advancedCadence time.Duration

	mu        sync.Mutex
	pending   map[orderbook.PairKey]*time.Timer
	lastCore  map[orderbook.PairKey]time.Time
	lastAdv   map[orderbook.PairKey]time.Time
}

// New builds a MetricsEngine and subscribes it to "replica updated"
// events, so events published from here on are delivered once Run is
// reading. coreCadence/advancedCadence default to 30s per spec §4.4.1
// when zero.
func New(store ReplicaReader, ts timeseries.Store, bus *eventbus.Bus, coreCadence, advancedCadence time.Duration, logger zerolog.Logger) *Engine {
	if coreCadence == 0 {
		coreCadence = 30 * time.Second
	}
	if advancedCadence == 0 {
		advancedCadence = 30 * time.Second
	}
	return &Engine{
		store:           store,
		ts:              ts,
		bus:             bus,
		events:          bus.Subscribe(eventbus.TopicReplicaUpdated),
		log:             logger.With().Str("component", "metrics.Engine").Logger(),
		coreCadence:     coreCadence,
		advancedCadence: advancedCadence,
		pending:         make(map[orderbook.PairKey]*time.Timer),
		lastCore:        make(map[orderbook.PairKey]time.Time),
		lastAdv:         make(map[orderbook.PairKey]time.Time),
	}
}

// Run consumes the subscription made in New and blocks until stop is
// closed.
func (e *Engine) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case evt := <-e.events:
			ru, ok := evt.(eventbus.ReplicaUpdated)
			if !ok {
				continue
			}
			e.schedule(ru.Key)
		}
	}
}

// schedule debounces computation per key: a burst of updates within
// 100ms collapses into a single compute call.
func (e *Engine) schedule(key orderbook.PairKey) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if t, ok := e.pending[key]; ok {
		t.Stop()
	}
	e.pending[key] = time.AfterFunc(debounceWindow, func() {
		e.mu.Lock()
		delete(e.pending, key)
		e.mu.Unlock()
		e.computeAndMaybePersist(key)
	})
}

func (e *Engine) computeAndMaybePersist(key orderbook.PairKey) {
	view, ok := e.store.Get(key)
	if !ok {
		return
	}

	nowMs := time.Now().UnixMilli()
	core, advanced, ok := Compute(view, nowMs)
	if !ok {
		return
	}

	e.bus.PublishMetricsComputed(key)

	if time.Since(view.LastAppliedAt) > zombieAge {
		return
	}

	e.mu.Lock()
	lastCore, coreDue := e.lastCore[key], false
	if time.Since(lastCore) >= e.coreCadence {
		e.lastCore[key] = time.Now()
		coreDue = true
	}
	lastAdv, advDue := e.lastAdv[key], false
	if time.Since(lastAdv) >= e.advancedCadence {
		e.lastAdv[key] = time.Now()
		advDue = true
	}
	e.mu.Unlock()

	tsKey := timeseries.Key{Symbol: key.Symbol, Spot: key.Segment == orderbook.Spot}

	if coreDue {
		go func() {
			if err := e.ts.AppendCore(tsKey, coreRecordToRow(core)); err != nil {
				e.log.Warn().Err(err).Str("key", key.String()).Msg("core time-series write failed")
			}
		}()
	}
	if advDue {
		go func() {
			if err := e.ts.AppendAdvanced(tsKey, advancedRecordToRow(advanced)); err != nil {
				e.log.Warn().Err(err).Str("key", key.String()).Msg("advanced time-series write failed")
			}
		}()
	}
}

func coreRecordToRow(r CoreRecord) timeseries.Record {
	return timeseries.Record{
		TimestampMs: r.TimestampMs,
		Fields: map[string]float64{
			"spreadPct":      r.SpreadPercent,
			"totalDepth":     r.TotalDepth,
			"bidDepth":       r.BidDepth,
			"askDepth":       r.AskDepth,
			"slippage100k":   r.Slippage100k,
			"slippage1m":     r.Slippage1m,
			"liquidityScore": r.LiquidityScore,
			"imbalance":      r.Imbalance,
			"midPrice":       r.MidPrice,
			"bestBid":        r.BestBid,
			"bestAsk":        r.BestAsk,
		},
	}
}

func advancedRecordToRow(r AdvancedRecord) timeseries.Record {
	fields := map[string]float64{
		"bidDepth":      r.BidDepth,
		"askDepth":      r.AskDepth,
		"impactCostAvg": r.ImpactCostAvg,
		"bestBid":       r.BestBid,
		"bestAsk":       r.BestAsk,
	}
	for label, v := range r.DepthDeviationBid {
		fields["devBid:"+label] = v
	}
	for label, v := range r.DepthDeviationAsk {
		fields["devAsk:"+label] = v
	}
	return timeseries.Record{TimestampMs: r.TimestampMs, Fields: fields}
}
