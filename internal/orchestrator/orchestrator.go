// Package orchestrator owns the engine's boot sequence and lifecycle:
// wiring the EventBus to the MetricsEngine, subscribing every
// configured pair, starting the HealthSupervisor, and exposing the
// HTTP status surface, per spec §4.7.
package orchestrator

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/realHakeen/binance-liquidity-monitor/internal/config"
	"github.com/realHakeen/binance-liquidity-monitor/internal/eventbus"
	"github.com/realHakeen/binance-liquidity-monitor/internal/exchange"
	"github.com/realHakeen/binance-liquidity-monitor/internal/health"
	"github.com/realHakeen/binance-liquidity-monitor/internal/httpapi"
	"github.com/realHakeen/binance-liquidity-monitor/internal/metrics"
	"github.com/realHakeen/binance-liquidity-monitor/internal/orderbook"
	"github.com/realHakeen/binance-liquidity-monitor/internal/stream"
	"github.com/realHakeen/binance-liquidity-monitor/internal/timeseries"
)

const spotSubscribeSpacing = time.Second

// Orchestrator wires and owns every long-lived component.
type Orchestrator struct {
	cfg    config.Config
	log    zerolog.Logger
	client *exchange.Client
	store  *orderbook.Store
	bus    *eventbus.Bus
	sub    *stream.Subscriber
	engine *metrics.Engine
	health *health.Supervisor
	ts     timeseries.Store
	api    *httpapi.Server
	http   *http.Server
}

// New assembles every component from cfg without starting anything.
func New(cfg config.Config, logger zerolog.Logger) *Orchestrator {
	client := exchange.New(logger)
	store := orderbook.New(logger)
	bus := eventbus.New(logger)

	sub := stream.New(cfg.StreamConfig(), stream.WebsocketDialer, client, store, bus, logger)

	ts := connectTimeSeries(cfg, logger)

	engine := metrics.New(store, ts, bus, cfg.CoreCadence(), cfg.AdvancedCadence(), logger)

	sup := health.New(sub, store, client, cfg.Pairs, logger)

	api := httpapi.New(sub, sup, ts, store, logger)

	return &Orchestrator{
		cfg:    cfg,
		log:    logger.With().Str("component", "orchestrator.Orchestrator").Logger(),
		client: client,
		store:  store,
		bus:    bus,
		sub:    sub,
		engine: engine,
		health: sup,
		ts:     ts,
		api:    api,
		http:   &http.Server{Addr: cfg.HTTPAddr, Handler: api.Handler()},
	}
}

// connectTimeSeries tries Redis first, falling back to an in-memory
// store on failure (spec §4.7 step 1: "best-effort; failures are
// tolerated").
func connectTimeSeries(cfg config.Config, logger zerolog.Logger) timeseries.Store {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	redisStore, err := timeseries.NewRedisStore(ctx, cfg.RedisAddr, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("time-series store unavailable, falling back to in-memory")
		return timeseries.NewMemoryStore()
	}
	return redisStore
}

// Run executes the boot sequence and blocks until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	metricsStop := make(chan struct{})
	go o.engine.Run(metricsStop)
	defer close(metricsStop)

	for _, symbol := range o.cfg.Pairs {
		key := orderbook.PairKey{Symbol: symbol, Segment: orderbook.Spot}
		if ok := o.sub.Subscribe(ctx, key); !ok {
			o.log.Warn().Str("symbol", symbol).Msg("initial spot subscribe failed, queued for retry")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(spotSubscribeSpacing):
		}
	}

	if ok := o.sub.SubscribeFuturesCombined(ctx, o.cfg.Pairs); !ok {
		o.log.Warn().Msg("initial combined futures subscribe failed, queued for retry")
	}

	healthCtx, cancelHealth := context.WithCancel(ctx)
	defer cancelHealth()
	go o.health.Run(healthCtx)

	go o.refreshGaugesLoop(ctx)

	go func() {
		if err := o.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			o.log.Error().Err(err).Msg("http status server exited")
		}
	}()

	<-ctx.Done()
	return o.shutdown()
}

// refreshGaugesLoop keeps the Prometheus gauges in sync with the
// store and subscriber state until ctx is cancelled.
func (o *Orchestrator) refreshGaugesLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.api.RefreshGauges()
		}
	}
}

// shutdown stops every stream and closes the time-series store.
func (o *Orchestrator) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = o.http.Shutdown(shutdownCtx)

	for _, symbol := range o.cfg.Pairs {
		o.sub.Unsubscribe(orderbook.PairKey{Symbol: symbol, Segment: orderbook.Spot})
	}
	o.sub.Unsubscribe(orderbook.CombinedFuturesKey)

	return o.ts.Close()
}
