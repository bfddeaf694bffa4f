// Package httpapi exposes the engine's status and liquidity surface
// over HTTP: a Prometheus metrics endpoint, a subscription-status
// endpoint backed by StreamSubscriber, and a per-pair liquidity
// endpoint backed by TimeSeriesStore. Correctness of these endpoints
// is not part of the engine's core guarantees; they exist for
// operators and dashboards.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/realHakeen/binance-liquidity-monitor/internal/orderbook"
	"github.com/realHakeen/binance-liquidity-monitor/internal/stream"
	"github.com/realHakeen/binance-liquidity-monitor/internal/timeseries"
)

// StatusSource is the subset of stream.Subscriber the status endpoint
// reads.
type StatusSource interface {
	OverallStatus() stream.OverallStatus
	SubscriptionStatuses() []stream.StatusSummary
}

// ResyncSource reports keys currently mid-resync.
type ResyncSource interface {
	ResyncsInFlight() []string
}

// LiquiditySource is the subset of timeseries.Store the liquidity
// endpoint reads.
type LiquiditySource interface {
	Recent(key timeseries.Key, count int, includeAdvanced bool) ([]timeseries.Record, []timeseries.Record, error)
}

var (
	replicasAppliedTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "depthkeeper_replicas_applied_total",
		Help: "Cumulative count of successfully applied order-book diffs.",
	})
	replicasGapTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "depthkeeper_replicas_gap_total",
		Help: "Cumulative count of detected order-book gaps triggering resync.",
	})
	activeConnectionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "depthkeeper_active_connections",
		Help: "Currently active exchange stream connections.",
	})
)

func init() {
	prometheus.MustRegister(replicasAppliedTotal, replicasGapTotal, activeConnectionsGauge)
}

// StoreStats is the subset of orderbook.Store the metrics gauges read.
type StoreStats interface {
	Stats() orderbook.Stats
}

// Server is the thin HTTP status surface.
type Server struct {
	router    *mux.Router
	status    StatusSource
	resync    ResyncSource
	liquidity LiquiditySource
	storeStat StoreStats
	log       zerolog.Logger
}

// New wires the status, liquidity, and metrics routes.
func New(status StatusSource, resync ResyncSource, liquidity LiquiditySource, storeStat StoreStats, logger zerolog.Logger) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		status:    status,
		resync:    resync,
		liquidity: liquidity,
		storeStat: storeStat,
		log:       logger.With().Str("component", "httpapi.Server").Logger(),
	}

	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/liquidity/{segment}/{symbol}", s.handleLiquidity).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler())

	return s
}

// Handler returns the composed http.Handler for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// RefreshGauges updates the Prometheus gauges from the current store
// and subscriber state. Called periodically by the orchestrator.
func (s *Server) RefreshGauges() {
	overall := s.status.OverallStatus()
	activeConnectionsGauge.Set(float64(overall.ActiveConnections))

	stats := s.storeStat.Stats()
	replicasAppliedTotal.Set(float64(stats.Applied))
	replicasGapTotal.Set(float64(stats.Gaps))
}

// StoreStatsSnapshot returns a copy of the underlying store's
// cumulative counters. The /status response does not include them.
func (s *Server) StoreStatsSnapshot() orderbook.Stats {
	return s.storeStat.Stats()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	overall := s.status.OverallStatus()
	if s.resync != nil {
		overall.ResyncsInFlight = s.resync.ResyncsInFlight()
	}

	resp := struct {
		Overall stream.OverallStatus  `json:"overall"`
		Keys    []stream.StatusSummary `json:"keys"`
	}{
		Overall: overall,
		Keys:    s.status.SubscriptionStatuses(),
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLiquidity(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	segment := vars["segment"]
	symbol := vars["symbol"]

	count := 20
	if raw := r.URL.Query().Get("count"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			count = n
		}
	}
	includeAdvanced := r.URL.Query().Get("advanced") == "true"

	key := timeseries.Key{Symbol: symbol, Spot: segment == "spot"}
	core, advanced, err := s.liquidity.Recent(key, count, includeAdvanced)
	if err != nil {
		s.log.Warn().Err(err).Str("symbol", symbol).Msg("liquidity lookup failed")
		http.Error(w, "liquidity lookup failed", http.StatusInternalServerError)
		return
	}

	resp := struct {
		Core     []timeseries.Record `json:"core"`
		Advanced []timeseries.Record `json:"advanced,omitempty"`
	}{Core: core, Advanced: advanced}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
