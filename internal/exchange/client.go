// Package exchange implements the REST half of the exchange protocol:
// depth snapshots, 24h ticker volumes, request-weight budgeting, and the
// ban/rate-limit fail-fast state machine described in spec §4.1.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/realHakeen/binance-liquidity-monitor/internal/orderbook"
)

const (
	spotBaseURL    = "https://api.binance.com"
	futuresBaseURL = "https://fapi.binance.com"

	weightWindow = time.Minute

	tickerWeight = 40

	// restPacerRate/restPacerBurst bound outbound call rate independent
	// of the server-reported weight budget, the same pacing concern the
	// teacher's ratelimit.Limiter covers ahead of a transport call.
	restPacerRate  = 10
	restPacerBurst = 10
)

// VolumeEntry is one row of the 24h ticker sweep.
type VolumeEntry struct {
	Symbol         string
	SpotVolume     decimal.Decimal
	FuturesVolume  decimal.Decimal
	PriceChangePct decimal.Decimal
}

// Client is the process-wide exchange REST client. Its ban flag,
// paused-until instant, and weight budget are shared state guarded by a
// single mutex; callers never replicate this bookkeeping themselves.
type Client struct {
	http *http.Client
	log  zerolog.Logger

	mu          sync.Mutex
	banned      bool
	pausedUntil time.Time
	weightUsed  int
	windowStart time.Time

	breaker *gobreaker.CircuitBreaker
	pacer   *rate.Limiter
}

// New creates an exchange client with a 15s HTTP timeout and a circuit
// breaker around transport calls, independent of the ban/pause flags.
func New(logger zerolog.Logger) *Client {
	settings := gobreaker.Settings{
		Name:        "exchange-rest",
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		MaxRequests: 3,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 10 && float64(counts.TotalFailures)/float64(counts.Requests) > 0.5
		},
	}

	return &Client{
		http:        &http.Client{Timeout: 15 * time.Second},
		log:         logger.With().Str("component", "exchange.Client").Logger(),
		windowStart: time.Now(),
		breaker:     gobreaker.NewCircuitBreaker(settings),
		pacer:       rate.NewLimiter(restPacerRate, restPacerBurst),
	}
}

// ResetBan clears the process-wide ban flag. This is the "explicit
// operator reset" spec §4.1 requires after an HTTP 418.
func (c *Client) ResetBan() {
	c.mu.Lock()
	c.banned = false
	c.mu.Unlock()
}

// ResetPause clears the rate-limit pause immediately, bypassing the
// server-provided Retry-After wait.
func (c *Client) ResetPause() {
	c.mu.Lock()
	c.pausedUntil = time.Time{}
	c.mu.Unlock()
}

// Banned reports whether the process-wide ban is active.
func (c *Client) Banned() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.banned
}

// PausedUntil returns the instant the current rate-limit pause elapses,
// the zero time if none is active.
func (c *Client) PausedUntil() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pausedUntil
}

// WeightUsed returns the request weight consumed in the current rolling
// minute window.
func (c *Client) WeightUsed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rolloverWindowLocked()
	return c.weightUsed
}

func (c *Client) rolloverWindowLocked() {
	if time.Since(c.windowStart) >= weightWindow {
		c.weightUsed = 0
		c.windowStart = time.Now()
	}
}

// preflight checks the ban/pause fail-fast conditions before making any
// network call.
func (c *Client) preflight() *Error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.banned {
		return bannedErr()
	}
	if !c.pausedUntil.IsZero() && time.Now().Before(c.pausedUntil) {
		return rateLimitedErr(fmt.Sprintf("paused until %s", c.pausedUntil.Format(time.RFC3339)))
	}
	return nil
}

func depthWeight(symbol string, limit int) int {
	if limit >= 500 {
		return 10
	}
	return 5
}

// FetchSpotDepth fetches a full-depth snapshot for symbol from the spot
// REST endpoint. limit is 100 or 500; 500-level requests cost more
// request weight (spec §4.1).
func (c *Client) FetchSpotDepth(ctx context.Context, symbol string, limit int) (orderbook.Snapshot, error) {
	return c.fetchDepth(ctx, spotBaseURL+"/api/v3/depth", symbol, limit)
}

// FetchFuturesDepth fetches a full-depth snapshot from the futures REST
// endpoint. Per spec §4.1, a symbol with no futures instrument returns a
// nil error and a zero-value snapshot with LastUpdateID == 0 — callers
// must check for that rather than treating it as an error.
func (c *Client) FetchFuturesDepth(ctx context.Context, symbol string, limit int) (orderbook.Snapshot, error) {
	snap, err := c.fetchDepth(ctx, futuresBaseURL+"/fapi/v1/depth", symbol, limit)
	if err != nil {
		if exchErr, ok := err.(*Error); ok && exchErr.HTTPStatus == http.StatusBadRequest {
			return orderbook.Snapshot{}, nil
		}
		return orderbook.Snapshot{}, err
	}
	return snap, nil
}

type depthResponse struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

func (c *Client) fetchDepth(ctx context.Context, endpoint, symbol string, limit int) (orderbook.Snapshot, error) {
	if pf := c.preflight(); pf != nil {
		return orderbook.Snapshot{}, pf
	}

	url := fmt.Sprintf("%s?symbol=%s&limit=%d", endpoint, symbol, limit)

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.doGet(ctx, url, depthWeight(symbol, limit))
	})
	if err != nil {
		if exchErr, ok := err.(*Error); ok {
			return orderbook.Snapshot{}, exchErr
		}
		return orderbook.Snapshot{}, transportErr("depth request failed", err)
	}

	body := result.([]byte)
	var parsed depthResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return orderbook.Snapshot{}, transportErr("decoding depth response", err)
	}

	return orderbook.Snapshot{
		LastUpdateID: parsed.LastUpdateID,
		Bids:         toLevels(parsed.Bids),
		Asks:         toLevels(parsed.Asks),
	}, nil
}

// FetchTop24hVolumes fetches 24h ticker stats for both segments and
// returns their union keyed by symbol.
func (c *Client) FetchTop24hVolumes(ctx context.Context) ([]VolumeEntry, error) {
	if pf := c.preflight(); pf != nil {
		return nil, pf
	}

	spotResult, err := c.breaker.Execute(func() (interface{}, error) {
		return c.doGet(ctx, spotBaseURL+"/api/v3/ticker/24hr", tickerWeight)
	})
	if err != nil {
		if exchErr, ok := err.(*Error); ok {
			return nil, exchErr
		}
		return nil, transportErr("spot ticker request failed", err)
	}

	futuresResult, err := c.breaker.Execute(func() (interface{}, error) {
		return c.doGet(ctx, futuresBaseURL+"/fapi/v1/ticker/24hr", tickerWeight)
	})
	if err != nil {
		if exchErr, ok := err.(*Error); ok {
			return nil, exchErr
		}
		return nil, transportErr("futures ticker request failed", err)
	}

	type tickerRow struct {
		Symbol             string `json:"symbol"`
		Volume             string `json:"volume"`
		PriceChangePercent string `json:"priceChangePercent"`
	}

	var spotRows, futuresRows []tickerRow
	if err := json.Unmarshal(spotResult.([]byte), &spotRows); err != nil {
		return nil, transportErr("decoding spot ticker response", err)
	}
	if err := json.Unmarshal(futuresResult.([]byte), &futuresRows); err != nil {
		return nil, transportErr("decoding futures ticker response", err)
	}

	bySymbol := make(map[string]*VolumeEntry, len(spotRows))
	for _, row := range spotRows {
		v, _ := decimal.NewFromString(row.Volume)
		p, _ := decimal.NewFromString(row.PriceChangePercent)
		bySymbol[row.Symbol] = &VolumeEntry{Symbol: row.Symbol, SpotVolume: v, PriceChangePct: p}
	}
	for _, row := range futuresRows {
		v, _ := decimal.NewFromString(row.Volume)
		entry, ok := bySymbol[row.Symbol]
		if !ok {
			p, _ := decimal.NewFromString(row.PriceChangePercent)
			entry = &VolumeEntry{Symbol: row.Symbol, PriceChangePct: p}
			bySymbol[row.Symbol] = entry
		}
		entry.FuturesVolume = v
	}

	out := make([]VolumeEntry, 0, len(bySymbol))
	for _, v := range bySymbol {
		out = append(out, *v)
	}
	return out, nil
}

// doGet performs the HTTP GET, applies the ban/pause side effects from
// response codes, updates the weight budget, and returns the raw body.
func (c *Client) doGet(ctx context.Context, url string, estimatedWeight int) ([]byte, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, transportErr("rate pacer wait", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, transportErr("building request", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportErr("http request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportErr("reading response body", err)
	}

	switch resp.StatusCode {
	case http.StatusTeapot: // 418: banned
		c.mu.Lock()
		c.banned = true
		c.mu.Unlock()
		c.log.Error().Str("url", url).Msg("exchange returned 418, process-wide ban set")
		return nil, bannedErr()
	case http.StatusTooManyRequests: // 429: rate limited
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		c.mu.Lock()
		c.pausedUntil = time.Now().Add(retryAfter)
		c.mu.Unlock()
		c.log.Warn().Str("url", url).Dur("retry_after", retryAfter).Msg("exchange returned 429, pausing REST calls")
		return nil, rateLimitedErr(fmt.Sprintf("429 received, retry after %s", retryAfter))
	}

	if resp.StatusCode >= 400 {
		return nil, httpStatusErr(resp.StatusCode)
	}

	c.recordWeight(resp.Header.Get("x-mbx-used-weight-1m"), estimatedWeight)
	return body, nil
}

func (c *Client) recordWeight(header string, estimated int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rolloverWindowLocked()

	if header != "" {
		if used, err := strconv.Atoi(header); err == nil {
			c.weightUsed = used
			return
		}
	}
	c.weightUsed += estimated
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 60 * time.Second
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 60 * time.Second
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
