// Package timeseries implements the TimeSeriesStore: an append-only,
// time-indexed record of core and advanced metrics per pair, backed by
// Redis sorted sets with pruning and TTL expiry, and a best-effort
// in-memory fallback when Redis is unavailable (mirrors the degrade
// pattern the exchange client uses for the exchange's own outages).
package timeseries

import "time"

// Class distinguishes the two metric record kinds the store carries.
type Class string

const (
	ClassCore     Class = "core"
	ClassAdvanced Class = "advanced"
)

// Key identifies one time series by trading pair and market segment.
// The metric class (core vs. advanced) is selected per-call by the
// Store methods, not carried on the key.
type Key struct {
	Symbol string
	Spot   bool
}

// Record is a generic time-stamped metrics row. Core and advanced
// records are both flattened into this shape for storage; callers
// restore canonical field names on read via the Fields map.
type Record struct {
	TimestampMs int64
	Fields      map[string]float64
}

// TimeRange is the [start, end] of a series' recorded timestamps.
type TimeRange struct {
	StartMs int64
	EndMs   int64
}

// KeyStats summarizes one series' size and span.
type KeyStats struct {
	CoreCount     int64
	AdvancedCount int64
	Range         TimeRange
}

// retentionWindow is how far back entries are pruned (spec §4.5: 30
// days).
const retentionWindow = 30 * 24 * time.Hour

// seriesTTL is how long an inactive series survives before expiring
// entirely (spec §4.5: 31 days).
const seriesTTL = 31 * 24 * time.Hour

// Store is the interface both the Redis-backed and in-memory
// implementations satisfy.
type Store interface {
	AppendCore(key Key, record Record) error
	AppendAdvanced(key Key, record Record) error
	RangeCore(key Key, startMs, endMs int64, limit int) ([]Record, error)
	RangeAdvanced(key Key, startMs, endMs int64, limit int) ([]Record, error)
	Recent(key Key, count int, includeAdvanced bool) (core []Record, advanced []Record, err error)
	Stats(key Key) (KeyStats, error)
	Close() error
}
