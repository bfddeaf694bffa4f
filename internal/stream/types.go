// Package stream implements the StreamSubscriber: connecting to the
// exchange's depth-diff WebSocket streams (single-pair and combined
// futures), buffering diffs until a REST snapshot lands, draining that
// buffer gap-safely, and reporting subscription liveness.
package stream

import (
	"context"
	"time"
)

// Conn abstracts the transport so tests can substitute a fake. It mirrors
// the subset of *websocket.Conn this package needs.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Dialer opens a new Conn to url. The production dialer wraps
// gorilla/websocket; tests inject a fake.
type Dialer func(ctx context.Context, url string) (Conn, error)

// UpdateInterval selects the stream-name suffix per spec §4.3.3.
type UpdateInterval string

const (
	Interval1000ms UpdateInterval = "1000ms"
	Interval100ms  UpdateInterval = "100ms"
	Interval500ms  UpdateInterval = "500ms" // futures only
)

// Config holds the subscriber's tunables, matching spec §6's
// configuration surface.
type Config struct {
	UpdateInterval          UpdateInterval
	ReconnectDelay          time.Duration
	PingInterval            time.Duration
	MaxConnectionsPerMinute int
	InitTimeout             time.Duration
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		UpdateInterval:          Interval1000ms,
		ReconnectDelay:          5 * time.Second,
		PingInterval:            30 * time.Second,
		MaxConnectionsPerMinute: 50,
		InitTimeout:             30 * time.Second,
	}
}

// FailedEntry is a retry-queue row, keyed by PairKey (or the synthetic
// combined-futures key).
type FailedEntry struct {
	RetryCount   int
	FirstFailedAt time.Time
	LastRetryAt   time.Time
	Reason        string
}

// SubscriptionStatus is the liveness record for one key.
type SubscriptionStatus struct {
	IsAlive      bool
	LastUpdateAt time.Time
	SubscribedAt time.Time
}

// StatusSummary is one row of the public status surface (spec §4.3.5).
type StatusSummary struct {
	Key                     string
	IsAlive                 bool
	AgeSeconds              float64
	SubscriptionAgeSeconds  float64
}

// OverallStatus is the aggregate status surface (spec §4.3.5).
type OverallStatus struct {
	ActiveConnections int
	RecentAttempts    int
	Limit             int
	FailedCount       int
	FailedList        []string
	ResyncsInFlight   []string
}
