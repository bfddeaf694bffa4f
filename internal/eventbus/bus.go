// Package eventbus is a small in-process publish/subscribe hub for the
// three event kinds the engine emits: replica updated, metrics computed,
// and error. Each subscriber gets its own bounded channel so a slow
// subscriber can never back-pressure the stream-reader task that
// publishes events (spec §9, "Event emission for replica updates").
package eventbus

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/realHakeen/binance-liquidity-monitor/internal/orderbook"
)

// Topic identifies one of the three event kinds the bus carries.
type Topic string

const (
	TopicReplicaUpdated  Topic = "replica_updated"
	TopicMetricsComputed Topic = "metrics_computed"
	TopicError           Topic = "error"
)

// ReplicaUpdated is published every time ApplyDiff returns Applied.
type ReplicaUpdated struct {
	Key orderbook.PairKey
}

// MetricsComputed is published after MetricsEngine finishes computing a
// record for a key.
type MetricsComputed struct {
	Key orderbook.PairKey
}

// ErrorEvent carries a component-tagged error for observability.
type ErrorEvent struct {
	Component string
	Key       orderbook.PairKey
	Err       error
}

// defaultBufferSize bounds each subscriber's queue. When full, the
// publisher drops the oldest queued event for that subscriber rather
// than blocking — "coalesce" semantics appropriate for state-change
// notifications where only the latest matters.
const defaultBufferSize = 64

// Bus is a typed, bounded publisher with per-subscriber channels.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Topic][]*subscription
	log         zerolog.Logger
}

type subscription struct {
	ch chan interface{}
}

// New creates an empty event bus.
func New(logger zerolog.Logger) *Bus {
	return &Bus{
		subscribers: make(map[Topic][]*subscription),
		log:         logger.With().Str("component", "eventbus.Bus").Logger(),
	}
}

// Subscribe returns a receive-only channel of events published to topic.
// The channel is never closed — callers stop reading when they're
// done; the bus does not track subscriber lifetimes beyond delivery.
func (b *Bus) Subscribe(topic Topic) <-chan interface{} {
	sub := &subscription{ch: make(chan interface{}, defaultBufferSize)}

	b.mu.Lock()
	b.subscribers[topic] = append(b.subscribers[topic], sub)
	b.mu.Unlock()

	return sub.ch
}

// Publish delivers event to every subscriber of topic. A full
// subscriber queue has its oldest entry dropped to make room — publish
// never blocks.
func (b *Bus) Publish(topic Topic, event interface{}) {
	b.mu.RLock()
	subs := b.subscribers[topic]
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- event:
		default:
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- event:
			default:
				b.log.Warn().Str("topic", string(topic)).Msg("subscriber queue still full after eviction, dropping event")
			}
		}
	}
}

// PublishReplicaUpdated is a typed convenience wrapper.
func (b *Bus) PublishReplicaUpdated(key orderbook.PairKey) {
	b.Publish(TopicReplicaUpdated, ReplicaUpdated{Key: key})
}

// PublishMetricsComputed is a typed convenience wrapper.
func (b *Bus) PublishMetricsComputed(key orderbook.PairKey) {
	b.Publish(TopicMetricsComputed, MetricsComputed{Key: key})
}

// PublishError is a typed convenience wrapper.
func (b *Bus) PublishError(component string, key orderbook.PairKey, err error) {
	b.Publish(TopicError, ErrorEvent{Component: component, Key: key, Err: err})
}
