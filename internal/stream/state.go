package stream

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/realHakeen/binance-liquidity-monitor/internal/orderbook"
)

// admissionWindow caps connection attempts to limit per 60s using a
// token-bucket limiter (mirrors the teacher's ratelimit.Limiter, which
// wraps rate.Limiter for the same per-window admission concern): burst
// equals the window's full allowance, refilled continuously at
// limit/60s so a sustained attempt rate above the threshold is
// rejected the same way a sliding window would reject it.
type admissionWindow struct {
	limiter *rate.Limiter
	limit   int
}

func newAdmissionWindow(limit int) *admissionWindow {
	return &admissionWindow{
		limiter: rate.NewLimiter(rate.Limit(float64(limit))/60, limit),
		limit:   limit,
	}
}

// TryAdmit records an attempt and reports whether it's under the
// 60s/limit threshold.
func (a *admissionWindow) TryAdmit() (allowed bool, recentCount int) {
	allowed = a.limiter.Allow()
	return allowed, a.recentFromTokens()
}

// Count reports the current recent-attempt count without recording a
// new attempt.
func (a *admissionWindow) Count() int {
	return a.recentFromTokens()
}

func (a *admissionWindow) recentFromTokens() int {
	recent := a.limit - int(a.limiter.Tokens())
	if recent < 0 {
		recent = 0
	}
	if recent > a.limit {
		recent = a.limit
	}
	return recent
}

// retryQueue tracks FailedEntry rows keyed by PairKey, guarded by a
// single mutex shared with stream tasks and the health supervisor.
type retryQueue struct {
	mu      sync.Mutex
	entries map[orderbook.PairKey]*FailedEntry
}

func newRetryQueue() *retryQueue {
	return &retryQueue{entries: make(map[orderbook.PairKey]*FailedEntry)}
}

func (q *retryQueue) Enqueue(key orderbook.PairKey, reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	if e, ok := q.entries[key]; ok {
		e.Reason = reason
		return
	}
	q.entries[key] = &FailedEntry{FirstFailedAt: now, LastRetryAt: now, Reason: reason}
}

func (q *retryQueue) Remove(key orderbook.PairKey) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, key)
}

func (q *retryQueue) Get(key orderbook.PairKey) (FailedEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[key]
	if !ok {
		return FailedEntry{}, false
	}
	return *e, true
}

// NextReady returns the oldest entry (by LastRetryAt) whose last retry
// was at least minAge ago, or false if none qualify. This implements
// the "oldest-ready-first, one per tick" selection spec §9 requires.
func (q *retryQueue) NextReady(minAge time.Duration) (orderbook.PairKey, FailedEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var bestKey orderbook.PairKey
	var best *FailedEntry
	for k, e := range q.entries {
		if now.Sub(e.LastRetryAt) < minAge {
			continue
		}
		if best == nil || e.LastRetryAt.Before(best.LastRetryAt) {
			kk, ee := k, e
			bestKey, best = kk, ee
		}
	}
	if best == nil {
		return orderbook.PairKey{}, FailedEntry{}, false
	}
	return bestKey, *best, true
}

// MarkRetried bumps retry count and LastRetryAt for key.
func (q *retryQueue) MarkRetried(key orderbook.PairKey) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[key]; ok {
		e.RetryCount++
		e.LastRetryAt = time.Now()
	}
}

func (q *retryQueue) List() map[orderbook.PairKey]FailedEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[orderbook.PairKey]FailedEntry, len(q.entries))
	for k, e := range q.entries {
		out[k] = *e
	}
	return out
}

func (q *retryQueue) sortedKeys() []orderbook.PairKey {
	q.mu.Lock()
	defer q.mu.Unlock()
	keys := make([]orderbook.PairKey, 0, len(q.entries))
	for k := range q.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// statusMap tracks SubscriptionStatus per key, guarded by a mutex shared
// across stream tasks and the supervisor.
type statusMap struct {
	mu       sync.Mutex
	statuses map[orderbook.PairKey]*SubscriptionStatus
}

func newStatusMap() *statusMap {
	return &statusMap{statuses: make(map[orderbook.PairKey]*SubscriptionStatus)}
}

func (m *statusMap) Set(key orderbook.PairKey, status SubscriptionStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := status
	m.statuses[key] = &s
}

func (m *statusMap) Get(key orderbook.PairKey) (SubscriptionStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.statuses[key]
	if !ok {
		return SubscriptionStatus{}, false
	}
	return *s, true
}

func (m *statusMap) MarkAlive(key orderbook.PairKey, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.statuses[key]; ok {
		s.IsAlive = true
		s.LastUpdateAt = at
	}
}

func (m *statusMap) MarkUpdate(key orderbook.PairKey, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.statuses[key]; ok {
		s.LastUpdateAt = at
	}
}

func (m *statusMap) MarkDead(key orderbook.PairKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.statuses[key]; ok {
		s.IsAlive = false
	}
}

func (m *statusMap) Delete(key orderbook.PairKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, key)
}

func (m *statusMap) Snapshot() map[orderbook.PairKey]SubscriptionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[orderbook.PairKey]SubscriptionStatus, len(m.statuses))
	for k, s := range m.statuses {
		out[k] = *s
	}
	return out
}

func (m *statusMap) KeysWithPrefix(segment orderbook.Segment) []orderbook.PairKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]orderbook.PairKey, 0)
	for k := range m.statuses {
		if k.Segment == segment {
			out = append(out, k)
		}
	}
	return out
}
