// Package ratelimit provides the per-(user, broker) admission gate in front
// of every adapter call. Limits come from the broker metadata table; on
// exhaustion callers get a RateLimitError with a retry-after duration rather
// than being silently queued.
package ratelimit

import (
	"sync"
	"time"

	"github.com/chendrizzy/discord-trade-exec-sub003/internal/broker"
	"golang.org/x/time/rate"
)

// Limit describes one broker's request budget.
type Limit struct {
	Count    int
	WindowMs int
}

// perSecond converts the windowed budget to a refill rate.
func (l Limit) perSecond() rate.Limit {
	if l.Count <= 0 || l.WindowMs <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(l.Count) / (float64(l.WindowMs) / 1000.0))
}

// Gate dispenses per-(user, broker) token buckets. Bucket state is shared by
// all calls for a given pair and mutated atomically inside rate.Limiter; the
// map itself is guarded separately so bucket creation cannot race.
type Gate struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limits  map[string]Limit
}

// NewGate creates a Gate with the given per-broker limits.
func NewGate(limits map[string]Limit) *Gate {
	return &Gate{
		buckets: make(map[string]*rate.Limiter),
		limits:  limits,
	}
}

func (g *Gate) bucket(userID, brokerKey string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := userID + "|" + brokerKey
	if b, ok := g.buckets[key]; ok {
		return b
	}

	limit, ok := g.limits[brokerKey]
	if !ok {
		limit = Limit{Count: 60, WindowMs: 60_000} // conservative default
	}
	burst := limit.Count
	if burst < 1 {
		burst = 1
	}
	b := rate.NewLimiter(limit.perSecond(), burst)
	g.buckets[key] = b
	return b
}

// Allow consumes one request slot for the pair. On exhaustion it returns a
// RateLimitError carrying the duration until the next slot frees up.
func (g *Gate) Allow(userID, brokerKey string) error {
	b := g.bucket(userID, brokerKey)

	// Reserve instead of Allow so the rejection can carry retry-after.
	r := b.Reserve()
	if !r.OK() {
		return &broker.RateLimitError{BrokerKey: brokerKey, RetryAfter: time.Second}
	}
	delay := r.Delay()
	if delay > 0 {
		// Not admissible right now. Hand the token back and tell the
		// caller when to come back; never queue silently.
		r.Cancel()
		return &broker.RateLimitError{BrokerKey: brokerKey, RetryAfter: delay}
	}
	return nil
}
