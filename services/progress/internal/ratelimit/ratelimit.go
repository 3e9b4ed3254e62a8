// Package ratelimit holds a per-caller token bucket for the heartbeat
// ingest path. Heartbeats arrive on a fixed client cadence, so anything far
// above that rate is a stuck player or abuse.
package ratelimit

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/example/learn-platform/internal/platform/api"
	"github.com/example/learn-platform/internal/platform/auth"
	"github.com/example/learn-platform/internal/platform/httpserver"
)

const maxBuckets = 100_000

type bucket struct {
	tokens float64
	last   time.Time
}

// Limiter is a token bucket map keyed by caller identity.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64
	burst   float64

	now func() time.Time
}

// New builds a limiter refilling rate tokens per second up to burst.
func New(rate float64, burst int) *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    rate,
		burst:   float64(burst),
		now:     func() time.Time { return time.Now() },
	}
}

// Allow consumes one token for key, reporting whether the request may
// proceed.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= maxBuckets {
			l.sweep(now)
		}
		b = &bucket{tokens: l.burst, last: now}
		l.buckets[key] = b
	}

	b.tokens += now.Sub(b.last).Seconds() * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.last = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// sweep drops buckets that have fully refilled; they carry no state a fresh
// bucket wouldn't. Caller holds the lock.
func (l *Limiter) sweep(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.last).Seconds()*l.rate >= l.burst {
			delete(l.buckets, key)
		}
	}
}

// Middleware enforces the limit per authenticated user, falling back to the
// client address for unauthenticated probes.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := auth.UserIDFromContext(r.Context())
		if !ok {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			key = "addr:" + host
		}
		if !l.Allow(key) {
			rid := httpserver.RequestIDFromContext(r.Context())
			api.RateLimited(w, "RATE_LIMITED", "Too many heartbeats", rid, nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
