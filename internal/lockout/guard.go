package lockout

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Guard is a coarse token-bucket limiter keyed by client address or device,
// independent of the per-identity counters.
type Guard struct {
	limit rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithGuardClock overrides the time source.
func WithGuardClock(now func() time.Time) GuardOption {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// WithIdleTTL sets how long an unused bucket is kept.
func WithIdleTTL(d time.Duration) GuardOption {
	return func(g *Guard) {
		if d > 0 {
			g.idle = d
		}
	}
}

// NewGuard allows burst requests per key, refilled at perSecond.
func NewGuard(perSecond float64, burst int, opts ...GuardOption) *Guard {
	if burst <= 0 {
		burst = 1
	}
	g := &Guard{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		idle:    5 * time.Minute,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Allow consumes one token for key. When the bucket is empty it returns
// false and the time until a token is available.
func (g *Guard) Allow(key string) (bool, time.Duration) {
	if key == "" {
		key = "unknown"
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if now.Sub(g.lastSweep) > time.Minute {
		g.sweepLocked(now)
	}
	b, ok := g.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(g.limit, g.burst)}
		g.buckets[key] = b
	}
	b.seen = now

	r := b.lim.ReserveN(now, 1)
	if !r.OK() {
		return false, g.idle
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		if d < time.Second {
			d = time.Second
		}
		return false, d
	}
	return true, 0
}

// Len reports the number of tracked keys.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.buckets)
}

func (g *Guard) sweepLocked(now time.Time) {
	for k, b := range g.buckets {
		if now.Sub(b.seen) > g.idle {
			delete(g.buckets, k)
		}
	}
	g.lastSweep = now
}
