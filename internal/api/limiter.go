package api

import (
	"math"
	"sync"
	"time"

	"syncbridge/internal/config"

	"golang.org/x/time/rate"
)

// limiterIdleTTL is how long an unused bucket survives.
const limiterIdleTTL = time.Hour

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// rateLimiter hands out one token bucket per client key.
type rateLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	cfg       config.APIRateLimitConfig
	lastPrune time.Time
	now       func() time.Time
}

func newRateLimiter(cfg config.APIRateLimitConfig) *rateLimiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	return &rateLimiter{
		buckets: make(map[string]*bucket),
		cfg:     cfg,
		now:     time.Now,
	}
}

// allow takes a token for key. When none is left it reports how long until one is.
func (l *rateLimiter) allow(key string) (bool, time.Duration) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastPrune) > limiterIdleTTL {
		l.pruneLocked(now)
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Limit(l.cfg.RPS), l.cfg.Burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now

	if b.lim.AllowN(now, 1) {
		return true, 0
	}
	return false, retryAfter(b.lim.Limit())
}

func (l *rateLimiter) pruneLocked(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > limiterIdleTTL {
			delete(l.buckets, key)
		}
	}
	l.lastPrune = now
}

func (l *rateLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// retryAfter is the refill time of one token, rounded up to whole seconds.
func retryAfter(limit rate.Limit) time.Duration {
	if limit <= 0 {
		return time.Second
	}
	secs := math.Ceil(1 / float64(limit))
	return time.Duration(secs) * time.Second
}
