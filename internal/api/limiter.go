package api

import (
	"sync"

	"inkslot/internal/config"

	"golang.org/x/time/rate"
)

const defaultBurst = 5

// rateLimiter keeps one token bucket per client key. A non-positive RPS disables it.
type rateLimiter struct {
	limiters sync.Map
	rps      rate.Limit
	burst    int
}

func newRateLimiter(cfg config.APIRateLimitConfig) *rateLimiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	return &rateLimiter{rps: rate.Limit(cfg.RPS), burst: burst}
}

func (l *rateLimiter) allow(key string) bool {
	if l == nil || l.rps <= 0 {
		return true
	}
	return l.limiter(key).Allow()
}

func (l *rateLimiter) limiter(key string) *rate.Limiter {
	if v, ok := l.limiters.Load(key); ok {
		if lim, ok := v.(*rate.Limiter); ok {
			return lim
		}
	}

	lim := rate.NewLimiter(l.rps, l.burst)
	if actual, loaded := l.limiters.LoadOrStore(key, lim); loaded {
		if actualLim, ok := actual.(*rate.Limiter); ok {
			return actualLim
		}
	}
	return lim
}
