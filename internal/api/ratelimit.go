package api

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// RateLimiter keeps a token bucket per key. A bucket expires once it has
// gone unused for the idle TTL, so the key set does not grow without bound.
type RateLimiter struct {
	limiters *gocache.Cache
	rate     rate.Limit
	burst    int
}

// NewRateLimiter creates a limiter allowing requestsPerSecond with the given burst per key.
func NewRateLimiter(requestsPerSecond float64, burst int, idleTTL time.Duration) *RateLimiter {
	if burst <= 0 {
		burst = 5
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &RateLimiter{
		limiters: gocache.New(idleTTL, idleTTL),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
	}
}

// Allow reports whether a request for key may proceed now.
func (l *RateLimiter) Allow(key string) bool {
	return l.limiter(key).Allow()
}

func (l *RateLimiter) limiter(key string) *rate.Limiter {
	if v, found := l.limiters.Get(key); found {
		// Get does not extend the expiry; re-setting marks the bucket as used.
		l.limiters.Set(key, v, gocache.DefaultExpiration)
		return v.(*rate.Limiter)
	}

	limiter := rate.NewLimiter(l.rate, l.burst)
	if err := l.limiters.Add(key, limiter, gocache.DefaultExpiration); err != nil {
		// Another request created it first.
		if v, found := l.limiters.Get(key); found {
			return v.(*rate.Limiter)
		}
	}
	return limiter
}
