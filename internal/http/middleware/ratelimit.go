// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements a per-caller token bucket on golang.org/x/time/rate.
// Callers are keyed by actor (operator id or visitor id) and fall back to the
// client IP for anonymous visitors. Idempotent replays bypass the limiter.
// Idle buckets are evicted lazily so the map does not grow without bound.
package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	visitorTTL   = 10 * time.Minute
	cleanupEvery = 5000
)

// KeyFunc derives the bucket key for a request.
type KeyFunc func(*gin.Context) string

// KeyByActorOrIP keys identified callers by ActorID and anonymous visitors
// by client IP, so one noisy widget cannot starve another.
func KeyByActorOrIP() KeyFunc {
	return func(c *gin.Context) string {
		if a := ActorID(c); a != "visitor" {
			return a
		}
		return "ip:" + c.ClientIP()
	}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter holds one token bucket per key.
type RateLimiter struct {
	rps   rate.Limit
	burst int
	keyFn KeyFunc
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
	calls   uint64
}

// NewRateLimiter builds a limiter allowing rps sustained requests with the
// given burst per key. rps == 0 disables limiting.
func NewRateLimiter(rps float64, burst int, keyFn KeyFunc) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	if keyFn == nil {
		keyFn = KeyByActorOrIP()
	}
	return &RateLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		keyFn:   keyFn,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.calls++
	if rl.calls >= cleanupEvery {
		for k, b := range rl.buckets {
			if now.Sub(b.lastSeen) >= visitorTTL {
				delete(rl.buckets, k)
			}
		}
		rl.calls = 0
	}

	if b, ok := rl.buckets[key]; ok {
		b.lastSeen = now
		return b.limiter
	}
	lim := rate.NewLimiter(rl.rps, rl.burst)
	rl.buckets[key] = &bucket{limiter: lim, lastSeen: now}
	return lim
}

// IsRateBypass reports whether IdempotencyValidator exempted this request.
func IsRateBypass(c *gin.Context) bool { return c.GetBool(ctxKeyRateBypass) }

// Handler returns the gin middleware.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.rps == 0 || IsRateBypass(c) {
			c.Next()
			return
		}
		if rl.limiter(rl.keyFn(c)).Allow() {
			c.Next()
			return
		}
		c.Header("Retry-After", "1")
		abortJSON(c, http.StatusTooManyRequests, "too_many_requests", "rate limit exceeded")
	}
}
