package middleware

import (
	"net/http"
	"sync"
	"time"

	"llmrelay/internal/monitoring"
	"llmrelay/internal/relayerr"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// limiterEntry pairs a token bucket with its last activity stamp so the
// sweeper can drop idle keys.
type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a process-local token-bucket guard applied ahead of the
// KV-backed sliding window. It protects the gateway itself from bursts; the
// ledger window enforces the tenant contract.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	rps     rate.Limit
	burst   int
}

// NewRateLimiter builds the limiter. rps <= 0 disables it.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = int(rps)
		if burst <= 0 {
			burst = 1
		}
	}
	rl := &RateLimiter{entries: map[string]*limiterEntry{}, rps: rate.Limit(rps), burst: burst}
	if rps > 0 {
		go rl.sweep()
	}
	return rl
}

func (rl *RateLimiter) get(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	e, ok := rl.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.entries[key] = e
		monitoring.RateLimitKeysGauge.Set(float64(len(rl.entries)))
	}
	e.lastSeen = time.Now()
	return e.limiter
}

func (rl *RateLimiter) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-10 * time.Minute)
		rl.mu.Lock()
		for k, e := range rl.entries {
			if e.lastSeen.Before(cutoff) {
				delete(rl.entries, k)
			}
		}
		monitoring.RateLimitKeysGauge.Set(float64(len(rl.entries)))
		rl.mu.Unlock()
	}
}

// Handler returns the gin middleware. Keys are limited individually; requests
// without a resolved key fall back to the client IP.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.rps <= 0 {
			c.Next()
			return
		}
		id := ""
		if k := KeyFromContext(c); k != nil {
			id = k.ID
		} else {
			id = c.ClientIP()
		}
		if !rl.get(id).Allow() {
			relayerr.Write(c, relayerr.New(http.StatusTooManyRequests, relayerr.TypeUsageLimitReached, "GATEWAY_RATE_LIMITED", "Too many requests"))
			return
		}
		c.Next()
	}
}
