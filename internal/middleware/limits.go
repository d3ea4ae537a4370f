package middleware

import (
	"net/http"
	"sync"

	"llmrelay/internal/relayerr"
	"llmrelay/internal/usage"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// concurrencyGate tracks in-flight requests per key id.
type concurrencyGate struct {
	mu       sync.Mutex
	inFlight map[string]int
}

func newConcurrencyGate() *concurrencyGate {
	return &concurrencyGate{inFlight: map[string]int{}}
}

func (g *concurrencyGate) acquire(keyID string, limit int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if limit > 0 && g.inFlight[keyID] >= limit {
		return false
	}
	g.inFlight[keyID]++
	return true
}

func (g *concurrencyGate) release(keyID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight[keyID] > 0 {
		g.inFlight[keyID]--
	}
	if g.inFlight[keyID] == 0 {
		delete(g.inFlight, keyID)
	}
}

// Limits enforces the per-key budget gates before dispatch: lifetime token
// limit, sliding-window request cap, daily cost limit and concurrency.
func Limits(ledger *usage.Ledger) gin.HandlerFunc {
	gate := newConcurrencyGate()
	return func(c *gin.Context) {
		k := KeyFromContext(c)
		if k == nil {
			c.Next()
			return
		}
		ctx := c.Request.Context()

		if k.TokenLimit > 0 {
			total, err := ledger.Tokens(ctx, usage.WindowTotal, k.ID)
			if err != nil {
				log.WithError(err).Warn("token limit lookup failed")
			} else if total >= k.TokenLimit {
				relayerr.Write(c, relayerr.New(http.StatusForbidden, relayerr.TypeUsageLimitReached, "TOKEN_LIMIT_EXCEEDED", "Lifetime token limit reached"))
				return
			}
		}

		if k.RateLimitRequests > 0 {
			n, err := ledger.WindowRequests(ctx, k.ID, k.RateLimitWindow)
			if err != nil {
				log.WithError(err).Warn("rate window lookup failed")
			} else if n >= int64(k.RateLimitRequests) {
				relayerr.Write(c, relayerr.New(http.StatusTooManyRequests, relayerr.TypeUsageLimitReached, "RATE_LIMIT_EXCEEDED", "Request rate limit exceeded"))
				return
			}
		}

		if k.DailyCostLimit > 0 {
			cost, err := ledger.DailyCost(ctx, k.ID)
			if err != nil {
				log.WithError(err).Warn("daily cost lookup failed")
			} else if cost >= k.DailyCostLimit {
				relayerr.Write(c, relayerr.New(http.StatusForbidden, relayerr.TypeUsageLimitReached, "DAILY_COST_LIMIT_EXCEEDED", "Daily cost limit reached"))
				return
			}
		}

		if !gate.acquire(k.ID, k.ConcurrencyLimit) {
			relayerr.Write(c, relayerr.New(http.StatusTooManyRequests, relayerr.TypeUsageLimitReached, "CONCURRENCY_LIMIT_EXCEEDED", "Too many concurrent requests"))
			return
		}
		defer gate.release(k.ID)
		c.Next()
	}
}
