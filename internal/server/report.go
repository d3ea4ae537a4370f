package server

import (
	"net/http"
	"strconv"
	"time"

	"llmrelay/internal/costrank"
	"llmrelay/internal/middleware"
	"llmrelay/internal/relayerr"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// handleUsage reports the calling key's total/daily/monthly aggregates.
func (s *Server) handleUsage(c *gin.Context) {
	key := middleware.KeyFromContext(c)
	snapshot, err := s.deps.Ledger.KeySnapshot(c.Request.Context(), key.ID)
	if err != nil {
		log.WithError(err).WithField("apikey", key.ID).Error("usage snapshot failed")
		relayerr.Write(c, relayerr.New(http.StatusInternalServerError, relayerr.TypeAPIError, "USAGE_READ_FAILED", "Failed to read usage"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": key.ID, "usage": snapshot})
}

// handleKeyInfo reports the key's own metadata plus the usage snapshot. The
// raw key material is never echoed.
func (s *Server) handleKeyInfo(c *gin.Context) {
	key := middleware.KeyFromContext(c)
	snapshot, err := s.deps.Ledger.KeySnapshot(c.Request.Context(), key.ID)
	if err != nil {
		log.WithError(err).WithField("apikey", key.ID).Error("usage snapshot failed")
		relayerr.Write(c, relayerr.New(http.StatusInternalServerError, relayerr.TypeAPIError, "USAGE_READ_FAILED", "Failed to read usage"))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":          key.ID,
		"name":        key.Name,
		"permissions": key.Permissions,
		"limits": gin.H{
			"tokenLimit":        key.TokenLimit,
			"rateLimitRequests": key.RateLimitRequests,
			"rateLimitWindow":   key.RateLimitWindow,
			"concurrencyLimit":  key.ConcurrencyLimit,
			"dailyCostLimit":    key.DailyCostLimit,
		},
		"createdAt": key.CreatedAt,
		"usage":     snapshot,
	})
}

// handleCostRank serves the cost leaderboard: a maintained window by name,
// or an on-demand custom range via start/end dates (YYYY-MM-DD).
func (s *Server) handleCostRank(c *gin.Context) {
	ctx := c.Request.Context()

	if start := c.Query("start"); start != "" {
		end := c.Query("end")
		from, err1 := time.Parse("2006-01-02", start)
		to, err2 := time.Parse("2006-01-02", end)
		if err1 != nil || err2 != nil || to.Before(from) {
			relayerr.Write(c, relayerr.New(http.StatusBadRequest, relayerr.TypeInvalidRequest, "INVALID_RANGE", "start/end must be YYYY-MM-DD with start <= end"))
			return
		}
		entries, err := s.deps.Rank.CustomRange(ctx, from, to)
		if err != nil {
			log.WithError(err).Error("custom cost range failed")
			relayerr.Write(c, relayerr.New(http.StatusInternalServerError, relayerr.TypeAPIError, "COST_RANK_FAILED", "Failed to compute cost range"))
			return
		}
		c.JSON(http.StatusOK, gin.H{"start": start, "end": end, "entries": entries})
		return
	}

	window := c.DefaultQuery("window", costrank.WindowToday)
	valid := false
	for _, w := range costrank.Windows {
		if w == window {
			valid = true
			break
		}
	}
	if !valid {
		relayerr.Write(c, relayerr.New(http.StatusBadRequest, relayerr.TypeInvalidRequest, "INVALID_WINDOW", "Unknown window "+window))
		return
	}

	limit := int64(100)
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := s.deps.Rank.Top(ctx, window, limit)
	if err != nil {
		log.WithError(err).WithField("window", window).Error("cost rank read failed")
		relayerr.Write(c, relayerr.New(http.StatusInternalServerError, relayerr.TypeAPIError, "COST_RANK_FAILED", "Failed to read cost rank"))
		return
	}
	meta, err := s.deps.Rank.ReadMeta(ctx, window)
	if err != nil {
		log.WithError(err).WithField("window", window).Warn("cost rank meta read failed")
	}
	c.JSON(http.StatusOK, gin.H{"window": window, "entries": entries, "meta": meta})
}
