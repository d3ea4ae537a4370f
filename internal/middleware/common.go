package middleware

import (
	"net/http"
	"strconv"
	"time"

	"llmrelay/internal/logging"
	"llmrelay/internal/monitoring"
	"llmrelay/internal/relayerr"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// RequestIDHeader carries the correlation id in both directions.
const RequestIDHeader = "X-Request-Id"

// RequestID assigns or propagates the correlation id.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// Recovery converts panics into api_error envelopes instead of crashing the
// worker.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.WithFields(log.Fields{
					"panic":      r,
					"path":       c.Request.URL.Path,
					"request_id": c.GetString("request_id"),
				}).Error("handler panicked")
				if !c.Writer.Written() {
					relayerr.Write(c, relayerr.New(http.StatusInternalServerError, relayerr.TypeAPIError, "INTERNAL_ERROR", "Internal server error"))
				} else {
					c.Abort()
				}
			}
		}()
		c.Next()
	}
}

// CORS answers preflights and opens the relay endpoints to browser clients.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, x-api-key, x-goog-api-key, "+RequestIDHeader)
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// Logger emits one structured line per request.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		logging.WithReq(c, log.Fields{
			"status":      status,
			"duration_ms": logging.DurationMS(time.Since(start)),
			"outcome":     logging.ErrorKind(status, len(c.Errors) > 0),
		}).Info("request completed")
	}
}

// Metrics feeds the HTTP prometheus vectors.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		monitoring.HTTPInFlight.Inc()
		c.Next()
		monitoring.HTTPInFlight.Dec()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		statusClass := strconv.Itoa(c.Writer.Status()/100) + "xx"
		monitoring.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, statusClass).Inc()
		monitoring.HTTPRequestDuration.WithLabelValues(c.Request.Method, path, statusClass).Observe(time.Since(start).Seconds())
	}
}
