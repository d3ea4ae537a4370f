package logging

import (
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// WithReq builds a log entry carrying the request correlation fields:
// request_id, method, path and client_ip. Extras merge in and win on key
// conflicts. An unmatched route falls back to the raw URL path.
func WithReq(c *gin.Context, extras log.Fields) *log.Entry {
	if c == nil {
		return log.WithFields(extras)
	}
	path := c.FullPath()
	if path == "" && c.Request != nil && c.Request.URL != nil {
		path = c.Request.URL.Path
	}
	fields := log.Fields{
		"request_id": c.GetString("request_id"),
		"method":     c.Request.Method,
		"path":       path,
		"client_ip":  c.ClientIP(),
	}
	for k, v := range extras {
		fields[k] = v
	}
	return log.WithFields(fields)
}

// DurationMS renders a duration as integer milliseconds for log fields.
func DurationMS(d time.Duration) int64 { return d.Milliseconds() }

// ErrorKind buckets an upstream outcome for logs. A zero status with an
// error means the upstream was never reached.
func ErrorKind(status int, hasErr bool) string {
	if hasErr && status == 0 {
		return "network_error"
	}
	switch {
	case status == 429:
		return "upstream_429"
	case status == 401:
		return "upstream_401"
	case status == 402:
		return "upstream_402"
	case status >= 500 && status < 600:
		return "upstream_5xx"
	case status >= 400 && status < 500:
		return "upstream_4xx"
	}
	if hasErr {
		return "error"
	}
	return "ok"
}
