// Package middleware carries the gin middleware chain: key auth, permission
// and limit gates, request ids, panic recovery, CORS, logging and metrics.
package middleware

import (
	"net/http"
	"strings"

	"llmrelay/internal/apikey"
	"llmrelay/internal/relayerr"
	"llmrelay/internal/store"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Context keys set by Auth.
const (
	ContextKeyAPIKey = "llmrelay.apikey"
	ContextKeyRawKey = "llmrelay.rawkey"
)

// KeyFromContext returns the authenticated key record.
func KeyFromContext(c *gin.Context) *apikey.Key {
	v, ok := c.Get(ContextKeyAPIKey)
	if !ok {
		return nil
	}
	k, _ := v.(*apikey.Key)
	return k
}

// RawKeyFromContext returns the bearer material as presented, used for the
// session hash.
func RawKeyFromContext(c *gin.Context) string {
	return c.GetString(ContextKeyRawKey)
}

// extractKey pulls the bearer from any of the accepted header forms.
func extractKey(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); auth != "" {
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		}
	}
	if k := c.GetHeader("x-api-key"); k != "" {
		return k
	}
	return c.GetHeader("x-goog-api-key")
}

// Auth resolves the presented key against the repo and stores the record on
// the context. Unknown and revoked keys get 401; client restrictions get 403.
func Auth(keys *apikey.Repo) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := extractKey(c)
		if raw == "" {
			relayerr.Write(c, relayerr.New(http.StatusUnauthorized, relayerr.TypeUnauthorized, "MISSING_API_KEY", "API key required"))
			return
		}
		k, err := keys.FindByRaw(c.Request.Context(), raw)
		if err != nil {
			if store.IsNotFound(err) || err == apikey.ErrKeyDisabled {
				relayerr.Write(c, relayerr.New(http.StatusUnauthorized, relayerr.TypeUnauthorized, "INVALID_API_KEY", "Invalid API key"))
				return
			}
			log.WithError(err).Error("api key lookup failed")
			relayerr.Write(c, relayerr.New(http.StatusInternalServerError, relayerr.TypeAPIError, "AUTH_LOOKUP_FAILED", "Internal error"))
			return
		}
		if !k.ClientAllowed(c.GetHeader("User-Agent")) {
			relayerr.Write(c, relayerr.New(http.StatusForbidden, relayerr.TypePermissionDenied, "CLIENT_NOT_ALLOWED", "This client is not allowed to use this key"))
			return
		}
		c.Set(ContextKeyAPIKey, k)
		c.Set(ContextKeyRawKey, raw)
		c.Next()
	}
}

// RequirePermission gates a route on the key's provider scope.
func RequirePermission(platform string) gin.HandlerFunc {
	return func(c *gin.Context) {
		k := KeyFromContext(c)
		if k == nil {
			relayerr.Write(c, relayerr.New(http.StatusUnauthorized, relayerr.TypeUnauthorized, "MISSING_API_KEY", "API key required"))
			return
		}
		if !k.HasPermission(platform) {
			relayerr.Write(c, relayerr.New(http.StatusForbidden, relayerr.TypePermissionDenied, "PERMISSION_DENIED", "This key cannot access "+platform))
			return
		}
		c.Next()
	}
}
