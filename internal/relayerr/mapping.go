package relayerr

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Envelope is the wire shape written to clients.
type Envelope struct {
	Error *Error `json:"error"`
}

// Write renders the error envelope as a JSON response and aborts the chain.
func Write(c *gin.Context, e *Error) {
	status := e.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	c.AbortWithStatusJSON(status, Envelope{Error: e})
}

// MapUpstream converts an upstream HTTP failure into a gateway error while
// preserving the upstream body where it is informative.
func MapUpstream(status int, body []byte) *Error {
	decoded := decodeBody(body)
	msg := extractMessage(decoded)

	var e *Error
	switch status {
	case http.StatusUnauthorized:
		e = New(status, TypeUnauthorized, "upstream_unauthorized", firstNonEmpty(msg, "Upstream rejected credentials"))
	case http.StatusPaymentRequired:
		e = New(status, TypeUnauthorized, "upstream_payment_required", firstNonEmpty(msg, "Upstream account requires payment"))
	case http.StatusForbidden:
		e = New(status, TypePermissionDenied, "upstream_forbidden", firstNonEmpty(msg, "Upstream permission denied"))
	case http.StatusTooManyRequests:
		e = New(status, TypeUsageLimitReached, "upstream_rate_limited", firstNonEmpty(msg, "Upstream rate limit exceeded"))
	case http.StatusGatewayTimeout:
		e = New(status, TypeAPIError, "upstream_timeout", firstNonEmpty(msg, "Upstream request timed out"))
	default:
		if status >= 400 && status < 500 {
			e = New(status, TypeInvalidRequest, "upstream_rejected", firstNonEmpty(msg, fmt.Sprintf("Upstream returned HTTP %d", status)))
		} else {
			e = New(status, TypeAPIError, "upstream_error", firstNonEmpty(msg, fmt.Sprintf("Upstream returned HTTP %d", status)))
		}
	}
	return e.WithUpstream(status, decoded)
}

func decodeBody(body []byte) map[string]any {
	if len(body) == 0 {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil
	}
	return obj
}

func extractMessage(decoded map[string]any) string {
	if decoded == nil {
		return ""
	}
	if errObj, ok := decoded["error"].(map[string]any); ok {
		if msg, ok := errObj["message"].(string); ok {
			return msg
		}
	}
	if msg, ok := decoded["message"].(string); ok {
		return msg
	}
	return ""
}

func firstNonEmpty(strs ...string) string {
	for _, s := range strs {
		if s != "" {
			return s
		}
	}
	return ""
}
