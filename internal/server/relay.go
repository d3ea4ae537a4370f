package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"llmrelay/internal/apikey"
	"llmrelay/internal/dialect"
	"llmrelay/internal/middleware"
	"llmrelay/internal/relayerr"
	"llmrelay/internal/scheduler"
	"llmrelay/internal/usage"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const contextKeyV1InternalAction = "llmrelay.v1internal.action"

// maxBodyBytes bounds inbound request bodies. LLM prompts are large but
// bounded; 10 MiB covers every dialect.
const maxBodyBytes = 10 << 20

// readBody drains the request body with the size cap applied. Writes the
// error envelope itself on failure.
func readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil {
		relayerr.Write(c, relayerr.New(http.StatusBadRequest, relayerr.TypeInvalidRequest, "BODY_READ_FAILED", "Failed to read request body"))
		return nil, false
	}
	if len(body) > maxBodyBytes {
		relayerr.Write(c, relayerr.New(http.StatusRequestEntityTooLarge, relayerr.TypeInvalidRequest, "BODY_TOO_LARGE", "Request body too large"))
		return nil, false
	}
	return body, true
}

// sessionHash derives the sticky-session key for this request.
func (s *Server) sessionHash(c *gin.Context) string {
	return scheduler.SessionHash(
		c.GetHeader("User-Agent"),
		c.ClientIP(),
		middleware.RawKeyFromContext(c),
	)
}

// selectAccount runs the scheduler and translates its failures into the
// client error surface.
func (s *Server) selectAccount(c *gin.Context, key *apikey.Key, platform string, opts scheduler.Options) (*scheduler.Selection, bool) {
	sel, err := s.deps.Scheduler.Select(c.Request.Context(), key, platform, opts)
	if err == nil {
		return sel, true
	}
	return s.writeSelectError(c, platform, err)
}

// selectWithFallback tries the primary platform pool and falls through to a
// sibling family when the primary has no eligible account. Binding errors do
// not fall through; a pinned session must not silently hop families.
func (s *Server) selectWithFallback(c *gin.Context, key *apikey.Key, primary, fallback string, opts scheduler.Options) (*scheduler.Selection, bool) {
	sel, err := s.deps.Scheduler.Select(c.Request.Context(), key, primary, opts)
	if err == nil {
		return sel, true
	}
	if errors.Is(err, scheduler.ErrNoAvailableAccount) {
		if _, ok := s.deps.Repos[fallback]; ok {
			fbOpts := opts
			fbOpts.OriginalSessionID = ""
			fbOpts.AllowAPIAccounts = true
			if sel, fbErr := s.deps.Scheduler.Select(c.Request.Context(), key, fallback, fbOpts); fbErr == nil {
				return sel, true
			}
		}
	}
	return s.writeSelectError(c, primary, err)
}

// writeSelectError maps a scheduler failure onto the client surface.
func (s *Server) writeSelectError(c *gin.Context, platform string, err error) (*scheduler.Selection, bool) {
	var bindErr *scheduler.SessionBindingError
	switch {
	case errors.As(err, &bindErr):
		relayerr.Write(c, relayerr.New(http.StatusForbidden, relayerr.TypePermissionDenied, "SESSION_BINDING_INVALID", bindErr.Message))
	case errors.Is(err, scheduler.ErrNoAvailableAccount):
		relayerr.Write(c, relayerr.New(http.StatusServiceUnavailable, relayerr.TypeServiceUnavailable, "NO_AVAILABLE_ACCOUNT", "No available account for this request"))
	default:
		log.WithError(err).WithField("platform", platform).Error("account selection failed")
		relayerr.Write(c, relayerr.New(http.StatusInternalServerError, relayerr.TypeAPIError, "SCHEDULER_ERROR", "Account selection failed"))
	}
	return nil, false
}

// heartbeatInterval reads the configured SSE keepalive gap.
func (s *Server) heartbeatInterval() time.Duration {
	return time.Duration(s.deps.Cfg.Current().HeartbeatIntervalSec) * time.Second
}

// reportUsage posts one request's tokens to the ledger and advances the
// key's sliding rate window. Fire-and-forget: relay latency never waits on
// accounting writes.
func (s *Server) reportUsage(c *gin.Context, key *apikey.Key, accountID, model string, u dialect.Usage) {
	if u.TotalTokens <= 0 {
		return
	}
	delta := usage.Delta{
		InputTokens:       u.InputTokens,
		OutputTokens:      u.OutputTokens,
		CacheCreateTokens: u.CacheCreateTokens,
		CacheReadTokens:   u.CacheReadTokens,
	}
	ctx := context.WithoutCancel(c.Request.Context())
	go func() {
		opCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := s.deps.Ledger.Record(opCtx, usage.Record{
			ApiKeyID:  key.ID,
			AccountID: accountID,
			Model:     model,
			Delta:     delta,
		}); err != nil {
			log.WithError(err).WithField("apikey", key.ID).Error("usage record failed")
		}
		if key.RateLimitRequests > 0 && key.RateLimitWindow > 0 {
			cost := s.deps.Ledger.Price(model, delta)
			if _, err := s.deps.Ledger.ApplyToWindow(opCtx, key.ID, key.RateLimitWindow, delta.Total(), cost); err != nil {
				log.WithError(err).WithField("apikey", key.ID).Error("rate window update failed")
			}
		}
	}()
}

// isStreamRequest reads the OpenAI/Anthropic style stream flag.
func isStreamRequest(body []byte) bool {
	return gjson.GetBytes(body, "stream").Bool()
}

// modelRestricted writes the restriction error when the key denies the model.
func modelRestricted(c *gin.Context, key *apikey.Key, model string) bool {
	if key.ModelAllowed(model) {
		return false
	}
	relayerr.Write(c, relayerr.New(http.StatusForbidden, relayerr.TypePermissionDenied, "MODEL_NOT_ALLOWED", "Model "+model+" is not allowed for this key"))
	return true
}
