package server

import (
	"net/http"

	"llmrelay/internal/account"
	"llmrelay/internal/dialect"
	"llmrelay/internal/middleware"
	"llmrelay/internal/relay"
	"llmrelay/internal/relayerr"
	"llmrelay/internal/scheduler"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
)

const anthropicVersion = "2023-06-01"
const anthropicOAuthBeta = "oauth-2025-04-20"

// handleAnthropicMessages relays /v1/messages to the claude family.
func (s *Server) handleAnthropicMessages(c *gin.Context) {
	key := middleware.KeyFromContext(c)
	body, ok := readBody(c)
	if !ok {
		return
	}
	if err := dialect.ValidateAnthropicRequest(body); err != nil {
		relayerr.Write(c, relayerr.New(http.StatusBadRequest, relayerr.TypeInvalidRequest, "INVALID_REQUEST", err.Error()))
		return
	}
	model := gjson.GetBytes(body, "model").String()
	if modelRestricted(c, key, model) {
		return
	}

	sel, ok := s.selectWithFallback(c, key, account.PlatformClaude, account.PlatformClaudeConsole, scheduler.Options{
		SessionHash:       s.sessionHash(c),
		Model:             model,
		OriginalSessionID: dialect.ExtractOriginalSessionID(body),
	})
	if !ok {
		return
	}
	a := sel.Account

	cfg := s.deps.Cfg.Current()
	up := relay.UpstreamRequest{
		Method: http.MethodPost,
		URL:    cfg.AnthropicBaseURL + "/v1/messages",
		Body:   body,
		Stream: isStreamRequest(body),
		Headers: map[string]string{
			"anthropic-version": anthropicVersion,
		},
	}
	if a.Platform == account.PlatformClaudeConsole && a.APIKey != "" {
		if a.BaseURL != "" {
			up.URL = a.BaseURL + "/v1/messages"
		}
		up.Headers["x-api-key"] = a.APIKey
	} else {
		up.Headers["Authorization"] = "Bearer " + a.AccessToken
		up.Headers["anthropic-beta"] = anthropicOAuthBeta
	}

	repo := s.deps.Repos[a.Platform]
	if up.Stream {
		sr := &relay.StreamRelay{
			Extract:           dialect.ExtractAnthropicUsage,
			HeartbeatInterval: s.heartbeatInterval(),
			Dialect:           "anthropic",
		}
		if relayErr := s.deps.Dispatcher.DispatchStream(c, repo, a, up, sr, func(u dialect.Usage) {
			s.reportUsage(c, key, a.ID, model, u)
		}); relayErr != nil {
			relayerr.Write(c, relayErr)
		}
		return
	}

	res, relayErr := s.deps.Dispatcher.DispatchJSON(c.Request.Context(), repo, a, up, dialect.ExtractAnthropicUsage, false)
	if relayErr != nil {
		relayerr.Write(c, relayErr)
		return
	}
	s.reportUsage(c, key, a.ID, model, res.Usage)
	c.Data(http.StatusOK, "application/json", res.Body)
}
