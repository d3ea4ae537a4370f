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
	"github.com/google/uuid"
)

const codexClientVersion = "0.21.0"

// handleCodexResponses relays the codex/responses dialect to the ChatGPT
// backend. The upstream always answers with SSE.
func (s *Server) handleCodexResponses(compact bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := middleware.KeyFromContext(c)
		body, ok := readBody(c)
		if !ok {
			return
		}

		adapted, model, err := dialect.AdaptCodexRequest(body, c.GetHeader("User-Agent"), compact)
		if err != nil {
			relayerr.Write(c, relayerr.New(http.StatusBadRequest, relayerr.TypeInvalidRequest, "INVALID_REQUEST", err.Error()))
			return
		}
		if modelRestricted(c, key, model) {
			return
		}

		sel, ok := s.selectAccount(c, key, account.PlatformOpenAI, scheduler.Options{
			SessionHash: s.sessionHash(c),
			Model:       model,
		})
		if !ok {
			return
		}
		a := sel.Account

		sessionID := c.GetHeader("session_id")
		if sessionID == "" {
			sessionID = uuid.NewString()
		}
		url := s.deps.Cfg.Current().CodexBaseURL + "/responses"
		if compact {
			url += "/compact"
		}
		up := relay.UpstreamRequest{
			Method: http.MethodPost,
			URL:    url,
			Body:   adapted,
			Stream: true,
			Headers: map[string]string{
				"Authorization":      "Bearer " + a.AccessToken,
				"chatgpt-account-id": a.ChatGPTUserID,
				"OpenAI-Beta":        "responses=experimental",
				"session_id":         sessionID,
				"version":            codexClientVersion,
			},
		}

		sr := &relay.StreamRelay{
			Extract:           dialect.ExtractResponsesUsage,
			HeartbeatInterval: s.heartbeatInterval(),
			Dialect:           "codex",
		}
		repo := s.deps.Repos[a.Platform]
		if relayErr := s.deps.Dispatcher.DispatchStream(c, repo, a, up, sr, func(u dialect.Usage) {
			s.reportUsage(c, key, a.ID, model, u)
		}); relayErr != nil {
			relayerr.Write(c, relayErr)
		}
	}
}
