package server

import (
	"net/http"
	"strings"

	"llmrelay/internal/account"
	"llmrelay/internal/dialect"
	"llmrelay/internal/middleware"
	"llmrelay/internal/relay"
	"llmrelay/internal/relayerr"
	"llmrelay/internal/scheduler"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
)

// handleChatCompletions serves OpenAI chat completions over the Gemini
// bridge: the message list is rewritten into contents and dispatched to a
// Gemini pool. Only gemini models are bridgeable.
func (s *Server) handleChatCompletions(c *gin.Context) {
	key := middleware.KeyFromContext(c)
	body, ok := readBody(c)
	if !ok {
		return
	}

	model := gjson.GetBytes(body, "model").String()
	if !strings.HasPrefix(model, "gemini") {
		relayerr.Write(c, relayerr.New(http.StatusBadRequest, relayerr.TypeInvalidRequest, "UNSUPPORTED_MODEL", "Only gemini models are served on this endpoint"))
		return
	}
	if modelRestricted(c, key, model) {
		return
	}

	bridged, err := dialect.OpenAIChatToGemini(body)
	if err != nil {
		relayerr.Write(c, relayerr.New(http.StatusBadRequest, relayerr.TypeInvalidRequest, "INVALID_REQUEST", err.Error()))
		return
	}
	stream := isStreamRequest(body)
	action := "generateContent"
	if stream {
		action = "streamGenerateContent"
	}

	sel, ok := s.selectWithFallback(c, key, account.PlatformGemini, account.PlatformGeminiAPI, scheduler.Options{
		SessionHash: s.sessionHash(c),
		Model:       model,
	})
	if !ok {
		return
	}
	a := sel.Account

	up, relayErr := s.buildGeminiUpstream(c, a, model, action, bridged, stream)
	if relayErr != nil {
		relayerr.Write(c, relayErr)
		return
	}

	repo := s.deps.Repos[a.Platform]
	oauth := a.Kind() == account.CredentialOAuth
	if stream {
		sr := &relay.StreamRelay{
			Extract:           dialect.ExtractGeminiUsage,
			UnwrapEnvelope:    oauth,
			Transform:         dialect.NewChatChunkStream(model).Translate,
			Terminator:        []byte("[DONE]"),
			HeartbeatInterval: s.heartbeatInterval(),
			Dialect:           "openai-chat",
		}
		if relayErr := s.deps.Dispatcher.DispatchStream(c, repo, a, *up, sr, func(u dialect.Usage) {
			s.reportUsage(c, key, a.ID, model, u)
		}); relayErr != nil {
			relayerr.Write(c, relayErr)
		}
		return
	}

	res, relayErr := s.deps.Dispatcher.DispatchJSON(c.Request.Context(), repo, a, *up, dialect.ExtractGeminiUsage, oauth)
	if relayErr != nil {
		relayerr.Write(c, relayErr)
		return
	}
	s.reportUsage(c, key, a.ID, model, res.Usage)
	c.Data(http.StatusOK, "application/json", dialect.GeminiToOpenAIChat(model, res.Body))
}
