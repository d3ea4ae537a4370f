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
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// handleGeminiGenerate serves /v1beta/models/{model}:{action} for both the
// OAuth Cloud Code pool and raw Gemini API keys.
func (s *Server) handleGeminiGenerate(c *gin.Context) {
	model, action, ok := splitModelAction(c.Param("modelAction"))
	if !ok {
		relayerr.Write(c, relayerr.New(http.StatusBadRequest, relayerr.TypeInvalidRequest, "INVALID_REQUEST", "Expected models/{model}:{action}"))
		return
	}
	stream := action == "streamGenerateContent"
	if action != "generateContent" && !stream {
		relayerr.Write(c, relayerr.New(http.StatusBadRequest, relayerr.TypeInvalidRequest, "UNSUPPORTED_ACTION", "Unsupported action "+action))
		return
	}

	key := middleware.KeyFromContext(c)
	body, ok := readBody(c)
	if !ok {
		return
	}
	if modelRestricted(c, key, model) {
		return
	}

	sel, ok := s.selectWithFallback(c, key, account.PlatformGemini, account.PlatformGeminiAPI, scheduler.Options{
		SessionHash: s.sessionHash(c),
		Model:       model,
	})
	if !ok {
		return
	}
	a := sel.Account

	up, relayErr := s.buildGeminiUpstream(c, a, model, action, body, stream)
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
			HeartbeatInterval: s.heartbeatInterval(),
			Dialect:           "gemini",
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
	c.Data(http.StatusOK, "application/json", res.Body)
}

// buildGeminiUpstream renders the outbound request for either credential
// family: Cloud Code wrapping for OAuth, sanitised public API for keys.
func (s *Server) buildGeminiUpstream(c *gin.Context, a *account.Account, model, action string, body []byte, stream bool) (*relay.UpstreamRequest, *relayerr.Error) {
	if a.Kind() == account.CredentialAPIKey {
		normalized, err := dialect.NormalizeGeminiRequest(body, true)
		if err != nil {
			return nil, relayerr.New(http.StatusBadRequest, relayerr.TypeInvalidRequest, "INVALID_REQUEST", err.Error())
		}
		base := a.BaseURL
		if base == "" {
			base = s.deps.Cfg.Current().GeminiBaseURL
		}
		return &relay.UpstreamRequest{
			Method: http.MethodPost,
			URL:    dialect.BuildGeminiURL(base, model, action, a.APIKey, stream),
			Body:   normalized,
			Stream: stream,
			Headers: map[string]string{
				"x-api-key":      a.APIKey,
				"x-goog-api-key": a.APIKey,
			},
		}, nil
	}

	project, relayErr := s.ensureProject(c, a)
	if relayErr != nil {
		return nil, relayErr
	}
	normalized, err := dialect.NormalizeGeminiRequest(body, false)
	if err != nil {
		return nil, relayerr.New(http.StatusBadRequest, relayerr.TypeInvalidRequest, "INVALID_REQUEST", err.Error())
	}
	wrapped, err := dialect.WrapV1Internal(model, project, normalized)
	if err != nil {
		return nil, relayerr.New(http.StatusInternalServerError, relayerr.TypeAPIError, "REQUEST_BUILD_FAILED", err.Error())
	}
	url := s.deps.Cfg.Current().CloudCodeBaseURL + "/v1internal:" + action
	if stream {
		url += "?alt=sse"
	}
	return &relay.UpstreamRequest{
		Method: http.MethodPost,
		URL:    url,
		Body:   wrapped,
		Stream: stream,
		Headers: map[string]string{
			"Authorization": "Bearer " + a.AccessToken,
		},
	}, nil
}

// ensureProject resolves the Cloud Code project for an OAuth account,
// discovering and caching one via loadCodeAssist when the record has none.
func (s *Server) ensureProject(c *gin.Context, a *account.Account) (string, *relayerr.Error) {
	if a.ProjectID != "" {
		return a.ProjectID, nil
	}
	if a.TempProjectID != "" {
		return a.TempProjectID, nil
	}

	repo := s.deps.Repos[a.Platform]
	up := relay.UpstreamRequest{
		Method: http.MethodPost,
		URL:    s.deps.Cfg.Current().CloudCodeBaseURL + "/v1internal:loadCodeAssist",
		Body:   []byte(`{"metadata":{"pluginType":"GEMINI"}}`),
		Headers: map[string]string{
			"Authorization": "Bearer " + a.AccessToken,
		},
	}
	res, relayErr := s.deps.Dispatcher.DispatchJSON(c.Request.Context(), repo, a, up, nil, false)
	if relayErr != nil {
		return "", relayerr.New(http.StatusForbidden, relayerr.TypeConfigurationRequired, "PROJECT_DISCOVERY_FAILED", "Account has no project id and discovery failed")
	}
	project := gjson.GetBytes(res.Body, "cloudaicompanionProject").String()
	if project == "" {
		return "", relayerr.New(http.StatusForbidden, relayerr.TypeConfigurationRequired, "PROJECT_REQUIRED", "Account has no usable project id")
	}
	if err := repo.SaveTempProject(c.Request.Context(), a.ID, project); err != nil {
		log.WithError(err).WithField("account", a.ID).Warn("cache discovered project")
	}
	return project, nil
}

// handleV1Internal relays the colon-form Cloud Code routes verbatim. Only
// OAuth accounts can serve this dialect.
func (s *Server) handleV1Internal(c *gin.Context) {
	action := c.GetString(contextKeyV1InternalAction)
	key := middleware.KeyFromContext(c)
	body, ok := readBody(c)
	if !ok {
		return
	}

	model := gjson.GetBytes(body, "model").String()
	if modelRestricted(c, key, model) {
		return
	}

	sel, ok := s.selectAccount(c, key, account.PlatformGemini, scheduler.Options{
		SessionHash: s.sessionHash(c),
		Model:       model,
	})
	if !ok {
		return
	}
	a := sel.Account
	if a.Kind() != account.CredentialOAuth {
		relayerr.Write(c, relayerr.New(http.StatusBadRequest, relayerr.TypeInvalidAccountType, "INVALID_ACCOUNT_TYPE", "v1internal requires an OAuth account"))
		return
	}

	project, relayErr := s.ensureProject(c, a)
	if relayErr != nil {
		relayerr.Write(c, relayErr)
		return
	}
	prepared, err := dialect.EnsureV1InternalDefaults(body, project)
	if err != nil {
		relayerr.Write(c, relayerr.New(http.StatusBadRequest, relayerr.TypeInvalidRequest, "INVALID_REQUEST", err.Error()))
		return
	}

	stream := action == "streamGenerateContent" || c.Query("alt") == "sse"
	url := s.deps.Cfg.Current().CloudCodeBaseURL + "/v1internal:" + action
	if stream {
		url += "?alt=sse"
	}
	up := relay.UpstreamRequest{
		Method: http.MethodPost,
		URL:    url,
		Body:   prepared,
		Stream: stream,
		Headers: map[string]string{
			"Authorization": "Bearer " + a.AccessToken,
		},
	}

	repo := s.deps.Repos[a.Platform]
	if stream {
		sr := &relay.StreamRelay{
			Extract:           dialect.ExtractGeminiUsage,
			HeartbeatInterval: s.heartbeatInterval(),
			Dialect:           "v1internal",
		}
		if relayErr := s.deps.Dispatcher.DispatchStream(c, repo, a, up, sr, func(u dialect.Usage) {
			s.reportUsage(c, key, a.ID, model, u)
		}); relayErr != nil {
			relayerr.Write(c, relayErr)
		}
		return
	}

	res, relayErr := s.deps.Dispatcher.DispatchJSON(c.Request.Context(), repo, a, up, dialect.ExtractGeminiUsage, false)
	if relayErr != nil {
		relayerr.Write(c, relayErr)
		return
	}
	s.reportUsage(c, key, a.ID, model, res.Usage)
	c.Data(http.StatusOK, "application/json", res.Body)
}

// splitModelAction parses the "{model}:{action}" path segment, tolerating a
// leading "models/".
func splitModelAction(segment string) (model, action string, ok bool) {
	segment = strings.TrimPrefix(segment, "models/")
	idx := strings.LastIndex(segment, ":")
	if idx <= 0 || idx == len(segment)-1 {
		return "", "", false
	}
	return segment[:idx], segment[idx+1:], true
}
