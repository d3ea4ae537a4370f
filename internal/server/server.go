// Package server wires the inbound HTTP surface: the relay routes per
// dialect, the reporting endpoints and the operational probes.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"llmrelay/internal/account"
	"llmrelay/internal/apikey"
	"llmrelay/internal/config"
	"llmrelay/internal/costrank"
	"llmrelay/internal/middleware"
	"llmrelay/internal/relay"
	"llmrelay/internal/scheduler"
	"llmrelay/internal/usage"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Deps carries everything the handlers need.
type Deps struct {
	Cfg        *config.Watcher
	Keys       *apikey.Repo
	Repos      map[string]*account.Repo
	Scheduler  *scheduler.Scheduler
	Dispatcher *relay.Dispatcher
	Ledger     *usage.Ledger
	Rank       *costrank.Service
}

// Server is the HTTP front of the gateway.
type Server struct {
	deps   Deps
	engine *gin.Engine
	http   *http.Server
}

// New builds the router. The middleware order is fixed: identification and
// recovery first, then observability, then the auth and limit gates on the
// relay routes.
func New(deps Deps) *Server {
	cfg := deps.Cfg.Current()
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{deps: deps}
	r := gin.New()
	r.Use(
		middleware.RequestID(),
		middleware.Recovery(),
		middleware.CORS(),
		middleware.Logger(),
		middleware.Metrics(),
	)

	// probes and metrics stay outside the auth chain
	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	auth := middleware.Auth(deps.Keys)
	limits := middleware.Limits(deps.Ledger)
	gates := []gin.HandlerFunc{auth, limits}
	if cfg.RateLimitEnabled {
		gates = append([]gin.HandlerFunc{middleware.NewRateLimiter(float64(cfg.RateLimitRPS), cfg.RateLimitBurst).Handler()}, gates...)
	}

	claude := append(chain(gates), middleware.RequirePermission(account.PlatformClaude))
	openai := append(chain(gates), middleware.RequirePermission(account.PlatformOpenAI))
	gemini := append(chain(gates), middleware.RequirePermission(account.PlatformGemini))

	r.POST("/v1/messages", append(chain(claude), s.handleAnthropicMessages)...)
	r.POST("/messages", append(chain(claude), s.handleAnthropicMessages)...)

	r.POST("/v1/chat/completions", append(chain(gemini), s.handleChatCompletions)...)

	for _, p := range []string{"/responses", "/v1/responses"} {
		r.POST(p, append(chain(openai), s.handleCodexResponses(false))...)
		r.POST(p+"/compact", append(chain(openai), s.handleCodexResponses(true))...)
	}

	r.POST("/v1beta/models/:modelAction", append(chain(gemini), s.handleGeminiGenerate)...)
	r.GET("/v1beta/models", append(chain(gates), s.handleGeminiModels)...)
	r.GET("/v1/models", append(chain(gates), s.handleOpenAIModels)...)
	r.GET("/models", append(chain(gates), s.handleOpenAIModels)...)

	r.GET("/usage", append(chain(gates), s.handleUsage)...)
	r.GET("/key-info", append(chain(gates), s.handleKeyInfo)...)
	r.GET("/usage/cost-rank", append(chain(gates), s.handleCostRank)...)

	// gin cannot route the literal colon in /v1internal:{action}
	r.NoRoute(append([]gin.HandlerFunc{v1InternalGate}, append(chain(gemini), s.handleV1Internal)...)...)

	s.engine = r
	s.http = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}
	return s
}

// chain copies a handler slice so route registrations do not alias each
// other's backing arrays.
func chain(h []gin.HandlerFunc) []gin.HandlerFunc {
	out := make([]gin.HandlerFunc, len(h))
	copy(out, h)
	return out
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled, then drains with a grace period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", s.http.Addr).Info("gateway listening")
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info("gateway stopped")
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// isV1Internal reports whether a not-found path is really the colon-form
// Cloud Code route.
func isV1Internal(path string) (string, bool) {
	const prefix = "/v1internal:"
	if strings.HasPrefix(path, prefix) {
		return path[len(prefix):], true
	}
	return "", false
}

// v1InternalGate answers plain 404s before the auth chain runs; only the
// colon-form Cloud Code route continues.
func v1InternalGate(c *gin.Context) {
	action, ok := isV1Internal(c.Request.URL.Path)
	if !ok || c.Request.Method != http.MethodPost || action == "" {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
			"error": gin.H{"message": "Not found", "type": "invalid_request_error", "code": "NOT_FOUND"},
		})
		return
	}
	c.Set(contextKeyV1InternalAction, action)
	c.Next()
}
