package server

import (
	"net/http"
	"sort"

	"llmrelay/internal/account"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Baseline model lists per family. Accounts with an explicit supportedModels
// list extend these.
var (
	baseGeminiModels = []string{
		"gemini-2.5-flash",
		"gemini-2.5-pro",
	}
	baseClaudeModels = []string{
		"claude-sonnet-4-20250514",
		"claude-opus-4-20250514",
	}
	baseOpenAIModels = []string{
		"gpt-5",
		"gpt-5-codex",
	}
)

// familyModels unions the baseline list with every schedulable account's
// supportedModels across the given platforms.
func (s *Server) familyModels(c *gin.Context, base []string, platforms ...string) []string {
	seen := map[string]struct{}{}
	for _, m := range base {
		seen[m] = struct{}{}
	}
	for _, platform := range platforms {
		repo, ok := s.deps.Repos[platform]
		if !ok {
			continue
		}
		accounts, err := repo.ListSchedulable(c.Request.Context())
		if err != nil {
			log.WithError(err).WithField("platform", platform).Warn("model list account scan failed")
			continue
		}
		for _, a := range accounts {
			for _, m := range a.SupportedModels {
				seen[m] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// handleGeminiModels renders the v1beta models list shape.
func (s *Server) handleGeminiModels(c *gin.Context) {
	models := s.familyModels(c, baseGeminiModels, account.PlatformGemini, account.PlatformGeminiAPI)
	out := make([]gin.H, 0, len(models))
	for _, m := range models {
		out = append(out, gin.H{
			"name":                       "models/" + m,
			"displayName":                m,
			"supportedGenerationMethods": []string{"generateContent", "streamGenerateContent"},
		})
	}
	c.JSON(http.StatusOK, gin.H{"models": out})
}

// handleOpenAIModels renders the OpenAI-style list for /v1/models and
// /models, covering every family the key can reach.
func (s *Server) handleOpenAIModels(c *gin.Context) {
	models := s.familyModels(c, append(append([]string{}, baseOpenAIModels...), baseClaudeModels...),
		account.PlatformOpenAI, account.PlatformClaude, account.PlatformClaudeConsole)
	out := make([]gin.H, 0, len(models))
	for _, m := range models {
		out = append(out, gin.H{
			"id":       m,
			"object":   "model",
			"owned_by": "llmrelay",
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": out})
}
