package scheduler

import (
	"context"
	"fmt"
	"time"

	"llmrelay/internal/account"

	"golang.org/x/oauth2"
)

// OAuthApp holds the client registration one provider family refreshes
// against.
type OAuthApp struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
}

// OAuthRefresher renews access tokens through each platform's token
// endpoint. Satisfies TokenRefresher.
type OAuthRefresher struct {
	apps map[string]OAuthApp
}

// DefaultOAuthApps covers the OAuth platform families. The gemini entry is
// the Cloud Code Assist CLI registration; claude and openai use their public
// CLI token endpoints.
func DefaultOAuthApps() map[string]OAuthApp {
	return map[string]OAuthApp{
		account.PlatformGemini: {
			ClientID:     "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com",
			ClientSecret: "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",
			TokenURL:     "https://oauth2.googleapis.com/token",
		},
		account.PlatformClaude: {
			ClientID: "9d1c250a-e61b-44d9-88ed-5944d1962f5e",
			TokenURL: "https://console.anthropic.com/v1/oauth/token",
		},
		account.PlatformOpenAI: {
			ClientID: "app_EMoamEEZ73f0CkXaXp7hrann",
			TokenURL: "https://auth.openai.com/oauth/token",
		},
	}
}

// NewOAuthRefresher builds the refresher. Pass nil to use the defaults.
func NewOAuthRefresher(apps map[string]OAuthApp) *OAuthRefresher {
	if apps == nil {
		apps = DefaultOAuthApps()
	}
	return &OAuthRefresher{apps: apps}
}

// Refresh exchanges the account's refresh token for fresh access material.
func (r *OAuthRefresher) Refresh(ctx context.Context, a *account.Account) (string, string, time.Time, error) {
	app, ok := r.apps[a.Platform]
	if !ok {
		return "", "", time.Time{}, fmt.Errorf("no oauth app registered for platform %s", a.Platform)
	}
	cfg := &oauth2.Config{
		ClientID:     app.ClientID,
		ClientSecret: app.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: app.TokenURL},
	}
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: a.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("refresh token for %s: %w", a.ID, err)
	}
	refresh := tok.RefreshToken
	if refresh == a.RefreshToken {
		refresh = "" // unchanged, let the repo keep the stored one
	}
	return tok.AccessToken, refresh, tok.Expiry, nil
}
