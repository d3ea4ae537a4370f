package dialect

import (
	"net/url"
	"strings"
)

const geminiModelsSuffix = "/v1beta/models"

// normalizeGeminiBase trims the trailing slash and guarantees the
// /v1beta/models suffix exactly once, whether or not the operator configured
// it on the account's baseUrl.
func normalizeGeminiBase(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = "https://generativelanguage.googleapis.com"
	}
	if !strings.HasSuffix(base, geminiModelsSuffix) {
		base += geminiModelsSuffix
	}
	return base
}

// BuildGeminiURL composes the action endpoint for the public Gemini API.
// stream adds alt=sse.
func BuildGeminiURL(baseURL, model, action, apiKey string, stream bool) string {
	u := normalizeGeminiBase(baseURL) + "/" + model + ":" + action
	q := url.Values{}
	if apiKey != "" {
		q.Set("key", apiKey)
	}
	if stream {
		q.Set("alt", "sse")
	}
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}
	return u
}

// BuildGeminiListURL composes the models-list endpoint.
func BuildGeminiListURL(baseURL, apiKey string) string {
	u := normalizeGeminiBase(baseURL)
	if apiKey != "" {
		u += "?key=" + url.QueryEscape(apiKey)
	}
	return u
}
