package dialect

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// nativeCodexUA matches the official Codex clients, which send bodies the
// upstream accepts as-is.
var nativeCodexUA = regexp.MustCompile(`^(codex_vscode|codex_cli_rs)/\d+(\.\d+)*`)

// codexStripFields are removed from non-native requests; the Codex backend
// rejects them.
var codexStripFields = []string{
	"temperature",
	"top_p",
	"max_output_tokens",
	"user",
	"text_formatting",
	"truncation",
	"text",
	"service_tier",
}

// codexInstructions is the fixed instruction block injected for non-native
// clients, mirroring what the official CLI sends.
const codexInstructions = "You are a coding agent running in the Codex CLI, a terminal-based coding assistant. Codex CLI is an open source project led by OpenAI."

// IsNativeCodexClient reports whether the User-Agent belongs to an official
// Codex client.
func IsNativeCodexClient(userAgent string) bool {
	return nativeCodexUA.MatchString(userAgent)
}

// NormalizeCodexModel collapses dated gpt-5 variants onto the served alias.
// gpt-5-codex is a distinct model and stays untouched.
func NormalizeCodexModel(model string) string {
	if model == "gpt-5-codex" || !strings.HasPrefix(model, "gpt-5-") {
		return model
	}
	return "gpt-5"
}

// AdaptCodexRequest prepares a responses-dialect body for the Codex upstream.
// Native clients pass through apart from model normalisation and the compact
// store rule; other clients get unsupported fields stripped and the fixed
// instruction block injected. Returns the adapted body and the effective
// model.
func AdaptCodexRequest(body []byte, userAgent string, compact bool) ([]byte, string, error) {
	out := body
	var err error

	model := gjson.GetBytes(out, "model").String()
	if normalized := NormalizeCodexModel(model); normalized != model {
		model = normalized
		if out, err = sjson.SetBytes(out, "model", model); err != nil {
			return nil, "", err
		}
	}

	if !IsNativeCodexClient(userAgent) {
		for _, field := range codexStripFields {
			if out, err = sjson.DeleteBytes(out, field); err != nil {
				return nil, "", err
			}
		}
		if out, err = sjson.SetBytes(out, "instructions", codexInstructions); err != nil {
			return nil, "", err
		}
		if !gjson.GetBytes(out, "store").Exists() {
			if out, err = sjson.SetBytes(out, "store", false); err != nil {
				return nil, "", err
			}
		}
	}

	// the compact endpoint rejects the store flag outright
	if compact {
		if out, err = sjson.DeleteBytes(out, "store"); err != nil {
			return nil, "", err
		}
	}
	return out, model, nil
}
