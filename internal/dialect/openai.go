// Package dialect translates between the inbound protocol dialects and the
// upstream request schemas. All transforms operate on raw JSON via gjson and
// sjson so unknown fields survive untouched.
package dialect

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Generation defaults applied when an OpenAI-chat request leaves a knob
// unspecified.
const (
	defaultTemperature     = 0.7
	defaultMaxOutputTokens = 4096
	defaultTopP            = 0.95
	defaultTopK            = 40
)

// OpenAIChatToGemini rewrites an OpenAI chat-completions body into a Gemini
// generateContent body. Roles map assistant->model; everything else passes
// through. Sampling knobs land in generationConfig with renamed keys.
func OpenAIChatToGemini(body []byte) ([]byte, error) {
	messages := gjson.GetBytes(body, "messages")
	if !messages.IsArray() || len(messages.Array()) == 0 {
		return nil, fmt.Errorf("messages must be a non-empty array")
	}

	out := []byte(`{}`)
	var err error
	idx := 0
	var systemTexts []string
	for _, msg := range messages.Array() {
		role := msg.Get("role").String()
		content := msg.Get("content").String()
		if role == "system" {
			if content != "" {
				systemTexts = append(systemTexts, content)
			}
			continue
		}
		if role == "assistant" {
			role = "model"
		}
		base := fmt.Sprintf("contents.%d", idx)
		if out, err = sjson.SetBytes(out, base+".role", role); err != nil {
			return nil, err
		}
		if out, err = sjson.SetBytes(out, base+".parts.0.text", content); err != nil {
			return nil, err
		}
		idx++
	}
	if idx == 0 {
		return nil, fmt.Errorf("messages carry no user or assistant turns")
	}

	for i, text := range systemTexts {
		path := fmt.Sprintf("systemInstruction.parts.%d.text", i)
		if out, err = sjson.SetBytes(out, path, text); err != nil {
			return nil, err
		}
	}
	if len(systemTexts) > 0 {
		if out, err = sjson.SetBytes(out, "systemInstruction.role", "user"); err != nil {
			return nil, err
		}
	}

	gen := map[string]interface{}{
		"temperature":     pickFloat(body, "temperature", defaultTemperature),
		"maxOutputTokens": int(pickFloat(body, "max_tokens", defaultMaxOutputTokens)),
		"topP":            pickFloat(body, "top_p", defaultTopP),
		"topK":            int(pickFloat(body, "top_k", defaultTopK)),
	}
	if out, err = sjson.SetBytes(out, "generationConfig", gen); err != nil {
		return nil, err
	}
	return out, nil
}

func pickFloat(body []byte, path string, fallback float64) float64 {
	if v := gjson.GetBytes(body, path); v.Exists() {
		return v.Float()
	}
	return fallback
}
