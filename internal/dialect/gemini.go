package dialect

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// passthroughFields are the Gemini request sections forwarded verbatim.
var passthroughFields = []string{
	"contents",
	"generationConfig",
	"safetySettings",
	"tools",
	"toolConfig",
	"cachedContent",
}

// NormalizeGeminiRequest rebuilds a Gemini-standard body for upstream:
// passthrough sections are copied, systemInstruction is included only when it
// carries at least one non-empty text part (with role defaulted to "user"),
// and for API-key accounts functionResponse parts are sanitised down to
// {name, response}.
func NormalizeGeminiRequest(body []byte, forAPIKey bool) ([]byte, error) {
	contents := gjson.GetBytes(body, "contents")
	if !contents.IsArray() || len(contents.Array()) == 0 {
		return nil, fmt.Errorf("contents must be a non-empty array")
	}

	out := []byte(`{}`)
	var err error
	for _, field := range passthroughFields {
		v := gjson.GetBytes(body, field)
		if !v.Exists() {
			continue
		}
		if out, err = sjson.SetRawBytes(out, field, []byte(v.Raw)); err != nil {
			return nil, err
		}
	}

	if si, ok := usableSystemInstruction(body); ok {
		if out, err = sjson.SetRawBytes(out, "systemInstruction", si); err != nil {
			return nil, err
		}
	}

	if forAPIKey {
		out = SanitizeFunctionResponses(out)
	}
	return out, nil
}

// usableSystemInstruction returns the systemInstruction block, with a role
// defaulted to "user", when it has at least one non-empty text part. The
// internal Cloud Code endpoint requires the role and rejects empty blocks.
func usableSystemInstruction(body []byte) ([]byte, bool) {
	si := gjson.GetBytes(body, "systemInstruction")
	if !si.Exists() {
		si = gjson.GetBytes(body, "system_instruction")
	}
	if !si.Exists() {
		return nil, false
	}
	hasText := false
	for _, part := range si.Get("parts").Array() {
		if part.Get("text").String() != "" {
			hasText = true
			break
		}
	}
	if !hasText {
		return nil, false
	}
	raw := []byte(si.Raw)
	if !si.Get("role").Exists() {
		raw, _ = sjson.SetBytes(raw, "role", "user")
	}
	return raw, true
}

// SanitizeFunctionResponses rewrites every functionResponse part so only
// {name, response} remain. The public Gemini API rejects extra keys such as
// the tool-call id that OAuth Cloud Code tolerates.
func SanitizeFunctionResponses(body []byte) []byte {
	contents := gjson.GetBytes(body, "contents")
	if !contents.IsArray() {
		return body
	}
	out := body
	for ci, content := range contents.Array() {
		for pi, part := range content.Get("parts").Array() {
			fr := part.Get("functionResponse")
			if !fr.Exists() {
				continue
			}
			clean := []byte(`{}`)
			if name := fr.Get("name"); name.Exists() {
				clean, _ = sjson.SetRawBytes(clean, "name", []byte(name.Raw))
			}
			if resp := fr.Get("response"); resp.Exists() {
				clean, _ = sjson.SetRawBytes(clean, "response", []byte(resp.Raw))
			}
			path := fmt.Sprintf("contents.%d.parts.%d.functionResponse", ci, pi)
			out, _ = sjson.SetRawBytes(out, path, clean)
		}
	}
	return out
}
