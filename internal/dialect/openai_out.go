package dialect

import (
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// GeminiToOpenAIChat renders a Gemini generateContent response as an OpenAI
// chat completion. Error bodies and candidate-less payloads pass through
// untouched so upstream diagnostics survive.
func GeminiToOpenAIChat(model string, body []byte) []byte {
	if gjson.GetBytes(body, "error").Exists() {
		return body
	}
	candidates := gjson.GetBytes(body, "candidates")
	if !candidates.IsArray() || len(candidates.Array()) == 0 {
		return body
	}

	now := time.Now().Unix()
	out := []byte(`{"object":"chat.completion"}`)
	out, _ = sjson.SetBytes(out, "id", fmt.Sprintf("chatcmpl-%d", now))
	out, _ = sjson.SetBytes(out, "created", now)
	out, _ = sjson.SetBytes(out, "model", model)

	for i, cand := range candidates.Array() {
		base := fmt.Sprintf("choices.%d", i)
		out, _ = sjson.SetBytes(out, base+".index", i)
		out, _ = sjson.SetBytes(out, base+".message.role", "assistant")

		var texts []string
		toolIdx := 0
		for _, part := range cand.Get("content.parts").Array() {
			if fc := part.Get("functionCall"); fc.Exists() {
				tc := fmt.Sprintf("%s.message.tool_calls.%d", base, toolIdx)
				name := fc.Get("name").String()
				out, _ = sjson.SetBytes(out, tc+".id", fmt.Sprintf("call_%s_%d", name, toolIdx))
				out, _ = sjson.SetBytes(out, tc+".type", "function")
				out, _ = sjson.SetBytes(out, tc+".function.name", name)
				args := "{}"
				if a := fc.Get("args"); a.Exists() {
					args = a.Raw
				}
				// OpenAI carries tool arguments as a JSON string
				out, _ = sjson.SetBytes(out, tc+".function.arguments", args)
				toolIdx++
				continue
			}
			if txt := part.Get("text"); txt.Exists() {
				texts = append(texts, txt.String())
			}
		}
		out, _ = sjson.SetBytes(out, base+".message.content", strings.Join(texts, ""))
		out, _ = sjson.SetBytes(out, base+".finish_reason", openAIFinishReason(cand.Get("finishReason").String(), toolIdx > 0))
	}

	if meta := gjson.GetBytes(body, "usageMetadata"); meta.Exists() {
		out, _ = sjson.SetBytes(out, "usage.prompt_tokens", meta.Get("promptTokenCount").Int())
		out, _ = sjson.SetBytes(out, "usage.completion_tokens", meta.Get("candidatesTokenCount").Int())
		out, _ = sjson.SetBytes(out, "usage.total_tokens", meta.Get("totalTokenCount").Int())
	}
	return out
}

// openAIFinishReason maps Gemini finish reasons to OpenAI's vocabulary.
func openAIFinishReason(reason string, hasToolCalls bool) string {
	if hasToolCalls {
		return "tool_calls"
	}
	switch reason {
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	default:
		return "stop"
	}
}

// ChatChunkStream rewrites Gemini streaming payloads into OpenAI
// chat.completion.chunk events. One instance serves one stream; the first
// chunk carries the assistant role delta and every chunk shares one id.
type ChatChunkStream struct {
	id      string
	model   string
	created int64
	started bool
}

// NewChatChunkStream builds the per-stream translator.
func NewChatChunkStream(model string) *ChatChunkStream {
	now := time.Now().Unix()
	return &ChatChunkStream{
		id:      fmt.Sprintf("chatcmpl-%d", now),
		model:   model,
		created: now,
	}
}

// Translate rewrites one data payload. Error and candidate-less payloads pass
// through untouched.
func (t *ChatChunkStream) Translate(payload []byte) ([]byte, bool) {
	if gjson.GetBytes(payload, "error").Exists() {
		return payload, true
	}
	cand := gjson.GetBytes(payload, "candidates.0")
	if !cand.Exists() {
		return payload, true
	}

	out := []byte(`{"object":"chat.completion.chunk"}`)
	out, _ = sjson.SetBytes(out, "id", t.id)
	out, _ = sjson.SetBytes(out, "created", t.created)
	out, _ = sjson.SetBytes(out, "model", t.model)
	out, _ = sjson.SetBytes(out, "choices.0.index", 0)
	out, _ = sjson.SetRawBytes(out, "choices.0.delta", []byte(`{}`))
	if !t.started {
		out, _ = sjson.SetBytes(out, "choices.0.delta.role", "assistant")
		t.started = true
	}

	var texts []string
	for _, part := range cand.Get("content.parts").Array() {
		if txt := part.Get("text"); txt.Exists() {
			texts = append(texts, txt.String())
		}
	}
	if len(texts) > 0 {
		out, _ = sjson.SetBytes(out, "choices.0.delta.content", strings.Join(texts, ""))
	}
	if fr := cand.Get("finishReason"); fr.Exists() {
		out, _ = sjson.SetBytes(out, "choices.0.finish_reason", openAIFinishReason(fr.String(), false))
	}
	return out, true
}
