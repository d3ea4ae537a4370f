package dialect

import (
	"github.com/tidwall/gjson"
)

// Usage is the dialect-neutral token breakdown extracted from an upstream
// payload.
type Usage struct {
	InputTokens       int64
	OutputTokens      int64
	CacheCreateTokens int64
	CacheReadTokens   int64
	TotalTokens       int64
}

// Observed reports whether the upstream actually sent usage figures.
func (u Usage) Observed() bool { return u.TotalTokens > 0 }

// ExtractGeminiUsage reads usageMetadata from a Gemini payload, checking the
// top level first and then the Cloud Code {response:{...}} envelope.
func ExtractGeminiUsage(payload []byte) Usage {
	meta := gjson.GetBytes(payload, "usageMetadata")
	if !meta.Exists() {
		meta = gjson.GetBytes(payload, "response.usageMetadata")
	}
	if !meta.Exists() {
		return Usage{}
	}
	u := Usage{
		InputTokens:     meta.Get("promptTokenCount").Int(),
		OutputTokens:    meta.Get("candidatesTokenCount").Int(),
		CacheReadTokens: meta.Get("cachedContentTokenCount").Int(),
		TotalTokens:     meta.Get("totalTokenCount").Int(),
	}
	// cached tokens are a subset of the prompt count; bill them separately
	if u.CacheReadTokens > 0 && u.InputTokens >= u.CacheReadTokens {
		u.InputTokens -= u.CacheReadTokens
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens + u.CacheReadTokens
	}
	return u
}

// ExtractResponsesUsage reads usage from an OpenAI responses payload (the
// response.completed event body). Billable input excludes cached tokens,
// clamped at zero.
func ExtractResponsesUsage(payload []byte) Usage {
	usage := gjson.GetBytes(payload, "response.usage")
	if !usage.Exists() {
		usage = gjson.GetBytes(payload, "usage")
	}
	if !usage.Exists() {
		return Usage{}
	}
	input := usage.Get("input_tokens").Int()
	cached := usage.Get("input_tokens_details.cached_tokens").Int()
	billable := input - cached
	if billable < 0 {
		billable = 0
	}
	u := Usage{
		InputTokens:     billable,
		OutputTokens:    usage.Get("output_tokens").Int(),
		CacheReadTokens: cached,
	}
	u.TotalTokens = u.InputTokens + u.OutputTokens + u.CacheReadTokens
	return u
}

// ExtractAnthropicUsage reads usage from an Anthropic messages payload or a
// message_start/message_delta stream event.
func ExtractAnthropicUsage(payload []byte) Usage {
	usage := gjson.GetBytes(payload, "usage")
	if !usage.Exists() {
		usage = gjson.GetBytes(payload, "message.usage")
	}
	if !usage.Exists() {
		return Usage{}
	}
	u := Usage{
		InputTokens:       usage.Get("input_tokens").Int(),
		OutputTokens:      usage.Get("output_tokens").Int(),
		CacheCreateTokens: usage.Get("cache_creation_input_tokens").Int(),
		CacheReadTokens:   usage.Get("cache_read_input_tokens").Int(),
	}
	u.TotalTokens = u.InputTokens + u.OutputTokens + u.CacheCreateTokens + u.CacheReadTokens
	return u
}

// Merge folds a later observation into an accumulator: counts only move
// forward, so partial events (message_start before message_delta) combine
// into one final figure.
func (u Usage) Merge(later Usage) Usage {
	pick := func(a, b int64) int64 {
		if b > a {
			return b
		}
		return a
	}
	out := Usage{
		InputTokens:       pick(u.InputTokens, later.InputTokens),
		OutputTokens:      pick(u.OutputTokens, later.OutputTokens),
		CacheCreateTokens: pick(u.CacheCreateTokens, later.CacheCreateTokens),
		CacheReadTokens:   pick(u.CacheReadTokens, later.CacheReadTokens),
	}
	out.TotalTokens = out.InputTokens + out.OutputTokens + out.CacheCreateTokens + out.CacheReadTokens
	return out
}
