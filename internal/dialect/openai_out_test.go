package dialect

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestGeminiToOpenAIChat(t *testing.T) {
	t.Parallel()
	body := []byte(`{
		"candidates": [{
			"content": {"role": "model", "parts": [{"text": "Hello "}, {"text": "there"}]},
			"finishReason": "STOP"
		}],
		"usageMetadata": {"promptTokenCount": 5, "candidatesTokenCount": 7, "totalTokenCount": 12}
	}`)

	out := GeminiToOpenAIChat("gemini-2.5-flash", body)

	require.Equal(t, "chat.completion", gjson.GetBytes(out, "object").String())
	require.Equal(t, "gemini-2.5-flash", gjson.GetBytes(out, "model").String())
	require.True(t, gjson.GetBytes(out, "choices").IsArray())
	require.Equal(t, "assistant", gjson.GetBytes(out, "choices.0.message.role").String())
	require.Equal(t, "Hello there", gjson.GetBytes(out, "choices.0.message.content").String())
	require.Equal(t, "stop", gjson.GetBytes(out, "choices.0.finish_reason").String())
	require.Equal(t, int64(5), gjson.GetBytes(out, "usage.prompt_tokens").Int())
	require.Equal(t, int64(7), gjson.GetBytes(out, "usage.completion_tokens").Int())
	require.Equal(t, int64(12), gjson.GetBytes(out, "usage.total_tokens").Int())
	require.False(t, gjson.GetBytes(out, "candidates").Exists())
}

func TestGeminiToOpenAIChatToolCalls(t *testing.T) {
	t.Parallel()
	body := []byte(`{
		"candidates": [{
			"content": {"role": "model", "parts": [
				{"functionCall": {"name": "get_weather", "args": {"city": "Paris"}}}
			]},
			"finishReason": "STOP"
		}]
	}`)

	out := GeminiToOpenAIChat("gemini-2.5-pro", body)

	tc := gjson.GetBytes(out, "choices.0.message.tool_calls.0")
	require.True(t, tc.Exists())
	require.Equal(t, "function", tc.Get("type").String())
	require.Equal(t, "get_weather", tc.Get("function.name").String())
	// arguments travel as a JSON string
	require.Equal(t, gjson.String, tc.Get("function.arguments").Type)
	require.Equal(t, "Paris", gjson.Get(tc.Get("function.arguments").String(), "city").String())
	require.Equal(t, "tool_calls", gjson.GetBytes(out, "choices.0.finish_reason").String())
}

func TestGeminiToOpenAIChatPassthrough(t *testing.T) {
	t.Parallel()
	errBody := []byte(`{"error":{"code":429,"message":"quota"}}`)
	require.Equal(t, errBody, GeminiToOpenAIChat("gemini-2.5-flash", errBody))

	empty := []byte(`{"candidates":[]}`)
	require.Equal(t, empty, GeminiToOpenAIChat("gemini-2.5-flash", empty))
}

func TestOpenAIFinishReason(t *testing.T) {
	t.Parallel()
	require.Equal(t, "stop", openAIFinishReason("STOP", false))
	require.Equal(t, "length", openAIFinishReason("MAX_TOKENS", false))
	require.Equal(t, "content_filter", openAIFinishReason("SAFETY", false))
	require.Equal(t, "content_filter", openAIFinishReason("RECITATION", false))
	require.Equal(t, "tool_calls", openAIFinishReason("STOP", true))
	require.Equal(t, "stop", openAIFinishReason("", false))
}

func TestChatChunkStream(t *testing.T) {
	t.Parallel()
	cs := NewChatChunkStream("gemini-2.5-flash")

	first, keep := cs.Translate([]byte(`{"candidates":[{"content":{"parts":[{"text":"Hel"}]}}]}`))
	require.True(t, keep)
	require.Equal(t, "chat.completion.chunk", gjson.GetBytes(first, "object").String())
	require.Equal(t, "assistant", gjson.GetBytes(first, "choices.0.delta.role").String())
	require.Equal(t, "Hel", gjson.GetBytes(first, "choices.0.delta.content").String())
	require.False(t, gjson.GetBytes(first, "choices.0.finish_reason").Exists())

	last, keep := cs.Translate([]byte(`{"candidates":[{"content":{"parts":[{"text":"lo"}]},"finishReason":"MAX_TOKENS"}]}`))
	require.True(t, keep)
	// the role delta is first-chunk only and the id is stream-wide
	require.False(t, gjson.GetBytes(last, "choices.0.delta.role").Exists())
	require.Equal(t, gjson.GetBytes(first, "id").String(), gjson.GetBytes(last, "id").String())
	require.Equal(t, "lo", gjson.GetBytes(last, "choices.0.delta.content").String())
	require.Equal(t, "length", gjson.GetBytes(last, "choices.0.finish_reason").String())
}

func TestChatChunkStreamPassthrough(t *testing.T) {
	t.Parallel()
	cs := NewChatChunkStream("gemini-2.5-flash")
	errPayload := []byte(`{"error":{"code":500,"message":"boom"}}`)
	out, keep := cs.Translate(errPayload)
	require.True(t, keep)
	require.Equal(t, errPayload, out)
}
