package dialect

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractGeminiUsage(t *testing.T) {
	t.Parallel()
	u := ExtractGeminiUsage([]byte(`{"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":5,"totalTokenCount":8}}`))
	require.Equal(t, int64(3), u.InputTokens)
	require.Equal(t, int64(5), u.OutputTokens)
	require.Equal(t, int64(8), u.TotalTokens)
	require.True(t, u.Observed())

	// Cloud Code envelope form
	wrapped := ExtractGeminiUsage([]byte(`{"response":{"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":2,"totalTokenCount":12}}}`))
	require.Equal(t, int64(12), wrapped.TotalTokens)

	require.False(t, ExtractGeminiUsage([]byte(`{"candidates":[]}`)).Observed())
}

func TestExtractGeminiUsageCachedSplit(t *testing.T) {
	t.Parallel()
	u := ExtractGeminiUsage([]byte(`{"usageMetadata":{"promptTokenCount":100,"cachedContentTokenCount":60,"candidatesTokenCount":10,"totalTokenCount":110}}`))
	require.Equal(t, int64(40), u.InputTokens)
	require.Equal(t, int64(60), u.CacheReadTokens)
}

func TestExtractResponsesUsage(t *testing.T) {
	t.Parallel()
	payload := []byte(`{"response":{"usage":{"input_tokens":120,"output_tokens":30,"input_tokens_details":{"cached_tokens":100}}}}`)
	u := ExtractResponsesUsage(payload)
	require.Equal(t, int64(20), u.InputTokens)
	require.Equal(t, int64(100), u.CacheReadTokens)
	require.Equal(t, int64(30), u.OutputTokens)
	require.Equal(t, int64(150), u.TotalTokens)
}

func TestExtractResponsesUsageClampsNegative(t *testing.T) {
	t.Parallel()
	payload := []byte(`{"usage":{"input_tokens":5,"output_tokens":1,"input_tokens_details":{"cached_tokens":10}}}`)
	u := ExtractResponsesUsage(payload)
	require.Zero(t, u.InputTokens)
	require.Equal(t, int64(10), u.CacheReadTokens)
}

func TestExtractAnthropicUsage(t *testing.T) {
	t.Parallel()
	// message_start shape
	start := ExtractAnthropicUsage([]byte(`{"type":"message_start","message":{"usage":{"input_tokens":25,"cache_creation_input_tokens":5,"output_tokens":1}}}`))
	require.Equal(t, int64(25), start.InputTokens)
	require.Equal(t, int64(5), start.CacheCreateTokens)

	// message_delta shape carries the final output count
	delta := ExtractAnthropicUsage([]byte(`{"type":"message_delta","usage":{"output_tokens":42}}`))
	require.Equal(t, int64(42), delta.OutputTokens)

	merged := start.Merge(delta)
	require.Equal(t, int64(25), merged.InputTokens)
	require.Equal(t, int64(42), merged.OutputTokens)
	require.Equal(t, int64(72), merged.TotalTokens)
}

func TestExtractOriginalSessionID(t *testing.T) {
	t.Parallel()
	sid := "0a1b2c3d-4e5f-6071-8293-a4b5c6d7e8f9"
	body := []byte(`{"metadata":{"user_id":"user_abc_account__session_` + sid + `"}}`)
	require.Equal(t, sid, ExtractOriginalSessionID(body))

	require.Empty(t, ExtractOriginalSessionID([]byte(`{"metadata":{"user_id":"no-session-here"}}`)))
	require.Empty(t, ExtractOriginalSessionID([]byte(`{}`)))
}

func TestValidateAnthropicRequest(t *testing.T) {
	t.Parallel()
	require.NoError(t, ValidateAnthropicRequest([]byte(`{"model":"claude-sonnet-4","messages":[{"role":"user","content":"hi"}]}`)))
	require.Error(t, ValidateAnthropicRequest([]byte(`{"messages":[{"role":"user","content":"hi"}]}`)))
	require.Error(t, ValidateAnthropicRequest([]byte(`{"model":"claude-sonnet-4","messages":[]}`)))
}

func TestNewUserPromptIDShape(t *testing.T) {
	t.Parallel()
	id := NewUserPromptID()
	require.True(t, strings.HasSuffix(id, "########0"))
	require.Len(t, id, 36+9)
}
