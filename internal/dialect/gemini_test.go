package dialect

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestNormalizeGeminiPassthrough(t *testing.T) {
	t.Parallel()
	body := []byte(`{
		"contents": [{"role":"user","parts":[{"text":"hi"}]}],
		"generationConfig": {"temperature": 0.5},
		"safetySettings": [{"category":"HARM_CATEGORY_HARASSMENT","threshold":"BLOCK_NONE"}],
		"tools": [{"functionDeclarations":[{"name":"lookup"}]}],
		"unknownField": true
	}`)

	out, err := NormalizeGeminiRequest(body, false)
	require.NoError(t, err)
	require.Equal(t, "hi", gjson.GetBytes(out, "contents.0.parts.0.text").String())
	require.Equal(t, 0.5, gjson.GetBytes(out, "generationConfig.temperature").Float())
	require.Equal(t, "lookup", gjson.GetBytes(out, "tools.0.functionDeclarations.0.name").String())
	require.True(t, gjson.GetBytes(out, "safetySettings").IsArray())
	// sections outside the passthrough list are dropped
	require.False(t, gjson.GetBytes(out, "unknownField").Exists())
}

func TestNormalizeGeminiRejectsEmptyContents(t *testing.T) {
	t.Parallel()
	_, err := NormalizeGeminiRequest([]byte(`{"contents":[]}`), false)
	require.Error(t, err)
	_, err = NormalizeGeminiRequest([]byte(`{}`), false)
	require.Error(t, err)
}

func TestSystemInstructionRules(t *testing.T) {
	t.Parallel()

	// non-empty text part: kept, role defaulted
	out, err := NormalizeGeminiRequest([]byte(`{
		"contents":[{"role":"user","parts":[{"text":"hi"}]}],
		"systemInstruction":{"parts":[{"text":"be brief"}]}
	}`), false)
	require.NoError(t, err)
	require.Equal(t, "be brief", gjson.GetBytes(out, "systemInstruction.parts.0.text").String())
	require.Equal(t, "user", gjson.GetBytes(out, "systemInstruction.role").String())

	// explicit role survives
	out, err = NormalizeGeminiRequest([]byte(`{
		"contents":[{"role":"user","parts":[{"text":"hi"}]}],
		"systemInstruction":{"role":"system","parts":[{"text":"x"}]}
	}`), false)
	require.NoError(t, err)
	require.Equal(t, "system", gjson.GetBytes(out, "systemInstruction.role").String())

	// all-empty parts: dropped entirely
	out, err = NormalizeGeminiRequest([]byte(`{
		"contents":[{"role":"user","parts":[{"text":"hi"}]}],
		"systemInstruction":{"parts":[{"text":""}]}
	}`), false)
	require.NoError(t, err)
	require.False(t, gjson.GetBytes(out, "systemInstruction").Exists())

	// snake_case alias accepted
	out, err = NormalizeGeminiRequest([]byte(`{
		"contents":[{"role":"user","parts":[{"text":"hi"}]}],
		"system_instruction":{"parts":[{"text":"alias"}]}
	}`), false)
	require.NoError(t, err)
	require.Equal(t, "alias", gjson.GetBytes(out, "systemInstruction.parts.0.text").String())
}

func TestSanitizeFunctionResponsesLaw(t *testing.T) {
	t.Parallel()
	body := []byte(`{
		"contents":[
			{"role":"user","parts":[{"text":"hi"}]},
			{"role":"user","parts":[
				{"functionResponse":{"id":"call-1","name":"lookup","response":{"ok":true},"extra":"x"}},
				{"text":"and this"}
			]}
		]
	}`)

	out := SanitizeFunctionResponses(body)
	fr := gjson.GetBytes(out, "contents.1.parts.0.functionResponse")
	require.Equal(t, "lookup", fr.Get("name").String())
	require.True(t, fr.Get("response.ok").Bool())
	require.False(t, fr.Get("id").Exists())
	require.False(t, fr.Get("extra").Exists())
	// everything else preserved
	require.Equal(t, "hi", gjson.GetBytes(out, "contents.0.parts.0.text").String())
	require.Equal(t, "and this", gjson.GetBytes(out, "contents.1.parts.1.text").String())
}

func TestSanitizeAppliedOnlyForAPIKeyAccounts(t *testing.T) {
	t.Parallel()
	body := []byte(`{
		"contents":[{"role":"user","parts":[{"functionResponse":{"id":"keep-me","name":"f","response":{}}}]}]
	}`)

	oauth, err := NormalizeGeminiRequest(body, false)
	require.NoError(t, err)
	require.True(t, gjson.GetBytes(oauth, "contents.0.parts.0.functionResponse.id").Exists())

	apiKey, err := NormalizeGeminiRequest(body, true)
	require.NoError(t, err)
	require.False(t, gjson.GetBytes(apiKey, "contents.0.parts.0.functionResponse.id").Exists())
}
