package dialect

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestNativeCodexClientDetection(t *testing.T) {
	t.Parallel()
	for ua, want := range map[string]bool{
		"codex_cli_rs/0.21.0 (Ubuntu 22.04)": true,
		"codex_vscode/1.2":                   true,
		"codex_cli_rs/1":                     true,
		"curl/8":                             false,
		"codex_cli_rs":                       false,
		"my_codex_cli_rs/1.0":                false,
	} {
		require.Equal(t, want, IsNativeCodexClient(ua), ua)
	}
}

func TestNormalizeCodexModel(t *testing.T) {
	t.Parallel()
	require.Equal(t, "gpt-5", NormalizeCodexModel("gpt-5-2025-08-07"))
	require.Equal(t, "gpt-5", NormalizeCodexModel("gpt-5-preview"))
	require.Equal(t, "gpt-5-codex", NormalizeCodexModel("gpt-5-codex"))
	require.Equal(t, "gpt-5", NormalizeCodexModel("gpt-5"))
	require.Equal(t, "gpt-4.1", NormalizeCodexModel("gpt-4.1"))
}

func TestAdaptCodexRequestNonNative(t *testing.T) {
	t.Parallel()
	body := []byte(`{
		"model": "gpt-5-preview",
		"input": [{"role":"user","content":[{"type":"input_text","text":"hi"}]}],
		"temperature": 0.5,
		"top_p": 0.9,
		"service_tier": "default"
	}`)

	out, model, err := AdaptCodexRequest(body, "curl/8", false)
	require.NoError(t, err)
	require.Equal(t, "gpt-5", model)
	require.Equal(t, "gpt-5", gjson.GetBytes(out, "model").String())
	require.False(t, gjson.GetBytes(out, "temperature").Exists())
	require.False(t, gjson.GetBytes(out, "top_p").Exists())
	require.False(t, gjson.GetBytes(out, "service_tier").Exists())
	require.NotEmpty(t, gjson.GetBytes(out, "instructions").String())
	require.False(t, gjson.GetBytes(out, "store").Bool())
	require.True(t, gjson.GetBytes(out, "store").Exists())
	// payload itself survives
	require.Equal(t, "hi", gjson.GetBytes(out, "input.0.content.0.text").String())
}

func TestAdaptCodexRequestNativePassthrough(t *testing.T) {
	t.Parallel()
	body := []byte(`{"model":"gpt-5-codex","temperature":0.3,"instructions":"mine"}`)

	out, model, err := AdaptCodexRequest(body, "codex_cli_rs/0.21.0", false)
	require.NoError(t, err)
	require.Equal(t, "gpt-5-codex", model)
	require.Equal(t, 0.3, gjson.GetBytes(out, "temperature").Float())
	require.Equal(t, "mine", gjson.GetBytes(out, "instructions").String())
	require.False(t, gjson.GetBytes(out, "store").Exists())
}

func TestAdaptCodexCompactRemovesStore(t *testing.T) {
	t.Parallel()
	body := []byte(`{"model":"gpt-5","store":true}`)

	out, _, err := AdaptCodexRequest(body, "codex_cli_rs/0.21.0", true)
	require.NoError(t, err)
	require.False(t, gjson.GetBytes(out, "store").Exists())

	// non-native path also ends store-less on compact
	out, _, err = AdaptCodexRequest(body, "curl/8", true)
	require.NoError(t, err)
	require.False(t, gjson.GetBytes(out, "store").Exists())
}
