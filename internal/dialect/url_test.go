package dialect

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildGeminiURLRoundTrip(t *testing.T) {
	t.Parallel()
	// same logical endpoint whether or not baseUrl carries the suffix
	withSuffix := BuildGeminiURL("https://gw.example.com/v1beta/models", "gemini-2.5-flash", "generateContent", "k", false)
	without := BuildGeminiURL("https://gw.example.com", "gemini-2.5-flash", "generateContent", "k", false)
	require.Equal(t, withSuffix, without)
	require.Equal(t, "https://gw.example.com/v1beta/models/gemini-2.5-flash:generateContent?key=k", without)

	trailing := BuildGeminiURL("https://gw.example.com/", "gemini-2.5-flash", "generateContent", "k", false)
	require.Equal(t, without, trailing)
}

func TestBuildGeminiURLStream(t *testing.T) {
	t.Parallel()
	u := BuildGeminiURL("", "gemini-2.5-flash", "streamGenerateContent", "secret", true)
	require.Equal(t,
		"https://generativelanguage.googleapis.com/v1beta/models/gemini-2.5-flash:streamGenerateContent?alt=sse&key=secret",
		u)
}

func TestBuildGeminiListURL(t *testing.T) {
	t.Parallel()
	require.Equal(t,
		"https://gw.example.com/v1beta/models?key=k",
		BuildGeminiListURL("https://gw.example.com/", "k"))
	require.Equal(t,
		"https://gw.example.com/v1beta/models?key=k",
		BuildGeminiListURL("https://gw.example.com/v1beta/models", "k"))
}
