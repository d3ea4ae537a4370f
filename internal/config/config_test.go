package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadYAMLWithDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 8080\nredis_prefix: \"test:\"\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Port)
	require.Equal(t, "test:", cfg.RedisPrefix)
	require.Equal(t, 600, cfg.StreamTimeoutSec)
	require.Equal(t, 60, cfg.StickySessionTTLMinutes)
	require.Equal(t, "UTC+8", cfg.UsageTimezone)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, 3000, cfg.Port)
	require.Equal(t, "llmrelay:", cfg.RedisPrefix)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LLMRELAY_PORT", "9001")
	t.Setenv("LLMRELAY_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("LLMRELAY_SESSION_BINDING_ENABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 9001, cfg.Port)
	require.Equal(t, "redis.internal:6380", cfg.RedisAddr)
	require.True(t, cfg.SessionBindingEnabled)
}

func TestParseLocationFixedOffset(t *testing.T) {
	loc, err := ParseLocation("UTC+8")
	require.NoError(t, err)

	ref := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.Equal(t, "2024-01-01 08:00", ref.In(loc).Format("2006-01-02 15:04"))

	loc, err = ParseLocation("UTC-03:30")
	require.NoError(t, err)
	_, offset := ref.In(loc).Zone()
	require.Equal(t, -(3*3600 + 30*60), offset)
}

func TestParseLocationRejectsGarbage(t *testing.T) {
	_, err := ParseLocation("UTC+99")
	require.Error(t, err)
	_, err = ParseLocation("Not/AZone")
	require.Error(t, err)
}
