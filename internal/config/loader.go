package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Load reads the configuration file, applies environment overrides and
// defaults. A missing file is not fatal: the gateway can run entirely from
// environment variables.
func Load(path string) (*FileConfig, error) {
	cfg := &FileConfig{}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := unmarshal(path, data, cfg); err != nil {
				return nil, err
			}
			log.WithField("path", path).Info("configuration loaded")
		case os.IsNotExist(err):
			log.WithField("path", path).Warn("config file not found, using environment and defaults")
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func unmarshal(path string, data []byte, cfg *FileConfig) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse JSON config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse YAML config: %w", err)
		}
	}
	return nil
}

// applyEnv overlays LLMRELAY_* environment variables onto the file values.
// Only the settings that operators commonly inject at deploy time are
// exposed; everything else stays file-driven.
func (c *FileConfig) applyEnv() {
	setStr := func(name string, dst *string) {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			*dst = v
		}
	}
	setInt := func(name string, dst *int) {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			} else {
				log.WithField("var", name).Warn("ignoring non-integer environment override")
			}
		}
	}
	setBool := func(name string, dst *bool) {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			}
		}
	}

	setInt("LLMRELAY_PORT", &c.Port)
	setBool("LLMRELAY_DEBUG", &c.Debug)
	setStr("LLMRELAY_LOG_FILE", &c.LogFile)
	setStr("LLMRELAY_REDIS_ADDR", &c.RedisAddr)
	setStr("LLMRELAY_REDIS_PASSWORD", &c.RedisPassword)
	setInt("LLMRELAY_REDIS_DB", &c.RedisDB)
	setStr("LLMRELAY_REDIS_PREFIX", &c.RedisPrefix)
	setStr("LLMRELAY_ENCRYPTION_SECRET", &c.EncryptionSecret)
	setStr("LLMRELAY_WEBHOOK_URL", &c.WebhookURL)
	setStr("LLMRELAY_USAGE_TIMEZONE", &c.UsageTimezone)
	setBool("LLMRELAY_SESSION_BINDING_ENABLED", &c.SessionBindingEnabled)
	setStr("LLMRELAY_DEFAULT_PROXY_URL", &c.DefaultProxyURL)
}
