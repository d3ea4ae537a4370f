package config

// FileConfig is the on-disk configuration. YAML is the primary format;
// JSON is accepted for compatibility with container secrets mounts.
type FileConfig struct {
	// Server settings
	Port    int    `yaml:"port" json:"port"`
	Debug   bool   `yaml:"debug" json:"debug"`
	LogFile string `yaml:"log_file" json:"log_file"`

	// Redis settings (single source of truth for all gateway state)
	RedisAddr     string `yaml:"redis_addr" json:"redis_addr"`
	RedisPassword string `yaml:"redis_password" json:"redis_password"`
	RedisDB       int    `yaml:"redis_db" json:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix" json:"redis_prefix"`

	// Vault settings
	EncryptionSecret string `yaml:"encryption_secret" json:"encryption_secret"`

	// Scheduler settings
	StickySessionTTLMinutes   int    `yaml:"sticky_session_ttl_minutes" json:"sticky_session_ttl_minutes"`
	SessionBindingEnabled     bool   `yaml:"session_binding_enabled" json:"session_binding_enabled"`
	SessionBindingTTLDays     int    `yaml:"session_binding_ttl_days" json:"session_binding_ttl_days"`
	SessionBindingErrorPrompt string `yaml:"session_binding_error_prompt" json:"session_binding_error_prompt"`
	DefaultRateLimitMinutes   int    `yaml:"default_rate_limit_minutes" json:"default_rate_limit_minutes"`

	// Usage accounting
	UsageTimezone string                `yaml:"usage_timezone" json:"usage_timezone"`
	ModelPricing  map[string]ModelPrice `yaml:"model_pricing" json:"model_pricing"`

	// Transport settings
	RequestTimeoutSec        int    `yaml:"request_timeout_sec" json:"request_timeout_sec"`
	StreamTimeoutSec         int    `yaml:"stream_timeout_sec" json:"stream_timeout_sec"`
	HeartbeatIntervalSec     int    `yaml:"heartbeat_interval_sec" json:"heartbeat_interval_sec"`
	DefaultProxyURL          string `yaml:"default_proxy_url" json:"default_proxy_url"`
	DialTimeoutSec           int    `yaml:"dial_timeout_sec" json:"dial_timeout_sec"`
	TLSHandshakeTimeoutSec   int    `yaml:"tls_handshake_timeout_sec" json:"tls_handshake_timeout_sec"`
	ResponseHeaderTimeoutSec int    `yaml:"response_header_timeout_sec" json:"response_header_timeout_sec"`

	// Webhook settings
	WebhookURL        string `yaml:"webhook_url" json:"webhook_url"`
	WebhookRetryMax   int    `yaml:"webhook_retry_max" json:"webhook_retry_max"`
	WebhookTimeoutSec int    `yaml:"webhook_timeout_sec" json:"webhook_timeout_sec"`

	// Rate limiting (gateway-local, per client IP)
	RateLimitEnabled bool `yaml:"rate_limit_enabled" json:"rate_limit_enabled"`
	RateLimitRPS     int  `yaml:"rate_limit_rps" json:"rate_limit_rps"`
	RateLimitBurst   int  `yaml:"rate_limit_burst" json:"rate_limit_burst"`

	// Cost rank refresh cadence (minutes per window)
	CostRankTodayMinutes  int `yaml:"cost_rank_today_minutes" json:"cost_rank_today_minutes"`
	CostRank7DaysMinutes  int `yaml:"cost_rank_7days_minutes" json:"cost_rank_7days_minutes"`
	CostRank30DaysMinutes int `yaml:"cost_rank_30days_minutes" json:"cost_rank_30days_minutes"`
	CostRankAllMinutes    int `yaml:"cost_rank_all_minutes" json:"cost_rank_all_minutes"`

	// Upstream endpoints (overridable for tests and regional variants)
	AnthropicBaseURL string `yaml:"anthropic_base_url" json:"anthropic_base_url"`
	ChatGPTBaseURL   string `yaml:"chatgpt_base_url" json:"chatgpt_base_url"`
	CodexBaseURL     string `yaml:"codex_base_url" json:"codex_base_url"`
	CloudCodeBaseURL string `yaml:"cloudcode_base_url" json:"cloudcode_base_url"`
	GeminiBaseURL    string `yaml:"gemini_base_url" json:"gemini_base_url"`
}

// ModelPrice holds USD per 1k tokens for each token class.
type ModelPrice struct {
	Input       float64 `yaml:"input" json:"input"`
	Output      float64 `yaml:"output" json:"output"`
	CacheCreate float64 `yaml:"cache_create" json:"cache_create"`
	CacheRead   float64 `yaml:"cache_read" json:"cache_read"`
}

// applyDefaults fills zero values with production defaults.
func (c *FileConfig) applyDefaults() {
	if c.Port == 0 {
		c.Port = 3000
	}
	if c.RedisAddr == "" {
		c.RedisAddr = "127.0.0.1:6379"
	}
	if c.RedisPrefix == "" {
		c.RedisPrefix = "llmrelay:"
	}
	if c.StickySessionTTLMinutes == 0 {
		c.StickySessionTTLMinutes = 60
	}
	if c.SessionBindingTTLDays == 0 {
		c.SessionBindingTTLDays = 30
	}
	if c.SessionBindingErrorPrompt == "" {
		c.SessionBindingErrorPrompt = "This session is bound to an account that is no longer available"
	}
	if c.DefaultRateLimitMinutes == 0 {
		c.DefaultRateLimitMinutes = 60
	}
	if c.UsageTimezone == "" {
		c.UsageTimezone = "UTC+8"
	}
	if c.RequestTimeoutSec == 0 {
		c.RequestTimeoutSec = 120
	}
	if c.StreamTimeoutSec == 0 {
		c.StreamTimeoutSec = 600
	}
	if c.HeartbeatIntervalSec == 0 {
		c.HeartbeatIntervalSec = 15
	}
	if c.DialTimeoutSec == 0 {
		c.DialTimeoutSec = 10
	}
	if c.TLSHandshakeTimeoutSec == 0 {
		c.TLSHandshakeTimeoutSec = 10
	}
	if c.ResponseHeaderTimeoutSec == 0 {
		c.ResponseHeaderTimeoutSec = 60
	}
	if c.WebhookRetryMax == 0 {
		c.WebhookRetryMax = 3
	}
	if c.WebhookTimeoutSec == 0 {
		c.WebhookTimeoutSec = 10
	}
	if c.RateLimitRPS == 0 {
		c.RateLimitRPS = 50
	}
	if c.RateLimitBurst == 0 {
		c.RateLimitBurst = 100
	}
	if c.CostRankTodayMinutes == 0 {
		c.CostRankTodayMinutes = 10
	}
	if c.CostRank7DaysMinutes == 0 {
		c.CostRank7DaysMinutes = 30
	}
	if c.CostRank30DaysMinutes == 0 {
		c.CostRank30DaysMinutes = 60
	}
	if c.CostRankAllMinutes == 0 {
		c.CostRankAllMinutes = 120
	}
	if c.AnthropicBaseURL == "" {
		c.AnthropicBaseURL = "https://api.anthropic.com"
	}
	if c.ChatGPTBaseURL == "" {
		c.ChatGPTBaseURL = "https://chatgpt.com"
	}
	if c.CodexBaseURL == "" {
		c.CodexBaseURL = c.ChatGPTBaseURL + "/backend-api/codex"
	}
	if c.CloudCodeBaseURL == "" {
		c.CloudCodeBaseURL = "https://cloudcode-pa.googleapis.com"
	}
	if c.GeminiBaseURL == "" {
		c.GeminiBaseURL = "https://generativelanguage.googleapis.com"
	}
}
