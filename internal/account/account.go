package account

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Platform identifiers. One account record belongs to exactly one platform;
// key layout is "<platform>_account:{id}" with platform dashes flattened.
const (
	PlatformClaude          = "claude"
	PlatformClaudeConsole   = "claude-console"
	PlatformGemini          = "gemini"
	PlatformGeminiAPI       = "gemini-api"
	PlatformOpenAI          = "openai"
	PlatformOpenAIResponses = "openai-responses"
	PlatformAzureOpenAI     = "azure-openai"
	PlatformBedrock         = "bedrock"
	PlatformDroid           = "droid"
	PlatformCCR             = "ccr"
)

// Account status values.
const (
	StatusActive       = "active"
	StatusRateLimited  = "rateLimited"
	StatusUnauthorized = "unauthorized"
	StatusError        = "error"
	StatusCreated      = "created"
)

// Account types.
const (
	TypeShared    = "shared"
	TypeDedicated = "dedicated"
)

// CredentialKind partitions platforms by the secret material they carry.
type CredentialKind int

const (
	CredentialOAuth CredentialKind = iota
	CredentialAPIKey
	CredentialAWS
)

// KindForPlatform returns the credential family of a platform.
func KindForPlatform(platform string) CredentialKind {
	switch platform {
	case PlatformGeminiAPI, PlatformOpenAIResponses, PlatformAzureOpenAI:
		return CredentialAPIKey
	case PlatformBedrock:
		return CredentialAWS
	default:
		return CredentialOAuth
	}
}

// ProxyConfig describes an egress proxy bound to one account.
type ProxyConfig struct {
	Type     string `json:"type"` // http | https | socks5
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// URL renders the proxy as a URL string usable by the transport layer.
func (p *ProxyConfig) URL() string {
	if p == nil || p.Host == "" {
		return ""
	}
	scheme := p.Type
	if scheme == "" {
		scheme = "http"
	}
	auth := ""
	if p.Username != "" {
		auth = p.Username
		if p.Password != "" {
			auth += ":" + p.Password
		}
		auth += "@"
	}
	return scheme + "://" + auth + p.Host + ":" + strconv.Itoa(p.Port)
}

// Account is one upstream credential record. Secret fields hold plaintext in
// memory; the repo encrypts them on write and decrypts on read.
type Account struct {
	ID          string
	Platform    string
	Name        string
	Priority    int    // 1..100, lower schedules earlier
	AccountType string // shared | dedicated

	IsActive    bool
	Schedulable bool
	Status      string

	Proxy           *ProxyConfig
	SupportedModels []string // empty = all models

	RateLimitedAt     time.Time
	RateLimitResetAt  time.Time
	RateLimitDuration int // minutes
	RateLimitStatus   string

	UnauthorizedAt    time.Time
	UnauthorizedCount int
	ErrorMessage      string

	LastUsedAt time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time

	// OAuth family secrets
	AccessToken   string
	RefreshToken  string
	ExpiresAt     time.Time
	ProjectID     string
	TempProjectID string
	ChatGPTUserID string

	// API-key family secrets
	APIKey  string
	BaseURL string

	// Bedrock secrets
	AWSCredentials string
	Region         string
	CredentialType string // default | access_key | bearer_token
}

// Kind returns the credential family for this account.
func (a *Account) Kind() CredentialKind { return KindForPlatform(a.Platform) }

// Paused reports the admin-paused state: schedulable toggled off while the
// underlying status is still active.
func (a *Account) Paused() bool { return a.Status == StatusActive && !a.Schedulable }

// SupportsModel reports whether the account can serve the model. An empty
// supportedModels list means every model.
func (a *Account) SupportsModel(model string) bool {
	if model == "" || len(a.SupportedModels) == 0 {
		return true
	}
	for _, m := range a.SupportedModels {
		if m == model {
			return true
		}
	}
	return false
}

// TokenExpired reports whether the OAuth access token has lapsed. Non-OAuth
// accounts never expire.
func (a *Account) TokenExpired(now time.Time) bool {
	if a.Kind() != CredentialOAuth {
		return false
	}
	if a.ExpiresAt.IsZero() {
		return false
	}
	return now.After(a.ExpiresAt)
}

// familyKey flattens a platform name into a key-safe token
// ("claude-console" -> "claude_console").
func familyKey(platform string) string {
	return strings.ReplaceAll(platform, "-", "_")
}

// accountKey is the hash key for one account record.
func accountKey(platform, id string) string {
	return familyKey(platform) + "_account:" + id
}

// sharedSetKey is the set of shared account ids for a platform.
func sharedSetKey(platform string) string {
	return "shared_" + familyKey(platform) + "_accounts"
}

const maskedSecret = "***"

// toHash serializes the account to a flat hash. encrypt is applied to each
// secret field; pass the vault's Encrypt.
func (a *Account) toHash(encrypt func(string) (string, error)) (map[string]string, error) {
	h := map[string]string{
		"id":                a.ID,
		"platform":          a.Platform,
		"name":              a.Name,
		"priority":          strconv.Itoa(a.Priority),
		"accountType":       a.AccountType,
		"isActive":          strconv.FormatBool(a.IsActive),
		"schedulable":       strconv.FormatBool(a.Schedulable),
		"status":            a.Status,
		"rateLimitDuration": strconv.Itoa(a.RateLimitDuration),
		"rateLimitStatus":   a.RateLimitStatus,
		"unauthorizedCount": strconv.Itoa(a.UnauthorizedCount),
		"errorMessage":      a.ErrorMessage,
		"region":            a.Region,
		"credentialType":    a.CredentialType,
		"projectId":         a.ProjectID,
		"tempProjectId":     a.TempProjectID,
		"baseUrl":           normalizeBaseURL(a.BaseURL),
	}
	putTime(h, "rateLimitedAt", a.RateLimitedAt)
	putTime(h, "rateLimitResetAt", a.RateLimitResetAt)
	putTime(h, "unauthorizedAt", a.UnauthorizedAt)
	putTime(h, "lastUsedAt", a.LastUsedAt)
	putTime(h, "createdAt", a.CreatedAt)
	putTime(h, "updatedAt", a.UpdatedAt)
	putTime(h, "expiresAt", a.ExpiresAt)

	if a.Proxy != nil {
		b, err := json.Marshal(a.Proxy)
		if err != nil {
			return nil, err
		}
		h["proxy"] = string(b)
	} else {
		h["proxy"] = ""
	}
	if len(a.SupportedModels) > 0 {
		b, err := json.Marshal(a.SupportedModels)
		if err != nil {
			return nil, err
		}
		h["supportedModels"] = string(b)
	} else {
		h["supportedModels"] = ""
	}

	for field, plain := range map[string]string{
		"accessToken":    a.AccessToken,
		"refreshToken":   a.RefreshToken,
		"chatgptUserId":  a.ChatGPTUserID,
		"apiKey":         a.APIKey,
		"awsCredentials": a.AWSCredentials,
	} {
		blob, err := encrypt(plain)
		if err != nil {
			return nil, err
		}
		h[field] = blob
	}
	return h, nil
}

// fromHash deserializes a hash into an Account, decrypting secret fields.
func fromHash(h map[string]string, decrypt func(string) string) *Account {
	a := &Account{
		ID:                h["id"],
		Platform:          h["platform"],
		Name:              h["name"],
		AccountType:       h["accountType"],
		Status:            h["status"],
		RateLimitStatus:   h["rateLimitStatus"],
		ErrorMessage:      h["errorMessage"],
		Region:            h["region"],
		CredentialType:    h["credentialType"],
		ProjectID:         h["projectId"],
		TempProjectID:     h["tempProjectId"],
		BaseURL:           h["baseUrl"],
		Priority:          atoi(h["priority"]),
		RateLimitDuration: atoi(h["rateLimitDuration"]),
		UnauthorizedCount: atoi(h["unauthorizedCount"]),
		IsActive:          h["isActive"] == "true",
		Schedulable:       h["schedulable"] == "true",
		RateLimitedAt:     parseTime(h["rateLimitedAt"]),
		RateLimitResetAt:  parseTime(h["rateLimitResetAt"]),
		UnauthorizedAt:    parseTime(h["unauthorizedAt"]),
		LastUsedAt:        parseTime(h["lastUsedAt"]),
		CreatedAt:         parseTime(h["createdAt"]),
		UpdatedAt:         parseTime(h["updatedAt"]),
		ExpiresAt:         parseTime(h["expiresAt"]),
	}
	if raw := h["proxy"]; raw != "" {
		var p ProxyConfig
		if json.Unmarshal([]byte(raw), &p) == nil {
			a.Proxy = &p
		}
	}
	if raw := h["supportedModels"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &a.SupportedModels)
	}
	a.AccessToken = decrypt(h["accessToken"])
	a.RefreshToken = decrypt(h["refreshToken"])
	a.ChatGPTUserID = decrypt(h["chatgptUserId"])
	a.APIKey = decrypt(h["apiKey"])
	a.AWSCredentials = decrypt(h["awsCredentials"])
	return a
}

// maskSecrets replaces decrypted secret material for listing surfaces.
func (a *Account) maskSecrets() {
	mask := func(s *string) {
		if *s != "" {
			*s = maskedSecret
		}
	}
	mask(&a.AccessToken)
	mask(&a.RefreshToken)
	mask(&a.ChatGPTUserID)
	mask(&a.APIKey)
	mask(&a.AWSCredentials)
	if a.Proxy != nil && a.Proxy.Password != "" {
		a.Proxy.Password = maskedSecret
	}
}

func normalizeBaseURL(u string) string {
	return strings.TrimRight(u, "/")
}

func putTime(h map[string]string, field string, t time.Time) {
	if t.IsZero() {
		h[field] = ""
		return
	}
	h[field] = t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
