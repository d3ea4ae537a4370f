package apikey

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Permission scopes. "all" grants every provider family.
const (
	PermissionAll    = "all"
	PermissionClaude = "claude"
	PermissionGemini = "gemini"
	PermissionOpenAI = "openai"
)

// GroupBindingPrefix marks a binding slot that points at an account group
// instead of a single account.
const GroupBindingPrefix = "group:"

// Key is a tenant-facing bearer record. The raw key material is never stored;
// only its SHA-256 is kept, indexed via apikey:hash:{sha}.
type Key struct {
	ID        string
	Name      string
	HashedKey string

	Permissions string

	TokenLimit        int64   // lifetime token budget, 0 = unlimited
	RateLimitRequests int     // sliding-window request cap, 0 = unlimited
	RateLimitWindow   int     // window length in minutes
	ConcurrencyLimit  int     // simultaneous in-flight requests, 0 = unlimited
	DailyCostLimit    float64 // USD per day, 0 = unlimited

	EnableModelRestriction  bool
	RestrictedModels        []string
	EnableClientRestriction bool
	AllowedClients          []string

	// Bindings pins a provider family to one account ("<accountId>") or a
	// group ("group:<groupId>"). Absent entry = shared pool.
	Bindings map[string]string

	IsDeleted  bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
	LastUsedAt time.Time
}

// HashKey derives the stored index form of a raw bearer key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// HasPermission reports whether the key may use the given provider family.
func (k *Key) HasPermission(platform string) bool {
	switch k.Permissions {
	case "", PermissionAll:
		return true
	case PermissionClaude:
		return strings.HasPrefix(platform, "claude") || platform == "bedrock" || platform == "ccr"
	case PermissionGemini:
		return strings.HasPrefix(platform, "gemini")
	case PermissionOpenAI:
		return strings.HasPrefix(platform, "openai") || platform == "azure-openai"
	default:
		return k.Permissions == platform
	}
}

// ModelAllowed applies the restricted-models list. Restriction only bites when
// the toggle is on.
func (k *Key) ModelAllowed(model string) bool {
	if !k.EnableModelRestriction || model == "" {
		return true
	}
	for _, m := range k.RestrictedModels {
		if m == model {
			return false
		}
	}
	return true
}

// ClientAllowed applies the allowed-clients list against the User-Agent.
func (k *Key) ClientAllowed(userAgent string) bool {
	if !k.EnableClientRestriction {
		return true
	}
	for _, c := range k.AllowedClients {
		if c != "" && strings.Contains(userAgent, c) {
			return true
		}
	}
	return false
}

// Binding returns the pin for a provider family, empty when unbound.
func (k *Key) Binding(platform string) string {
	if k.Bindings == nil {
		return ""
	}
	return k.Bindings[platform]
}

// IsGroupBinding reports whether a binding value targets a group and returns
// the group id.
func IsGroupBinding(binding string) (string, bool) {
	if strings.HasPrefix(binding, GroupBindingPrefix) {
		return strings.TrimPrefix(binding, GroupBindingPrefix), true
	}
	return "", false
}

func keyRecordKey(id string) string  { return "apikey:" + id }
func hashIndexKey(sha string) string { return "apikey:hash:" + sha }

const allKeysSet = "apikey:all"

func (k *Key) toHash() (map[string]string, error) {
	h := map[string]string{
		"id":                      k.ID,
		"name":                    k.Name,
		"hashedKey":               k.HashedKey,
		"permissions":             k.Permissions,
		"tokenLimit":              strconv.FormatInt(k.TokenLimit, 10),
		"rateLimitRequests":       strconv.Itoa(k.RateLimitRequests),
		"rateLimitWindow":         strconv.Itoa(k.RateLimitWindow),
		"concurrencyLimit":        strconv.Itoa(k.ConcurrencyLimit),
		"dailyCostLimit":          strconv.FormatFloat(k.DailyCostLimit, 'f', -1, 64),
		"enableModelRestriction":  strconv.FormatBool(k.EnableModelRestriction),
		"enableClientRestriction": strconv.FormatBool(k.EnableClientRestriction),
		"isDeleted":               strconv.FormatBool(k.IsDeleted),
	}
	for field, v := range map[string]interface{}{
		"restrictedModels": k.RestrictedModels,
		"allowedClients":   k.AllowedClients,
		"bindings":         k.Bindings,
	} {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		h[field] = string(b)
	}
	putTime(h, "createdAt", k.CreatedAt)
	putTime(h, "updatedAt", k.UpdatedAt)
	putTime(h, "lastUsedAt", k.LastUsedAt)
	return h, nil
}

func fromHash(h map[string]string) *Key {
	k := &Key{
		ID:                      h["id"],
		Name:                    h["name"],
		HashedKey:               h["hashedKey"],
		Permissions:             h["permissions"],
		TokenLimit:              atoi64(h["tokenLimit"]),
		RateLimitRequests:       atoi(h["rateLimitRequests"]),
		RateLimitWindow:         atoi(h["rateLimitWindow"]),
		ConcurrencyLimit:        atoi(h["concurrencyLimit"]),
		DailyCostLimit:          atof(h["dailyCostLimit"]),
		EnableModelRestriction:  h["enableModelRestriction"] == "true",
		EnableClientRestriction: h["enableClientRestriction"] == "true",
		IsDeleted:               h["isDeleted"] == "true",
		CreatedAt:               parseTime(h["createdAt"]),
		UpdatedAt:               parseTime(h["updatedAt"]),
		LastUsedAt:              parseTime(h["lastUsedAt"]),
	}
	_ = json.Unmarshal([]byte(h["restrictedModels"]), &k.RestrictedModels)
	_ = json.Unmarshal([]byte(h["allowedClients"]), &k.AllowedClients)
	_ = json.Unmarshal([]byte(h["bindings"]), &k.Bindings)
	return k
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

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func atof(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
