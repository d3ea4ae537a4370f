package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"llmrelay/internal/store"
)

// SessionHash derives the sticky-session key from client-stable inputs: the
// User-Agent, the client IP and the first ten characters of the presented api
// key. Empty fields are dropped; the rest join with ":". Used only for
// sticky lookups, never for auth or accounting.
func SessionHash(userAgent, ip, rawKey string) string {
	keyPrefix := rawKey
	if len(keyPrefix) > 10 {
		keyPrefix = keyPrefix[:10]
	}
	var parts []string
	for _, p := range []string{userAgent, ip, keyPrefix} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(sum[:])
}

// stickyRecord is the persisted sticky-session value.
type stickyRecord struct {
	AccountID   string `json:"accountId"`
	AccountType string `json:"type"`
}

func stickyKey(hash string) string { return "session:" + hash }

func (s *Scheduler) loadSticky(ctx context.Context, hash string) (stickyRecord, bool) {
	v, err := s.store.Get(ctx, stickyKey(hash))
	if err != nil {
		return stickyRecord{}, false
	}
	var rec stickyRecord
	if json.Unmarshal([]byte(v), &rec) != nil || rec.AccountID == "" {
		return stickyRecord{}, false
	}
	return rec, true
}

func (s *Scheduler) saveSticky(ctx context.Context, hash string, rec stickyRecord) {
	b, err := json.Marshal(rec)
	if err != nil {
		return
	}
	_ = s.store.Set(ctx, stickyKey(hash), string(b), s.stickyTTL)
}

// bindingRecord is the persisted global session binding, keyed by the
// upstream-derived session id. Claude-official only.
type bindingRecord struct {
	AccountID   string    `json:"accountId"`
	AccountType string    `json:"accountType"`
	CreatedAt   time.Time `json:"createdAt"`
	LastUsedAt  time.Time `json:"lastUsedAt"`
}

func bindingKey(sid string) string { return "original_session_binding:" + sid }

func (s *Scheduler) loadBinding(ctx context.Context, sid string) (bindingRecord, bool, error) {
	v, err := s.store.Get(ctx, bindingKey(sid))
	if store.IsNotFound(err) {
		return bindingRecord{}, false, nil
	}
	if err != nil {
		return bindingRecord{}, false, err
	}
	var rec bindingRecord
	if json.Unmarshal([]byte(v), &rec) != nil || rec.AccountID == "" {
		return bindingRecord{}, false, nil
	}
	return rec, true, nil
}

func (s *Scheduler) saveBinding(ctx context.Context, sid string, rec bindingRecord) {
	rec.LastUsedAt = s.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.LastUsedAt
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return
	}
	_ = s.store.Set(ctx, bindingKey(sid), string(b), s.bindingTTL)
}
