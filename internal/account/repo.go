package account

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"llmrelay/internal/store"
	"llmrelay/internal/vault"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Notifier receives account anomaly/recovery events. The webhook package
// provides the production implementation; tests plug in a recorder.
type Notifier interface {
	Notify(ctx context.Context, evt Event)
}

// Event is the webhook payload for account state changes.
type Event struct {
	AccountID   string    `json:"accountId"`
	AccountName string    `json:"accountName"`
	Platform    string    `json:"platform"`
	Status      string    `json:"status"`
	ErrorCode   string    `json:"errorCode,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Repo persists accounts of a single platform. Secrets are encrypted through
// the vault before they touch the store and decrypted on every read; no
// decrypted account state is cached between requests.
type Repo struct {
	store    *store.Client
	vault    *vault.Vault
	platform string
	notifier Notifier

	// defaultRateLimitMinutes applies when SetRateLimited gets no duration.
	defaultRateLimitMinutes int
}

// RepoOptions tunes repo construction.
type RepoOptions struct {
	Notifier                Notifier
	DefaultRateLimitMinutes int
}

// NewRepo builds a repo for one platform.
func NewRepo(st *store.Client, v *vault.Vault, platform string, opts RepoOptions) *Repo {
	if opts.DefaultRateLimitMinutes <= 0 {
		opts.DefaultRateLimitMinutes = 60
	}
	return &Repo{
		store:                   st,
		vault:                   v,
		platform:                platform,
		notifier:                opts.Notifier,
		defaultRateLimitMinutes: opts.DefaultRateLimitMinutes,
	}
}

// Platform returns the platform this repo serves.
func (r *Repo) Platform() string { return r.platform }

// Create stores a new account. A missing id is generated; a missing status
// defaults to created (no usable credentials yet) or active when credentials
// are present.
func (r *Repo) Create(ctx context.Context, a *Account) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.Platform = r.platform
	if a.AccountType == "" {
		a.AccountType = TypeShared
	}
	if a.Priority <= 0 {
		a.Priority = 50
	}
	if a.Status == "" {
		if r.hasCredentials(a) {
			a.Status = StatusActive
			a.Schedulable = true
			a.IsActive = true
		} else {
			a.Status = StatusCreated
		}
	}
	now := time.Now()
	a.CreatedAt = now
	a.UpdatedAt = now

	if err := r.write(ctx, a); err != nil {
		return err
	}
	if a.AccountType == TypeShared {
		if err := r.store.SAdd(ctx, sharedSetKey(r.platform), a.ID); err != nil {
			return fmt.Errorf("register shared account: %w", err)
		}
	}
	return nil
}

// Get loads one account with decrypted secrets.
func (r *Repo) Get(ctx context.Context, id string) (*Account, error) {
	h, err := r.store.HGetAll(ctx, accountKey(r.platform, id))
	if err != nil {
		return nil, err
	}
	if len(h) == 0 {
		return nil, &store.ErrNotFound{Key: accountKey(r.platform, id)}
	}
	return fromHash(h, r.vault.Decrypt), nil
}

// Update applies a shallow patch under read-modify-write. The apply callback
// mutates the freshly loaded record; secret fields re-encrypt and the base
// URL re-normalizes on write.
func (r *Repo) Update(ctx context.Context, id string, apply func(*Account) error) (*Account, error) {
	a, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := apply(a); err != nil {
		return nil, err
	}
	a.UpdatedAt = time.Now()
	if err := r.write(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Delete removes the account record and its shared-set membership.
func (r *Repo) Delete(ctx context.Context, id string) error {
	if err := r.store.SRem(ctx, sharedSetKey(r.platform), id); err != nil {
		return err
	}
	return r.store.Del(ctx, accountKey(r.platform, id))
}

// ListAll returns every account of the platform: the shared set unioned with
// a full key scan (dedicated accounts are not in the shared set). Secrets are
// masked with "***".
func (r *Repo) ListAll(ctx context.Context, includeInactive bool) ([]*Account, error) {
	ids := map[string]struct{}{}

	shared, err := r.store.SMembers(ctx, sharedSetKey(r.platform))
	if err != nil {
		return nil, err
	}
	for _, id := range shared {
		ids[id] = struct{}{}
	}

	keyPrefix := familyKey(r.platform) + "_account:"
	keys, err := r.store.Scan(ctx, keyPrefix+"*")
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		ids[strings.TrimPrefix(k, keyPrefix)] = struct{}{}
	}

	out := make([]*Account, 0, len(ids))
	for id := range ids {
		a, err := r.Get(ctx, id)
		if err != nil {
			if store.IsNotFound(err) {
				continue // stale shared-set member
			}
			return nil, err
		}
		if !includeInactive && !a.IsActive {
			continue
		}
		a.maskSecrets()
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListSchedulable loads the full shared pool with decrypted secrets for the
// scheduler. Unlike ListAll this never masks: the dispatcher needs the
// tokens.
func (r *Repo) ListSchedulable(ctx context.Context) ([]*Account, error) {
	shared, err := r.store.SMembers(ctx, sharedSetKey(r.platform))
	if err != nil {
		return nil, err
	}
	out := make([]*Account, 0, len(shared))
	for _, id := range shared {
		a, err := r.Get(ctx, id)
		if err != nil {
			if store.IsNotFound(err) {
				log.WithField("account", id).Warn("shared set references missing account")
				continue
			}
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// MarkUsed stamps lastUsedAt. Called by the dispatcher after a successful
// upstream send.
func (r *Repo) MarkUsed(ctx context.Context, id string) error {
	return r.store.HSet(ctx, accountKey(r.platform, id), map[string]string{
		"lastUsedAt": time.Now().UTC().Format(time.RFC3339Nano),
		"updatedAt":  time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// UpdateTokens persists refreshed OAuth material.
func (r *Repo) UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time) error {
	_, err := r.Update(ctx, id, func(a *Account) error {
		a.AccessToken = accessToken
		if refreshToken != "" {
			a.RefreshToken = refreshToken
		}
		a.ExpiresAt = expiresAt
		return nil
	})
	return err
}

// SaveTempProject stores a discovered project id without overwriting an
// operator-configured one.
func (r *Repo) SaveTempProject(ctx context.Context, id, projectID string) error {
	_, err := r.Update(ctx, id, func(a *Account) error {
		if a.ProjectID == "" {
			a.TempProjectID = projectID
		}
		return nil
	})
	return err
}

func (r *Repo) write(ctx context.Context, a *Account) error {
	h, err := a.toHash(r.vault.Encrypt)
	if err != nil {
		return fmt.Errorf("serialize account %s: %w", a.ID, err)
	}
	return r.store.HSet(ctx, accountKey(r.platform, a.ID), h)
}

func (r *Repo) hasCredentials(a *Account) bool {
	switch a.Kind() {
	case CredentialAPIKey:
		return a.APIKey != ""
	case CredentialAWS:
		return a.AWSCredentials != "" || a.CredentialType == "default"
	default:
		return a.AccessToken != "" || a.RefreshToken != ""
	}
}

func (r *Repo) notify(ctx context.Context, a *Account, status, code, reason string) {
	if r.notifier == nil {
		return
	}
	r.notifier.Notify(ctx, Event{
		AccountID:   a.ID,
		AccountName: a.Name,
		Platform:    a.Platform,
		Status:      status,
		ErrorCode:   code,
		Reason:      reason,
		Timestamp:   time.Now(),
	})
}
