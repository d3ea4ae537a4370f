package apikey

import (
	"context"
	"fmt"
	"time"

	"llmrelay/internal/store"

	"github.com/google/uuid"
)

// RankHook receives key lifecycle events so the cost-rank index can keep its
// member sets aligned without a full refresh.
type RankHook interface {
	KeyCreated(ctx context.Context, keyID string)
	KeyDeleted(ctx context.Context, keyID string)
}

// Repo persists api keys. Lookups by raw key go through the SHA-256 index;
// the raw material itself is never written.
type Repo struct {
	store *store.Client
	hook  RankHook
}

// NewRepo builds the key repository. hook may be nil.
func NewRepo(st *store.Client, hook RankHook) *Repo {
	return &Repo{store: st, hook: hook}
}

// ErrKeyDisabled marks a key that exists but was soft-deleted.
var ErrKeyDisabled = fmt.Errorf("api key disabled")

// Create stores a new key record for the given raw bearer material and
// registers it in the hash index and the all-keys set.
func (r *Repo) Create(ctx context.Context, k *Key, rawKey string) error {
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	k.HashedKey = HashKey(rawKey)
	if k.Permissions == "" {
		k.Permissions = PermissionAll
	}
	now := time.Now()
	k.CreatedAt = now
	k.UpdatedAt = now

	if err := r.write(ctx, k); err != nil {
		return err
	}
	if err := r.store.Set(ctx, hashIndexKey(k.HashedKey), k.ID, 0); err != nil {
		return fmt.Errorf("index api key: %w", err)
	}
	if err := r.store.SAdd(ctx, allKeysSet, k.ID); err != nil {
		return err
	}
	if r.hook != nil {
		r.hook.KeyCreated(ctx, k.ID)
	}
	return nil
}

// Get loads one key by id.
func (r *Repo) Get(ctx context.Context, id string) (*Key, error) {
	h, err := r.store.HGetAll(ctx, keyRecordKey(id))
	if err != nil {
		return nil, err
	}
	if len(h) == 0 {
		return nil, &store.ErrNotFound{Key: keyRecordKey(id)}
	}
	return fromHash(h), nil
}

// FindByRaw resolves raw bearer material to its key record. Soft-deleted keys
// resolve to ErrKeyDisabled so auth can distinguish "unknown" from "revoked".
func (r *Repo) FindByRaw(ctx context.Context, rawKey string) (*Key, error) {
	id, err := r.store.Get(ctx, hashIndexKey(HashKey(rawKey)))
	if err != nil {
		return nil, err
	}
	k, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if k.IsDeleted {
		return nil, ErrKeyDisabled
	}
	return k, nil
}

// Update applies a read-modify-write patch.
func (r *Repo) Update(ctx context.Context, id string, apply func(*Key) error) (*Key, error) {
	k, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := apply(k); err != nil {
		return nil, err
	}
	k.UpdatedAt = time.Now()
	if err := r.write(ctx, k); err != nil {
		return nil, err
	}
	return k, nil
}

// SoftDelete flags the key as deleted. The record and index stay so historic
// usage keeps resolving, but FindByRaw refuses it.
func (r *Repo) SoftDelete(ctx context.Context, id string) error {
	_, err := r.Update(ctx, id, func(k *Key) error {
		k.IsDeleted = true
		return nil
	})
	if err != nil {
		return err
	}
	if err := r.store.SRem(ctx, allKeysSet, id); err != nil {
		return err
	}
	if r.hook != nil {
		r.hook.KeyDeleted(ctx, id)
	}
	return nil
}

// ListActiveIDs returns the ids of all non-deleted keys. The cost-rank
// refresher iterates this set.
func (r *Repo) ListActiveIDs(ctx context.Context) ([]string, error) {
	return r.store.SMembers(ctx, allKeysSet)
}

// MarkUsed stamps lastUsedAt without touching updatedAt semantics.
func (r *Repo) MarkUsed(ctx context.Context, id string) error {
	return r.store.HSet(ctx, keyRecordKey(id), map[string]string{
		"lastUsedAt": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (r *Repo) write(ctx context.Context, k *Key) error {
	h, err := k.toHash()
	if err != nil {
		return fmt.Errorf("serialize api key %s: %w", k.ID, err)
	}
	return r.store.HSet(ctx, keyRecordKey(k.ID), h)
}
