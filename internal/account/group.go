package account

import (
	"context"
	"time"

	"llmrelay/internal/store"

	"github.com/google/uuid"
)

// Group is a named pool of accounts on one platform. ApiKey bindings may
// reference a group as "group:<id>" instead of pinning a single account.
type Group struct {
	ID        string
	Name      string
	Platform  string
	CreatedAt time.Time
}

func groupKey(platform, id string) string {
	return familyKey(platform) + "_account_group:" + id
}

func groupMembersKey(platform, id string) string {
	return groupKey(platform, id) + ":members"
}

// CreateGroup stores a new group for this repo's platform.
func (r *Repo) CreateGroup(ctx context.Context, name string) (*Group, error) {
	g := &Group{
		ID:        uuid.NewString(),
		Name:      name,
		Platform:  r.platform,
		CreatedAt: time.Now(),
	}
	err := r.store.HSet(ctx, groupKey(r.platform, g.ID), map[string]string{
		"id":        g.ID,
		"name":      g.Name,
		"platform":  g.Platform,
		"createdAt": g.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// GetGroup loads a group header.
func (r *Repo) GetGroup(ctx context.Context, id string) (*Group, error) {
	h, err := r.store.HGetAll(ctx, groupKey(r.platform, id))
	if err != nil {
		return nil, err
	}
	if len(h) == 0 {
		return nil, &store.ErrNotFound{Key: groupKey(r.platform, id)}
	}
	return &Group{
		ID:        h["id"],
		Name:      h["name"],
		Platform:  h["platform"],
		CreatedAt: parseTime(h["createdAt"]),
	}, nil
}

// GroupMembers returns the account ids in the group.
func (r *Repo) GroupMembers(ctx context.Context, id string) ([]string, error) {
	return r.store.SMembers(ctx, groupMembersKey(r.platform, id))
}

// AddToGroup registers accounts as group members.
func (r *Repo) AddToGroup(ctx context.Context, groupID string, accountIDs ...string) error {
	return r.store.SAdd(ctx, groupMembersKey(r.platform, groupID), accountIDs...)
}

// RemoveFromGroup drops accounts from the group.
func (r *Repo) RemoveFromGroup(ctx context.Context, groupID string, accountIDs ...string) error {
	return r.store.SRem(ctx, groupMembersKey(r.platform, groupID), accountIDs...)
}

// DeleteGroup removes the group header and its membership set.
func (r *Repo) DeleteGroup(ctx context.Context, id string) error {
	return r.store.Del(ctx, groupKey(r.platform, id), groupMembersKey(r.platform, id))
}
