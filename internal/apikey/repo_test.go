package apikey

import (
	"context"
	"sync"
	"testing"

	"llmrelay/internal/store"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type recordingHook struct {
	mu      sync.Mutex
	created []string
	deleted []string
}

func (h *recordingHook) KeyCreated(_ context.Context, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.created = append(h.created, id)
}

func (h *recordingHook) KeyDeleted(_ context.Context, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deleted = append(h.deleted, id)
}

func newTestRepo(t *testing.T) (*Repo, *recordingHook) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	hook := &recordingHook{}
	return NewRepo(store.NewFromClient(rdb, "test:"), hook), hook
}

func TestCreateAndFindByRaw(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo, hook := newTestRepo(t)

	k := &Key{
		Name:             "tenant-a",
		TokenLimit:       1_000_000,
		ConcurrencyLimit: 4,
		Bindings:         map[string]string{"claude": "group:g-1"},
	}
	require.NoError(t, repo.Create(ctx, k, "cr_live_abc123"))
	require.NotEmpty(t, k.ID)
	require.Equal(t, PermissionAll, k.Permissions)
	require.Equal(t, HashKey("cr_live_abc123"), k.HashedKey)

	got, err := repo.FindByRaw(ctx, "cr_live_abc123")
	require.NoError(t, err)
	require.Equal(t, k.ID, got.ID)
	require.Equal(t, "group:g-1", got.Binding("claude"))
	require.Equal(t, []string{k.ID}, hook.created)

	_, err = repo.FindByRaw(ctx, "cr_live_wrong")
	require.True(t, store.IsNotFound(err))
}

func TestSoftDeleteRevokes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo, hook := newTestRepo(t)

	k := &Key{Name: "tenant-b"}
	require.NoError(t, repo.Create(ctx, k, "cr_live_b"))
	require.NoError(t, repo.SoftDelete(ctx, k.ID))

	_, err := repo.FindByRaw(ctx, "cr_live_b")
	require.ErrorIs(t, err, ErrKeyDisabled)

	// record survives for historic usage lookups
	got, err := repo.Get(ctx, k.ID)
	require.NoError(t, err)
	require.True(t, got.IsDeleted)

	ids, err := repo.ListActiveIDs(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)
	require.Equal(t, []string{k.ID}, hook.deleted)
}

func TestPermissionScopes(t *testing.T) {
	t.Parallel()
	cases := []struct {
		perm     string
		platform string
		want     bool
	}{
		{PermissionAll, "claude", true},
		{PermissionAll, "gemini-api", true},
		{PermissionClaude, "claude-console", true},
		{PermissionClaude, "bedrock", true},
		{PermissionClaude, "gemini", false},
		{PermissionGemini, "gemini-api", true},
		{PermissionGemini, "openai", false},
		{PermissionOpenAI, "openai-responses", true},
		{PermissionOpenAI, "azure-openai", true},
		{PermissionOpenAI, "claude", false},
	}
	for _, tc := range cases {
		k := &Key{Permissions: tc.perm}
		require.Equal(t, tc.want, k.HasPermission(tc.platform), "%s on %s", tc.perm, tc.platform)
	}
}

func TestModelAndClientRestrictions(t *testing.T) {
	t.Parallel()
	k := &Key{
		EnableModelRestriction:  true,
		RestrictedModels:        []string{"gpt-5-codex"},
		EnableClientRestriction: true,
		AllowedClients:          []string{"codex_cli_rs"},
	}
	require.False(t, k.ModelAllowed("gpt-5-codex"))
	require.True(t, k.ModelAllowed("gpt-5"))
	require.True(t, k.ClientAllowed("codex_cli_rs/0.21.0 (Ubuntu)"))
	require.False(t, k.ClientAllowed("curl/8"))

	open := &Key{RestrictedModels: []string{"gpt-5-codex"}}
	require.True(t, open.ModelAllowed("gpt-5-codex"), "restriction off means allowed")
	require.True(t, open.ClientAllowed("curl/8"))
}

func TestGroupBindingParse(t *testing.T) {
	t.Parallel()
	id, ok := IsGroupBinding("group:abc")
	require.True(t, ok)
	require.Equal(t, "abc", id)

	_, ok = IsGroupBinding("plain-account-id")
	require.False(t, ok)
}

func TestUpdateRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo, _ := newTestRepo(t)

	k := &Key{Name: "tenant-c"}
	require.NoError(t, repo.Create(ctx, k, "cr_live_c"))

	_, err := repo.Update(ctx, k.ID, func(k *Key) error {
		k.DailyCostLimit = 12.5
		k.RestrictedModels = []string{"gemini-1.5-pro"}
		k.EnableModelRestriction = true
		return nil
	})
	require.NoError(t, err)

	got, err := repo.Get(ctx, k.ID)
	require.NoError(t, err)
	require.Equal(t, 12.5, got.DailyCostLimit)
	require.False(t, got.ModelAllowed("gemini-1.5-pro"))
}
