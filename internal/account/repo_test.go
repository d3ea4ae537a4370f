package account

import (
	"context"
	"sync"
	"testing"
	"time"

	"llmrelay/internal/store"
	"llmrelay/internal/vault"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Notify(_ context.Context, evt Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt)
}

func (n *recordingNotifier) all() []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Event(nil), n.events...)
}

func newTestRepo(t *testing.T, platform string) (*Repo, *recordingNotifier, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	v, err := vault.New("test-secret", platform+"-salt")
	require.NoError(t, err)

	n := &recordingNotifier{}
	repo := NewRepo(store.NewFromClient(rdb, "test:"), v, platform, RepoOptions{
		Notifier:                n,
		DefaultRateLimitMinutes: 60,
	})
	return repo, n, mr
}

func TestCreateAndGetRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo, _, mr := newTestRepo(t, PlatformClaude)

	a := &Account{
		Name:            "main",
		AccessToken:     "sk-ant-oat01-secret",
		RefreshToken:    "sk-ant-ort01-secret",
		SupportedModels: []string{"claude-sonnet-4"},
		Proxy:           &ProxyConfig{Type: "socks5", Host: "127.0.0.1", Port: 1080, Password: "pw"},
	}
	require.NoError(t, repo.Create(ctx, a))
	require.NotEmpty(t, a.ID)
	require.Equal(t, StatusActive, a.Status)
	require.Equal(t, TypeShared, a.AccountType)
	require.Equal(t, 50, a.Priority)

	got, err := repo.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, "sk-ant-oat01-secret", got.AccessToken)
	require.Equal(t, "sk-ant-ort01-secret", got.RefreshToken)
	require.Equal(t, []string{"claude-sonnet-4"}, got.SupportedModels)
	require.Equal(t, "pw", got.Proxy.Password)
	require.Equal(t, "socks5://127.0.0.1:1080", got.Proxy.URL())

	// secrets never stored in the clear
	raw := mr.HGet("test:claude_account:"+a.ID, "accessToken")
	require.NotEmpty(t, raw)
	require.NotContains(t, raw, "sk-ant-oat01-secret")
}

func TestCreateWithoutCredentialsStartsCreated(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo, _, _ := newTestRepo(t, PlatformClaude)

	a := &Account{Name: "pending"}
	require.NoError(t, repo.Create(ctx, a))
	require.Equal(t, StatusCreated, a.Status)
	require.False(t, a.Schedulable)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	t.Parallel()
	repo, _, _ := newTestRepo(t, PlatformClaude)
	_, err := repo.Get(context.Background(), "missing-id")
	require.True(t, store.IsNotFound(err))
}

func TestUpdateReEncryptsAndNormalizes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo, _, _ := newTestRepo(t, PlatformClaudeConsole)

	a := &Account{Name: "console", APIKey: "cr_live_x"}
	require.NoError(t, repo.Create(ctx, a))

	_, err := repo.Update(ctx, a.ID, func(a *Account) error {
		a.BaseURL = "https://relay.example.com/"
		a.APIKey = "cr_live_y"
		return nil
	})
	require.NoError(t, err)

	got, err := repo.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, "https://relay.example.com", got.BaseURL)
	require.Equal(t, "cr_live_y", got.APIKey)
}

func TestDeleteRemovesSharedMembership(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo, _, _ := newTestRepo(t, PlatformGemini)

	a := &Account{Name: "g1", RefreshToken: "1//refresh"}
	require.NoError(t, repo.Create(ctx, a))

	shared, err := repo.ListSchedulable(ctx)
	require.NoError(t, err)
	require.Len(t, shared, 1)

	require.NoError(t, repo.Delete(ctx, a.ID))
	shared, err = repo.ListSchedulable(ctx)
	require.NoError(t, err)
	require.Empty(t, shared)

	_, err = repo.Get(ctx, a.ID)
	require.True(t, store.IsNotFound(err))
}

func TestListAllMasksSecretsAndIncludesDedicated(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo, _, _ := newTestRepo(t, PlatformClaude)

	shared := &Account{Name: "s", AccessToken: "tok-shared"}
	require.NoError(t, repo.Create(ctx, shared))
	dedicated := &Account{Name: "d", AccountType: TypeDedicated, AccessToken: "tok-dedicated"}
	require.NoError(t, repo.Create(ctx, dedicated))

	all, err := repo.ListAll(ctx, true)
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, a := range all {
		require.Equal(t, "***", a.AccessToken)
	}

	// dedicated accounts never enter the shared scheduling pool
	pool, err := repo.ListSchedulable(ctx)
	require.NoError(t, err)
	require.Len(t, pool, 1)
	require.Equal(t, shared.ID, pool[0].ID)
	require.Equal(t, "tok-shared", pool[0].AccessToken)
}

func TestSaveTempProjectNeverOverridesConfigured(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo, _, _ := newTestRepo(t, PlatformGemini)

	a := &Account{Name: "g", RefreshToken: "r", ProjectID: "fixed-project"}
	require.NoError(t, repo.Create(ctx, a))
	require.NoError(t, repo.SaveTempProject(ctx, a.ID, "discovered-project"))

	got, err := repo.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, "fixed-project", got.ProjectID)
	require.Empty(t, got.TempProjectID)

	b := &Account{Name: "g2", RefreshToken: "r"}
	require.NoError(t, repo.Create(ctx, b))
	require.NoError(t, repo.SaveTempProject(ctx, b.ID, "discovered-project"))
	got, err = repo.Get(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, "discovered-project", got.TempProjectID)
}

func TestGroupLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo, _, _ := newTestRepo(t, PlatformClaude)

	g, err := repo.CreateGroup(ctx, "tier-1")
	require.NoError(t, err)
	require.NotEmpty(t, g.ID)
	require.Equal(t, PlatformClaude, g.Platform)

	require.NoError(t, repo.AddToGroup(ctx, g.ID, "a1", "a2"))
	members, err := repo.GroupMembers(ctx, g.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a1", "a2"}, members)

	require.NoError(t, repo.RemoveFromGroup(ctx, g.ID, "a1"))
	members, err = repo.GroupMembers(ctx, g.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"a2"}, members)

	require.NoError(t, repo.DeleteGroup(ctx, g.ID))
	_, err = repo.GetGroup(ctx, g.ID)
	require.True(t, store.IsNotFound(err))
}

func TestMarkUsedStampsLastUsed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo, _, _ := newTestRepo(t, PlatformClaude)

	a := &Account{Name: "s", AccessToken: "tok"}
	require.NoError(t, repo.Create(ctx, a))
	require.True(t, a.LastUsedAt.IsZero())

	require.NoError(t, repo.MarkUsed(ctx, a.ID))
	got, err := repo.Get(ctx, a.ID)
	require.NoError(t, err)
	require.WithinDuration(t, time.Now(), got.LastUsedAt, time.Minute)
}
