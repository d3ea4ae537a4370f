package costrank

import (
	"context"
	"testing"
	"time"

	"llmrelay/internal/config"
	"llmrelay/internal/store"
	"llmrelay/internal/usage"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type staticLister struct {
	ids []string
}

func (s *staticLister) ListActiveIDs(context.Context) ([]string, error) {
	return s.ids, nil
}

func newTestService(t *testing.T, ids ...string) (*Service, *usage.Ledger, *store.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st := store.NewFromClient(rdb, "test:")
	ledger := usage.NewLedger(st, usage.NewPricing(map[string]config.ModelPrice{
		"gemini-2.5-flash": {Input: 1, Output: 1},
	}), time.UTC)
	return New(st, &staticLister{ids: ids}, ledger), ledger, st
}

func TestRefreshBuildsRanking(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, ledger, _ := newTestService(t, "k1", "k2", "k3")

	// k2 spends the most, k3 spends nothing
	require.NoError(t, ledger.Record(ctx, usage.Record{
		ApiKeyID: "k1", Model: "gemini-2.5-flash",
		Delta: usage.Delta{InputTokens: 1000},
	}))
	require.NoError(t, ledger.Record(ctx, usage.Record{
		ApiKeyID: "k2", Model: "gemini-2.5-flash",
		Delta: usage.Delta{InputTokens: 5000},
	}))

	require.NoError(t, svc.Refresh(ctx, WindowToday))

	top, err := svc.Top(ctx, WindowToday, 10)
	require.NoError(t, err)
	require.Len(t, top, 3)
	require.Equal(t, "k2", top[0].KeyID)
	require.Equal(t, "k1", top[1].KeyID)
	require.Equal(t, "k3", top[2].KeyID)
	require.Zero(t, top[2].Cost)

	meta, err := svc.ReadMeta(ctx, WindowToday)
	require.NoError(t, err)
	require.Equal(t, "ready", meta.Status)
	require.Equal(t, 3, meta.KeyCount)
	require.False(t, meta.LastUpdate.IsZero())
}

func TestRefreshSkipsWhenLocked(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, st := newTestService(t, "k1")

	acquired, err := st.AcquireLock(ctx, "cost_rank_lock:today", "other-holder", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	// refresh must skip without error and without building the index
	require.NoError(t, svc.Refresh(ctx, WindowToday))
	n, err := svc.Count(ctx, WindowToday)
	require.NoError(t, err)
	require.Zero(t, n)

	// lock untouched
	holder, err := st.Get(ctx, "cost_rank_lock:today")
	require.NoError(t, err)
	require.Equal(t, "other-holder", holder)
}

func TestRefreshSwapNeverShrinksBelowPrior(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, _ := newTestService(t, "k1", "k2")

	require.NoError(t, svc.Refresh(ctx, WindowAll))
	before, err := svc.Count(ctx, WindowAll)
	require.NoError(t, err)
	require.Equal(t, int64(2), before)

	// a second refresh replaces, never truncates
	require.NoError(t, svc.Refresh(ctx, WindowAll))
	after, err := svc.Count(ctx, WindowAll)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestMultiDayWindowSumsDailies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, ledger, st := newTestService(t, "k1")

	// seed costs on two different days directly through the counter layout
	now := time.Now()
	require.NoError(t, st.Set(ctx, usage.CostCounterKey(ledger.DailyWindow(now), "k1"), "1.5", 0))
	require.NoError(t, st.Set(ctx, usage.CostCounterKey(ledger.DailyWindow(now.AddDate(0, 0, -3)), "k1"), "2.5", 0))

	require.NoError(t, svc.Refresh(ctx, Window7Days))
	top, err := svc.Top(ctx, Window7Days, 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	require.InDelta(t, 4.0, top[0].Cost, 1e-9)
}

func TestIncrementalHooks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, _ := newTestService(t, "k1")

	svc.KeyCreated(ctx, "fresh")
	for _, w := range Windows {
		n, err := svc.Count(ctx, w)
		require.NoError(t, err)
		require.Equal(t, int64(1), n, w)
	}

	svc.KeyDeleted(ctx, "fresh")
	for _, w := range Windows {
		n, err := svc.Count(ctx, w)
		require.NoError(t, err)
		require.Zero(t, n, w)
	}
}

func TestCustomRange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, ledger, st := newTestService(t, "k1", "k2")

	day := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	require.NoError(t, st.Set(ctx, usage.CostCounterKey(ledger.DailyWindow(day), "k1"), "3", 0))
	require.NoError(t, st.Set(ctx, usage.CostCounterKey(ledger.DailyWindow(day.AddDate(0, 0, 1)), "k2"), "7", 0))
	// outside the queried span
	require.NoError(t, st.Set(ctx, usage.CostCounterKey(ledger.DailyWindow(day.AddDate(0, 0, 10)), "k1"), "100", 0))

	entries, err := svc.CustomRange(ctx, day, day.AddDate(0, 0, 2))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "k2", entries[0].KeyID)
	require.InDelta(t, 7.0, entries[0].Cost, 1e-9)
	require.InDelta(t, 3.0, entries[1].Cost, 1e-9)
}
