package usage

import (
	"context"
	"testing"
	"time"

	"llmrelay/internal/config"
	"llmrelay/internal/store"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	pricing := NewPricing(map[string]config.ModelPrice{
		"gemini-2.5-flash": {Input: 0.30, Output: 2.50},
		"claude-sonnet-4":  {Input: 3, Output: 15, CacheCreate: 3.75, CacheRead: 0.30},
	})
	return NewLedger(store.NewFromClient(rdb, "test:"), pricing, time.FixedZone("UTC+8", 8*3600))
}

func TestRecordIncrementsAllWindows(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := newTestLedger(t)

	rec := Record{
		ApiKeyID:  "k1",
		AccountID: "acct-1",
		Model:     "gemini-2.5-flash",
		Delta:     Delta{InputTokens: 3, OutputTokens: 5},
	}
	require.NoError(t, l.Record(ctx, rec))

	for _, window := range []string{WindowTotal, l.DailyWindow(l.now()), l.MonthlyWindow(l.now())} {
		tokens, err := l.Tokens(ctx, window, "k1")
		require.NoError(t, err)
		require.Equal(t, int64(8), tokens, window)

		requests, err := l.Requests(ctx, window, "k1")
		require.NoError(t, err)
		require.Equal(t, int64(1), requests, window)
	}

	// account and per-model mirrors
	tokens, err := l.Tokens(ctx, WindowTotal, "acct-1")
	require.NoError(t, err)
	require.Equal(t, int64(8), tokens)

	tokens, err = l.Tokens(ctx, WindowTotal, "k1:model:gemini-2.5-flash")
	require.NoError(t, err)
	require.Equal(t, int64(8), tokens)

	cost, err := l.Cost(ctx, WindowTotal, "k1")
	require.NoError(t, err)
	require.InDelta(t, 3*0.30/1000+5*2.50/1000, cost, 1e-9)
}

func TestRecordZeroTokensIsSkipped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := newTestLedger(t)

	require.NoError(t, l.Record(ctx, Record{ApiKeyID: "k1"}))
	tokens, err := l.Tokens(ctx, WindowTotal, "k1")
	require.NoError(t, err)
	require.Zero(t, tokens)
}

func TestCacheTokensPricedSeparately(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := newTestLedger(t)

	require.NoError(t, l.Record(ctx, Record{
		ApiKeyID: "k2",
		Model:    "claude-sonnet-4",
		Delta:    Delta{InputTokens: 1000, CacheReadTokens: 1000},
	}))
	cost, err := l.Cost(ctx, WindowTotal, "k2")
	require.NoError(t, err)
	require.InDelta(t, 3.0+0.30, cost, 1e-9)
}

func TestPricingPrefixFallback(t *testing.T) {
	t.Parallel()
	p := NewPricing(map[string]config.ModelPrice{
		"claude-sonnet-4": {Input: 3},
	})
	cost := p.Cost("claude-sonnet-4-20250514", Delta{InputTokens: 1000})
	require.InDelta(t, 3.0, cost, 1e-9)
	require.Zero(t, p.Cost("unknown-model", Delta{InputTokens: 1000}))
}

func TestDailyWindowUsesConfiguredTimezone(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)

	// 23:00 UTC on the 1st is already the 2nd in UTC+8
	at := time.Date(2026, 8, 1, 23, 0, 0, 0, time.UTC)
	require.Equal(t, "daily:2026-08-02", l.DailyWindow(at))
	require.Equal(t, "monthly:2026-08", l.MonthlyWindow(at))
}

func TestSlidingWindowAdvances(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := newTestLedger(t)

	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }

	st, err := l.ApplyToWindow(ctx, "k1", 10, 100, 0.01)
	require.NoError(t, err)
	require.Equal(t, int64(100), st.Tokens)
	require.Equal(t, int64(1), st.Requests)

	// still inside the window: accumulates
	l.now = func() time.Time { return base.Add(5 * time.Minute) }
	st, err = l.ApplyToWindow(ctx, "k1", 10, 50, 0.005)
	require.NoError(t, err)
	require.Equal(t, int64(150), st.Tokens)
	require.Equal(t, int64(2), st.Requests)

	n, err := l.WindowRequests(ctx, "k1", 10)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	// window elapsed: counters reset and anchor advances
	l.now = func() time.Time { return base.Add(11 * time.Minute) }
	st, err = l.ApplyToWindow(ctx, "k1", 10, 10, 0)
	require.NoError(t, err)
	require.Equal(t, int64(10), st.Tokens)
	require.Equal(t, int64(1), st.Requests)

	// no window configured: no-op
	st, err = l.ApplyToWindow(ctx, "k1", 0, 10, 0)
	require.NoError(t, err)
	require.Zero(t, st.Requests)
}

func TestKeySnapshot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := newTestLedger(t)

	require.NoError(t, l.Record(ctx, Record{
		ApiKeyID: "k3",
		Model:    "gemini-2.5-flash",
		Delta:    Delta{InputTokens: 10, OutputTokens: 20},
	}))

	snap, err := l.KeySnapshot(ctx, "k3")
	require.NoError(t, err)
	require.Equal(t, int64(30), snap["total"].Tokens)
	require.Equal(t, int64(30), snap["daily"].Tokens)
	require.Equal(t, int64(30), snap["monthly"].Tokens)
	require.Equal(t, int64(1), snap["total"].Requests)
}
