package usage

import (
	"context"
	"strconv"
	"time"
)

// WindowState is the per-key sliding rate-limit counter. The anchor advances
// in whole window steps; counters reset when it does.
type WindowState struct {
	WindowStart time.Time
	Tokens      int64
	Cost        float64
	Requests    int64
}

func windowKey(keyID string) string { return "ratelimit:window:" + keyID }

// ApplyToWindow adds one request's tokens and cost to the key's sliding
// window, advancing the anchor when the window has elapsed. Returns the
// post-update state. windowMinutes <= 0 means no windowing; the call is a
// no-op returning zeros.
func (l *Ledger) ApplyToWindow(ctx context.Context, keyID string, windowMinutes int, tokens int64, cost float64) (WindowState, error) {
	if windowMinutes <= 0 {
		return WindowState{}, nil
	}
	now := l.now()
	st, err := l.readWindow(ctx, keyID)
	if err != nil {
		return WindowState{}, err
	}
	windowLen := time.Duration(windowMinutes) * time.Minute
	if st.WindowStart.IsZero() || now.Sub(st.WindowStart) >= windowLen {
		st = WindowState{WindowStart: now.Truncate(time.Minute)}
	}
	st.Tokens += tokens
	st.Cost += cost
	st.Requests++

	err = l.store.HSet(ctx, windowKey(keyID), map[string]string{
		"windowStart": st.WindowStart.UTC().Format(time.RFC3339Nano),
		"tokens":      strconv.FormatInt(st.Tokens, 10),
		"cost":        strconv.FormatFloat(st.Cost, 'f', -1, 64),
		"requests":    strconv.FormatInt(st.Requests, 10),
	})
	if err != nil {
		return WindowState{}, err
	}
	// the window hash is self-expiring garbage once two windows have passed
	_ = l.store.Expire(ctx, windowKey(keyID), 2*windowLen)
	return st, nil
}

// WindowRequests returns the request count of the current window, treating an
// elapsed window as empty. The auth middleware gates on this before dispatch.
func (l *Ledger) WindowRequests(ctx context.Context, keyID string, windowMinutes int) (int64, error) {
	if windowMinutes <= 0 {
		return 0, nil
	}
	st, err := l.readWindow(ctx, keyID)
	if err != nil {
		return 0, err
	}
	if st.WindowStart.IsZero() || l.now().Sub(st.WindowStart) >= time.Duration(windowMinutes)*time.Minute {
		return 0, nil
	}
	return st.Requests, nil
}

func (l *Ledger) readWindow(ctx context.Context, keyID string) (WindowState, error) {
	h, err := l.store.HGetAll(ctx, windowKey(keyID))
	if err != nil {
		return WindowState{}, err
	}
	if len(h) == 0 {
		return WindowState{}, nil
	}
	st := WindowState{}
	if s := h["windowStart"]; s != "" {
		st.WindowStart, _ = time.Parse(time.RFC3339Nano, s)
	}
	st.Tokens, _ = strconv.ParseInt(h["tokens"], 10, 64)
	st.Cost, _ = strconv.ParseFloat(h["cost"], 64)
	st.Requests, _ = strconv.ParseInt(h["requests"], 10, 64)
	return st, nil
}
