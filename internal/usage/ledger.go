package usage

import (
	"context"
	"strconv"
	"time"

	"llmrelay/internal/monitoring"
	"llmrelay/internal/store"

	log "github.com/sirupsen/logrus"
)

// Window dimension labels. Daily and monthly windows carry a date suffix.
const (
	WindowTotal = "total"
)

// Record is one metered request. AccountID is the bare account UUID; ApiKeyID
// identifies the tenant. Model may be empty for endpoints that do not carry
// one (models list and the like are not metered).
type Record struct {
	ApiKeyID  string
	AccountID string
	Model     string
	Delta     Delta
}

// Ledger accumulates usage counters and derives cost. All increments are
// single atomic Redis ops; the counters are eventually consistent with each
// other but individually exact.
type Ledger struct {
	store   *store.Client
	pricing *Pricing
	loc     *time.Location

	now func() time.Time
}

// NewLedger builds the ledger. loc fixes bucket boundaries so "today" agrees
// across hosts.
func NewLedger(st *store.Client, pricing *Pricing, loc *time.Location) *Ledger {
	if loc == nil {
		loc = time.FixedZone("UTC+8", 8*3600)
	}
	return &Ledger{store: st, pricing: pricing, loc: loc, now: time.Now}
}

func counterKey(dim, window, id string) string {
	return "usage:" + dim + ":" + window + ":" + id
}

// CostCounterKey exposes the cost counter layout for batch readers (the
// cost-rank refresher pipelines these directly).
func CostCounterKey(window, id string) string {
	return counterKey("cost", window, id)
}

// DailyWindow renders the daily window label for a time.
func (l *Ledger) DailyWindow(t time.Time) string {
	return "daily:" + t.In(l.loc).Format("2006-01-02")
}

// MonthlyWindow renders the monthly window label for a time.
func (l *Ledger) MonthlyWindow(t time.Time) string {
	return "monthly:" + t.In(l.loc).Format("2006-01")
}

func (l *Ledger) windows(t time.Time) []string {
	return []string{WindowTotal, l.DailyWindow(t), l.MonthlyWindow(t)}
}

// Record posts one request's usage: tokens, cost and request count across the
// total/daily/monthly windows for the api key, with mirrors per account and
// per (key, model). A zero-token record increments nothing and logs a warning
// since it usually means the upstream never sent usageMetadata.
func (l *Ledger) Record(ctx context.Context, rec Record) error {
	tokens := rec.Delta.Total()
	if tokens <= 0 {
		log.WithFields(log.Fields{
			"apikey":  rec.ApiKeyID,
			"account": rec.AccountID,
			"model":   rec.Model,
		}).Warn("usage record carries no tokens, skipping")
		return nil
	}
	cost := l.pricing.Cost(rec.Model, rec.Delta)
	now := l.now()

	ids := []string{rec.ApiKeyID}
	if rec.AccountID != "" {
		ids = append(ids, rec.AccountID)
	}
	if rec.Model != "" {
		ids = append(ids, rec.ApiKeyID+":model:"+rec.Model)
	}

	for _, window := range l.windows(now) {
		for _, id := range ids {
			if _, err := l.store.IncrBy(ctx, counterKey("tokens", window, id), tokens); err != nil {
				return err
			}
			if _, err := l.store.IncrBy(ctx, counterKey("requests", window, id), 1); err != nil {
				return err
			}
			if cost > 0 {
				if _, err := l.store.IncrByFloat(ctx, counterKey("cost", window, id), cost); err != nil {
					return err
				}
			}
		}
	}

	monitoring.UsageTokensTotal.WithLabelValues(rec.Model, "input").Add(float64(rec.Delta.InputTokens))
	monitoring.UsageTokensTotal.WithLabelValues(rec.Model, "output").Add(float64(rec.Delta.OutputTokens))
	monitoring.UsageTokensTotal.WithLabelValues(rec.Model, "cache_create").Add(float64(rec.Delta.CacheCreateTokens))
	monitoring.UsageTokensTotal.WithLabelValues(rec.Model, "cache_read").Add(float64(rec.Delta.CacheReadTokens))
	monitoring.UsageCostTotal.WithLabelValues(rec.Model).Add(cost)
	return nil
}

// Price exposes the cost of a delta so callers can feed the sliding rate
// window without re-deriving the price table.
func (l *Ledger) Price(model string, d Delta) float64 {
	return l.pricing.Cost(model, d)
}

// Tokens reads a token counter; missing counters read as zero.
func (l *Ledger) Tokens(ctx context.Context, window, id string) (int64, error) {
	return l.readInt(ctx, counterKey("tokens", window, id))
}

// Requests reads a request counter.
func (l *Ledger) Requests(ctx context.Context, window, id string) (int64, error) {
	return l.readInt(ctx, counterKey("requests", window, id))
}

// Cost reads a cost counter.
func (l *Ledger) Cost(ctx context.Context, window, id string) (float64, error) {
	v, err := l.store.Get(ctx, counterKey("cost", window, id))
	if store.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, err
	}
	return f, nil
}

// Snapshot is the per-window aggregate returned by the reporting endpoints.
type Snapshot struct {
	Tokens   int64   `json:"tokens"`
	Requests int64   `json:"requests"`
	Cost     float64 `json:"cost"`
}

// KeySnapshot reports total/daily/monthly aggregates for one api key.
func (l *Ledger) KeySnapshot(ctx context.Context, keyID string) (map[string]Snapshot, error) {
	now := l.now()
	out := make(map[string]Snapshot, 3)
	for label, window := range map[string]string{
		"total":   WindowTotal,
		"daily":   l.DailyWindow(now),
		"monthly": l.MonthlyWindow(now),
	} {
		tokens, err := l.Tokens(ctx, window, keyID)
		if err != nil {
			return nil, err
		}
		requests, err := l.Requests(ctx, window, keyID)
		if err != nil {
			return nil, err
		}
		cost, err := l.Cost(ctx, window, keyID)
		if err != nil {
			return nil, err
		}
		out[label] = Snapshot{Tokens: tokens, Requests: requests, Cost: cost}
	}
	return out, nil
}

// DailyCost returns today's accumulated cost for the daily-cost-limit gate.
func (l *Ledger) DailyCost(ctx context.Context, keyID string) (float64, error) {
	return l.Cost(ctx, l.DailyWindow(l.now()), keyID)
}

func (l *Ledger) readInt(ctx context.Context, key string) (int64, error) {
	v, err := l.store.Get(ctx, key)
	if store.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, err
	}
	return n, nil
}
