// Package costrank maintains pre-computed cost leaderboards per time window.
// Each window is a sorted set scored by cumulative USD cost and keyed by api
// key id; refreshes build a temp set and swap it in with RENAME so readers
// never observe a partial index.
package costrank

import (
	"context"
	"sort"
	"strconv"
	"time"

	"llmrelay/internal/monitoring"
	"llmrelay/internal/store"
	"llmrelay/internal/usage"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Window identifiers.
const (
	WindowToday  = "today"
	Window7Days  = "7days"
	Window30Days = "30days"
	WindowAll    = "all"
)

// Windows lists every maintained window.
var Windows = []string{WindowToday, Window7Days, Window30Days, WindowAll}

const (
	lockTTL   = 300 * time.Second
	batchSize = 100
)

// KeyLister enumerates the api key ids to rank. The apikey repo satisfies it.
type KeyLister interface {
	ListActiveIDs(ctx context.Context) ([]string, error)
}

// Cadences holds the per-window refresh intervals.
type Cadences struct {
	Today  time.Duration
	Days7  time.Duration
	Days30 time.Duration
	All    time.Duration
}

// DefaultCadences mirrors the background timer defaults.
func DefaultCadences() Cadences {
	return Cadences{
		Today:  10 * time.Minute,
		Days7:  30 * time.Minute,
		Days30: time.Hour,
		All:    2 * time.Hour,
	}
}

// Service owns the four leaderboard sets and their refresh loop.
type Service struct {
	store  *store.Client
	keys   KeyLister
	ledger *usage.Ledger

	now func() time.Time
}

// New builds the service.
func New(st *store.Client, keys KeyLister, ledger *usage.Ledger) *Service {
	return &Service{store: st, keys: keys, ledger: ledger, now: time.Now}
}

func rankKey(window string) string { return "cost_rank:" + window }
func metaKey(window string) string { return "cost_rank_meta:" + window }
func lockKey(window string) string { return "cost_rank_lock:" + window }
func tempKey(window string) string { return "cost_rank:" + window + ":tmp" }

// Entry is one leaderboard row.
type Entry struct {
	KeyID string  `json:"keyId"`
	Cost  float64 `json:"cost"`
}

// Meta describes the freshness of one window's index.
type Meta struct {
	LastUpdate     time.Time `json:"lastUpdate"`
	KeyCount       int       `json:"keyCount"`
	Status         string    `json:"status"`
	UpdateDuration int64     `json:"updateDurationMs"`
}

// Start launches one refresh loop per window and blocks until ctx is done.
// Each window refreshes once at startup, then on its cadence.
func (s *Service) Start(ctx context.Context, cadences Cadences) {
	intervals := map[string]time.Duration{
		WindowToday:  cadences.Today,
		Window7Days:  cadences.Days7,
		Window30Days: cadences.Days30,
		WindowAll:    cadences.All,
	}
	for window, interval := range intervals {
		go s.loop(ctx, window, interval)
	}
	<-ctx.Done()
}

func (s *Service) loop(ctx context.Context, window string, interval time.Duration) {
	if err := s.Refresh(ctx, window); err != nil {
		log.WithError(err).WithField("window", window).Error("cost rank refresh failed")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Refresh(ctx, window); err != nil {
				log.WithError(err).WithField("window", window).Error("cost rank refresh failed")
			}
		}
	}
}

// Refresh rebuilds one window's index under the distributed lock. A second
// concurrent refresh of the same window skips silently.
func (s *Service) Refresh(ctx context.Context, window string) error {
	owner := uuid.NewString()
	acquired, err := s.store.AcquireLock(ctx, lockKey(window), owner, lockTTL)
	if err != nil {
		return err
	}
	if !acquired {
		log.WithField("window", window).Debug("cost rank refresh already in progress, skipping")
		return nil
	}
	defer func() {
		if err := s.store.ReleaseLock(ctx, lockKey(window), owner); err != nil {
			log.WithError(err).WithField("window", window).Warn("release cost rank lock")
		}
	}()

	start := s.now()
	if err := s.rebuild(ctx, window); err != nil {
		_ = s.store.Del(ctx, tempKey(window))
		_ = s.store.HSet(ctx, metaKey(window), map[string]string{"status": "failed"})
		return err
	}
	elapsed := s.now().Sub(start)
	monitoring.CostRankRefreshDuration.WithLabelValues(window).Observe(elapsed.Seconds())
	return nil
}

func (s *Service) rebuild(ctx context.Context, window string) error {
	ids, err := s.keys.ListActiveIDs(ctx)
	if err != nil {
		return err
	}
	start := s.now()

	total := 0
	for i := 0; i < len(ids); i += batchSize {
		end := i + batchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[i:end]
		costs, err := s.batchCosts(ctx, window, batch)
		if err != nil {
			return err
		}
		members := make([]store.Member, 0, len(batch))
		for _, id := range batch {
			members = append(members, store.Member{Member: id, Score: costs[id]})
		}
		if len(members) > 0 {
			if err := s.store.ZAdd(ctx, tempKey(window), members...); err != nil {
				return err
			}
			total += len(members)
		}
	}

	if total > 0 {
		if err := s.store.Rename(ctx, tempKey(window), rankKey(window)); err != nil {
			return err
		}
	} else {
		// no keys at all: drop both so readers see an empty, not stale, index
		if err := s.store.Del(ctx, tempKey(window), rankKey(window)); err != nil {
			return err
		}
	}

	return s.store.HSet(ctx, metaKey(window), map[string]string{
		"lastUpdate":     s.now().UTC().Format(time.RFC3339Nano),
		"keyCount":       strconv.Itoa(total),
		"status":         "ready",
		"updateDuration": strconv.FormatInt(s.now().Sub(start).Milliseconds(), 10),
	})
}

// batchCosts pipeline-reads the window's cost counters for a batch of keys.
func (s *Service) batchCosts(ctx context.Context, window string, ids []string) (map[string]float64, error) {
	return s.batchCostsForWindows(ctx, s.counterWindows(window), ids)
}

// counterWindows maps a rank window to the usage counter windows it sums.
func (s *Service) counterWindows(window string) []string {
	now := s.now()
	switch window {
	case WindowToday:
		return []string{s.ledger.DailyWindow(now)}
	case Window7Days:
		return s.dailyRange(now, 7)
	case Window30Days:
		return s.dailyRange(now, 30)
	default:
		return []string{usage.WindowTotal}
	}
}

func (s *Service) dailyRange(now time.Time, days int) []string {
	out := make([]string, 0, days)
	for i := 0; i < days; i++ {
		out = append(out, s.ledger.DailyWindow(now.AddDate(0, 0, -i)))
	}
	return out
}

// Top returns the n highest-cost keys for a window.
func (s *Service) Top(ctx context.Context, window string, n int64) ([]Entry, error) {
	members, err := s.store.ZRevRangeWithScores(ctx, rankKey(window), 0, n-1)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, len(members))
	for i, m := range members {
		out[i] = Entry{KeyID: m.Member, Cost: m.Score}
	}
	return out, nil
}

// Count returns the number of ranked keys in a window.
func (s *Service) Count(ctx context.Context, window string) (int64, error) {
	return s.store.ZCard(ctx, rankKey(window))
}

// ReadMeta returns the freshness record for a window.
func (s *Service) ReadMeta(ctx context.Context, window string) (Meta, error) {
	h, err := s.store.HGetAll(ctx, metaKey(window))
	if err != nil {
		return Meta{}, err
	}
	m := Meta{Status: h["status"]}
	if v := h["lastUpdate"]; v != "" {
		m.LastUpdate, _ = time.Parse(time.RFC3339Nano, v)
	}
	m.KeyCount, _ = strconv.Atoi(h["keyCount"])
	m.UpdateDuration, _ = strconv.ParseInt(h["updateDuration"], 10, 64)
	return m, nil
}

// KeyCreated seeds a fresh key into every window at zero cost.
func (s *Service) KeyCreated(ctx context.Context, keyID string) {
	for _, window := range Windows {
		if err := s.store.ZAdd(ctx, rankKey(window), store.Member{Member: keyID, Score: 0}); err != nil {
			log.WithError(err).WithField("window", window).Warn("seed cost rank member")
		}
	}
}

// KeyDeleted drops a key from every window.
func (s *Service) KeyDeleted(ctx context.Context, keyID string) {
	for _, window := range Windows {
		if err := s.store.ZRem(ctx, rankKey(window), keyID); err != nil {
			log.WithError(err).WithField("window", window).Warn("remove cost rank member")
		}
	}
}

// CustomRange computes a cost ranking for an arbitrary start..end date span
// on demand. The span is never indexed; costs come from summing daily
// counters per key in batches.
func (s *Service) CustomRange(ctx context.Context, start, end time.Time) ([]Entry, error) {
	ids, err := s.keys.ListActiveIDs(ctx)
	if err != nil {
		return nil, err
	}
	var days []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		days = append(days, s.ledger.DailyWindow(d))
	}

	totals := map[string]float64{}
	for i := 0; i < len(ids); i += batchSize {
		batchEnd := i + batchSize
		if batchEnd > len(ids) {
			batchEnd = len(ids)
		}
		batch := ids[i:batchEnd]
		costs, err := s.batchCostsForWindows(ctx, days, batch)
		if err != nil {
			return nil, err
		}
		for id, c := range costs {
			totals[id] = c
		}
	}

	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		out = append(out, Entry{KeyID: id, Cost: totals[id]})
	}
	sortEntriesDesc(out)
	return out, nil
}

func (s *Service) batchCostsForWindows(ctx context.Context, windows, ids []string) (map[string]float64, error) {
	type slot struct {
		id  string
		cmd *redis.StringCmd
	}
	var slots []slot
	err := s.store.Pipeline(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			for _, w := range windows {
				slots = append(slots, slot{
					id:  id,
					cmd: pipe.Get(ctx, s.store.Prefixed(usage.CostCounterKey(w, id))),
				})
			}
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, err
	}
	out := make(map[string]float64, len(ids))
	for _, sl := range slots {
		v, err := sl.cmd.Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		if f, perr := strconv.ParseFloat(v, 64); perr == nil {
			out[sl.id] += f
		}
	}
	return out, nil
}

func sortEntriesDesc(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Cost != entries[j].Cost {
			return entries[i].Cost > entries[j].Cost
		}
		return entries[i].KeyID < entries[j].KeyID
	})
}
