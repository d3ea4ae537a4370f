// Package scheduler selects an upstream account for each request. Selection
// is deterministic over a stable eligible set: sticky sessions win, then
// priority partitions filled least-recently-used with lexicographic
// tiebreak.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"llmrelay/internal/account"
	"llmrelay/internal/apikey"
	"llmrelay/internal/monitoring"
	"llmrelay/internal/store"

	log "github.com/sirupsen/logrus"
)

// ErrNoAvailableAccount signals an empty eligible set; the handler maps it to
// HTTP 503 service_unavailable.
var ErrNoAvailableAccount = errors.New("no available account")

// SessionBindingError rejects a request whose global session binding points
// at an account that can no longer serve. Maps to 403 SESSION_BINDING_INVALID.
type SessionBindingError struct {
	Message string
}

func (e *SessionBindingError) Error() string { return e.Message }

// TokenRefresher renews OAuth material for an account whose access token has
// lapsed. The oauth file provides the production implementation.
type TokenRefresher interface {
	Refresh(ctx context.Context, a *account.Account) (accessToken, refreshToken string, expiresAt time.Time, err error)
}

// BindingConfig controls the claude-official global session binding mode.
type BindingConfig struct {
	Enabled     bool
	TTL         time.Duration
	ErrorPrompt string
}

// Options tunes one Select call.
type Options struct {
	// SessionHash enables sticky selection when non-empty.
	SessionHash string
	// Model filters candidates by supportedModels and the key's restrictions.
	Model string
	// AllowAPIAccounts admits API-key-family accounts into the pool.
	AllowAPIAccounts bool
	// OriginalSessionID activates the global binding path (claude only).
	OriginalSessionID string
}

// Selection is the scheduling result.
type Selection struct {
	Account     *account.Account
	AccountType string
}

// Scheduler coordinates the per-platform repos.
type Scheduler struct {
	store     *store.Client
	repos     map[string]*account.Repo
	refresher TokenRefresher

	stickyTTL  time.Duration
	binding    BindingConfig
	bindingTTL time.Duration

	now func() time.Time
}

// New builds the scheduler over the per-platform account repos.
func New(st *store.Client, repos map[string]*account.Repo, refresher TokenRefresher, stickyTTL time.Duration, binding BindingConfig) *Scheduler {
	if stickyTTL <= 0 {
		stickyTTL = time.Hour
	}
	if binding.TTL <= 0 {
		binding.TTL = 30 * 24 * time.Hour
	}
	return &Scheduler{
		store:      st,
		repos:      repos,
		refresher:  refresher,
		stickyTTL:  stickyTTL,
		binding:    binding,
		bindingTTL: binding.TTL,
		now:        time.Now,
	}
}

// Select picks an account of the given platform for the key. The caller must
// MarkUsed on successful dispatch and apply the state transitions on observed
// upstream failures.
func (s *Scheduler) Select(ctx context.Context, key *apikey.Key, platform string, opts Options) (*Selection, error) {
	repo, ok := s.repos[platform]
	if !ok {
		return nil, fmt.Errorf("no account repo for platform %s", platform)
	}

	// global session binding preempts everything else
	if s.binding.Enabled && platform == account.PlatformClaude && opts.OriginalSessionID != "" {
		sel, done, err := s.selectBound(ctx, repo, opts.OriginalSessionID)
		if err != nil {
			return nil, err
		}
		if done {
			monitoring.SchedulerPicksTotal.WithLabelValues(platform, "binding").Inc()
			return sel, nil
		}
	}

	candidates, explicitBinding, err := s.candidates(ctx, repo, key, platform, opts)
	if err != nil {
		return nil, err
	}
	candidates = s.gate(ctx, repo, key, candidates, opts, explicitBinding)
	if len(candidates) == 0 {
		monitoring.SchedulerNoAccountTotal.WithLabelValues(platform).Inc()
		return nil, ErrNoAvailableAccount
	}

	selected, reason := s.pick(ctx, candidates, opts.SessionHash)
	if opts.SessionHash != "" {
		s.saveSticky(ctx, opts.SessionHash, stickyRecord{
			AccountID:   selected.ID,
			AccountType: selected.AccountType,
		})
	}
	// only claude-official selections establish a global binding
	if s.binding.Enabled && platform == account.PlatformClaude && opts.OriginalSessionID != "" {
		s.saveBinding(ctx, opts.OriginalSessionID, bindingRecord{
			AccountID:   selected.ID,
			AccountType: selected.AccountType,
		})
	}

	monitoring.SchedulerPicksTotal.WithLabelValues(platform, reason).Inc()
	return &Selection{Account: selected, AccountType: selected.AccountType}, nil
}

// selectBound resolves an existing global session binding. done=false means
// no binding exists and normal selection should proceed.
func (s *Scheduler) selectBound(ctx context.Context, repo *account.Repo, sid string) (*Selection, bool, error) {
	rec, found, err := s.loadBinding(ctx, sid)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	a, err := repo.Get(ctx, rec.AccountID)
	if err != nil && !store.IsNotFound(err) {
		return nil, false, err
	}
	if err != nil || !a.IsActive || a.Status == account.StatusError {
		msg := s.binding.ErrorPrompt
		if msg == "" {
			msg = "the account bound to this session is no longer available"
		}
		return nil, false, &SessionBindingError{Message: msg}
	}
	s.saveBinding(ctx, sid, rec)
	return &Selection{Account: a, AccountType: a.AccountType}, true, nil
}

// candidates resolves the key's binding slot into the raw candidate list.
// explicitBinding reports whether the key pinned a specific account or group.
func (s *Scheduler) candidates(ctx context.Context, repo *account.Repo, key *apikey.Key, platform string, opts Options) ([]*account.Account, bool, error) {
	binding := key.Binding(platform)
	switch {
	case binding == "":
		pool, err := repo.ListSchedulable(ctx)
		return pool, false, err
	default:
		if groupID, ok := apikey.IsGroupBinding(binding); ok {
			ids, err := repo.GroupMembers(ctx, groupID)
			if err != nil {
				return nil, true, err
			}
			out := make([]*account.Account, 0, len(ids))
			for _, id := range ids {
				a, err := repo.Get(ctx, id)
				if err != nil {
					if store.IsNotFound(err) {
						continue
					}
					return nil, true, err
				}
				out = append(out, a)
			}
			return out, true, nil
		}
		a, err := repo.Get(ctx, binding)
		if err != nil {
			if store.IsNotFound(err) {
				return nil, true, nil
			}
			return nil, true, err
		}
		return []*account.Account{a}, true, nil
	}
}

// gate drops ineligible candidates, running the lazy rate-limit sweep and
// the lazy token refresh along the way.
func (s *Scheduler) gate(ctx context.Context, repo *account.Repo, key *apikey.Key, candidates []*account.Account, opts Options, explicitBinding bool) []*account.Account {
	now := s.now()
	out := candidates[:0]
	for _, a := range candidates {
		if a.Status == account.StatusRateLimited {
			recovered, transitioned, err := repo.RecoverIfExpired(ctx, a, now)
			if err != nil {
				log.WithError(err).WithField("account", a.ID).Warn("rate limit sweep failed")
				continue
			}
			if transitioned {
				a = recovered
			}
		}
		if !a.IsActive || !a.Schedulable || a.Status != account.StatusActive {
			continue
		}
		if a.Kind() == account.CredentialAPIKey && !opts.AllowAPIAccounts {
			continue
		}
		if !a.SupportsModel(opts.Model) {
			continue
		}
		if explicitBinding && !key.ModelAllowed(opts.Model) {
			continue
		}
		if a.TokenExpired(now) {
			refreshed, ok := s.refreshToken(ctx, repo, a)
			if !ok {
				continue
			}
			a = refreshed
		}
		out = append(out, a)
	}
	return out
}

// refreshToken attempts one lazy OAuth refresh. Failure parks the account as
// unauthorized and gates it out of this selection.
func (s *Scheduler) refreshToken(ctx context.Context, repo *account.Repo, a *account.Account) (*account.Account, bool) {
	if s.refresher == nil || a.RefreshToken == "" {
		return nil, false
	}
	access, refresh, expiresAt, err := s.refresher.Refresh(ctx, a)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"account":  a.ID,
			"platform": a.Platform,
		}).Warn("lazy token refresh failed")
		if _, merr := repo.MarkUnauthorized(ctx, a.ID, "token refresh failed"); merr != nil {
			log.WithError(merr).WithField("account", a.ID).Error("mark unauthorized after refresh failure")
		}
		return nil, false
	}
	if err := repo.UpdateTokens(ctx, a.ID, access, refresh, expiresAt); err != nil {
		log.WithError(err).WithField("account", a.ID).Error("persist refreshed tokens")
		return nil, false
	}
	a.AccessToken = access
	if refresh != "" {
		a.RefreshToken = refresh
	}
	a.ExpiresAt = expiresAt
	return a, true
}

// pick applies the selection rule over a non-empty eligible set.
func (s *Scheduler) pick(ctx context.Context, eligible []*account.Account, sessionHash string) (*account.Account, string) {
	if sessionHash != "" {
		if rec, ok := s.loadSticky(ctx, sessionHash); ok {
			for _, a := range eligible {
				if a.ID == rec.AccountID {
					// refresh the sticky TTL on use
					s.saveSticky(ctx, sessionHash, rec)
					return a, "sticky"
				}
			}
		}
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority < eligible[j].Priority
		}
		if !eligible[i].LastUsedAt.Equal(eligible[j].LastUsedAt) {
			return eligible[i].LastUsedAt.Before(eligible[j].LastUsedAt)
		}
		return eligible[i].ID < eligible[j].ID
	})
	return eligible[0], "lru"
}
