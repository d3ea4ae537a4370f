package account

import (
	"context"
	"fmt"
	"time"

	"llmrelay/internal/monitoring"

	log "github.com/sirupsen/logrus"
)

// The account state machine. Legal transitions:
//
//	any         -> active       admin reset, or rate-limit expiry
//	active      -> rateLimited  upstream 429 / usage_limit_reached
//	active      -> unauthorized upstream 401 or 402
//	active      -> paused       admin toggleSchedulable off
//	paused      -> active       admin toggleSchedulable on
//	rateLimited -> active       lazy check once rateLimitResetAt has passed
//
// schedulable is false whenever status is rateLimited, unauthorized or
// error; it is independently togglable only while active.

// SetRateLimited applies or clears the rate-limited state. When limited, a
// zero duration falls back to the account's own rateLimitDuration, then the
// repo default. Clearing an already-active account is a no-op apart from
// updatedAt.
func (r *Repo) SetRateLimited(ctx context.Context, id string, limited bool, durationMinutes int) (*Account, error) {
	a, err := r.Update(ctx, id, func(a *Account) error {
		if limited {
			minutes := durationMinutes
			if minutes <= 0 {
				minutes = a.RateLimitDuration
			}
			if minutes <= 0 {
				minutes = r.defaultRateLimitMinutes
			}
			now := time.Now()
			a.Status = StatusRateLimited
			a.Schedulable = false
			a.RateLimitedAt = now
			a.RateLimitResetAt = now.Add(time.Duration(minutes) * time.Minute)
			a.RateLimitDuration = minutes
			a.RateLimitStatus = "limited"
			return nil
		}
		if a.Status == StatusActive {
			return nil
		}
		a.Status = StatusActive
		a.Schedulable = true
		a.RateLimitedAt = time.Time{}
		a.RateLimitResetAt = time.Time{}
		a.RateLimitStatus = ""
		return nil
	})
	if err != nil {
		return nil, err
	}
	if limited {
		monitoring.AccountStateTransitions.WithLabelValues(r.platform, StatusRateLimited).Inc()
		log.WithFields(log.Fields{
			"account":  id,
			"platform": r.platform,
			"reset_at": a.RateLimitResetAt,
		}).Warn("account rate limited")
	} else {
		monitoring.AccountStateTransitions.WithLabelValues(r.platform, StatusActive).Inc()
	}
	return a, nil
}

// MarkUnauthorized records an upstream 401/402, parks the account and emits a
// webhook. Recovery requires an admin ResetStatus.
func (r *Repo) MarkUnauthorized(ctx context.Context, id, reason string) (*Account, error) {
	a, err := r.Update(ctx, id, func(a *Account) error {
		a.Status = StatusUnauthorized
		a.Schedulable = false
		a.ErrorMessage = reason
		a.UnauthorizedAt = time.Now()
		a.UnauthorizedCount++
		return nil
	})
	if err != nil {
		return nil, err
	}
	monitoring.AccountStateTransitions.WithLabelValues(r.platform, StatusUnauthorized).Inc()
	log.WithFields(log.Fields{
		"account":  id,
		"platform": r.platform,
		"reason":   reason,
	}).Error("account unauthorized")
	r.notify(ctx, a, StatusUnauthorized, "account_unauthorized", reason)
	return a, nil
}

// ResetStatus returns the account to active from any state and emits a
// recovery webhook if it was previously degraded.
func (r *Repo) ResetStatus(ctx context.Context, id string) (*Account, error) {
	var prior string
	a, err := r.Update(ctx, id, func(a *Account) error {
		prior = a.Status
		a.Status = StatusActive
		a.Schedulable = true
		a.IsActive = true
		a.ErrorMessage = ""
		a.RateLimitedAt = time.Time{}
		a.RateLimitResetAt = time.Time{}
		a.RateLimitStatus = ""
		a.UnauthorizedAt = time.Time{}
		return nil
	})
	if err != nil {
		return nil, err
	}
	monitoring.AccountStateTransitions.WithLabelValues(r.platform, StatusActive).Inc()
	if prior != StatusActive {
		r.notify(ctx, a, StatusActive, "account_recovered", "status reset from "+prior)
	}
	return a, nil
}

// ToggleSchedulable flips the admin pause switch. Only allowed while the
// underlying status is active; degraded accounts must go through ResetStatus.
func (r *Repo) ToggleSchedulable(ctx context.Context, id string) (*Account, error) {
	var pausedNow bool
	a, err := r.Update(ctx, id, func(a *Account) error {
		if a.Status != StatusActive {
			return fmt.Errorf("account %s is %s, not togglable", id, a.Status)
		}
		a.Schedulable = !a.Schedulable
		pausedNow = !a.Schedulable
		return nil
	})
	if err != nil {
		return nil, err
	}
	if pausedNow {
		monitoring.AccountStateTransitions.WithLabelValues(r.platform, "paused").Inc()
		r.notify(ctx, a, "paused", "account_paused", "manually disabled")
	} else {
		monitoring.AccountStateTransitions.WithLabelValues(r.platform, StatusActive).Inc()
		r.notify(ctx, a, StatusActive, "account_resumed", "manually enabled")
	}
	return a, nil
}

// RecoverIfExpired performs the lazy rate-limit sweep: an account whose
// rateLimitResetAt has passed transitions back to active on first sight.
// Returns the (possibly refreshed) account and whether a transition fired.
func (r *Repo) RecoverIfExpired(ctx context.Context, a *Account, now time.Time) (*Account, bool, error) {
	if a.Status != StatusRateLimited {
		return a, false, nil
	}
	if a.RateLimitResetAt.IsZero() || now.Before(a.RateLimitResetAt) {
		return a, false, nil
	}
	recovered, err := r.SetRateLimited(ctx, a.ID, false, 0)
	if err != nil {
		return a, false, err
	}
	log.WithFields(log.Fields{
		"account":  a.ID,
		"platform": r.platform,
	}).Info("rate limit window elapsed, account recovered")
	r.notify(ctx, recovered, StatusActive, "account_recovered", "rate limit window elapsed")
	return recovered, true, nil
}
