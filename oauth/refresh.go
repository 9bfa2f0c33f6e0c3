// Package oauth keeps stored provider tokens fresh. A Refresher wakes on a
// jittered interval and refreshes a token whose expiry falls inside its
// window, so consumers reading the store rarely hit an expired token.
package oauth

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"
)

// RefreshFunc performs provider-specific refresh and returns (access, refresh, expiry, scope)
type RefreshFunc func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error)

// TokenStore is satisfied by *db.Store.
type TokenStore interface {
	UpsertOAuthToken(ctx context.Context, provider, access, refresh string, expiry time.Time, raw string) error
	GetOAuthToken(ctx context.Context, provider string) (access, refresh string, expiry time.Time, raw string, err error)
}

// Refresher refreshes one provider's token.
type Refresher struct {
	Store    TokenStore
	Provider string
	Refresh  RefreshFunc
	// Interval is how often to check; Window is how close to expiry a
	// token must be before it is refreshed.
	Interval time.Duration
	Window   time.Duration
	Timeout  time.Duration
}

func (r *Refresher) defaults() (interval, window, timeout time.Duration) {
	interval, window, timeout = r.Interval, r.Window, r.Timeout
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return interval, window, timeout
}

// Check refreshes the token once if it is inside the window. It reports
// whether a refresh happened.
func (r *Refresher) Check(ctx context.Context) (bool, error) {
	_, window, timeout := r.defaults()
	access, refresh, expiry, scope, err := r.Store.GetOAuthToken(ctx, r.Provider)
	if err != nil {
		return false, err
	}
	if refresh == "" {
		return false, nil
	}
	// A zero expiry was seeded from config and is treated as due.
	if !expiry.IsZero() && time.Until(expiry) > window {
		return false, nil
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	newAT, newRT, newExp, newScope, err := r.Refresh(rctx, refresh)
	cancel()
	if err != nil {
		return false, err
	}
	if newAT == "" {
		newAT = access
	}
	if newRT == "" {
		newRT = refresh
	}
	if newScope == "" {
		newScope = scope
	}
	if err := r.Store.UpsertOAuthToken(ctx, r.Provider, newAT, newRT, newExp, strings.TrimSpace(newScope)); err != nil {
		return false, err
	}
	return true, nil
}

// Run checks on a jittered interval until ctx is done.
func (r *Refresher) Run(ctx context.Context) {
	interval, _, _ := r.defaults()
	logger := slog.Default().With(slog.String("component", "oauth"), slog.String("provider", r.Provider))
	// Randomize the first wake-up to spread load across instances.
	wait := rand.N(interval/2 + 1)
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		refreshed, err := r.Check(ctx)
		switch {
		case err != nil:
			logger.Warn("token refresh failed", slog.Any("err", err))
		case refreshed:
			logger.Info("token refreshed")
		}
		// ±20% jitter per iteration.
		span := interval / 5
		wait = max(interval+rand.N(2*span+1)-span, interval/2)
	}
}
