package auth

import (
	"context"
	"time"

	"tenantauth.dev/internal/obs"
)

const defaultReapInterval = time.Hour

// Reaper deletes expired tokens and codes. Expiry is always checked at use
// time, so the reaper only reclaims storage.
type Reaper struct {
	tokens   TokenStore
	codes    CodeStore
	interval time.Duration
	now      func() time.Time
}

// ReaperOption configures a Reaper.
type ReaperOption func(*Reaper)

func WithReapInterval(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithReaperClock(fn func() time.Time) ReaperOption {
	return func(r *Reaper) {
		if fn != nil {
			r.now = fn
		}
	}
}

func NewReaper(tokens TokenStore, codes CodeStore, opts ...ReaperOption) *Reaper {
	r := &Reaper{tokens: tokens, codes: codes, interval: defaultReapInterval, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Sweep runs one pass and returns the number of rows removed.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	now := r.now()
	tokens, err := r.tokens.DeleteExpired(ctx, now)
	if err != nil {
		return 0, err
	}
	codes, err := r.codes.DeleteExpiredCodes(ctx, now)
	if err != nil {
		return tokens, err
	}
	return tokens + codes, nil
}

// Run sweeps on every tick until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		n, err := r.Sweep(ctx)
		if err != nil {
			obs.Error("reaper sweep failed", map[string]any{"error": err})
		} else if n > 0 {
			obs.Info("reaper sweep", map[string]any{"deleted": n})
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
