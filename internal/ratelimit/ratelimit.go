// Package ratelimit bounds security-sensitive actions with fixed windows
// keyed by subject and action, and carries the account lockout rules.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tenantauth.dev/internal/audit"
	"tenantauth.dev/internal/obs"
)

// Action names a rate-limited operation.
type Action string

const (
	ActionLogin               Action = "login"
	ActionTwoFactor           Action = "2fa"
	ActionPasskeyRegistration Action = "passkey-registration"
	ActionPasswordReset       Action = "password-reset"
	ActionAPI                 Action = "api"
)

// Rule is a window length and the attempts allowed inside it.
type Rule struct {
	Window      time.Duration
	MaxAttempts int
}

// DefaultRules returns the stock rule per action.
func DefaultRules() map[Action]Rule {
	return map[Action]Rule{
		ActionLogin:               {Window: 15 * time.Minute, MaxAttempts: 5},
		ActionTwoFactor:           {Window: 15 * time.Minute, MaxAttempts: 5},
		ActionPasskeyRegistration: {Window: time.Hour, MaxAttempts: 3},
		ActionPasswordReset:       {Window: time.Hour, MaxAttempts: 3},
		ActionAPI:                 {Window: 15 * time.Minute, MaxAttempts: 100},
	}
}

// Account lockout: after LockoutThreshold failed logins the account is
// locked for LockoutDuration.
const (
	LockoutThreshold = 5
	LockoutDuration  = 15 * time.Minute
)

// LockUntil returns the lock expiry for a failed-attempt count, if any.
func LockUntil(failedAttempts int, now time.Time) (time.Time, bool) {
	if failedAttempts < LockoutThreshold {
		return time.Time{}, false
	}
	return now.Add(LockoutDuration), true
}

// LoginKey keys login attempts by email, or by IP when no email was sent.
func LoginKey(email, ip string) string {
	return firstNonEmpty(strings.ToLower(strings.TrimSpace(email)), ip)
}

// TwoFactorKey keys second-factor verification by source IP.
func TwoFactorKey(ip string) string {
	return firstNonEmpty(ip)
}

// PasskeyKey keys passkey registration by user, or by IP for anonymous calls.
func PasskeyKey(userID, ip string) string {
	return firstNonEmpty(strings.TrimSpace(userID), ip)
}

// PasswordResetKey keys reset requests by email, or by IP.
func PasswordResetKey(email, ip string) string {
	return firstNonEmpty(strings.ToLower(strings.TrimSpace(email)), ip)
}

// APIKey keys general API traffic by tenant and IP.
func APIKey(tenantID, ip string) string {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		tenantID = "global"
	}
	return tenantID + ":" + firstNonEmpty(ip)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return "unknown"
}

// Window is the state of one counter.
type Window struct {
	Count   int
	ResetAt time.Time
}

// Counter is the shared store behind the limiter. Increment must be atomic:
// it compares the current count with rule.MaxAttempts and only increments
// when the attempt is allowed. A window starts at the first hit.
type Counter interface {
	Increment(ctx context.Context, key string, rule Rule, now time.Time) (Window, bool, error)
	Peek(ctx context.Context, key string, now time.Time) (Window, error)
	Reset(ctx context.Context, key string) error
}

// Result is the outcome of CheckAndIncrement.
type Result struct {
	Allowed   bool
	Count     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is the backoff a denied caller should wait.
func (r Result) RetryAfter(now time.Time) time.Duration {
	if d := r.ResetAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Meta is request context copied into denial audit entries.
type Meta struct {
	UserID    string
	IP        string
	UserAgent string
}

// Guard applies rules on top of a Counter.
type Guard struct {
	counter Counter
	rules   map[Action]Rule
	sink    audit.Sink
	now     func() time.Time
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithRule overrides the rule of one action.
func WithRule(action Action, rule Rule) GuardOption {
	return func(g *Guard) {
		if rule.Window > 0 && rule.MaxAttempts > 0 {
			g.rules[action] = rule
		}
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) GuardOption {
	return func(g *Guard) {
		if fn != nil {
			g.now = fn
		}
	}
}

// WithAudit sets where denials are recorded.
func WithAudit(sink audit.Sink) GuardOption {
	return func(g *Guard) {
		if sink != nil {
			g.sink = sink
		}
	}
}

// NewGuard constructs a Guard with the default rules.
func NewGuard(counter Counter, opts ...GuardOption) *Guard {
	g := &Guard{
		counter: counter,
		rules:   DefaultRules(),
		sink:    audit.Discard{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Rule returns the rule applied to action.
func (g *Guard) Rule(action Action) (Rule, bool) {
	r, ok := g.rules[action]
	return r, ok
}

// CheckAndIncrement consumes one attempt for subject under action. Denied
// attempts are not counted. A store error is returned unchanged so callers
// can treat it as transient.
func (g *Guard) CheckAndIncrement(ctx context.Context, subject string, action Action, meta Meta) (Result, error) {
	rule, ok := g.rules[action]
	if !ok {
		return Result{}, fmt.Errorf("ratelimit: no rule for action %q", action)
	}
	now := g.now()
	w, allowed, err := g.counter.Increment(ctx, key(action, subject), rule, now)
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: increment %s: %w", action, err)
	}
	res := Result{
		Allowed:   allowed,
		Count:     w.Count,
		Remaining: max(rule.MaxAttempts-w.Count, 0),
		ResetAt:   w.ResetAt,
	}
	if !allowed {
		res.Remaining = 0
		g.deny(ctx, subject, action, rule, res, meta)
	}
	return res, nil
}

// Peek reports the current window without consuming an attempt.
func (g *Guard) Peek(ctx context.Context, subject string, action Action) (Window, error) {
	return g.counter.Peek(ctx, key(action, subject), g.now())
}

// Reset clears the window for subject under action.
func (g *Guard) Reset(ctx context.Context, subject string, action Action) error {
	return g.counter.Reset(ctx, key(action, subject))
}

func (g *Guard) deny(ctx context.Context, subject string, action Action, rule Rule, res Result, meta Meta) {
	obs.RateLimitDenials.WithLabelValues(string(action)).Inc()
	g.sink.Record(ctx, audit.Entry{
		UserID:    meta.UserID,
		Event:     denialEvent(action),
		Severity:  audit.SeverityHigh,
		IPAddress: meta.IP,
		UserAgent: meta.UserAgent,
		Details: map[string]any{
			"ip":       meta.IP,
			"action":   string(action),
			"subject":  subject,
			"attempts": rule.MaxAttempts,
			"reset_at": res.ResetAt.UTC().Format(time.RFC3339),
		},
	})
}

func denialEvent(action Action) string {
	switch action {
	case ActionLogin:
		return audit.EventLoginRateLimited
	case ActionTwoFactor:
		return audit.EventTwoFactorRateLimited
	case ActionPasskeyRegistration:
		return audit.EventPasskeyRateLimited
	case ActionPasswordReset:
		return audit.EventPasswordResetLimited
	default:
		return audit.EventAPIRateLimited
	}
}

func key(action Action, subject string) string {
	return string(action) + ":" + subject
}
