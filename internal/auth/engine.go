package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tenantauth.dev/internal/audit"
	"tenantauth.dev/internal/credential"
	"tenantauth.dev/internal/notify"
	"tenantauth.dev/internal/obs"
	"tenantauth.dev/internal/policy"
	"tenantauth.dev/internal/ratelimit"
	"tenantauth.dev/internal/rbac"
)

const (
	defaultAccessTTL     = time.Hour
	defaultRefreshTTL    = 14 * 24 * time.Hour
	defaultAuthCodeTTL   = 10 * time.Minute
	defaultResetTTL      = 30 * time.Minute
	defaultLookupTimeout = 3 * time.Second
	defaultIssuer        = "tenantauth"
	minSecretLength      = 32
)

// Deps are the collaborators the engine cannot run without.
type Deps struct {
	Clients  ClientStore
	Tokens   TokenStore
	Codes    CodeStore
	Logins   LoginStore
	Users    credential.UserStore
	Tenants  policy.TenantStore
	Resolver *rbac.Resolver
	Policy   *policy.Engine
	Guard    *ratelimit.Guard
}

func (d Deps) validate() error {
	switch {
	case d.Clients == nil, d.Tokens == nil, d.Codes == nil, d.Logins == nil:
		return errors.New("auth: client, token, code and login stores are required")
	case d.Users == nil, d.Tenants == nil:
		return errors.New("auth: user and tenant stores are required")
	case d.Resolver == nil, d.Policy == nil, d.Guard == nil:
		return errors.New("auth: resolver, policy engine and rate guard are required")
	}
	return nil
}

// Engine is the grant engine.
type Engine struct {
	clients  ClientStore
	tokens   TokenStore
	codes    CodeStore
	logins   LoginStore
	users    credential.UserStore
	verifier *credential.Verifier
	tenants  policy.TenantStore
	resolver *rbac.Resolver
	policy   *policy.Engine
	guard    *ratelimit.Guard

	sink     audit.Sink
	notifier notify.Publisher
	signer   signer
	now      func() time.Time

	accessTTL     time.Duration
	refreshTTL    time.Duration
	authCodeTTL   time.Duration
	resetTTL      time.Duration
	lookupTimeout time.Duration
}

// Option configures Engine behavior.
type Option func(*Engine) error

// WithSigningSecret sets the HS256 key for access tokens.
func WithSigningSecret(secret string) Option {
	return func(e *Engine) error {
		if len(secret) < minSecretLength {
			return fmt.Errorf("auth: signing secret must be at least %d bytes", minSecretLength)
		}
		e.signer.secret = []byte(secret)
		return nil
	}
}

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) Option {
	return func(e *Engine) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			e.signer.issuer = issuer
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) Option {
	return func(e *Engine) error {
		if ttl > 0 {
			e.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(e *Engine) error {
		if ttl > 0 {
			e.refreshTTL = ttl
		}
		return nil
	}
}

// WithAuthCodeTTL configures authorization code lifetime.
func WithAuthCodeTTL(ttl time.Duration) Option {
	return func(e *Engine) error {
		if ttl > 0 {
			e.authCodeTTL = ttl
		}
		return nil
	}
}

// WithResetTTL configures how long a password reset link stays valid.
func WithResetTTL(ttl time.Duration) Option {
	return func(e *Engine) error {
		if ttl > 0 {
			e.resetTTL = ttl
		}
		return nil
	}
}

// WithLookupTimeout bounds each collaborator call.
func WithLookupTimeout(d time.Duration) Option {
	return func(e *Engine) error {
		if d > 0 {
			e.lookupTimeout = d
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) error {
		if fn != nil {
			e.now = fn
		}
		return nil
	}
}

// WithAudit sets the audit sink.
func WithAudit(sink audit.Sink) Option {
	return func(e *Engine) error {
		if sink != nil {
			e.sink = sink
		}
		return nil
	}
}

// WithNotifier sets where user notifications are published.
func WithNotifier(p notify.Publisher) Option {
	return func(e *Engine) error {
		if p != nil {
			e.notifier = p
		}
		return nil
	}
}

// NewEngine constructs an Engine. A signing secret is required.
func NewEngine(deps Deps, opts ...Option) (*Engine, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		clients:       deps.Clients,
		tokens:        deps.Tokens,
		codes:         deps.Codes,
		logins:        deps.Logins,
		users:         deps.Users,
		verifier:      credential.NewVerifier(deps.Users),
		tenants:       deps.Tenants,
		resolver:      deps.Resolver,
		policy:        deps.Policy,
		guard:         deps.Guard,
		sink:          audit.Discard{},
		notifier:      notify.Discard{},
		signer:        signer{issuer: defaultIssuer},
		now:           time.Now,
		accessTTL:     defaultAccessTTL,
		refreshTTL:    defaultRefreshTTL,
		authCodeTTL:   defaultAuthCodeTTL,
		resetTTL:      defaultResetTTL,
		lookupTimeout: defaultLookupTimeout,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if len(e.signer.secret) == 0 {
		return nil, errors.New("auth: signing secret is not configured")
	}
	if e.refreshTTL < e.accessTTL {
		return nil, errors.New("auth: refresh ttl must not be shorter than access ttl")
	}
	return e, nil
}

// AccessTTL returns the configured access token lifetime.
func (e *Engine) AccessTTL() time.Duration { return e.accessTTL }

// lookup bounds one collaborator call.
func (e *Engine) lookup(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.lookupTimeout)
}

// transient wraps a collaborator failure.
func transient(op string, err error) error {
	return &TransientError{Err: fmt.Errorf("%s: %w", op, err)}
}

// record writes an audit entry with the request metadata filled in.
func (e *Engine) record(ctx context.Context, event string, sev audit.Severity, userID string, meta RequestMeta, details map[string]any) {
	e.sink.Record(ctx, audit.Entry{
		UserID:    userID,
		Event:     event,
		Severity:  sev,
		IPAddress: meta.IP,
		UserAgent: meta.UserAgent,
		Details:   details,
	})
}

// deny audits a denial, counts it and returns err.
func (e *Engine) deny(ctx context.Context, err error, event string, sev audit.Severity, userID string, meta RequestMeta, details map[string]any) error {
	obs.Denials.WithLabelValues(OAuthCode(err)).Inc()
	if details == nil {
		details = map[string]any{}
	}
	details["reason"] = err.Error()
	e.record(ctx, event, sev, userID, meta, details)
	return err
}
