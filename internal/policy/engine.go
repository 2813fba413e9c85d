package policy

import (
	"fmt"
	"net/netip"
	"slices"
	"sort"
	"strings"
	"time"
)

// Reason names why a decision denied access.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonIPRestricted   Reason = "ip_restricted"
	ReasonMFARequired    Reason = "mfa_required"
	ReasonSessionLimit   Reason = "session_limit"
	ReasonTenantInactive Reason = "tenant_inactive"
)

// Obligations attached to allowed decisions.
const (
	ObligationMFAPrompt     = "require-mfa-prompt"
	obligationEvictedPrefix = "session-evicted:"
)

// EvictedObligation formats the obligation for an evicted session.
func EvictedObligation(sessionID string) string {
	return obligationEvictedPrefix + sessionID
}

// Session is an active session of the user as seen by the policy.
type Session struct {
	ID             string
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// Request is the input of one evaluation.
type Request struct {
	UserID          string
	Roles           []string
	IP              string
	SecondFactor    bool
	GraceLoginsUsed int
	// Sessions are the user's currently active sessions in the tenant.
	Sessions []Session
}

// Decision is the outcome of Evaluate.
type Decision struct {
	Allowed     bool
	Reason      Reason
	Obligations []string
	// Evict lists session IDs the caller must revoke together with the new
	// session's creation.
	Evict []string
	// Grace is set when a missing second factor was tolerated.
	Grace bool
}

func deny(r Reason) Decision { return Decision{Reason: r} }

// Engine evaluates policies. It is stateless apart from its clock and
// default session cap mode.
type Engine struct {
	now     func() time.Time
	capMode CapMode
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// WithSessionCapMode sets the mode used when a tenant policy leaves it unset.
func WithSessionCapMode(m CapMode) EngineOption {
	return func(e *Engine) {
		if m.Valid() {
			e.capMode = m
		}
	}
}

func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{now: time.Now, capMode: CapEvictOldest}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CapMode returns the engine default.
func (e *Engine) CapMode() CapMode { return e.capMode }

// EvaluateTenant rejects inactive tenants and evaluates their policy.
func (e *Engine) EvaluateTenant(t Tenant, req Request) Decision {
	if !t.Active() {
		return deny(ReasonTenantInactive)
	}
	return e.Evaluate(t.Policy, req)
}

// Evaluate applies, in order, IP restrictions, the second-factor rule and
// the session cap. The first denial wins.
func (e *Engine) Evaluate(p SecurityPolicy, req Request) Decision {
	if !IPAllowed(p.IPRestrictions, req.IP) {
		return deny(ReasonIPRestricted)
	}
	var d Decision
	if p.MFARequired() && !req.SecondFactor && !exempt(p.TwoFactor.ExemptRoles, req.Roles) {
		if !e.inGrace(p.TwoFactor, req.GraceLoginsUsed) {
			return deny(ReasonMFARequired)
		}
		d.Grace = true
		d.Obligations = append(d.Obligations, ObligationMFAPrompt)
	}
	evict, ok := e.capSessions(p.Session, req.Sessions)
	if !ok {
		return deny(ReasonSessionLimit)
	}
	for _, id := range evict {
		d.Obligations = append(d.Obligations, EvictedObligation(id))
	}
	d.Evict = evict
	d.Allowed = true
	return d
}

func (e *Engine) inGrace(p TwoFactorPolicy, used int) bool {
	if used >= p.GraceLogins {
		return false
	}
	if p.EnforcementDate == nil {
		return true
	}
	window := time.Duration(p.GracePeriodDays) * 24 * time.Hour
	return e.now().Sub(*p.EnforcementDate) < window
}

func (e *Engine) capSessions(p SessionPolicy, sessions []Session) ([]string, bool) {
	limit := p.MaxConcurrentSessions
	if limit <= 0 || len(sessions) < limit {
		return nil, true
	}
	mode := p.CapMode
	if !mode.Valid() {
		mode = e.capMode
	}
	if mode == CapDeny {
		return nil, false
	}
	ordered := slices.Clone(sessions)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].CreatedAt.Before(ordered[j].CreatedAt) })
	n := len(ordered) - limit + 1
	evict := make([]string, 0, n)
	for _, s := range ordered[:n] {
		evict = append(evict, s.ID)
	}
	return evict, true
}

// IdleExpired reports whether s has exceeded the session timeout. With
// ExtendOnActivity the timeout runs from the last activity, otherwise from
// creation. A zero timeout never expires.
func IdleExpired(s Session, p SessionPolicy, now time.Time) bool {
	timeout := p.Timeout()
	if timeout <= 0 {
		return false
	}
	ref := s.CreatedAt
	if p.ExtendOnActivity && s.LastActivityAt.After(ref) {
		ref = s.LastActivityAt
	}
	return !now.Before(ref.Add(timeout))
}

// IPAllowed applies r to ip. Disabled restrictions allow everything. When
// enabled, an unparsable address is denied, the block list wins, and empty
// allow lists leave only the block list in force.
func IPAllowed(r IPRestrictions, ip string) bool {
	if !r.Enabled {
		return true
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, b := range r.BlockList {
		if matches(b, addr) {
			return false
		}
	}
	if len(r.AllowedIPs) == 0 && len(r.AllowedRanges) == 0 {
		return true
	}
	for _, a := range r.AllowedIPs {
		if matches(a, addr) {
			return true
		}
	}
	for _, a := range r.AllowedRanges {
		if matches(a, addr) {
			return true
		}
	}
	return false
}

func matches(entry string, addr netip.Addr) bool {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		prefix, err := netip.ParsePrefix(entry)
		return err == nil && prefix.Masked().Contains(addr)
	}
	other, err := netip.ParseAddr(entry)
	return err == nil && other.Unmap() == addr
}

func exempt(exemptRoles, roles []string) bool {
	for _, r := range roles {
		if slices.Contains(exemptRoles, r) {
			return true
		}
	}
	return false
}

// ValidatePolicy checks a policy before it is stored.
func ValidatePolicy(p SecurityPolicy) error {
	if p.Session.MaxConcurrentSessions < 0 || p.Session.SessionTimeout < 0 {
		return fmt.Errorf("%w: session limits must not be negative", ErrInvalidPolicy)
	}
	if p.Session.CapMode != "" && !p.Session.CapMode.Valid() {
		return fmt.Errorf("%w: unknown cap mode %q", ErrInvalidPolicy, p.Session.CapMode)
	}
	if p.TwoFactor.GraceLogins < 0 || p.TwoFactor.GracePeriodDays < 0 {
		return fmt.Errorf("%w: grace settings must not be negative", ErrInvalidPolicy)
	}
	for _, ip := range p.IPRestrictions.AllowedIPs {
		if _, err := netip.ParseAddr(strings.TrimSpace(ip)); err != nil {
			return fmt.Errorf("%w: invalid IP address: %s", ErrInvalidPolicy, ip)
		}
	}
	for _, r := range p.IPRestrictions.AllowedRanges {
		if _, err := netip.ParsePrefix(strings.TrimSpace(r)); err != nil {
			return fmt.Errorf("%w: invalid CIDR range: %s", ErrInvalidPolicy, r)
		}
	}
	for _, b := range p.IPRestrictions.BlockList {
		b = strings.TrimSpace(b)
		if _, err := netip.ParsePrefix(b); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(b); err != nil {
			return fmt.Errorf("%w: invalid block list entry: %s", ErrInvalidPolicy, b)
		}
	}
	return nil
}

// Enforce2FA returns a copy of p with the second factor required from now.
func Enforce2FA(p SecurityPolicy, actorID string, now time.Time) SecurityPolicy {
	cp := p.Clone()
	cp.TwoFactor.Required = true
	t := now.UTC()
	cp.TwoFactor.EnforcementDate = &t
	cp.TwoFactor.EnforcedBy = actorID
	return cp
}
