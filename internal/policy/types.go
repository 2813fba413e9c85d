// Package policy evaluates a tenant's security policy for a login attempt:
// IP restrictions, forced second factor with grace logins, and concurrent
// session caps.
package policy

import (
	"context"
	"errors"
	"slices"
	"time"
)

var (
	ErrNotFound      = errors.New("policy: tenant not found")
	ErrInvalidPolicy = errors.New("policy: invalid policy")
)

// CapMode selects what happens when a login would exceed the session cap.
type CapMode string

const (
	CapEvictOldest CapMode = "evict_oldest"
	CapDeny        CapMode = "deny"
)

func (m CapMode) Valid() bool {
	return m == CapEvictOldest || m == CapDeny
}

const (
	TenantActive          = "active"
	TenantSuspended       = "suspended"
	TenantPendingDeletion = "pending_deletion"
)

type SessionPolicy struct {
	MaxConcurrentSessions int  `json:"max_concurrent_sessions"`
	SessionTimeout        int  `json:"session_timeout"` // seconds
	ExtendOnActivity      bool `json:"extend_on_activity"`
	// RequireMFA is an alias of TwoFactorPolicy.Required.
	RequireMFA bool `json:"require_mfa"`
	// CapMode overrides the engine default when set.
	CapMode CapMode `json:"cap_mode,omitempty"`
}

// Timeout returns SessionTimeout as a duration.
func (s SessionPolicy) Timeout() time.Duration {
	return time.Duration(s.SessionTimeout) * time.Second
}

type TwoFactorPolicy struct {
	Required            bool       `json:"required"`
	GraceLogins         int        `json:"grace_logins"`
	GracePeriodDays     int        `json:"grace_period_days"`
	AllowBackupCodes    bool       `json:"allow_backup_codes"`
	AllowRememberDevice bool       `json:"allow_remember_device"`
	ExemptRoles         []string   `json:"exempt_roles,omitempty"`
	EnforcementDate     *time.Time `json:"enforcement_date,omitempty"`
	EnforcedBy          string     `json:"enforced_by,omitempty"`
}

type IPRestrictions struct {
	Enabled       bool     `json:"enabled"`
	AllowedIPs    []string `json:"allowed_ips,omitempty"`
	AllowedRanges []string `json:"allowed_ranges,omitempty"`
	// BlockList entries are IPs or CIDR ranges and win over the allow lists.
	BlockList []string `json:"block_list,omitempty"`
}

// SecurityPolicy is the per-tenant policy document.
type SecurityPolicy struct {
	Session        SessionPolicy   `json:"session"`
	TwoFactor      TwoFactorPolicy `json:"two_factor"`
	IPRestrictions IPRestrictions  `json:"ip_restrictions"`
}

// DefaultPolicy returns the policy new tenants start with.
func DefaultPolicy() SecurityPolicy {
	return SecurityPolicy{
		Session: SessionPolicy{
			MaxConcurrentSessions: 3,
			SessionTimeout:        3600,
			ExtendOnActivity:      true,
		},
		TwoFactor: TwoFactorPolicy{
			GraceLogins:      3,
			GracePeriodDays:  7,
			AllowBackupCodes: true,
		},
	}
}

// MFARequired reports whether either MFA switch is on.
func (p SecurityPolicy) MFARequired() bool {
	return p.TwoFactor.Required || p.Session.RequireMFA
}

// Clone returns a deep copy.
func (p SecurityPolicy) Clone() SecurityPolicy {
	cp := p
	cp.TwoFactor.ExemptRoles = slices.Clone(p.TwoFactor.ExemptRoles)
	if p.TwoFactor.EnforcementDate != nil {
		t := *p.TwoFactor.EnforcementDate
		cp.TwoFactor.EnforcementDate = &t
	}
	cp.IPRestrictions.AllowedIPs = slices.Clone(p.IPRestrictions.AllowedIPs)
	cp.IPRestrictions.AllowedRanges = slices.Clone(p.IPRestrictions.AllowedRanges)
	cp.IPRestrictions.BlockList = slices.Clone(p.IPRestrictions.BlockList)
	return cp
}

// Tenant is the slice of a tenant record the auth core reads.
type Tenant struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Status string         `json:"status"`
	Policy SecurityPolicy `json:"security_policy"`
}

func (t Tenant) Active() bool { return t.Status == "" || t.Status == TenantActive }

// TenantStore is the tenant collaborator. FindTenant returns a snapshot.
type TenantStore interface {
	FindTenant(ctx context.Context, id string) (Tenant, error)
	UpdatePolicy(ctx context.Context, id string, p SecurityPolicy) error
}
