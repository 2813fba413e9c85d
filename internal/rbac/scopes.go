package rbac

import (
	"fmt"
	"slices"
	"strings"
)

// Scope vocabulary. Roles may only carry these.
const (
	ScopeUsersRead         = "users:read"
	ScopeUsersWrite        = "users:write"
	ScopeUsersActivityRead = "users:activity:read"
	ScopeUsersDelete       = "users:delete"
	ScopeTenantsRead       = "tenants:read"
	ScopeTenantsWrite      = "tenants:write"
	ScopeTenantUsersManage = "tenants:users:manage"
	ScopeRolesRead         = "roles:read"
	ScopeRolesWrite        = "roles:write"
	ScopeAuditRead         = "audit:read"
	ScopeTokensRevoke      = "tokens:revoke"
	ScopeAdmin             = "admin"
)

var vocabulary = []string{
	ScopeUsersRead,
	ScopeUsersWrite,
	ScopeUsersActivityRead,
	ScopeUsersDelete,
	ScopeTenantsRead,
	ScopeTenantsWrite,
	ScopeTenantUsersManage,
	ScopeRolesRead,
	ScopeRolesWrite,
	ScopeAuditRead,
	ScopeTokensRevoke,
	ScopeAdmin,
}

// AllScopes returns a copy of the vocabulary.
func AllScopes() []string {
	return slices.Clone(vocabulary)
}

// KnownScope reports whether s belongs to the vocabulary.
func KnownScope(s string) bool {
	return slices.Contains(vocabulary, s)
}

// ValidateScopes rejects anything outside the vocabulary.
func ValidateScopes(scopes []string) error {
	for _, s := range scopes {
		if !KnownScope(s) {
			return fmt.Errorf("%w: %q", ErrUnknownScope, s)
		}
	}
	return nil
}

// Set is a deduplicated scope set.
type Set map[string]struct{}

// NewSet builds a set from scopes, skipping blanks.
func NewSet(scopes ...string) Set {
	set := make(Set, len(scopes))
	for _, s := range scopes {
		if s = strings.TrimSpace(s); s != "" {
			set[s] = struct{}{}
		}
	}
	return set
}

func (s Set) Has(scope string) bool {
	_, ok := s[scope]
	return ok
}

// Intersect returns the scopes present in both sets.
func (s Set) Intersect(other Set) Set {
	out := make(Set)
	for k := range s {
		if other.Has(k) {
			out[k] = struct{}{}
		}
	}
	return out
}

// Slice returns the scopes sorted.
func (s Set) Slice() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// HasScope reports whether set grants required.
func HasScope(set Set, required string) bool {
	return set.Has(required)
}

// Authorize returns ErrForbidden unless set grants every required scope.
// The error does not say which scope was missing.
func Authorize(set Set, required ...string) error {
	for _, r := range required {
		if !set.Has(r) {
			return ErrForbidden
		}
	}
	return nil
}

// ParseScope splits a space-delimited OAuth scope parameter.
func ParseScope(raw string) []string {
	return strings.Fields(raw)
}
