// Package rbac resolves the scopes a user holds inside a tenant from their
// memberships and the tenant's roles.
package rbac

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"tenantauth.dev/internal/audit"
)

var (
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("rbac: not found")
	ErrInvalidInput = errors.New("rbac: invalid input")
	ErrUnknownScope = errors.New("rbac: unknown scope")
	ErrLastAdmin    = errors.New("rbac: cannot remove the last admin of a tenant")
)

// AdminRole is the role name that grants tenant administration.
const AdminRole = "admin"

// Membership links a user to a tenant with role names valid in that tenant.
type Membership struct {
	UserID    string    `json:"user_id"`
	TenantID  string    `json:"tenant_id"`
	Roles     []string  `json:"roles"`
	CreatedAt time.Time `json:"created_at"`
}

func (m Membership) HasRole(name string) bool {
	return slices.Contains(m.Roles, name)
}

// Role is a named scope bundle scoped to one tenant.
type Role struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	Scopes    []string  `json:"scopes"`
	IsDefault bool      `json:"is_default"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the membership and role collaborator.
type Store interface {
	// Memberships returns the memberships of user in tenant.
	Memberships(ctx context.Context, userID, tenantID string) ([]Membership, error)
	// UserMemberships returns all memberships of user, oldest first.
	UserMemberships(ctx context.Context, userID string) ([]Membership, error)
	// TenantMembers returns every membership of tenant.
	TenantMembers(ctx context.Context, tenantID string) ([]Membership, error)
	// RolesByName returns the tenant's roles whose names are in names.
	RolesByName(ctx context.Context, tenantID string, names []string) ([]Role, error)
	PutRole(ctx context.Context, role Role) error
}

// Resolver computes scope sets.
type Resolver struct {
	store        Store
	systemTenant string
	sink         audit.Sink
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithSystemTenant names the tenant whose admins hold every scope everywhere.
func WithSystemTenant(id string) ResolverOption {
	return func(r *Resolver) {
		r.systemTenant = strings.TrimSpace(id)
	}
}

// WithAudit sets where denied member removals are recorded.
func WithAudit(sink audit.Sink) ResolverOption {
	return func(r *Resolver) {
		if sink != nil {
			r.sink = sink
		}
	}
}

func NewResolver(store Store, opts ...ResolverOption) *Resolver {
	r := &Resolver{store: store, sink: audit.Discard{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SystemTenant returns the tenant whose admins administer every tenant.
func (r *Resolver) SystemTenant() string { return r.systemTenant }

// Resolve returns the union of scopes from the user's roles in tenant. A
// user without membership gets an empty set; only store failures are
// returned as errors.
func (r *Resolver) Resolve(ctx context.Context, userID, tenantID string) (Set, error) {
	if userID == "" || tenantID == "" {
		return Set{}, nil
	}
	if r.systemTenant != "" {
		admin, err := r.isAdmin(ctx, userID, r.systemTenant)
		if err != nil {
			return nil, err
		}
		if admin {
			return NewSet(vocabulary...), nil
		}
	}
	memberships, err := r.store.Memberships(ctx, userID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("rbac: memberships: %w", err)
	}
	var names []string
	for _, m := range memberships {
		names = append(names, m.Roles...)
	}
	if len(names) == 0 {
		return Set{}, nil
	}
	roles, err := r.store.RolesByName(ctx, tenantID, dedupe(names))
	if err != nil {
		return nil, fmt.Errorf("rbac: roles: %w", err)
	}
	set := make(Set)
	for _, role := range roles {
		if role.TenantID != tenantID {
			continue
		}
		for _, s := range role.Scopes {
			set[s] = struct{}{}
		}
	}
	return set, nil
}

// RoleNames returns the role names user holds in tenant.
func (r *Resolver) RoleNames(ctx context.Context, userID, tenantID string) ([]string, error) {
	memberships, err := r.store.Memberships(ctx, userID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("rbac: memberships: %w", err)
	}
	var names []string
	for _, m := range memberships {
		names = append(names, m.Roles...)
	}
	return dedupe(names), nil
}

// PrimaryTenant returns the tenant of the user's oldest membership, or
// ErrNotFound when the user belongs nowhere.
func (r *Resolver) PrimaryTenant(ctx context.Context, userID string) (string, error) {
	memberships, err := r.store.UserMemberships(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("rbac: user memberships: %w", err)
	}
	if len(memberships) == 0 {
		return "", ErrNotFound
	}
	return memberships[0].TenantID, nil
}

// CanRemoveMember returns ErrLastAdmin when userID is the only admin of
// tenantID.
func (r *Resolver) CanRemoveMember(ctx context.Context, tenantID, userID string) error {
	members, err := r.store.TenantMembers(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("rbac: tenant members: %w", err)
	}
	target := false
	admins := 0
	for _, m := range members {
		if !m.HasRole(AdminRole) {
			continue
		}
		admins++
		if m.UserID == userID {
			target = true
		}
	}
	if target && admins <= 1 {
		r.sink.Record(ctx, audit.Entry{
			UserID:   userID,
			Event:    audit.EventLastAdminRemovalDenied,
			Severity: audit.SeverityMedium,
			Details:  map[string]any{"tenant_id": tenantID},
		})
		return ErrLastAdmin
	}
	return nil
}

// CanDeactivate applies CanRemoveMember to every tenant where userID is an
// admin.
func (r *Resolver) CanDeactivate(ctx context.Context, userID string) error {
	memberships, err := r.store.UserMemberships(ctx, userID)
	if err != nil {
		return fmt.Errorf("rbac: user memberships: %w", err)
	}
	for _, m := range memberships {
		if !m.HasRole(AdminRole) {
			continue
		}
		if err := r.CanRemoveMember(ctx, m.TenantID, userID); err != nil {
			return err
		}
	}
	return nil
}

// PutRole validates and stores a role.
func (r *Resolver) PutRole(ctx context.Context, role Role) error {
	role.Name = strings.TrimSpace(role.Name)
	role.TenantID = strings.TrimSpace(role.TenantID)
	if role.Name == "" || role.TenantID == "" {
		return fmt.Errorf("%w: role name and tenant_id are required", ErrInvalidInput)
	}
	role.Scopes = dedupe(role.Scopes)
	if err := ValidateScopes(role.Scopes); err != nil {
		return err
	}
	return r.store.PutRole(ctx, role)
}

func (r *Resolver) isAdmin(ctx context.Context, userID, tenantID string) (bool, error) {
	memberships, err := r.store.Memberships(ctx, userID, tenantID)
	if err != nil {
		return false, fmt.Errorf("rbac: memberships: %w", err)
	}
	for _, m := range memberships {
		if m.HasRole(AdminRole) {
			return true, nil
		}
	}
	return false, nil
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
