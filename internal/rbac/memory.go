package rbac

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"tenantauth.dev/internal/ids"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu          sync.RWMutex
	memberships []Membership
	roles       map[string]Role // tenantID + "/" + name
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{roles: make(map[string]Role)}
}

// AddMembership records that userID belongs to tenantID with roles.
func (s *MemoryStore) AddMembership(m Membership) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	m.Roles = slices.Clone(m.Roles)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memberships = append(s.memberships, m)
}

// RemoveMembership deletes the membership of userID in tenantID.
func (s *MemoryStore) RemoveMembership(userID, tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memberships = slices.DeleteFunc(s.memberships, func(m Membership) bool {
		return m.UserID == userID && m.TenantID == tenantID
	})
}

func (s *MemoryStore) Memberships(ctx context.Context, userID, tenantID string) ([]Membership, error) {
	return s.filter(ctx, func(m Membership) bool { return m.UserID == userID && m.TenantID == tenantID })
}

func (s *MemoryStore) UserMemberships(ctx context.Context, userID string) ([]Membership, error) {
	out, err := s.filter(ctx, func(m Membership) bool { return m.UserID == userID })
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) TenantMembers(ctx context.Context, tenantID string) ([]Membership, error) {
	return s.filter(ctx, func(m Membership) bool { return m.TenantID == tenantID })
}

func (s *MemoryStore) RolesByName(ctx context.Context, tenantID string, names []string) ([]Role, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Role
	for _, n := range names {
		if r, ok := s.roles[tenantID+"/"+n]; ok {
			r.Scopes = slices.Clone(r.Scopes)
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) PutRole(ctx context.Context, role Role) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if role.ID == "" {
		role.ID = ids.New()
	}
	if role.CreatedAt.IsZero() {
		role.CreatedAt = time.Now().UTC()
	}
	role.Scopes = slices.Clone(role.Scopes)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[role.TenantID+"/"+role.Name] = role
	return nil
}

func (s *MemoryStore) filter(ctx context.Context, keep func(Membership) bool) ([]Membership, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Membership
	for _, m := range s.memberships {
		if keep(m) {
			m.Roles = slices.Clone(m.Roles)
			out = append(out, m)
		}
	}
	return out, nil
}
