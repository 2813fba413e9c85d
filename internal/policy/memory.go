package policy

import (
	"context"
	"sync"
)

// MemoryStore is an in-process TenantStore.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string]Tenant
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tenants: make(map[string]Tenant)}
}

// Put inserts or replaces a tenant.
func (s *MemoryStore) Put(t Tenant) {
	t.Policy = t.Policy.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[t.ID] = t
}

func (s *MemoryStore) FindTenant(ctx context.Context, id string) (Tenant, error) {
	if err := ctx.Err(); err != nil {
		return Tenant{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok {
		return Tenant{}, ErrNotFound
	}
	t.Policy = t.Policy.Clone()
	return t, nil
}

// UpdatePolicy replaces the policy as a whole value.
func (s *MemoryStore) UpdatePolicy(ctx context.Context, id string, p SecurityPolicy) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidatePolicy(p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return ErrNotFound
	}
	t.Policy = p.Clone()
	s.tenants[id] = t
	return nil
}
