package credential

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process UserStore.
type MemoryStore struct {
	mu    sync.Mutex
	users map[string]*User
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]*User)}
}

// Put inserts or replaces a user.
func (s *MemoryStore) Put(u User) error {
	if strings.TrimSpace(u.ID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	u.Email = NormalizeEmail(u.Email)
	if u.Status == "" {
		u.Status = StatusActive
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = cloneUser(&u)
	return nil
}

func (s *MemoryStore) FindUserByEmail(ctx context.Context, email string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	email = NormalizeEmail(email)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email && u.Status != StatusDeleted {
			return *cloneUser(u), nil
		}
	}
	return User{}, ErrNotFound
}

func (s *MemoryStore) FindUser(ctx context.Context, id string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return *cloneUser(u), nil
}

func (s *MemoryStore) FindUserByFederatedID(ctx context.Context, provider, subject string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.FederatedIDs[provider] == subject {
			return *cloneUser(u), nil
		}
	}
	return User{}, ErrNotFound
}

func (s *MemoryStore) IncrementFailedLogin(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.update(ctx, userID, func(u *User) {
		u.FailedLoginAttempts++
		n = u.FailedLoginAttempts
	})
	return n, err
}

func (s *MemoryStore) SetAccountLock(ctx context.Context, userID string, until time.Time) error {
	return s.update(ctx, userID, func(u *User) {
		t := until
		u.AccountLockedUntil = &t
	})
}

func (s *MemoryStore) ResetFailedLogins(ctx context.Context, userID string) error {
	return s.update(ctx, userID, func(u *User) {
		u.FailedLoginAttempts = 0
		u.AccountLockedUntil = nil
	})
}

func (s *MemoryStore) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	return s.update(ctx, userID, func(u *User) { u.PasswordHash = passwordHash })
}

func (s *MemoryStore) SetStatus(ctx context.Context, userID, status string) error {
	return s.update(ctx, userID, func(u *User) { u.Status = status })
}

func (s *MemoryStore) update(ctx context.Context, userID string, fn func(*User)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	fn(u)
	return nil
}

func cloneUser(u *User) *User {
	cp := *u
	if u.AccountLockedUntil != nil {
		t := *u.AccountLockedUntil
		cp.AccountLockedUntil = &t
	}
	if u.FederatedIDs != nil {
		cp.FederatedIDs = make(map[string]string, len(u.FederatedIDs))
		for k, v := range u.FederatedIDs {
			cp.FederatedIDs[k] = v
		}
	}
	return &cp
}
