// Package credential verifies user secrets and owns the user record fields
// the auth core mutates: failed-login counters, locks, password hashes and
// status.
package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound           = errors.New("credential: user not found")
	ErrInvalidCredentials = errors.New("credential: invalid credentials")
	ErrInvalidInput       = errors.New("credential: invalid input")
)

const (
	StatusActive   = "active"
	StatusInactive = "inactive"
	StatusDeleted  = "deleted"
)

// User is the credential-bearing part of an account.
type User struct {
	ID                  string
	Email               string
	PasswordHash        string
	FailedLoginAttempts int
	AccountLockedUntil  *time.Time
	Status              string
	FederatedIDs        map[string]string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// LockedAt reports whether the account is locked at now.
func (u User) LockedAt(now time.Time) bool {
	return u.AccountLockedUntil != nil && now.Before(*u.AccountLockedUntil)
}

func (u User) Active() bool { return u.Status == StatusActive }

// UserStore is the user collaborator. Missing users yield ErrNotFound.
type UserStore interface {
	FindUserByEmail(ctx context.Context, email string) (User, error)
	FindUser(ctx context.Context, id string) (User, error)
	FindUserByFederatedID(ctx context.Context, provider, subject string) (User, error)
	// IncrementFailedLogin atomically bumps the counter and returns the new value.
	IncrementFailedLogin(ctx context.Context, userID string) (int, error)
	SetAccountLock(ctx context.Context, userID string, until time.Time) error
	ResetFailedLogins(ctx context.Context, userID string) error
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
	SetStatus(ctx context.Context, userID, status string) error
}

// NormalizeEmail lower-cases and trims an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Verifier checks passwords against a UserStore.
type Verifier struct {
	users UserStore

	dummyOnce sync.Once
	dummyHash string
}

func NewVerifier(users UserStore) *Verifier {
	return &Verifier{users: users}
}

// Users exposes the backing store.
func (v *Verifier) Users() UserStore { return v.users }

// Lookup returns the user for email. Unknown users yield ErrNotFound; other
// errors are store failures.
func (v *Verifier) Lookup(ctx context.Context, email string) (User, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return User{}, ErrNotFound
	}
	return v.users.FindUserByEmail(ctx, email)
}

// Authenticate resolves email and checks password. Unknown users, wrong
// passwords and inactive accounts all yield ErrInvalidCredentials. Store
// failures are returned wrapped so callers can tell them apart.
func (v *Verifier) Authenticate(ctx context.Context, email, password string) (User, error) {
	user, err := v.Lookup(ctx, email)
	if errors.Is(err, ErrNotFound) {
		v.burn(password)
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, fmt.Errorf("credential: find user: %w", err)
	}
	if err := v.Check(user, password); err != nil {
		return User{}, err
	}
	return user, nil
}

// Check verifies password for an already loaded user.
func (v *Verifier) Check(user User, password string) error {
	if password == "" || user.PasswordHash == "" {
		v.burn(password)
		return ErrInvalidCredentials
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return ErrInvalidCredentials
	}
	if !user.Active() {
		return ErrInvalidCredentials
	}
	return nil
}

// FindFederated resolves a federated identity to an active user.
func (v *Verifier) FindFederated(ctx context.Context, provider, subject string) (User, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	subject = strings.TrimSpace(subject)
	if provider == "" || subject == "" {
		return User{}, fmt.Errorf("%w: provider and subject are required", ErrInvalidInput)
	}
	user, err := v.users.FindUserByFederatedID(ctx, provider, subject)
	if errors.Is(err, ErrNotFound) {
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, fmt.Errorf("credential: find federated user: %w", err)
	}
	if !user.Active() {
		return User{}, ErrInvalidCredentials
	}
	return user, nil
}

// burn spends the same work as a real verification.
func (v *Verifier) burn(password string) {
	v.dummyOnce.Do(func() {
		v.dummyHash, _ = HashPassword("tenantauth-dummy-password")
	})
	if v.dummyHash != "" {
		_ = VerifyPassword(v.dummyHash, password)
	}
}
