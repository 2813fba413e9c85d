package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"tenantauth.dev/internal/rbac"
)

var (
	ErrInvalidRequest     = errors.New("auth: invalid request")
	ErrInvalidClient      = errors.New("auth: invalid client")
	ErrInvalidGrant       = errors.New("auth: invalid grant")
	ErrUnsupportedGrant   = errors.New("auth: unsupported grant type")
	ErrInvalidScope       = errors.New("auth: invalid scope")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrPKCEMismatch       = errors.New("auth: pkce verification failed")
	ErrRateLimited        = errors.New("auth: rate limited")
	ErrAccountLocked      = errors.New("auth: account locked")
	ErrMFARequired        = errors.New("auth: second factor required")
	ErrIPRestricted       = errors.New("auth: ip address not allowed")
	ErrSessionLimit       = errors.New("auth: concurrent session limit reached")
	ErrForbidden          = rbac.ErrForbidden
	ErrInvalidToken       = errors.New("auth: invalid token")
	ErrTokenExpired       = errors.New("auth: token expired")
	ErrTokenRevoked       = errors.New("auth: token revoked")
	ErrTransient          = errors.New("auth: temporarily unavailable")
	ErrNotFound           = errors.New("auth: not found")

	// ErrRefreshReused is returned by TokenStore.Rotate when the token was
	// already rotated.
	ErrRefreshReused = errors.New("auth: refresh token already rotated")
	// ErrSessionConflict is returned by TokenStore.Create when the active
	// sessions changed after the snapshot was taken.
	ErrSessionConflict = errors.New("auth: active sessions changed")
	// ErrCodeUsed is returned by CodeStore.ConsumeCode for a spent code.
	ErrCodeUsed = errors.New("auth: authorization code already used")
)

// RateLimitedError carries when the window reopens.
type RateLimitedError struct {
	ResetAt time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s until %s", ErrRateLimited, e.ResetAt.UTC().Format(time.RFC3339))
}

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// AccountLockedError carries when the lock expires.
type AccountLockedError struct {
	Until time.Time
}

func (e *AccountLockedError) Error() string {
	return fmt.Sprintf("%s until %s", ErrAccountLocked, e.Until.UTC().Format(time.RFC3339))
}

func (e *AccountLockedError) Is(target error) bool { return target == ErrAccountLocked }

// TransientError wraps a collaborator failure. Callers may retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", ErrTransient, e.Err)
}

func (e *TransientError) Is(target error) bool { return target == ErrTransient }

func (e *TransientError) Unwrap() error { return e.Err }

// RetryAfter returns how long the caller should wait, if err says so.
func RetryAfter(err error, now time.Time) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return max(rl.ResetAt.Sub(now), 0), true
	}
	var locked *AccountLockedError
	if errors.As(err, &locked) {
		return max(locked.Until.Sub(now), 0), true
	}
	return 0, false
}

// OAuthCode maps err to an OAuth 2.0 error code.
func OAuthCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrInvalidClient):
		return "invalid_client"
	case errors.Is(err, ErrUnsupportedGrant):
		return "unsupported_grant_type"
	case errors.Is(err, ErrInvalidScope):
		return "invalid_scope"
	case errors.Is(err, ErrInvalidGrant),
		errors.Is(err, ErrInvalidCredentials),
		errors.Is(err, ErrPKCEMismatch),
		errors.Is(err, ErrTokenExpired),
		errors.Is(err, ErrTokenRevoked):
		return "invalid_grant"
	case errors.Is(err, ErrInvalidToken), errors.Is(err, ErrNotFound):
		return "invalid_token"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrAccountLocked):
		return "account_locked"
	case errors.Is(err, ErrMFARequired):
		return "mfa_required"
	case errors.Is(err, ErrIPRestricted),
		errors.Is(err, ErrSessionLimit),
		errors.Is(err, ErrForbidden):
		return "access_denied"
	case errors.Is(err, ErrTransient):
		return "temporarily_unavailable"
	default:
		return "server_error"
	}
}

// HTTPStatus maps err to a response status.
func HTTPStatus(err error) int {
	switch OAuthCode(err) {
	case "":
		return http.StatusOK
	case "invalid_client", "invalid_token":
		return http.StatusUnauthorized
	case "rate_limited":
		return http.StatusTooManyRequests
	case "account_locked", "mfa_required", "access_denied":
		return http.StatusForbidden
	case "temporarily_unavailable":
		return http.StatusServiceUnavailable
	case "server_error":
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}
