package audit

import (
	"context"
	"strings"
	"time"
)

// Severity grades an audit entry.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is one of the four known levels.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Event names written by the core.
const (
	EventLoginSucceeded         = "LOGIN_SUCCEEDED"
	EventLoginFailed            = "LOGIN_FAILED"
	EventAccountLocked          = "ACCOUNT_LOCKED"
	EventLoginRateLimited       = "LOGIN_RATE_LIMIT"
	EventTwoFactorRateLimited   = "TWO_FACTOR_RATE_LIMIT"
	EventPasskeyRateLimited     = "PASSKEY_REGISTRATION_RATE_LIMIT"
	EventPasswordResetLimited   = "PASSWORD_RESET_RATE_LIMIT"
	EventAPIRateLimited         = "API_RATE_LIMIT"
	EventClientAuthFailed       = "CLIENT_AUTH_FAILED"
	EventPKCEMismatch           = "PKCE_MISMATCH"
	EventIPRestricted           = "IP_RESTRICTED"
	EventMFARequired            = "MFA_REQUIRED"
	EventMFAGracePeriod         = "MFA_GRACE_PERIOD"
	EventMFAAssertionIgnored    = "MFA_ASSERTION_UNTRUSTED"
	EventSessionEvicted         = "SESSION_EVICTED"
	EventSessionLimit           = "SESSION_LIMIT_REACHED"
	EventTokenIssued            = "TOKEN_ISSUED"
	EventTokenRefreshed         = "TOKEN_REFRESHED"
	EventTokenRevoked           = "TOKEN_REVOKED"
	EventRefreshTokenReuse      = "REFRESH_TOKEN_REUSE"
	EventRefreshFailed          = "REFRESH_FAILED"
	EventTokensRevokedForUser   = "USER_TOKENS_REVOKED"
	EventPasswordChanged        = "PASSWORD_CHANGED"
	EventPasswordResetRequested = "PASSWORD_RESET_REQUESTED"
	EventPasswordReset          = "PASSWORD_RESET"
	EventAccountDeactivated     = "ACCOUNT_DEACTIVATED"
	EventAuthCodeIssued         = "AUTH_CODE_ISSUED"
	EventForbidden              = "ACCESS_FORBIDDEN"
	EventMFAEnforced            = "MFA_ENFORCED"
	EventLastAdminRemovalDenied = "LAST_ADMIN_REMOVAL_DENIED"
	EventPolicyUpdated          = "SECURITY_POLICY_UPDATED"
)

// Entry is an append-only audit record.
type Entry struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id,omitempty"`
	Event     string         `json:"event"`
	Details   map[string]any `json:"details,omitempty"`
	IPAddress string         `json:"ip_address,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	Severity  Severity       `json:"severity"`
	CreatedAt time.Time      `json:"created_at"`
}

// Sink accepts entries. Implementations must not block or fail the caller.
type Sink interface {
	Record(ctx context.Context, e Entry)
}

// Store persists entries and serves history queries.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	Query(ctx context.Context, f Filter) (Page, error)
}

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// Filter selects audit history. Zero values mean "no constraint".
type Filter struct {
	UserID    string
	Severity  Severity
	Event     string
	From      time.Time
	To        time.Time
	Page      int
	Limit     int
	SortOrder string // ASC or DESC
}

// Normalize applies paging defaults and bounds.
func (f Filter) Normalize() Filter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit <= 0 {
		f.Limit = defaultPageLimit
	}
	if f.Limit > maxPageLimit {
		f.Limit = maxPageLimit
	}
	if strings.EqualFold(f.SortOrder, "asc") {
		f.SortOrder = "ASC"
	} else {
		f.SortOrder = "DESC"
	}
	return f
}

// Offset is the number of rows skipped before the current page.
func (f Filter) Offset() int {
	return (f.Page - 1) * f.Limit
}

// Page is one page of audit history.
type Page struct {
	Entries    []Entry `json:"entries"`
	Total      int     `json:"total"`
	Page       int     `json:"page"`
	Limit      int     `json:"limit"`
	TotalPages int     `json:"total_pages"`
}

// NewPage computes TotalPages from total and the filter's limit.
func NewPage(entries []Entry, total int, f Filter) Page {
	pages := 0
	if f.Limit > 0 {
		pages = (total + f.Limit - 1) / f.Limit
	}
	if entries == nil {
		entries = []Entry{}
	}
	return Page{Entries: entries, Total: total, Page: f.Page, Limit: f.Limit, TotalPages: pages}
}
