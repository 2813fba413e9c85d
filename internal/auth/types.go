// Package auth is the OAuth2 grant engine: it authenticates clients,
// dispatches grants, applies rate limits, tenant policy and scope
// resolution, and issues, rotates, introspects and revokes tokens.
package auth

import (
	"context"
	"slices"
	"time"
)

// GrantType is an OAuth 2.0 grant_type value.
type GrantType string

const (
	GrantPassword          GrantType = "password"
	GrantRefreshToken      GrantType = "refresh_token"
	GrantClientCredentials GrantType = "client_credentials"
	GrantAuthorizationCode GrantType = "authorization_code"
)

// Client is a registered OAuth client. A client without SecretHash is
// public. Nil AllowedScopes means unrestricted. Only FirstParty clients may
// assert that the user presented a second factor.
type Client struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	SecretHash    string      `json:"-"`
	AllowedGrants []GrantType `json:"allowed_grants"`
	RedirectURIs  []string    `json:"redirect_uris,omitempty"`
	RequiresPKCE  bool        `json:"requires_pkce"`
	AllowedScopes []string    `json:"allowed_scopes,omitempty"`
	TenantID      string      `json:"tenant_id,omitempty"`
	FirstParty    bool        `json:"first_party"`
	CreatedAt     time.Time   `json:"created_at"`
}

func (c Client) Public() bool { return c.SecretHash == "" }

func (c Client) Allows(g GrantType) bool { return slices.Contains(c.AllowedGrants, g) }

func (c Client) HasRedirectURI(uri string) bool { return slices.Contains(c.RedirectURIs, uri) }

// TrustedForSecondFactor reports whether the client's second-factor
// assertions are honoured.
func (c Client) TrustedForSecondFactor() bool { return c.FirstParty && !c.Public() }

// Token is one issued session: an access token and, for user grants, a
// refresh token. Rows are never mutated except for Revoked, RotatedAt and
// LastActivityAt; refreshing inserts a new row in the same family.
type Token struct {
	ID                    string
	FamilyID              string
	AccessTokenExpiresAt  time.Time
	RefreshTokenHash      string
	RefreshTokenExpiresAt time.Time
	ClientID              string
	UserID                string
	TenantID              string
	Scopes                []string
	Revoked               bool
	RotatedAt             *time.Time
	CreatedAt             time.Time
	LastActivityAt        time.Time
}

// HasRefresh reports whether the row carries a refresh token.
func (t Token) HasRefresh() bool { return t.RefreshTokenHash != "" }

// AuthCode is a one-time authorization code. Only the hash of the code is
// stored.
type AuthCode struct {
	CodeHash        string
	ClientID        string
	UserID          string
	TenantID        string
	RedirectURI     string
	Scopes          []string
	Challenge       string
	ChallengeMethod string
	SecondFactor    bool
	ExpiresAt       time.Time
	CreatedAt       time.Time
	UsedAt          *time.Time
}

// ClientStore is the client registry collaborator.
type ClientStore interface {
	FindClient(ctx context.Context, id string) (Client, error)
	RotateSecret(ctx context.Context, id, secretHash string) error
}

// TokenStore persists token rows. Missing rows yield ErrNotFound.
type TokenStore interface {
	// Create revokes snap.Evict and inserts tok as one unit. With a non-nil
	// snap the user's active sessions in tok's tenant must still be exactly
	// snap.Active, otherwise it returns ErrSessionConflict and changes
	// nothing.
	Create(ctx context.Context, tok Token, snap *SessionSnapshot) error
	FindByID(ctx context.Context, id string) (Token, error)
	// Rotate marks oldID rotated and revoked and inserts next, only if oldID
	// is neither rotated nor revoked. A rotated token yields
	// ErrRefreshReused, a revoked one ErrTokenRevoked; both change nothing.
	Rotate(ctx context.Context, oldID string, at time.Time, next Token) error
	Revoke(ctx context.Context, id string) error
	RevokeFamily(ctx context.Context, familyID string) (int, error)
	RevokeUser(ctx context.Context, userID string) (int, error)
	// ListActive returns unrevoked user tokens in tenant whose refresh (or
	// access, for rows without refresh) has not expired at now.
	ListActive(ctx context.Context, userID, tenantID string, now time.Time) ([]Token, error)
	Touch(ctx context.Context, id string, at time.Time) error
	// DeleteExpired removes rows that expired before the cutoff.
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
}

// CodeStore persists authorization codes.
type CodeStore interface {
	SaveCode(ctx context.Context, code AuthCode) error
	// ConsumeCode marks the code used and returns it. A missing code yields
	// ErrNotFound, a spent one ErrCodeUsed.
	ConsumeCode(ctx context.Context, codeHash string, at time.Time) (AuthCode, error)
	DeleteExpiredCodes(ctx context.Context, before time.Time) (int, error)
}

// SessionSnapshot is the view of a user's sessions a login decision was
// made on.
type SessionSnapshot struct {
	// Active holds the IDs ListActive returned at At.
	Active []string
	Evict  []string
	At     time.Time
}

// LoginStore keeps the successful logins per user and tenant that MFA grace
// is counted from.
type LoginStore interface {
	RecordLogin(ctx context.Context, userID, tenantID string, at time.Time) error
	LoginsSince(ctx context.Context, userID, tenantID string, since time.Time) (int, error)
}

// RequestMeta is the caller context copied into audit entries and policy
// evaluation.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// IssuedToken is returned to the client.
type IssuedToken struct {
	AccessToken  string
	TokenType    string
	RefreshToken string
	ExpiresIn    int64
	ExpiresAt    time.Time
	Scopes       []string
	TenantID     string
	Obligations  []string
}

// TokenInfo describes a presented token.
type TokenInfo struct {
	Active    bool      `json:"active"`
	TokenID   string    `json:"jti,omitempty"`
	TokenType string    `json:"token_type,omitempty"`
	Scopes    []string  `json:"scopes,omitempty"`
	ClientID  string    `json:"client_id,omitempty"`
	UserID    string    `json:"sub,omitempty"`
	TenantID  string    `json:"tenant_id,omitempty"`
	IssuedAt  time.Time `json:"iat,omitempty"`
	ExpiresAt time.Time `json:"exp,omitempty"`

	// inactive explains why Active is false.
	inactive error
}
