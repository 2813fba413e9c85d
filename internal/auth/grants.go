package auth

import (
	"fmt"
	"strings"
)

// Grant is one of PasswordGrant, RefreshTokenGrant, ClientCredentialsGrant
// or AuthorizationCodeGrant.
type Grant interface {
	Type() GrantType
	Validate() error
}

type PasswordGrant struct {
	Username string
	Password string
	// TenantID selects the tenant; empty means the user's primary tenant.
	TenantID string
	// SecondFactor is set when the caller already verified a second factor.
	SecondFactor bool
}

func (PasswordGrant) Type() GrantType { return GrantPassword }

func (g PasswordGrant) Validate() error {
	if strings.TrimSpace(g.Username) == "" || g.Password == "" {
		return fmt.Errorf("%w: username and password are required", ErrInvalidRequest)
	}
	return nil
}

type RefreshTokenGrant struct {
	RefreshToken string
}

func (RefreshTokenGrant) Type() GrantType { return GrantRefreshToken }

func (g RefreshTokenGrant) Validate() error {
	if strings.TrimSpace(g.RefreshToken) == "" {
		return fmt.Errorf("%w: refresh_token is required", ErrInvalidRequest)
	}
	return nil
}

type ClientCredentialsGrant struct{}

func (ClientCredentialsGrant) Type() GrantType { return GrantClientCredentials }

func (ClientCredentialsGrant) Validate() error { return nil }

type AuthorizationCodeGrant struct {
	Code        string
	RedirectURI string
}

func (AuthorizationCodeGrant) Type() GrantType { return GrantAuthorizationCode }

func (g AuthorizationCodeGrant) Validate() error {
	if strings.TrimSpace(g.Code) == "" || strings.TrimSpace(g.RedirectURI) == "" {
		return fmt.Errorf("%w: code and redirect_uri are required", ErrInvalidRequest)
	}
	return nil
}

// PKCEParams carries proof-key values. For the password grant both halves
// come with the request; for the code exchange only Verifier is used.
type PKCEParams struct {
	Challenge string
	Method    string
	Verifier  string
}

// TokenRequest is a token endpoint call.
type TokenRequest struct {
	ClientID     string
	ClientSecret string
	Grant        Grant
	PKCE         *PKCEParams
	Scope        []string
	Meta         RequestMeta
}

// RefreshRequest is a refresh_token exchange.
type RefreshRequest struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	Meta         RequestMeta
}

// AuthCodeRequest asks for a code on behalf of an already authenticated
// user.
type AuthCodeRequest struct {
	ClientID        string
	UserID          string
	TenantID        string
	RedirectURI     string
	Scope           []string
	CodeChallenge   string
	ChallengeMethod string
	SecondFactor    bool
	Meta            RequestMeta
}
