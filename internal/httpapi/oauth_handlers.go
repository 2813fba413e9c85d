package httpapi

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"tenantauth.dev/internal/auth"
	"tenantauth.dev/internal/obs"
	"tenantauth.dev/internal/rbac"
)

type tokenForm struct {
	GrantType           string `json:"grant_type"`
	ClientID            string `json:"client_id"`
	ClientSecret        string `json:"client_secret"`
	Username            string `json:"username"`
	Password            string `json:"password"`
	RefreshToken        string `json:"refresh_token"`
	Code                string `json:"code"`
	RedirectURI         string `json:"redirect_uri"`
	CodeVerifier        string `json:"code_verifier"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
	Scope               string `json:"scope"`
	TenantID            string `json:"tenant_id"`
	MFAVerified         bool   `json:"mfa_verified"`
}

type tokenResponse struct {
	AccessToken  string   `json:"access_token"`
	TokenType    string   `json:"token_type"`
	RefreshToken string   `json:"refresh_token,omitempty"`
	ExpiresIn    int64    `json:"expires_in"`
	Scope        string   `json:"scope"`
	TenantID     string   `json:"tenant_id,omitempty"`
	Obligations  []string `json:"obligations,omitempty"`
}

type tokenBody struct {
	Token         string `json:"token"`
	TokenTypeHint string `json:"token_type_hint"`
}

type introspectResponse struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Sub       string `json:"sub,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Exp       int64  `json:"exp,omitempty"`
	Iat       int64  `json:"iat,omitempty"`
	Jti       string `json:"jti,omitempty"`
	TenantID  string `json:"tenant_id,omitempty"`
}

func (a *API) handleToken(w http.ResponseWriter, r *http.Request) {
	var form tokenForm
	if err := readTokenForm(w, r, &form); err != nil {
		a.writeOAuthError(w, r, fmt.Errorf("%w: %v", auth.ErrInvalidRequest, err))
		return
	}
	if id, secret, ok := r.BasicAuth(); ok && form.ClientID == "" {
		form.ClientID, form.ClientSecret = id, secret
	}
	grant, err := form.grant()
	if err != nil {
		a.writeOAuthError(w, r, err)
		return
	}

	req := auth.TokenRequest{
		ClientID:     strings.TrimSpace(form.ClientID),
		ClientSecret: form.ClientSecret,
		Grant:        grant,
		Scope:        rbac.ParseScope(form.Scope),
		Meta:         requestMeta(r),
	}
	if form.CodeVerifier != "" || form.CodeChallenge != "" {
		req.PKCE = &auth.PKCEParams{
			Challenge: form.CodeChallenge,
			Method:    form.CodeChallengeMethod,
			Verifier:  form.CodeVerifier,
		}
	}

	issued, err := a.engine.IssueToken(r.Context(), req)
	if err != nil {
		a.writeOAuthError(w, r, err)
		return
	}
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  issued.AccessToken,
		TokenType:    issued.TokenType,
		RefreshToken: issued.RefreshToken,
		ExpiresIn:    issued.ExpiresIn,
		Scope:        strings.Join(issued.Scopes, " "),
		TenantID:     issued.TenantID,
		Obligations:  issued.Obligations,
	})
}

func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var body tokenBody
	if err := readTokenBody(w, r, &body); err != nil {
		a.writeOAuthError(w, r, fmt.Errorf("%w: %v", auth.ErrInvalidRequest, err))
		return
	}
	if err := a.engine.Revoke(r.Context(), body.Token, requestMeta(r)); err != nil {
		a.writeOAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	var body tokenBody
	if err := readTokenBody(w, r, &body); err != nil {
		a.writeOAuthError(w, r, fmt.Errorf("%w: %v", auth.ErrInvalidRequest, err))
		return
	}
	info, err := a.engine.Introspect(r.Context(), body.Token)
	switch {
	case err == nil:
	case auth.OAuthCode(err) == "invalid_token":
		writeJSON(w, http.StatusOK, introspectResponse{Active: false})
		return
	default:
		a.writeOAuthError(w, r, err)
		return
	}
	if !info.Active {
		writeJSON(w, http.StatusOK, introspectResponse{Active: false})
		return
	}
	resp := introspectResponse{
		Active:    true,
		Scope:     strings.Join(info.Scopes, " "),
		ClientID:  info.ClientID,
		Sub:       info.UserID,
		TokenType: info.TokenType,
		Jti:       info.TokenID,
		TenantID:  info.TenantID,
	}
	if !info.ExpiresAt.IsZero() {
		resp.Exp = info.ExpiresAt.Unix()
	}
	if !info.IssuedAt.IsZero() {
		resp.Iat = info.IssuedAt.Unix()
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeOAuthError writes an RFC 6749 error body.
func (a *API) writeOAuthError(w http.ResponseWriter, r *http.Request, err error) {
	code := auth.OAuthCode(err)
	status := auth.HTTPStatus(err)
	desc := err.Error()
	if status >= http.StatusInternalServerError {
		obs.Error("oauth request failed", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"path":       r.URL.Path,
			"error":      err,
		})
		if code == "server_error" {
			desc = "internal error"
		}
	}
	if status == http.StatusUnauthorized && code == "invalid_client" {
		w.Header().Set("WWW-Authenticate", `Basic realm="`+serviceName+`"`)
	}
	setRetryAfter(w, err, a.now())
	payload := map[string]any{
		"error":             code,
		"error_description": desc,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, status, payload)
}

func (f tokenForm) grant() (auth.Grant, error) {
	switch auth.GrantType(strings.TrimSpace(f.GrantType)) {
	case auth.GrantPassword:
		return auth.PasswordGrant{
			Username:     f.Username,
			Password:     f.Password,
			TenantID:     strings.TrimSpace(f.TenantID),
			SecondFactor: f.MFAVerified,
		}, nil
	case auth.GrantRefreshToken:
		return auth.RefreshTokenGrant{RefreshToken: f.RefreshToken}, nil
	case auth.GrantClientCredentials:
		return auth.ClientCredentialsGrant{}, nil
	case auth.GrantAuthorizationCode:
		return auth.AuthorizationCodeGrant{Code: f.Code, RedirectURI: f.RedirectURI}, nil
	case "":
		return nil, fmt.Errorf("%w: grant_type is required", auth.ErrInvalidRequest)
	default:
		return nil, auth.ErrUnsupportedGrant
	}
}

func isForm(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "application/x-www-form-urlencoded"
}

func readForm(w http.ResponseWriter, r *http.Request) (url.Values, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	return r.PostForm, nil
}

func readTokenForm(w http.ResponseWriter, r *http.Request, dst *tokenForm) error {
	if !isForm(r) {
		return decodeJSON(w, r, dst)
	}
	v, err := readForm(w, r)
	if err != nil {
		return err
	}
	*dst = tokenForm{
		GrantType:           v.Get("grant_type"),
		ClientID:            v.Get("client_id"),
		ClientSecret:        v.Get("client_secret"),
		Username:            v.Get("username"),
		Password:            v.Get("password"),
		RefreshToken:        v.Get("refresh_token"),
		Code:                v.Get("code"),
		RedirectURI:         v.Get("redirect_uri"),
		CodeVerifier:        v.Get("code_verifier"),
		CodeChallenge:       v.Get("code_challenge"),
		CodeChallengeMethod: v.Get("code_challenge_method"),
		Scope:               v.Get("scope"),
		TenantID:            v.Get("tenant_id"),
	}
	if raw := v.Get("mfa_verified"); raw != "" {
		ok, err := strconv.ParseBool(raw)
		if err != nil {
			return errors.New("mfa_verified must be a boolean")
		}
		dst.MFAVerified = ok
	}
	return nil
}

func readTokenBody(w http.ResponseWriter, r *http.Request, dst *tokenBody) error {
	if isForm(r) {
		v, err := readForm(w, r)
		if err != nil {
			return err
		}
		dst.Token, dst.TokenTypeHint = v.Get("token"), v.Get("token_type_hint")
	} else if err := decodeJSON(w, r, dst); err != nil {
		return err
	}
	if strings.TrimSpace(dst.Token) == "" {
		return errors.New("token is required")
	}
	return nil
}
