package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"tenantauth.dev/internal/audit"
	"tenantauth.dev/internal/credential"
	"tenantauth.dev/internal/ids"
	"tenantauth.dev/internal/notify"
	"tenantauth.dev/internal/obs"
	"tenantauth.dev/internal/policy"
	"tenantauth.dev/internal/ratelimit"
	"tenantauth.dev/internal/rbac"
)

// IssueToken dispatches req.Grant. Every denial is audited; nothing is
// persisted unless the whole decision succeeds.
func (e *Engine) IssueToken(ctx context.Context, req TokenRequest) (*IssuedToken, error) {
	if req.Grant == nil {
		return nil, fmt.Errorf("%w: grant_type is required", ErrInvalidRequest)
	}
	if err := req.Grant.Validate(); err != nil {
		return nil, err
	}
	switch g := req.Grant.(type) {
	case PasswordGrant:
		return e.passwordGrant(ctx, req, g)
	case RefreshTokenGrant:
		return e.RefreshToken(ctx, RefreshRequest{
			ClientID:     req.ClientID,
			ClientSecret: req.ClientSecret,
			RefreshToken: g.RefreshToken,
			Meta:         req.Meta,
		})
	case ClientCredentialsGrant:
		return e.clientCredentialsGrant(ctx, req)
	case AuthorizationCodeGrant:
		return e.authorizationCodeGrant(ctx, req, g)
	default:
		return nil, ErrUnsupportedGrant
	}
}

// authenticateClient checks the client exists, may use grant, and presents
// its secret when it has one.
func (e *Engine) authenticateClient(ctx context.Context, clientID, secret string, grant GrantType, meta RequestMeta) (Client, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return Client{}, e.deny(ctx, ErrInvalidClient, audit.EventClientAuthFailed, audit.SeverityMedium, "", meta, nil)
	}
	lctx, cancel := e.lookup(ctx)
	client, err := e.clients.FindClient(lctx, clientID)
	cancel()
	if errors.Is(err, ErrNotFound) {
		return Client{}, e.deny(ctx, ErrInvalidClient, audit.EventClientAuthFailed, audit.SeverityMedium, "", meta, map[string]any{"client_id": clientID})
	}
	if err != nil {
		return Client{}, transient("find client", err)
	}
	if !client.Public() && !secureCompareHash(client.SecretHash, secret) {
		return Client{}, e.deny(ctx, ErrInvalidClient, audit.EventClientAuthFailed, audit.SeverityMedium, "", meta, map[string]any{"client_id": clientID})
	}
	if !client.Allows(grant) {
		return Client{}, e.deny(ctx, ErrUnsupportedGrant, audit.EventClientAuthFailed, audit.SeverityLow, "", meta, map[string]any{"client_id": clientID, "grant_type": string(grant)})
	}
	return client, nil
}

func pkceRequired(c Client) bool {
	return c.Public() || c.RequiresPKCE
}

func (e *Engine) passwordGrant(ctx context.Context, req TokenRequest, g PasswordGrant) (*IssuedToken, error) {
	meta := req.Meta
	client, err := e.authenticateClient(ctx, req.ClientID, req.ClientSecret, GrantPassword, meta)
	if err != nil {
		return nil, err
	}
	if pkceRequired(client) {
		if req.PKCE == nil || !ValidatePKCE(req.PKCE.Verifier, req.PKCE.Challenge, req.PKCE.Method) {
			return nil, e.deny(ctx, ErrPKCEMismatch, audit.EventPKCEMismatch, audit.SeverityMedium, "", meta, map[string]any{"client_id": client.ID})
		}
	}

	email := credential.NormalizeEmail(g.Username)
	lctx, cancel := e.lookup(ctx)
	user, err := e.verifier.Lookup(lctx, email)
	cancel()
	known := err == nil
	if err != nil && !errors.Is(err, credential.ErrNotFound) {
		return nil, transient("find user", err)
	}

	now := e.now()
	if known && user.LockedAt(now) {
		return nil, e.deny(ctx, &AccountLockedError{Until: *user.AccountLockedUntil}, audit.EventLoginFailed, audit.SeverityMedium, user.ID, meta, map[string]any{"email": email})
	}

	loginKey := ratelimit.LoginKey(email, meta.IP)
	res, err := e.guard.CheckAndIncrement(ctx, loginKey, ratelimit.ActionLogin, ratelimit.Meta{UserID: user.ID, IP: meta.IP, UserAgent: meta.UserAgent})
	if err != nil {
		return nil, transient("rate limit", err)
	}
	if !res.Allowed {
		obs.Denials.WithLabelValues(OAuthCode(ErrRateLimited)).Inc()
		return nil, &RateLimitedError{ResetAt: res.ResetAt}
	}

	if err := e.verifier.Check(user, g.Password); err != nil {
		return nil, e.loginFailed(ctx, user, known, email, meta)
	}

	secondFactor, twoFactorKey, err := e.secondFactor(ctx, client, user, g.SecondFactor, meta)
	if err != nil {
		return nil, err
	}

	tenantID := strings.TrimSpace(g.TenantID)
	if tenantID == "" {
		lctx, cancel := e.lookup(ctx)
		tenantID, err = e.resolver.PrimaryTenant(lctx, user.ID)
		cancel()
		if errors.Is(err, rbac.ErrNotFound) {
			return nil, e.deny(ctx, ErrForbidden, audit.EventForbidden, audit.SeverityMedium, user.ID, meta, map[string]any{"note": "user has no tenant"})
		}
		if err != nil {
			return nil, transient("primary tenant", err)
		}
	}

	issued, err := e.finishLogin(ctx, loginRequest{
		client:       client,
		user:         user,
		tenantID:     tenantID,
		secondFactor: secondFactor,
		scope:        req.Scope,
		grant:        GrantPassword,
		meta:         meta,
	})
	if err != nil {
		return nil, err
	}

	// Post-commit bookkeeping. Failures here do not undo the login.
	if err := e.guard.Reset(ctx, loginKey, ratelimit.ActionLogin); err != nil {
		obs.Warn("reset login window failed", map[string]any{"user_id": user.ID, "error": err})
	}
	if twoFactorKey != "" {
		if err := e.guard.Reset(ctx, twoFactorKey, ratelimit.ActionTwoFactor); err != nil {
			obs.Warn("reset two-factor window failed", map[string]any{"user_id": user.ID, "error": err})
		}
	}
	if user.FailedLoginAttempts > 0 || user.AccountLockedUntil != nil {
		if err := e.users.ResetFailedLogins(ctx, user.ID); err != nil {
			obs.Warn("reset failed logins failed", map[string]any{"user_id": user.ID, "error": err})
		}
	}
	return issued, nil
}

// secondFactor decides whether a login's second-factor assertion counts.
// Every assertion spends the caller IP's two-factor budget; only first-party
// confidential clients are believed. The returned key is set when the
// window should be cleared after a successful login.
func (e *Engine) secondFactor(ctx context.Context, client Client, user credential.User, asserted bool, meta RequestMeta) (bool, string, error) {
	if !asserted {
		return false, "", nil
	}
	key := ratelimit.TwoFactorKey(meta.IP)
	res, err := e.guard.CheckAndIncrement(ctx, key, ratelimit.ActionTwoFactor, ratelimit.Meta{UserID: user.ID, IP: meta.IP, UserAgent: meta.UserAgent})
	if err != nil {
		return false, "", transient("rate limit", err)
	}
	if !res.Allowed {
		obs.Denials.WithLabelValues(OAuthCode(ErrRateLimited)).Inc()
		return false, "", &RateLimitedError{ResetAt: res.ResetAt}
	}
	if !client.TrustedForSecondFactor() {
		e.record(ctx, audit.EventMFAAssertionIgnored, audit.SeverityHigh, user.ID, meta, map[string]any{"client_id": client.ID})
		return false, "", nil
	}
	return true, key, nil
}

// loginFailed counts a credential failure and locks the account at the
// threshold.
func (e *Engine) loginFailed(ctx context.Context, user credential.User, known bool, email string, meta RequestMeta) error {
	details := map[string]any{"email": email}
	if !known {
		return e.deny(ctx, ErrInvalidCredentials, audit.EventLoginFailed, audit.SeverityMedium, "", meta, details)
	}
	n, err := e.users.IncrementFailedLogin(ctx, user.ID)
	if err != nil {
		obs.Warn("increment failed logins failed", map[string]any{"user_id": user.ID, "error": err})
		return e.deny(ctx, ErrInvalidCredentials, audit.EventLoginFailed, audit.SeverityMedium, user.ID, meta, details)
	}
	details["failed_attempts"] = n
	if until, lock := ratelimit.LockUntil(n, e.now()); lock {
		if err := e.users.SetAccountLock(ctx, user.ID, until); err != nil {
			obs.Warn("set account lock failed", map[string]any{"user_id": user.ID, "error": err})
		} else {
			e.record(ctx, audit.EventAccountLocked, audit.SeverityHigh, user.ID, meta, map[string]any{
				"failed_attempts": n,
				"locked_until":    until.UTC().Format(time.RFC3339),
			})
			e.notifier.Publish(ctx, notify.Message{
				Kind:   notify.KindAccountLocked,
				UserID: user.ID,
				To:     user.Email,
				Data:   map[string]string{"until": until.UTC().Format(time.RFC3339), "ip": meta.IP},
			})
		}
	}
	return e.deny(ctx, ErrInvalidCredentials, audit.EventLoginFailed, audit.SeverityMedium, user.ID, meta, details)
}

// maxSessionAttempts bounds how often a login re-evaluates the session cap
// after losing a race on the user's sessions.
const maxSessionAttempts = 3

type loginRequest struct {
	client       Client
	user         credential.User
	tenantID     string
	secondFactor bool
	scope        []string
	grant        GrantType
	meta         RequestMeta
}

// finishLogin evaluates tenant policy and scopes for an authenticated user
// and commits the new session.
func (e *Engine) finishLogin(ctx context.Context, lr loginRequest) (*IssuedToken, error) {
	meta := lr.meta
	userID := lr.user.ID
	now := e.now()

	lctx, cancel := e.lookup(ctx)
	defer cancel()

	tenant, err := e.tenants.FindTenant(lctx, lr.tenantID)
	if errors.Is(err, policy.ErrNotFound) {
		return nil, e.deny(ctx, ErrForbidden, audit.EventForbidden, audit.SeverityMedium, userID, meta, map[string]any{"tenant_id": lr.tenantID})
	}
	if err != nil {
		return nil, transient("find tenant", err)
	}
	roles, err := e.resolver.RoleNames(lctx, userID, tenant.ID)
	if err != nil {
		return nil, transient("resolve roles", err)
	}
	resolved, err := e.resolver.Resolve(lctx, userID, tenant.ID)
	if err != nil {
		return nil, transient("resolve scopes", err)
	}
	if len(roles) == 0 && len(resolved) == 0 {
		return nil, e.deny(ctx, ErrForbidden, audit.EventForbidden, audit.SeverityMedium, userID, meta, map[string]any{"tenant_id": tenant.ID})
	}

	pol := tenant.Policy
	graceUsed := 0
	if pol.MFARequired() && !lr.secondFactor {
		var since time.Time
		if pol.TwoFactor.EnforcementDate != nil {
			since = *pol.TwoFactor.EnforcementDate
		}
		graceUsed, err = e.logins.LoginsSince(lctx, userID, tenant.ID, since)
		if err != nil {
			return nil, transient("count logins", err)
		}
	}

	var (
		decision policy.Decision
		tok      Token
		access   string
		refresh  string
	)
	for attempt := 1; ; attempt++ {
		active, err := e.tokens.ListActive(lctx, userID, tenant.ID, now)
		if err != nil {
			return nil, transient("list sessions", err)
		}
		snap := &SessionSnapshot{At: now}
		var sessions []policy.Session
		for _, t := range active {
			snap.Active = append(snap.Active, t.ID)
			s := sessionOf(t)
			if !policy.IdleExpired(s, pol.Session, now) {
				sessions = append(sessions, s)
			}
		}

		decision = e.policy.EvaluateTenant(tenant, policy.Request{
			UserID:          userID,
			Roles:           roles,
			IP:              meta.IP,
			SecondFactor:    lr.secondFactor,
			GraceLoginsUsed: graceUsed,
			Sessions:        sessions,
		})
		if !decision.Allowed {
			return nil, e.policyDenied(ctx, decision.Reason, userID, tenant.ID, meta)
		}
		snap.Evict = decision.Evict

		if access == "" {
			scopes, err := grantScopes(resolved, lr.client, lr.scope)
			if err != nil {
				return nil, e.deny(ctx, err, audit.EventForbidden, audit.SeverityLow, userID, meta, map[string]any{"tenant_id": tenant.ID, "requested": lr.scope})
			}
			tok, refresh, err = e.newToken(lr.client.ID, userID, tenant.ID, ids.Family(), scopes, now, true)
			if err != nil {
				return nil, err
			}
			if access, err = e.signer.sign(tok); err != nil {
				return nil, err
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, transient("issue token", err)
		}
		err = e.tokens.Create(ctx, tok, snap)
		if err == nil {
			break
		}
		// Another login, refresh or revocation changed the sessions the
		// decision was based on.
		if errors.Is(err, ErrSessionConflict) && attempt < maxSessionAttempts {
			continue
		}
		return nil, transient("create token", err)
	}

	if pol.MFARequired() {
		if err := e.logins.RecordLogin(ctx, userID, tenant.ID, now); err != nil {
			obs.Warn("record login failed", map[string]any{"user_id": userID, "error": err})
		}
	}
	if decision.Grace {
		e.record(ctx, audit.EventMFAGracePeriod, audit.SeverityMedium, userID, meta, map[string]any{
			"tenant_id":         tenant.ID,
			"grace_logins_used": graceUsed + 1,
			"grace_logins":      pol.TwoFactor.GraceLogins,
		})
	}
	for _, id := range decision.Evict {
		e.record(ctx, audit.EventSessionEvicted, audit.SeverityLow, userID, meta, map[string]any{"tenant_id": tenant.ID, "token_id": id})
	}
	e.record(ctx, audit.EventLoginSucceeded, audit.SeverityLow, userID, meta, map[string]any{
		"tenant_id":  tenant.ID,
		"client_id":  lr.client.ID,
		"grant_type": string(lr.grant),
		"token_id":   tok.ID,
	})
	obs.TokensIssued.WithLabelValues(string(lr.grant)).Inc()

	return e.issued(tok, access, refresh, decision.Obligations), nil
}

func (e *Engine) policyDenied(ctx context.Context, reason policy.Reason, userID, tenantID string, meta RequestMeta) error {
	details := map[string]any{"tenant_id": tenantID, "ip": meta.IP}
	switch reason {
	case policy.ReasonIPRestricted:
		return e.deny(ctx, ErrIPRestricted, audit.EventIPRestricted, audit.SeverityHigh, userID, meta, details)
	case policy.ReasonMFARequired:
		return e.deny(ctx, ErrMFARequired, audit.EventMFARequired, audit.SeverityMedium, userID, meta, details)
	case policy.ReasonSessionLimit:
		return e.deny(ctx, ErrSessionLimit, audit.EventSessionLimit, audit.SeverityMedium, userID, meta, details)
	default:
		return e.deny(ctx, ErrForbidden, audit.EventForbidden, audit.SeverityMedium, userID, meta, details)
	}
}

// grantScopes intersects resolved with the client's allowed scopes and, if
// any were requested, with the request.
func grantScopes(resolved rbac.Set, client Client, requested []string) ([]string, error) {
	set := resolved
	if client.AllowedScopes != nil {
		set = set.Intersect(rbac.NewSet(client.AllowedScopes...))
	}
	if len(requested) > 0 {
		set = set.Intersect(rbac.NewSet(requested...))
		if len(set) == 0 {
			return nil, ErrInvalidScope
		}
	}
	return set.Slice(), nil
}

func (e *Engine) newToken(clientID, userID, tenantID, familyID string, scopes []string, now time.Time, withRefresh bool) (Token, string, error) {
	tok := Token{
		ID:                   ids.NewAt(now),
		FamilyID:             familyID,
		AccessTokenExpiresAt: now.Add(e.accessTTL),
		ClientID:             clientID,
		UserID:               userID,
		TenantID:             tenantID,
		Scopes:               slices.Clone(scopes),
		CreatedAt:            now,
		LastActivityAt:       now,
	}
	if !withRefresh {
		return tok, "", nil
	}
	secret, err := ids.Secret(32)
	if err != nil {
		return Token{}, "", fmt.Errorf("generate refresh secret: %w", err)
	}
	tok.RefreshTokenHash = hashSecret(secret)
	tok.RefreshTokenExpiresAt = now.Add(e.refreshTTL)
	return tok, formatRefreshToken(tok.ID, secret), nil
}

func (e *Engine) issued(tok Token, access, refresh string, obligations []string) *IssuedToken {
	return &IssuedToken{
		AccessToken:  access,
		TokenType:    "Bearer",
		RefreshToken: refresh,
		ExpiresIn:    int64(tok.AccessTokenExpiresAt.Sub(tok.CreatedAt) / time.Second),
		ExpiresAt:    tok.AccessTokenExpiresAt,
		Scopes:       tok.Scopes,
		TenantID:     tok.TenantID,
		Obligations:  obligations,
	}
}

func sessionOf(t Token) policy.Session {
	return policy.Session{ID: t.ID, CreatedAt: t.CreatedAt, LastActivityAt: t.LastActivityAt}
}

func (e *Engine) clientCredentialsGrant(ctx context.Context, req TokenRequest) (*IssuedToken, error) {
	meta := req.Meta
	client, err := e.authenticateClient(ctx, req.ClientID, req.ClientSecret, GrantClientCredentials, meta)
	if err != nil {
		return nil, err
	}
	if client.Public() {
		return nil, e.deny(ctx, ErrInvalidClient, audit.EventClientAuthFailed, audit.SeverityMedium, "", meta, map[string]any{"client_id": client.ID})
	}
	if client.TenantID != "" {
		lctx, cancel := e.lookup(ctx)
		tenant, err := e.tenants.FindTenant(lctx, client.TenantID)
		cancel()
		switch {
		case errors.Is(err, policy.ErrNotFound):
		case err != nil:
			return nil, transient("find tenant", err)
		case !tenant.Active():
			return nil, e.deny(ctx, ErrForbidden, audit.EventForbidden, audit.SeverityMedium, "", meta, map[string]any{"client_id": client.ID, "tenant_id": tenant.ID})
		case !policy.IPAllowed(tenant.Policy.IPRestrictions, meta.IP):
			return nil, e.deny(ctx, ErrIPRestricted, audit.EventIPRestricted, audit.SeverityHigh, "", meta, map[string]any{"client_id": client.ID, "tenant_id": tenant.ID, "ip": meta.IP})
		}
	}

	allowed := rbac.NewSet(client.AllowedScopes...)
	if client.AllowedScopes == nil {
		allowed = rbac.NewSet(rbac.AllScopes()...)
	}
	scopes, err := grantScopes(allowed, Client{}, req.Scope)
	if err != nil {
		return nil, e.deny(ctx, err, audit.EventForbidden, audit.SeverityLow, "", meta, map[string]any{"client_id": client.ID, "requested": req.Scope})
	}

	now := e.now()
	tok, _, err := e.newToken(client.ID, "", client.TenantID, ids.Family(), scopes, now, false)
	if err != nil {
		return nil, err
	}
	access, err := e.signer.sign(tok)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, transient("issue token", err)
	}
	if err := e.tokens.Create(ctx, tok, nil); err != nil {
		return nil, transient("create token", err)
	}
	e.record(ctx, audit.EventTokenIssued, audit.SeverityLow, "", meta, map[string]any{
		"client_id":  client.ID,
		"grant_type": string(GrantClientCredentials),
		"token_id":   tok.ID,
	})
	obs.TokensIssued.WithLabelValues(string(GrantClientCredentials)).Inc()
	return e.issued(tok, access, "", nil), nil
}

// IssueAuthCode creates a one-time code for a user the caller has already
// authenticated. The returned code is shown once.
func (e *Engine) IssueAuthCode(ctx context.Context, req AuthCodeRequest) (string, error) {
	meta := req.Meta
	lctx, cancel := e.lookup(ctx)
	client, err := e.clients.FindClient(lctx, strings.TrimSpace(req.ClientID))
	cancel()
	if errors.Is(err, ErrNotFound) {
		return "", e.deny(ctx, ErrInvalidClient, audit.EventClientAuthFailed, audit.SeverityMedium, req.UserID, meta, map[string]any{"client_id": req.ClientID})
	}
	if err != nil {
		return "", transient("find client", err)
	}
	if !client.Allows(GrantAuthorizationCode) {
		return "", ErrUnsupportedGrant
	}
	if !client.HasRedirectURI(req.RedirectURI) {
		return "", fmt.Errorf("%w: redirect_uri is not registered", ErrInvalidRequest)
	}
	if req.UserID == "" || req.TenantID == "" {
		return "", fmt.Errorf("%w: user and tenant are required", ErrInvalidRequest)
	}
	if req.CodeChallenge != "" || pkceRequired(client) {
		if !ValidateCodeChallenge(req.CodeChallenge, req.ChallengeMethod) {
			return "", fmt.Errorf("%w: a valid code_challenge is required", ErrInvalidRequest)
		}
	}
	method := req.ChallengeMethod
	if req.CodeChallenge != "" && method == "" {
		method = PKCEMethodPlain
	}

	code, err := ids.Secret(32)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	now := e.now()
	if err := e.codes.SaveCode(ctx, AuthCode{
		CodeHash:        hashSecret(code),
		ClientID:        client.ID,
		UserID:          req.UserID,
		TenantID:        req.TenantID,
		RedirectURI:     req.RedirectURI,
		Scopes:          slices.Clone(req.Scope),
		Challenge:       req.CodeChallenge,
		ChallengeMethod: method,
		SecondFactor:    req.SecondFactor,
		ExpiresAt:       now.Add(e.authCodeTTL),
		CreatedAt:       now,
	}); err != nil {
		return "", transient("save code", err)
	}
	e.record(ctx, audit.EventAuthCodeIssued, audit.SeverityLow, req.UserID, meta, map[string]any{
		"client_id": client.ID,
		"tenant_id": req.TenantID,
	})
	return code, nil
}

func (e *Engine) authorizationCodeGrant(ctx context.Context, req TokenRequest, g AuthorizationCodeGrant) (*IssuedToken, error) {
	meta := req.Meta
	client, err := e.authenticateClient(ctx, req.ClientID, req.ClientSecret, GrantAuthorizationCode, meta)
	if err != nil {
		return nil, err
	}
	now := e.now()
	code, err := e.codes.ConsumeCode(ctx, hashSecret(g.Code), now)
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrCodeUsed) {
		return nil, e.deny(ctx, ErrInvalidGrant, audit.EventLoginFailed, audit.SeverityMedium, "", meta, map[string]any{"client_id": client.ID, "grant_type": string(GrantAuthorizationCode)})
	}
	if err != nil {
		return nil, transient("consume code", err)
	}
	if code.ClientID != client.ID || code.RedirectURI != g.RedirectURI || expired(code.ExpiresAt, now) {
		return nil, e.deny(ctx, ErrInvalidGrant, audit.EventLoginFailed, audit.SeverityMedium, code.UserID, meta, map[string]any{"client_id": client.ID, "grant_type": string(GrantAuthorizationCode)})
	}
	if code.Challenge != "" || pkceRequired(client) {
		verifier := ""
		if req.PKCE != nil {
			verifier = req.PKCE.Verifier
		}
		if !ValidatePKCE(verifier, code.Challenge, code.ChallengeMethod) {
			return nil, e.deny(ctx, ErrPKCEMismatch, audit.EventPKCEMismatch, audit.SeverityMedium, code.UserID, meta, map[string]any{"client_id": client.ID})
		}
	}

	lctx, cancel := e.lookup(ctx)
	user, err := e.users.FindUser(lctx, code.UserID)
	cancel()
	if errors.Is(err, credential.ErrNotFound) || (err == nil && !user.Active()) {
		return nil, e.deny(ctx, ErrInvalidGrant, audit.EventLoginFailed, audit.SeverityMedium, code.UserID, meta, map[string]any{"client_id": client.ID})
	}
	if err != nil {
		return nil, transient("find user", err)
	}
	if user.LockedAt(now) {
		return nil, e.deny(ctx, &AccountLockedError{Until: *user.AccountLockedUntil}, audit.EventLoginFailed, audit.SeverityMedium, user.ID, meta, nil)
	}

	scope := code.Scopes
	if len(req.Scope) > 0 {
		scope = req.Scope
		if len(code.Scopes) > 0 {
			scope = rbac.NewSet(code.Scopes...).Intersect(rbac.NewSet(req.Scope...)).Slice()
			if len(scope) == 0 {
				return nil, e.deny(ctx, ErrInvalidScope, audit.EventForbidden, audit.SeverityLow, user.ID, meta, map[string]any{"requested": req.Scope})
			}
		}
	}
	return e.finishLogin(ctx, loginRequest{
		client:       client,
		user:         user,
		tenantID:     code.TenantID,
		secondFactor: code.SecondFactor,
		scope:        scope,
		grant:        GrantAuthorizationCode,
		meta:         meta,
	})
}
