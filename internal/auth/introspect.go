package auth

import (
	"context"
	"errors"
	"strings"

	"tenantauth.dev/internal/audit"
	"tenantauth.dev/internal/obs"
	"tenantauth.dev/internal/policy"
)

const (
	tokenTypeAccess  = "access_token"
	tokenTypeRefresh = "refresh_token"
)

type inspected struct {
	info   TokenInfo
	token  Token
	policy *policy.SecurityPolicy
}

// inspect resolves raw to its row and works out whether it is active.
// Unknown or forged tokens yield ErrNotFound.
func (e *Engine) inspect(ctx context.Context, raw string) (inspected, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return inspected{}, ErrNotFound
	}
	var (
		id, secret string
		typ        string
	)
	if looksLikeJWT(raw) {
		jti, err := e.signer.parse(raw)
		if err != nil {
			return inspected{}, ErrNotFound
		}
		id, typ = jti, tokenTypeAccess
	} else {
		var err error
		id, secret, err = splitRefreshToken(raw)
		if err != nil {
			return inspected{}, ErrNotFound
		}
		typ = tokenTypeRefresh
	}

	lctx, cancel := e.lookup(ctx)
	defer cancel()
	rec, err := e.tokens.FindByID(lctx, id)
	if errors.Is(err, ErrNotFound) {
		return inspected{}, ErrNotFound
	}
	if err != nil {
		return inspected{}, transient("find token", err)
	}
	if typ == tokenTypeRefresh && (!rec.HasRefresh() || !secureCompareHash(rec.RefreshTokenHash, secret)) {
		return inspected{}, ErrNotFound
	}

	out := inspected{
		token: rec,
		info: TokenInfo{
			TokenID:   rec.ID,
			TokenType: typ,
			Scopes:    rec.Scopes,
			ClientID:  rec.ClientID,
			UserID:    rec.UserID,
			TenantID:  rec.TenantID,
			IssuedAt:  rec.CreatedAt,
			ExpiresAt: rec.AccessTokenExpiresAt,
		},
	}
	if typ == tokenTypeRefresh {
		out.info.ExpiresAt = rec.RefreshTokenExpiresAt
	}

	now := e.now()
	switch {
	case rec.Revoked:
		out.info.inactive = ErrTokenRevoked
	case expired(out.info.ExpiresAt, now):
		out.info.inactive = ErrTokenExpired
	case typ == tokenTypeAccess && rec.UserID != "" && rec.TenantID != "":
		tenant, err := e.tenants.FindTenant(lctx, rec.TenantID)
		if err != nil && !errors.Is(err, policy.ErrNotFound) {
			return inspected{}, transient("find tenant", err)
		}
		if err == nil {
			out.policy = &tenant.Policy
			if policy.IdleExpired(sessionOf(rec), tenant.Policy.Session, now) {
				out.info.inactive = ErrTokenExpired
			}
		}
	}
	out.info.Active = out.info.inactive == nil
	return out, nil
}

// Introspect reports the state of a token without side effects.
func (e *Engine) Introspect(ctx context.Context, raw string) (TokenInfo, error) {
	in, err := e.inspect(ctx, raw)
	if err != nil {
		return TokenInfo{}, err
	}
	return in.info, nil
}

// Authenticate validates an access token presented on a request. When the
// tenant extends sessions on activity the session is touched.
func (e *Engine) Authenticate(ctx context.Context, raw string) (TokenInfo, error) {
	in, err := e.inspect(ctx, raw)
	if errors.Is(err, ErrNotFound) {
		return TokenInfo{}, ErrInvalidToken
	}
	if err != nil {
		return TokenInfo{}, err
	}
	if in.info.TokenType != tokenTypeAccess {
		return TokenInfo{}, ErrInvalidToken
	}
	if !in.info.Active {
		return TokenInfo{}, in.info.inactive
	}
	if in.policy != nil && in.policy.Session.ExtendOnActivity {
		if err := e.tokens.Touch(ctx, in.token.ID, e.now()); err != nil {
			obs.Warn("touch session failed", map[string]any{"token_id": in.token.ID, "error": err})
		}
	}
	return in.info, nil
}

// Revoke revokes the row behind an access or refresh token. Unknown,
// malformed and already revoked tokens succeed silently.
func (e *Engine) Revoke(ctx context.Context, raw string, meta RequestMeta) error {
	in, err := e.inspect(ctx, raw)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if in.token.Revoked {
		return nil
	}
	if err := e.tokens.Revoke(ctx, in.token.ID); err != nil && !errors.Is(err, ErrNotFound) {
		return transient("revoke token", err)
	}
	e.record(ctx, audit.EventTokenRevoked, audit.SeverityLow, in.token.UserID, meta, map[string]any{
		"token_id":   in.token.ID,
		"token_type": in.info.TokenType,
		"client_id":  in.token.ClientID,
	})
	return nil
}
