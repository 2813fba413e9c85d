package auth

import (
	"context"
	"errors"

	"tenantauth.dev/internal/audit"
	"tenantauth.dev/internal/credential"
	"tenantauth.dev/internal/notify"
	"tenantauth.dev/internal/obs"
	"tenantauth.dev/internal/rbac"
)

// RefreshToken exchanges a refresh token for a new token in the same
// family. Scopes are carried over and narrowed to what the user still
// holds. Presenting an already rotated token revokes the whole family.
func (e *Engine) RefreshToken(ctx context.Context, req RefreshRequest) (*IssuedToken, error) {
	meta := req.Meta
	client, err := e.authenticateClient(ctx, req.ClientID, req.ClientSecret, GrantRefreshToken, meta)
	if err != nil {
		return nil, err
	}
	id, secret, err := splitRefreshToken(req.RefreshToken)
	if err != nil {
		return nil, e.refreshFailed(ctx, ErrInvalidGrant, "", client.ID, meta)
	}
	lctx, cancel := e.lookup(ctx)
	rec, err := e.tokens.FindByID(lctx, id)
	cancel()
	if errors.Is(err, ErrNotFound) {
		return nil, e.refreshFailed(ctx, ErrInvalidGrant, "", client.ID, meta)
	}
	if err != nil {
		return nil, transient("find token", err)
	}
	if !rec.HasRefresh() || !secureCompareHash(rec.RefreshTokenHash, secret) || rec.ClientID != client.ID {
		return nil, e.refreshFailed(ctx, ErrInvalidGrant, rec.UserID, client.ID, meta)
	}
	if rec.RotatedAt != nil {
		return nil, e.refreshReused(ctx, rec, meta)
	}
	if rec.Revoked {
		return nil, e.refreshFailed(ctx, ErrTokenRevoked, rec.UserID, client.ID, meta)
	}
	now := e.now()
	if expired(rec.RefreshTokenExpiresAt, now) {
		return nil, e.refreshFailed(ctx, ErrTokenExpired, rec.UserID, client.ID, meta)
	}

	lctx, cancel = e.lookup(ctx)
	defer cancel()
	user, err := e.users.FindUser(lctx, rec.UserID)
	if errors.Is(err, credential.ErrNotFound) || (err == nil && !user.Active()) {
		return nil, e.refreshFailed(ctx, ErrInvalidGrant, rec.UserID, client.ID, meta)
	}
	if err != nil {
		return nil, transient("find user", err)
	}
	current, err := e.resolver.Resolve(lctx, rec.UserID, rec.TenantID)
	if err != nil {
		return nil, transient("resolve scopes", err)
	}
	scopes := rbac.NewSet(rec.Scopes...).Intersect(current).Slice()

	next, refresh, err := e.newToken(client.ID, rec.UserID, rec.TenantID, rec.FamilyID, scopes, now, true)
	if err != nil {
		return nil, err
	}
	access, err := e.signer.sign(next)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, transient("rotate token", err)
	}
	err = e.tokens.Rotate(ctx, rec.ID, now, next)
	if errors.Is(err, ErrRefreshReused) {
		return nil, e.refreshReused(ctx, rec, meta)
	}
	if errors.Is(err, ErrTokenRevoked) {
		// Revoked after the lookup, by logout, password change or
		// deactivation.
		return nil, e.refreshFailed(ctx, ErrTokenRevoked, rec.UserID, client.ID, meta)
	}
	if err != nil {
		return nil, transient("rotate token", err)
	}

	e.record(ctx, audit.EventTokenRefreshed, audit.SeverityLow, rec.UserID, meta, map[string]any{
		"client_id":     client.ID,
		"tenant_id":     rec.TenantID,
		"family_id":     rec.FamilyID,
		"token_id":      next.ID,
		"previous_id":   rec.ID,
		"scopes_before": len(rec.Scopes),
		"scopes_after":  len(scopes),
	})
	obs.TokensIssued.WithLabelValues(string(GrantRefreshToken)).Inc()
	return e.issued(next, access, refresh, nil), nil
}

func (e *Engine) refreshFailed(ctx context.Context, err error, userID, clientID string, meta RequestMeta) error {
	return e.deny(ctx, err, audit.EventRefreshFailed, audit.SeverityMedium, userID, meta, map[string]any{"client_id": clientID})
}

// refreshReused handles a replayed refresh token: the family is revoked.
func (e *Engine) refreshReused(ctx context.Context, rec Token, meta RequestMeta) error {
	n, err := e.tokens.RevokeFamily(ctx, rec.FamilyID)
	if err != nil {
		obs.Error("revoke token family failed", map[string]any{"family_id": rec.FamilyID, "error": err})
	}
	e.record(ctx, audit.EventRefreshTokenReuse, audit.SeverityCritical, rec.UserID, meta, map[string]any{
		"family_id": rec.FamilyID,
		"token_id":  rec.ID,
		"client_id": rec.ClientID,
		"tenant_id": rec.TenantID,
		"revoked":   n,
	})
	obs.Denials.WithLabelValues("token_reuse").Inc()
	if user, err := e.users.FindUser(ctx, rec.UserID); err == nil {
		e.notifier.Publish(ctx, notify.Message{
			Kind:   notify.KindTokenReuse,
			UserID: user.ID,
			To:     user.Email,
			Data:   map[string]string{"ip": meta.IP, "client_id": rec.ClientID},
		})
	}
	return ErrTokenRevoked
}
