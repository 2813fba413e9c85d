package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tenantauth.dev/internal/audit"
	"tenantauth.dev/internal/credential"
	"tenantauth.dev/internal/ids"
	"tenantauth.dev/internal/notify"
	"tenantauth.dev/internal/obs"
	"tenantauth.dev/internal/ratelimit"
	"tenantauth.dev/internal/rbac"
)

const minPasswordLength = 8

// RevokeUser revokes every token of userID.
func (e *Engine) RevokeUser(ctx context.Context, userID, reason string, meta RequestMeta) (int, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	n, err := e.tokens.RevokeUser(ctx, userID)
	if err != nil {
		return 0, transient("revoke user tokens", err)
	}
	e.record(ctx, audit.EventTokensRevokedForUser, audit.SeverityMedium, userID, meta, map[string]any{
		"reason":  reason,
		"revoked": n,
	})
	return n, nil
}

// ChangePassword verifies current, stores next and ends every session.
func (e *Engine) ChangePassword(ctx context.Context, userID, current, next string, meta RequestMeta) error {
	if len(next) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidRequest, minPasswordLength)
	}
	lctx, cancel := e.lookup(ctx)
	user, err := e.users.FindUser(lctx, userID)
	cancel()
	if errors.Is(err, credential.ErrNotFound) {
		return ErrInvalidCredentials
	}
	if err != nil {
		return transient("find user", err)
	}
	if err := e.verifier.Check(user, current); err != nil {
		return e.deny(ctx, ErrInvalidCredentials, audit.EventLoginFailed, audit.SeverityMedium, user.ID, meta, map[string]any{"operation": "change_password"})
	}
	hash, err := credential.HashPassword(next)
	if err != nil {
		return err
	}
	if err := e.users.UpdatePassword(ctx, user.ID, hash); err != nil {
		return transient("update password", err)
	}
	if _, err := e.RevokeUser(ctx, user.ID, "password_changed", meta); err != nil {
		return err
	}
	e.record(ctx, audit.EventPasswordChanged, audit.SeverityMedium, user.ID, meta, nil)
	e.notifier.Publish(ctx, notify.Message{
		Kind:   notify.KindPasswordChanged,
		UserID: user.ID,
		To:     user.Email,
		Data:   map[string]string{"ip": meta.IP},
	})
	return nil
}

// RequestPasswordReset mails a reset link to email if it belongs to an
// active user. Unknown addresses succeed silently; only the rate limit is
// reported.
func (e *Engine) RequestPasswordReset(ctx context.Context, email string, meta RequestMeta) error {
	email = credential.NormalizeEmail(email)
	if email == "" {
		return fmt.Errorf("%w: email is required", ErrInvalidRequest)
	}
	res, err := e.guard.CheckAndIncrement(ctx, ratelimit.PasswordResetKey(email, meta.IP), ratelimit.ActionPasswordReset,
		ratelimit.Meta{IP: meta.IP, UserAgent: meta.UserAgent})
	if err != nil {
		return transient("rate limit", err)
	}
	if !res.Allowed {
		return &RateLimitedError{ResetAt: res.ResetAt}
	}

	lctx, cancel := e.lookup(ctx)
	user, err := e.verifier.Lookup(lctx, email)
	cancel()
	if errors.Is(err, credential.ErrNotFound) || (err == nil && !user.Active()) {
		e.record(ctx, audit.EventPasswordResetRequested, audit.SeverityLow, "", meta, map[string]any{"email": email, "sent": false})
		return nil
	}
	if err != nil {
		return transient("find user", err)
	}
	token, err := e.signer.signReset(user.ID, user.PasswordHash, e.now(), e.resetTTL)
	if err != nil {
		return err
	}
	e.record(ctx, audit.EventPasswordResetRequested, audit.SeverityLow, user.ID, meta, map[string]any{"sent": true})
	e.notifier.Publish(ctx, notify.Message{
		Kind:   notify.KindPasswordReset,
		UserID: user.ID,
		To:     user.Email,
		Data:   map[string]string{"token": token, "ip": meta.IP},
	})
	return nil
}

// ResetPassword sets a new password from a reset token and ends every
// session. A token is spent by any password change, including its own.
func (e *Engine) ResetPassword(ctx context.Context, token, next string, meta RequestMeta) error {
	if len(next) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidRequest, minPasswordLength)
	}
	userID, fingerprint, err := e.signer.parseReset(token, e.now())
	if err != nil {
		return e.deny(ctx, ErrInvalidGrant, audit.EventPasswordReset, audit.SeverityMedium, "", meta, map[string]any{"result": "invalid_token"})
	}
	lctx, cancel := e.lookup(ctx)
	user, err := e.users.FindUser(lctx, userID)
	cancel()
	if errors.Is(err, credential.ErrNotFound) || (err == nil && !user.Active()) {
		return e.deny(ctx, ErrInvalidGrant, audit.EventPasswordReset, audit.SeverityMedium, userID, meta, map[string]any{"result": "unknown_user"})
	}
	if err != nil {
		return transient("find user", err)
	}
	if passwordFingerprint(user.PasswordHash) != fingerprint {
		return e.deny(ctx, ErrInvalidGrant, audit.EventPasswordReset, audit.SeverityMedium, user.ID, meta, map[string]any{"result": "spent_token"})
	}
	hash, err := credential.HashPassword(next)
	if err != nil {
		return err
	}
	if err := e.users.UpdatePassword(ctx, user.ID, hash); err != nil {
		return transient("update password", err)
	}
	if err := e.users.ResetFailedLogins(ctx, user.ID); err != nil {
		obs.Warn("reset failed logins failed", map[string]any{"user_id": user.ID, "error": err})
	}
	if _, err := e.RevokeUser(ctx, user.ID, "password_reset", meta); err != nil {
		return err
	}
	e.record(ctx, audit.EventPasswordReset, audit.SeverityMedium, user.ID, meta, map[string]any{"result": "success"})
	e.notifier.Publish(ctx, notify.Message{
		Kind:   notify.KindPasswordChanged,
		UserID: user.ID,
		To:     user.Email,
		Data:   map[string]string{"ip": meta.IP},
	})
	return nil
}

// DeactivateUser marks userID inactive and ends every session. The last
// admin of a tenant cannot be deactivated.
func (e *Engine) DeactivateUser(ctx context.Context, userID, actorID, reason string, meta RequestMeta) error {
	lctx, cancel := e.lookup(ctx)
	user, err := e.users.FindUser(lctx, userID)
	cancel()
	if errors.Is(err, credential.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return transient("find user", err)
	}
	if err := e.resolver.CanDeactivate(ctx, user.ID); err != nil {
		if errors.Is(err, rbac.ErrLastAdmin) {
			return fmt.Errorf("%w: %v", ErrForbidden, err)
		}
		return transient("check last admin", err)
	}
	if err := e.users.SetStatus(ctx, user.ID, credential.StatusInactive); err != nil {
		return transient("set status", err)
	}
	if _, err := e.RevokeUser(ctx, user.ID, "account_deactivated", meta); err != nil {
		return err
	}
	e.record(ctx, audit.EventAccountDeactivated, audit.SeverityHigh, user.ID, meta, map[string]any{
		"actor_id": actorID,
		"reason":   reason,
	})
	e.notifier.Publish(ctx, notify.Message{
		Kind:   notify.KindAccountDeactivated,
		UserID: user.ID,
		To:     user.Email,
		Data:   map[string]string{"reason": reason},
	})
	return nil
}

// RotateClientSecret issues a new secret for a confidential client. The
// plaintext is returned once. A non-empty tenantID limits rotation to
// clients owned by that tenant; other clients report ErrNotFound.
func (e *Engine) RotateClientSecret(ctx context.Context, clientID, tenantID string) (string, error) {
	client, err := e.clients.FindClient(ctx, clientID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", transient("find client", err)
	}
	if err != nil || (tenantID != "" && client.TenantID != tenantID) {
		return "", ErrNotFound
	}
	if client.Public() {
		return "", fmt.Errorf("%w: public clients have no secret", ErrInvalidRequest)
	}
	secret, err := ids.Secret(32)
	if err != nil {
		return "", fmt.Errorf("generate client secret: %w", err)
	}
	if err := e.clients.RotateSecret(ctx, client.ID, HashClientSecret(secret)); err != nil {
		return "", transient("rotate client secret", err)
	}
	return secret, nil
}
