package pg

import (
	"context"
	"database/sql"
	"errors"
	"slices"
	"time"

	"tenantauth.dev/internal/auth"
)

func (s *Store) FindClient(ctx context.Context, id string) (auth.Client, error) {
	if s.db == nil {
		return auth.Client{}, errNoDB
	}
	var (
		c                           auth.Client
		secret, tenant              sql.NullString
		grants, redirects, scopeRaw []byte
	)
	err := s.db.QueryRowContext(ctx, `
		select id, name, secret_hash, allowed_grants, redirect_uris, requires_pkce, allowed_scopes, tenant_id, first_party, created_at
		from oauth_clients
		where id = $1
	`, id).Scan(&c.ID, &c.Name, &secret, &grants, &redirects, &c.RequiresPKCE, &scopeRaw, &tenant, &c.FirstParty, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Client{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Client{}, err
	}
	c.SecretHash = secret.String
	c.TenantID = tenant.String
	if c.AllowedGrants, err = decodeList[auth.GrantType](grants); err != nil {
		return auth.Client{}, err
	}
	if c.RedirectURIs, err = decodeList[string](redirects); err != nil {
		return auth.Client{}, err
	}
	// A null column means the client is not restricted.
	if scopeRaw != nil {
		if c.AllowedScopes, err = decodeList[string](scopeRaw); err != nil {
			return auth.Client{}, err
		}
		if c.AllowedScopes == nil {
			c.AllowedScopes = []string{}
		}
	}
	return c, nil
}

func (s *Store) RotateSecret(ctx context.Context, id, secretHash string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `update oauth_clients set secret_hash = $2 where id = $1`, id, secretHash)
	if err != nil {
		return err
	}
	return affected(res, auth.ErrNotFound)
}

// CreateClient registers a client. SecretHash must already be hashed.
func (s *Store) CreateClient(ctx context.Context, c auth.Client) error {
	if s.db == nil {
		return errNoDB
	}
	grants, err := encodeList(c.AllowedGrants)
	if err != nil {
		return err
	}
	redirects, err := encodeList(c.RedirectURIs)
	if err != nil {
		return err
	}
	var scopes []byte
	if c.AllowedScopes != nil {
		if scopes, err = encodeList(c.AllowedScopes); err != nil {
			return err
		}
	}
	_, err = s.db.ExecContext(ctx, `
		insert into oauth_clients (id, name, secret_hash, allowed_grants, redirect_uris, requires_pkce, allowed_scopes, tenant_id, first_party)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, c.ID, c.Name, nullIfEmpty(c.SecretHash), grants, redirects, c.RequiresPKCE, scopes, nullIfEmpty(c.TenantID), c.FirstParty)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return auth.ErrInvalidClient
	}
	return err
}

const tokenColumns = `id, family_id, client_id, coalesce(user_id, ''), coalesce(tenant_id, ''), scopes,
	access_expires_at, coalesce(refresh_hash, ''), refresh_expires_at, revoked, rotated_at, created_at, last_activity_at`

// tokenExpiry is the SQL form of the moment a row stops being usable.
const tokenExpiry = `greatest(access_expires_at, coalesce(refresh_expires_at, access_expires_at))`

func scanToken(row rowScanner) (auth.Token, error) {
	var (
		t                 auth.Token
		scopes            []byte
		refreshExp, rotAt sql.NullTime
	)
	err := row.Scan(&t.ID, &t.FamilyID, &t.ClientID, &t.UserID, &t.TenantID, &scopes,
		&t.AccessTokenExpiresAt, &t.RefreshTokenHash, &refreshExp, &t.Revoked, &rotAt, &t.CreatedAt, &t.LastActivityAt)
	if err != nil {
		return auth.Token{}, err
	}
	if t.Scopes, err = decodeList[string](scopes); err != nil {
		return auth.Token{}, err
	}
	if refreshExp.Valid {
		t.RefreshTokenExpiresAt = refreshExp.Time
	}
	t.RotatedAt = timePtr(rotAt)
	return t, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertToken(ctx context.Context, ex execer, t auth.Token) error {
	scopes, err := encodeList(t.Scopes)
	if err != nil {
		return err
	}
	var refreshExp sql.NullTime
	if t.HasRefresh() {
		refreshExp = sql.NullTime{Time: t.RefreshTokenExpiresAt, Valid: true}
	}
	_, err = ex.ExecContext(ctx, `
		insert into oauth_tokens (id, family_id, client_id, user_id, tenant_id, scopes,
			access_expires_at, refresh_hash, refresh_expires_at, created_at, last_activity_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, t.ID, t.FamilyID, t.ClientID, nullIfEmpty(t.UserID), nullIfEmpty(t.TenantID), scopes,
		t.AccessTokenExpiresAt, nullIfEmpty(t.RefreshTokenHash), refreshExp, t.CreatedAt, t.LastActivityAt)
	return err
}

func (s *Store) Create(ctx context.Context, tok auth.Token, snap *auth.SessionSnapshot) error {
	if s.db == nil {
		return errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if snap != nil {
		if err := lockSessions(ctx, tx, tok.UserID, tok.TenantID); err != nil {
			return err
		}
		current, err := activeIDs(ctx, tx, tok.UserID, tok.TenantID, snap.At)
		if err != nil {
			return err
		}
		if !sameIDs(current, snap.Active) {
			return auth.ErrSessionConflict
		}
		for _, id := range snap.Evict {
			if _, err := tx.ExecContext(ctx, `update oauth_tokens set revoked = true where id = $1`, id); err != nil {
				return err
			}
		}
	}
	if err := insertToken(ctx, tx, tok); err != nil {
		return err
	}
	return tx.Commit()
}

// lockSessions serialises session changes for one user in one tenant until
// the transaction ends.
func lockSessions(ctx context.Context, tx *sql.Tx, userID, tenantID string) error {
	_, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock(hashtext($1), hashtext($2))`, userID, tenantID)
	return err
}

func activeIDs(ctx context.Context, tx *sql.Tx, userID, tenantID string, now time.Time) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		select id from oauth_tokens
		where user_id = $1 and tenant_id = $2 and not revoked and `+tokenExpiry+` > $3
	`, userID, tenantID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func sameIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	a, b = slices.Clone(a), slices.Clone(b)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}

func (s *Store) FindByID(ctx context.Context, id string) (auth.Token, error) {
	if s.db == nil {
		return auth.Token{}, errNoDB
	}
	t, err := scanToken(s.db.QueryRowContext(ctx, `select `+tokenColumns+` from oauth_tokens where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Token{}, auth.ErrNotFound
	}
	return t, err
}

func (s *Store) Rotate(ctx context.Context, oldID string, at time.Time, next auth.Token) error {
	if s.db == nil {
		return errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if next.UserID != "" {
		if err := lockSessions(ctx, tx, next.UserID, next.TenantID); err != nil {
			return err
		}
	}
	res, err := tx.ExecContext(ctx, `
		update oauth_tokens
		set rotated_at = $2, revoked = true
		where id = $1 and rotated_at is null and not revoked
	`, oldID, at)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var rotated bool
		err := tx.QueryRowContext(ctx, `select rotated_at is not null from oauth_tokens where id = $1`, oldID).Scan(&rotated)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return auth.ErrNotFound
		case err != nil:
			return err
		case rotated:
			return auth.ErrRefreshReused
		default:
			return auth.ErrTokenRevoked
		}
	}
	if err := insertToken(ctx, tx, next); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Revoke(ctx context.Context, id string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `update oauth_tokens set revoked = true where id = $1`, id)
	if err != nil {
		return err
	}
	return affected(res, auth.ErrNotFound)
}

func (s *Store) RevokeFamily(ctx context.Context, familyID string) (int, error) {
	return s.revokeWhere(ctx, `update oauth_tokens set revoked = true where family_id = $1 and not revoked`, familyID)
}

func (s *Store) RevokeUser(ctx context.Context, userID string) (int, error) {
	return s.revokeWhere(ctx, `update oauth_tokens set revoked = true where user_id = $1 and not revoked`, userID)
}

func (s *Store) revokeWhere(ctx context.Context, query string, arg string) (int, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	res, err := s.db.ExecContext(ctx, query, arg)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) ListActive(ctx context.Context, userID, tenantID string, now time.Time) ([]auth.Token, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+tokenColumns+`
		from oauth_tokens
		where user_id = $1 and tenant_id = $2 and not revoked and `+tokenExpiry+` > $3
		order by created_at asc
	`, userID, tenantID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []auth.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) Touch(ctx context.Context, id string, at time.Time) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update oauth_tokens set last_activity_at = greatest(last_activity_at, $2) where id = $1
	`, id, at)
	if err != nil {
		return err
	}
	return affected(res, auth.ErrNotFound)
}

func (s *Store) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	return s.deleteWhere(ctx, `delete from oauth_tokens where `+tokenExpiry+` < $1`, before)
}

func (s *Store) DeleteExpiredCodes(ctx context.Context, before time.Time) (int, error) {
	return s.deleteWhere(ctx, `delete from oauth_codes where expires_at < $1`, before)
}

func (s *Store) deleteWhere(ctx context.Context, query string, before time.Time) (int, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	res, err := s.db.ExecContext(ctx, query, before)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) SaveCode(ctx context.Context, code auth.AuthCode) error {
	if s.db == nil {
		return errNoDB
	}
	scopes, err := encodeList(code.Scopes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into oauth_codes (code_hash, client_id, user_id, tenant_id, redirect_uri, scopes,
			challenge, challenge_method, second_factor, expires_at, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, code.CodeHash, code.ClientID, code.UserID, code.TenantID, code.RedirectURI, scopes,
		nullIfEmpty(code.Challenge), nullIfEmpty(code.ChallengeMethod), code.SecondFactor, code.ExpiresAt, code.CreatedAt)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
		return auth.ErrNotFound
	}
	return err
}

func (s *Store) ConsumeCode(ctx context.Context, codeHash string, at time.Time) (auth.AuthCode, error) {
	if s.db == nil {
		return auth.AuthCode{}, errNoDB
	}
	var (
		c                 auth.AuthCode
		scopes            []byte
		challenge, method sql.NullString
		used              sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		update oauth_codes
		set used_at = $2
		where code_hash = $1 and used_at is null
		returning code_hash, client_id, user_id, tenant_id, redirect_uri, scopes,
			challenge, challenge_method, second_factor, expires_at, created_at, used_at
	`, codeHash, at).Scan(&c.CodeHash, &c.ClientID, &c.UserID, &c.TenantID, &c.RedirectURI, &scopes,
		&challenge, &method, &c.SecondFactor, &c.ExpiresAt, &c.CreatedAt, &used)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `select exists(select 1 from oauth_codes where code_hash = $1)`, codeHash).Scan(&exists); err != nil {
			return auth.AuthCode{}, err
		}
		if exists {
			return auth.AuthCode{}, auth.ErrCodeUsed
		}
		return auth.AuthCode{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.AuthCode{}, err
	}
	if c.Scopes, err = decodeList[string](scopes); err != nil {
		return auth.AuthCode{}, err
	}
	c.Challenge = challenge.String
	c.ChallengeMethod = method.String
	c.UsedAt = timePtr(used)
	return c, nil
}

func (s *Store) RecordLogin(ctx context.Context, userID, tenantID string, at time.Time) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into tenant_logins (user_id, tenant_id, created_at) values ($1, $2, $3)
	`, userID, tenantID, at)
	return err
}

func (s *Store) LoginsSince(ctx context.Context, userID, tenantID string, since time.Time) (int, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	var n int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from tenant_logins
		where user_id = $1 and tenant_id = $2 and created_at >= $3
	`, userID, tenantID, since).Scan(&n)
	return n, err
}
