package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"tenantauth.dev/internal/credential"
)

const userColumns = `id, email, coalesce(password_hash, ''), failed_login_attempts, account_locked_until, status, created_at, updated_at`

func scanUser(row rowScanner) (credential.User, error) {
	var (
		u      credential.User
		locked sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.FailedLoginAttempts, &locked, &u.Status, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return credential.User{}, err
	}
	u.AccountLockedUntil = timePtr(locked)
	return u, nil
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (credential.User, error) {
	return s.findUser(ctx, `select `+userColumns+` from users where email = $1`, credential.NormalizeEmail(email))
}

func (s *Store) FindUser(ctx context.Context, id string) (credential.User, error) {
	return s.findUser(ctx, `select `+userColumns+` from users where id = $1`, id)
}

func (s *Store) FindUserByFederatedID(ctx context.Context, provider, subject string) (credential.User, error) {
	return s.findUser(ctx, `
		select `+userColumns+`
		from users
		where id = (select user_id from user_identities where provider = $1 and subject = $2)
	`, provider, subject)
}

func (s *Store) findUser(ctx context.Context, query string, args ...any) (credential.User, error) {
	if s.db == nil {
		return credential.User{}, errNoDB
	}
	u, err := scanUser(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return credential.User{}, credential.ErrNotFound
	}
	if err != nil {
		return credential.User{}, err
	}
	ids, err := s.identities(ctx, u.ID)
	if err != nil {
		return credential.User{}, err
	}
	u.FederatedIDs = ids
	return u, nil
}

func (s *Store) identities(ctx context.Context, userID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `select provider, subject from user_identities where user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out map[string]string
	for rows.Next() {
		var provider, subject string
		if err := rows.Scan(&provider, &subject); err != nil {
			return nil, err
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[provider] = subject
	}
	return out, rows.Err()
}

func (s *Store) IncrementFailedLogin(ctx context.Context, userID string) (int, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	var n int
	err := s.db.QueryRowContext(ctx, `
		update users
		set failed_login_attempts = failed_login_attempts + 1, updated_at = now()
		where id = $1
		returning failed_login_attempts
	`, userID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, credential.ErrNotFound
	}
	return n, err
}

func (s *Store) SetAccountLock(ctx context.Context, userID string, until time.Time) error {
	return s.updateUser(ctx, `update users set account_locked_until = $2, updated_at = now() where id = $1`, userID, until.UTC())
}

func (s *Store) ResetFailedLogins(ctx context.Context, userID string) error {
	return s.updateUser(ctx, `
		update users
		set failed_login_attempts = 0, account_locked_until = null, updated_at = now()
		where id = $1
	`, userID)
}

func (s *Store) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	return s.updateUser(ctx, `update users set password_hash = $2, updated_at = now() where id = $1`, userID, passwordHash)
}

func (s *Store) SetStatus(ctx context.Context, userID, status string) error {
	return s.updateUser(ctx, `update users set status = $2, updated_at = now() where id = $1`, userID, status)
}

func (s *Store) updateUser(ctx context.Context, query string, args ...any) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return affected(res, credential.ErrNotFound)
}

// CreateUser inserts a user with an already hashed password.
func (s *Store) CreateUser(ctx context.Context, u credential.User) error {
	if s.db == nil {
		return errNoDB
	}
	status := u.Status
	if status == "" {
		status = credential.StatusActive
	}
	_, err := s.db.ExecContext(ctx, `
		insert into users (id, email, password_hash, status)
		values ($1, $2, $3, $4)
	`, u.ID, credential.NormalizeEmail(u.Email), nullIfEmpty(u.PasswordHash), status)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return credential.ErrInvalidInput
	}
	return err
}
