package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"tenantauth.dev/internal/ids"
	"tenantauth.dev/internal/policy"
	"tenantauth.dev/internal/rbac"
)

func (s *Store) FindTenant(ctx context.Context, id string) (policy.Tenant, error) {
	if s.db == nil {
		return policy.Tenant{}, errNoDB
	}
	var (
		t   policy.Tenant
		raw []byte
	)
	err := s.db.QueryRowContext(ctx, `select id, name, status, policy from tenants where id = $1`, id).
		Scan(&t.ID, &t.Name, &t.Status, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return policy.Tenant{}, policy.ErrNotFound
	}
	if err != nil {
		return policy.Tenant{}, err
	}
	// Fields missing from the stored document keep their defaults.
	t.Policy = policy.DefaultPolicy()
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &t.Policy); err != nil {
			return policy.Tenant{}, fmt.Errorf("decode policy: %w", err)
		}
	}
	return t, nil
}

func (s *Store) UpdatePolicy(ctx context.Context, id string, p policy.SecurityPolicy) error {
	if s.db == nil {
		return errNoDB
	}
	if err := policy.ValidatePolicy(p); err != nil {
		return err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `update tenants set policy = $2, updated_at = now() where id = $1`, id, raw)
	if err != nil {
		return err
	}
	return affected(res, policy.ErrNotFound)
}

// CreateTenant inserts a tenant with the default policy.
func (s *Store) CreateTenant(ctx context.Context, id, name string) (policy.Tenant, error) {
	if s.db == nil {
		return policy.Tenant{}, errNoDB
	}
	t := policy.Tenant{ID: id, Name: name, Status: policy.TenantActive, Policy: policy.DefaultPolicy()}
	raw, err := json.Marshal(t.Policy)
	if err != nil {
		return policy.Tenant{}, fmt.Errorf("encode policy: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into tenants (id, name, status, policy)
		values ($1, $2, $3, $4)
	`, t.ID, t.Name, t.Status, raw)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return policy.Tenant{}, fmt.Errorf("%w: tenant %s exists", policy.ErrInvalidPolicy, id)
	}
	if err != nil {
		return policy.Tenant{}, err
	}
	return t, nil
}

const membershipColumns = `user_id, tenant_id, roles, created_at`

func (s *Store) Memberships(ctx context.Context, userID, tenantID string) ([]rbac.Membership, error) {
	return s.memberships(ctx, `select `+membershipColumns+` from memberships where user_id = $1 and tenant_id = $2`, userID, tenantID)
}

func (s *Store) UserMemberships(ctx context.Context, userID string) ([]rbac.Membership, error) {
	return s.memberships(ctx, `select `+membershipColumns+` from memberships where user_id = $1 order by created_at asc`, userID)
}

func (s *Store) TenantMembers(ctx context.Context, tenantID string) ([]rbac.Membership, error) {
	return s.memberships(ctx, `select `+membershipColumns+` from memberships where tenant_id = $1 order by created_at asc`, tenantID)
}

func (s *Store) memberships(ctx context.Context, query string, args ...any) ([]rbac.Membership, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []rbac.Membership
	for rows.Next() {
		var (
			m   rbac.Membership
			raw []byte
		)
		if err := rows.Scan(&m.UserID, &m.TenantID, &raw, &m.CreatedAt); err != nil {
			return nil, err
		}
		if m.Roles, err = decodeList[string](raw); err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// AddMembership grants roles to a user in a tenant, replacing any previous
// role list.
func (s *Store) AddMembership(ctx context.Context, m rbac.Membership) error {
	if s.db == nil {
		return errNoDB
	}
	raw, err := encodeList(m.Roles)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into memberships (user_id, tenant_id, roles)
		values ($1, $2, $3)
		on conflict (user_id, tenant_id) do update set roles = excluded.roles
	`, m.UserID, m.TenantID, raw)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
		return rbac.ErrNotFound
	}
	return err
}

func (s *Store) RolesByName(ctx context.Context, tenantID string, names []string) ([]rbac.Role, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	if len(names) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, tenant_id, name, scopes, is_default, created_at
		from roles
		where tenant_id = $1
		order by name
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []rbac.Role
	for rows.Next() {
		var (
			r   rbac.Role
			raw []byte
		)
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Name, &raw, &r.IsDefault, &r.CreatedAt); err != nil {
			return nil, err
		}
		if !slices.Contains(names, r.Name) {
			continue
		}
		if r.Scopes, err = decodeList[string](raw); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) PutRole(ctx context.Context, role rbac.Role) error {
	if s.db == nil {
		return errNoDB
	}
	if role.ID == "" {
		role.ID = ids.New()
	}
	raw, err := encodeList(role.Scopes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into roles (id, tenant_id, name, scopes, is_default)
		values ($1, $2, $3, $4, $5)
		on conflict (tenant_id, name) do update
		set scopes = excluded.scopes, is_default = excluded.is_default
	`, role.ID, role.TenantID, role.Name, raw, role.IsDefault)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
		return rbac.ErrNotFound
	}
	return err
}
