package pg

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"slices"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"tenantauth.dev/internal/audit"
	"tenantauth.dev/internal/auth"
	"tenantauth.dev/internal/credential"
	"tenantauth.dev/internal/policy"
	"tenantauth.dev/internal/rbac"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return New(db), mock
}

var tokenCols = []string{"id", "family_id", "client_id", "user_id", "tenant_id", "scopes",
	"access_expires_at", "refresh_hash", "refresh_expires_at", "revoked", "rotated_at", "created_at", "last_activity_at"}

func TestEmbeddedMigrations(t *testing.T) {
	for _, name := range []string{"0001_init.up.sql", "0001_init.down.sql", "0002_first_party_logins.up.sql", "0002_first_party_logins.down.sql"} {
		if _, err := fs.Stat(Migrations(), name); err != nil {
			t.Fatalf("missing migration %s: %v", name, err)
		}
	}
	if _, err := fs.Stat(Seeds(), "0001_system_tenant.sql"); err != nil {
		t.Fatalf("missing seed: %v", err)
	}
}

func TestFindUserByEmail(t *testing.T) {
	s, mock := newMock(t)
	locked := now.Add(time.Minute)
	mock.ExpectQuery("select id, email.*from users where email").
		WithArgs("alice@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "password_hash", "failed_login_attempts", "account_locked_until", "status", "created_at", "updated_at"}).
			AddRow("u1", "alice@example.com", "$argon2id$...", 5, locked, "active", now, now))
	mock.ExpectQuery("select provider, subject from user_identities").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"provider", "subject"}).AddRow("google", "g-123"))

	u, err := s.FindUserByEmail(context.Background(), "  Alice@Example.com ")
	if err != nil {
		t.Fatalf("FindUserByEmail: %v", err)
	}
	if u.FailedLoginAttempts != 5 || u.AccountLockedUntil == nil || !u.AccountLockedUntil.Equal(locked) {
		t.Fatalf("unexpected user %+v", u)
	}
	if u.FederatedIDs["google"] != "g-123" {
		t.Fatalf("federated ids = %v", u.FederatedIDs)
	}
}

func TestFindUserNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("select id, email.*from users where id").WithArgs("ghost").WillReturnError(sql.ErrNoRows)
	if _, err := s.FindUser(context.Background(), "ghost"); !errors.Is(err, credential.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIncrementFailedLogin(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("update users.*failed_login_attempts \\+ 1").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"failed_login_attempts"}).AddRow(3))
	n, err := s.IncrementFailedLogin(context.Background(), "u1")
	if err != nil || n != 3 {
		t.Fatalf("IncrementFailedLogin = %d, %v", n, err)
	}

	mock.ExpectExec("update users set status").WithArgs("ghost", "inactive").WillReturnResult(sqlmock.NewResult(0, 0))
	if err := s.SetStatus(context.Background(), "ghost", "inactive"); !errors.Is(err, credential.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateTokenEvictsInOneTransaction(t *testing.T) {
	s, mock := newMock(t)
	tok := auth.Token{
		ID: "t-new", FamilyID: "f1", ClientID: "web", UserID: "u1", TenantID: "acme",
		Scopes: []string{"users:read"}, AccessTokenExpiresAt: now.Add(time.Hour),
		RefreshTokenHash: "abc", RefreshTokenExpiresAt: now.Add(24 * time.Hour),
		CreatedAt: now, LastActivityAt: now,
	}
	mock.ExpectBegin()
	mock.ExpectExec(`select pg_advisory_xact_lock\(hashtext\(\$1\), hashtext\(\$2\)\)`).WithArgs("u1", "acme").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select id from oauth_tokens").WithArgs("u1", "acme", now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("t-keep").AddRow("t-old"))
	mock.ExpectExec("update oauth_tokens set revoked = true where id").WithArgs("t-old").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into oauth_tokens").
		WithArgs("t-new", "f1", "web", "u1", "acme", []byte(`["users:read"]`), tok.AccessTokenExpiresAt, "abc", tok.RefreshTokenExpiresAt, now, now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	snap := &auth.SessionSnapshot{Active: []string{"t-old", "t-keep"}, Evict: []string{"t-old"}, At: now}
	if err := s.Create(context.Background(), tok, snap); err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func TestCreateTokenDetectsConcurrentLogin(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("select pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select id from oauth_tokens").WithArgs("u1", "acme", now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("t-old").AddRow("t-racer"))
	mock.ExpectRollback()

	tok := auth.Token{ID: "t-new", FamilyID: "f", ClientID: "web", UserID: "u1", TenantID: "acme", CreatedAt: now, LastActivityAt: now}
	err := s.Create(context.Background(), tok, &auth.SessionSnapshot{Active: []string{"t-old"}, At: now})
	if !errors.Is(err, auth.ErrSessionConflict) {
		t.Fatalf("expected ErrSessionConflict, got %v", err)
	}
}

func TestCreateTokenWithoutSnapshot(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("insert into oauth_tokens").WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := s.Create(context.Background(), auth.Token{ID: "t", FamilyID: "f", ClientID: "svc", CreatedAt: now, LastActivityAt: now}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestRotateRefusesSpentTokens(t *testing.T) {
	tests := []struct {
		name    string
		rotated bool
		want    error
	}{
		{name: "already rotated", rotated: true, want: auth.ErrRefreshReused},
		{name: "revoked", rotated: false, want: auth.ErrTokenRevoked},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s, mock := newMock(t)
			mock.ExpectBegin()
			mock.ExpectExec("select pg_advisory_xact_lock").WithArgs("u1", "acme").WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectExec("update oauth_tokens.*rotated_at is null and not revoked").WithArgs("t1", now).WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectQuery("select rotated_at is not null from oauth_tokens").WithArgs("t1").
				WillReturnRows(sqlmock.NewRows([]string{"rotated"}).AddRow(tc.rotated))
			mock.ExpectRollback()

			err := s.Rotate(context.Background(), "t1", now, auth.Token{ID: "t2", UserID: "u1", TenantID: "acme"})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestRotate(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("select pg_advisory_xact_lock").WithArgs("u1", "acme").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("update oauth_tokens.*rotated_at is null and not revoked").WithArgs("t1", now).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into oauth_tokens").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	next := auth.Token{ID: "t2", FamilyID: "f1", ClientID: "web", UserID: "u1", TenantID: "acme", CreatedAt: now, LastActivityAt: now}
	if err := s.Rotate(context.Background(), "t1", now, next); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
}

func TestFindByID(t *testing.T) {
	s, mock := newMock(t)
	rotated := now.Add(-time.Minute)
	mock.ExpectQuery("from oauth_tokens where id").WithArgs("t1").
		WillReturnRows(sqlmock.NewRows(tokenCols).AddRow("t1", "f1", "svc", "", "acme", []byte(`["audit:read"]`),
			now.Add(time.Hour), "", nil, true, rotated, now, now))
	tok, err := s.FindByID(context.Background(), "t1")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if tok.HasRefresh() || !tok.Revoked || tok.RotatedAt == nil || !slices.Equal(tok.Scopes, []string{"audit:read"}) {
		t.Fatalf("unexpected token %+v", tok)
	}

	mock.ExpectQuery("from oauth_tokens where id").WithArgs("nope").WillReturnError(sql.ErrNoRows)
	if _, err := s.FindByID(context.Background(), "nope"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListActiveAndRevokeFamily(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from oauth_tokens.*not revoked.*order by created_at asc").
		WithArgs("u1", "acme", now).
		WillReturnRows(sqlmock.NewRows(tokenCols).
			AddRow("a", "f1", "web", "u1", "acme", []byte(`[]`), now.Add(time.Hour), "h1", now.Add(time.Hour*24), false, nil, now.Add(-2*time.Hour), now).
			AddRow("b", "f2", "web", "u1", "acme", []byte(`[]`), now.Add(time.Hour), "h2", now.Add(time.Hour*24), false, nil, now.Add(-time.Hour), now))
	active, err := s.ListActive(context.Background(), "u1", "acme", now)
	if err != nil || len(active) != 2 || active[0].ID != "a" {
		t.Fatalf("ListActive = %+v, %v", active, err)
	}

	mock.ExpectExec("update oauth_tokens set revoked = true where family_id").WithArgs("f1").WillReturnResult(sqlmock.NewResult(0, 3))
	n, err := s.RevokeFamily(context.Background(), "f1")
	if err != nil || n != 3 {
		t.Fatalf("RevokeFamily = %d, %v", n, err)
	}
}

func TestConsumeCode(t *testing.T) {
	s, mock := newMock(t)
	codeCols := []string{"code_hash", "client_id", "user_id", "tenant_id", "redirect_uri", "scopes",
		"challenge", "challenge_method", "second_factor", "expires_at", "created_at", "used_at"}
	mock.ExpectQuery("update oauth_codes").WithArgs("h1", now).
		WillReturnRows(sqlmock.NewRows(codeCols).AddRow("h1", "spa", "u1", "acme", "https://app/cb", []byte(`["users:read"]`),
			"chal", "S256", false, now.Add(10*time.Minute), now, now))
	code, err := s.ConsumeCode(context.Background(), "h1", now)
	if err != nil || code.ChallengeMethod != "S256" || code.UsedAt == nil {
		t.Fatalf("ConsumeCode = %+v, %v", code, err)
	}

	mock.ExpectQuery("update oauth_codes").WithArgs("h1", now).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("select exists").WithArgs("h1").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	if _, err := s.ConsumeCode(context.Background(), "h1", now); !errors.Is(err, auth.ErrCodeUsed) {
		t.Fatalf("expected ErrCodeUsed, got %v", err)
	}

	mock.ExpectQuery("update oauth_codes").WithArgs("h2", now).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("select exists").WithArgs("h2").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	if _, err := s.ConsumeCode(context.Background(), "h2", now); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFindClientNullScopesMeansUnrestricted(t *testing.T) {
	s, mock := newMock(t)
	cols := []string{"id", "name", "secret_hash", "allowed_grants", "redirect_uris", "requires_pkce", "allowed_scopes", "tenant_id", "first_party", "created_at"}
	mock.ExpectQuery("from oauth_clients").WithArgs("web").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("web", "Web", "hash", []byte(`["password","refresh_token"]`), []byte(`[]`), false, nil, nil, true, now))
	c, err := s.FindClient(context.Background(), "web")
	if err != nil {
		t.Fatalf("FindClient: %v", err)
	}
	if c.AllowedScopes != nil || c.Public() || !c.Allows(auth.GrantRefreshToken) || !c.TrustedForSecondFactor() {
		t.Fatalf("unexpected client %+v", c)
	}

	mock.ExpectQuery("from oauth_clients").WithArgs("narrow").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("narrow", "", nil, []byte(`["password"]`), []byte(`[]`), true, []byte(`[]`), "acme", false, now))
	c, err = s.FindClient(context.Background(), "narrow")
	if err != nil {
		t.Fatalf("FindClient: %v", err)
	}
	if c.AllowedScopes == nil || len(c.AllowedScopes) != 0 || !c.Public() || c.TenantID != "acme" {
		t.Fatalf("unexpected client %+v", c)
	}
}

func TestFindTenantKeepsDefaults(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("select id, name, status, policy from tenants").WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "status", "policy"}).
			AddRow("acme", "Acme", "active", []byte(`{"ip_restrictions":{"enabled":true,"block_list":["10.0.0.5"]}}`)))
	tenant, err := s.FindTenant(context.Background(), "acme")
	if err != nil {
		t.Fatalf("FindTenant: %v", err)
	}
	if !tenant.Policy.IPRestrictions.Enabled || tenant.Policy.Session.MaxConcurrentSessions != 3 {
		t.Fatalf("unexpected policy %+v", tenant.Policy)
	}

	mock.ExpectQuery("select id, name, status, policy from tenants").WithArgs("ghost").WillReturnError(sql.ErrNoRows)
	if _, err := s.FindTenant(context.Background(), "ghost"); !errors.Is(err, policy.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdatePolicyValidates(t *testing.T) {
	s, mock := newMock(t)
	bad := policy.DefaultPolicy()
	bad.Session.MaxConcurrentSessions = -1
	if err := s.UpdatePolicy(context.Background(), "acme", bad); !errors.Is(err, policy.ErrInvalidPolicy) {
		t.Fatalf("expected ErrInvalidPolicy, got %v", err)
	}
	mock.ExpectExec("update tenants set policy").WithArgs("acme", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	if err := s.UpdatePolicy(context.Background(), "acme", policy.DefaultPolicy()); err != nil {
		t.Fatalf("UpdatePolicy: %v", err)
	}
}

func TestRolesByNameFilters(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from roles").WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "name", "scopes", "is_default", "created_at"}).
			AddRow("r1", "acme", "admin", []byte(`["admin"]`), false, now).
			AddRow("r2", "acme", "member", []byte(`["users:read"]`), true, now))
	roles, err := s.RolesByName(context.Background(), "acme", []string{"member"})
	if err != nil || len(roles) != 1 || roles[0].Name != "member" || roles[0].Scopes[0] != "users:read" {
		t.Fatalf("RolesByName = %+v, %v", roles, err)
	}
}

func TestPutRoleMissingTenant(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("insert into roles").WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})
	err := s.PutRole(context.Background(), rbac.Role{TenantID: "ghost", Name: "member", Scopes: []string{"users:read"}})
	if !errors.Is(err, rbac.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUserMemberships(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from memberships where user_id = \\$1 order by created_at").WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "tenant_id", "roles", "created_at"}).
			AddRow("u1", "acme", []byte(`["admin","member"]`), now))
	ms, err := s.UserMemberships(context.Background(), "u1")
	if err != nil || len(ms) != 1 || !ms[0].HasRole("admin") {
		t.Fatalf("UserMemberships = %+v, %v", ms, err)
	}
}

func TestLoginHistory(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("insert into tenant_logins").WithArgs("u1", "acme", now).WillReturnResult(sqlmock.NewResult(1, 1))
	if err := s.RecordLogin(context.Background(), "u1", "acme", now); err != nil {
		t.Fatalf("RecordLogin: %v", err)
	}

	since := now.Add(-24 * time.Hour)
	mock.ExpectQuery("select count\\(\\*\\) from tenant_logins").WithArgs("u1", "acme", since).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	n, err := s.LoginsSince(context.Background(), "u1", "acme", since)
	if err != nil || n != 2 {
		t.Fatalf("LoginsSince = %d, %v", n, err)
	}
}

func TestAuditAppendAndQuery(t *testing.T) {
	s, mock := newMock(t)
	e := &audit.Entry{ID: "e1", UserID: "u1", Event: audit.EventAccountLocked, Severity: audit.SeverityHigh,
		Details: map[string]any{"failed_attempts": 5}, IPAddress: "10.0.0.1", CreatedAt: now}
	mock.ExpectExec("insert into audit_logs").
		WithArgs("e1", "u1", audit.EventAccountLocked, []byte(`{"failed_attempts":5}`), "10.0.0.1", nil, "high", now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	if err := s.Append(context.Background(), e); err != nil {
		t.Fatalf("Append: %v", err)
	}

	mock.ExpectQuery("select count\\(\\*\\) from audit_logs where user_id = \\$1 and severity = \\$2").
		WithArgs("u1", "high").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(21))
	mock.ExpectQuery("from audit_logs where user_id = \\$1 and severity = \\$2\\s+order by created_at ASC\\s+limit \\$3 offset \\$4").
		WithArgs("u1", "high", 20, 20).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "event", "details", "ip_address", "user_agent", "severity", "created_at"}).
			AddRow("e21", "u1", audit.EventAccountLocked, []byte(`{"failed_attempts":5}`), "10.0.0.1", "", "high", now))
	page, err := s.Query(context.Background(), audit.Filter{UserID: "u1", Severity: audit.SeverityHigh, Page: 2, SortOrder: "asc"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if page.Total != 21 || page.TotalPages != 2 || len(page.Entries) != 1 || page.Entries[0].Severity != audit.SeverityHigh {
		t.Fatalf("unexpected page %+v", page)
	}
}
