package auth

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tenantauth.dev/internal/audit"
	"tenantauth.dev/internal/notify"
	"tenantauth.dev/internal/rbac"
)

type capturePublisher struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (p *capturePublisher) Publish(_ context.Context, m notify.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, m)
}

func (p *capturePublisher) kinds() []notify.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]notify.Kind, 0, len(p.msgs))
	for _, m := range p.msgs {
		out = append(out, m.Kind)
	}
	return out
}

func refreshRequest(raw string) RefreshRequest {
	return RefreshRequest{ClientID: "web", ClientSecret: "web-secret", RefreshToken: raw, Meta: RequestMeta{IP: "10.1.1.1"}}
}

func TestRefreshRotatesWithinFamily(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.login("bob@example.com", bobPass, "t1")

	f.clock.Advance(time.Minute)
	second, err := f.engine.RefreshToken(ctx, refreshRequest(first.RefreshToken))
	if err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}
	if second.RefreshToken == first.RefreshToken || second.AccessToken == first.AccessToken {
		t.Fatal("expected new token pair")
	}
	if !slices.Equal(second.Scopes, first.Scopes) {
		t.Fatalf("scopes changed: %v -> %v", first.Scopes, second.Scopes)
	}
	a, _ := f.engine.Introspect(ctx, first.RefreshToken)
	b, _ := f.engine.Introspect(ctx, second.RefreshToken)
	if a.TokenType != "refresh_token" || !b.Active {
		t.Fatalf("unexpected introspection %+v / %+v", a, b)
	}
	if f.store.tokens[a.TokenID].FamilyID != f.store.tokens[b.TokenID].FamilyID {
		t.Fatal("rotated token left its family")
	}

	if _, err := f.engine.RefreshToken(ctx, RefreshRequest{ClientID: "narrow", ClientSecret: "narrow-secret", RefreshToken: second.RefreshToken}); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("other client: expected ErrInvalidGrant, got %v", err)
	}
	if _, err := f.engine.RefreshToken(ctx, refreshRequest("not-a-token")); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("garbage: expected ErrInvalidGrant, got %v", err)
	}
}

func TestRefreshReuseRevokesFamily(t *testing.T) {
	pub := &capturePublisher{}
	f := newFixture(t, withEngineOptions(WithNotifier(pub)))
	ctx := context.Background()
	r1 := f.login("bob@example.com", bobPass, "t1")
	r2, err := f.engine.RefreshToken(ctx, refreshRequest(r1.RefreshToken))
	if err != nil {
		t.Fatalf("first refresh: %v", err)
	}

	if _, err := f.engine.RefreshToken(ctx, refreshRequest(r1.RefreshToken)); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("replay: expected ErrTokenRevoked, got %v", err)
	}
	if _, err := f.engine.RefreshToken(ctx, refreshRequest(r2.RefreshToken)); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("descendant: expected ErrTokenRevoked, got %v", err)
	}
	info, err := f.engine.Introspect(ctx, r2.AccessToken)
	if err != nil || info.Active {
		t.Fatalf("descendant access token should be inactive: %+v %v", info, err)
	}
	if !f.hasEvent(audit.EventRefreshTokenReuse, audit.SeverityCritical) {
		t.Fatal("expected critical REFRESH_TOKEN_REUSE entry")
	}
	if !slices.Contains(pub.kinds(), notify.KindTokenReuse) {
		t.Fatalf("expected token reuse notification, got %v", pub.kinds())
	}
}

// revokingTokens runs revoke once, right after the next FindByID.
type revokingTokens struct {
	*MemoryStore
	armed  *atomic.Bool
	revoke func()
}

func (r revokingTokens) FindByID(ctx context.Context, id string) (Token, error) {
	tok, err := r.MemoryStore.FindByID(ctx, id)
	if r.armed.CompareAndSwap(true, false) {
		r.revoke()
	}
	return tok, err
}

func TestRefreshLosesToConcurrentRevocation(t *testing.T) {
	ctx := context.Background()
	armed := &atomic.Bool{}
	f := newFixture(t, withTokenStore(func(m *MemoryStore) TokenStore {
		return revokingTokens{MemoryStore: m, armed: armed, revoke: func() {
			if _, err := m.RevokeUser(ctx, "bob"); err != nil {
				t.Errorf("RevokeUser: %v", err)
			}
		}}
	}))
	tok := f.login("bob@example.com", bobPass, "t1")

	armed.Store(true)
	if _, err := f.engine.RefreshToken(ctx, refreshRequest(tok.RefreshToken)); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected ErrTokenRevoked, got %v", err)
	}
	active, _ := f.store.ListActive(ctx, "bob", "t1", f.clock.Now())
	if len(active) != 0 {
		t.Fatalf("expected no live sessions after revocation, got %d", len(active))
	}
	if !f.hasEvent(audit.EventRefreshFailed, audit.SeverityMedium) {
		t.Fatal("expected REFRESH_FAILED entry")
	}
}

func TestConcurrentRefreshSucceedsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tok := f.login("bob@example.com", bobPass, "t1")

	const n = 8
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make(chan error, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.engine.RefreshToken(ctx, refreshRequest(tok.RefreshToken))
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case !errors.Is(err, ErrTokenRevoked):
			t.Fatalf("unexpected error %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one successful refresh, got %d", succeeded)
	}
	active, _ := f.store.ListActive(ctx, "bob", "t1", f.clock.Now())
	if len(active) != 0 {
		t.Fatalf("expected the family to be revoked, %d sessions still active", len(active))
	}
	if !f.hasEvent(audit.EventRefreshTokenReuse, audit.SeverityCritical) {
		t.Fatal("expected REFRESH_TOKEN_REUSE entry")
	}
}

func TestRefreshNarrowsToCurrentScopes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tok := f.login("alice@example.com", alicePass, "t1")

	if err := f.members.PutRole(ctx, rbac.Role{TenantID: "t1", Name: "member", Scopes: []string{rbac.ScopeUsersRead}}); err != nil {
		t.Fatalf("PutRole: %v", err)
	}
	next, err := f.engine.RefreshToken(ctx, refreshRequest(tok.RefreshToken))
	if err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}
	if !slices.Equal(next.Scopes, []string{rbac.ScopeUsersRead}) {
		t.Fatalf("scopes = %v", next.Scopes)
	}
}

func TestRefreshExpired(t *testing.T) {
	f := newFixture(t)
	tok := f.login("alice@example.com", alicePass, "t1")
	f.clock.Advance(15 * 24 * time.Hour)
	if _, err := f.engine.RefreshToken(context.Background(), refreshRequest(tok.RefreshToken)); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestAuthenticateAndIdleTimeout(t *testing.T) {
	f := newFixture(t, withEngineOptions(WithAccessTTL(4*time.Hour), WithRefreshTTL(24*time.Hour)))
	ctx := context.Background()
	tok := f.login("alice@example.com", alicePass, "t1")

	for i := 0; i < 2; i++ {
		f.clock.Advance(50 * time.Minute)
		info, err := f.engine.Authenticate(ctx, tok.AccessToken)
		if err != nil {
			t.Fatalf("Authenticate after %d intervals: %v", i+1, err)
		}
		if info.UserID != "alice" || info.TenantID != "t1" {
			t.Fatalf("unexpected info %+v", info)
		}
	}

	f.clock.Advance(61 * time.Minute)
	info, err := f.engine.Introspect(ctx, tok.AccessToken)
	if err != nil || info.Active {
		t.Fatalf("idle session should be inactive: %+v %v", info, err)
	}
	if _, err := f.engine.Authenticate(ctx, tok.AccessToken); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestAuthenticateRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tok := f.login("alice@example.com", alicePass, "t1")

	if _, err := f.engine.Authenticate(ctx, tok.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("refresh token as bearer: expected ErrInvalidToken, got %v", err)
	}
	if _, err := f.engine.Authenticate(ctx, "a.b.c"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("forged jwt: expected ErrInvalidToken, got %v", err)
	}
	f.clock.Advance(time.Hour)
	if _, err := f.engine.Authenticate(ctx, tok.AccessToken); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expired access: expected ErrTokenExpired, got %v", err)
	}
}

func TestRevoke(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tok := f.login("alice@example.com", alicePass, "t1")

	if err := f.engine.Revoke(ctx, "garbage", RequestMeta{}); err != nil {
		t.Fatalf("unknown token: %v", err)
	}
	if err := f.engine.Revoke(ctx, tok.RefreshToken, RequestMeta{}); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if err := f.engine.Revoke(ctx, tok.RefreshToken, RequestMeta{}); err != nil {
		t.Fatalf("second Revoke: %v", err)
	}
	if _, err := f.engine.Authenticate(ctx, tok.AccessToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected ErrTokenRevoked, got %v", err)
	}
	if _, err := f.engine.RefreshToken(ctx, refreshRequest(tok.RefreshToken)); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("refresh after revoke: expected ErrTokenRevoked, got %v", err)
	}
	n := 0
	for _, e := range f.audit.Events() {
		if e == audit.EventTokenRevoked {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("expected one TOKEN_REVOKED entry, got %d", n)
	}
}

func TestChangePasswordEndsSessions(t *testing.T) {
	pub := &capturePublisher{}
	f := newFixture(t, withEngineOptions(WithNotifier(pub)))
	ctx := context.Background()
	a := f.login("alice@example.com", alicePass, "t1")
	b := f.login("alice@example.com", alicePass, "t2")

	if err := f.engine.ChangePassword(ctx, "alice", "wrong-password", "new-secret-pass", RequestMeta{}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong current: expected ErrInvalidCredentials, got %v", err)
	}
	if err := f.engine.ChangePassword(ctx, "alice", alicePass, "short", RequestMeta{}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("short: expected ErrInvalidRequest, got %v", err)
	}
	if err := f.engine.ChangePassword(ctx, "alice", alicePass, "new-secret-pass", RequestMeta{}); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	for _, tok := range []*IssuedToken{a, b} {
		if _, err := f.engine.Authenticate(ctx, tok.AccessToken); !errors.Is(err, ErrTokenRevoked) {
			t.Fatalf("expected ErrTokenRevoked, got %v", err)
		}
	}
	if _, err := f.engine.IssueToken(ctx, passwordRequest("web", "web-secret", "alice@example.com", alicePass, "t1")); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password: expected ErrInvalidCredentials, got %v", err)
	}
	f.login("alice@example.com", "new-secret-pass", "t1")
	if !slices.Contains(pub.kinds(), notify.KindPasswordChanged) {
		t.Fatalf("expected password changed notification, got %v", pub.kinds())
	}
}

func TestDeactivateUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tok := f.login("alice@example.com", alicePass, "t1")

	if err := f.engine.DeactivateUser(ctx, "bob", "root", "offboarding", RequestMeta{}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("last admin: expected ErrForbidden, got %v", err)
	}
	if err := f.engine.DeactivateUser(ctx, "ghost", "root", "", RequestMeta{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown user: expected ErrNotFound, got %v", err)
	}
	if err := f.engine.DeactivateUser(ctx, "alice", "bob", "offboarding", RequestMeta{}); err != nil {
		t.Fatalf("DeactivateUser: %v", err)
	}
	if _, err := f.engine.Authenticate(ctx, tok.AccessToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected ErrTokenRevoked, got %v", err)
	}
	if _, err := f.engine.IssueToken(ctx, passwordRequest("web", "web-secret", "alice@example.com", alicePass, "t1")); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("inactive login: expected ErrInvalidCredentials, got %v", err)
	}
	if !f.hasEvent(audit.EventAccountDeactivated, audit.SeverityHigh) {
		t.Fatal("expected ACCOUNT_DEACTIVATED entry")
	}
}

func TestRotateClientSecret(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	secret, err := f.engine.RotateClientSecret(ctx, "web", "")
	if err != nil {
		t.Fatalf("RotateClientSecret: %v", err)
	}
	if _, err := f.engine.IssueToken(ctx, passwordRequest("web", "web-secret", "alice@example.com", alicePass, "t1")); !errors.Is(err, ErrInvalidClient) {
		t.Fatalf("old secret: expected ErrInvalidClient, got %v", err)
	}
	if _, err := f.engine.IssueToken(ctx, passwordRequest("web", secret, "alice@example.com", alicePass, "t1")); err != nil {
		t.Fatalf("new secret: %v", err)
	}
	if _, err := f.engine.RotateClientSecret(ctx, "spa", ""); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("public client: expected ErrInvalidRequest, got %v", err)
	}
	if _, err := f.engine.RotateClientSecret(ctx, "web", "t1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign client: expected ErrNotFound, got %v", err)
	}
	if _, err := f.engine.RotateClientSecret(ctx, "missing", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing client: expected ErrNotFound, got %v", err)
	}
}

func TestReaperSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.login("alice@example.com", alicePass, "t1")
	if _, err := f.engine.IssueAuthCode(ctx, AuthCodeRequest{ClientID: "web", UserID: "bob", TenantID: "t1", RedirectURI: redirectURI}); err != nil {
		t.Fatalf("IssueAuthCode: %v", err)
	}

	reaper := NewReaper(f.store, f.store, WithReaperClock(f.clock.Now))
	if n, err := reaper.Sweep(ctx); err != nil || n != 0 {
		t.Fatalf("fresh sweep = %d, %v", n, err)
	}
	f.clock.Advance(15 * 24 * time.Hour)
	n, err := reaper.Sweep(ctx)
	if err != nil || n != 2 {
		t.Fatalf("sweep = %d, %v; want 2", n, err)
	}
	if len(f.store.tokens) != 0 || len(f.store.codes) != 0 {
		t.Fatal("expected empty store")
	}
}

func TestReaperRunStopsOnCancel(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewReaper(store, store, WithReapInterval(time.Millisecond)).Run(ctx) }()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}
