package auth

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements ClientStore, TokenStore, CodeStore and LoginStore
// in process. Every method holds one lock, so multi-row operations are
// atomic.
type MemoryStore struct {
	mu      sync.Mutex
	clients map[string]Client
	tokens  map[string]Token
	codes   map[string]AuthCode
	logins  []loginRecord
}

type loginRecord struct {
	userID, tenantID string
	at               time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clients: make(map[string]Client),
		tokens:  make(map[string]Token),
		codes:   make(map[string]AuthCode),
	}
}

// PutClient registers or replaces a client.
func (s *MemoryStore) PutClient(c Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.ID] = cloneClient(c)
}

func (s *MemoryStore) FindClient(ctx context.Context, id string) (Client, error) {
	if err := ctx.Err(); err != nil {
		return Client{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	if !ok {
		return Client{}, ErrNotFound
	}
	return cloneClient(c), nil
}

func (s *MemoryStore) RotateSecret(ctx context.Context, id, secretHash string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	if !ok {
		return ErrNotFound
	}
	c.SecretHash = secretHash
	s.clients[id] = c
	return nil
}

func (s *MemoryStore) Create(ctx context.Context, tok Token, snap *SessionSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap == nil {
		s.tokens[tok.ID] = cloneToken(tok)
		return nil
	}
	var current []string
	for _, t := range s.activeLocked(tok.UserID, tok.TenantID, snap.At) {
		current = append(current, t.ID)
	}
	if !sameIDs(current, snap.Active) {
		return ErrSessionConflict
	}
	for _, id := range snap.Evict {
		if t, ok := s.tokens[id]; ok {
			t.Revoked = true
			s.tokens[id] = t
		}
	}
	s.tokens[tok.ID] = cloneToken(tok)
	return nil
}

func (s *MemoryStore) FindByID(ctx context.Context, id string) (Token, error) {
	if err := ctx.Err(); err != nil {
		return Token{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return Token{}, ErrNotFound
	}
	return cloneToken(t), nil
}

func (s *MemoryStore) Rotate(ctx context.Context, oldID string, at time.Time, next Token) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.tokens[oldID]
	if !ok {
		return ErrNotFound
	}
	if old.RotatedAt != nil {
		return ErrRefreshReused
	}
	if old.Revoked {
		return ErrTokenRevoked
	}
	rotated := at
	old.RotatedAt = &rotated
	old.Revoked = true
	s.tokens[oldID] = old
	s.tokens[next.ID] = cloneToken(next)
	return nil
}

func (s *MemoryStore) Revoke(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return ErrNotFound
	}
	t.Revoked = true
	s.tokens[id] = t
	return nil
}

func (s *MemoryStore) RevokeFamily(ctx context.Context, familyID string) (int, error) {
	return s.revokeWhere(ctx, func(t Token) bool { return t.FamilyID == familyID })
}

func (s *MemoryStore) RevokeUser(ctx context.Context, userID string) (int, error) {
	return s.revokeWhere(ctx, func(t Token) bool { return t.UserID == userID })
}

func (s *MemoryStore) revokeWhere(ctx context.Context, match func(Token) bool) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, t := range s.tokens {
		if !t.Revoked && match(t) {
			t.Revoked = true
			s.tokens[id] = t
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListActive(ctx context.Context, userID, tenantID string, now time.Time) ([]Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLocked(userID, tenantID, now), nil
}

func (s *MemoryStore) activeLocked(userID, tenantID string, now time.Time) []Token {
	var out []Token
	for _, t := range s.tokens {
		if t.Revoked || t.UserID != userID || t.TenantID != tenantID {
			continue
		}
		if expired(sessionExpiry(t), now) {
			continue
		}
		out = append(out, cloneToken(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// sameIDs compares two ID lists as sets.
func sameIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	a, b = slices.Clone(a), slices.Clone(b)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}

func (s *MemoryStore) Touch(ctx context.Context, id string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return ErrNotFound
	}
	if at.After(t.LastActivityAt) {
		t.LastActivityAt = at
		s.tokens[id] = t
	}
	return nil
}

func (s *MemoryStore) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, t := range s.tokens {
		if sessionExpiry(t).Before(before) {
			delete(s.tokens, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) SaveCode(ctx context.Context, code AuthCode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	code.Scopes = slices.Clone(code.Scopes)
	s.codes[code.CodeHash] = code
	return nil
}

func (s *MemoryStore) ConsumeCode(ctx context.Context, codeHash string, at time.Time) (AuthCode, error) {
	if err := ctx.Err(); err != nil {
		return AuthCode{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	code, ok := s.codes[codeHash]
	if !ok {
		return AuthCode{}, ErrNotFound
	}
	if code.UsedAt != nil {
		return AuthCode{}, ErrCodeUsed
	}
	used := at
	code.UsedAt = &used
	s.codes[codeHash] = code
	code.Scopes = slices.Clone(code.Scopes)
	return code, nil
}

func (s *MemoryStore) DeleteExpiredCodes(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for h, c := range s.codes {
		if c.ExpiresAt.Before(before) {
			delete(s.codes, h)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) RecordLogin(ctx context.Context, userID, tenantID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logins = append(s.logins, loginRecord{userID: userID, tenantID: tenantID, at: at})
	return nil
}

func (s *MemoryStore) LoginsSince(ctx context.Context, userID, tenantID string, since time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, g := range s.logins {
		if g.userID == userID && g.tenantID == tenantID && !g.at.Before(since) {
			n++
		}
	}
	return n, nil
}

// sessionExpiry is when a row stops being usable at all.
func sessionExpiry(t Token) time.Time {
	if t.HasRefresh() && t.RefreshTokenExpiresAt.After(t.AccessTokenExpiresAt) {
		return t.RefreshTokenExpiresAt
	}
	return t.AccessTokenExpiresAt
}

func cloneClient(c Client) Client {
	c.AllowedGrants = slices.Clone(c.AllowedGrants)
	c.RedirectURIs = slices.Clone(c.RedirectURIs)
	c.AllowedScopes = slices.Clone(c.AllowedScopes)
	return c
}

func cloneToken(t Token) Token {
	t.Scopes = slices.Clone(t.Scopes)
	if t.RotatedAt != nil {
		r := *t.RotatedAt
		t.RotatedAt = &r
	}
	return t
}
