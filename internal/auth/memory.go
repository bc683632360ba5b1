package auth

import (
	"context"
	"sync"
	"time"

	"cwphosting.org/internal/ids"
)

// MemoryCredentials implements CredentialStore with in-process concurrency safety.
type MemoryCredentials struct {
	mu    sync.RWMutex
	users map[string]*Principal // username -> principal
}

// NewMemoryCredentials creates an empty credential store.
func NewMemoryCredentials() *MemoryCredentials {
	return &MemoryCredentials{users: make(map[string]*Principal)}
}

func (m *MemoryCredentials) FindByUsername(ctx context.Context, username string) (*Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.users[NormalizeUsername(username)]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (m *MemoryCredentials) FindByActivationToken(ctx context.Context, token string) (*Principal, error) {
	return m.findBy(func(p *Principal) bool { return token != "" && p.ActivationToken == token })
}

func (m *MemoryCredentials) FindByResetToken(ctx context.Context, token string) (*Principal, error) {
	return m.findBy(func(p *Principal) bool { return token != "" && p.ResetToken == token })
}

func (m *MemoryCredentials) findBy(match func(*Principal) bool) (*Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.users {
		if match(p) {
			return p.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// Save inserts or replaces the principal. A new username that belongs to another id is rejected.
func (m *MemoryCredentials) Save(ctx context.Context, p *Principal) error {
	if p == nil {
		return ErrNotFound
	}
	p.Username = NormalizeUsername(p.Username)
	if p.ID == "" {
		p.ID = ids.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.users[p.Username]; ok && existing.ID != p.ID {
		return ErrAlreadyExists
	}
	stored := p.Clone()
	for name, existing := range m.users {
		if existing.ID != p.ID {
			continue
		}
		// Attempt counters only move through RecordLoginFailure and ResetLoginAttempts.
		stored.LoginAttempts = existing.LoginAttempts
		stored.LastLoginAttempt = existing.LastLoginAttempt
		stored.FailedLoginIP = existing.FailedLoginIP
		if name != p.Username {
			delete(m.users, name)
		}
	}
	m.users[p.Username] = stored
	return nil
}

func (m *MemoryCredentials) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, p := range m.users {
		if p.ID == id {
			delete(m.users, name)
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryCredentials) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users), nil
}

func (m *MemoryCredentials) RecordLoginFailure(ctx context.Context, username string, at time.Time, source string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.users[NormalizeUsername(username)]
	if !ok {
		return 0, ErrNotFound
	}
	p.LoginAttempts++
	p.LastLoginAttempt = at
	p.FailedLoginIP = source
	return p.LoginAttempts, nil
}

func (m *MemoryCredentials) ResetLoginAttempts(ctx context.Context, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.users[NormalizeUsername(username)]
	if !ok {
		return ErrNotFound
	}
	p.LoginAttempts = 0
	return nil
}

func (m *MemoryCredentials) SetSuspended(ctx context.Context, username string, suspended bool) error {
	return m.update(username, func(p *Principal) { p.Suspended = suspended })
}

func (m *MemoryCredentials) SetResetToken(ctx context.Context, username, token string, expiresAt time.Time) error {
	return m.update(username, func(p *Principal) {
		p.ResetToken = token
		p.ResetExpiresAt = expiresAt
	})
}

func (m *MemoryCredentials) UpdateProfile(ctx context.Context, username string, u ProfileUpdate) error {
	return m.update(username, func(p *Principal) {
		p.FirstName = u.FirstName
		p.LastName = u.LastName
		p.Roles = normalizeRoles(u.Roles)
	})
}

func (m *MemoryCredentials) update(username string, apply func(*Principal)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.users[NormalizeUsername(username)]
	if !ok {
		return ErrNotFound
	}
	apply(p)
	return nil
}

func (m *MemoryCredentials) ConsumeActivationToken(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.users {
		if p.ActivationToken == token {
			p.ActivationToken = ""
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryCredentials) ConsumeResetToken(ctx context.Context, token, passwordHash string, at time.Time) (bool, error) {
	if token == "" {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.users {
		if p.ResetToken != token {
			continue
		}
		if !at.Before(p.ResetExpiresAt) {
			return false, nil
		}
		p.PasswordHash = passwordHash
		p.ResetToken = ""
		p.ResetExpiresAt = time.Time{}
		return true, nil
	}
	return false, nil
}

// MemoryRefreshTokens implements RefreshTokenStore keyed by token hash.
type MemoryRefreshTokens struct {
	mu     sync.Mutex
	tokens map[string]RefreshToken // token hash -> record
}

// NewMemoryRefreshTokens creates an empty refresh token store.
func NewMemoryRefreshTokens() *MemoryRefreshTokens {
	return &MemoryRefreshTokens{tokens: make(map[string]RefreshToken)}
}

func (m *MemoryRefreshTokens) Save(ctx context.Context, tok RefreshToken) error {
	key := HashToken(tok.Token)
	if tok.ID == "" {
		tok.ID = ids.New()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[key]; ok {
		return ErrDuplicateToken
	}
	m.tokens[key] = tok
	return nil
}

func (m *MemoryRefreshTokens) Revoke(ctx context.Context, token string) (bool, error) {
	key := HashToken(token)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[key]; !ok {
		return false, nil
	}
	delete(m.tokens, key)
	return true, nil
}

func (m *MemoryRefreshTokens) RevokeAll(ctx context.Context, subject string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := false
	for key, tok := range m.tokens {
		if tok.Subject == subject {
			delete(m.tokens, key)
			removed = true
		}
	}
	return removed, nil
}

func (m *MemoryRefreshTokens) IsValid(ctx context.Context, subject, token string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[HashToken(token)]
	if !ok {
		return false, nil
	}
	return tok.Subject == subject && at.Before(tok.ExpiresAt), nil
}
