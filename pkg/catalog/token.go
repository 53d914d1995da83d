package catalog

import (
	"crypto/rand"
	"encoding/hex"
	stderrors "errors"
	"sync"
	"time"

	sopErrors "github.com/sopdb/sop/errors"
)

var errTokenExpired = stderrors.New("unlock token expired")

// UnlockTokenManager issues the admin "unlock" tokens external tooling
// presents before editing a structural store field. Per spec §9 Open
// Question 2, the core never gates anything on these: a token is
// generated, validated, and revoked purely for audit/logging, and
// pkg/keyspec's immutability checks never consult this manager.
type UnlockTokenManager struct {
	mu     sync.RWMutex
	tokens map[string]*UnlockToken
}

// UnlockToken is one issued token: who it was issued for (a free-form
// operator/store label) and when it expires.
type UnlockToken struct {
	Token     string
	Subject   string
	CreatedAt time.Time
	ExpiresAt time.Time
}

func NewUnlockTokenManager() *UnlockTokenManager {
	return &UnlockTokenManager{tokens: make(map[string]*UnlockToken)}
}

// Issue generates a new token for subject, valid for duration.
func (m *UnlockTokenManager) Issue(subject string, duration time.Duration) (*UnlockToken, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return nil, sopErrors.Wrap(sopErrors.ErrInternal, "catalog.UnlockTokenManager.Issue", sopErrors.WithCause(err))
	}
	now := time.Now()
	ut := &UnlockToken{
		Token:     hex.EncodeToString(raw),
		Subject:   subject,
		CreatedAt: now,
		ExpiresAt: now.Add(duration),
	}
	m.mu.Lock()
	m.tokens[ut.Token] = ut
	m.mu.Unlock()
	return ut, nil
}

// Validate reports whether token is known and unexpired; the result is
// informational only (see package doc).
func (m *UnlockTokenManager) Validate(token string) (*UnlockToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ut, ok := m.tokens[token]
	if !ok {
		return nil, sopErrors.Wrap(sopErrors.ErrNotFound, "catalog.UnlockTokenManager.Validate")
	}
	if time.Now().After(ut.ExpiresAt) {
		return nil, sopErrors.Wrap(sopErrors.ErrInvalidState, "catalog.UnlockTokenManager.Validate", sopErrors.WithCause(errTokenExpired))
	}
	return ut, nil
}

// Revoke removes token immediately.
func (m *UnlockTokenManager) Revoke(token string) {
	m.mu.Lock()
	delete(m.tokens, token)
	m.mu.Unlock()
}

// CleanupExpired drops every token past its expiry; callers run this
// periodically (e.g. from StatsCollector's tick) to bound memory.
func (m *UnlockTokenManager) CleanupExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for token, ut := range m.tokens {
		if now.After(ut.ExpiresAt) {
			delete(m.tokens, token)
		}
	}
}
