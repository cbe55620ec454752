package login

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// TokenStore issues and redeems reconnect tokens. A token lets a client
// that lost its link resume as the same character without re-entering
// credentials, as long as it comes back within the TTL.
type TokenStore struct {
	mu     sync.Mutex
	ttl    time.Duration
	tokens map[string]tokenEntry
	now    func() time.Time
}

type tokenEntry struct {
	name    string
	expires time.Time
}

// NewTokenStore creates a token store with the given TTL.
func NewTokenStore(ttl time.Duration) *TokenStore {
	return &TokenStore{ttl: ttl, tokens: make(map[string]tokenEntry), now: time.Now}
}

// Issue mints a token for a character and returns it with its expiry.
// Any previous token for the same character stays valid until it
// expires.
func (ts *TokenStore) Issue(name string) (string, time.Time) {
	tok := uuid.NewString()
	expires := ts.now().Add(ts.ttl)
	ts.mu.Lock()
	ts.tokens[tok] = tokenEntry{name: name, expires: expires}
	ts.pruneLocked()
	ts.mu.Unlock()
	return tok, expires
}

// Redeem exchanges a token for its character name. Tokens are single use.
func (ts *TokenStore) Redeem(token string) (string, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	e, ok := ts.tokens[token]
	if !ok {
		return "", false
	}
	delete(ts.tokens, token)
	if ts.now().After(e.expires) {
		return "", false
	}
	return e.name, true
}

// Revoke invalidates every outstanding token for a character.
func (ts *TokenStore) Revoke(name string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for tok, e := range ts.tokens {
		if e.name == name {
			delete(ts.tokens, tok)
		}
	}
}

func (ts *TokenStore) pruneLocked() {
	now := ts.now()
	for tok, e := range ts.tokens {
		if now.After(e.expires) {
			delete(ts.tokens, tok)
		}
	}
}
