package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var ErrAccountNotFound = errors.New("account not found")

// AccountRecord holds login credentials and profile fields. PasswordHash
// and Salt are scrypt material; LegacyPassword carries a pre-hash plaintext
// record that gets upgraded on the next successful login.
type AccountRecord struct {
	Name           string    `json:"name"`
	PasswordHash   []byte    `json:"passwordHash,omitempty"`
	Salt           []byte    `json:"salt,omitempty"`
	LegacyPassword string    `json:"legacyPassword,omitempty"`
	Email          string    `json:"email,omitempty"`
	Gender         string    `json:"gender,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	LastLoginAt    time.Time `json:"lastLoginAt,omitempty"`
}

// AccountStore persists accounts as one JSON file per name under
// <root>/accounts/.
type AccountStore struct {
	mu     sync.Mutex
	dir    string
}

// NewAccountStore creates the accounts directory if needed.
func NewAccountStore(root string) (*AccountStore, error) {
	dir := filepath.Join(root, "accounts")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create account dir: %w", err)
	}
	return &AccountStore{dir: dir}, nil
}

func (s *AccountStore) path(name string) string {
	return filepath.Join(s.dir, strings.ToLower(name)+".json")
}

// Save writes an account record atomically.
func (s *AccountStore) Save(rec *AccountRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal account %s: %w", rec.Name, err)
	}
	tmp := s.path(rec.Name) + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write account %s: %w", rec.Name, err)
	}
	if err := os.Rename(tmp, s.path(rec.Name)); err != nil {
		return fmt.Errorf("failed to commit account %s: %w", rec.Name, err)
	}
	return nil
}

// Load reads an account by name (case-insensitive).
func (s *AccountStore) Load(name string) (*AccountRecord, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, name)
		}
		return nil, fmt.Errorf("failed to read account %s: %w", name, err)
	}
	var rec AccountRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse account %s: %w", name, err)
	}
	return &rec, nil
}

// Exists reports whether an account is registered.
func (s *AccountStore) Exists(name string) bool {
	_, err := os.Stat(s.path(name))
	return err == nil
}

// Count returns the number of registered accounts. Used to grant the first
// ever player Administrator.
func (s *AccountStore) Count() int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			n++
		}
	}
	return n
}
