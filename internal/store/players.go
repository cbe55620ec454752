// Package store implements driver persistence: player blobs as JSON files
// under the data root, account credentials alongside them, and namespaced
// key/value data in SQLite. The driver treats player state as opaque; only
// the top-level shape is fixed.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrPlayerNotFound = errors.New("player not found")

// SavedState is the required state envelope inside a player record.
type SavedState struct {
	Properties map[string]any `json:"properties"`
}

// PlayerRecord is the persisted top-level shape:
// {name, location, state:{properties}, inventory?, savedAt}.
type PlayerRecord struct {
	Name      string     `json:"name"`
	Location  string     `json:"location"`
	State     SavedState `json:"state"`
	Inventory []string   `json:"inventory,omitempty"`
	SavedAt   time.Time  `json:"savedAt"`
}

// PlayerStore persists player records as one JSON file per player under
// <root>/players/. Writes are last-write-wins via atomic rename.
type PlayerStore struct {
	mu     sync.Mutex
	logger *zap.Logger
	dir    string
}

// NewPlayerStore creates the players directory if needed.
func NewPlayerStore(root string, logger *zap.Logger) (*PlayerStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dir := filepath.Join(root, "players")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create player dir: %w", err)
	}
	return &PlayerStore{logger: logger.Named("store"), dir: dir}, nil
}

func (s *PlayerStore) path(name string) string {
	return filepath.Join(s.dir, strings.ToLower(name)+".json")
}

// Save writes the record. SavedAt is stamped here.
func (s *PlayerStore) Save(rec *PlayerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.SavedAt = time.Now().UTC()
	if rec.State.Properties == nil {
		rec.State.Properties = make(map[string]any)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal player %s: %w", rec.Name, err)
	}

	tmp := s.path(rec.Name) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write player %s: %w", rec.Name, err)
	}
	if err := os.Rename(tmp, s.path(rec.Name)); err != nil {
		return fmt.Errorf("failed to commit player %s: %w", rec.Name, err)
	}
	s.logger.Debug("player saved", zap.String("name", rec.Name))
	return nil
}

// Load reads a record by name (case-insensitive).
func (s *PlayerStore) Load(name string) (*PlayerRecord, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrPlayerNotFound, name)
		}
		return nil, fmt.Errorf("failed to read player %s: %w", name, err)
	}
	var rec PlayerRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse player %s: %w", name, err)
	}
	if rec.State.Properties == nil {
		rec.State.Properties = make(map[string]any)
	}
	return &rec, nil
}

// Exists reports whether a saved record is present.
func (s *PlayerStore) Exists(name string) bool {
	_, err := os.Stat(s.path(name))
	return err == nil
}

// List returns every saved player name, sorted.
func (s *PlayerStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list players: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(names)
	return names, nil
}
