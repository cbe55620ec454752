package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

var ErrKeyNotFound = errors.New("key not found")

// KV is the namespaced key/value store backed by SQLite. Values are opaque
// JSON blobs; writes are last-write-wins.
type KV struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *zap.Logger
	dbPath string
}

// NewKV initializes the SQLite database at <root>/forgemud.db.
func NewKV(root string, logger *zap.Logger) (*KV, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	dbPath := filepath.Join(root, "forgemud.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single writer; SQLite serializes anyway and this avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	kv := &KV{db: db, logger: logger.Named("kv"), dbPath: dbPath}
	if err := kv.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return kv, nil
}

func (s *KV) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		ns         TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (ns, key)
	);
	CREATE INDEX IF NOT EXISTS idx_kv_ns ON kv(ns);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Save stores value under (ns, key), replacing any previous value.
func (s *KV) Save(ns, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO kv (ns, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(ns, key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		ns, key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save %s/%s: %w", ns, key, err)
	}
	return nil
}

// Load returns the value under (ns, key).
func (s *KV) Load(ns, key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE ns = ? AND key = ?`, ns, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s/%s", ErrKeyNotFound, ns, key)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load %s/%s: %w", ns, key, err)
	}
	return value, nil
}

// ListKeys returns every key in a namespace, in key order.
func (s *KV) ListKeys(ns string) ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM kv WHERE ns = ? ORDER BY key`, ns)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys in %s: %w", ns, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Delete removes (ns, key). Deleting a missing key is not an error.
func (s *KV) Delete(ns, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM kv WHERE ns = ? AND key = ?`, ns, key)
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", ns, key, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *KV) Close() error {
	return s.db.Close()
}
