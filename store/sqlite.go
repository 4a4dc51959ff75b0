// Package store persists the Messages domain state in SQLite: delivered
// messages, attachment key bindings, recipient profiles and the append-only
// transaction log they are derived from.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a keyed lookup matches no row.
var ErrNotFound = errors.New("not found")

// Store is the SQLite-backed datastore.
type Store struct {
	db     *sql.DB
	dbPath string
	now    func() time.Time

	mu sync.RWMutex
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for modification timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (creating if needed) the database at path. ":memory:" gives a
// private in-memory database.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}
	// A single connection keeps ":memory:" coherent and serializes writers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &Store{db: db, dbPath: path, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// initSchema creates tables and the indexes queries rely on.
func (s *Store) initSchema() error {
	schema := `
	-- Delivered messages, one row per recipient
	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		bucket TEXT,
		key_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		date_received INTEGER NOT NULL,
		read INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		modified_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_user ON messages(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_key ON messages(user_id, key_id);

	-- Attachment key bindings
	CREATE TABLE IF NOT EXISTS attachments (
		message_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		file_id TEXT NOT NULL,
		key_id TEXT NOT NULL,
		format TEXT NOT NULL,
		nonce TEXT NOT NULL,
		verification TEXT,
		size INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		modified_at INTEGER NOT NULL,
		UNIQUE (message_id, file_id)
	);
	CREATE INDEX IF NOT EXISTS idx_attachments_user ON attachments(user_id, key_id);

	-- Recipient profiles
	CREATE TABLE IF NOT EXISTS profiles (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		current_key_id TEXT,
		created_at INTEGER NOT NULL,
		modified_at INTEGER NOT NULL,
		last_reset INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_profiles_username ON profiles(username);

	-- Append-only transaction log
	CREATE TABLE IF NOT EXISTS transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		action TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		content BLOB NOT NULL,
		certificate BLOB NOT NULL,
		processed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_transactions_pending ON transactions(seq) WHERE processed_at IS NULL;

	-- Key/value metadata (archive watermark)
	CREATE TABLE IF NOT EXISTS _metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Path returns the database location.
func (s *Store) Path() string {
	return s.dbPath
}

// GetMetadata reads a metadata value.
func (s *Store) GetMetadata(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM _metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get metadata %s: %w", key, err)
	}
	return value, true, nil
}

// SetMetadata writes a metadata value.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO _metadata (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to set metadata %s: %w", key, err)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// inClause returns "?, ?, ..." and the matching args.
func inClause(values []string) (string, []any) {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", "), args
}
