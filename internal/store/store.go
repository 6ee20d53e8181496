package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// Store owns all persisted state: the message queue, the alias queue
// and map, the evidence store, profiles, and the run log.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

func New(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			group_id TEXT NOT NULL,
			speaker_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			raw_text TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_group ON messages(group_id, ts, id)`,
		`CREATE TABLE IF NOT EXISTS alias_queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			group_id TEXT NOT NULL,
			speaker_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			raw_text TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alias_queue_group ON alias_queue(group_id, id)`,
		`CREATE TABLE IF NOT EXISTS alias_map (
			group_id TEXT NOT NULL,
			speaker_id TEXT NOT NULL,
			target_id TEXT NOT NULL,
			alias TEXT NOT NULL,
			confidence REAL NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (group_id, speaker_id, target_id, alias)
		)`,
		`CREATE TABLE IF NOT EXISTS evidence (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			group_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			item_type TEXT NOT NULL,
			item_key TEXT NOT NULL,
			snippet TEXT NOT NULL DEFAULT '',
			message_id INTEGER NOT NULL DEFAULT 0,
			speaker_id TEXT NOT NULL DEFAULT '',
			message_ts INTEGER NOT NULL,
			confidence REAL NOT NULL,
			joke_likelihood REAL NOT NULL DEFAULT 0,
			source_type TEXT NOT NULL DEFAULT 'other',
			consistency_tag TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_evidence_key ON evidence(group_id, user_id, item_type, item_key)`,
		`CREATE TABLE IF NOT EXISTS profiles (
			group_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			nickname TEXT NOT NULL DEFAULT '',
			last_seen INTEGER NOT NULL DEFAULT 0,
			summary TEXT NOT NULL DEFAULT '',
			traits TEXT NOT NULL DEFAULT '{}',
			facts TEXT NOT NULL DEFAULT '{}',
			updated_at INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (group_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS run_log (
			id TEXT PRIMARY KEY,
			group_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			users INTEGER NOT NULL DEFAULT 0,
			messages INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_log_group ON run_log(group_id, created_at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = "?"
	}
	return strings.Join(parts, ",")
}

func idArgs(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
