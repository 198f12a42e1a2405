package botstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrDuplicateCredential means another bot already stores the same token.
	ErrDuplicateCredential = errors.New("botstore: credential already in use")
	ErrInvalidRecord       = errors.New("botstore: invalid record")
	// ErrOwnerLimit means the owner already has the maximum number of bots.
	ErrOwnerLimit = errors.New("botstore: owner bot limit reached")
	// ErrUnreadableRecord means a stored row could not be decoded: corrupt
	// configuration JSON or a credential sealed under another key.
	ErrUnreadableRecord = errors.New("botstore: unreadable record")
)

// Options locate the database and its credential key.
type Options struct {
	Path string
	// CredentialKey, when set, encrypts credentials at rest (AES-256-GCM).
	CredentialKey []byte
}

// Store is the SQLite-backed bot repository.
type Store struct {
	db     *sql.DB
	sealer *sealer
}

// Open creates the database file if needed and migrates it.
func Open(opts Options) (*Store, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, errors.New("db path is required")
	}
	if opts.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir db dir: %w", err)
		}
	}
	sl, err := newSealer(opts.CredentialKey)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite：单连接更稳定
	db.SetMaxIdleConns(1)

	s := &Store{db: db, sealer: sl}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping is used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
		`
CREATE TABLE IF NOT EXISTS bots (
  id TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL,
  credential TEXT NOT NULL,
  credential_hash TEXT NOT NULL,
  display_name TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  configuration_json TEXT NOT NULL,
  platform_identity_json TEXT,
  desired_status TEXT NOT NULL DEFAULT 'stopped',
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_bots_owner ON bots(owner_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_bots_desired_status ON bots(desired_status);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_bots_credential_hash ON bots(credential_hash);`,
		`
CREATE TABLE IF NOT EXISTS bot_process (
  bot_id TEXT PRIMARY KEY REFERENCES bots(id) ON DELETE CASCADE,
  pid INTEGER,
  started_at TEXT,
  last_exit_at TEXT,
  last_exit_code INTEGER,
  last_error TEXT
);`,
		`
CREATE TABLE IF NOT EXISTS bot_config_versions (
  bot_id TEXT NOT NULL REFERENCES bots(id) ON DELETE CASCADE,
  version INTEGER NOT NULL,
  configuration_json TEXT NOT NULL,
  created_at TEXT NOT NULL,
  PRIMARY KEY (bot_id, version)
);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate exec failed: %w", err)
		}
	}

	// 兼容：旧库缺少的列（SQLite 不支持 ADD COLUMN IF NOT EXISTS）
	for _, col := range []struct {
		table string
		name  string
		ddl   string
	}{
		{"bots", "last_started_at", `ALTER TABLE bots ADD COLUMN last_started_at TEXT;`},
		{"bots", "schema_version", `ALTER TABLE bots ADD COLUMN schema_version INTEGER NOT NULL DEFAULT 1;`},
	} {
		ok, err := hasColumn(ctx, s.db, col.table, col.name)
		if err != nil {
			return err
		}
		if !ok {
			if _, err := s.db.ExecContext(ctx, col.ddl); err != nil {
				return fmt.Errorf("alter %s add %s: %w", col.table, col.name, err)
			}
		}
	}
	return nil
}

// hasColumn 用 pragma_table_info 表值函数判断列是否存在（旧库升级用）
func hasColumn(ctx context.Context, db *sql.DB, table string, col string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, col).Scan(&n)
	return n > 0, err
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || strings.TrimSpace(ns.String) == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
