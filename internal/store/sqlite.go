// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Opens the database, creates the schema and provides shared scan helpers

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	sealer *credentialSealer
	logger *slog.Logger
}

// Option configures a SQLiteStore
type Option func(*SQLiteStore) error

// WithCredentialKey seals tenant credentials at rest with the given base64 key.
// An empty key leaves credentials in plain text.
func WithCredentialKey(encodedKey string) Option {
	return func(s *SQLiteStore) error {
		if encodedKey == "" {
			return nil
		}
		sealer, err := newCredentialSealer(encodedKey)
		if err != nil {
			return err
		}
		s.sealer = sealer
		return nil
	}
}

// WithLogger sets the store logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *SQLiteStore) error {
		s.logger = logger
		return nil
	}
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	s := &SQLiteStore{
		logger: slog.Default().With("component", "store"),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("applying store option: %w", err)
		}
	}

	inMemory := path == ":memory:"
	if !inMemory {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	// Per-connection pragmas go in the DSN so every pooled connection gets them
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer at a time; also keeps :memory: on a single database
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	s.db = db

	if !inMemory {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	s.logger.Info("SQLite store initialized", "path", path, "credentials_sealed", s.sealer != nil)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS tenant_instances (
			id            TEXT PRIMARY KEY,
			credential    TEXT NOT NULL,
			bot_user_id   TEXT NOT NULL UNIQUE,
			display_name  TEXT NOT NULL DEFAULT '',
			owner_id      TEXT NOT NULL,
			plan          TEXT NOT NULL DEFAULT 'free',
			active        INTEGER NOT NULL DEFAULT 0,
			max_users     INTEGER NOT NULL DEFAULT 2000,
			expires_at    TEXT,
			config_json   TEXT,
			created_at    TEXT NOT NULL,
			last_activity TEXT,

			CHECK (plan IN ('free', 'premium', 'enterprise'))
		);

		CREATE INDEX IF NOT EXISTS idx_tenants_owner ON tenant_instances(owner_id);
		CREATE INDEX IF NOT EXISTS idx_tenants_active ON tenant_instances(active);

		CREATE TABLE IF NOT EXISTS users (
			user_id                TEXT PRIMARY KEY,
			fingerprint            TEXT,
			fingerprint_components TEXT,
			device_verified        INTEGER NOT NULL DEFAULT 0,
			verified_at            TEXT,
			ip_address             TEXT,
			banned                 INTEGER NOT NULL DEFAULT 0,
			verify_seq             INTEGER NOT NULL DEFAULT 0,
			created_at             TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_users_ip ON users(ip_address);

		CREATE TABLE IF NOT EXISTS tenant_members (
			tenant_id        TEXT NOT NULL REFERENCES tenant_instances(id) ON DELETE CASCADE,
			user_id          TEXT NOT NULL,
			challenge_passed INTEGER NOT NULL DEFAULT 0,
			challenge_index  INTEGER NOT NULL DEFAULT -1,
			subscribed       INTEGER NOT NULL DEFAULT 0,
			joined_at        TEXT NOT NULL,
			last_activity    TEXT NOT NULL,

			PRIMARY KEY (tenant_id, user_id)
		);

		CREATE TABLE IF NOT EXISTS secret_tokens (
			token      TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			used       INTEGER NOT NULL DEFAULT 0,
			used_at    TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_secret_tokens_user ON secret_tokens(user_id, used);

		CREATE TABLE IF NOT EXISTS ip_ban_records (
			ip             TEXT PRIMARY KEY,
			reason         TEXT NOT NULL,
			duration_hours INTEGER NOT NULL DEFAULT 0,
			banned_by      TEXT,
			banned_at      TEXT NOT NULL,
			expires_at     TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_ip_bans_expires ON ip_ban_records(expires_at);

		CREATE TABLE IF NOT EXISTS ip_attempt_log (
			id           TEXT PRIMARY KEY,
			ip           TEXT NOT NULL,
			user_id      TEXT NOT NULL,
			attempt_type TEXT NOT NULL,
			created_at   TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_ip_attempts_ip_time ON ip_attempt_log(ip, created_at);

		CREATE TABLE IF NOT EXISTS ip_resets (
			ip           TEXT PRIMARY KEY,
			reset_at     TEXT NOT NULL,
			attempt_mark INTEGER NOT NULL DEFAULT 0,
			verify_mark  INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS device_fingerprints (
			id               TEXT PRIMARY KEY,
			fingerprint_hash TEXT NOT NULL,
			user_id          TEXT NOT NULL,
			canvas_hash      TEXT,
			webgl_hash       TEXT,
			audio_hash       TEXT,
			components_json  TEXT,
			ip               TEXT,
			created_at       TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_fingerprints_hash ON device_fingerprints(fingerprint_hash);
		CREATE INDEX IF NOT EXISTS idx_fingerprints_user ON device_fingerprints(user_id);

		CREATE TABLE IF NOT EXISTS settings (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			updated_by TEXT
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table    string
		column   string
		apply    string
		backfill string
	}{
		{
			table:  "tenant_instances",
			column: "config_json",
			apply:  `ALTER TABLE tenant_instances ADD COLUMN config_json TEXT`,
		},
		{
			table:  "tenant_members",
			column: "challenge_index",
			apply:  `ALTER TABLE tenant_members ADD COLUMN challenge_index INTEGER NOT NULL DEFAULT -1`,
		},
		{
			table:    "users",
			column:   "verify_seq",
			apply:    `ALTER TABLE users ADD COLUMN verify_seq INTEGER NOT NULL DEFAULT 0`,
			backfill: `UPDATE users SET verify_seq = rowid WHERE verified_at IS NOT NULL`,
		},
		{
			table:    "ip_resets",
			column:   "attempt_mark",
			apply:    `ALTER TABLE ip_resets ADD COLUMN attempt_mark INTEGER NOT NULL DEFAULT 0`,
			backfill: `UPDATE ip_resets SET attempt_mark = (
				SELECT COALESCE(MAX(rowid), 0) FROM ip_attempt_log WHERE created_at <= ip_resets.reset_at)`,
		},
		{
			table:    "ip_resets",
			column:   "verify_mark",
			apply:    `ALTER TABLE ip_resets ADD COLUMN verify_mark INTEGER NOT NULL DEFAULT 0`,
			backfill: `UPDATE ip_resets SET verify_mark = (
				SELECT COALESCE(MAX(verify_seq), 0) FROM users WHERE verified_at <= ip_resets.reset_at)`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		if m.backfill != "" {
			if _, err := s.db.Exec(m.backfill); err != nil {
				return fmt.Errorf("backfilling %s.%s: %w", m.table, m.column, err)
			}
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// DB exposes the underlying database handle for tests and maintenance tooling.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Ping checks that the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// formatTime renders a timestamp in the lexicographically sortable storage format
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// nullTime returns nil for nil timestamps, otherwise the storage format
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// parseTime parses a stored timestamp
func parseTime(field, value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", field, err)
	}
	return t, nil
}

// parseNullTime parses an optional stored timestamp
func parseNullTime(field string, value sql.NullString) (*time.Time, error) {
	if !value.Valid || value.String == "" {
		return nil, nil
	}
	t, err := parseTime(field, value.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
