// Package store persists the shell's state: settings, approval requests, and
// the hash-chained audit log. SQLite is the default backend; a DSN starting
// with postgres:// or postgresql:// switches to PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Store is the shared database handle for all persisted state.
type Store struct {
	db         *sql.DB
	isPostgres bool
	auditMu    sync.Mutex // serializes audit appends so the hash chain stays linear
}

// Config configures the store.
type Config struct {
	// DSN is the data-source name. When it starts with "postgres://" or
	// "postgresql://", the PostgreSQL backend (pgx) is used; otherwise the
	// value is treated as a SQLite file path.
	DSN string
}

// rebind rewrites a query that uses ? placeholders into one using $N
// placeholders when the store is backed by PostgreSQL.
func rebind(isPostgres bool, query string) string {
	if !isPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// Open opens the database and creates the schema if needed.
func Open(cfg Config) (*Store, error) {
	dsn := cfg.DSN
	if dsn == "" {
		dsn = "glove.db"
	}

	isPostgres := strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")

	var db *sql.DB
	var err error

	if isPostgres {
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres database: %w", err)
		}
	} else {
		// SQLite: ensure directory exists.
		dir := filepath.Dir(dsn)
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		// Enable WAL mode for better concurrent read performance (SQLite only).
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}

	if err := createTables(db, isPostgres); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &Store{db: db, isPostgres: isPostgres}, nil
}

// IsPostgres reports whether the store is backed by PostgreSQL.
func (s *Store) IsPostgres() bool { return s.isPostgres }

func createTables(db *sql.DB, isPostgres bool) error {
	// Primary-key definition differs between SQLite and PostgreSQL.
	pkDef := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if isPostgres {
		pkDef = "BIGSERIAL PRIMARY KEY"
	}

	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS approval_requests (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		target TEXT NOT NULL,
		metadata_json TEXT NOT NULL DEFAULT '{}',
		risk TEXT NOT NULL,
		status TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		policy_id TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		approved_at TEXT
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		seq %s,
		ts TEXT NOT NULL,
		event_type TEXT NOT NULL,
		request_id TEXT,
		action TEXT,
		target TEXT,
		outcome TEXT NOT NULL,
		details_json TEXT NOT NULL DEFAULT '{}',
		prev_hash TEXT NOT NULL,
		entry_hash TEXT NOT NULL
	);
	`, pkDef)

	if _, err := db.Exec(schema); err != nil {
		return err
	}

	indexes := `
	CREATE INDEX IF NOT EXISTS idx_requests_status ON approval_requests(status);
	CREATE INDEX IF NOT EXISTS idx_requests_created ON approval_requests(created_at);
	CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts);
	CREATE INDEX IF NOT EXISTS idx_audit_request ON audit_log(request_id);
	CREATE INDEX IF NOT EXISTS idx_audit_type ON audit_log(event_type);
	`
	_, err := db.Exec(indexes)
	return err
}

// GetSetting returns the value for key, or "" when the key is absent.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, rebind(s.isPostgres,
		`SELECT value FROM settings WHERE key = ?`), key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, nil
}

// SetSetting inserts or replaces the value for key.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, rebind(s.isPostgres, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`), key, value)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// DB returns the underlying database connection for shared access.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the store and releases resources.
func (s *Store) Close() error {
	return s.db.Close()
}
