// Package store persists the shadow of the provider world — identities,
// projects, billing accounts — and the append-only operation log. Units of
// work run in short-lived transactions that never span a network call.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql" // mysql driver
	_ "modernc.org/sqlite"             // sqlite driver (lite mode, tests)
)

// Dialect selects the SQL flavor for schema creation.
type Dialect int

const (
	DialectMySQL Dialect = iota
	DialectSQLite
)

// timeLayout is the fixed-width UTC format both backends round-trip.
const timeLayout = "2006-01-02 15:04:05.000000"

// Store wraps the database handle. Methods that need multi-statement
// atomicity run under WithTx; single-statement calls go straight through
// the pool.
type Store struct {
	session
	db *sql.DB
}

// Tx is one unit of work. It exposes the same query surface as Store and
// commits or rolls back as a whole.
type Tx struct {
	session
}

// session carries the queries shared by Store and Tx.
type session struct {
	q       querier
	dialect Dialect
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// OpenMySQL connects to the MySQL backend.
func OpenMySQL(dsn string) (*Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open mysql: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &Store{session: session{q: db, dialect: DialectMySQL}, db: db}, nil
}

// OpenSQLite opens the lite-mode sqlite backend. Use ":memory:" in tests.
func OpenSQLite(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open sqlite: %w", err)
	}
	// modernc sqlite serializes writers; a single connection avoids
	// table-lock errors under the worker pool.
	db.SetMaxOpenConns(1)
	return &Store{session: session{q: db, dialect: DialectSQLite}, db: db}, nil
}

// Init creates the schema.
func (s *Store) Init(ctx context.Context) error {
	schema := schemaSQLite
	if s.dialect == DialectMySQL {
		schema = schemaMySQL
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: failed to create schema: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside one transaction, committing on nil and rolling
// back on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&Tx{session: session{q: tx, dialect: s.dialect}}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: failed to commit: %w", err)
	}
	return nil
}

const schemaMySQL = `
CREATE TABLE IF NOT EXISTS identities (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	name VARCHAR(200) NOT NULL UNIQUE,
	email VARCHAR(200) NOT NULL,
	credentials_file VARCHAR(300) NOT NULL,
	created_at DATETIME(6) NOT NULL,
	updated_at DATETIME(6) NOT NULL
);
CREATE TABLE IF NOT EXISTS billing_accounts (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	identity_id BIGINT NOT NULL,
	name VARCHAR(200) NOT NULL,
	display_name VARCHAR(200),
	account_id VARCHAR(100) NOT NULL,
	is_open BOOLEAN NOT NULL DEFAULT TRUE,
	is_used BOOLEAN NOT NULL DEFAULT FALSE,
	created_at DATETIME(6) NOT NULL,
	updated_at DATETIME(6) NOT NULL,
	UNIQUE KEY uq_billing_identity_name (identity_id, name),
	CONSTRAINT fk_billing_identity FOREIGN KEY (identity_id) REFERENCES identities(id)
);
CREATE TABLE IF NOT EXISTS projects (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	identity_id BIGINT NOT NULL,
	project_id VARCHAR(100) NOT NULL,
	billing_account_id VARCHAR(100),
	billing_account_name VARCHAR(200),
	billing_account_display_name VARCHAR(200),
	created_at DATETIME(6) NOT NULL,
	updated_at DATETIME(6) NOT NULL,
	UNIQUE KEY uq_project_identity_pid (identity_id, project_id),
	CONSTRAINT fk_project_identity FOREIGN KEY (identity_id) REFERENCES identities(id)
);
CREATE TABLE IF NOT EXISTS operation_events (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	event_type VARCHAR(50) NOT NULL,
	identity_id BIGINT NOT NULL,
	project_id VARCHAR(100),
	billing_account_id VARCHAR(100),
	old_value VARCHAR(300),
	new_value VARCHAR(300),
	status VARCHAR(50) NOT NULL,
	message TEXT,
	created_at DATETIME(6) NOT NULL,
	KEY idx_events_identity_time (identity_id, created_at),
	CONSTRAINT fk_event_identity FOREIGN KEY (identity_id) REFERENCES identities(id)
);
`

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS identities (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	email TEXT NOT NULL,
	credentials_file TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS billing_accounts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	identity_id INTEGER NOT NULL REFERENCES identities(id),
	name TEXT NOT NULL,
	display_name TEXT,
	account_id TEXT NOT NULL,
	is_open BOOLEAN NOT NULL DEFAULT TRUE,
	is_used BOOLEAN NOT NULL DEFAULT FALSE,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	UNIQUE (identity_id, name)
);
CREATE TABLE IF NOT EXISTS projects (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	identity_id INTEGER NOT NULL REFERENCES identities(id),
	project_id TEXT NOT NULL,
	billing_account_id TEXT,
	billing_account_name TEXT,
	billing_account_display_name TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	UNIQUE (identity_id, project_id)
);
CREATE TABLE IF NOT EXISTS operation_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	identity_id INTEGER NOT NULL REFERENCES identities(id),
	project_id TEXT,
	billing_account_id TEXT,
	old_value TEXT,
	new_value TEXT,
	status TEXT NOT NULL,
	message TEXT,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_identity_time ON operation_events(identity_id, created_at);
`

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(timeLayout, value); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse("2006-01-02 15:04:05", value); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
