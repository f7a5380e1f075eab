// Package store owns the SQLite database: connection setup, forward-only
// schema migrations, and the single-writer transaction path every other
// package goes through (§5 "Shared resources", §6 "Database").
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps the SQLite handle with the writer mutex that gives audit (and
// everything else) a total write order.
type DB struct {
	sql  *sql.DB
	path string

	// writeMu serializes all write transactions. SQLite itself only
	// admits one writer; taking the lock here avoids SQLITE_BUSY churn.
	writeMu sync.Mutex
}

// Open opens (creating if needed) the database at path and applies any
// pending forward migrations. Transactions begin with BEGIN IMMEDIATE via
// the _txlock DSN parameter so writers take the lock up front.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	handle, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps the immediate-transaction semantics simple.
	handle.SetMaxOpenConns(1)

	db := &DB{sql: handle, path: path}
	if err := db.migrate(); err != nil {
		handle.Close()
		return nil, err
	}
	return db, nil
}

// OpenReadOnly opens the database for readers (dashboard) with mode=ro.
func OpenReadOnly(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(5000)", path)
	handle, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database read-only: %w", err)
	}
	return &DB{sql: handle, path: path}, nil
}

// Path returns the on-disk database path.
func (d *DB) Path() string { return d.path }

// SQL exposes the underlying handle for read queries.
func (d *DB) SQL() *sql.DB { return d.sql }

// Close closes the handle.
func (d *DB) Close() error { return d.sql.Close() }

func (d *DB) migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(d.sql, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("build migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	version, _, err := m.Version()
	if err != nil {
		return fmt.Errorf("read migration version: %w", err)
	}
	// Mirror the schema version into user_version for external readers.
	if _, err := d.sql.Exec(fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// SchemaVersion reads PRAGMA user_version.
func (d *DB) SchemaVersion() (int, error) {
	var v int
	err := d.sql.QueryRow("PRAGMA user_version").Scan(&v)
	return v, err
}

// WriteTx runs fn inside a serialized immediate-mode write transaction.
func (d *DB) WriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin write tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ts formats a timestamp the way every table stores it.
func ts(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

// parseTS is the inverse of ts; zero time on empty.
func parseTS(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
