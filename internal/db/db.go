// Package db provides the embedded database layer for task persistence.
//
// The default backend is a single-file SQLite database, with an optional
// PostgreSQL backend selected by dialect. Schema migrations are embedded
// in the binary and applied on open.
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/randalmurphal/fab/internal/db/driver"
)

//go:embed schema/*.sql
var schemaFiles embed.FS

// embedFSAdapter adapts embed.FS to the driver.SchemaFS interface.
type embedFSAdapter struct {
	fs embed.FS
}

func (a embedFSAdapter) ReadFile(name string) ([]byte, error) {
	return a.fs.ReadFile(name)
}

func (a embedFSAdapter) ReadDir(name string) ([]driver.DirEntry, error) {
	entries, err := a.fs.ReadDir(name)
	if err != nil {
		return nil, err
	}
	result := make([]driver.DirEntry, len(entries))
	for i, e := range entries {
		result[i] = fsDirEntry{e}
	}
	return result, nil
}

type fsDirEntry struct {
	entry fs.DirEntry
}

func (e fsDirEntry) Name() string { return e.entry.Name() }
func (e fsDirEntry) IsDir() bool  { return e.entry.IsDir() }

// DB wraps a database driver with schema management.
type DB struct {
	drv driver.Driver
}

// Open opens the SQLite database at the given path and applies any
// pending migrations. The parent directory must already exist.
func Open(ctx context.Context, path string) (*DB, error) {
	return OpenWithDialect(ctx, driver.DialectSQLite, path)
}

// OpenInMemory opens an in-memory SQLite database, used in tests.
func OpenInMemory(ctx context.Context) (*DB, error) {
	return OpenWithDialect(ctx, driver.DialectSQLite, ":memory:")
}

// OpenWithDialect opens a database with an explicit dialect and DSN and
// applies any pending migrations.
func OpenWithDialect(ctx context.Context, dialect driver.Dialect, dsn string) (*DB, error) {
	drv, err := driver.New(dialect)
	if err != nil {
		return nil, err
	}
	if err := drv.Open(dsn); err != nil {
		return nil, err
	}
	db := &DB{drv: drv}
	if err := db.Migrate(ctx); err != nil {
		_ = drv.Close()
		return nil, err
	}
	return db, nil
}

// Migrate applies any pending schema migrations.
func (d *DB) Migrate(ctx context.Context) error {
	return d.drv.Migrate(ctx, embedFSAdapter{fs: schemaFiles})
}

// Close closes the database.
func (d *DB) Close() error {
	return d.drv.Close()
}

// Ping verifies the database is reachable.
func (d *DB) Ping(ctx context.Context) error {
	return d.drv.Ping(ctx)
}

// Exec executes a query without returning rows.
func (d *DB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.drv.Exec(ctx, d.rewrite(query), args...)
}

// Query executes a query that returns rows.
func (d *DB) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.drv.Query(ctx, d.rewrite(query), args...)
}

// QueryRow executes a query that returns at most one row.
func (d *DB) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return d.drv.QueryRow(ctx, d.rewrite(query), args...)
}

// BeginTx starts a transaction.
func (d *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (driver.Tx, error) {
	return d.drv.BeginTx(ctx, opts)
}

// Dialect returns the active dialect.
func (d *DB) Dialect() driver.Dialect {
	return d.drv.Dialect()
}

// Rewrite converts ? placeholders for the active dialect. Queries in the
// storage layer are written with ? and rewritten for PostgreSQL.
func (d *DB) Rewrite(query string) string {
	return d.rewrite(query)
}

func (d *DB) rewrite(query string) string {
	if d.drv.Dialect() == driver.DialectPostgres {
		return driver.RewritePlaceholders(query)
	}
	return query
}

// Raw returns the underlying sql.DB for advanced operations.
func (d *DB) Raw() *sql.DB {
	return d.drv.DB()
}

// String returns a short description for logging.
func (d *DB) String() string {
	return fmt.Sprintf("db(%s)", d.drv.Dialect())
}
