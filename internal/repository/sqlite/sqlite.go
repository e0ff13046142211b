// Package sqlite implements the repository interfaces using SQLite as the storage backend.
//
// WHY modernc.org/sqlite INSTEAD OF github.com/mattn/go-sqlite3?
// mattn/go-sqlite3 uses CGo, which means you need a C compiler installed and
// cross-compilation becomes painful. modernc.org/sqlite is a pure Go
// translation of the SQLite C code. No C compiler needed.
//
// WHY sqlx ON TOP OF database/sql?
// sqlx keeps the database/sql connection pool and API but adds Get/Select,
// which scan rows straight into structs using the `db:"..."` tags on
// model.User. That removes the long rows.Scan(&a, &b, &c, ...) lists that
// drift out of sync with the SELECT column order.
//
// WHY GOOSE FOR MIGRATIONS?
// The schema lives in versioned .sql files under migrations/, embedded into
// the binary. goose records which versions have run in goose_db_version, so
// adding a column is a new file instead of an "IF NOT EXISTS" dance.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	// Registers the "sqlite" driver with database/sql.
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// driverName is the name modernc.org/sqlite registers itself under.
const driverName = "sqlite"

func init() {
	// sqlx only knows the bind style of "sqlite3" out of the box.
	sqlx.BindDriver(driverName, sqlx.QUESTION)
}

// DB wraps a sqlx connection pool and provides repository methods.
type DB struct {
	conn *sqlx.DB
}

// New opens the database at dbPath and brings the schema up to date.
//
// dbPath examples:
//   - "data/users.db" → file-based database (persistent)
//   - ":memory:"      → in-memory database (tests)
func New(ctx context.Context, dbPath string) (*DB, error) {
	conn, err := sqlx.Open(driverName, dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}

	// ONE CONNECTION:
	// SQLite serialises writers anyway, and every new connection to
	// ":memory:" would see a brand-new empty database.
	conn.SetMaxOpenConns(1)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	if _, err := conn.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting WAL mode: %w", err)
	}

	if _, err := conn.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: enabling foreign keys: %w", err)
	}

	if err := runMigrations(ctx, conn.DB); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	return &DB{conn: conn}, nil
}

// newFromConn wraps an already-open pool without touching the schema.
// Tests use it to put a sqlmock connection behind the repository.
func newFromConn(conn *sqlx.DB) *DB {
	return &DB{conn: conn}
}

// Close closes the database connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping reports whether the database is reachable. Used by the health check.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// goose keeps its base FS and dialect in package globals.
var migrateMu sync.Mutex

func runMigrations(ctx context.Context, db *sql.DB) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}

	return gooseUpContext(ctx, db, "migrations")
}
