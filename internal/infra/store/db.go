// Package store persists tenants, bookings, invoices, the revenue ledger and
// the outbox in a SQL database.
//
// Every idempotency guard is a single atomic statement: a conditional UPDATE
// whose WHERE clause names the pre-transition state, or an INSERT that
// conflicts on the natural key. Methods report "nothing changed" as
// applied=false rather than an error; callers probe afterwards only to
// label the outcome.
//
// The same DDL and DML run on SQLite (modernc.org/sqlite, the default) and
// Postgres (lib/pq). Queries are written with '?' placeholders and rebound
// for Postgres.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Driver names as registered with database/sql.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// tsLayout is fixed-width so RFC3339 text compares correctly as a string.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// Options selects and locates the database.
type Options struct {
	Driver string // "sqlite" (default) or "postgres"
	DSN    string // Postgres connection string
	Dir    string // SQLite data directory (reconciler.db is created inside)
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn carries the operations shared by DB and Tx.
type conn struct {
	q        querier
	postgres bool
}

func (c conn) rebind(query string) string {
	if !c.postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (c conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, c.rebind(query), args...)
}

func (c conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, c.rebind(query), args...)
}

func (c conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, c.rebind(query), args...)
}

// DB wraps a database handle.
type DB struct {
	conn
	db     *sql.DB
	driver string
}

// Tx is a transaction. Inside DB.InTx callers must use only the Tx: the
// SQLite handle has a single connection and re-entering DB would block.
type Tx struct {
	conn
	tx *sql.Tx
}

// Open connects to the configured database and applies migrations.
func Open(opts Options) (*DB, error) {
	driver := opts.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	var (
		sqlDB *sql.DB
		err   error
	)
	switch driver {
	case DriverSQLite:
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		path := filepath.Join(opts.Dir, "reconciler.db")
		dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
		sqlDB, err = sql.Open(DriverSQLite, dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// One writer at a time; the atomic statements below stay atomic on
		// Postgres without this.
		sqlDB.SetMaxOpenConns(1)
	case DriverPostgres:
		if strings.TrimSpace(opts.DSN) == "" {
			return nil, errors.New("postgres driver requires a DSN")
		}
		sqlDB, err = sql.Open(DriverPostgres, opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db := &DB{
		conn:   conn{q: sqlDB, postgres: driver == DriverPostgres},
		db:     sqlDB,
		driver: driver,
	}
	if err := db.migrate(context.Background()); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// OpenSQLite opens the default SQLite store rooted at dir.
func OpenSQLite(dir string) (*DB, error) {
	return Open(Options{Driver: DriverSQLite, Dir: dir})
}

// Close releases the database handle.
func (db *DB) Close() error { return db.db.Close() }

// Driver returns the active driver name.
func (db *DB) Driver() string { return db.driver }

// SQL exposes the raw handle for health checks and maintenance.
func (db *DB) SQL() *sql.DB { return db.db }

// Ping checks connectivity.
func (db *DB) Ping(ctx context.Context) error { return db.db.PingContext(ctx) }

func (db *DB) migrate(ctx context.Context) error {
	for _, stmt := range Migrations() {
		if _, err := db.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	_, err := db.exec(ctx, `
		INSERT INTO global_counters (name, value) VALUES (?, 0)
		ON CONFLICT (name) DO NOTHING
	`, CounterFoundingMember)
	return err
}

// InTx runs fn in a transaction. fn's error rolls back and is returned as is.
func (db *DB) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	tx := &Tx{conn: conn{q: sqlTx, postgres: db.postgres}, tx: sqlTx}
	if err := fn(tx); err != nil {
		sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func ts(t time.Time) string { return t.UTC().Format(tsLayout) }

func parseTS(s string) time.Time {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func nullTS(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTS(s.String)
	return &t
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i > 0 {
		return s[:i]
	}
	return s
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
