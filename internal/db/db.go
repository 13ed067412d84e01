package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DB wraps the SQL connection that holds both the relational rows
// (protocols, patients) and the feature graph tables. The connection can be
// replaced by Reconnect while other goroutines keep using the wrapper.
type DB struct {
	mu     sync.RWMutex
	conn   *sql.DB
	Driver string
	Path   string // DSN or SQLite file path
}

// OpenDB opens a SQLite database with WAL mode and foreign keys enabled
func OpenDB(path string) (*DB, error) {
	return Open(DriverSQLite, path)
}

// Open opens a database for the given driver.
func Open(driver, dsn string) (*DB, error) {
	d := &DB{Driver: driver, Path: dsn}
	conn, err := d.dial()
	if err != nil {
		return nil, err
	}
	d.conn = conn
	return d, nil
}

// NewFromConn wraps an already open connection. Used with sqlmock in tests.
func NewFromConn(conn *sql.DB, driver string) *DB {
	return &DB{conn: conn, Driver: driver}
}

func (d *DB) dial() (*sql.DB, error) {
	switch d.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported driver %q", d.Driver)
	}

	conn, err := sql.Open(d.Driver, d.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if d.Driver == DriverSQLite {
		// One connection: pragmas stick and writers never contend for the file lock.
		conn.SetMaxOpenConns(1)

		// Enable WAL mode for concurrent reads
		if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("setting WAL mode: %w", err)
		}
		if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("setting busy timeout: %w", err)
		}
		return conn, nil
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	return conn, nil
}

// Reconnect force-closes the current connection pool and opens a new one.
func (d *DB) Reconnect(ctx context.Context) error {
	conn, err := d.dial()
	if err != nil {
		return fmt.Errorf("reconnecting: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return fmt.Errorf("reconnecting: %w", err)
	}

	d.mu.Lock()
	old := d.conn
	d.conn = conn
	d.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.Conn().Close()
}

// Conn returns the underlying sql.DB for custom queries
func (d *DB) Conn() *sql.DB {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.conn
}

// Ping checks the connection.
func (d *DB) Ping(ctx context.Context) error {
	return d.Conn().PingContext(ctx)
}

// q rewrites ? placeholders into the driver's native form.
func (d *DB) q(query string) string {
	if d.Driver != DriverPostgres {
		return query
	}
	return rebindDollar(query)
}

func (d *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.Conn().ExecContext(ctx, d.q(query), args...)
}

func (d *DB) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.Conn().QueryContext(ctx, d.q(query), args...)
}

func (d *DB) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return d.Conn().QueryRowContext(ctx, d.q(query), args...)
}

// rebindDollar turns each ? into $1, $2, ... Queries in this package never
// carry a literal question mark.
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
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

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
