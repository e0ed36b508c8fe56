// Package registry is the gateway to the user, permission and access log
// store. Every call is bounded by Store.Timeout and uses its own connection
// which is released before the call returns.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/somakeit/checkpoint/credential"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const defaultTimeout = 5 * time.Second

// Dialect is the SQL flavour of the store.
type Dialect string

const (
	MySQL    Dialect = "mysql"
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// ParseDialect returns the Dialect named s.
func ParseDialect(s string) (Dialect, error) {
	switch d := Dialect(strings.ToLower(strings.TrimSpace(s))); d {
	case MySQL, Postgres, SQLite:
		return d, nil
	case "postgresql", "pgx":
		return Postgres, nil
	}
	return "", fmt.Errorf("unknown registry driver %q", s)
}

// driver is the database/sql driver name for d.
func (d Dialect) driver() string {
	if d == Postgres {
		return "pgx"
	}
	return string(d)
}

// Result is the outcome recorded for an access attempt.
type Result string

const (
	Success Result = "success"
	Failure Result = "failure"
)

// Attempt is one row of the access log.
type Attempt struct {
	ID          int64
	Fingerprint credential.Fingerprint
	AccessPoint string
	Result      Result
	Message     string
	// Time is assigned by the store on insert.
	Time time.Time
}

// User is a registered credential holder.
type User struct {
	Fingerprint credential.Fingerprint
	Role        string
}

// Grant allows Role through AccessPoint.
type Grant struct {
	AccessPoint string
	Role        string
}

// Store is a registry backed by a SQL database.
type Store struct {
	// Timeout bounds every call to the store, the default is 5 seconds.
	Timeout time.Duration

	db      *sql.DB
	dialect Dialect
	dsn     string
}

// New returns a Store using db, which must be of the given dialect.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{
		Timeout: defaultTimeout,
		db:      db,
		dialect: dialect,
	}
}

// Open connects to the store at dsn and checks it is reachable.
func Open(ctx context.Context, dialect Dialect, dsn string) (*Store, error) {
	db, err := sql.Open(dialect.driver(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dialect == SQLite {
		db.SetMaxOpenConns(1)
	}
	s := New(db, dialect)
	s.dsn = dsn

	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dialect returns the dialect of the store.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

func (s *Store) withConn(ctx context.Context, fn func(ctx context.Context, conn *sql.Conn) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to registry: %w", err)
	}
	defer conn.Close()

	return fn(ctx, conn)
}

func (s *Store) withTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	return s.withConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		if err := fn(ctx, tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit: %w", err)
		}
		return nil
	})
}

func (s *Store) timeout() time.Duration {
	if s.Timeout <= 0 {
		return defaultTimeout
	}
	return s.Timeout
}

// query rewrites ? placeholders for the dialect.
func (s *Store) query(q string) string {
	if s.dialect != Postgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// insertIgnore builds an insert which leaves existing rows alone when the
// conflict columns already exist.
func (s *Store) insertIgnore(table string, columns []string, conflict []string) string {
	values := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	if s.dialect == MySQL {
		return s.query(fmt.Sprintf("INSERT IGNORE INTO %s (%s) VALUES (%s)",
			table, strings.Join(columns, ", "), values))
	}
	return s.query(fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
		table, strings.Join(columns, ", "), values, strings.Join(conflict, ", ")))
}
