package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL flavour and database/sql driver
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

func (d Dialect) driverName() (string, error) {
	switch d {
	case DialectSQLite:
		return "sqlite", nil
	case DialectPostgres:
		return "pgx", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedDialect, string(d))
	}
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries holds every storage operation. It is bound to either the pool or a
// single transaction.
type Queries struct {
	q       querier
	dialect Dialect
	now     func() time.Time
	inTx    bool
}

// Store owns the database handle
type Store struct {
	*Queries
	db     *sql.DB
	logger *slog.Logger
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithClock overrides the time source, used by tests that age records
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.Queries.now = now
	}
}

// Open connects to the database, verifies the connection and applies the
// schema.
func Open(ctx context.Context, dialect Dialect, dsn string, options ...Option) (*Store, error) {
	driver, err := dialect.driverName()
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect, err)
	}

	if dialect == DialectSQLite {
		// a single connection serializes writers and keeps :memory: databases shared
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", dialect, err)
	}

	s, err := New(ctx, db, dialect, options...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing handle and applies the schema
func New(ctx context.Context, db *sql.DB, dialect Dialect, options ...Option) (*Store, error) {
	if _, err := dialect.driverName(); err != nil {
		return nil, err
	}

	s := &Store{
		Queries: &Queries{q: db, dialect: dialect, now: time.Now},
		db:      db,
		logger:  slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}

	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Migrate creates missing tables and indexes
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements(s.dialect) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	s.logger.Debug("schema applied", "dialect", s.dialect)
	return nil
}

// WithTx runs fn inside a transaction. fn must only use the Queries it is
// given; the transaction commits when fn returns nil and rolls back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(q *Queries) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&Queries{q: tx, dialect: s.dialect, now: s.now, inTx: true}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Error("failed to roll back transaction", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Dialect returns the configured SQL dialect
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Close closes the database handle
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind converts '?' placeholders to the dialect's form
func (q *Queries) rebind(query string) string {
	if q.dialect != DialectPostgres {
		return query
	}

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

func (q *Queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return q.q.ExecContext(ctx, q.rebind(query), args...)
}

func (q *Queries) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return q.q.QueryContext(ctx, q.rebind(query), args...)
}

func (q *Queries) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return q.q.QueryRowContext(ctx, q.rebind(query), args...)
}

func (q *Queries) timestamp() int64 {
	return q.now().UTC().UnixNano()
}

func fromTimestamp(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func nullString(s sql.NullString) string {
	if s.Valid {
		return s.String
	}
	return ""
}
