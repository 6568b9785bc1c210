// Package store is the relational persistence layer of the Seal control
// plane: customers, service instances, invoices, credits, seal keys, the
// SystemControl counter row and LM fleet status. It runs on SQLite for
// development and tests and on Postgres in production; queries are written
// with ? placeholders and rebound for Postgres.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mario4tier/suiftly-co-sub006/pkg/clock"
	"github.com/mario4tier/suiftly-co-sub006/pkg/tiers"
)

// Dialect selects the SQL flavor the store speaks.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// Sentinel errors surfaced by store operations.
var (
	ErrNotFound            = errors.New("store: not found")
	ErrInsufficientBalance = errors.New("store: insufficient balance")
	ErrDuplicate           = errors.New("store: duplicate row")
	ErrOverpayment         = errors.New("store: payment exceeds invoice amount")
	ErrInvalidProcessGroup = errors.New("store: invalid process group")
	ErrInvalidVaultType    = errors.New("store: invalid vault type")
)

// Querier is satisfied by both *sql.DB and *sql.Tx so store operations can
// run inside or outside an explicit transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store wraps the database handle with dialect-aware helpers, the injected
// clock used for row timestamps, and the per-customer lock manager.
type Store struct {
	db      *sql.DB
	dialect Dialect
	clock   clock.Clock
	locks   customerLocks
}

// New wraps an existing handle.
func New(db *sql.DB, dialect Dialect, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Store{db: db, dialect: dialect, clock: clk}
}

// Open opens a database by driver name ("sqlite" or "postgres") and returns
// the store. The caller owns closing it.
func Open(driver, dsn string, clk clock.Clock) (*Store, error) {
	var dialect Dialect
	switch driver {
	case "sqlite":
		dialect = DialectSQLite
	case "postgres":
		dialect = DialectPostgres
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	if dialect == DialectSQLite {
		// The sqlite driver serializes writers; a single connection avoids
		// table-lock errors from concurrent transactions.
		db.SetMaxOpenConns(1)
	}
	return New(db, dialect, clk), nil
}

// DB exposes the underlying handle for callers that manage their own
// statements (tests, the usage ingestion job).
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying handle.
func (s *Store) Close() error { return s.db.Close() }

// Init creates all tables and seeds the SystemControl singleton row.
func (s *Store) Init(ctx context.Context) error {
	schema := schemaSQLite
	if s.dialect == DialectPostgres {
		schema = schemaPostgres
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: create schema: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, seedSystemControl); err != nil {
		return fmt.Errorf("store: seed system_control: %w", err)
	}
	return nil
}

// q rewrites ? placeholders to $N for Postgres. Queries never contain a
// literal question mark.
func (s *Store) q(query string) string {
	if s.dialect != DialectPostgres {
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

// greatest returns the two-argument maximum function for the dialect.
func (s *Store) greatest() string {
	if s.dialect == DialectPostgres {
		return "GREATEST"
	}
	return "MAX"
}

// WithTx runs fn inside a transaction, committing on nil error.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// WithCustomerTx serializes all write paths for one customer: it takes the
// customer's advisory lock for the duration of a transaction. Requests
// against the same customer queue; distinct customers proceed concurrently.
func (s *Store) WithCustomerTx(ctx context.Context, customerID int64, fn func(tx *sql.Tx) error) error {
	unlock := s.locks.acquire(customerID)
	defer unlock()
	return s.WithTx(ctx, fn)
}

// customerLocks is an in-process advisory lock table keyed by customer id.
// Entries are reference-counted so the map does not grow with tenant count.
type customerLocks struct {
	mu      sync.Mutex
	entries map[int64]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (c *customerLocks) acquire(customerID int64) (release func()) {
	c.mu.Lock()
	if c.entries == nil {
		c.entries = make(map[int64]*lockEntry)
	}
	e, ok := c.entries[customerID]
	if !ok {
		e = &lockEntry{}
		c.entries[customerID] = e
	}
	e.refs++
	c.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		c.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(c.entries, customerID)
		}
		c.mu.Unlock()
	}
}

// timeLayout is RFC 3339 with fixed nanosecond width so stored text sorts
// chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func fmtNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: fmtTime(*t), Valid: true}
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := parseTime(v.String)
	return &t
}

func nullStr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func strPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullInt(i *int64) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *i, Valid: true}
}

func intPtr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	i := v.Int64
	return &i
}

func nullTier(t *tiers.TierID) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*t), Valid: true}
}

func tierPtr(v sql.NullString) *tiers.TierID {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := tiers.TierID(v.String)
	return &t
}

func nullBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
