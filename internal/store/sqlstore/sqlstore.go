// Package sqlstore implements store.Store on database/sql. SQLite (modernc)
// is the default single-node backend; PostgreSQL (pgx) is used when several
// engine instances share one database.
//
// Timestamps are stored as UTC unix nanoseconds in BIGINT columns. Optimistic
// updates compare the version column inside the UPDATE statement.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/rcourtman/pulse-license-engine/internal/store"
)

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and locates the database.
type Config struct {
	Driver string
	// Path is the SQLite database file.
	Path string
	// DSN is the PostgreSQL connection string.
	DSN string
	// MaxOpenConns applies to PostgreSQL only; SQLite always uses one.
	MaxOpenConns int
}

// Store is a SQL-backed store.Store.
type Store struct {
	db      *sql.DB
	dialect dialect
}

var _ store.Store = (*Store)(nil)

// Open connects, applies pending migrations and returns the store.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	var (
		db  *sql.DB
		d   dialect
		err error
	)
	switch cfg.Driver {
	case DriverSQLite, "":
		db, err = openSQLite(cfg.Path)
		d = dialectSQLite
	case DriverPostgres:
		db, err = openPostgres(cfg)
		d = dialectPostgres
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, dialect: d}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w: %w", cfg.Driver, store.ErrUnavailable, err)
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func openSQLite(path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	// Pragmas in the DSN so every pool connection is configured.
	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single writer; Update transactions serialize on the connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	log.Info().Str("path", path).Msg("SQLite store opened")
	return db, nil
}

func openPostgres(cfg Config) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen / 2)
	db.SetConnMaxLifetime(30 * time.Minute)

	log.Info().Int("maxOpenConns", maxOpen).Msg("PostgreSQL store opened")
	return db, nil
}

// Update implements store.Store.
func (s *Store) Update(ctx context.Context, fn func(store.Tx) error) error {
	return s.run(ctx, false, fn)
}

// View implements store.Store.
func (s *Store) View(ctx context.Context, fn func(store.Tx) error) error {
	return s.run(ctx, true, fn)
}

func (s *Store) run(ctx context.Context, readOnly bool, fn func(store.Tx) error) error {
	var opts *sql.TxOptions
	if readOnly && s.dialect == dialectPostgres {
		opts = &sql.TxOptions{ReadOnly: true}
	}
	sqlTx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return s.dialect.wrap("begin", err)
	}

	c := &conn{tx: sqlTx, dialect: s.dialect, readOnly: readOnly}
	if err := fn(c); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if readOnly {
		return sqlTx.Rollback()
	}
	if err := sqlTx.Commit(); err != nil {
		return s.dialect.wrap("commit", err)
	}
	return nil
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w: %w", store.ErrUnavailable, err)
	}
	return nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// rebind rewrites ? placeholders to $n for PostgreSQL. Queries in this
// package never contain a literal question mark.
func (d dialect) rebind(q string) string {
	if d != dialectPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// wrap classifies a driver error. Constraint violations and serialization
// failures become store.ErrConflict; everything else is ErrUnavailable.
func (d dialect) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if isConflict(err) {
		return fmt.Errorf("%s: %w: %v", op, store.ErrConflict, err)
	}
	return fmt.Errorf("%s: %w: %w", op, store.ErrUnavailable, err)
}

func isConflict(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return true
		case sqlite3.SQLITE_CONSTRAINT:
			// Extended codes disabled on this connection.
			return true
		}
		return false
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		switch pe.Code {
		case "23505", "23503", "40001":
			return true
		}
	}
	return false
}

// conn binds the repositories to one transaction.
type conn struct {
	tx       *sql.Tx
	dialect  dialect
	readOnly bool
}

var errReadOnly = errors.New("sqlstore: write in read-only unit of work")

func (c *conn) exec(ctx context.Context, op, q string, args ...any) (sql.Result, error) {
	if c.readOnly {
		return nil, errReadOnly
	}
	res, err := c.tx.ExecContext(ctx, c.dialect.rebind(q), args...)
	if err != nil {
		return nil, c.dialect.wrap(op, err)
	}
	return res, nil
}

func (c *conn) query(ctx context.Context, op, q string, args ...any) (*sql.Rows, error) {
	rows, err := c.tx.QueryContext(ctx, c.dialect.rebind(q), args...)
	if err != nil {
		return nil, c.dialect.wrap(op, err)
	}
	return rows, nil
}

func (c *conn) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return c.tx.QueryRowContext(ctx, c.dialect.rebind(q), args...)
}

// execVersioned runs an optimistic UPDATE and maps zero affected rows to
// store.ErrConflict.
func (c *conn) execVersioned(ctx context.Context, op, q string, args ...any) error {
	res, err := c.exec(ctx, op, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return c.dialect.wrap(op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: stale version: %w", op, store.ErrConflict)
	}
	return nil
}

func (c *conn) Users() store.UserRepo                   { return userRepo{c} }
func (c *conn) Licenses() store.LicenseRepo             { return licenseRepo{c} }
func (c *conn) Subscriptions() store.SubscriptionRepo   { return subscriptionRepo{c} }
func (c *conn) Payments() store.PaymentRepo             { return paymentRepo{c} }
func (c *conn) ActivationKeys() store.ActivationKeyRepo { return activationKeyRepo{c} }
func (c *conn) Audit() store.AuditRepo                  { return auditRepo{c} }

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func nanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func nullableNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func collectIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
