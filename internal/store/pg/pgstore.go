// Package pg is the PostgreSQL implementation of every engine store:
// identities, verifiers, lockout state, revocations, roles and
// assignments, sessions, policy configuration and versions, and audit.
package pg

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"fieldgate.org/internal/clock"
	"fieldgate.org/internal/lockout"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

// Migrations holds the schema, applied by internal/migrate.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// Seeds holds optional development data.
//
//go:embed seeds/*.sql
var Seeds embed.FS

var errNoDB = errors.New("database connection unavailable")

// Store wraps a pgx-backed *sql.DB.
type Store struct {
	db     *sql.DB
	clock  clock.Clock
	ladder lockout.Ladder
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source for lockout arithmetic and timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLadder sets the lockout schedule.
func WithLadder(l lockout.Ladder) Option {
	return func(s *Store) { s.ladder = l }
}

// Open connects with tuned pool defaults.
func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db, opts...), nil
}

// New wraps an existing handle.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, clock: clock.Real(), ladder: lockout.DefaultLadder()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping is the readiness check.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errNoDB
	}
	return s.db.PingContext(ctx)
}

func (s *Store) now() time.Time { return s.clock.Now().UTC() }

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
