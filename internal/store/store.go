// Package store provides database access for the SCIM server.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
	"github.com/pressly/goose/v3"

	"github.com/ltsch/mock-scim-server-sub001/internal/store/migrations"
)

// Sentinel errors returned by store operations. The HTTP layer is the only
// place these are translated into protocol status codes.
var (
	// ErrNotFound is returned when a tenant-scoped lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an insert or update violates a unique
	// constraint (e.g. userName or displayName already taken in a tenant).
	ErrConflict = errors.New("already exists")
	// ErrMemberNotFound is returned when a membership change names a user
	// or group that does not exist in the tenant.
	ErrMemberNotFound = errors.New("member not found")
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so entity operations
// can run against the pool directly or inside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store wraps the database connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a new Store and runs migrations.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// Run migrations using a standard database/sql connection.
	// Goose doesn't support pgx directly, so we use the stdlib adapter.
	sqlDB, err := sql.Open("pgx", connString)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("open database for migrations: %w", err)
	}
	defer sqlDB.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		pool.Close()
		return nil, fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(sqlDB, "."); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close closes the database connection.
func (s *Store) Close() {
	s.pool.Close()
}

// WithTx runs a function within a transaction. The querier passed to fn is
// only valid for the duration of the call.
func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// translateErr maps driver-level errors to the store's sentinel errors.
// Unique constraint violations (SQLSTATE 23505) become ErrConflict so the
// database constraint acts as the last line of defense behind pre-insert
// uniqueness checks.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	return err
}
