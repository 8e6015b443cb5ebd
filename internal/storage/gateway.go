// Package storage is the persistence gateway: a thin typed layer over
// Postgres exposing a connection pool, transaction begin/commit/rollback,
// and the JSON-column marshaling every registry relies on. It owns the schema
// (see migrations/) but not the domain queries themselves — those live in the
// registry packages (internal/staging, internal/destination, internal/release,
// internal/releaselog) which accept a Querier so they can run against either
// the pool or an open transaction.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

// Querier is satisfied by both *sqlx.DB and *sqlx.Tx, letting registries run
// the same query against a pool connection or an open lease transaction.
type Querier interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

// Gateway owns the Postgres connection pool.
type Gateway struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Config configures pool sizing. DSN uses the standard libpq connection
// string format.
type Config struct {
	DSN      string
	MaxConns int32
	MinConns int32
}

// Open connects to Postgres via pgx's database/sql driver (stdlib.GetDefaultDriver),
// wraps it with sqlx, and verifies connectivity.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Gateway, error) {
	sqlDB, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if cfg.MaxConns > 0 {
		sqlDB.SetMaxOpenConns(int(cfg.MaxConns))
	}
	if cfg.MinConns > 0 {
		sqlDB.SetMaxIdleConns(int(cfg.MinConns))
	}

	db := sqlx.NewDb(sqlDB, "pgx")
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Gateway{db: db, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (g *Gateway) Close() error {
	return g.db.Close()
}

// NewGatewayForTesting wraps an already-open *sqlx.DB (typically a
// DATA-DOG/go-sqlmock connection) as a Gateway, for registry tests that need
// BeginTx/Commit/Rollback without a real Postgres instance.
func NewGatewayForTesting(db *sqlx.DB, logger *slog.Logger) *Gateway {
	return &Gateway{db: db, logger: logger}
}

// DB returns the pool Querier, for reads that don't need a transaction.
func (g *Gateway) DB() Querier { return g.db }

// SQLDB returns the underlying *sql.DB, for callers that need the
// database/sql handle directly (migrations.Up's goose.Up signature).
func (g *Gateway) SQLDB() *sql.DB { return g.db.DB }

// Tx wraps an open transaction. Every code path that opens one MUST call
// Commit or Rollback exactly once; a Tx left open leaks a connection and,
// for lease transactions (see internal/release.Lease), a locked row.
type Tx struct {
	tx *sqlx.Tx
}

// Querier exposes the transaction as a Querier for registries.
func (t *Tx) Querier() Querier { return t.tx }

// Commit commits the transaction.
func (t *Tx) Commit() error { return t.tx.Commit() }

// Rollback rolls back the transaction. Safe to call after Commit has already
// succeeded (returns sql.ErrTxDone, which callers should ignore in defer).
func (t *Tx) Rollback() error { return t.tx.Rollback() }

// BeginTx opens a new transaction at the given isolation level. Read
// Committed or stronger is expected.
func (g *Gateway) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := g.db.BeginTxx(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	return &Tx{tx: tx}, nil
}
