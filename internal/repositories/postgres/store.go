// Package postgres implements the repository interfaces on PostgreSQL via pgx.
// Reads made inside a unit of work take row locks (SELECT ... FOR UPDATE) in id
// order, so concurrent stock debits serialise on the product rows they touch.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/hanko-field/fulfillment/internal/repositories"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const defaultMigrationsTable = "fulfillment_schema_migrations"

// Config describes the connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MigrationsTable string
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{}

// Store owns the pgx pool and hands out repositories bound to it.
type Store struct {
	pool            *pgxpool.Pool
	migrationsTable string
}

var _ repositories.Registry = (*Store)(nil)

// Open connects the pool and verifies connectivity.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres: dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, wrapError("postgres.ping", err)
	}
	table := strings.TrimSpace(cfg.MigrationsTable)
	if table == "" {
		table = defaultMigrationsTable
	}
	return &Store{pool: pool, migrationsTable: table}, nil
}

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate() error {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: open migrations: %w", err)
	}
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{MigrationsTable: s.migrationsTable})
	if err != nil {
		return fmt.Errorf("postgres: create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("postgres: create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("postgres: run migrations: %w", err)
	}
	return nil
}

func (s *Store) Products() repositories.ProductRepository { return &productRepository{store: s} }
func (s *Store) Carts() repositories.CartRepository       { return &cartRepository{store: s} }
func (s *Store) Orders() repositories.OrderRepository     { return &orderRepository{store: s} }

// RunInTx runs fn in a READ COMMITTED transaction; nested calls join the outer one.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return wrapError("postgres.begin", err)
	}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapError("postgres.commit", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return wrapError("postgres.ping", s.pool.Ping(ctx))
}

func (s *Store) Close(context.Context) error {
	s.pool.Close()
	return nil
}

// conn returns the ambient transaction or the pool, and whether rows should be locked.
func (s *Store) conn(ctx context.Context) (querier, bool) {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx, true
	}
	return s.pool, false
}

// atomically runs fn in the ambient transaction or a new one.
func (s *Store) atomically(ctx context.Context, fn func(q querier) error) error {
	return s.RunInTx(ctx, func(txCtx context.Context) error {
		q, _ := s.conn(txCtx)
		return fn(q)
	})
}

func lockClause(locked bool) string {
	if locked {
		return " FOR UPDATE"
	}
	return ""
}
