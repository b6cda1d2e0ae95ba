// Package postgres provides Postgres-backed persistence for data sources
// and extracted listings.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/listing-ingest/internal/crawler"
)

//go:embed schema.sql
var schemaSQL string

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// Store reads data sources and writes listings.
type Store struct {
	pool querier
}

// New creates a Store backed by a new connection pool.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool querier) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate creates the tables this store needs when they are missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// LoadDataSource reads a data source and parses its site profile.
// A missing row yields crawler.ErrNotFound.
func (s *Store) LoadDataSource(ctx context.Context, id string) (crawler.DataSource, error) {
	const query = `
SELECT customer_id, active, profile
FROM data_sources
WHERE id = $1`

	var (
		ds      = crawler.DataSource{ID: id}
		profile []byte
	)
	err := s.pool.QueryRow(ctx, query, id).Scan(&ds.CustomerID, &ds.Active, &profile)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.DataSource{}, fmt.Errorf("data source %s: %w", id, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.DataSource{}, fmt.Errorf("load data source %s: %w", id, err)
	}
	ds.Profile, err = crawler.ParseSiteProfile(profile)
	if err != nil {
		return crawler.DataSource{}, err
	}
	return ds, nil
}
