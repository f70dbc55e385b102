// Package postgres provides a Postgres-backed listing sink.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dealradar/dealradar/internal/scrape"
)

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// ListingStoreConfig controls the Postgres connection pool for listings.
type ListingStoreConfig struct {
	DSN      string
	MaxConns int
}

// ListingStore writes discovered listings into Postgres.
//
// Expected schema:
//
//	CREATE TABLE listings (
//	    tenant     TEXT NOT NULL,
//	    source     TEXT NOT NULL,
//	    title      TEXT NOT NULL,
//	    price      NUMERIC NOT NULL,
//	    link       TEXT NOT NULL,
//	    image_url  TEXT,
//	    found_at   TIMESTAMPTZ NOT NULL,
//	    PRIMARY KEY (tenant, source, link)
//	);
type ListingStore struct {
	pool  execCloser
	clock scrape.Clock
}

// NewListingStore creates a Postgres-backed ListingStore using the provided
// config.
func NewListingStore(ctx context.Context, cfg ListingStoreConfig, clock scrape.Clock) (*ListingStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &ListingStore{pool: pool, clock: clock}, nil
}

// NewListingStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewListingStoreWithPool(pool execCloser, clock scrape.Clock) (*ListingStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ListingStore{pool: pool, clock: clock}, nil
}

const insertListingSQL = `INSERT INTO listings (tenant, source, title, price, link, image_url, found_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (tenant, source, link) DO NOTHING`

// Save inserts the item tagged with its tenant. A re-insert of the same
// link for the same tenant is a no-op.
func (s *ListingStore) Save(ctx context.Context, item scrape.Item, tenant, source string) error {
	var now time.Time
	if s.clock != nil {
		now = s.clock.Now()
	} else {
		now = time.Now().UTC()
	}
	if _, err := s.pool.Exec(ctx, insertListingSQL,
		tenant, source, item.Title, item.Price, item.Link, item.ImageURL, now,
	); err != nil {
		return fmt.Errorf("insert listing: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *ListingStore) Close() {
	s.pool.Close()
}
