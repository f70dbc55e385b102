package dedup

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

// Postgres persists sightings so the dedup window survives restarts.
//
// Expected schema:
//
//	CREATE TABLE seen_items (
//	    scope      TEXT NOT NULL,
//	    item_id    TEXT NOT NULL,
//	    expires_at TIMESTAMPTZ NOT NULL,
//	    PRIMARY KEY (scope, item_id)
//	);
type Postgres struct {
	pool   execCloser
	window time.Duration
	clock  scrape.Clock
}

// PostgresConfig controls the Postgres connection pool for the dedup store.
type PostgresConfig struct {
	DSN      string
	MaxConns int
	Window   time.Duration
}

// NewPostgres connects a Postgres-backed dedup store.
func NewPostgres(ctx context.Context, cfg PostgresConfig, clock scrape.Clock) (*Postgres, error) {
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
	return &Postgres{pool: pool, window: cfg.Window, clock: clock}, nil
}

// NewPostgresWithPool constructs a store from an existing pool (primarily
// for testing).
func NewPostgresWithPool(pool execCloser, window time.Duration, clock scrape.Clock) (*Postgres, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Postgres{pool: pool, window: window, clock: clock}, nil
}

const firstSeenSQL = `INSERT INTO seen_items (scope, item_id, expires_at)
VALUES ($1, $2, $3)
ON CONFLICT (scope, item_id)
DO UPDATE SET expires_at = EXCLUDED.expires_at
WHERE seen_items.expires_at <= $4`

// FirstSeen claims the sighting in a single statement so concurrent workers
// cannot both see a fresh id.
func (p *Postgres) FirstSeen(ctx context.Context, scope, id string) (bool, error) {
	now := p.clock.Now()
	tag, err := p.pool.Exec(ctx, firstSeenSQL, scope, id, now.Add(p.window), now)
	if err != nil {
		return false, fmt.Errorf("mark sighting: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Purge deletes expired sightings and returns how many rows were removed.
func (p *Postgres) Purge(ctx context.Context) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM seen_items WHERE expires_at <= $1`, p.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("purge sightings: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Close releases the underlying pool resources.
func (p *Postgres) Close() {
	p.pool.Close()
}
