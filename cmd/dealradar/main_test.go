package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dealradar/dealradar/internal/archive"
	"github.com/dealradar/dealradar/internal/clock/system"
	"github.com/dealradar/dealradar/internal/config"
	"github.com/dealradar/dealradar/internal/dedup"
	notifymem "github.com/dealradar/dealradar/internal/notify/memory"
	sinkmem "github.com/dealradar/dealradar/internal/sink/memory"
)

func TestBackendSelectionDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("")
	require.NoError(t, err)
	clk := system.New()
	ctx := context.Background()

	seen, err := newDedupStore(ctx, cfg, clk)
	require.NoError(t, err)
	require.IsType(t, &dedup.Memory{}, seen)

	sink, err := newListingSink(ctx, cfg, clk)
	require.NoError(t, err)
	require.IsType(t, &sinkmem.ListingStore{}, sink)

	notifier, closeNotifier, err := newNotifier(ctx, cfg)
	require.NoError(t, err)
	defer closeNotifier()
	require.IsType(t, &notifymem.Notifier{}, notifier)

	blobs, err := newArchive(ctx, cfg)
	require.NoError(t, err)
	require.Nil(t, blobs)
}

func TestBackendSelectionMemoryArchive(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Archive.Driver = "memory"

	blobs, err := newArchive(context.Background(), cfg)
	require.NoError(t, err)
	require.IsType(t, &archive.Memory{}, blobs)
}

// Pool sizing flows from config.DBConfig straight into both Postgres store
// configs; this pins the field types together.
func TestPostgresConfigAcceptsDBMaxConns(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.DB.MaxConns = 8

	require.Equal(t, 8, dedupPostgresConfig(cfg).MaxConns)
	require.Equal(t, 8, sinkPostgresConfig(cfg).MaxConns)
}
