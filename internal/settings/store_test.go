package settings

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dealradar/dealradar/internal/scrape"
)

func TestUnknownTenantGetsDefaults(t *testing.T) {
	t.Parallel()

	store := NewStore(scrape.TenantSettings{
		Keywords:     []string{"default"},
		PollInterval: time.Minute,
	})

	got, err := store.Get(context.Background(), "nobody")
	require.NoError(t, err)
	require.Equal(t, []string{"default"}, got.Keywords)
	require.Equal(t, time.Minute, got.PollInterval)
}

func TestTenantsNeverShareSettings(t *testing.T) {
	t.Parallel()

	store := NewStore(scrape.TenantSettings{PollInterval: time.Minute})
	store.Put("alice", scrape.TenantSettings{Keywords: []string{"Firebird"}, MaxPrice: 5000})
	store.Put("bob", scrape.TenantSettings{Keywords: []string{"Tesla"}, MinPrice: 10000})

	ctx := context.Background()
	alice, err := store.Get(ctx, "alice")
	require.NoError(t, err)
	bob, err := store.Get(ctx, "bob")
	require.NoError(t, err)
	carol, err := store.Get(ctx, "carol")
	require.NoError(t, err)

	require.Equal(t, []string{"Firebird"}, alice.Keywords)
	require.Equal(t, []string{"Tesla"}, bob.Keywords)
	require.Empty(t, carol.Keywords)
}

func TestReturnedKeywordsAreIsolatedCopies(t *testing.T) {
	t.Parallel()

	store := NewStore(scrape.TenantSettings{PollInterval: time.Minute})
	store.Put("alice", scrape.TenantSettings{Keywords: []string{"Firebird"}})

	got, err := store.Get(context.Background(), "alice")
	require.NoError(t, err)
	got.Keywords[0] = "mutated"

	again, err := store.Get(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, []string{"Firebird"}, again.Keywords)
}

func TestPutInheritsDefaultPollInterval(t *testing.T) {
	t.Parallel()

	store := NewStore(scrape.TenantSettings{PollInterval: 2 * time.Minute})
	store.Put("alice", scrape.TenantSettings{Keywords: []string{"x"}})

	got, err := store.Get(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, 2*time.Minute, got.PollInterval)
}

func TestDeleteRevertsToDefaults(t *testing.T) {
	t.Parallel()

	store := NewStore(scrape.TenantSettings{Keywords: []string{"default"}, PollInterval: time.Minute})
	store.Put("alice", scrape.TenantSettings{Keywords: []string{"Firebird"}})
	store.Delete("alice")

	got, err := store.Get(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, []string{"default"}, got.Keywords)
}
