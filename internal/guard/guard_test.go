package guard

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dealradar/dealradar/internal/scrape"
)

func TestEnterExitCycle(t *testing.T) {
	t.Parallel()

	g := New(&bytes.Buffer{})
	key := scrape.Key{Tenant: "alice", Source: "siteA"}

	require.True(t, g.Enter(key))
	g.Exit(key)
	require.True(t, g.Enter(key))
	g.Exit(key)
	require.Zero(t, g.Blocked())
}

func TestReentryBlockedWithDiagnostic(t *testing.T) {
	t.Parallel()

	var diag bytes.Buffer
	g := New(&diag)
	key := scrape.Key{Tenant: "alice", Source: "siteA"}

	require.True(t, g.Enter(key))
	require.False(t, g.Enter(key))
	require.EqualValues(t, 1, g.Blocked())
	require.Contains(t, diag.String(), "alice/siteA")

	g.Exit(key)
	require.True(t, g.Enter(key))
}

func TestKeysAreIndependent(t *testing.T) {
	t.Parallel()

	g := New(&bytes.Buffer{})
	alice := scrape.Key{Tenant: "alice", Source: "siteA"}
	bob := scrape.Key{Tenant: "bob", Source: "siteA"}

	require.True(t, g.Enter(alice))
	require.True(t, g.Enter(bob))
	g.Exit(alice)
	require.False(t, g.Enter(bob))
}

func TestExitWithoutEnterIsSafe(t *testing.T) {
	t.Parallel()

	g := New(&bytes.Buffer{})
	g.Exit(scrape.Key{Tenant: "ghost", Source: "siteA"})
	require.True(t, g.Enter(scrape.Key{Tenant: "ghost", Source: "siteA"}))
}

func TestConcurrentEntersAdmitExactlyOne(t *testing.T) {
	t.Parallel()

	g := New(&bytes.Buffer{})
	key := scrape.Key{Tenant: "alice", Source: "siteA"}

	const goroutines = 16
	var wg sync.WaitGroup
	admitted := make(chan struct{}, goroutines)
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Enter(key) {
				admitted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	require.Len(t, admitted, 1)
	require.EqualValues(t, goroutines-1, g.Blocked())
}
