package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dealradar/dealradar/internal/archive"
	"github.com/dealradar/dealradar/internal/breaker"
	"github.com/dealradar/dealradar/internal/clock/system"
	"github.com/dealradar/dealradar/internal/dedup"
	"github.com/dealradar/dealradar/internal/guard"
	"github.com/dealradar/dealradar/internal/history"
	notifymem "github.com/dealradar/dealradar/internal/notify/memory"
	"github.com/dealradar/dealradar/internal/parse"
	"github.com/dealradar/dealradar/internal/scrape"
	"github.com/dealradar/dealradar/internal/settings"
	sinkmem "github.com/dealradar/dealradar/internal/sink/memory"
	"github.com/dealradar/dealradar/internal/telemetry"
)

func TestMain(m *testing.M) {
	telemetry.Init()
	os.Exit(m.Run())
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls []string
	fn    func(call int, url string) (scrape.FetchResult, error)
}

func (f *fakeFetcher) Fetch(_ context.Context, _ scrape.Key, url string) (scrape.FetchResult, error) {
	f.mu.Lock()
	n := len(f.calls)
	f.calls = append(f.calls, url)
	f.mu.Unlock()
	return f.fn(n, url)
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeFetcher) urls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func itemsBody(t *testing.T, items []scrape.Item) []byte {
	t.Helper()
	raw, err := json.Marshal(items)
	require.NoError(t, err)
	return raw
}

type harness struct {
	worker   *Worker
	fetcher  *fakeFetcher
	sink     *sinkmem.ListingStore
	notifier *notifymem.Notifier
	recorder *history.Recorder
	breaker  *breaker.Breaker
	guard    *guard.Guard
	settings *settings.Store
	archive  *archive.Memory
}

func newHarness(t *testing.T, key scrape.Key, fetchFn func(int, string) (scrape.FetchResult, error), brkCfg breaker.Config) *harness {
	t.Helper()

	clk := system.New()
	if brkCfg.Window == 0 {
		brkCfg = breaker.Config{
			Threshold: 100,
			Window:    time.Hour,
			BaseDelay: time.Millisecond,
			MaxDelay:  2 * time.Millisecond,
		}
	}

	h := &harness{
		fetcher:  &fakeFetcher{fn: fetchFn},
		sink:     sinkmem.NewListingStore(),
		notifier: notifymem.New(),
		recorder: history.NewRecorder(100, clk),
		breaker:  breaker.New(brkCfg, clk),
		guard:    guard.New(io.Discard),
		settings: settings.NewStore(scrape.TenantSettings{PollInterval: 2 * time.Millisecond}),
		archive:  archive.NewMemory(),
	}
	h.worker = New(
		Config{
			Key:     key,
			BaseURL: "https://deals.example/search",
			MinPoll: time.Millisecond,
		},
		Deps{
			Settings: h.settings,
			Fetcher:  h.fetcher,
			Parser:   parse.JSON{},
			Sink:     h.sink,
			Notifier: h.notifier,
			Seen:     dedup.NewMemory(time.Hour, clk),
			Breaker:  h.breaker,
			Guard:    h.guard,
			Recorder: h.recorder,
			Archive:  h.archive,
			Clock:    clk,
			Logger:   zap.NewNop(),
		},
	)
	return h
}

func stopAndWait(t *testing.T, w *Worker) {
	t.Helper()
	w.Stop()
	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit after Stop")
	}
}

func TestWorkerPersistsAndNotifiesNewItems(t *testing.T) {
	t.Parallel()

	key := scrape.Key{Tenant: "acme", Source: "listings"}
	body := itemsBody(t, []scrape.Item{
		{Title: "Road bike", Price: 120, Link: "https://deals.example/items/1"},
		{Title: "Couch", Price: 40, Link: "https://deals.example/items/2"},
	})
	h := newHarness(t, key, func(int, string) (scrape.FetchResult, error) {
		return scrape.FetchResult{StatusCode: 200, Body: body}, nil
	}, breaker.Config{})

	go h.worker.Run(context.Background())

	require.Eventually(t, func() bool {
		return h.fetcher.count() >= 3
	}, 5*time.Second, time.Millisecond)
	stopAndWait(t, h.worker)

	// Both items landed exactly once despite multiple iterations.
	saved := h.sink.Saved()
	require.Len(t, saved, 2)
	for _, rec := range saved {
		require.Equal(t, "acme", rec.Tenant)
		require.Equal(t, "listings", rec.Source)
	}

	sent := h.notifier.Sent()
	require.Len(t, sent, 2)
	require.NotEmpty(t, sent[0].ID)
	require.Equal(t, "acme", sent[0].Tenant)

	entries := h.recorder.Entries("listings")
	require.NotEmpty(t, entries)
	require.True(t, entries[0].Success)
	require.Equal(t, 2, entries[0].ItemsFound)

	last := h.worker.LastRun()
	require.True(t, last.Success)
	require.Equal(t, scrape.StatusStopped, h.worker.Status())
}

func TestWorkerUsesTenantSettingsInQuery(t *testing.T) {
	t.Parallel()

	key := scrape.Key{Tenant: "acme", Source: "listings"}
	h := newHarness(t, key, func(int, string) (scrape.FetchResult, error) {
		return scrape.FetchResult{StatusCode: 200, Body: []byte("[]")}, nil
	}, breaker.Config{})
	h.settings.Put("acme", scrape.TenantSettings{
		Keywords: []string{"vintage", "bike"},
		MinPrice: 50,
		MaxPrice: 300,
		Location: "berlin",
		RadiusKm: 25,
	})
	// Another tenant's settings must not leak into this worker's queries.
	h.settings.Put("globex", scrape.TenantSettings{Keywords: []string{"boat"}})

	go h.worker.Run(context.Background())
	require.Eventually(t, func() bool {
		return h.fetcher.count() >= 1
	}, 5*time.Second, time.Millisecond)
	stopAndWait(t, h.worker)

	url := h.fetcher.urls()[0]
	require.Contains(t, url, "q=vintage+bike")
	require.Contains(t, url, "min_price=50")
	require.Contains(t, url, "max_price=300")
	require.Contains(t, url, "location=berlin")
	require.Contains(t, url, "radius_km=25")
	require.NotContains(t, url, "boat")
}

func TestWorkerDropsInvalidItems(t *testing.T) {
	t.Parallel()

	key := scrape.Key{Tenant: "acme", Source: "listings"}
	body := itemsBody(t, []scrape.Item{
		{Title: "", Price: 10, Link: "https://deals.example/items/1"},
		{Title: "Negative", Price: -5, Link: "https://deals.example/items/2"},
		{Title: "Relative link", Price: 5, Link: "/items/3"},
		{Title: "Good", Price: 15, Link: "https://deals.example/items/4"},
	})
	h := newHarness(t, key, func(int, string) (scrape.FetchResult, error) {
		return scrape.FetchResult{StatusCode: 200, Body: body}, nil
	}, breaker.Config{})

	go h.worker.Run(context.Background())
	require.Eventually(t, func() bool {
		return len(h.sink.Saved()) >= 1
	}, 5*time.Second, time.Millisecond)
	stopAndWait(t, h.worker)

	saved := h.sink.Saved()
	require.Len(t, saved, 1)
	require.Equal(t, "Good", saved[0].Item.Title)
}

func TestWorkerSinkFailureDoesNotFailRun(t *testing.T) {
	t.Parallel()

	key := scrape.Key{Tenant: "acme", Source: "listings"}
	body := itemsBody(t, []scrape.Item{
		{Title: "Road bike", Price: 120, Link: "https://deals.example/items/1"},
	})
	h := newHarness(t, key, func(int, string) (scrape.FetchResult, error) {
		return scrape.FetchResult{StatusCode: 200, Body: body}, nil
	}, breaker.Config{})
	h.sink.FailWith(errors.New("db down"))

	go h.worker.Run(context.Background())
	require.Eventually(t, func() bool {
		return len(h.recorder.Entries("listings")) >= 1
	}, 5*time.Second, time.Millisecond)
	stopAndWait(t, h.worker)

	entries := h.recorder.Entries("listings")
	require.True(t, entries[0].Success)
	require.Equal(t, 0, entries[0].ItemsFound)
	require.Empty(t, h.notifier.Sent())
	require.Zero(t, h.breaker.Snapshot(key).ErrorCount)
}

func TestWorkerOpensCircuitAfterRepeatedFailures(t *testing.T) {
	t.Parallel()

	key := scrape.Key{Tenant: "acme", Source: "flaky"}
	h := newHarness(t, key, func(int, string) (scrape.FetchResult, error) {
		return scrape.FetchResult{}, &scrape.FetchError{
			Kind:       scrape.FailureTransient,
			StatusCode: 502,
			Attempts:   3,
			Err:        errors.New("bad gateway"),
		}
	}, breaker.Config{
		Threshold: 3,
		Window:    time.Hour,
		BaseDelay: time.Millisecond,
		MaxDelay:  2 * time.Millisecond,
	})

	go h.worker.Run(context.Background())

	// The loop halts on its own: Done closes without Stop being called.
	select {
	case <-h.worker.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("circuit never opened")
	}

	require.Equal(t, scrape.StatusCircuitOpen, h.worker.Status())
	require.Equal(t, 3, h.fetcher.count())
	require.True(t, h.breaker.ShouldOpen(key))

	// No further fetches happen once halted.
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 3, h.fetcher.count())

	entries := h.recorder.Entries("flaky")
	require.Len(t, entries, 3)
	for _, e := range entries {
		require.False(t, e.Success)
		require.Contains(t, e.Error, "bad gateway")
	}
}

func TestWorkerToleratesIsolatedRateLimits(t *testing.T) {
	t.Parallel()

	key := scrape.Key{Tenant: "acme", Source: "throttled"}
	rateLimited := &scrape.FetchError{
		Kind:       scrape.FailureRateLimited,
		StatusCode: 429,
		Attempts:   3,
	}
	h := newHarness(t, key, func(call int, _ string) (scrape.FetchResult, error) {
		if call < 2 {
			return scrape.FetchResult{}, rateLimited
		}
		return scrape.FetchResult{StatusCode: 200, Body: []byte("[]")}, nil
	}, breaker.Config{})

	go h.worker.Run(context.Background())
	require.Eventually(t, func() bool {
		return h.fetcher.count() >= 3
	}, 5*time.Second, time.Millisecond)
	stopAndWait(t, h.worker)

	// Two isolated rate-limited runs stay off the breaker's books.
	require.Zero(t, h.breaker.Snapshot(key).ErrorCount)

	entries := h.recorder.Entries("throttled")
	require.GreaterOrEqual(t, len(entries), 3)
	require.False(t, entries[0].Success)
	require.False(t, entries[1].Success)
	require.True(t, entries[2].Success)
}

func TestWorkerCountsSustainedRateLimits(t *testing.T) {
	t.Parallel()

	key := scrape.Key{Tenant: "acme", Source: "blocked"}
	h := newHarness(t, key, func(int, string) (scrape.FetchResult, error) {
		return scrape.FetchResult{}, &scrape.FetchError{
			Kind:       scrape.FailureRateLimited,
			StatusCode: 403,
			Attempts:   3,
		}
	}, breaker.Config{})

	go h.worker.Run(context.Background())
	require.Eventually(t, func() bool {
		return h.fetcher.count() >= 5
	}, 5*time.Second, time.Millisecond)
	stopAndWait(t, h.worker)

	// The first two consecutive occurrences are absorbed, everything past
	// the tolerance counts.
	require.GreaterOrEqual(t, h.breaker.Snapshot(key).ErrorCount, 1)
}

func TestWorkerArchivesUnparseablePayload(t *testing.T) {
	t.Parallel()

	key := scrape.Key{Tenant: "acme", Source: "listings"}
	h := newHarness(t, key, func(int, string) (scrape.FetchResult, error) {
		return scrape.FetchResult{StatusCode: 200, Body: []byte("<html>blocked</html>")}, nil
	}, breaker.Config{})

	go h.worker.Run(context.Background())
	require.Eventually(t, func() bool {
		return len(h.recorder.Entries("listings")) >= 1
	}, 5*time.Second, time.Millisecond)
	stopAndWait(t, h.worker)

	entries := h.recorder.Entries("listings")
	require.False(t, entries[0].Success)
	require.Contains(t, entries[0].Error, "parse response")

	var archived bool
	for _, path := range h.archive.Paths() {
		if strings.Contains(path, "acme/listings/") {
			archived = true
		}
	}
	require.True(t, archived, "raw payload was not archived")
}

func TestWorkerSkipsIterationWhileGuardHeld(t *testing.T) {
	t.Parallel()

	key := scrape.Key{Tenant: "acme", Source: "listings"}
	h := newHarness(t, key, func(int, string) (scrape.FetchResult, error) {
		return scrape.FetchResult{StatusCode: 200, Body: []byte("[]")}, nil
	}, breaker.Config{})

	require.True(t, h.guard.Enter(key))

	go h.worker.Run(context.Background())
	time.Sleep(20 * time.Millisecond)
	require.Zero(t, h.fetcher.count())
	require.GreaterOrEqual(t, h.guard.Blocked(), int64(1))

	h.guard.Exit(key)
	require.Eventually(t, func() bool {
		return h.fetcher.count() >= 1
	}, 5*time.Second, time.Millisecond)
	stopAndWait(t, h.worker)
}

func TestWorkerStopInterruptsLongSleep(t *testing.T) {
	t.Parallel()

	key := scrape.Key{Tenant: "acme", Source: "listings"}
	h := newHarness(t, key, func(int, string) (scrape.FetchResult, error) {
		return scrape.FetchResult{StatusCode: 200, Body: []byte("[]")}, nil
	}, breaker.Config{})
	h.settings.Put("acme", scrape.TenantSettings{PollInterval: time.Hour})

	go h.worker.Run(context.Background())
	require.Eventually(t, func() bool {
		return h.fetcher.count() >= 1
	}, 5*time.Second, time.Millisecond)

	start := time.Now()
	stopAndWait(t, h.worker)
	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, scrape.StatusStopped, h.worker.Status())
}

func TestWorkerContextCancelStopsLoop(t *testing.T) {
	t.Parallel()

	key := scrape.Key{Tenant: "acme", Source: "listings"}
	h := newHarness(t, key, func(int, string) (scrape.FetchResult, error) {
		return scrape.FetchResult{StatusCode: 200, Body: []byte("[]")}, nil
	}, breaker.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	go h.worker.Run(ctx)
	require.Eventually(t, func() bool {
		return h.fetcher.count() >= 1
	}, 5*time.Second, time.Millisecond)

	cancel()
	select {
	case <-h.worker.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit on context cancel")
	}
	require.Equal(t, scrape.StatusStopped, h.worker.Status())
}
