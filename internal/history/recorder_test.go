package history

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func TestRecordAndSummary(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(10000, 0).UTC()}
	rec := NewRecorder(10, clk)

	rec.Record("siteA", Entry{Duration: 100 * time.Millisecond, Success: true, ItemsFound: 2})
	rec.Record("siteA", Entry{Duration: 300 * time.Millisecond, Success: false, Error: "boom"})

	s := rec.Summary("siteA", time.Hour)
	require.Equal(t, 2, s.Runs)
	require.InDelta(t, 0.5, s.SuccessRate, 1e-9)
	require.InDelta(t, 1.0, s.AvgItems, 1e-9)
	require.Equal(t, 200*time.Millisecond, s.AvgDuration)
}

func TestSummaryHonorsWindow(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(10000, 0).UTC()}
	rec := NewRecorder(10, clk)

	rec.Record("siteA", Entry{At: clk.now.Add(-2 * time.Hour), Success: true, ItemsFound: 5})
	rec.Record("siteA", Entry{At: clk.now.Add(-10 * time.Minute), Success: true, ItemsFound: 1})

	s := rec.Summary("siteA", time.Hour)
	require.Equal(t, 1, s.Runs)
	require.InDelta(t, 1.0, s.AvgItems, 1e-9)
}

func TestRingEvictsOldestFirst(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(10000, 0).UTC()}
	rec := NewRecorder(3, clk)

	for i := range 5 {
		rec.Record("siteA", Entry{ItemsFound: i, Error: fmt.Sprintf("run-%d", i)})
	}

	entries := rec.Entries("siteA")
	require.Len(t, entries, 3)
	require.Equal(t, "run-2", entries[0].Error)
	require.Equal(t, "run-4", entries[2].Error)
}

func TestCapacityNeverExceeded(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(10000, 0).UTC()}
	rec := NewRecorder(4, clk)

	for range 100 {
		rec.Record("siteA", Entry{Success: true})
	}
	require.Len(t, rec.Entries("siteA"), 4)
}

func TestUnknownSourceIsEmpty(t *testing.T) {
	t.Parallel()

	rec := NewRecorder(4, &fakeClock{now: time.Unix(10000, 0).UTC()})
	require.Empty(t, rec.Entries("nope"))
	require.Equal(t, Summary{}, rec.Summary("nope", time.Hour))
}

func TestSourcesAreIndependent(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(10000, 0).UTC()}
	rec := NewRecorder(4, clk)

	rec.Record("siteA", Entry{Success: true, ItemsFound: 3})
	rec.Record("siteB", Entry{Success: false})

	require.Equal(t, 1, rec.Summary("siteA", time.Hour).Runs)
	require.InDelta(t, 0.0, rec.Summary("siteB", time.Hour).SuccessRate, 1e-9)
}
