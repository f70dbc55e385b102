// Package history keeps a bounded, queryable in-memory record of run
// outcomes per source. It is deliberately ephemeral: nothing survives a
// restart.
package history

import (
	"sync"
	"time"

	"github.com/dealradar/dealradar/internal/scrape"
)

// Entry is one recorded run outcome.
type Entry struct {
	At         time.Time     `json:"at"`
	Duration   time.Duration `json:"duration"`
	Success    bool          `json:"success"`
	ItemsFound int           `json:"items_found"`
	Error      string        `json:"error,omitempty"`
}

// Summary aggregates entries over a query window.
type Summary struct {
	Runs        int           `json:"runs"`
	SuccessRate float64       `json:"success_rate"`
	AvgItems    float64       `json:"avg_items"`
	AvgDuration time.Duration `json:"avg_duration"`
}

// Recorder stores a fixed-capacity ring of entries per source, evicting the
// oldest entry once full.
type Recorder struct {
	mu       sync.Mutex
	capacity int
	clock    scrape.Clock
	bySource map[string]*ring
}

type ring struct {
	entries []Entry
	head    int
	count   int
}

// NewRecorder builds a Recorder holding up to capacity entries per source.
func NewRecorder(capacity int, clock scrape.Clock) *Recorder {
	if capacity <= 0 {
		capacity = 100
	}
	return &Recorder{
		capacity: capacity,
		clock:    clock,
		bySource: make(map[string]*ring),
	}
}

// Record appends an entry for source. A zero At is stamped with the current
// time.
func (r *Recorder) Record(source string, e Entry) {
	if e.At.IsZero() {
		e.At = r.clock.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rg, ok := r.bySource[source]
	if !ok {
		rg = &ring{entries: make([]Entry, r.capacity)}
		r.bySource[source] = rg
	}
	rg.entries[(rg.head+rg.count)%len(rg.entries)] = e
	if rg.count < len(rg.entries) {
		rg.count++
	} else {
		rg.head = (rg.head + 1) % len(rg.entries)
	}
}

// Entries returns an oldest-first snapshot of the recorded entries.
func (r *Recorder) Entries(source string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	rg, ok := r.bySource[source]
	if !ok {
		return nil
	}
	out := make([]Entry, 0, rg.count)
	for i := range rg.count {
		out = append(out, rg.entries[(rg.head+i)%len(rg.entries)])
	}
	return out
}

// Summary aggregates the entries for source recorded within the window
// ending now.
func (r *Recorder) Summary(source string, window time.Duration) Summary {
	cutoff := r.clock.Now().Add(-window)

	r.mu.Lock()
	defer r.mu.Unlock()

	rg, ok := r.bySource[source]
	if !ok {
		return Summary{}
	}

	var (
		runs      int
		successes int
		items     int
		total     time.Duration
	)
	for i := range rg.count {
		e := rg.entries[(rg.head+i)%len(rg.entries)]
		if e.At.Before(cutoff) {
			continue
		}
		runs++
		items += e.ItemsFound
		total += e.Duration
		if e.Success {
			successes++
		}
	}
	if runs == 0 {
		return Summary{}
	}
	return Summary{
		Runs:        runs,
		SuccessRate: float64(successes) / float64(runs),
		AvgItems:    float64(items) / float64(runs),
		AvgDuration: total / time.Duration(runs),
	}
}
