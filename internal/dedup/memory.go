package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/dealradar/dealradar/internal/scrape"
)

// Memory is an in-process dedup store with a rolling expiry window.
type Memory struct {
	window time.Duration
	clock  scrape.Clock

	mu     sync.Mutex
	scopes map[string]*scopeSet
}

// scopeSet carries its own mutex so check-then-mark for one scope never
// blocks other scopes.
type scopeSet struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewMemory builds a Memory store suppressing re-sightings for window.
func NewMemory(window time.Duration, clock scrape.Clock) *Memory {
	return &Memory{
		window: window,
		clock:  clock,
		scopes: make(map[string]*scopeSet),
	}
}

// FirstSeen atomically records id under scope, returning true exactly when
// the id was unseen (or its previous sighting had expired).
func (m *Memory) FirstSeen(_ context.Context, scope, id string) (bool, error) {
	now := m.clock.Now()

	m.mu.Lock()
	set, ok := m.scopes[scope]
	if !ok {
		set = &scopeSet{seen: make(map[string]time.Time)}
		m.scopes[scope] = set
	}
	m.mu.Unlock()

	set.mu.Lock()
	defer set.mu.Unlock()

	if at, ok := set.seen[id]; ok && now.Sub(at) < m.window {
		return false, nil
	}
	set.seen[id] = now
	return true, nil
}

// Purge drops expired sightings and returns how many were removed.
func (m *Memory) Purge() int {
	now := m.clock.Now()

	m.mu.Lock()
	sets := make([]*scopeSet, 0, len(m.scopes))
	for _, s := range m.scopes {
		sets = append(sets, s)
	}
	m.mu.Unlock()

	removed := 0
	for _, set := range sets {
		set.mu.Lock()
		for id, at := range set.seen {
			if now.Sub(at) >= m.window {
				delete(set.seen, id)
				removed++
			}
		}
		set.mu.Unlock()
	}
	return removed
}
