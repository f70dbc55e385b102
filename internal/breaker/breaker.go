// Package breaker halts repeatedly failing workers instead of letting them
// retry forever. Error accounting, backoff, and open/reset transitions are
// tracked per (tenant, source) key.
package breaker

import (
	"sync"
	"time"

	"github.com/dealradar/dealradar/internal/scrape"
)

// Config bounds the breaker's error window and backoff delays.
type Config struct {
	Threshold int
	Window    time.Duration
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Snapshot is a read-only view of one key's circuit state.
type Snapshot struct {
	ErrorCount  int
	WindowStart time.Time
	Open        bool
	NextDelay   time.Duration
}

// Breaker tracks error counts in a sliding window per worker key.
type Breaker struct {
	cfg   Config
	clock scrape.Clock

	mu     sync.Mutex
	states map[scrape.Key]*state
}

type state struct {
	errCount    int
	windowStart time.Time
}

// New builds a Breaker. Zero config fields get conservative defaults.
func New(cfg Config, clock scrape.Clock) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 10
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Minute
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = time.Hour
	}
	return &Breaker{
		cfg:    cfg,
		clock:  clock,
		states: make(map[scrape.Key]*state),
	}
}

// RecordError counts one failure for key and returns the backoff delay to
// sleep before the next attempt: min(base * 2^count, max). Within one window
// the returned delay never decreases.
func (b *Breaker) RecordError(key scrape.Key) time.Duration {
	now := b.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.state(key, now)
	if now.Sub(st.windowStart) >= b.cfg.Window {
		st.errCount = 0
		st.windowStart = now
	}
	st.errCount++
	return b.delay(st.errCount)
}

// RecordSuccess decays the error count by one (floor zero) so isolated
// failures do not accumulate toward opening.
func (b *Breaker) RecordSuccess(key scrape.Key) {
	now := b.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.state(key, now)
	if now.Sub(st.windowStart) >= b.cfg.Window {
		st.errCount = 0
		st.windowStart = now
		return
	}
	if st.errCount > 0 {
		st.errCount--
	}
}

// ShouldOpen reports whether key has accumulated enough errors in the
// current window to open the circuit.
func (b *Breaker) ShouldOpen(key scrape.Key) bool {
	now := b.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.states[key]
	if !ok {
		return false
	}
	if now.Sub(st.windowStart) >= b.cfg.Window {
		return false
	}
	return st.errCount >= b.cfg.Threshold
}

// Reset clears all circuit state for key. Called on explicit restart; an
// open circuit never resets on its own.
func (b *Breaker) Reset(key scrape.Key) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.states, key)
}

// Snapshot returns the current circuit state for key.
func (b *Breaker) Snapshot(key scrape.Key) Snapshot {
	now := b.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.states[key]
	if !ok || now.Sub(st.windowStart) >= b.cfg.Window {
		return Snapshot{NextDelay: b.cfg.BaseDelay}
	}
	return Snapshot{
		ErrorCount:  st.errCount,
		WindowStart: st.windowStart,
		Open:        st.errCount >= b.cfg.Threshold,
		NextDelay:   b.delay(st.errCount),
	}
}

func (b *Breaker) state(key scrape.Key, now time.Time) *state {
	st, ok := b.states[key]
	if !ok {
		st = &state{windowStart: now}
		b.states[key] = st
	}
	return st
}

func (b *Breaker) delay(count int) time.Duration {
	d := b.cfg.BaseDelay
	for i := 0; i < count && d < b.cfg.MaxDelay; i++ {
		d *= 2
	}
	if d > b.cfg.MaxDelay {
		d = b.cfg.MaxDelay
	}
	return d
}
