// Package guard implements a per-worker reentrancy lock. It protects the
// instrumented iteration body against a bug class where the error-reporting
// path re-invokes the very code it is reporting on.
package guard

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/dealradar/dealradar/internal/scrape"
)

// Guard tracks which worker keys currently hold the iteration lock.
type Guard struct {
	mu      sync.Mutex
	active  map[scrape.Key]struct{}
	blocked atomic.Int64

	// diag is a raw side channel for block diagnostics. It must never be
	// the structured logger: the logging hook path is exactly what the
	// guard exists to keep out of the iteration body.
	diag io.Writer
}

// New creates a Guard. A nil diag writer defaults to stderr.
func New(diag io.Writer) *Guard {
	if diag == nil {
		diag = os.Stderr
	}
	return &Guard{
		active: make(map[scrape.Key]struct{}),
		diag:   diag,
	}
}

// Enter claims the iteration lock for key. It returns false if the key is
// already inside a guarded body; the caller must then skip the body entirely.
func (g *Guard) Enter(key scrape.Key) bool {
	g.mu.Lock()
	_, held := g.active[key]
	if !held {
		g.active[key] = struct{}{}
	}
	g.mu.Unlock()

	if held {
		g.blocked.Add(1)
		fmt.Fprintf(g.diag, "guard: reentry blocked for %s\n", key)
		return false
	}
	return true
}

// Exit releases the iteration lock. Safe to call even if the key is not
// held, so callers can defer it unconditionally.
func (g *Guard) Exit(key scrape.Key) {
	g.mu.Lock()
	delete(g.active, key)
	g.mu.Unlock()
}

// Blocked returns the number of reentries blocked since creation.
func (g *Guard) Blocked() int64 {
	return g.blocked.Load()
}
