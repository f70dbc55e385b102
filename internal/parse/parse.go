// Package parse resolves source-specific response parsers. Site parsers are
// thin, swappable collaborators; a generic JSON listings parser serves as
// the fallback for sources exposing a structured feed.
package parse

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dealradar/dealradar/internal/scrape"
)

// Func adapts a plain function to scrape.Parser.
type Func func(raw []byte) ([]scrape.Item, error)

// Parse calls f.
func (f Func) Parse(raw []byte) ([]scrape.Item, error) {
	return f(raw)
}

// JSON parses a JSON array of listing objects.
type JSON struct{}

// Parse unmarshals raw into items. No structural validation happens here;
// the worker drops malformed entries itself.
func (JSON) Parse(raw []byte) ([]scrape.Item, error) {
	var items []scrape.Item
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("unmarshal listings: %w", err)
	}
	return items, nil
}

// Registry maps source identifiers to their parsers.
type Registry struct {
	mu       sync.RWMutex
	bySource map[string]scrape.Parser
	fallback scrape.Parser
}

// NewRegistry builds a Registry. A nil fallback defaults to the JSON
// parser.
func NewRegistry(fallback scrape.Parser) *Registry {
	if fallback == nil {
		fallback = JSON{}
	}
	return &Registry{
		bySource: make(map[string]scrape.Parser),
		fallback: fallback,
	}
}

// Register installs a parser for source, replacing any previous one.
func (r *Registry) Register(source string, p scrape.Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySource[source] = p
}

// Resolve returns the parser for source, or the fallback.
func (r *Registry) Resolve(source string) scrape.Parser {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p, ok := r.bySource[source]; ok {
		return p
	}
	return r.fallback
}
