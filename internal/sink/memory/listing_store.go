// Package memory provides an in-memory listing sink for development and
// tests.
package memory

import (
	"context"
	"sync"

	"github.com/dealradar/dealradar/internal/scrape"
)

// Saved is one persisted listing with its tenant tag.
type Saved struct {
	Item   scrape.Item
	Tenant string
	Source string
}

// ListingStore collects saved listings in memory.
type ListingStore struct {
	mu    sync.Mutex
	saved []Saved
	err   error
}

// NewListingStore creates an empty ListingStore.
func NewListingStore() *ListingStore {
	return &ListingStore{}
}

// Save appends the item, tagged with its tenant and source.
func (s *ListingStore) Save(_ context.Context, item scrape.Item, tenant, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, Saved{Item: item, Tenant: tenant, Source: source})
	return nil
}

// Saved returns a snapshot of everything persisted so far.
func (s *ListingStore) Saved() []Saved {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Saved(nil), s.saved...)
}

// SavedFor returns the items persisted for one tenant.
func (s *ListingStore) SavedFor(tenant string) []Saved {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Saved
	for _, rec := range s.saved {
		if rec.Tenant == tenant {
			out = append(out, rec)
		}
	}
	return out
}

// FailWith makes every subsequent Save return err. Pass nil to recover.
func (s *ListingStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}
