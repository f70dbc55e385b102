// Package settings resolves per-tenant search configuration. Workers read
// it once per iteration; a tenant without explicit settings always receives
// the defaults, never another tenant's values.
package settings

import (
	"context"
	"sync"
	"time"

	"github.com/dealradar/dealradar/internal/scrape"
)

// Store is an in-memory settings store with explicit per-tenant entries.
type Store struct {
	mu       sync.RWMutex
	byTenant map[string]scrape.TenantSettings
	defaults scrape.TenantSettings
}

// NewStore builds a Store with the given defaults. A zero poll interval in
// defaults is replaced with five minutes.
func NewStore(defaults scrape.TenantSettings) *Store {
	if defaults.PollInterval <= 0 {
		defaults.PollInterval = 5 * time.Minute
	}
	return &Store{
		byTenant: make(map[string]scrape.TenantSettings),
		defaults: defaults,
	}
}

// Get returns the settings for tenant, falling back to defaults for tenants
// without an explicit entry.
func (s *Store) Get(_ context.Context, tenant string) (scrape.TenantSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if cfg, ok := s.byTenant[tenant]; ok {
		return cloneSettings(cfg), nil
	}
	return cloneSettings(s.defaults), nil
}

// Put stores explicit settings for tenant. Missing poll intervals inherit
// the default.
func (s *Store) Put(tenant string, cfg scrape.TenantSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = s.defaults.PollInterval
	}
	s.byTenant[tenant] = cloneSettings(cfg)
}

// Delete removes the explicit entry for tenant, reverting it to defaults.
func (s *Store) Delete(tenant string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byTenant, tenant)
}

// cloneSettings copies the keyword slice so callers cannot mutate stored
// state through the returned value.
func cloneSettings(cfg scrape.TenantSettings) scrape.TenantSettings {
	out := cfg
	out.Keywords = append([]string(nil), cfg.Keywords...)
	return out
}
