// Package registry owns the worker population: it starts, stops, caps, and
// inspects the per-(tenant, source) polling workers.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dealradar/dealradar/internal/breaker"
	"github.com/dealradar/dealradar/internal/guard"
	"github.com/dealradar/dealradar/internal/history"
	"github.com/dealradar/dealradar/internal/scrape"
	"github.com/dealradar/dealradar/internal/telemetry"
	"github.com/dealradar/dealradar/internal/worker"
)

// SessionCleaner releases per-worker and per-tenant fetch state. Satisfied
// by the fetch client.
type SessionCleaner interface {
	ClearSession(key scrape.Key)
	ClearTenant(tenant string) int
}

// ParserResolver picks the parser for a source.
type ParserResolver interface {
	Resolve(source string) scrape.Parser
}

// Limits caps the worker population.
type Limits struct {
	MaxWorkersPerTenant int `json:"max_workers_per_tenant"`
	MaxTenants          int `json:"max_tenants"`
}

// Source describes one configured scrape target.
type Source struct {
	BaseURL string
}

// Config controls the registry and the workers it spawns.
type Config struct {
	Limits             Limits
	Sources            map[string]Source
	MinPoll            time.Duration
	RateLimitTolerance int
	SharedDedup        bool
	ArchivePrefix      string
}

// Deps are the shared collaborators handed to every worker.
type Deps struct {
	Settings scrape.SettingsStore
	Fetcher  scrape.Fetcher
	Parsers  ParserResolver
	Sink     scrape.ListingSink
	Notifier scrape.Notifier
	Seen     scrape.DedupStore
	Breaker  *breaker.Breaker
	Guard    *guard.Guard
	Recorder *history.Recorder
	Archive  scrape.BlobStore
	Sessions SessionCleaner
	Clock    scrape.Clock
	Logger   *zap.Logger
}

// SourceStatus is the per-source view returned by Status.
type SourceStatus struct {
	State      scrape.WorkerStatus `json:"state"`
	LastRun    scrape.RunSummary   `json:"last_run"`
	ErrorCount int                 `json:"error_count"`
	NextDelay  time.Duration       `json:"next_delay"`
}

// SystemStats summarizes the worker population against its limits.
type SystemStats struct {
	ActiveTenants int    `json:"active_tenants"`
	TotalWorkers  int    `json:"total_workers"`
	Limits        Limits `json:"limits"`
}

type handle struct {
	worker *worker.Worker
	cancel context.CancelFunc
}

// Registry tracks all live workers under one mutex.
type Registry struct {
	cfg  Config
	deps Deps

	mu       sync.Mutex
	workers  map[scrape.Key]*handle
	lastLive map[string]struct{}
}

// New builds an empty Registry.
func New(cfg Config, deps Deps) *Registry {
	if cfg.Limits.MaxWorkersPerTenant <= 0 {
		cfg.Limits.MaxWorkersPerTenant = 6
	}
	if cfg.Limits.MaxTenants <= 0 {
		cfg.Limits.MaxTenants = 100
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Registry{
		cfg:     cfg,
		deps:    deps,
		workers: make(map[scrape.Key]*handle),
	}
}

// Start launches a worker for key. Starting an already-running key is a
// no-op. Starting a key whose circuit opened resets the breaker and spawns
// a fresh worker. Returns scrape.ErrResourceExceeded when a cap would be
// passed, scrape.ErrUnknownSource for unconfigured sources.
func (r *Registry) Start(ctx context.Context, key scrape.Key) error {
	src, ok := r.cfg.Sources[key.Source]
	if !ok {
		return fmt.Errorf("start %s: %w", key, scrape.ErrUnknownSource)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, restarting := r.workers[key]
	if restarting {
		if prev.worker.Status() == scrape.StatusRunning {
			return nil
		}
		// The dead entry must not count against its own replacement.
		delete(r.workers, key)
	}

	if err := r.checkCaps(key); err != nil {
		if restarting {
			r.workers[key] = prev
		}
		telemetry.ObserveStartRejected()
		return err
	}

	if restarting {
		if prev.worker.Status() == scrape.StatusCircuitOpen {
			// Explicit restart clears the circuit.
			r.deps.Breaker.Reset(key)
		}
		r.release(prev)
	}

	w := worker.New(
		worker.Config{
			Key:                key,
			BaseURL:            src.BaseURL,
			MinPoll:            r.cfg.MinPoll,
			SharedDedup:        r.cfg.SharedDedup,
			RateLimitTolerance: r.cfg.RateLimitTolerance,
			ArchivePrefix:      r.cfg.ArchivePrefix,
		},
		worker.Deps{
			Settings: r.deps.Settings,
			Fetcher:  r.deps.Fetcher,
			Parser:   r.deps.Parsers.Resolve(key.Source),
			Sink:     r.deps.Sink,
			Notifier: r.deps.Notifier,
			Seen:     r.deps.Seen,
			Breaker:  r.deps.Breaker,
			Guard:    r.deps.Guard,
			Recorder: r.deps.Recorder,
			Archive:  r.deps.Archive,
			Clock:    r.deps.Clock,
			Logger:   r.deps.Logger,
		},
	)

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.workers[key] = &handle{worker: w, cancel: cancel}
	go w.Run(wctx)

	r.deps.Logger.Info("worker started",
		zap.String("tenant", key.Tenant),
		zap.String("source", key.Source))
	return nil
}

// Stop halts the worker for key without touching any other worker.
func (r *Registry) Stop(key scrape.Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.workers[key]
	if !ok {
		return fmt.Errorf("stop %s: %w", key, scrape.ErrNotRunning)
	}
	r.release(h)
	delete(r.workers, key)
	if r.deps.Sessions != nil {
		r.deps.Sessions.ClearSession(key)
	}

	r.deps.Logger.Info("worker stopped",
		zap.String("tenant", key.Tenant),
		zap.String("source", key.Source))
	return nil
}

// Status reports the state of every worker belonging to tenant, keyed by
// source.
func (r *Registry) Status(tenant string) map[string]SourceStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]SourceStatus)
	for key, h := range r.workers {
		if key.Tenant != tenant {
			continue
		}
		snap := r.deps.Breaker.Snapshot(key)
		out[key.Source] = SourceStatus{
			State:      h.worker.Status(),
			LastRun:    h.worker.LastRun(),
			ErrorCount: snap.ErrorCount,
			NextDelay:  snap.NextDelay,
		}
	}
	return out
}

// Stats summarizes the population.
func (r *Registry) Stats() SystemStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	tenants := make(map[string]struct{})
	for key := range r.workers {
		tenants[key.Tenant] = struct{}{}
	}
	return SystemStats{
		ActiveTenants: len(tenants),
		TotalWorkers:  len(r.workers),
		Limits:        r.cfg.Limits,
	}
}

// Cleanup drops registry entries whose workers have stopped on their own
// and releases fetch sessions of tenants left with no workers at all.
// Circuit-open workers are kept visible until an explicit restart or stop.
func (r *Registry) Cleanup() int {
	r.mu.Lock()

	removed := 0
	for key, h := range r.workers {
		if h.worker.Status() != scrape.StatusStopped {
			continue
		}
		select {
		case <-h.worker.Done():
			h.cancel()
			delete(r.workers, key)
			removed++
		default:
		}
	}

	live := make(map[string]struct{})
	for key := range r.workers {
		live[key.Tenant] = struct{}{}
	}
	idle := r.idleTenants(live)
	r.mu.Unlock()

	if r.deps.Sessions != nil {
		// Tenants that just lost their last worker also lose their
		// fetch sessions.
		for _, tenant := range idle {
			if n := r.deps.Sessions.ClearTenant(tenant); n > 0 {
				r.deps.Logger.Info("cleared idle tenant sessions",
					zap.String("tenant", tenant), zap.Int("sessions", n))
			}
		}
	}

	if removed > 0 {
		r.deps.Logger.Info("cleanup released workers", zap.Int("removed", removed))
	}
	return removed
}

// RunCleanup runs Cleanup on the given interval until ctx is done.
func (r *Registry) RunCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Cleanup()
		}
	}
}

// Shutdown stops every worker and waits for all loops to exit or ctx to
// expire.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	handles := make([]*handle, 0, len(r.workers))
	for key, h := range r.workers {
		r.release(h)
		handles = append(handles, h)
		delete(r.workers, key)
	}
	r.mu.Unlock()

	for _, h := range handles {
		select {
		case <-h.worker.Done():
		case <-ctx.Done():
			return fmt.Errorf("shutdown: %w", ctx.Err())
		}
	}
	return nil
}

// release signals a worker to exit. Caller holds the mutex; the map entry
// is the caller's to delete or replace.
func (r *Registry) release(h *handle) {
	h.worker.Stop()
	h.cancel()
}

// checkCaps rejects starts past the per-tenant worker cap or the
// system-wide tenant cap. Caller holds the mutex.
func (r *Registry) checkCaps(key scrape.Key) error {
	perTenant := 0
	tenants := make(map[string]struct{})
	for k := range r.workers {
		tenants[k.Tenant] = struct{}{}
		if k.Tenant == key.Tenant {
			perTenant++
		}
	}

	if perTenant >= r.cfg.Limits.MaxWorkersPerTenant {
		return fmt.Errorf("start %s: tenant at %d workers: %w",
			key, perTenant, scrape.ErrResourceExceeded)
	}
	if _, known := tenants[key.Tenant]; !known && len(tenants) >= r.cfg.Limits.MaxTenants {
		return fmt.Errorf("start %s: system at %d tenants: %w",
			key, len(tenants), scrape.ErrResourceExceeded)
	}
	return nil
}

// idleTenants diffs the live tenant set against the previous cleanup pass
// and returns the tenants that lost their last worker since then. Caller
// holds the mutex. The fetch client treats unknown tenants as a no-op, so
// over-asking is harmless.
func (r *Registry) idleTenants(live map[string]struct{}) []string {
	var gone []string
	for tenant := range r.lastLive {
		if _, ok := live[tenant]; !ok {
			gone = append(gone, tenant)
		}
	}
	r.lastLive = live
	return gone
}
