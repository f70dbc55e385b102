// Package worker implements the per-(tenant, source) polling loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dealradar/dealradar/internal/archive"
	"github.com/dealradar/dealradar/internal/breaker"
	"github.com/dealradar/dealradar/internal/dedup"
	"github.com/dealradar/dealradar/internal/guard"
	"github.com/dealradar/dealradar/internal/history"
	"github.com/dealradar/dealradar/internal/logging"
	"github.com/dealradar/dealradar/internal/scrape"
	"github.com/dealradar/dealradar/internal/telemetry"
)

const notifyTimeout = 10 * time.Second

// Config controls one worker's behavior.
type Config struct {
	Key         scrape.Key
	BaseURL     string
	MinPoll     time.Duration
	SharedDedup bool

	// RateLimitTolerance is how many consecutive rate-limited runs are
	// absorbed before they start counting toward the circuit breaker.
	RateLimitTolerance int

	// ArchivePrefix prefixes archive paths for unparseable payloads.
	ArchivePrefix string
}

// Deps are the collaborators a worker composes.
type Deps struct {
	Settings scrape.SettingsStore
	Fetcher  scrape.Fetcher
	Parser   scrape.Parser
	Sink     scrape.ListingSink
	Notifier scrape.Notifier
	Seen     scrape.DedupStore
	Breaker  *breaker.Breaker
	Guard    *guard.Guard
	Recorder *history.Recorder
	Archive  scrape.BlobStore
	Clock    scrape.Clock
	Logger   *zap.Logger
}

// Worker runs the polling loop for one (tenant, source) pair. Iterations
// are strictly sequential; stop and circuit-open are the only exits.
type Worker struct {
	cfg  Config
	deps Deps

	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}

	mu              sync.Mutex
	status          scrape.WorkerStatus
	lastRun         scrape.RunSummary
	consecRateLimit int
}

// New constructs a Worker.
func New(cfg Config, deps Deps) *Worker {
	if cfg.MinPoll <= 0 {
		cfg.MinPoll = 30 * time.Second
	}
	if cfg.RateLimitTolerance <= 0 {
		cfg.RateLimitTolerance = 3
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	deps.Logger = logging.ForWorker(deps.Logger, cfg.Key.Tenant, cfg.Key.Source)
	return &Worker{
		cfg:    cfg,
		deps:   deps,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		status: scrape.StatusRunning,
	}
}

// Key returns the worker's identity.
func (w *Worker) Key() scrape.Key {
	return w.cfg.Key
}

// Status returns the current lifecycle state.
func (w *Worker) Status() scrape.WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// LastRun returns the most recent iteration summary.
func (w *Worker) LastRun() scrape.RunSummary {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastRun
}

// Stop signals the worker to exit at its next checkpoint. Safe to call
// multiple times and from any goroutine.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

// Done closes once the loop has fully exited.
func (w *Worker) Done() <-chan struct{} {
	return w.doneCh
}

// Run executes the polling loop until stopped or the circuit opens.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.doneCh)
	telemetry.IncActiveWorkers()
	defer telemetry.DecActiveWorkers()

	for {
		if w.stopped(ctx) {
			w.setStatus(scrape.StatusStopped)
			return
		}

		delay, terminal := w.iteration(ctx)
		if terminal {
			return
		}

		if !w.sleep(ctx, delay) {
			w.setStatus(scrape.StatusStopped)
			return
		}
	}
}

// iteration runs one guarded poll cycle and returns the delay before the
// next one. terminal is true when the worker must exit (circuit open).
func (w *Worker) iteration(ctx context.Context) (delay time.Duration, terminal bool) {
	if !w.deps.Guard.Enter(w.cfg.Key) {
		// Reentry: skip the instrumented body entirely. The guard has
		// already written its own low-level diagnostic.
		return w.cfg.MinPoll, false
	}
	defer w.deps.Guard.Exit(w.cfg.Key)

	start := w.deps.Clock.Now()

	cfg, err := w.deps.Settings.Get(ctx, w.cfg.Key.Tenant)
	if err != nil {
		return w.failRun(start, fmt.Errorf("load settings: %w", err))
	}

	queryURL, err := w.buildQuery(cfg)
	if err != nil {
		return w.failRun(start, fmt.Errorf("build query: %w", err))
	}

	res, err := w.deps.Fetcher.Fetch(ctx, w.cfg.Key, queryURL)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return 0, false
		}
		return w.failRun(start, err)
	}

	items, err := w.deps.Parser.Parse(res.Body)
	if err != nil {
		w.archiveFailure(ctx, start, res.Body)
		return w.failRun(start, fmt.Errorf("parse response: %w", err))
	}

	persisted := w.processItems(ctx, items)

	w.deps.Breaker.RecordSuccess(w.cfg.Key)
	w.recordRun(scrape.RunSummary{
		StartedAt:  start,
		Duration:   w.deps.Clock.Now().Sub(start),
		Success:    true,
		ItemsFound: persisted,
	})
	telemetry.ObserveRun(w.cfg.Key.Source, true, persisted)

	w.mu.Lock()
	w.consecRateLimit = 0
	w.mu.Unlock()

	poll := cfg.PollInterval
	if poll < w.cfg.MinPoll {
		poll = w.cfg.MinPoll
	}
	return poll, false
}

// processItems validates, dedups, persists, and notifies. It returns how
// many items were persisted. Per-item failures are logged and skipped, the
// run itself stays successful.
func (w *Worker) processItems(ctx context.Context, items []scrape.Item) int {
	scope := dedup.Scope(w.cfg.Key.Tenant, w.cfg.Key.Source, w.cfg.SharedDedup)

	persisted := 0
	for _, item := range items {
		if err := item.Validate(); err != nil {
			w.deps.Logger.Warn("dropping malformed item", zap.Error(err))
			continue
		}

		id, err := dedup.Identify(item.Link)
		if err != nil {
			w.deps.Logger.Warn("dropping item with unidentifiable link", zap.String("link", item.Link), zap.Error(err))
			continue
		}

		fresh, err := w.deps.Seen.FirstSeen(ctx, scope, id)
		if err != nil {
			// Fail open: persistence is at-least-once, a dedup outage
			// must not swallow listings.
			w.deps.Logger.Warn("dedup check failed, treating item as new", zap.Error(err))
			fresh = true
		}
		if !fresh {
			continue
		}

		if err := w.deps.Sink.Save(ctx, item, w.cfg.Key.Tenant, w.cfg.Key.Source); err != nil {
			w.deps.Logger.Warn("persist failed, skipping item", zap.String("link", item.Link), zap.Error(err))
			continue
		}
		persisted++

		w.notify(ctx, item)
	}
	return persisted
}

// notify dispatches fire-and-forget. Failures are logged and never abort
// the loop.
func (w *Worker) notify(ctx context.Context, item scrape.Item) {
	if w.deps.Notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()

	n := scrape.Notification{
		ID:     uuid.NewString(),
		Tenant: w.cfg.Key.Tenant,
		Source: w.cfg.Key.Source,
		Item:   item,
		At:     w.deps.Clock.Now(),
	}
	if err := w.deps.Notifier.Notify(nctx, n); err != nil {
		w.deps.Logger.Warn("notification dispatch failed", zap.String("link", item.Link), zap.Error(err))
	}
}

// failRun routes an iteration error through the circuit breaker and
// returns the backoff to sleep. Rate-limited failures are absorbed until
// they recur consecutively beyond the tolerance.
func (w *Worker) failRun(start time.Time, cause error) (time.Duration, bool) {
	key := w.cfg.Key

	var delay time.Duration
	if scrape.IsRateLimited(cause) {
		w.mu.Lock()
		w.consecRateLimit++
		tolerated := w.consecRateLimit < w.cfg.RateLimitTolerance
		w.mu.Unlock()
		if tolerated {
			delay = w.deps.Breaker.Snapshot(key).NextDelay
		} else {
			delay = w.deps.Breaker.RecordError(key)
		}
	} else {
		w.mu.Lock()
		w.consecRateLimit = 0
		w.mu.Unlock()
		delay = w.deps.Breaker.RecordError(key)
	}

	w.recordRun(scrape.RunSummary{
		StartedAt: start,
		Duration:  w.deps.Clock.Now().Sub(start),
		Success:   false,
		Error:     cause.Error(),
	})
	telemetry.ObserveRun(key.Source, false, 0)
	w.deps.Logger.Warn("iteration failed", zap.Error(cause), zap.Duration("backoff", delay))

	if w.deps.Breaker.ShouldOpen(key) {
		w.setStatus(scrape.StatusCircuitOpen)
		telemetry.ObserveCircuitOpen(key.Source)
		w.deps.Logger.Error("circuit opened, worker halting",
			zap.Int("errors_in_window", w.deps.Breaker.Snapshot(key).ErrorCount))
		return 0, true
	}
	return delay, false
}

// archiveFailure stores the raw payload of an unparseable response for
// offline inspection.
func (w *Worker) archiveFailure(ctx context.Context, at time.Time, body []byte) {
	if w.deps.Archive == nil || len(body) == 0 {
		return
	}
	path := archive.PathFor(w.cfg.ArchivePrefix, w.cfg.Key, at)
	uri, err := w.deps.Archive.Put(ctx, path, "application/octet-stream", body)
	if err != nil {
		w.deps.Logger.Warn("archive of failed payload failed", zap.Error(err))
		return
	}
	w.deps.Logger.Info("archived failed payload", zap.String("uri", uri))
}

// buildQuery renders the tenant's search settings onto the source base URL.
func (w *Worker) buildQuery(cfg scrape.TenantSettings) (string, error) {
	u, err := url.Parse(w.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	q := u.Query()
	if len(cfg.Keywords) > 0 {
		q.Set("q", strings.Join(cfg.Keywords, " "))
	}
	if cfg.MinPrice > 0 {
		q.Set("min_price", strconv.FormatFloat(cfg.MinPrice, 'f', -1, 64))
	}
	if cfg.MaxPrice > 0 {
		q.Set("max_price", strconv.FormatFloat(cfg.MaxPrice, 'f', -1, 64))
	}
	if cfg.Location != "" {
		q.Set("location", cfg.Location)
	}
	if cfg.RadiusKm > 0 {
		q.Set("radius_km", strconv.Itoa(cfg.RadiusKm))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (w *Worker) recordRun(summary scrape.RunSummary) {
	w.deps.Recorder.Record(w.cfg.Key.Source, history.Entry{
		At:         summary.StartedAt,
		Duration:   summary.Duration,
		Success:    summary.Success,
		ItemsFound: summary.ItemsFound,
		Error:      summary.Error,
	})

	w.mu.Lock()
	w.lastRun = summary
	w.mu.Unlock()
}

func (w *Worker) setStatus(s scrape.WorkerStatus) {
	w.mu.Lock()
	w.status = s
	w.mu.Unlock()
}

func (w *Worker) stopped(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

// sleep waits for d, waking early on stop. It returns false when the
// worker should exit.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
