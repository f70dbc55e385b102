// Package fetch centralizes HTTP access for all workers: persistent
// per-worker sessions, retry with backoff, and upstream rate-limit
// detection. Every source-specific retry loop in the system goes through
// this one client.
package fetch

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dealradar/dealradar/internal/scrape"
	"github.com/dealradar/dealradar/internal/telemetry"
)

// Config controls client behavior.
type Config struct {
	Timeout            time.Duration
	MaxAttempts        int
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
	RetryAfterFallback time.Duration
	RateLimitRPS       float64
	RateLimitBurst     int
	SourceRPS          map[string]float64
	SourceBurst        map[string]int
}

// Client implements scrape.Fetcher with lazily created sessions keyed per
// (tenant, source).
type Client struct {
	cfg     Config
	clock   scrape.Clock
	logger  *zap.Logger
	limiter *limiter

	mu       sync.Mutex
	sessions map[scrape.Key]*session
}

// NewClient builds a Client. Zero config fields get sane defaults.
func NewClient(cfg Config, clock scrape.Clock, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 250 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Second
	}
	if cfg.RetryAfterFallback <= 0 {
		cfg.RetryAfterFallback = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:      cfg,
		clock:    clock,
		logger:   logger,
		limiter:  newLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, cfg.SourceRPS, cfg.SourceBurst),
		sessions: make(map[scrape.Key]*session),
	}
}

// getSession returns the persistent session for key, creating it if absent.
func (c *Client) getSession(key scrape.Key) *session {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[key]
	if !ok {
		s = newSession(c.cfg.Timeout)
		c.sessions[key] = s
	}
	return s
}

// ClearSession discards any session state held for key.
func (c *Client) ClearSession(key scrape.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, key)
}

// ClearTenant discards all sessions belonging to tenant. Used by registry
// cleanup once a tenant has no active workers.
func (c *Client) ClearTenant(tenant string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cleared := 0
	for key := range c.sessions {
		if key.Tenant == tenant {
			delete(c.sessions, key)
			cleared++
		}
	}
	return cleared
}

// Fetch performs a GET with retries. Rate-limited responses (429/403) sleep
// the indicated or derived duration before retrying; transient failures
// (timeouts, 5xx, network errors) back off exponentially with jitter; other
// client errors fail immediately. Once attempts are exhausted the typed
// *scrape.FetchError is returned so callers can route it without crashing.
func (c *Client) Fetch(ctx context.Context, key scrape.Key, url string) (scrape.FetchResult, error) {
	start := time.Now()
	sess := c.getSession(key)

	var lastErr *scrape.FetchError
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := c.limiter.wait(ctx, key.Source); err != nil {
			return scrape.FetchResult{}, err
		}

		snap, err := sess.visit(ctx, url)
		if err != nil {
			// Only context cancellation surfaces here.
			return scrape.FetchResult{}, err
		}

		switch {
		case snap.err == nil && snap.status < http.StatusBadRequest:
			duration := time.Since(start)
			telemetry.ObserveFetch(key.Source, duration)
			return scrape.FetchResult{
				URL:        url,
				StatusCode: snap.status,
				Body:       snap.body,
				Duration:   duration,
				Attempts:   attempt,
			}, nil

		case snap.status == http.StatusTooManyRequests || snap.status == http.StatusForbidden:
			wait := retryAfter(headerOrEmpty(snap), c.clock.Now(), c.cfg.RetryAfterFallback)
			lastErr = &scrape.FetchError{
				Kind:       scrape.FailureRateLimited,
				StatusCode: snap.status,
				Attempts:   attempt,
				Err:        fmt.Errorf("upstream rate limited (status %d)", snap.status),
			}
			if attempt == c.cfg.MaxAttempts {
				continue
			}
			c.logger.Warn("rate limited, honoring retry hint",
				zap.String("key", key.String()),
				zap.Int("status", snap.status),
				zap.Duration("wait", wait),
				zap.Int("attempt", attempt),
			)
			telemetry.ObserveRateLimitDelay(key.Source, wait)
			if err := sleepCtx(ctx, wait); err != nil {
				return scrape.FetchResult{}, err
			}

		case snap.err != nil || snap.status >= http.StatusInternalServerError:
			lastErr = &scrape.FetchError{
				Kind:       scrape.FailureTransient,
				StatusCode: snap.status,
				Attempts:   attempt,
				Err:        transientCause(snap),
			}
			if attempt == c.cfg.MaxAttempts {
				continue
			}
			wait := backoff(attempt, c.cfg.BackoffInitial, c.cfg.BackoffMax)
			c.logger.Warn("transient fetch failure, backing off",
				zap.String("key", key.String()),
				zap.Int("status", snap.status),
				zap.Error(snap.err),
				zap.Duration("wait", wait),
				zap.Int("attempt", attempt),
			)
			if err := sleepCtx(ctx, wait); err != nil {
				return scrape.FetchResult{}, err
			}

		default:
			// Non-retryable client error: report immediately.
			return scrape.FetchResult{}, &scrape.FetchError{
				Kind:       scrape.FailurePermanent,
				StatusCode: snap.status,
				Attempts:   attempt,
				Err:        fmt.Errorf("client error (status %d)", snap.status),
			}
		}
	}

	lastErr.Attempts = c.cfg.MaxAttempts
	return scrape.FetchResult{}, lastErr
}

func transientCause(snap *capture) error {
	if snap.err != nil {
		return snap.err
	}
	return fmt.Errorf("server error (status %d)", snap.status)
}

func headerOrEmpty(snap *capture) http.Header {
	if snap.header == nil {
		return http.Header{}
	}
	return snap.header
}

// sleepCtx waits for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
