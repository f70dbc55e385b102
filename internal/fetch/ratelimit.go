package fetch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dealradar/dealradar/internal/telemetry"
)

// limiter manages per-source token buckets so all workers polling one
// source share its request budget.
type limiter struct {
	mu             sync.Mutex
	buckets        map[string]*rate.Limiter
	defaultRate    rate.Limit
	defaultBurst   int
	rateOverrides  map[string]rate.Limit
	burstOverrides map[string]int
}

func newLimiter(defaultRPS float64, defaultBurst int, rpsOverrides map[string]float64, burstOverrides map[string]int) *limiter {
	r := rate.Limit(defaultRPS)
	if defaultRPS <= 0 {
		r = rate.Inf
	}
	if defaultBurst <= 0 {
		defaultBurst = 1
	}
	ov := make(map[string]rate.Limit, len(rpsOverrides))
	for source, rps := range rpsOverrides {
		if rps > 0 {
			ov[source] = rate.Limit(rps)
		}
	}
	bov := make(map[string]int, len(burstOverrides))
	for source, burst := range burstOverrides {
		if burst > 0 {
			bov[source] = burst
		}
	}
	return &limiter{
		buckets:        make(map[string]*rate.Limiter),
		defaultRate:    r,
		defaultBurst:   defaultBurst,
		rateOverrides:  ov,
		burstOverrides: bov,
	}
}

// wait blocks until a token is available for the source, respecting the
// context.
func (l *limiter) wait(ctx context.Context, source string) error {
	l.mu.Lock()
	bucket, ok := l.buckets[source]
	if !ok {
		r := l.defaultRate
		if override, ok := l.rateOverrides[source]; ok {
			r = override
		}
		burst := l.defaultBurst
		if override, ok := l.burstOverrides[source]; ok {
			burst = override
		}
		bucket = rate.NewLimiter(r, burst)
		l.buckets[source] = bucket
	}
	l.mu.Unlock()

	start := time.Now()
	if err := bucket.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		telemetry.ObserveRateLimitDelay(source, waited)
	}
	return nil
}
