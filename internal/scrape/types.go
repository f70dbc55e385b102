package scrape

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Key identifies one worker and all of its per-worker state.
type Key struct {
	Tenant string
	Source string
}

// String renders the key as "tenant/source" for logs and map diagnostics.
func (k Key) String() string {
	return k.Tenant + "/" + k.Source
}

// WorkerStatus represents the lifecycle state of a polling worker.
type WorkerStatus string

// Worker status values reported by the registry.
const (
	StatusRunning     WorkerStatus = "running"
	StatusStopped     WorkerStatus = "stopped"
	StatusCircuitOpen WorkerStatus = "circuit_open"
)

// Item is one candidate listing produced by a source parser.
type Item struct {
	Title    string  `json:"title"`
	Price    float64 `json:"price"`
	Link     string  `json:"link"`
	ImageURL string  `json:"image_url,omitempty"`
}

// Validate rejects structurally malformed items before they reach the sink.
func (i Item) Validate() error {
	if strings.TrimSpace(i.Title) == "" {
		return fmt.Errorf("item title is empty")
	}
	if i.Price < 0 {
		return fmt.Errorf("item price is negative: %f", i.Price)
	}
	u, err := url.Parse(i.Link)
	if err != nil {
		return fmt.Errorf("parse item link: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("item link is not an absolute http(s) URL: %q", i.Link)
	}
	return nil
}

// TenantSettings holds the per-tenant search configuration read each
// iteration. A tenant without explicit settings receives the store's
// defaults, never another tenant's values.
type TenantSettings struct {
	Keywords     []string
	MinPrice     float64
	MaxPrice     float64
	Location     string
	RadiusKm     int
	PollInterval time.Duration
}

// RunSummary captures the outcome of one worker iteration.
type RunSummary struct {
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Success    bool          `json:"success"`
	ItemsFound int           `json:"items_found"`
	Error      string        `json:"error,omitempty"`
}

// Notification is the fire-and-forget payload dispatched for each newly
// persisted item.
type Notification struct {
	ID     string    `json:"id"`
	Tenant string    `json:"tenant"`
	Source string    `json:"source"`
	Item   Item      `json:"item"`
	At     time.Time `json:"at"`
}

// FetchResult is the successful outcome of a fetch, after any retries.
type FetchResult struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
	Attempts   int
}
