package scrape

import (
	"context"
	"time"
)

// SettingsStore resolves tenant search settings. Implementations must return
// defaults for unknown tenants rather than failing or leaking another
// tenant's values.
type SettingsStore interface {
	Get(ctx context.Context, tenant string) (TenantSettings, error)
}

// Parser turns a raw source response into candidate items. Site-specific
// implementations are swappable collaborators.
type Parser interface {
	Parse(raw []byte) ([]Item, error)
}

// ListingSink persists discovered items tagged with the owning tenant.
type ListingSink interface {
	Save(ctx context.Context, item Item, tenant, source string) error
}

// Notifier delivers notifications for newly persisted items. Callers treat
// it as fire-and-forget; a failed delivery never aborts a worker.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Fetcher executes one polling request through the shared fetch client,
// including retry, backoff, and rate-limit handling.
type Fetcher interface {
	Fetch(ctx context.Context, key Key, url string) (FetchResult, error)
}

// DedupStore records item identifiers within a rolling window. FirstSeen
// atomically checks and marks, so concurrent workers cannot both claim the
// first sighting.
type DedupStore interface {
	FirstSeen(ctx context.Context, scope, id string) (bool, error)
}

// BlobStore archives raw payloads and returns a URI for the stored object.
type BlobStore interface {
	Put(ctx context.Context, path, contentType string, data []byte) (string, error)
}

// Clock abstracts time for window and backoff logic.
type Clock interface {
	Now() time.Time
}
