// Package memory contains an in-memory notifier for development and tests.
package memory

import (
	"context"
	"sync"

	"github.com/dealradar/dealradar/internal/scrape"
)

// Notifier stores dispatched notifications for inspection.
type Notifier struct {
	mu   sync.RWMutex
	sent []scrape.Notification
	err  error
}

// New returns a memory Notifier.
func New() *Notifier {
	return &Notifier{}
}

// Notify records the notification.
func (n *Notifier) Notify(_ context.Context, notification scrape.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, notification)
	return nil
}

// Sent returns the recorded notifications.
func (n *Notifier) Sent() []scrape.Notification {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]scrape.Notification, len(n.sent))
	copy(out, n.sent)
	return out
}

// FailWith makes every subsequent Notify return err. Pass nil to recover.
func (n *Notifier) FailWith(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.err = err
}
