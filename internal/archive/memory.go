// Package archive stores raw payloads of failed runs for offline
// inspection. Implementations satisfy scrape.BlobStore.
package archive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dealradar/dealradar/internal/scrape"
)

// Memory keeps archived payloads in-process and returns pseudo URIs.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory creates an in-memory archive.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// Put stores data under path and returns a memory:// URI.
func (s *Memory) Put(_ context.Context, path, _ string, data []byte) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[path] = append([]byte(nil), data...)
	return "memory://" + path, nil
}

// Get returns the stored payload, if any.
func (s *Memory) Get(path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[path]
	return data, ok
}

// Paths returns every stored path in no particular order.
func (s *Memory) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.data))
	for path := range s.data {
		out = append(out, path)
	}
	return out
}

// PathFor builds the canonical archive path for a failed run.
func PathFor(prefix string, key scrape.Key, at time.Time) string {
	name := fmt.Sprintf("%s/%s/%d.raw", key.Tenant, key.Source, at.UnixMilli())
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}
