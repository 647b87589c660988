package scheduler

import (
	"context"
	"sync"

	"github.com/grainhouse/grainhouse/internal/store"
	"github.com/rs/zerolog/log"
)

// HandleCache keeps open job-store handles keyed by source root so the
// finalizer and workers reuse connections instead of reopening per call.
// A handle that errors on use must be evicted, never reused.
type HandleCache struct {
	mu      sync.Mutex
	handles map[string]*store.Store
	retry   store.RetryConfig
}

// NewHandleCache creates an empty handle cache.
func NewHandleCache() *HandleCache {
	return &HandleCache{
		handles: make(map[string]*store.Store),
		retry:   store.DefaultRetryConfig(),
	}
}

// Get returns the cached handle for root, opening one (with retry) on a miss.
func (c *HandleCache) Get(ctx context.Context, root string) (*store.Store, error) {
	c.mu.Lock()
	if st, ok := c.handles[root]; ok {
		c.mu.Unlock()
		return st, nil
	}
	c.mu.Unlock()

	st, err := store.OpenWithRetry(ctx, root, c.retry)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.handles[root]; ok {
		// Another caller opened the same root concurrently; keep theirs.
		st.Close()
		return existing, nil
	}
	c.handles[root] = st
	return st, nil
}

// Evict closes and removes the handle for root. Safe to call for roots that
// are not cached.
func (c *HandleCache) Evict(root string) {
	c.mu.Lock()
	st, ok := c.handles[root]
	delete(c.handles, root)
	c.mu.Unlock()

	if ok {
		if err := st.Close(); err != nil {
			log.Debug().Err(err).Str("root", root).Msg("Failed to close evicted store handle")
		}
	}
}

// Close evicts every cached handle. Called on shutdown.
func (c *HandleCache) Close() {
	c.mu.Lock()
	handles := c.handles
	c.handles = make(map[string]*store.Store)
	c.mu.Unlock()

	for root, st := range handles {
		if err := st.Close(); err != nil {
			log.Debug().Err(err).Str("root", root).Msg("Failed to close store handle")
		}
	}
}
