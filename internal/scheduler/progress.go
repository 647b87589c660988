package scheduler

import (
	"sync"

	"github.com/grainhouse/grainhouse/internal/sources"
	"github.com/grainhouse/grainhouse/internal/store"
)

// ProgressCache holds the latest per-source counter snapshot for display
// layers, updated incrementally as jobs transition.
type ProgressCache struct {
	mu       sync.RWMutex
	bySource map[sources.SourceID]store.Progress
}

// NewProgressCache creates an empty progress cache.
func NewProgressCache() *ProgressCache {
	return &ProgressCache{
		bySource: make(map[sources.SourceID]store.Progress),
	}
}

// Update replaces the snapshot for one source.
func (c *ProgressCache) Update(id sources.SourceID, p store.Progress) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bySource[id] = p
}

// Get returns the snapshot for one source.
func (c *ProgressCache) Get(id sources.SourceID) (store.Progress, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.bySource[id]
	return p, ok
}

// Delete drops a source's snapshot, e.g. when it leaves the library.
func (c *ProgressCache) Delete(id sources.SourceID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.bySource, id)
}

// Total aggregates the cached snapshots across every known source.
func (c *ProgressCache) Total() store.Progress {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var total store.Progress
	for _, p := range c.bySource {
		total.Pending += p.Pending
		total.Running += p.Running
		total.Done += p.Done
		total.Failed += p.Failed
		total.SamplesTotal += p.SamplesTotal
		total.SamplesPendingOrRunning += p.SamplesPendingOrRunning
	}
	return total
}

// Wakeup nudges waiters (the progress poller, idle workers) that state
// changed. Notification is level-triggered with a buffer of one so notifiers
// never block.
type Wakeup struct {
	ch chan struct{}
}

// NewWakeup creates a wakeup signal.
func NewWakeup() *Wakeup {
	return &Wakeup{ch: make(chan struct{}, 1)}
}

// Notify wakes one waiter if any; a pending notification is collapsed.
func (w *Wakeup) Notify() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// C returns the channel to select on while waiting.
func (w *Wakeup) C() <-chan struct{} {
	return w.ch
}
