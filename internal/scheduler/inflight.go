package scheduler

import "sync"

// DefaultInflightCapacity bounds the inflight set as a safety valve against
// runaway claim backlogs.
const DefaultInflightCapacity = 1024

// Inflight is the process-wide exclusivity set of job ids currently
// dispatched to a worker. It is deliberately not persisted: crash recovery
// rests entirely on the stale sweeper's persisted lease timestamps.
type Inflight struct {
	mu       sync.Mutex
	ids      map[int64]struct{}
	capacity int
}

// NewInflight creates an inflight tracker bounded at capacity entries.
// A capacity of zero or less falls back to DefaultInflightCapacity.
func NewInflight(capacity int) *Inflight {
	if capacity <= 0 {
		capacity = DefaultInflightCapacity
	}
	return &Inflight{
		ids:      make(map[int64]struct{}),
		capacity: capacity,
	}
}

// TryMark atomically inserts id. Returns false when the id is already
// inflight, or when the set is at capacity; the caller must not dispatch.
func (f *Inflight) TryMark(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.ids[id]; exists {
		return false
	}
	if len(f.ids) >= f.capacity {
		return false
	}
	f.ids[id] = struct{}{}
	return true
}

// Clear removes the marker for id. Idempotent.
func (f *Inflight) Clear(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.ids, id)
}

// Len reports the current number of inflight jobs.
func (f *Inflight) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ids)
}
