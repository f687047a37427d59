package store

import (
	"sync"
	"time"
)

// Tally accumulates load samples in process for backends that keep their
// analytics in memory
type Tally struct {
	mu        sync.Mutex
	hits      int64
	loads     int64
	totalLoad time.Duration
}

// Add records a sample
func (t *Tally) Add(s Sample) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.loads++
	if s.Hit {
		t.hits++
	}
	t.totalLoad += s.LoadTime
}

// Snapshot returns the aggregate view, or nil when no sample was recorded
func (t *Tally) Snapshot(size int64) *Analytics {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.loads == 0 {
		return nil
	}
	return &Analytics{
		HitRate:       float64(t.hits) / float64(t.loads) * 100,
		AvgLoadTimeMs: float64(t.totalLoad) / float64(time.Millisecond) / float64(t.loads),
		CacheSize:     size,
	}
}

// Reset discards every recorded sample
func (t *Tally) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.hits, t.loads, t.totalLoad = 0, 0, 0
}
