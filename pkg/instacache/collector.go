package instacache

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics is a point-in-time copy of the load counters
type Metrics struct {
	Hits   uint64
	Misses uint64

	// AvgLoadTimeMs is a running average over n = Hits+Misses, but only
	// hits and committed misses add a sample. Superseded, cancelled and
	// failed loads still count toward n, so the next sample gives the earlier
	// average extra weight and the figure drifts from the mean of completed
	// loads.
	AvgLoadTimeMs float64
}

// Collector accumulates load counters. It is process-local, never persisted,
// and reset only by Cache.Clear.
type Collector struct {
	mu     sync.Mutex
	hits   uint64
	misses uint64
	avgMs  float64

	inFlight      atomic.Int64
	revalidations atomic.Int64
	updates       atomic.Int64
	prefetches    atomic.Int64
	evictions     atomic.Int64

	analytics atomic.Pointer[Analytics]
}

func newCollector() *Collector {
	return &Collector{}
}

// recordHit counts a hit and folds its latency into the running average
func (c *Collector) recordHit(latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.hits++
	c.addSample(latency)
}

func (c *Collector) recordMiss() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.misses++
}

// recordLoad folds a successful miss's latency into the running average
func (c *Collector) recordLoad(latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.addSample(latency)
}

// addSample applies avg' = (avg*(n-1) + sample) / n with n = hits+misses.
// Callers hold c.mu.
func (c *Collector) addSample(latency time.Duration) {
	n := float64(c.hits + c.misses)
	if n == 0 {
		return
	}
	sample := float64(latency) / float64(time.Millisecond)
	c.avgMs = (c.avgMs*(n-1) + sample) / n
}

// Snapshot returns the current counters
func (c *Collector) Snapshot() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Metrics{Hits: c.hits, Misses: c.misses, AvgLoadTimeMs: c.avgMs}
}

// Reset zeroes every counter and forgets the last analytics snapshot
func (c *Collector) Reset() {
	c.mu.Lock()
	c.hits, c.misses, c.avgMs = 0, 0, 0
	c.mu.Unlock()

	c.revalidations.Store(0)
	c.updates.Store(0)
	c.prefetches.Store(0)
	c.evictions.Store(0)
	c.analytics.Store(nil)
}

// Analytics returns the last successfully polled backend analytics, or nil
func (c *Collector) Analytics() *Analytics {
	return c.analytics.Load()
}

func (c *Collector) setAnalytics(a *Analytics) {
	c.analytics.Store(a)
}

// The methods below satisfy metrics.Stats

func (c *Collector) Hits() int64 {
	return int64(c.Snapshot().Hits)
}

func (c *Collector) Misses() int64 {
	return int64(c.Snapshot().Misses)
}

// HitRate returns hits as a percentage of all loads
func (c *Collector) HitRate() float64 {
	s := c.Snapshot()
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

func (c *Collector) AvgLoadTimeMs() float64 {
	return c.Snapshot().AvgLoadTimeMs
}

// InFlight returns the number of loads currently running
func (c *Collector) InFlight() int64 {
	return c.inFlight.Load()
}

func (c *Collector) Revalidations() int64 {
	return c.revalidations.Load()
}

// Updates returns how many revalidations found a changed value
func (c *Collector) Updates() int64 {
	return c.updates.Load()
}

func (c *Collector) Prefetches() int64 {
	return c.prefetches.Load()
}

// Evictions returns how many entries the backend dropped for capacity
func (c *Collector) Evictions() int64 {
	return c.evictions.Load()
}
