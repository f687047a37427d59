package eviction

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/1mb-dev/instacache-go/internal/entry"
)

// LRUStrategy bounds entries by recency of use. Staleness plays no part:
// a stale entry stays until capacity pushes it out or it is overwritten.
type LRUStrategy struct {
	// mu makes the victim lookup and the insert in Add one step
	mu       sync.Mutex
	entries  *lru.Cache[string, *entry.Entry]
	capacity int
}

// NewLRUStrategy creates an LRU strategy holding at most capacity entries
func NewLRUStrategy(capacity int) *LRUStrategy {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	// lru.New only fails for a non-positive size
	entries, _ := lru.New[string, *entry.Entry](capacity)
	return &LRUStrategy{entries: entries, capacity: capacity}
}

// Add stores e under key. When a new key does not fit, the least recently
// used entry is evicted and returned.
func (l *LRUStrategy) Add(key string, e *entry.Entry) (string, *entry.Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var (
		victimKey string
		victim    *entry.Entry
	)
	if !l.entries.Contains(key) && l.entries.Len() >= l.capacity {
		victimKey, victim, _ = l.entries.GetOldest()
	}
	if !l.entries.Add(key, e) {
		return "", nil, false
	}
	return victimKey, victim, true
}

// Get returns the entry for key and marks it most recently used
func (l *LRUStrategy) Get(key string) (*entry.Entry, bool) {
	return l.entries.Get(key)
}

func (l *LRUStrategy) Remove(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.entries.Remove(key)
}

func (l *LRUStrategy) Len() int {
	return l.entries.Len()
}

func (l *LRUStrategy) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries.Purge()
}

func (l *LRUStrategy) Capacity() int {
	return l.capacity
}
