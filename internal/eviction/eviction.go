package eviction

import (
	"github.com/1mb-dev/instacache-go/internal/entry"
)

// Strategy defines the interface for bounding the number of entries a
// backend keeps in memory
type Strategy interface {
	// Add adds an entry to the tracker
	// Returns the key and entry of an evicted item if capacity is exceeded
	Add(key string, entry *entry.Entry) (evictKey string, evictedEntry *entry.Entry, evicted bool)

	// Get retrieves an entry and updates its position in the eviction order
	Get(key string) (*entry.Entry, bool)

	// Remove removes an entry from the tracker
	Remove(key string) bool

	// Len returns the number of entries currently tracked
	Len() int

	// Clear removes all entries from the strategy
	Clear()

	// Capacity returns the maximum number of entries this strategy can hold
	Capacity() int
}

// EvictionType represents the type of eviction strategy
type EvictionType string

const (
	// LRU - Least Recently Used eviction
	LRU EvictionType = "lru"
)

// DefaultCapacity is used when a non-positive capacity is configured
const DefaultCapacity = 1000

// Config holds configuration for eviction strategies
type Config struct {
	Type     EvictionType
	Capacity int
}

// NewStrategy creates a new eviction strategy based on the given config
func NewStrategy(config Config) Strategy {
	capacity := config.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	switch config.Type {
	case LRU:
		return NewLRUStrategy(capacity)
	default:
		return NewLRUStrategy(capacity)
	}
}
