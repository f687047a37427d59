package memory

import (
	"context"
	"sync/atomic"

	"github.com/1mb-dev/instacache-go/internal/entry"
	"github.com/1mb-dev/instacache-go/internal/eviction"
	"github.com/1mb-dev/instacache-go/internal/store"
)

// Store is an in-process backend bounded by an eviction strategy
type Store struct {
	strategy eviction.Strategy
	tally    store.Tally
	onEvict  atomic.Pointer[func(key string, e *entry.Entry)]
}

// New creates a memory store holding at most capacity entries
func New(capacity int) *Store {
	return NewWithStrategy(eviction.Config{Type: eviction.LRU, Capacity: capacity})
}

// NewWithStrategy creates a memory store with the given eviction config
func NewWithStrategy(config eviction.Config) *Store {
	return &Store{strategy: eviction.NewStrategy(config)}
}

// SetEvictCallback registers fn to run when capacity forces an eviction
func (s *Store) SetEvictCallback(fn func(key string, e *entry.Entry)) {
	s.onEvict.Store(&fn)
}

// Initialize is a no-op for memory stores
func (s *Store) Initialize(_ context.Context) error {
	return nil
}

// Get returns the entry for key
func (s *Store) Get(_ context.Context, key string) (*entry.Entry, bool, error) {
	e, ok := s.strategy.Get(key)
	if !ok {
		return nil, false, nil
	}
	return e.Clone(), true, nil
}

// Set upserts the entry, evicting the least recently used one if full
func (s *Store) Set(_ context.Context, e *entry.Entry) error {
	key, evicted, ok := s.strategy.Add(e.Key, e.Clone())
	if !ok {
		return nil
	}
	if fn := s.onEvict.Load(); fn != nil {
		(*fn)(key, evicted)
	}
	return nil
}

// ClearAll removes every entry
func (s *Store) ClearAll(_ context.Context) error {
	s.strategy.Clear()
	return nil
}

// Record adds a load sample to the analytics tally
func (s *Store) Record(_ context.Context, sample store.Sample) error {
	s.tally.Add(sample)
	return nil
}

// Analytics returns the aggregate view, or nil before any sample
func (s *Store) Analytics(_ context.Context) (*store.Analytics, error) {
	return s.tally.Snapshot(int64(s.strategy.Len())), nil
}

// Len returns the number of stored entries
func (s *Store) Len() int {
	return s.strategy.Len()
}
