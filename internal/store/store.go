package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1mb-dev/instacache-go/internal/entry"
	"github.com/1mb-dev/instacache-go/pkg/compression"
)

// Backend is the persistent key-value storage the cache sits on.
// Implementations must tolerate concurrent use on disjoint keys; concurrent
// writes to the same key are last-write-wins.
type Backend interface {
	// Initialize prepares the backend. It may be called more than once.
	Initialize(ctx context.Context) error

	// Get returns the entry for key regardless of its freshness
	Get(ctx context.Context, key string) (*entry.Entry, bool, error)

	// Set upserts the entry
	Set(ctx context.Context, e *entry.Entry) error

	// ClearAll removes every entry
	ClearAll(ctx context.Context) error

	// Analytics returns an aggregate snapshot, or nil when nothing has been
	// recorded yet
	Analytics(ctx context.Context) (*Analytics, error)
}

// Recorder is implemented by backends that aggregate load samples for
// Analytics
type Recorder interface {
	Record(ctx context.Context, sample Sample) error
}

// EvictNotifier is implemented by bounded backends that drop entries under
// capacity pressure
type EvictNotifier interface {
	SetEvictCallback(fn func(key string, e *entry.Entry))
}

// Analytics is the derived view a backend reports
type Analytics struct {
	HitRate       float64 // percentage, 0-100
	AvgLoadTimeMs float64
	CacheSize     int64
}

// Sample describes a single completed load
type Sample struct {
	Hit      bool
	LoadTime time.Duration
}

// ErrUnavailable is returned by backends that cannot reach their storage
var ErrUnavailable = errors.New("store unavailable")

// Error is returned for any backend failure
type Error struct {
	Op  string
	Key string
	Err error
}

func (e *Error) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("store %s %q: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap returns err as an *Error unless it already is one
func Wrap(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Op: op, Key: key, Err: err}
}

// Options configures a Store
type Options struct {
	// TTL stamped on every written entry
	TTL time.Duration

	// Clock supplies entry creation times; defaults to time.Now
	Clock func() time.Time

	// Compressor, when set, compresses values of at least MinCompressSize bytes
	Compressor      compression.Compressor
	MinCompressSize int
}

// Store wraps a Backend with once-only initialization, creation-time
// stamping, optional compression and uniform error wrapping
type Store struct {
	backend Backend
	opts    Options

	initMu      sync.Mutex
	initialized atomic.Bool
}

// New creates a Store over backend
func New(backend Backend, opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Store{backend: backend, opts: opts}
}

// Initialize initializes the backend once. A failed attempt is retried by
// the next caller.
func (s *Store) Initialize(ctx context.Context) error {
	if s.initialized.Load() {
		return nil
	}

	s.initMu.Lock()
	defer s.initMu.Unlock()

	if s.initialized.Load() {
		return nil
	}
	if err := s.backend.Initialize(ctx); err != nil {
		return Wrap("initialize", "", err)
	}
	s.initialized.Store(true)
	return nil
}

// Get returns the stored value for key
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	e, ok, err := s.Entry(ctx, key)
	if err != nil || !ok {
		return "", false, err
	}
	return e.Value, true, nil
}

// Entry returns a copy of the stored entry with its value decompressed
func (s *Store) Entry(ctx context.Context, key string) (*entry.Entry, bool, error) {
	if err := s.Initialize(ctx); err != nil {
		return nil, false, err
	}

	e, ok, err := s.backend.Get(ctx, key)
	if err != nil {
		return nil, false, Wrap("get", key, err)
	}
	if !ok || e == nil {
		return nil, false, nil
	}

	out := e.Clone()
	if out.Compressed {
		compressor, err := compression.Lookup(out.Algorithm)
		if err != nil {
			return nil, false, Wrap("get", key, err)
		}
		value, err := compression.DecompressValue(out.Value, true, compressor)
		if err != nil {
			return nil, false, Wrap("get", key, err)
		}
		out.Value = value
		out.Compressed = false
		out.Algorithm = ""
	}
	return out, true, nil
}

// Set upserts value under key, stamping the creation time
func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := s.Initialize(ctx); err != nil {
		return err
	}

	e := entry.New(key, value, s.opts.TTL, s.opts.Clock())
	if s.opts.Compressor != nil {
		stored, compressed, err := compression.CompressValue(value, s.opts.Compressor, s.opts.MinCompressSize)
		if err != nil {
			return Wrap("set", key, err)
		}
		if compressed {
			e.Value = stored
			e.SetCompressionInfo(s.opts.Compressor.Name())
		}
	}

	return Wrap("set", key, s.backend.Set(ctx, e))
}

// ClearAll removes every entry
func (s *Store) ClearAll(ctx context.Context) error {
	if err := s.Initialize(ctx); err != nil {
		return err
	}
	return Wrap("clear", "", s.backend.ClearAll(ctx))
}

// Analytics returns the backend's aggregate snapshot, or nil
func (s *Store) Analytics(ctx context.Context) (*Analytics, error) {
	if err := s.Initialize(ctx); err != nil {
		return nil, err
	}
	a, err := s.backend.Analytics(ctx)
	if err != nil {
		return nil, Wrap("analytics", "", err)
	}
	return a, nil
}

// Record forwards a load sample to the backend if it aggregates them
func (s *Store) Record(ctx context.Context, sample Sample) error {
	r, ok := s.backend.(Recorder)
	if !ok {
		return nil
	}
	if err := s.Initialize(ctx); err != nil {
		return err
	}
	return Wrap("record", "", r.Record(ctx, sample))
}

// Now returns the store clock's current time
func (s *Store) Now() time.Time {
	return s.opts.Clock()
}

// Close closes the backend if it holds resources
func (s *Store) Close() error {
	if c, ok := s.backend.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
