package memcache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/1mb-dev/instacache-go/internal/entry"
	"github.com/1mb-dev/instacache-go/internal/store"
)

// Config holds memcached backend settings
type Config struct {
	Servers   []string
	KeyPrefix string
	Timeout   time.Duration
}

// Store keeps entries in memcached. ClearAll bumps a generation counter that
// is part of every entry key, so old entries become unreachable without
// flushing the whole server.
type Store struct {
	mc     *memcache.Client
	prefix string
}

// New creates a memcached backend
func New(config *Config) (*Store, error) {
	if config == nil || len(config.Servers) == 0 {
		return nil, fmt.Errorf("at least one memcached server is required")
	}

	mc := memcache.New(config.Servers...)
	if config.Timeout > 0 {
		mc.Timeout = config.Timeout
	}

	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = "instacache:"
	}
	return &Store{mc: mc, prefix: prefix}, nil
}

func (s *Store) counterKey(name string) string {
	return s.prefix + name
}

// memcached keys are limited to 250 bytes without whitespace, so cache keys
// (often URLs) are hashed
func (s *Store) entryKey(gen uint64, key string) string {
	sum := sha256.Sum256([]byte(key))
	return s.prefix + strconv.FormatUint(gen, 10) + ":" + hex.EncodeToString(sum[:])
}

func (s *Store) sizeKey(gen uint64) string {
	return s.prefix + strconv.FormatUint(gen, 10) + ":size"
}

// Initialize checks connectivity and seeds the counters
func (s *Store) Initialize(_ context.Context) error {
	if err := s.mc.Ping(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	for _, name := range []string{"gen", "loads", "hits", "load_us"} {
		if err := s.seed(s.counterKey(name)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) seed(key string) error {
	err := s.mc.Add(&memcache.Item{Key: key, Value: []byte("0")})
	if err != nil && !errors.Is(err, memcache.ErrNotStored) {
		return err
	}
	return nil
}

func (s *Store) generation() (uint64, error) {
	item, err := s.mc.Get(s.counterKey("gen"))
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return 0, nil
		}
		return 0, err
	}
	return strconv.ParseUint(string(bytes.TrimSpace(item.Value)), 10, 64)
}

// Get reads and decodes the entry for key
func (s *Store) Get(_ context.Context, key string) (*entry.Entry, bool, error) {
	gen, err := s.generation()
	if err != nil {
		return nil, false, err
	}

	item, err := s.mc.Get(s.entryKey(gen, key))
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return nil, false, nil
		}
		return nil, false, err
	}

	var e entry.Entry
	if err := gob.NewDecoder(bytes.NewReader(item.Value)).Decode(&e); err != nil {
		return nil, false, fmt.Errorf("decode entry: %w", err)
	}
	return &e, true, nil
}

// Set encodes and stores the entry without expiry
func (s *Store) Set(_ context.Context, e *entry.Entry) error {
	gen, err := s.generation()
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}

	item := &memcache.Item{Key: s.entryKey(gen, e.Key), Value: buf.Bytes()}
	err = s.mc.Add(item)
	switch {
	case err == nil:
		return s.incr(s.sizeKey(gen), 1)
	case errors.Is(err, memcache.ErrNotStored):
		return s.mc.Set(item)
	default:
		return err
	}
}

func (s *Store) incr(key string, delta uint64) error {
	_, err := s.mc.Increment(key, delta)
	if errors.Is(err, memcache.ErrCacheMiss) {
		if err := s.seed(key); err != nil {
			return err
		}
		_, err = s.mc.Increment(key, delta)
	}
	return err
}

// ClearAll moves to a new generation
func (s *Store) ClearAll(_ context.Context) error {
	return s.incr(s.counterKey("gen"), 1)
}

// Record adds a load sample to the analytics counters
func (s *Store) Record(_ context.Context, sample store.Sample) error {
	if err := s.incr(s.counterKey("loads"), 1); err != nil {
		return err
	}
	if sample.Hit {
		if err := s.incr(s.counterKey("hits"), 1); err != nil {
			return err
		}
	}
	return s.incr(s.counterKey("load_us"), uint64(sample.LoadTime.Microseconds()))
}

func (s *Store) counter(key string) (int64, error) {
	item, err := s.mc.Get(key)
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return 0, nil
		}
		return 0, err
	}
	return strconv.ParseInt(string(bytes.TrimSpace(item.Value)), 10, 64)
}

// Analytics derives the aggregate view from the counters
func (s *Store) Analytics(_ context.Context) (*store.Analytics, error) {
	loads, err := s.counter(s.counterKey("loads"))
	if err != nil || loads == 0 {
		return nil, err
	}
	hits, err := s.counter(s.counterKey("hits"))
	if err != nil {
		return nil, err
	}
	loadUs, err := s.counter(s.counterKey("load_us"))
	if err != nil {
		return nil, err
	}
	gen, err := s.generation()
	if err != nil {
		return nil, err
	}
	size, err := s.counter(s.sizeKey(gen))
	if err != nil {
		return nil, err
	}

	return &store.Analytics{
		HitRate:       float64(hits) / float64(loads) * 100,
		AvgLoadTimeMs: float64(loadUs) / 1000 / float64(loads),
		CacheSize:     size,
	}, nil
}
