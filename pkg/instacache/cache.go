package instacache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/singleflight"

	"github.com/1mb-dev/instacache-go/internal/entry"
	"github.com/1mb-dev/instacache-go/internal/eviction"
	"github.com/1mb-dev/instacache-go/internal/store"
	memcachestore "github.com/1mb-dev/instacache-go/internal/store/memcache"
	"github.com/1mb-dev/instacache-go/internal/store/memory"
	redisstore "github.com/1mb-dev/instacache-go/internal/store/redis"
	"github.com/1mb-dev/instacache-go/pkg/compression"
	"github.com/1mb-dev/instacache-go/pkg/metrics"
)

// Backend is the storage a Cache persists entries in
type Backend = store.Backend

// Recorder is implemented by backends that aggregate load samples
type Recorder = store.Recorder

// Entry is a stored value with its freshness metadata
type Entry = entry.Entry

// Analytics is the aggregate view reported by a backend
type Analytics = store.Analytics

// Sample describes one completed load, as passed to a Recorder
type Sample = store.Sample

// Producer computes the value for a key. It should honor ctx cancellation.
type Producer func(ctx context.Context) (string, error)

// LoadOption configures a single Load call
type LoadOption func(*loadOptions)

type loadOptions struct {
	forceRefresh bool
}

// WithForceRefresh skips the store lookup and always calls the producer
func WithForceRefresh() LoadOption {
	return func(o *loadOptions) {
		o.forceRefresh = true
	}
}

// keyState tracks the load sessions of one key. It lives in Cache.sessions
// while at least one session for the key is running.
type keyState struct {
	writeMu sync.Mutex // serializes result writes for the key

	current uint64
	cancel  context.CancelCauseFunc
	active  int
}

type session struct {
	key    string
	id     uint64
	state  *keyState
	cancel context.CancelCauseFunc
}

// Cache is a stale-while-revalidate cache with per-key load supersession.
// Create one with New and share it; it holds no package-level state.
type Cache struct {
	config    *Config
	store     *store.Store
	collector *Collector
	hooks     *Hooks
	errSink   ErrorSink

	mu       sync.Mutex
	seq      uint64
	sessions map[string]*keyState

	subsMu sync.RWMutex
	subSeq uint64
	subs   map[string]map[uint64]func(string)

	prefetches singleflight.Group

	// Detached work (revalidations, async prefetches, analytics samples)
	baseCtx    context.Context
	baseCancel context.CancelFunc
	tasks      sync.WaitGroup
	tasksMu    sync.RWMutex
	draining   bool

	recordsSamples bool

	// Periodic reporters
	stop   chan struct{}
	bgWg   sync.WaitGroup
	closed atomic.Bool

	metricsExporter metrics.Exporter
	metricsLabels   metrics.Labels
	metricsEnabled  bool
	metricNames     metrics.MetricNames
}

// New creates a Cache with the given configuration
func New(config *Config) (*Cache, error) {
	if config == nil {
		config = NewDefaultConfig()
	}
	// Defaults are applied to a copy; the caller's Config is left as given
	cfg := *config
	config = &cfg
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	if config.PrefetchConcurrency <= 0 {
		config.PrefetchConcurrency = 1
	}

	backend, err := createBackend(config)
	if err != nil {
		return nil, err
	}

	opts := store.Options{TTL: config.TTL, Clock: config.Clock}
	if config.Compression != nil && config.Compression.Enabled {
		compressor, err := compression.NewCompressor(config.Compression)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize compression: %w", err)
		}
		opts.Compressor = compressor
		opts.MinCompressSize = config.Compression.MinSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		config:     config,
		store:      store.New(backend, opts),
		collector:  newCollector(),
		hooks:      config.Hooks,
		errSink:    config.ErrorSink,
		sessions:   make(map[string]*keyState),
		subs:       make(map[string]map[uint64]func(string)),
		baseCtx:    ctx,
		baseCancel: cancel,
		stop:       make(chan struct{}),
	}
	if c.errSink == nil {
		c.errSink = LogErrorSink
	}
	_, c.recordsSamples = backend.(Recorder)
	if n, ok := backend.(store.EvictNotifier); ok {
		n.SetEvictCallback(c.evicted)
	}

	c.initializeMetrics()

	if config.AnalyticsInterval > 0 {
		c.startReporter(config.AnalyticsInterval, c.pollAnalytics)
	}

	return c, nil
}

// evicted counts an entry the backend dropped to stay within capacity
func (c *Cache) evicted(key string, _ *entry.Entry) {
	c.collector.evictions.Add(1)
	glog.V(2).Infof("instacache: evicted %q", key)
}

// NewSimple creates a memory-backed cache with the given TTL
func NewSimple(maxEntries int, ttl time.Duration) (*Cache, error) {
	return New(NewDefaultConfig().WithMaxEntries(maxEntries).WithTTL(ttl))
}

func createBackend(config *Config) (Backend, error) {
	if config.Backend != nil {
		return config.Backend, nil
	}

	switch config.StoreType {
	case StoreTypeMemory:
		return memory.NewWithStrategy(eviction.Config{Type: eviction.LRU, Capacity: config.MaxEntries}), nil
	case StoreTypeRedis:
		if config.Redis == nil {
			return nil, fmt.Errorf("redis configuration is required when using StoreTypeRedis")
		}
		return redisstore.New(&redisstore.Config{
			Client:    config.Redis.Client,
			Addr:      config.Redis.Addr,
			Password:  config.Redis.Password,
			DB:        config.Redis.DB,
			KeyPrefix: config.Redis.KeyPrefix,
		})
	case StoreTypeMemcache:
		if config.Memcache == nil {
			return nil, fmt.Errorf("memcache configuration is required when using StoreTypeMemcache")
		}
		return memcachestore.New(&memcachestore.Config{
			Servers:   config.Memcache.Servers,
			KeyPrefix: config.Memcache.KeyPrefix,
			Timeout:   config.Memcache.Timeout,
		})
	case StoreTypeCustom:
		return nil, fmt.Errorf("a backend is required when using StoreTypeCustom")
	default:
		return nil, fmt.Errorf("unsupported store type: %v", config.StoreType)
	}
}

// Load resolves the value for key.
//
// Without WithForceRefresh, a stored entry is returned immediately (fresh or
// stale) and, if PreloadNext is enabled, refreshed in the background.
// Otherwise producer is called and its result stored.
//
// Starting a Load cancels any earlier Load for the same key that is still
// running; the earlier call then returns ("", false, nil) and its result is
// never written. The same happens when ctx is cancelled. A producer failure
// is returned as a *ProducerError.
func (c *Cache) Load(ctx context.Context, key string, producer Producer, opts ...LoadOption) (string, bool, error) {
	if producer == nil {
		return "", false, ErrNilProducer
	}
	if c.closed.Load() {
		return "", false, ErrClosed
	}

	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}

	start := time.Now()
	s, sctx := c.begin(ctx, key)
	defer c.end(s)
	defer c.recordOperation(metrics.OperationLoad, start)

	if !o.forceRefresh {
		value, found, err := c.store.Get(sctx, key)
		if sctx.Err() != nil {
			c.countResult(metrics.ResultSuperseded)
			return "", false, nil
		}
		if err != nil {
			c.storeFailure(err)
		} else if found {
			if !c.isCurrent(s) {
				c.countResult(metrics.ResultSuperseded)
				return "", false, nil
			}
			c.hit(ctx, key, value, time.Since(start))
			if c.config.PreloadNext {
				c.scheduleRevalidation(key, value, producer)
			}
			return value, true, nil
		}
	}

	c.miss(ctx, key)

	value, err := producer(sctx)
	if sctx.Err() != nil {
		// Superseded or cancelled by the caller: the result is discarded
		// whether or not the producer honored the cancellation.
		glog.V(2).Infof("instacache: load of %q discarded: %v", key, context.Cause(sctx))
		c.countResult(metrics.ResultSuperseded)
		return "", false, nil
	}
	if err != nil {
		c.countResult(metrics.ResultError)
		return "", false, &ProducerError{Key: key, Err: err}
	}

	committed := c.commit(s, sctx, func() {
		if err := c.store.Set(sctx, key, value); err != nil {
			c.storeFailure(err)
		}
	})
	if !committed {
		c.countResult(metrics.ResultSuperseded)
		return "", false, nil
	}

	latency := time.Since(start)
	c.collector.recordLoad(latency)
	c.recordSample(Sample{Hit: false, LoadTime: latency})
	c.countResult(metrics.ResultMiss)
	return value, true, nil
}

// begin starts a session for key, cancelling the key's current session.
// Sessions are ordered by a counter taken under c.mu, so of two loads
// started at the same instant the one that takes the lock last wins.
func (c *Cache) begin(ctx context.Context, key string) (*session, context.Context) {
	sctx, cancel := context.WithCancelCause(ctx)

	c.mu.Lock()
	state, ok := c.sessions[key]
	if !ok {
		state = &keyState{}
		c.sessions[key] = state
	}
	if state.cancel != nil {
		state.cancel(ErrSuperseded)
		glog.V(2).Infof("instacache: load of %q superseded", key)
	}
	c.seq++
	id := c.seq
	state.current = id
	state.cancel = cancel
	state.active++
	c.mu.Unlock()

	c.collector.inFlight.Add(1)
	return &session{key: key, id: id, state: state, cancel: cancel}, sctx
}

func (c *Cache) isCurrent(s *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return s.state.current == s.id
}

// commit runs write only if s is still the key's newest session. Writes for
// a key are serialized so an older session can never land after a newer one.
func (c *Cache) commit(s *session, sctx context.Context, write func()) bool {
	s.state.writeMu.Lock()
	defer s.state.writeMu.Unlock()

	if sctx.Err() != nil || !c.isCurrent(s) {
		return false
	}
	write()
	return true
}

func (c *Cache) end(s *session) {
	c.mu.Lock()
	s.state.active--
	if s.state.current == s.id {
		s.state.cancel = nil
	}
	if s.state.active == 0 {
		delete(c.sessions, s.key)
	}
	c.mu.Unlock()

	s.cancel(nil)
	c.collector.inFlight.Add(-1)
}

// loading reports whether a load for key is running
func (c *Cache) loading(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[key]
	return ok
}

func (c *Cache) hit(ctx context.Context, key, value string, latency time.Duration) {
	c.collector.recordHit(latency)
	c.recordSample(Sample{Hit: true, LoadTime: latency})
	c.countResult(metrics.ResultHit)
	if c.hooks != nil {
		c.hooks.invokeOnHit(ctx, key, value)
	}
}

func (c *Cache) miss(ctx context.Context, key string) {
	c.collector.recordMiss()
	if c.hooks != nil {
		c.hooks.invokeOnMiss(ctx, key)
	}
}

// storeFailure logs a backend error that is being treated as a miss
func (c *Cache) storeFailure(err error) {
	glog.Warningf("instacache: %v", err)
	if c.metricsEnabled {
		_ = c.metricsExporter.IncrementCounter(c.metricNames.CacheErrorsTotal, c.metricsLabels) //nolint:errcheck // best effort
	}
}

// report hands a background failure to the error sink
func (c *Cache) report(err error) {
	if err == nil || (errors.Is(err, context.Canceled) && c.closed.Load()) {
		return
	}
	c.errSink(err)
}

// recordSample feeds the backend's analytics without blocking the caller
func (c *Cache) recordSample(sample Sample) {
	if !c.recordsSamples {
		return
	}
	c.goDetached(func(ctx context.Context) error {
		if err := c.store.Record(ctx, sample); err != nil {
			c.storeFailure(err)
		}
		return nil
	})
}

// goDetached runs fn outside the caller's lifetime. Close cancels ctx and
// waits for fn to return. Errors and panics go to the error sink.
func (c *Cache) goDetached(fn func(ctx context.Context) error) {
	c.tasksMu.RLock()
	if c.draining {
		c.tasksMu.RUnlock()
		return
	}
	c.tasks.Add(1)
	c.tasksMu.RUnlock()

	go func() {
		defer c.tasks.Done()
		defer func() {
			if r := recover(); r != nil {
				c.report(fmt.Errorf("instacache: background task panicked: %v", r))
			}
		}()
		c.report(fn(c.baseCtx))
	}()
}

// Get returns the stored value for key without touching load metrics
func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	start := time.Now()
	defer c.recordOperation(metrics.OperationGet, start)
	return c.store.Get(ctx, key)
}

// Entry returns the stored entry for key, including its freshness metadata
func (c *Cache) Entry(ctx context.Context, key string) (*Entry, bool, error) {
	return c.store.Entry(ctx, key)
}

// IsFresh reports whether e is within its TTL according to the cache clock
func (c *Cache) IsFresh(e *Entry) bool {
	return e != nil && e.IsFresh(c.store.Now())
}

// Set stores value under key directly
func (c *Cache) Set(ctx context.Context, key, value string) error {
	start := time.Now()
	defer c.recordOperation(metrics.OperationSet, start)
	return c.store.Set(ctx, key, value)
}

// Clear removes every entry and resets the load counters
func (c *Cache) Clear(ctx context.Context) error {
	start := time.Now()
	defer c.recordOperation(metrics.OperationClear, start)

	if err := c.store.ClearAll(ctx); err != nil {
		return err
	}
	c.collector.Reset()
	if c.hooks != nil {
		c.hooks.invokeOnClear(ctx)
	}
	return nil
}

// Metrics returns the current load counters
func (c *Cache) Metrics() Metrics {
	return c.collector.Snapshot()
}

// Collector returns the cache's metrics collector
func (c *Cache) Collector() *Collector {
	return c.collector
}

// Analytics returns the last polled backend analytics, or nil
func (c *Cache) Analytics() *Analytics {
	return c.collector.Analytics()
}

// Close stops background work and releases the backend. Running detached
// tasks are cancelled and awaited.
func (c *Cache) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(c.stop)
	c.bgWg.Wait()

	c.tasksMu.Lock()
	c.draining = true
	c.tasksMu.Unlock()

	c.baseCancel()
	c.tasks.Wait()

	if c.metricsExporter != nil {
		_ = c.metricsExporter.Close() // Ignore error on shutdown
	}
	return c.store.Close()
}
