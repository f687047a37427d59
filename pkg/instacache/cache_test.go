package instacache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/1mb-dev/instacache-go/internal/entry"
	"github.com/1mb-dev/instacache-go/internal/store"
	"github.com/1mb-dev/instacache-go/pkg/compression"
)

// testBackend is a map-backed Backend that counts writes and can fail on demand
type testBackend struct {
	mu        sync.Mutex
	entries   map[string]*entry.Entry
	sets      map[string]int
	initErr   error
	getErr    error
	setErr    error
	analytics func() (*store.Analytics, error)
}

func newTestBackend() *testBackend {
	return &testBackend{
		entries: make(map[string]*entry.Entry),
		sets:    make(map[string]int),
	}
}

func (b *testBackend) Initialize(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initErr
}

func (b *testBackend) Get(_ context.Context, key string) (*entry.Entry, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.getErr != nil {
		return nil, false, b.getErr
	}
	e, ok := b.entries[key]
	return e.Clone(), ok, nil
}

func (b *testBackend) Set(_ context.Context, e *entry.Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.setErr != nil {
		return b.setErr
	}
	b.entries[e.Key] = e.Clone()
	b.sets[e.Key]++
	return nil
}

func (b *testBackend) ClearAll(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make(map[string]*entry.Entry)
	return nil
}

func (b *testBackend) Analytics(context.Context) (*store.Analytics, error) {
	b.mu.Lock()
	fn := b.analytics
	b.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn()
}

func (b *testBackend) setCount(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sets[key]
}

func (b *testBackend) value(key string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok {
		return "", false
	}
	return e.Value, true
}

func (b *testBackend) setFailures(getErr, setErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.getErr, b.setErr = getErr, setErr
}

// errorCollector is an ErrorSink that keeps what it receives
type errorCollector struct {
	mu   sync.Mutex
	errs []error
}

func (e *errorCollector) sink(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errs = append(e.errs, err)
}

func (e *errorCollector) all() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]error(nil), e.errs...)
}

func newTestCache(t *testing.T, config *Config) (*Cache, *testBackend) {
	t.Helper()

	backend := newTestBackend()
	if config == nil {
		config = NewDefaultConfig()
	}
	if config.ErrorSink == nil {
		config.ErrorSink = func(error) {}
	}
	cache, err := New(config.WithBackend(backend))
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}
	t.Cleanup(func() { _ = cache.Close() })
	return cache, backend
}

// waitIdle waits for background revalidations and samples to finish
func waitIdle(c *Cache) {
	c.tasks.Wait()
}

func constProducer(value string, calls *int32) Producer {
	return func(context.Context) (string, error) {
		atomic.AddInt32(calls, 1)
		return value, nil
	}
}

func TestLoadMissInvokesProducerOnce(t *testing.T) {
	cache, backend := newTestCache(t, nil)
	ctx := context.Background()

	var calls int32
	value, ok, err := cache.Load(ctx, "fresh-key", constProducer("v", &calls))
	if err != nil || !ok {
		t.Fatalf("Load failed: ok=%v err=%v", ok, err)
	}
	if value != "v" {
		t.Errorf("Expected v, got %s", value)
	}
	if calls != 1 {
		t.Errorf("Expected producer to be called once, got %d", calls)
	}

	m := cache.Metrics()
	if m.Misses != 1 || m.Hits != 0 {
		t.Errorf("Expected hits=0 misses=1, got %+v", m)
	}
	if got, _ := backend.value("fresh-key"); got != "v" {
		t.Errorf("Expected stored value v, got %s", got)
	}
}

func TestLoadHitThenMissScenario(t *testing.T) {
	cache, backend := newTestCache(t, nil)
	ctx := context.Background()

	var calls int32
	producer := constProducer("v1", &calls)

	if _, _, err := cache.Load(ctx, "a", producer); err != nil {
		t.Fatalf("First load failed: %v", err)
	}
	if m := cache.Metrics(); m.Hits != 0 || m.Misses != 1 {
		t.Errorf("After first load expected hits=0 misses=1, got %+v", m)
	}

	value, ok, err := cache.Load(ctx, "a", producer)
	if err != nil || !ok || value != "v1" {
		t.Fatalf("Second load failed: value=%s ok=%v err=%v", value, ok, err)
	}
	waitIdle(cache)

	if m := cache.Metrics(); m.Hits != 1 || m.Misses != 1 {
		t.Errorf("After second load expected hits=1 misses=1, got %+v", m)
	}
	if got, _ := backend.value("a"); got != "v1" {
		t.Errorf("Expected stored value v1, got %s", got)
	}
	if cache.Collector().Updates() != 0 {
		t.Errorf("Expected no update for unchanged value, got %d", cache.Collector().Updates())
	}
}

func TestLoadHitReturnsWithoutWaitingForProducer(t *testing.T) {
	cache, _ := newTestCache(t, nil)
	ctx := context.Background()

	if err := cache.Set(ctx, "k", "cached"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	release := make(chan struct{})
	var calls int32
	producer := func(context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "cached", nil
	}

	value, ok, err := cache.Load(ctx, "k", producer)
	if err != nil || !ok || value != "cached" {
		t.Fatalf("Load failed: value=%s ok=%v err=%v", value, ok, err)
	}

	// Load returned while the revalidation producer is still blocked
	close(release)
	waitIdle(cache)

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("Expected exactly one revalidation call, got %d", got)
	}
	if got := cache.Collector().Revalidations(); got != 1 {
		t.Errorf("Expected 1 revalidation, got %d", got)
	}
}

func TestProducerErrorIsNotCached(t *testing.T) {
	cache, backend := newTestCache(t, nil)
	ctx := context.Background()

	cause := errors.New("upstream 503")
	_, ok, err := cache.Load(ctx, "b", func(context.Context) (string, error) {
		return "", cause
	})

	if ok {
		t.Error("Expected ok=false on producer failure")
	}
	var pe *ProducerError
	if !errors.As(err, &pe) {
		t.Fatalf("Expected *ProducerError, got %v", err)
	}
	if pe.Key != "b" || !errors.Is(err, cause) {
		t.Errorf("Unexpected producer error: %v", pe)
	}

	if m := cache.Metrics(); m.Hits != 0 || m.Misses != 1 {
		t.Errorf("Expected hits=0 misses=1, got %+v", m)
	}
	if _, found := backend.value("b"); found {
		t.Error("Expected no entry for b")
	}

	// The next load starts fresh
	var calls int32
	value, ok, err := cache.Load(ctx, "b", constProducer("recovered", &calls))
	if err != nil || !ok || value != "recovered" || calls != 1 {
		t.Errorf("Expected recovery load to succeed, got value=%s ok=%v err=%v calls=%d", value, ok, err, calls)
	}
}

func TestSupersessionLastCallerWins(t *testing.T) {
	cache, backend := newTestCache(t, nil)
	ctx := context.Background()

	started := make(chan struct{})
	var firstCause error
	type result struct {
		value string
		ok    bool
		err   error
	}
	firstDone := make(chan result, 1)

	go func() {
		v, ok, err := cache.Load(ctx, "k", func(ctx context.Context) (string, error) {
			close(started)
			<-ctx.Done()
			firstCause = context.Cause(ctx)
			return "", ctx.Err()
		})
		firstDone <- result{v, ok, err}
	}()
	<-started

	value, ok, err := cache.Load(ctx, "k", func(context.Context) (string, error) {
		return "second", nil
	})
	if err != nil || !ok || value != "second" {
		t.Fatalf("Second load failed: value=%s ok=%v err=%v", value, ok, err)
	}

	first := <-firstDone
	if first.ok || first.err != nil || first.value != "" {
		t.Errorf("Expected superseded load to return silently, got %+v", first)
	}
	if !errors.Is(firstCause, ErrSuperseded) {
		t.Errorf("Expected cancellation cause ErrSuperseded, got %v", firstCause)
	}
	if got, _ := backend.value("k"); got != "second" {
		t.Errorf("Expected stored value second, got %s", got)
	}
	if n := backend.setCount("k"); n != 1 {
		t.Errorf("Expected exactly one write, got %d", n)
	}
}

func TestSupersededResultIsDiscardedEvenIfProducerIgnoresCancel(t *testing.T) {
	cache, backend := newTestCache(t, nil)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	firstDone := make(chan bool, 1)

	go func() {
		_, ok, _ := cache.Load(ctx, "k", func(context.Context) (string, error) {
			close(started)
			<-release
			return "first", nil
		})
		firstDone <- ok
	}()
	<-started

	if _, _, err := cache.Load(ctx, "k", func(context.Context) (string, error) {
		return "second", nil
	}); err != nil {
		t.Fatalf("Second load failed: %v", err)
	}

	close(release)
	if ok := <-firstDone; ok {
		t.Error("Expected superseded load to report ok=false")
	}
	if got, _ := backend.value("k"); got != "second" {
		t.Errorf("Expected stored value second, got %s", got)
	}
}

func TestCallerCancellation(t *testing.T) {
	cache, backend := newTestCache(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	done := make(chan struct{})
	var (
		ok  bool
		err error
	)
	go func() {
		defer close(done)
		_, ok, err = cache.Load(ctx, "k", func(ctx context.Context) (string, error) {
			close(started)
			<-ctx.Done()
			return "late", nil
		})
	}()

	<-started
	cancel()
	<-done

	if ok || err != nil {
		t.Errorf("Expected cancelled load to return silently, got ok=%v err=%v", ok, err)
	}
	if _, found := backend.value("k"); found {
		t.Error("Expected nothing stored for a cancelled load")
	}
	if cache.Collector().InFlight() != 0 {
		t.Errorf("Expected no loads in flight, got %d", cache.Collector().InFlight())
	}
}

func TestAbandonedLoadsCountTowardAverage(t *testing.T) {
	tests := []struct {
		name     string
		producer func(cancel context.CancelFunc) Producer
		wantErr  bool
	}{
		{
			name: "producer error",
			producer: func(context.CancelFunc) Producer {
				return func(context.Context) (string, error) { return "", errors.New("upstream down") }
			},
			wantErr: true,
		},
		{
			name: "caller cancelled",
			producer: func(cancel context.CancelFunc) Producer {
				return func(context.Context) (string, error) {
					cancel()
					return "late", nil
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache, _ := newTestCache(t, NewDefaultConfig().WithPreloadNext(false))
			ctx := context.Background()

			slow := func(context.Context) (string, error) {
				time.Sleep(30 * time.Millisecond)
				return "slow", nil
			}
			if _, ok, err := cache.Load(ctx, "slow", slow); !ok || err != nil {
				t.Fatalf("Load failed: ok=%v err=%v", ok, err)
			}
			first := cache.Metrics().AvgLoadTimeMs

			abandonCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			_, ok, err := cache.Load(abandonCtx, "other", tt.producer(cancel))
			if ok || (err != nil) != tt.wantErr {
				t.Fatalf("Expected abandoned load, got ok=%v err=%v", ok, err)
			}

			m := cache.Metrics()
			if m.Misses != 2 {
				t.Errorf("Expected the abandoned load to count as a miss, got %d", m.Misses)
			}
			if m.AvgLoadTimeMs != first {
				t.Errorf("Expected no sample from the abandoned load, avg %f -> %f", first, m.AvgLoadTimeMs)
			}

			if _, ok, _ := cache.Load(ctx, "slow", slow); !ok {
				t.Fatal("Expected a hit")
			}
			// n=3 with two samples: (first*2 + hit)/3 stays above first/2
			if got := cache.Metrics().AvgLoadTimeMs; got < first*0.6 {
				t.Errorf("Expected avg weighted by the abandoned miss (>= %f), got %f", first*0.6, got)
			}
		})
	}
}

func TestEvictionsAreCounted(t *testing.T) {
	cache, err := New(NewDefaultConfig().WithMaxEntries(2).WithPreloadNext(false))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer cache.Close()
	ctx := context.Background()

	var calls int32
	for _, key := range []string{"a", "b", "a", "c"} {
		if _, ok, err := cache.Load(ctx, key, constProducer("v-"+key, &calls)); !ok || err != nil {
			t.Fatalf("Load(%s) failed: ok=%v err=%v", key, ok, err)
		}
	}
	waitIdle(cache)

	if got := cache.Collector().Evictions(); got != 1 {
		t.Errorf("Expected 1 eviction, got %d", got)
	}
	if _, found, _ := cache.Get(ctx, "b"); found {
		t.Error("Expected b to be evicted as least recently used")
	}

	_ = cache.Clear(ctx)
	if got := cache.Collector().Evictions(); got != 0 {
		t.Errorf("Expected evictions reset by Clear, got %d", got)
	}
}

func TestLoadsForDifferentKeysAreIndependent(t *testing.T) {
	cache, _ := newTestCache(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	var failures int32
	for i := 0; i < 20; i++ {
		key := string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, ok, err := cache.Load(ctx, key, func(context.Context) (string, error) {
				time.Sleep(time.Millisecond)
				return "value-" + key, nil
			})
			if err != nil || !ok || v != "value-"+key {
				atomic.AddInt32(&failures, 1)
			}
		}()
	}
	wg.Wait()

	if failures != 0 {
		t.Errorf("Expected all independent loads to succeed, %d failed", failures)
	}
	if m := cache.Metrics(); m.Misses != 20 {
		t.Errorf("Expected 20 misses, got %d", m.Misses)
	}
}

func TestForceRefresh(t *testing.T) {
	cache, backend := newTestCache(t, nil)
	ctx := context.Background()

	_ = cache.Set(ctx, "k", "old")

	var calls int32
	value, ok, err := cache.Load(ctx, "k", constProducer("new", &calls), WithForceRefresh())
	if err != nil || !ok || value != "new" {
		t.Fatalf("Forced load failed: value=%s ok=%v err=%v", value, ok, err)
	}
	if calls != 1 {
		t.Errorf("Expected producer to be called once, got %d", calls)
	}
	if got, _ := backend.value("k"); got != "new" {
		t.Errorf("Expected stored value new, got %s", got)
	}
	if m := cache.Metrics(); m.Misses != 1 || m.Hits != 0 {
		t.Errorf("Expected forced load to count as miss, got %+v", m)
	}
}

func TestStoreFailureFallsThroughToProducer(t *testing.T) {
	cache, backend := newTestCache(t, nil)
	ctx := context.Background()

	backend.setFailures(store.ErrUnavailable, store.ErrUnavailable)

	var calls int32
	value, ok, err := cache.Load(ctx, "k", constProducer("v", &calls))
	if err != nil || !ok || value != "v" {
		t.Fatalf("Expected store failure to be treated as miss, got value=%s ok=%v err=%v", value, ok, err)
	}
	if calls != 1 {
		t.Errorf("Expected producer to be called, got %d calls", calls)
	}
}

func TestStoreInitializeFailureFallsThroughToProducer(t *testing.T) {
	backend := newTestBackend()
	backend.initErr = errors.New("quota exceeded")

	cache, err := New(NewDefaultConfig().WithBackend(backend).WithErrorSink(func(error) {}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer cache.Close()

	var calls int32
	value, ok, err := cache.Load(context.Background(), "k", constProducer("v", &calls))
	if err != nil || !ok || value != "v" {
		t.Fatalf("Expected load to succeed without storage, got value=%s ok=%v err=%v", value, ok, err)
	}

	_, _, err = cache.Get(context.Background(), "k")
	var se *StoreError
	if !errors.As(err, &se) {
		t.Errorf("Expected Get to surface *StoreError, got %v", err)
	}
}

func TestTTLBoundaryServesStaleEntries(t *testing.T) {
	written := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	var now atomic.Pointer[time.Time]
	now.Store(&written)
	clock := func() time.Time { return *now.Load() }

	ttl := TestTTL
	cache, _ := newTestCache(t, NewDefaultConfig().WithTTL(ttl).WithClock(clock).WithPreloadNext(false))
	ctx := context.Background()

	_ = cache.Set(ctx, "k", "v")

	tests := []struct {
		name  string
		at    time.Time
		fresh bool
	}{
		{"before ttl", written.Add(ttl - time.Millisecond), true},
		{"after ttl", written.Add(ttl + time.Millisecond), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now.Store(&tt.at)

			e, found, err := cache.Entry(ctx, "k")
			if err != nil || !found {
				t.Fatalf("Entry failed: found=%v err=%v", found, err)
			}
			if cache.IsFresh(e) != tt.fresh {
				t.Errorf("Expected fresh=%v at %v", tt.fresh, tt.at)
			}

			var calls int32
			value, ok, err := cache.Load(ctx, "k", constProducer("refetched", &calls))
			if err != nil || !ok || value != "v" {
				t.Errorf("Expected stored value to be served, got value=%s ok=%v err=%v", value, ok, err)
			}
			if calls != 0 {
				t.Errorf("Expected no producer call, got %d", calls)
			}
		})
	}
}

func TestClear(t *testing.T) {
	cache, _ := newTestCache(t, nil)
	ctx := context.Background()

	var calls int32
	_, _, _ = cache.Load(ctx, "a", constProducer("v", &calls))
	waitIdle(cache)

	if err := cache.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	if _, found, _ := cache.Get(ctx, "a"); found {
		t.Error("Expected a to be absent after Clear")
	}
	if m := cache.Metrics(); m != (Metrics{}) {
		t.Errorf("Expected metrics reset after Clear, got %+v", m)
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	cache, _ := newTestCache(t, nil)
	ctx := context.Background()

	value := "{\"id\":1}\n\x00\xff trailing "
	if err := cache.Set(ctx, "k", value); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, found, err := cache.Get(ctx, "k")
	if err != nil || !found {
		t.Fatalf("Get failed: found=%v err=%v", found, err)
	}
	if got != value {
		t.Errorf("Expected %q, got %q", value, got)
	}
}

func TestCompressionIsAdvisory(t *testing.T) {
	config := NewDefaultConfig().WithCompression(compression.NewDefaultConfig().WithEnabled(true).WithMinSize(16))
	cache, backend := newTestCache(t, config)
	ctx := context.Background()

	large := strings.Repeat("feed item ", 100)
	var calls int32
	value, _, err := cache.Load(ctx, "k", constProducer(large, &calls))
	if err != nil || value != large {
		t.Fatalf("Load failed: err=%v", err)
	}

	raw, _ := backend.value("k")
	if raw == large {
		t.Error("Expected the backend to hold a compressed value")
	}

	got, _, err := cache.Get(ctx, "k")
	if err != nil || got != large {
		t.Errorf("Expected transparent decompression, err=%v", err)
	}
}

func TestLoadJSON(t *testing.T) {
	type feed struct {
		Title string   `json:"title"`
		Items []string `json:"items"`
	}

	cache, _ := newTestCache(t, nil)
	ctx := context.Background()

	want := feed{Title: "news", Items: []string{"a", "b"}}
	got, ok, err := LoadJSON(ctx, cache, "feed", func(context.Context) (feed, error) {
		return want, nil
	})
	if err != nil || !ok {
		t.Fatalf("LoadJSON failed: ok=%v err=%v", ok, err)
	}
	if got.Title != want.Title || len(got.Items) != 2 {
		t.Errorf("Expected %+v, got %+v", want, got)
	}

	raw, _, _ := cache.Get(ctx, "feed")
	decoded, err := DecodeJSON[feed](raw)
	if err != nil || decoded.Title != "news" {
		t.Errorf("DecodeJSON failed: %v %+v", err, decoded)
	}
}

func TestLoadArgumentErrors(t *testing.T) {
	cache, _ := newTestCache(t, nil)
	ctx := context.Background()

	if _, _, err := cache.Load(ctx, "k", nil); !errors.Is(err, ErrNilProducer) {
		t.Errorf("Expected ErrNilProducer, got %v", err)
	}

	_ = cache.Close()
	var calls int32
	if _, _, err := cache.Load(ctx, "k", constProducer("v", &calls)); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if err := cache.Close(); err != nil {
		t.Errorf("Second Close should be a no-op, got %v", err)
	}
}

func TestNewConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{"redis without config", NewDefaultConfig().WithStoreType(StoreTypeRedis)},
		{"memcache without config", NewDefaultConfig().WithStoreType(StoreTypeMemcache)},
		{"custom without backend", NewDefaultConfig().WithStoreType(StoreTypeCustom)},
		{"memcache without servers", NewMemcacheConfig()},
		{"unknown store type", NewDefaultConfig().WithStoreType(StoreType(42))},
		{"bad compression", NewDefaultConfig().WithCompression(&compression.Config{Enabled: true, Algorithm: "lzma"})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.config); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestNewDefaults(t *testing.T) {
	cache, err := NewSimple(10, 0)
	if err != nil {
		t.Fatalf("NewSimple failed: %v", err)
	}
	defer cache.Close()

	if cache.config.TTL != DefaultTTL {
		t.Errorf("Expected default TTL %v, got %v", DefaultTTL, cache.config.TTL)
	}

	config := NewDefaultConfig()
	if !config.PreloadNext || !config.EnablePredictive {
		t.Error("Expected revalidation and prefetching enabled by default")
	}
	if config.Compression.Enabled {
		t.Error("Expected compression disabled by default")
	}
	if StoreTypeRedis.String() != "redis" || StoreType(9).String() != "unknown" {
		t.Error("Unexpected StoreType strings")
	}
}
