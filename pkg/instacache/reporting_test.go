package instacache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/1mb-dev/instacache-go/internal/store"
	"github.com/1mb-dev/instacache-go/pkg/metrics"
)

func TestAnalyticsFromMemoryBackend(t *testing.T) {
	cache, err := New(NewDefaultConfig().WithPreloadNext(false))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer cache.Close()
	ctx := context.Background()

	if cache.PollAnalytics() != nil {
		t.Error("Expected no analytics before any load")
	}

	_, _, _ = cache.Load(ctx, "a", valueProducer("v"))
	_, _, _ = cache.Load(ctx, "a", valueProducer("v"))
	waitIdle(cache)

	a := cache.PollAnalytics()
	if a == nil {
		t.Fatal("Expected analytics after loads")
	}
	if a.HitRate != 50 {
		t.Errorf("Expected hit rate 50, got %f", a.HitRate)
	}
	if a.CacheSize != 1 {
		t.Errorf("Expected cache size 1, got %d", a.CacheSize)
	}
	if cache.Analytics() != a {
		t.Error("Expected Analytics to return the polled snapshot")
	}
}

func TestAnalyticsPollFailureKeepsPreviousSnapshot(t *testing.T) {
	cache, backend := newTestCache(t, nil)

	var fail atomic.Bool
	first := &store.Analytics{HitRate: 80, AvgLoadTimeMs: 4, CacheSize: 12}
	backend.analytics = func() (*store.Analytics, error) {
		if fail.Load() {
			return nil, errors.New("analytics endpoint down")
		}
		return first, nil
	}

	if got := cache.PollAnalytics(); got != first {
		t.Fatalf("Expected first snapshot, got %+v", got)
	}

	fail.Store(true)
	if got := cache.PollAnalytics(); got != first {
		t.Errorf("Expected previous snapshot to be kept, got %+v", got)
	}
}

func TestAnalyticsPolledPeriodically(t *testing.T) {
	backend := newTestBackend()
	var polls atomic.Int32
	backend.analytics = func() (*store.Analytics, error) {
		polls.Add(1)
		return &store.Analytics{CacheSize: 1}, nil
	}

	cache, err := New(NewDefaultConfig().WithBackend(backend).WithAnalyticsInterval(TestPollInterval))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for cache.Analytics() == nil && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	_ = cache.Close()

	if cache.Analytics() == nil || polls.Load() == 0 {
		t.Error("Expected analytics to be polled in the background")
	}
}

func TestPrometheusWiring(t *testing.T) {
	reg := prometheus.NewRegistry()
	exporter, err := metrics.NewPrometheusExporter(metrics.NewDefaultConfig(), &metrics.PrometheusConfig{Registry: reg})
	if err != nil {
		t.Fatalf("NewPrometheusExporter failed: %v", err)
	}

	config := NewDefaultConfig().WithPreloadNext(false).WithMetrics(&MetricsConfig{
		Exporter:  exporter,
		Enabled:   true,
		CacheName: "feeds",
	})
	cache, _ := newTestCache(t, config)
	ctx := context.Background()

	_, _, _ = cache.Load(ctx, "a", valueProducer("v"))
	_, _, _ = cache.Load(ctx, "a", valueProducer("v"))
	_, _, _ = cache.Load(ctx, "b", func(context.Context) (string, error) {
		return "", errors.New("boom")
	})
	cache.exportCurrentStats()

	names := exporter.Names()
	if got := gaugeValue(t, reg, names.CacheHitsTotal); got != 1 {
		t.Errorf("Expected hits gauge 1, got %f", got)
	}
	if got := gaugeValue(t, reg, names.CacheMissesTotal); got != 2 {
		t.Errorf("Expected misses gauge 2, got %f", got)
	}

	count, err := testutil.GatherAndCount(reg, names.CacheLoadResultsTotal)
	if err != nil {
		t.Fatalf("GatherAndCount failed: %v", err)
	}
	// hit, miss and error series
	if count != 3 {
		t.Errorf("Expected 3 load result series, got %d", count)
	}
}

// gaugeValue returns the value of the single series of gauge name
func TestEvictionsExported(t *testing.T) {
	reg := prometheus.NewRegistry()
	exporter, err := metrics.NewPrometheusExporter(metrics.NewDefaultConfig(), &metrics.PrometheusConfig{Registry: reg})
	if err != nil {
		t.Fatalf("NewPrometheusExporter failed: %v", err)
	}

	cache, err := New(NewDefaultConfig().
		WithMaxEntries(1).
		WithPreloadNext(false).
		WithMetrics(&MetricsConfig{Exporter: exporter, Enabled: true}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer cache.Close()
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		_, _, _ = cache.Load(ctx, key, valueProducer("v"))
	}
	cache.exportCurrentStats()

	if got := gaugeValue(t, reg, exporter.Names().CacheEvictionsTotal); got != 2 {
		t.Errorf("Expected evictions gauge 2, got %f", got)
	}
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name && len(mf.GetMetric()) == 1 {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("Gauge %s not found", name)
	return 0
}
