package metrics

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusConfig configures the Prometheus exporter
type PrometheusConfig struct {
	// Registry receives the collectors; defaults to prometheus.DefaultRegisterer
	Registry prometheus.Registerer

	// Buckets for duration and value histograms; defaults to prometheus.DefBuckets
	Buckets []float64
}

type promMetric struct {
	collector  prometheus.Collector
	labelNames []string
}

// PrometheusExporter publishes metrics as Prometheus collectors. Collectors
// are created lazily; a metric name must always be used with the same label
// keys.
type PrometheusExporter struct {
	config   *Config
	names    MetricNames
	registry prometheus.Registerer
	buckets  []float64

	mu      sync.Mutex
	metrics map[string]*promMetric
}

// NewPrometheusExporter creates a Prometheus exporter
func NewPrometheusExporter(config *Config, promConfig *PrometheusConfig) (*PrometheusExporter, error) {
	if config == nil {
		config = NewDefaultConfig()
	}
	if promConfig == nil {
		promConfig = &PrometheusConfig{}
	}

	registry := promConfig.Registry
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	buckets := promConfig.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	namespace := config.Namespace
	if namespace == "" {
		namespace = "instacache"
	}

	return &PrometheusExporter{
		config:   config,
		names:    NamesFor(namespace),
		registry: registry,
		buckets:  buckets,
		metrics:  make(map[string]*promMetric),
	}, nil
}

// Names returns the metric names this exporter uses
func (p *PrometheusExporter) Names() MetricNames {
	return p.names
}

func (p *PrometheusExporter) merge(labels Labels, extra ...string) (names []string, values prometheus.Labels) {
	values = make(prometheus.Labels, len(p.config.Labels)+len(labels)+len(extra)/2)
	for k, v := range p.config.Labels {
		values[k] = v
	}
	for k, v := range labels {
		values[k] = v
	}
	for i := 0; i+1 < len(extra); i += 2 {
		values[extra[i]] = extra[i+1]
	}

	names = make([]string, 0, len(values))
	for k := range values {
		names = append(names, k)
	}
	slices.Sort(names)
	return names, values
}

func (p *PrometheusExporter) collector(name string, labelNames []string, create func() prometheus.Collector) (prometheus.Collector, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if m, ok := p.metrics[name]; ok {
		if !slices.Equal(m.labelNames, labelNames) {
			return nil, fmt.Errorf("metric %s registered with labels %v, got %v", name, m.labelNames, labelNames)
		}
		return m.collector, nil
	}

	c := create()
	if err := p.registry.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, fmt.Errorf("register %s: %w", name, err)
		}
		c = are.ExistingCollector
	}

	p.metrics[name] = &promMetric{collector: c, labelNames: labelNames}
	return c, nil
}

func (p *PrometheusExporter) gauge(name string, value float64, labels Labels) error {
	labelNames, values := p.merge(labels)
	c, err := p.collector(name, labelNames, func() prometheus.Collector {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: "instacache gauge " + name}, labelNames)
	})
	if err != nil {
		return err
	}
	vec, ok := c.(*prometheus.GaugeVec)
	if !ok {
		return fmt.Errorf("metric %s is not a gauge", name)
	}
	vec.With(values).Set(value)
	return nil
}

func (p *PrometheusExporter) counter(name string, labels Labels, extra ...string) error {
	labelNames, values := p.merge(labels, extra...)
	c, err := p.collector(name, labelNames, func() prometheus.Collector {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: "instacache counter " + name}, labelNames)
	})
	if err != nil {
		return err
	}
	vec, ok := c.(*prometheus.CounterVec)
	if !ok {
		return fmt.Errorf("metric %s is not a counter", name)
	}
	vec.With(values).Inc()
	return nil
}

func (p *PrometheusExporter) histogram(name string, value float64, labels Labels, extra ...string) error {
	labelNames, values := p.merge(labels, extra...)
	c, err := p.collector(name, labelNames, func() prometheus.Collector {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name,
			Help:    "instacache histogram " + name,
			Buckets: p.buckets,
		}, labelNames)
	})
	if err != nil {
		return err
	}
	vec, ok := c.(*prometheus.HistogramVec)
	if !ok {
		return fmt.Errorf("metric %s is not a histogram", name)
	}
	vec.With(values).Observe(value)
	return nil
}

// ExportStats sets one gauge per counter in stats
func (p *PrometheusExporter) ExportStats(stats Stats, labels Labels) error {
	return errors.Join(
		p.gauge(p.names.CacheHitsTotal, float64(stats.Hits()), labels),
		p.gauge(p.names.CacheMissesTotal, float64(stats.Misses()), labels),
		p.gauge(p.names.CacheHitRate, stats.HitRate(), labels),
		p.gauge(p.names.CacheAvgLoadTime, stats.AvgLoadTimeMs(), labels),
		p.gauge(p.names.CacheInFlightLoads, float64(stats.InFlight()), labels),
		p.gauge(p.names.CacheRevalidationsTotal, float64(stats.Revalidations()), labels),
		p.gauge(p.names.CacheUpdatesTotal, float64(stats.Updates()), labels),
		p.gauge(p.names.CachePrefetchesTotal, float64(stats.Prefetches()), labels),
		p.gauge(p.names.CacheEvictionsTotal, float64(stats.Evictions()), labels),
	)
}

// RecordCacheOperation counts the operation and, with detailed timings
// enabled, observes its duration
func (p *PrometheusExporter) RecordCacheOperation(operation Operation, duration time.Duration, labels Labels) error {
	if err := p.counter(p.names.CacheOperationsTotal, labels, "operation", string(operation)); err != nil {
		return err
	}
	if !p.config.IncludeDetailedTimings {
		return nil
	}
	return p.histogram(p.names.CacheOperationDuration, duration.Seconds(), labels, "operation", string(operation))
}

func (p *PrometheusExporter) IncrementCounter(name string, labels Labels) error {
	return p.counter(name, labels)
}

func (p *PrometheusExporter) RecordHistogram(name string, value float64, labels Labels) error {
	return p.histogram(name, value, labels)
}

func (p *PrometheusExporter) SetGauge(name string, value float64, labels Labels) error {
	return p.gauge(name, value, labels)
}

// Close unregisters every collector this exporter created
func (p *PrometheusExporter) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for name, m := range p.metrics {
		p.registry.Unregister(m.collector)
		delete(p.metrics, name)
	}
	return nil
}
