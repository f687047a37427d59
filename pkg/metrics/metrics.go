// Package metrics defines the exporter interface instacache reports through,
// with no-op, fan-out, Prometheus and OpenTelemetry implementations.
package metrics

import (
	"errors"
	"time"
)

// Labels are key/value pairs attached to every exported metric
type Labels map[string]string

// Operation names a cache operation for timing metrics
type Operation string

const (
	OperationLoad       Operation = "load"
	OperationGet        Operation = "get"
	OperationSet        Operation = "set"
	OperationClear      Operation = "clear"
	OperationRevalidate Operation = "revalidate"
	OperationPrefetch   Operation = "prefetch"
	OperationAnalytics  Operation = "analytics"
)

// Result is the outcome of a load
type Result string

const (
	ResultHit        Result = "hit"
	ResultMiss       Result = "miss"
	ResultError      Result = "error"
	ResultSuperseded Result = "superseded"
)

// Stats is the read-only view of cache counters an exporter publishes
type Stats interface {
	Hits() int64
	Misses() int64
	HitRate() float64
	AvgLoadTimeMs() float64
	InFlight() int64
	Revalidations() int64
	Updates() int64
	Prefetches() int64
	Evictions() int64
}

// Exporter publishes cache metrics to a monitoring system
type Exporter interface {
	// ExportStats publishes a snapshot of the cumulative counters
	ExportStats(stats Stats, labels Labels) error

	// RecordCacheOperation records the duration of one operation
	RecordCacheOperation(operation Operation, duration time.Duration, labels Labels) error

	IncrementCounter(name string, labels Labels) error
	RecordHistogram(name string, value float64, labels Labels) error
	SetGauge(name string, value float64, labels Labels) error

	Close() error
}

// Config holds exporter configuration
type Config struct {
	Enabled bool

	// Namespace prefixes every metric name
	Namespace string

	// Labels are added to every metric
	Labels Labels

	// ReportingInterval is how often stats are exported; 0 disables reporting
	ReportingInterval time.Duration

	// IncludeDetailedTimings records per-operation durations
	IncludeDetailedTimings bool
}

// NewDefaultConfig returns an enabled config reporting every 30 seconds
func NewDefaultConfig() *Config {
	return &Config{
		Enabled:           true,
		Namespace:         "instacache",
		Labels:            make(Labels),
		ReportingInterval: 30 * time.Second,
	}
}

// WithNamespace sets the metric namespace
func (c *Config) WithNamespace(namespace string) *Config {
	c.Namespace = namespace
	return c
}

// WithLabels merges labels into the config
func (c *Config) WithLabels(labels Labels) *Config {
	if c.Labels == nil {
		c.Labels = make(Labels)
	}
	for k, v := range labels {
		c.Labels[k] = v
	}
	return c
}

// WithReportingInterval sets the stats reporting interval
func (c *Config) WithReportingInterval(interval time.Duration) *Config {
	c.ReportingInterval = interval
	return c
}

// WithDetailedTimings toggles per-operation timing
func (c *Config) WithDetailedTimings(enabled bool) *Config {
	c.IncludeDetailedTimings = enabled
	return c
}

// MetricNames holds the names of the standard metrics
type MetricNames struct {
	CacheHitsTotal          string
	CacheMissesTotal        string
	CacheHitRate            string
	CacheAvgLoadTime        string
	CacheInFlightLoads      string
	CacheRevalidationsTotal string
	CacheUpdatesTotal       string
	CachePrefetchesTotal    string
	CacheEvictionsTotal     string
	CacheOperationsTotal    string
	CacheLoadResultsTotal   string
	CacheOperationDuration  string
	CacheErrorsTotal        string
}

// NamedExporter is an Exporter that reports the metric names it writes
type NamedExporter interface {
	Exporter
	Names() MetricNames
}

// DefaultMetricNames returns the standard metric names in the instacache namespace
func DefaultMetricNames() MetricNames {
	return NamesFor("instacache")
}

// NamesFor returns the standard metric names under namespace
func NamesFor(namespace string) MetricNames {
	p := namespace + "_"
	return MetricNames{
		CacheHitsTotal:          p + "hits_total",
		CacheMissesTotal:        p + "misses_total",
		CacheHitRate:            p + "hit_rate",
		CacheAvgLoadTime:        p + "avg_load_time_ms",
		CacheInFlightLoads:      p + "inflight_loads",
		CacheRevalidationsTotal: p + "revalidations_total",
		CacheUpdatesTotal:       p + "updates_total",
		CachePrefetchesTotal:    p + "prefetches_total",
		CacheEvictionsTotal:     p + "evictions_total",
		CacheOperationsTotal:    p + "operations_total",
		CacheLoadResultsTotal:   p + "load_results_total",
		CacheOperationDuration:  p + "operation_duration_seconds",
		CacheErrorsTotal:        p + "errors_total",
	}
}

// NoOpExporter discards everything
type NoOpExporter struct{}

// NewNoOpExporter creates an exporter that does nothing
func NewNoOpExporter() *NoOpExporter {
	return &NoOpExporter{}
}

func (n *NoOpExporter) ExportStats(Stats, Labels) error { return nil }
func (n *NoOpExporter) RecordCacheOperation(Operation, time.Duration, Labels) error {
	return nil
}
func (n *NoOpExporter) IncrementCounter(string, Labels) error         { return nil }
func (n *NoOpExporter) RecordHistogram(string, float64, Labels) error { return nil }
func (n *NoOpExporter) SetGauge(string, float64, Labels) error        { return nil }
func (n *NoOpExporter) Close() error                                  { return nil }

// MultiExporter fans out to several exporters. Every exporter is called even
// when an earlier one fails; the errors are joined.
type MultiExporter struct {
	exporters []Exporter
}

// NewMultiExporter creates a fan-out exporter
func NewMultiExporter(exporters ...Exporter) *MultiExporter {
	return &MultiExporter{exporters: exporters}
}

func (m *MultiExporter) each(fn func(Exporter) error) error {
	var errs []error
	for _, e := range m.exporters {
		if err := fn(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiExporter) ExportStats(stats Stats, labels Labels) error {
	return m.each(func(e Exporter) error { return e.ExportStats(stats, labels) })
}

func (m *MultiExporter) RecordCacheOperation(op Operation, d time.Duration, labels Labels) error {
	return m.each(func(e Exporter) error { return e.RecordCacheOperation(op, d, labels) })
}

func (m *MultiExporter) IncrementCounter(name string, labels Labels) error {
	return m.each(func(e Exporter) error { return e.IncrementCounter(name, labels) })
}

func (m *MultiExporter) RecordHistogram(name string, value float64, labels Labels) error {
	return m.each(func(e Exporter) error { return e.RecordHistogram(name, value, labels) })
}

func (m *MultiExporter) SetGauge(name string, value float64, labels Labels) error {
	return m.each(func(e Exporter) error { return e.SetGauge(name, value, labels) })
}

func (m *MultiExporter) Close() error {
	return m.each(func(e Exporter) error { return e.Close() })
}
