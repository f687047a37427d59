package metrics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/1mb-dev/instacache-go"

// OTelConfig configures the OpenTelemetry exporter
type OTelConfig struct {
	// MeterProvider supplies the meter; defaults to the global provider
	MeterProvider metric.MeterProvider
}

// OTelExporter records metrics through an OpenTelemetry meter
type OTelExporter struct {
	config *Config
	names  MetricNames
	meter  metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
	gauges     map[string]metric.Float64Gauge
}

// NewOTelExporter creates an OpenTelemetry exporter
func NewOTelExporter(config *Config, otelConfig *OTelConfig) (*OTelExporter, error) {
	if config == nil {
		config = NewDefaultConfig()
	}

	provider := otel.GetMeterProvider()
	if otelConfig != nil && otelConfig.MeterProvider != nil {
		provider = otelConfig.MeterProvider
	}

	namespace := config.Namespace
	if namespace == "" {
		namespace = "instacache"
	}

	return &OTelExporter{
		config:     config,
		names:      NamesFor(namespace),
		meter:      provider.Meter(instrumentationName),
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
		gauges:     make(map[string]metric.Float64Gauge),
	}, nil
}

// Names returns the metric names used by this exporter
func (o *OTelExporter) Names() MetricNames {
	return o.names
}

func (o *OTelExporter) attributes(labels Labels, extra ...attribute.KeyValue) metric.MeasurementOption {
	attrs := make([]attribute.KeyValue, 0, len(o.config.Labels)+len(labels)+len(extra))
	for k, v := range o.config.Labels {
		if _, overridden := labels[k]; !overridden {
			attrs = append(attrs, attribute.String(k, v))
		}
	}
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	attrs = append(attrs, extra...)
	return metric.WithAttributes(attrs...)
}

func (o *OTelExporter) counter(name string) (metric.Int64Counter, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if c, ok := o.counters[name]; ok {
		return c, nil
	}
	c, err := o.meter.Int64Counter(name)
	if err != nil {
		return nil, fmt.Errorf("create counter %s: %w", name, err)
	}
	o.counters[name] = c
	return c, nil
}

func (o *OTelExporter) histogram(name string, opts ...metric.Float64HistogramOption) (metric.Float64Histogram, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if h, ok := o.histograms[name]; ok {
		return h, nil
	}
	h, err := o.meter.Float64Histogram(name, opts...)
	if err != nil {
		return nil, fmt.Errorf("create histogram %s: %w", name, err)
	}
	o.histograms[name] = h
	return h, nil
}

func (o *OTelExporter) gauge(name string) (metric.Float64Gauge, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if g, ok := o.gauges[name]; ok {
		return g, nil
	}
	g, err := o.meter.Float64Gauge(name)
	if err != nil {
		return nil, fmt.Errorf("create gauge %s: %w", name, err)
	}
	o.gauges[name] = g
	return g, nil
}

// ExportStats records one gauge per counter in stats
func (o *OTelExporter) ExportStats(stats Stats, labels Labels) error {
	return errors.Join(
		o.SetGauge(o.names.CacheHitsTotal, float64(stats.Hits()), labels),
		o.SetGauge(o.names.CacheMissesTotal, float64(stats.Misses()), labels),
		o.SetGauge(o.names.CacheHitRate, stats.HitRate(), labels),
		o.SetGauge(o.names.CacheAvgLoadTime, stats.AvgLoadTimeMs(), labels),
		o.SetGauge(o.names.CacheInFlightLoads, float64(stats.InFlight()), labels),
		o.SetGauge(o.names.CacheRevalidationsTotal, float64(stats.Revalidations()), labels),
		o.SetGauge(o.names.CacheUpdatesTotal, float64(stats.Updates()), labels),
		o.SetGauge(o.names.CachePrefetchesTotal, float64(stats.Prefetches()), labels),
		o.SetGauge(o.names.CacheEvictionsTotal, float64(stats.Evictions()), labels),
	)
}

// RecordCacheOperation counts the operation and, with detailed timings
// enabled, records its duration
func (o *OTelExporter) RecordCacheOperation(operation Operation, duration time.Duration, labels Labels) error {
	op := attribute.String("operation", string(operation))

	c, err := o.counter(o.names.CacheOperationsTotal)
	if err != nil {
		return err
	}
	c.Add(context.Background(), 1, o.attributes(labels, op))

	if !o.config.IncludeDetailedTimings {
		return nil
	}
	h, err := o.histogram(o.names.CacheOperationDuration, metric.WithUnit("s"))
	if err != nil {
		return err
	}
	h.Record(context.Background(), duration.Seconds(), o.attributes(labels, op))
	return nil
}

func (o *OTelExporter) IncrementCounter(name string, labels Labels) error {
	c, err := o.counter(name)
	if err != nil {
		return err
	}
	c.Add(context.Background(), 1, o.attributes(labels))
	return nil
}

func (o *OTelExporter) RecordHistogram(name string, value float64, labels Labels) error {
	h, err := o.histogram(name)
	if err != nil {
		return err
	}
	h.Record(context.Background(), value, o.attributes(labels))
	return nil
}

func (o *OTelExporter) SetGauge(name string, value float64, labels Labels) error {
	g, err := o.gauge(name)
	if err != nil {
		return err
	}
	g.Record(context.Background(), value, o.attributes(labels))
	return nil
}

// Close is a no-op; the meter provider owns the instruments
func (o *OTelExporter) Close() error {
	return nil
}
