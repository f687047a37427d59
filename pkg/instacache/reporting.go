package instacache

import (
	"context"
	"time"

	"github.com/golang/glog"

	"github.com/1mb-dev/instacache-go/pkg/metrics"
)

// initializeMetrics sets up the metrics exporter if enabled
func (c *Cache) initializeMetrics() {
	c.metricNames = metrics.DefaultMetricNames()

	cfg := c.config.Metrics
	if cfg == nil || !cfg.Enabled || cfg.Exporter == nil {
		c.metricsExporter = metrics.NewNoOpExporter()
		return
	}

	c.metricsExporter = cfg.Exporter
	c.metricsEnabled = true
	if named, ok := cfg.Exporter.(metrics.NamedExporter); ok {
		c.metricNames = named.Names()
	}

	c.metricsLabels = make(metrics.Labels)
	if cfg.CacheName != "" {
		c.metricsLabels["cache_name"] = cfg.CacheName
	} else {
		c.metricsLabels["cache_name"] = "default"
	}
	for k, v := range cfg.Labels {
		c.metricsLabels[k] = v
	}

	if cfg.ReportingInterval > 0 {
		c.startReporter(cfg.ReportingInterval, c.exportCurrentStats)
	}
}

// startReporter runs fn every interval until Close, and once more on the
// way out
func (c *Cache) startReporter(interval time.Duration, fn func()) {
	c.bgWg.Add(1)
	go func() {
		defer c.bgWg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				fn()
			case <-c.stop:
				fn()
				return
			}
		}
	}()
}

// pollAnalytics refreshes the collector's analytics snapshot. On failure the
// previous snapshot is kept.
func (c *Cache) pollAnalytics() {
	start := time.Now()
	defer c.recordOperation(metrics.OperationAnalytics, start)

	ctx, cancel := context.WithTimeout(c.baseCtx, c.pollTimeout())
	defer cancel()

	a, err := c.store.Analytics(ctx)
	if err != nil {
		glog.Warningf("instacache: analytics poll failed, keeping previous snapshot: %v", err)
		return
	}
	if a != nil {
		c.collector.setAnalytics(a)
	}
}

func (c *Cache) pollTimeout() time.Duration {
	if c.config.AnalyticsInterval > 0 {
		return c.config.AnalyticsInterval
	}
	return time.Minute
}

// PollAnalytics polls the backend now instead of waiting for the interval
func (c *Cache) PollAnalytics() *Analytics {
	c.pollAnalytics()
	return c.collector.Analytics()
}

// exportCurrentStats exports the current statistics to metrics
func (c *Cache) exportCurrentStats() {
	_ = c.metricsExporter.ExportStats(c.collector, c.metricsLabels) //nolint:errcheck // Error handling done at higher level
}

// recordOperation records an operation's duration for metrics
func (c *Cache) recordOperation(operation metrics.Operation, start time.Time) {
	if !c.metricsEnabled {
		return
	}
	_ = c.metricsExporter.RecordCacheOperation(operation, time.Since(start), c.metricsLabels) //nolint:errcheck // Error handling done at higher level
}

// countResult counts a load outcome
func (c *Cache) countResult(result metrics.Result) {
	if !c.metricsEnabled {
		return
	}
	labels := make(metrics.Labels, len(c.metricsLabels)+1)
	for k, v := range c.metricsLabels {
		labels[k] = v
	}
	labels["result"] = string(result)
	_ = c.metricsExporter.IncrementCounter(c.metricNames.CacheLoadResultsTotal, labels) //nolint:errcheck // Error handling done at higher level
}
