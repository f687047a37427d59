package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron"

	"github.com/1mb-dev/instacache-go/pkg/instacache"
	"github.com/1mb-dev/instacache-go/pkg/metrics"
)

var configPath = flag.String("config", "", "path to an INI config file with an [instacache] section")

func main() {
	// Also used to init glog
	flag.Parse()
	defer glog.Flush()

	settings, err := loadSettings(*configPath)
	if err != nil {
		glog.Fatalf("reading config: %v", err)
	}

	registry := prometheus.NewRegistry()
	exporter, err := metrics.NewPrometheusExporter(
		metrics.NewDefaultConfig().WithDetailedTimings(true),
		&metrics.PrometheusConfig{Registry: registry},
	)
	if err != nil {
		glog.Fatalf("creating metrics exporter: %v", err)
	}

	cfg, err := settings.cacheConfig()
	if err != nil {
		glog.Fatalf("configuring cache: %v", err)
	}
	cfg = cfg.WithMetrics(&instacache.MetricsConfig{
		Exporter:          exporter,
		Enabled:           true,
		CacheName:         settings.Store,
		ReportingInterval: 15 * time.Second,
	})

	cache, err := instacache.New(cfg)
	if err != nil {
		glog.Fatalf("creating cache: %v", err)
	}

	server := NewServer(cache, nil, registry)

	// Periodic warm-up of the configured URLs
	c := cron.New()
	if len(settings.WarmURLs) > 0 {
		if err := c.AddFunc(settings.WarmSchedule, func() {
			cache.PrefetchAsync(settings.WarmURLs, server.resolve)
		}); err != nil {
			glog.Fatalf("scheduling warm-up %q: %v", settings.WarmSchedule, err)
		}
		cache.PrefetchAsync(settings.WarmURLs, server.resolve)
	}
	c.Start()

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", settings.ListenPort),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Catch closing signal, drain and flush logs
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		sig := <-sigc
		glog.Infof("caught %v, shutting down", sig)

		c.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			glog.Errorf("http shutdown: %v", err)
		}
	}()

	glog.Infof("instacache listening on %s (store=%s, ttl=%v)", httpServer.Addr, settings.Store, settings.TTL)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		glog.Errorf("http server: %v", err)
	}

	if err := cache.Close(); err != nil {
		glog.Errorf("closing cache: %v", err)
	}
}
