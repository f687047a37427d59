package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/config"

	"github.com/1mb-dev/instacache-go/pkg/compression"
	"github.com/1mb-dev/instacache-go/pkg/instacache"
)

// settingsSection is the [instacache] section of the config file
const settingsSection = "instacache"

// Config file keys
const (
	ListenPort = "listen_port"

	Store           = "store"
	RedisAddr       = "redis_addr"
	RedisPassword   = "redis_password"
	MemcacheServers = "memcache_servers"

	TTL                 = "ttl"
	MaxEntries          = "max_entries"
	Compression         = "compression"
	PreloadNext         = "preload_next"
	Predictive          = "predictive"
	PrefetchConcurrency = "prefetch_concurrency"
	AnalyticsInterval   = "analytics_interval"

	WarmURLs     = "warm_urls"
	WarmSchedule = "warm_schedule"
)

// Settings configures the demo server
type Settings struct {
	ListenPort int

	Store           string
	RedisAddr       string
	RedisPassword   string
	MemcacheServers []string

	TTL                 time.Duration
	MaxEntries          int
	Compression         string
	PreloadNext         bool
	Predictive          bool
	PrefetchConcurrency int
	AnalyticsInterval   time.Duration

	WarmURLs     []string
	WarmSchedule string
}

func defaultSettings() *Settings {
	return &Settings{
		ListenPort:          8080,
		Store:               "memory",
		TTL:                 instacache.DefaultTTL,
		MaxEntries:          1000,
		Compression:         "none",
		PreloadNext:         true,
		Predictive:          true,
		PrefetchConcurrency: 8,
		AnalyticsInterval:   time.Minute,
		WarmSchedule:        "@every 5m",
	}
}

// loadSettings reads path over the defaults. An empty path yields the
// defaults.
func loadSettings(path string) (*Settings, error) {
	s := defaultSettings()
	if path == "" {
		return s, nil
	}

	c, err := config.ReadDefault(path)
	if err != nil {
		return nil, err
	}

	ints := map[string]*int{
		ListenPort:          &s.ListenPort,
		MaxEntries:          &s.MaxEntries,
		PrefetchConcurrency: &s.PrefetchConcurrency,
	}
	for key, dst := range ints {
		if !c.HasOption(settingsSection, key) {
			continue
		}
		if *dst, err = c.Int(settingsSection, key); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
	}

	strs := map[string]*string{
		Store:         &s.Store,
		RedisAddr:     &s.RedisAddr,
		RedisPassword: &s.RedisPassword,
		Compression:   &s.Compression,
		WarmSchedule:  &s.WarmSchedule,
	}
	for key, dst := range strs {
		if !c.HasOption(settingsSection, key) {
			continue
		}
		if *dst, err = c.String(settingsSection, key); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
	}

	bools := map[string]*bool{
		PreloadNext: &s.PreloadNext,
		Predictive:  &s.Predictive,
	}
	for key, dst := range bools {
		if !c.HasOption(settingsSection, key) {
			continue
		}
		if *dst, err = c.Bool(settingsSection, key); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
	}

	durations := map[string]*time.Duration{
		TTL:               &s.TTL,
		AnalyticsInterval: &s.AnalyticsInterval,
	}
	for key, dst := range durations {
		if !c.HasOption(settingsSection, key) {
			continue
		}
		raw, err := c.String(settingsSection, key)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		if *dst, err = time.ParseDuration(raw); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
	}

	lists := map[string]*[]string{
		MemcacheServers: &s.MemcacheServers,
		WarmURLs:        &s.WarmURLs,
	}
	for key, dst := range lists {
		if !c.HasOption(settingsSection, key) {
			continue
		}
		raw, err := c.String(settingsSection, key)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		*dst = splitList(raw)
	}

	return s, nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// cacheConfig translates settings into a cache config
func (s *Settings) cacheConfig() (*instacache.Config, error) {
	var cfg *instacache.Config
	switch s.Store {
	case "memory", "":
		cfg = instacache.NewDefaultConfig()
	case "redis":
		cfg = instacache.NewDefaultConfig().WithRedis(&instacache.RedisConfig{
			Addr:     s.RedisAddr,
			Password: s.RedisPassword,
		})
	case "memcache":
		cfg = instacache.NewMemcacheConfig(s.MemcacheServers...)
	default:
		return nil, fmt.Errorf("unknown store %q", s.Store)
	}

	comp := compression.NewDefaultConfig()
	if s.Compression != "" && s.Compression != string(compression.CompressorNone) {
		comp = comp.WithEnabled(true).WithAlgorithm(compression.CompressorType(s.Compression))
	}

	return cfg.
		WithTTL(s.TTL).
		WithMaxEntries(s.MaxEntries).
		WithCompression(comp).
		WithPreloadNext(s.PreloadNext).
		WithPredictive(s.Predictive).
		WithPrefetchConcurrency(s.PrefetchConcurrency).
		WithAnalyticsInterval(s.AnalyticsInterval), nil
}
