package instacache

import (
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/1mb-dev/instacache-go/pkg/compression"
	"github.com/1mb-dev/instacache-go/pkg/metrics"
)

// StoreType selects the backend New creates
type StoreType int

const (
	// StoreTypeMemory keeps entries in process, bounded by MaxEntries
	StoreTypeMemory StoreType = iota

	// StoreTypeRedis keeps entries in Redis
	StoreTypeRedis

	// StoreTypeMemcache keeps entries in memcached
	StoreTypeMemcache

	// StoreTypeCustom uses Config.Backend
	StoreTypeCustom
)

func (t StoreType) String() string {
	switch t {
	case StoreTypeMemory:
		return "memory"
	case StoreTypeRedis:
		return "redis"
	case StoreTypeMemcache:
		return "memcache"
	case StoreTypeCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// DefaultTTL is the freshness window used when none is configured
const DefaultTTL = 24 * time.Hour

// RedisConfig holds Redis backend settings
type RedisConfig struct {
	// Client is an existing client; when nil one is created from Addr
	Client redis.UniversalClient

	Addr     string
	Password string
	DB       int

	KeyPrefix string
}

// MemcacheConfig holds memcached backend settings
type MemcacheConfig struct {
	Servers   []string
	KeyPrefix string
	Timeout   time.Duration
}

// MetricsConfig wires an exporter into the cache
type MetricsConfig struct {
	Exporter metrics.Exporter
	Enabled  bool

	// CacheName is exported as the cache_name label
	CacheName string
	Labels    metrics.Labels

	// ReportingInterval is how often stats are exported; 0 disables it
	ReportingInterval time.Duration
}

// Config holds cache configuration
type Config struct {
	// TTL is the freshness window. Stale entries are still served.
	TTL time.Duration

	// PreloadNext enables background revalidation after a hit
	PreloadNext bool

	// EnablePredictive enables Prefetch
	EnablePredictive bool

	// Compression is advisory; values are returned unchanged either way
	Compression *compression.Config

	StoreType  StoreType
	MaxEntries int
	Redis      *RedisConfig
	Memcache   *MemcacheConfig

	// Backend overrides StoreType when set
	Backend Backend

	Hooks   *Hooks
	Metrics *MetricsConfig

	// AnalyticsInterval is how often backend analytics are polled; 0 disables polling
	AnalyticsInterval time.Duration

	// PrefetchConcurrency bounds concurrent resolver calls per Prefetch
	PrefetchConcurrency int

	// ErrorSink receives background failures; defaults to LogErrorSink
	ErrorSink ErrorSink

	// Clock stamps entry creation times; defaults to time.Now
	Clock func() time.Time
}

// NewDefaultConfig returns a memory-backed config with a 24h TTL,
// revalidation and prefetching enabled
func NewDefaultConfig() *Config {
	return &Config{
		TTL:                 DefaultTTL,
		PreloadNext:         true,
		EnablePredictive:    true,
		Compression:         compression.NewDefaultConfig(),
		StoreType:           StoreTypeMemory,
		MaxEntries:          1000,
		PrefetchConcurrency: 8,
	}
}

// NewRedisConfig returns a default config backed by Redis at addr
func NewRedisConfig(addr string) *Config {
	return NewDefaultConfig().WithRedis(&RedisConfig{Addr: addr})
}

// NewMemcacheConfig returns a default config backed by memcached
func NewMemcacheConfig(servers ...string) *Config {
	return NewDefaultConfig().WithMemcache(&MemcacheConfig{Servers: servers})
}

// WithTTL sets the freshness window
func (c *Config) WithTTL(ttl time.Duration) *Config {
	c.TTL = ttl
	return c
}

// WithPreloadNext toggles post-hit revalidation
func (c *Config) WithPreloadNext(enabled bool) *Config {
	c.PreloadNext = enabled
	return c
}

// WithPredictive toggles prefetching
func (c *Config) WithPredictive(enabled bool) *Config {
	c.EnablePredictive = enabled
	return c
}

// WithCompression sets the compression config
func (c *Config) WithCompression(config *compression.Config) *Config {
	c.Compression = config
	return c
}

// WithMaxEntries bounds the memory backend
func (c *Config) WithMaxEntries(maxEntries int) *Config {
	c.MaxEntries = maxEntries
	return c
}

// WithStoreType selects the backend
func (c *Config) WithStoreType(storeType StoreType) *Config {
	c.StoreType = storeType
	return c
}

// WithRedis selects the Redis backend
func (c *Config) WithRedis(config *RedisConfig) *Config {
	c.StoreType = StoreTypeRedis
	c.Redis = config
	return c
}

// WithMemcache selects the memcached backend
func (c *Config) WithMemcache(config *MemcacheConfig) *Config {
	c.StoreType = StoreTypeMemcache
	c.Memcache = config
	return c
}

// WithBackend uses a caller-provided backend
func (c *Config) WithBackend(backend Backend) *Config {
	c.StoreType = StoreTypeCustom
	c.Backend = backend
	return c
}

// WithHooks sets the event hooks
func (c *Config) WithHooks(hooks *Hooks) *Config {
	c.Hooks = hooks
	return c
}

// WithMetrics sets the metrics exporter config
func (c *Config) WithMetrics(config *MetricsConfig) *Config {
	c.Metrics = config
	return c
}

// WithAnalyticsInterval sets the backend analytics polling interval
func (c *Config) WithAnalyticsInterval(interval time.Duration) *Config {
	c.AnalyticsInterval = interval
	return c
}

// WithPrefetchConcurrency bounds concurrent prefetch resolutions
func (c *Config) WithPrefetchConcurrency(n int) *Config {
	c.PrefetchConcurrency = n
	return c
}

// WithErrorSink sets the background error sink
func (c *Config) WithErrorSink(sink ErrorSink) *Config {
	c.ErrorSink = sink
	return c
}

// WithClock sets the clock used to stamp entries
func (c *Config) WithClock(clock func() time.Time) *Config {
	c.Clock = clock
	return c
}
