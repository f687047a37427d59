package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/1mb-dev/instacache-go/internal/entry"
	"github.com/1mb-dev/instacache-go/internal/store"
)

const (
	fieldValue     = "v"
	fieldCreatedAt = "c"
	fieldTTL       = "t"
	fieldAlgorithm = "z"

	fieldLoads    = "loads"
	fieldHits     = "hits"
	fieldLoadTime = "load_ms"

	clearBatchSize = 500
)

// Config holds Redis backend settings
type Config struct {
	// Client is an existing client. When nil, one is created from Addr.
	Client redis.UniversalClient

	Addr     string
	Password string
	DB       int

	// KeyPrefix namespaces every key this backend writes
	KeyPrefix string
}

// Store keeps each entry as a Redis hash. Entries carry no Redis expiry:
// stale entries must remain servable until overwritten or cleared.
type Store struct {
	client     redis.UniversalClient
	ownsClient bool
	prefix     string
}

// New creates a Redis backend
func New(config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("redis config is required")
	}

	s := &Store{
		client: config.Client,
		prefix: config.KeyPrefix,
	}
	if s.prefix == "" {
		s.prefix = "instacache:"
	}

	if s.client == nil {
		if config.Addr == "" {
			return nil, fmt.Errorf("redis address is required when no client is provided")
		}
		s.client = redis.NewClient(&redis.Options{
			Addr:     config.Addr,
			Password: config.Password,
			DB:       config.DB,
		})
		s.ownsClient = true
	}

	return s, nil
}

func (s *Store) entryKey(key string) string {
	return s.prefix + "e:" + key
}

func (s *Store) indexKey() string {
	return s.prefix + "keys"
}

func (s *Store) analyticsKey() string {
	return s.prefix + "analytics"
}

// Initialize verifies the server is reachable
func (s *Store) Initialize(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return nil
}

// Get reads the entry hash for key
func (s *Store) Get(ctx context.Context, key string) (*entry.Entry, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.entryKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if len(fields) == 0 {
		return nil, false, nil
	}

	e := &entry.Entry{Key: key, Value: fields[fieldValue]}
	if c, err := strconv.ParseInt(fields[fieldCreatedAt], 10, 64); err == nil {
		e.CreatedAt = time.Unix(0, c)
	}
	if t, err := strconv.ParseInt(fields[fieldTTL], 10, 64); err == nil {
		e.TTL = time.Duration(t)
	}
	if alg := fields[fieldAlgorithm]; alg != "" {
		e.SetCompressionInfo(alg)
	}
	return e, true, nil
}

// Set writes the entry hash and indexes the key
func (s *Store) Set(ctx context.Context, e *entry.Entry) error {
	k := s.entryKey(e.Key)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, k)
		values := []any{
			fieldValue, e.Value,
			fieldCreatedAt, strconv.FormatInt(e.CreatedAt.UnixNano(), 10),
			fieldTTL, strconv.FormatInt(int64(e.TTL), 10),
		}
		if e.Compressed {
			values = append(values, fieldAlgorithm, e.Algorithm)
		}
		pipe.HSet(ctx, k, values...)
		pipe.SAdd(ctx, s.indexKey(), e.Key)
		return nil
	})
	return err
}

// ClearAll deletes every indexed entry
func (s *Store) ClearAll(ctx context.Context) error {
	keys, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}

	for start := 0; start < len(keys); start += clearBatchSize {
		end := min(start+clearBatchSize, len(keys))
		batch := make([]string, 0, end-start)
		for _, key := range keys[start:end] {
			batch = append(batch, s.entryKey(key))
		}
		if err := s.client.Del(ctx, batch...).Err(); err != nil {
			return err
		}
	}

	return s.client.Del(ctx, s.indexKey()).Err()
}

// Record adds a load sample to the analytics hash
func (s *Store) Record(ctx context.Context, sample store.Sample) error {
	k := s.analyticsKey()
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, k, fieldLoads, 1)
		if sample.Hit {
			pipe.HIncrBy(ctx, k, fieldHits, 1)
		}
		pipe.HIncrByFloat(ctx, k, fieldLoadTime, float64(sample.LoadTime)/float64(time.Millisecond))
		return nil
	})
	return err
}

// Analytics derives hit rate and average load time from the analytics hash
func (s *Store) Analytics(ctx context.Context) (*store.Analytics, error) {
	fields, err := s.client.HGetAll(ctx, s.analyticsKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	loads, _ := strconv.ParseInt(fields[fieldLoads], 10, 64)
	if loads == 0 {
		return nil, nil
	}
	hits, _ := strconv.ParseInt(fields[fieldHits], 10, 64)
	loadMs, _ := strconv.ParseFloat(fields[fieldLoadTime], 64)

	size, err := s.client.SCard(ctx, s.indexKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	return &store.Analytics{
		HitRate:       float64(hits) / float64(loads) * 100,
		AvgLoadTimeMs: loadMs / float64(loads),
		CacheSize:     size,
	}, nil
}

// Close closes the client if this backend created it
func (s *Store) Close() error {
	if s.ownsClient {
		return s.client.Close()
	}
	return nil
}
