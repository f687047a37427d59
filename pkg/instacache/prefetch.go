package instacache

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"github.com/1mb-dev/instacache-go/pkg/metrics"
)

// Resolver produces the value for a key being prefetched
type Resolver func(ctx context.Context, key string) (string, error)

// PrefetchReport describes what a Prefetch did with each key
type PrefetchReport struct {
	// Fetched keys were absent and have been stored
	Fetched []string

	// Skipped keys were already cached or being loaded
	Skipped []string

	// Failed maps keys to their resolver or store error
	Failed map[string]error
}

type prefetchOutcome int

const (
	prefetchFetched prefetchOutcome = iota
	prefetchSkipped
)

// Prefetch warms the cache for keys that are not yet stored. Keys are
// resolved concurrently, up to PrefetchConcurrency at a time, and a failure
// on one key never stops the others. Prefetch does nothing when
// EnablePredictive is off.
func (c *Cache) Prefetch(ctx context.Context, keys []string, resolver Resolver) PrefetchReport {
	var report PrefetchReport
	if !c.config.EnablePredictive || resolver == nil || len(keys) == 0 || c.closed.Load() {
		return report
	}

	start := time.Now()
	defer c.recordOperation(metrics.OperationPrefetch, start)

	var (
		mu   sync.Mutex
		g    errgroup.Group
		seen = make(map[string]struct{}, len(keys))
	)
	g.SetLimit(c.config.PrefetchConcurrency)

	for _, key := range keys {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		key := key

		g.Go(func() error {
			outcome, err := c.prefetchKey(ctx, key, resolver)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				if report.Failed == nil {
					report.Failed = make(map[string]error)
				}
				report.Failed[key] = &PrefetchError{Key: key, Err: err}
			case outcome == prefetchFetched:
				report.Fetched = append(report.Fetched, key)
			default:
				report.Skipped = append(report.Skipped, key)
			}
			// Failures are reported, never propagated, so siblings keep running
			return nil
		})
	}
	_ = g.Wait()

	return report
}

// PrefetchAsync runs Prefetch in the background. Failures go to the error
// sink.
func (c *Cache) PrefetchAsync(keys []string, resolver Resolver) {
	if !c.config.EnablePredictive {
		return
	}
	c.goDetached(func(ctx context.Context) error {
		report := c.Prefetch(ctx, keys, resolver)
		for _, err := range report.Failed {
			c.report(err)
		}
		glog.V(1).Infof("instacache: prefetch fetched %d, skipped %d, failed %d",
			len(report.Fetched), len(report.Skipped), len(report.Failed))
		return nil
	})
}

// prefetchKey stores the resolver's value for key if the key is absent.
// Concurrent prefetches of one key share a single resolution.
func (c *Cache) prefetchKey(ctx context.Context, key string, resolver Resolver) (prefetchOutcome, error) {
	v, err, _ := c.prefetches.Do(key, func() (any, error) {
		if c.loading(key) {
			return prefetchSkipped, nil
		}

		_, found, err := c.store.Get(ctx, key)
		if err != nil {
			c.storeFailure(err)
		} else if found {
			return prefetchSkipped, nil
		}

		value, err := resolver(ctx, key)
		if err != nil {
			return prefetchSkipped, err
		}
		if err := c.store.Set(ctx, key, value); err != nil {
			return prefetchSkipped, err
		}

		c.collector.prefetches.Add(1)
		return prefetchFetched, nil
	})
	if err != nil {
		return prefetchSkipped, err
	}
	return v.(prefetchOutcome), nil
}
