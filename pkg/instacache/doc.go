// Package instacache provides a keyed, stale-while-revalidate cache with
// per-key load supersession, background revalidation, predictive prefetching
// and load metrics.
//
// # Overview
//
// A Cache sits in front of a Backend (in-process LRU, Redis, memcached, or
// your own) and resolves values through caller-supplied producers. A stored
// value is served immediately even after its TTL has passed; when
// revalidation is enabled the producer then runs in the background and any
// changed value is pushed to subscribers.
//
// # Basic Usage
//
//	cache, err := instacache.New(instacache.NewDefaultConfig().WithTTL(time.Hour))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cache.Close()
//
//	value, ok, err := cache.Load(ctx, url, func(ctx context.Context) (string, error) {
//	    return fetch(ctx, url)
//	})
//	switch {
//	case err != nil:
//	    // the producer failed; nothing was cached
//	case !ok:
//	    // superseded by a newer Load for url, or ctx was cancelled
//	default:
//	    render(value)
//	}
//
// # Supersession
//
// Only the most recently started Load for a key may write its result. A new
// Load cancels the previous one's context with cause ErrSuperseded, and the
// previous call returns ("", false, nil) even if its producer ignores the
// cancellation. Loads for different keys are independent.
//
// Cancellation is explicit: pass a context and cancel it when the consumer
// goes away.
//
// # Revalidation
//
// After a hit, with PreloadNext enabled, the producer is called once more in
// a detached goroutine. Its result is stored; if it differs from the value
// just served it is delivered to Subscribe callbacks and OnUpdate hooks.
// Failures go to the configured ErrorSink and never reach the caller.
//
//	unsubscribe := cache.Subscribe(url, func(value string) {
//	    rerender(value)
//	})
//	defer unsubscribe()
//
// # Prefetching
//
//	report := cache.Prefetch(ctx, []string{next, previous}, func(ctx context.Context, key string) (string, error) {
//	    return fetch(ctx, key)
//	})
//
// Only absent keys are resolved. Each key settles independently.
//
// # Metrics
//
// Metrics returns hits, misses and the running average load time. Backend
// analytics (hit rate, average load time, size) are polled every
// AnalyticsInterval. A metrics.Exporter, such as the Prometheus or
// OpenTelemetry exporters in pkg/metrics, can be attached with WithMetrics.
//
// # Error Handling
//
// Only a *ProducerError from the foreground path reaches the caller of Load.
// A *StoreError is logged and treated as a miss; supersession is silent; a
// *RevalidationError is delivered to the ErrorSink.
package instacache
