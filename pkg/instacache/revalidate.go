package instacache

import (
	"context"
	"fmt"
	"time"

	"github.com/1mb-dev/instacache-go/pkg/metrics"
)

// scheduleRevalidation refreshes key in the background after a hit
func (c *Cache) scheduleRevalidation(key, served string, producer Producer) {
	c.goDetached(func(ctx context.Context) error {
		return c.revalidate(ctx, key, served, producer)
	})
}

// revalidate calls producer once and stores its result. If the result
// differs from served, subscribers and OnUpdate hooks are told. Failures are
// returned as *RevalidationError for the error sink and never reach the
// caller of Load.
func (c *Cache) revalidate(ctx context.Context, key, served string, producer Producer) (err error) {
	start := time.Now()
	defer c.recordOperation(metrics.OperationRevalidate, start)
	defer func() {
		if r := recover(); r != nil {
			err = &RevalidationError{Key: key, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	c.collector.revalidations.Add(1)

	value, err := producer(ctx)
	if err != nil {
		return &RevalidationError{Key: key, Err: err}
	}

	if err := c.store.Set(ctx, key, value); err != nil {
		c.storeFailure(err)
	}

	if value != served {
		c.collector.updates.Add(1)
		c.notify(key, value)
		if c.hooks != nil {
			c.hooks.invokeOnUpdate(ctx, key, served, value)
		}
	}
	return nil
}

// Subscribe registers fn to receive values that background revalidation
// finds changed for key. Calling the returned function unsubscribes.
func (c *Cache) Subscribe(key string, fn func(value string)) (unsubscribe func()) {
	c.subsMu.Lock()
	c.subSeq++
	id := c.subSeq
	if c.subs[key] == nil {
		c.subs[key] = make(map[uint64]func(string))
	}
	c.subs[key][id] = fn
	c.subsMu.Unlock()

	return func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()

		delete(c.subs[key], id)
		if len(c.subs[key]) == 0 {
			delete(c.subs, key)
		}
	}
}

func (c *Cache) notify(key, value string) {
	c.subsMu.RLock()
	listeners := make([]func(string), 0, len(c.subs[key]))
	for _, fn := range c.subs[key] {
		listeners = append(listeners, fn)
	}
	c.subsMu.RUnlock()

	for _, fn := range listeners {
		fn(value)
	}
}
