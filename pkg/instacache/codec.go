package instacache

import (
	"context"

	"github.com/goccy/go-json"
)

// JSONProducer adapts a typed producer to a Producer by encoding its result
// as JSON
func JSONProducer[T any](fn func(ctx context.Context) (T, error)) Producer {
	return func(ctx context.Context) (string, error) {
		v, err := fn(ctx)
		if err != nil {
			return "", err
		}
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

// DecodeJSON decodes a value produced by JSONProducer
func DecodeJSON[T any](value string) (T, error) {
	var v T
	err := json.Unmarshal([]byte(value), &v)
	return v, err
}

// LoadJSON is Load for JSON-encoded values
func LoadJSON[T any](ctx context.Context, c *Cache, key string, fn func(ctx context.Context) (T, error), opts ...LoadOption) (T, bool, error) {
	var zero T

	value, ok, err := c.Load(ctx, key, JSONProducer(fn), opts...)
	if err != nil || !ok {
		return zero, ok, err
	}

	v, err := DecodeJSON[T](value)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}
