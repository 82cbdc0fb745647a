// Package cache keeps short-lived copies of backend lookups such as the
// model catalogue.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// CachedResponse is a cached value and when it was stored
type CachedResponse[T any] struct {
	Value     T
	Timestamp time.Time
}

// TTL caches values per key for a fixed duration. Concurrent loads of the
// same key share one call.
type TTL[T any] struct {
	ttl     time.Duration
	now     func() time.Time
	entries sync.Map
	group   singleflight.Group
}

func New[T any](ttl time.Duration) *TTL[T] {
	return &TTL[T]{ttl: ttl, now: time.Now}
}

// Get returns the cached value for key if it has not expired.
func (c *TTL[T]) Get(key string) (T, bool) {
	var zero T
	val, ok := c.entries.Load(key)
	if !ok {
		return zero, false
	}
	cached := val.(CachedResponse[T])
	if c.now().Sub(cached.Timestamp) >= c.ttl {
		c.entries.Delete(key)
		return zero, false
	}
	return cached.Value, true
}

func (c *TTL[T]) Set(key string, v T) {
	c.entries.Store(key, CachedResponse[T]{Value: v, Timestamp: c.now()})
}

func (c *TTL[T]) Invalidate(key string) {
	c.entries.Delete(key)
}

// GetOrLoad returns the cached value or calls load and caches its result.
// Errors are not cached.
func (c *TTL[T]) GetOrLoad(ctx context.Context, key string, load func(context.Context) (T, error)) (T, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	res, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := load(ctx)
		if err != nil {
			return v, err
		}
		c.Set(key, v)
		return v, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return res.(T), nil
}
