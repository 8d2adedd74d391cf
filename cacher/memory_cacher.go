// Package cacher provides a fetch-on-miss cache. The store uses it to avoid
// rescanning the shared directory on every LIST when a listing TTL is set.
package cacher

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// MemoryCacher is an in-memory Cacher backed by go-cache, with singleflight
// collapsing concurrent misses. Every invalidation bumps a generation
// counter; a fetch started under an older generation returns its value to
// its callers but does not store it.
type MemoryCacher[T any] struct {
	cache      *cache.Cache
	group      singleflight.Group
	generation atomic.Uint64
}

// NewMemoryCacher creates an in-memory cacher.
//
// Parameters:
//   - defaultExpiration: Default TTL for cached items (cache.NoExpiration for none)
//   - cleanupInterval: Interval at which expired items are purged
//
// Returns:
//   - A new MemoryCacher
func NewMemoryCacher[T any](defaultExpiration, cleanupInterval time.Duration) *MemoryCacher[T] {
	return &MemoryCacher[T]{
		cache: cache.New(defaultExpiration, cleanupInterval),
	}
}

// GetOrFetch implements Cacher.
func (c *MemoryCacher[T]) GetOrFetch(
	ctx context.Context,
	key string,
	ttl time.Duration,
	fetchFn FetchFunc[T],
) (T, error) {
	var zero T

	if val, found := c.cache.Get(key); found {
		if typedVal, ok := val.(T); ok {
			return typedVal, nil
		}
	}

	gen := c.generation.Load()
	flightKey := key + "@" + strconv.FormatUint(gen, 10)

	val, err, _ := c.group.Do(flightKey, func() (any, error) {
		if cachedVal, found := c.cache.Get(key); found {
			if typedVal, ok := cachedVal.(T); ok {
				return typedVal, nil
			}
		}

		fetchedVal, err := fetchFn(ctx)
		if err != nil {
			return zero, err
		}

		if c.generation.Load() == gen {
			c.cache.Set(key, fetchedVal, ttl)
		}

		return fetchedVal, nil
	})
	if err != nil {
		return zero, err
	}

	typedVal, ok := val.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected type in cache for key %s", key)
	}

	return typedVal, nil
}

// Delete implements Cacher.
func (c *MemoryCacher[T]) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.generation.Add(1)
	c.cache.Delete(key)
	return nil
}

// Clear implements Cacher.
func (c *MemoryCacher[T]) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.generation.Add(1)
	c.cache.Flush()
	return nil
}

// ItemCount implements Cacher.
func (c *MemoryCacher[T]) ItemCount(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	return c.cache.ItemCount(), nil
}
