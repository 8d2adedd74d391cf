package cacher

import (
	"context"
	"time"
)

// FetchFunc loads a value from its source on a cache miss.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Cacher caches values with fetch-on-miss. Implementations must be safe for
// concurrent use and must collapse concurrent misses on the same key into a
// single fetch.
type Cacher[T any] interface {
	// GetOrFetch returns the cached value for key, or calls fetchFn, caches
	// its result for ttl and returns it.
	//
	// Parameters:
	//   - ctx: Context passed through to fetchFn
	//   - key: The cache key
	//   - ttl: Time-to-live for a freshly fetched value
	//   - fetchFn: Function that loads the value on a miss
	//
	// Returns:
	//   - The cached or fetched value
	//   - The error from fetchFn, if it failed
	GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error)

	// Delete invalidates key. A fetch already in flight for key will not
	// repopulate the cache with its (possibly stale) result.
	Delete(ctx context.Context, key string) error

	// Clear invalidates every key.
	Clear(ctx context.Context) error

	// ItemCount returns the number of cached items.
	ItemCount(ctx context.Context) (int, error)
}
