// Package cacher provides TTL caches with fetch-on-miss semantics. The server
// uses them to remember authentication decisions so that a pluggable (and
// possibly slow) authenticator is consulted once per credential per TTL.
package cacher

import (
	"context"
	"time"
)

// FetchFunc produces the value for a key on a cache miss.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Cacher caches values of type T with fetch-on-miss. Implementations must be
// safe for concurrent use and must run at most one fetch per key at a time
// within a process.
type Cacher[T any] interface {
	// GetOrFetch returns the cached value for key, or calls fetchFn, stores
	// its result for ttl and returns it. Fetch errors are returned and not
	// cached.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - key: The cache key
	//   - ttl: Time-to-live for a freshly fetched value
	//   - fetchFn: Function called on a miss
	//
	// Returns:
	//   - The cached or fetched value
	//   - An error if the backend or the fetch failed
	GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error)

	// Delete removes a key from the cache.
	Delete(ctx context.Context, key string) error

	// DeleteByPrefix removes every key starting with prefix.
	//
	// Returns:
	//   - The number of keys deleted
	//   - An error if the backend failed
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)

	// ItemCount returns the number of keys currently cached.
	ItemCount(ctx context.Context) (int, error)
}
