package cacher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// RedisCacher is a Cacher shared by several server instances through Redis.
// Every key is stored under namespace so the cache can share a database with
// other data. Values are JSON encoded.
type RedisCacher[T any] struct {
	client    redis.UniversalClient
	namespace string
	group     singleflight.Group
}

// NewRedisCacher creates a Redis-backed cache. A non-empty namespace that
// does not end in ':' gets one appended, so "sshhub" and "sshhub2" never
// share keys.
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	decisions := NewRedisCacher[bool](client, "sshhub:auth:")
func NewRedisCacher[T any](client redis.UniversalClient, namespace string) *RedisCacher[T] {
	if namespace != "" && !strings.HasSuffix(namespace, ":") {
		namespace += ":"
	}

	return &RedisCacher[T]{
		client:    client,
		namespace: namespace,
	}
}

func (c *RedisCacher[T]) get(ctx context.Context, key string) (T, bool, error) {
	var zero T

	raw, err := c.client.Get(ctx, c.namespace+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("redis get error: %w", err)
	}

	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, false, fmt.Errorf("failed to unmarshal cached value: %w", err)
	}

	return v, true, nil
}

// GetOrFetch implements Cacher. Concurrent misses within this process share
// one fetch; across processes a miss may be fetched more than once, which is
// harmless for idempotent lookups.
func (c *RedisCacher[T]) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error) {
	var zero T

	if v, ok, err := c.get(ctx, key); err != nil || ok {
		return v, err
	}

	val, err, _ := c.group.Do(key, func() (interface{}, error) {
		if v, ok, err := c.get(ctx, key); err != nil || ok {
			return v, err
		}

		fetched, err := fetchFn(ctx)
		if err != nil {
			return zero, err
		}

		data, err := json.Marshal(fetched)
		if err != nil {
			return zero, fmt.Errorf("failed to marshal value: %w", err)
		}

		if err := c.client.Set(ctx, c.namespace+key, data, ttl).Err(); err != nil {
			return zero, fmt.Errorf("failed to cache value: %w", err)
		}

		return fetched, nil
	})
	if err != nil {
		return zero, err
	}

	typed, ok := val.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected type in cache for key %s", key)
	}

	return typed, nil
}

// Delete implements Cacher.
func (c *RedisCacher[T]) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.namespace+key).Err(); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

// DeleteByPrefix implements Cacher using SCAN so large databases are not
// blocked.
func (c *RedisCacher[T]) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	keys, err := c.scan(ctx, c.namespace+prefix+"*")
	if err != nil {
		return 0, err
	}

	if len(keys) == 0 {
		return 0, nil
	}

	deleted, err := c.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to delete keys: %w", err)
	}

	return int(deleted), nil
}

// ItemCount implements Cacher, counting only keys inside the namespace.
func (c *RedisCacher[T]) ItemCount(ctx context.Context) (int, error) {
	keys, err := c.scan(ctx, c.namespace+"*")
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (c *RedisCacher[T]) scan(ctx context.Context, match string) ([]string, error) {
	var keys []string
	iter := c.client.Scan(ctx, 0, match, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}

	return keys, nil
}
