package cacher

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

func TestMemoryCacher_ImplementsCacher(t *testing.T) {
	var c Cacher[bool] = NewMemoryCacher[bool](time.Minute, time.Minute)
	require.NotNil(t, c)
}

func TestMemoryCacher_GetOrFetch(t *testing.T) {
	ctx := context.Background()

	t.Run("miss calls fetch and caches the result", func(t *testing.T) {
		c := NewMemoryCacher[bool](cache.NoExpiration, time.Minute)
		calls := 0
		fetch := func(context.Context) (bool, error) {
			calls++
			return true, nil
		}

		v, err := c.GetOrFetch(ctx, "user:alice:publickey:fp", time.Minute, fetch)
		require.NoError(t, err)
		assert.True(t, v)

		v, err = c.GetOrFetch(ctx, "user:alice:publickey:fp", time.Minute, fetch)
		require.NoError(t, err)
		assert.True(t, v)
		assert.Equal(t, 1, calls)
	})

	t.Run("false decisions are cached too", func(t *testing.T) {
		c := NewMemoryCacher[bool](cache.NoExpiration, time.Minute)
		calls := 0
		fetch := func(context.Context) (bool, error) {
			calls++
			return false, nil
		}
		for range 3 {
			v, err := c.GetOrFetch(ctx, "k", time.Minute, fetch)
			require.NoError(t, err)
			assert.False(t, v)
		}
		assert.Equal(t, 1, calls)
	})

	t.Run("fetch errors are returned and not cached", func(t *testing.T) {
		c := NewMemoryCacher[bool](cache.NoExpiration, time.Minute)
		_, err := c.GetOrFetch(ctx, "k", time.Minute, func(context.Context) (bool, error) {
			return false, assert.AnError
		})
		assert.ErrorIs(t, err, assert.AnError)

		n, err := c.ItemCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("expired entries are fetched again", func(t *testing.T) {
		c := NewMemoryCacher[int](cache.NoExpiration, time.Minute)
		var calls int
		fetch := func(context.Context) (int, error) {
			calls++
			return calls, nil
		}

		v, err := c.GetOrFetch(ctx, "k", 20*time.Millisecond, fetch)
		require.NoError(t, err)
		assert.Equal(t, 1, v)

		time.Sleep(40 * time.Millisecond)
		v, err = c.GetOrFetch(ctx, "k", 20*time.Millisecond, fetch)
		require.NoError(t, err)
		assert.Equal(t, 2, v)
	})

	t.Run("concurrent misses share one fetch", func(t *testing.T) {
		c := NewMemoryCacher[bool](cache.NoExpiration, time.Minute)
		var calls atomic.Int32
		release := make(chan struct{})
		fetch := func(context.Context) (bool, error) {
			calls.Add(1)
			<-release
			return true, nil
		}

		const n = 20
		var wg sync.WaitGroup
		wg.Add(n)
		for range n {
			go func() {
				defer wg.Done()
				v, err := c.GetOrFetch(ctx, "shared", time.Minute, fetch)
				assert.NoError(t, err)
				assert.True(t, v)
			}()
		}

		time.Sleep(20 * time.Millisecond)
		close(release)
		wg.Wait()
		assert.Equal(t, int32(1), calls.Load())
	})
}

func TestMemoryCacher_Delete(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCacher[bool](cache.NoExpiration, time.Minute)
	_, _ = c.GetOrFetch(ctx, "k", time.Minute, func(context.Context) (bool, error) { return true, nil })

	require.NoError(t, c.Delete(ctx, "k"))
	require.NoError(t, c.Delete(ctx, "missing"))
	n, _ := c.ItemCount(ctx)
	assert.Equal(t, 0, n)

	assert.ErrorIs(t, c.Delete(cancelledContext(), "k"), context.Canceled)
}

func TestMemoryCacher_DeleteByPrefix(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCacher[bool](cache.NoExpiration, time.Minute)
	for _, k := range []string{"user:alice:a", "user:alice:b", "user:bob:a"} {
		_, err := c.GetOrFetch(ctx, k, time.Minute, func(context.Context) (bool, error) { return true, nil })
		require.NoError(t, err)
	}

	t.Run("removes matching keys only", func(t *testing.T) {
		n, err := c.DeleteByPrefix(ctx, "user:alice:")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		count, _ := c.ItemCount(ctx)
		assert.Equal(t, 1, count)
	})

	t.Run("no match deletes nothing", func(t *testing.T) {
		n, err := c.DeleteByPrefix(ctx, "user:carol:")
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("cancelled context", func(t *testing.T) {
		_, err := c.DeleteByPrefix(cancelledContext(), "user:")
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestMemoryCacher_ItemCount_ContextCancelled(t *testing.T) {
	c := NewMemoryCacher[bool](cache.NoExpiration, time.Minute)
	_, err := c.ItemCount(cancelledContext())
	assert.ErrorIs(t, err, context.Canceled)
}
