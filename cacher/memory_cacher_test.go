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

var _ Cacher[[]string] = (*MemoryCacher[[]string])(nil)

func TestNewMemoryCacher(t *testing.T) {
	c := NewMemoryCacher[string](time.Minute, 10*time.Minute)
	require.NotNil(t, c)
	require.NotNil(t, c.cache)
}

func TestMemoryCacher_GetOrFetch(t *testing.T) {
	ctx := context.Background()

	t.Run("miss calls fetch", func(t *testing.T) {
		c := NewMemoryCacher[string](cache.NoExpiration, time.Minute)
		calls := 0
		val, err := c.GetOrFetch(ctx, "key", time.Minute, func(context.Context) (string, error) {
			calls++
			return "value", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "value", val)
		assert.Equal(t, 1, calls)
	})

	t.Run("hit skips fetch", func(t *testing.T) {
		c := NewMemoryCacher[string](cache.NoExpiration, time.Minute)
		_, err := c.GetOrFetch(ctx, "key", time.Minute, func(context.Context) (string, error) {
			return "value", nil
		})
		require.NoError(t, err)

		val, err := c.GetOrFetch(ctx, "key", time.Minute, func(context.Context) (string, error) {
			return "should not be used", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "value", val)
	})

	t.Run("fetch error is not cached", func(t *testing.T) {
		c := NewMemoryCacher[string](cache.NoExpiration, time.Minute)
		_, err := c.GetOrFetch(ctx, "key", time.Minute, func(context.Context) (string, error) {
			return "", assert.AnError
		})
		assert.ErrorIs(t, err, assert.AnError)

		count, err := c.ItemCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})

	t.Run("expired entry is fetched again", func(t *testing.T) {
		c := NewMemoryCacher[int](cache.NoExpiration, time.Minute)
		var calls atomic.Int32
		fetch := func(context.Context) (int, error) {
			return int(calls.Add(1)), nil
		}

		first, err := c.GetOrFetch(ctx, "key", 10*time.Millisecond, fetch)
		require.NoError(t, err)
		time.Sleep(30 * time.Millisecond)
		second, err := c.GetOrFetch(ctx, "key", 10*time.Millisecond, fetch)
		require.NoError(t, err)

		assert.Equal(t, 1, first)
		assert.Equal(t, 2, second)
	})
}

func TestMemoryCacher_GetOrFetch_Singleflight(t *testing.T) {
	c := NewMemoryCacher[string](cache.NoExpiration, time.Minute)
	ctx := context.Background()

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "listing", nil
	}

	const n = 20
	var wg sync.WaitGroup
	results := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			v, err := c.GetOrFetch(ctx, "list", time.Minute, fetch)
			assert.NoError(t, err)
			results[idx] = v
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		assert.Equal(t, "listing", r)
	}
}

func TestMemoryCacher_Delete_DuringFetch(t *testing.T) {
	c := NewMemoryCacher[string](cache.NoExpiration, time.Minute)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan string)
	go func() {
		v, _ := c.GetOrFetch(ctx, "list", time.Minute, func(context.Context) (string, error) {
			close(started)
			<-release
			return "stale", nil
		})
		done <- v
	}()

	<-started
	require.NoError(t, c.Delete(ctx, "list"))
	close(release)
	assert.Equal(t, "stale", <-done)

	val, err := c.GetOrFetch(ctx, "list", time.Minute, func(context.Context) (string, error) {
		return "fresh", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "fresh", val, "a fetch started before Delete must not repopulate the cache")
}

func TestMemoryCacher_Delete(t *testing.T) {
	c := NewMemoryCacher[string](cache.NoExpiration, time.Minute)
	ctx := context.Background()

	_, _ = c.GetOrFetch(ctx, "a", time.Minute, func(context.Context) (string, error) { return "1", nil })
	require.NoError(t, c.Delete(ctx, "a"))
	require.NoError(t, c.Delete(ctx, "missing"))

	count, err := c.ItemCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestMemoryCacher_Clear(t *testing.T) {
	c := NewMemoryCacher[string](cache.NoExpiration, time.Minute)
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		_, _ = c.GetOrFetch(ctx, k, time.Minute, func(context.Context) (string, error) { return k, nil })
	}

	count, _ := c.ItemCount(ctx)
	assert.Equal(t, 3, count)

	require.NoError(t, c.Clear(ctx))
	count, _ = c.ItemCount(ctx)
	assert.Equal(t, 0, count)
}

func TestMemoryCacher_ContextCancelled(t *testing.T) {
	c := NewMemoryCacher[string](cache.NoExpiration, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, c.Delete(ctx, "a"), context.Canceled)
	assert.ErrorIs(t, c.Clear(ctx), context.Canceled)
	_, err := c.ItemCount(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
