package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/quartz"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/usage-gateway/internal/apperr"
)

var testPolicy = Policy{Capacity: 10, Window: 60 * time.Second, Block: 300 * time.Second}

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb)
}

func stores(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  newRedisStore(t),
	}
}

func TestLimiter_EleventhRequestBlocked(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := quartz.NewMock(t)
			l, err := New(store, testPolicy, clock)
			require.NoError(t, err)

			for i := 0; i < 10; i++ {
				d, err := l.Consume(ctx, "user-1")
				require.NoError(t, err)
				require.True(t, d.Allowed, "request %d", i+1)
				clock.Advance(time.Second)
			}

			d, err := l.Consume(ctx, "user-1")
			require.NoError(t, err)
			assert.False(t, d.Allowed)
			assert.Equal(t, clock.Now().Add(testPolicy.Block).UnixMilli(), d.BlockedUntil.UnixMilli())

			// Other keys are unaffected.
			d, err = l.Consume(ctx, "user-2")
			require.NoError(t, err)
			assert.True(t, d.Allowed)

			// Still blocked after the window has passed.
			clock.Advance(2 * time.Minute)
			err = l.Check(ctx, "user-1")
			var rle *apperr.RateLimitError
			require.True(t, errors.As(err, &rle))
			assert.Equal(t, 3*time.Minute, rle.RetryAfter)

			clock.Advance(3 * time.Minute)
			d, err = l.Consume(ctx, "user-1")
			require.NoError(t, err)
			assert.True(t, d.Allowed)
			assert.Equal(t, 1, d.Count)
		})
	}
}

func TestLimiter_WindowSlides(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := quartz.NewMock(t)
			l, err := New(store, testPolicy, clock)
			require.NoError(t, err)

			for i := 0; i < 10; i++ {
				require.NoError(t, l.Check(ctx, "svc"))
			}
			// Exactly one window later the earlier hits no longer count.
			clock.Advance(testPolicy.Window)
			for i := 0; i < 10; i++ {
				require.NoError(t, l.Check(ctx, "svc"), "request %d", i+1)
			}
		})
	}
}

func TestLimiter_ConcurrentConsumeNeverOvershoots(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := quartz.NewMock(t)
			l, err := New(store, testPolicy, clock)
			require.NoError(t, err)

			var (
				wg      sync.WaitGroup
				allowed atomic.Int32
			)
			for i := 0; i < 100; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					d, err := l.Consume(ctx, "hot-key")
					if err == nil && d.Allowed {
						allowed.Add(1)
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, int32(testPolicy.Capacity), allowed.Load())
		})
	}
}

func TestNew_InvalidPolicy(t *testing.T) {
	_, err := New(NewMemoryStore(), Policy{Capacity: 0, Window: time.Second, Block: time.Second}, nil)
	assert.Error(t, err)
	_, err = New(NewMemoryStore(), Policy{Capacity: 1}, nil)
	assert.Error(t, err)
}

func TestMemoryStore_Sweep(t *testing.T) {
	ctx := context.Background()
	clock := quartz.NewMock(t)
	store := NewMemoryStore()
	l, err := New(store, Policy{Capacity: 1, Window: time.Minute, Block: 5 * time.Minute}, clock)
	require.NoError(t, err)

	require.NoError(t, l.Check(ctx, "idle"))
	require.NoError(t, l.Check(ctx, "blocked"))
	require.Error(t, l.Check(ctx, "blocked"))
	assert.Equal(t, 2, store.Len())

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, store.Sweep(clock.Now(), l.Policy()))
	assert.Equal(t, 1, store.Len())

	clock.Advance(4 * time.Minute)
	assert.Equal(t, 1, store.Sweep(clock.Now(), l.Policy()))
	assert.Equal(t, 0, store.Len())
}

func TestMemoryStore_SweptWindowIsNotReused(t *testing.T) {
	store := NewMemoryStore()
	p := Policy{Capacity: 2, Window: time.Minute, Block: 5 * time.Minute}
	now := time.Date(2026, time.April, 10, 12, 0, 0, 0, time.UTC)

	// A caller holds the window when the janitor unlinks it.
	stale := store.get("k")
	require.Equal(t, 1, store.Sweep(now, p))
	_, ok := stale.consume(now, p)
	assert.False(t, ok)

	for i := 1; i <= 2; i++ {
		d, err := store.Consume(context.Background(), "k", now, p)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, i, d.Count)
	}
	d, err := store.Consume(context.Background(), "k", now, p)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 1, store.Len())
}
