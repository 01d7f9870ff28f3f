package quota

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisCounterStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisCounterStoreFromClient(client, "quota:", nil)
	t.Cleanup(func() { _ = store.Close() })

	return store, mr
}

func TestRedisCounterStore_IncrementBounded(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		count, granted, err := store.IncrementBounded(ctx, "u1:2026-08-30", 3, time.Hour)
		require.NoError(t, err)
		assert.True(t, granted)
		assert.Equal(t, want, count)
	}

	// At the ceiling the increment is not applied.
	count, granted, err := store.IncrementBounded(ctx, "u1:2026-08-30", 3, time.Hour)
	require.NoError(t, err)
	assert.False(t, granted)
	assert.Equal(t, int64(3), count)
}

func TestRedisCounterStore_SetsExpiry(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	_, granted, err := store.IncrementBounded(ctx, "u1:2026-08-30", 3, time.Hour)
	require.NoError(t, err)
	require.True(t, granted)

	ttl := mr.TTL("quota:u1:2026-08-30")
	assert.Equal(t, time.Hour, ttl)

	// The counter resets once the window key expires.
	mr.FastForward(2 * time.Hour)

	count, granted, err := store.IncrementBounded(ctx, "u1:2026-08-30", 3, time.Hour)
	require.NoError(t, err)
	assert.True(t, granted)
	assert.Equal(t, int64(1), count)
}

func TestRedisCounterStore_Get(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	count, err := store.Get(ctx, "u1:2026-08-30")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	_, _, err = store.IncrementBounded(ctx, "u1:2026-08-30", 3, time.Hour)
	require.NoError(t, err)

	count, err = store.Get(ctx, "u1:2026-08-30")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestRedisCounterStore_ConcurrentExactness(t *testing.T) {
	const limit = 10
	const callers = 50

	store, _ := newTestRedisStore(t)

	var granted atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start

			_, ok, err := store.IncrementBounded(context.Background(), "u1:2026-08-30", limit, time.Hour)
			if assert.NoError(t, err) && ok {
				granted.Add(1)
			}
		}()
	}

	close(start)
	wg.Wait()

	assert.Equal(t, int64(limit), granted.Load())
}

func TestRedisCounterStore_TrackerIntegration(t *testing.T) {
	store, _ := newTestRedisStore(t)

	tracker, err := NewTracker(store)
	require.NoError(t, err)

	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := tracker.CheckAndConsume(ctx, "u1", 3)
		require.NoError(t, err)
		assert.True(t, res.Granted)
	}

	res, err := tracker.CheckAndConsume(ctx, "u1", 3)
	require.NoError(t, err)
	assert.False(t, res.Granted)
}

func TestRedisCounterStore_CanceledContext(t *testing.T) {
	store, _ := newTestRedisStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := store.IncrementBounded(ctx, "u1:2026-08-30", 3, time.Hour)
	assert.Error(t, err)
}

func TestRedisCounterStore_CloseIdempotent(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisCounterStoreFromClient(client, "quota:", nil)

	assert.NoError(t, store.Close())
	assert.NoError(t, store.Close())
}
