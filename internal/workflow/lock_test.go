package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLocker_LockUnlock(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "wo-1", time.Second)
	require.NoError(t, err)

	// A different key is independent.
	other, err := locker.Lock(ctx, "wo-2", time.Second)
	require.NoError(t, err)
	require.NoError(t, other(ctx))

	require.NoError(t, unlock(ctx))
	// Double unlock is harmless.
	require.NoError(t, unlock(ctx))

	again, err := locker.Lock(ctx, "wo-1", time.Second)
	require.NoError(t, err)
	require.NoError(t, again(ctx))
}

func TestMemoryLocker_Contention(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "wo-1", time.Second)
	require.NoError(t, err)

	ctxTimeout, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctxTimeout, "wo-1", time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	acquired := make(chan struct{})
	go func() {
		u, err := locker.Lock(ctx, "wo-1", time.Second)
		if err == nil {
			_ = u(ctx)
		}
		close(acquired)
	}()

	require.NoError(t, unlock(ctx))
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken after unlock")
	}
}

func TestMemoryLocker_MutualExclusion(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(ctx, "wo-1", time.Second)
			if err != nil {
				return
			}
			counter++
			_ = unlock(ctx)
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLocker_LockUnlock(t *testing.T) {
	mr, client := newTestRedis(t)
	locker := NewRedisLocker(client, "maintflow:")
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "wo-1", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, mr.Exists("maintflow:lock:wo-1"))

	require.NoError(t, unlock(ctx))
	assert.False(t, mr.Exists("maintflow:lock:wo-1"))
}

func TestRedisLocker_Contention(t *testing.T) {
	mr, client := newTestRedis(t)
	first := NewRedisLocker(client, "maintflow:")
	second := NewRedisLocker(client, "maintflow:")
	ctx := context.Background()

	unlock1, err := first.Lock(ctx, "wo-1", 5*time.Second)
	require.NoError(t, err)

	ctxTimeout, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	_, err = second.Lock(ctxTimeout, "wo-1", 5*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, unlock1(ctx))

	unlock2, err := second.Lock(ctx, "wo-1", 5*time.Second)
	require.NoError(t, err)
	defer func() { _ = unlock2(ctx) }()
	assert.True(t, mr.Exists("maintflow:lock:wo-1"))
}

func TestRedisLocker_ExpiredHolderCannotReleaseSuccessor(t *testing.T) {
	mr, client := newTestRedis(t)
	locker := NewRedisLocker(client, "maintflow:")
	ctx := context.Background()

	stale, err := locker.Lock(ctx, "wo-1", time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	fresh, err := locker.Lock(ctx, "wo-1", 5*time.Second)
	require.NoError(t, err)

	require.NoError(t, stale(ctx))
	assert.True(t, mr.Exists("maintflow:lock:wo-1"), "stale unlock removed the new holder's key")

	require.NoError(t, fresh(ctx))
	assert.False(t, mr.Exists("maintflow:lock:wo-1"))
}

func TestRedisLocker_HealthCheck(t *testing.T) {
	mr, client := newTestRedis(t)
	locker := NewRedisLocker(client, "maintflow:")

	require.NoError(t, locker.HealthCheck(context.Background()))

	mr.Close()
	assert.Error(t, locker.HealthCheck(context.Background()))
}
