package redisclient

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRedisSlotLocker_ReleasesKeyAfterRun(t *testing.T) {
	mr, rdb := newTestRedis(t)
	locker := NewRedisSlotLocker(rdb, 5*time.Second, 100*time.Millisecond)

	var held bool
	err := locker.WithSlotLock(context.Background(), "7:1704877200000000", func(ctx context.Context) error {
		held = mr.Exists("lock:slot:7:1704877200000000")
		return nil
	})
	require.NoError(t, err)
	assert.True(t, held)
	assert.False(t, mr.Exists("lock:slot:7:1704877200000000"))
}

func TestRedisSlotLocker_PropagatesFnError(t *testing.T) {
	_, rdb := newTestRedis(t)
	locker := NewRedisSlotLocker(rdb, time.Second, 50*time.Millisecond)

	boom := errors.New("boom")
	err := locker.WithSlotLock(context.Background(), "k", func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestRedisSlotLocker_GivesUpAfterWait(t *testing.T) {
	mr, rdb := newTestRedis(t)
	require.NoError(t, mr.Set("lock:slot:busy", "someone-else"))

	locker := NewRedisSlotLocker(rdb, time.Second, 60*time.Millisecond)
	called := false
	err := locker.WithSlotLock(context.Background(), "busy", func(ctx context.Context) error {
		called = true
		return nil
	})

	assert.ErrorIs(t, err, ErrLockNotAcquired)
	assert.False(t, called)
	// A foreign token must survive our failed attempt.
	got, _ := mr.Get("lock:slot:busy")
	assert.Equal(t, "someone-else", got)
}

func TestRedisSlotLocker_WaitersSerialize(t *testing.T) {
	_, rdb := newTestRedis(t)
	locker := NewRedisSlotLocker(rdb, 5*time.Second, 5*time.Second)

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithSlotLock(context.Background(), "shared", func(ctx context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInside))
}

func TestLocalSlotLocker_SerializesSameKey(t *testing.T) {
	locker := NewLocalSlotLocker(time.Second)

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = locker.WithSlotLock(context.Background(), "same", func(ctx context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				if n > atomic.LoadInt32(&maxInside) {
					atomic.StoreInt32(&maxInside, n)
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
}

func TestLocalSlotLocker_DifferentKeysDoNotBlock(t *testing.T) {
	locker := NewLocalSlotLocker(50 * time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = locker.WithSlotLock(context.Background(), "a", func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := locker.WithSlotLock(context.Background(), "b", func(ctx context.Context) error { return nil })
	assert.NoError(t, err)

	err = locker.WithSlotLock(context.Background(), "a", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrLockNotAcquired)

	close(release)
}

func TestLocalSlotLocker_ZeroWaitTakesFreeSlot(t *testing.T) {
	locker := NewLocalSlotLocker(0)

	for i := 0; i < 1000; i++ {
		err := locker.WithSlotLock(context.Background(), "7:1704877200000000", func(ctx context.Context) error {
			return nil
		})
		require.NoError(t, err, "call %d", i)
	}
}

func TestLocalSlotLocker_ZeroWaitFailsWhenHeld(t *testing.T) {
	locker := NewLocalSlotLocker(0)

	err := locker.WithSlotLock(context.Background(), "7:1704877200000000", func(ctx context.Context) error {
		return locker.WithSlotLock(ctx, "7:1704877200000000", func(ctx context.Context) error {
			return nil
		})
	})
	assert.ErrorIs(t, err, ErrLockNotAcquired)
}
