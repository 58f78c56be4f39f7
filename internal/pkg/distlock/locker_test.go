package distlock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker_SerializesSameKey(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "prov-1")
			if err != nil {
				t.Error(err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Empty(t, l.locks, "entries are dropped after the last holder")
}

func TestLocalLocker_TryLockAndContext(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	unlock, err := l.TryLock(ctx, "c-1")
	require.NoError(t, err)

	_, err = l.TryLock(ctx, "c-1")
	assert.ErrorIs(t, err, ErrNotAcquired)

	other, err := l.TryLock(ctx, "c-2")
	require.NoError(t, err)
	other()

	cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = l.Lock(cctx, "c-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // second call is a no-op
	again, err := l.TryLock(ctx, "c-1")
	require.NoError(t, err)
	again()
}

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRedisLocker(t *testing.T) {
	client := newRedis(t)
	l := NewRedisLocker(client, time.Minute)
	ctx := context.Background()

	unlock, err := l.TryLock(ctx, "campaign:1")
	require.NoError(t, err)

	_, err = l.TryLock(ctx, "campaign:1")
	assert.ErrorIs(t, err, ErrNotAcquired)

	acquired := make(chan struct{})
	go func() {
		u, err := l.Lock(ctx, "campaign:1")
		if err == nil {
			close(acquired)
			u()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("lock acquired while held")
	case <-time.After(30 * time.Millisecond):
	}
	unlock()

	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never acquired the lock")
	}
}

func TestRedisLocker_LockHonoursContext(t *testing.T) {
	client := newRedis(t)
	l := NewRedisLocker(client, time.Minute)
	unlock, err := l.TryLock(context.Background(), "k")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "k")
	assert.Error(t, err)
}

func TestRedisLock_ReleaseOnlyOwn(t *testing.T) {
	client := newRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "x", time.Minute)
	b := NewRedisLock(client, "x", time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, b.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "b must not release a's lock")

	require.NoError(t, a.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPGTryLocker(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT pg_try_advisory_lock`).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectExec(`SELECT pg_advisory_unlock`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT pg_try_advisory_lock`).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	l := NewPGTryLocker(db)
	unlock, err := l.TryLock(context.Background(), "campaign:1")
	require.NoError(t, err)
	unlock()

	_, err = l.TryLock(context.Background(), "campaign:1")
	assert.True(t, errors.Is(err, ErrNotAcquired))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisLocker_RenewsLease(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := NewRedisLocker(client, 90*time.Millisecond)

	unlock, err := l.TryLock(context.Background(), "dispatch")
	require.NoError(t, err)

	mr.FastForward(60 * time.Millisecond)
	require.Less(t, mr.TTL("lock:dispatch"), 60*time.Millisecond)

	require.Eventually(t, func() bool {
		return mr.TTL("lock:dispatch") > 60*time.Millisecond
	}, time.Second, 5*time.Millisecond, "lease was not renewed")

	unlock()
	unlock()
	assert.False(t, mr.Exists("lock:dispatch"))
}

func TestRedisLock_ExtendAfterLoss(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	lock := NewRedisLock(client, "gone", time.Second)
	ok, err := lock.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, lock.Extend(ctx, time.Second))

	mr.FastForward(2 * time.Second)
	assert.ErrorIs(t, lock.Extend(ctx, time.Second), ErrLockLost)
}
