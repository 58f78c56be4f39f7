package distlock

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/dispatch-engine/internal/pkg/logger"
)

// ErrNotAcquired is returned by TryLock when another holder owns the lock.
var ErrNotAcquired = errors.New("lock held by another owner")

// Locker hands out blocking, keyed mutual exclusion. The returned unlock
// func must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// TryLocker hands out non-blocking keyed locks. It returns ErrNotAcquired
// immediately when the key is held.
type TryLocker interface {
	TryLock(ctx context.Context, key string) (unlock func(), err error)
}

// =============================================================================
// Local keyed locks (single process)
// =============================================================================

// LocalLocker serializes holders of the same key inside one process. Entries
// are reference counted and removed once the last waiter leaves.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*localEntry
}

type localEntry struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker creates an empty keyed locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*localEntry)}
}

func (l *LocalLocker) entry(key string) *localEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[key]
	if !ok {
		e = &localEntry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	return e
}

func (l *LocalLocker) release(key string, e *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

// Lock blocks until key is free or ctx is done.
func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	e := l.entry(key)
	select {
	case e.ch <- struct{}{}:
		return l.unlockFunc(key, e), nil
	case <-ctx.Done():
		l.release(key, e)
		return nil, ctx.Err()
	}
}

// TryLock acquires key only if it is free right now.
func (l *LocalLocker) TryLock(_ context.Context, key string) (func(), error) {
	e := l.entry(key)
	select {
	case e.ch <- struct{}{}:
		return l.unlockFunc(key, e), nil
	default:
		l.release(key, e)
		return nil, ErrNotAcquired
	}
}

func (l *LocalLocker) unlockFunc(key string, e *localEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.release(key, e)
		})
	}
}

// =============================================================================
// Redis keyed locks (cross-process)
// =============================================================================

// RedisLocker builds a RedisLock per key. Lock retries SET NX with
// exponential backoff until ctx is done.
type RedisLocker struct {
	client     *redis.Client
	ttl        time.Duration
	maxBackoff time.Duration
}

// NewRedisLocker creates a locker whose locks expire after ttl if the holder dies.
func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{client: client, ttl: ttl, maxBackoff: 200 * time.Millisecond}
}

// Lock blocks until the Redis lock for key is acquired.
func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	lock := NewRedisLock(r.client, key, r.ttl)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = r.maxBackoff
	b.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		ok, err := lock.Acquire(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return ErrNotAcquired
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, err
	}
	return releaseFunc(lock), nil
}

// TryLock makes a single SET NX attempt. While held, the lease is renewed
// every ttl/3 so a long dispatch pass does not outlive its lock.
func (r *RedisLocker) TryLock(ctx context.Context, key string) (func(), error) {
	lock := NewRedisLock(r.client, key, r.ttl)
	ok, err := lock.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAcquired
	}

	stop := make(chan struct{})
	if r.ttl > 0 {
		go r.renew(lock, stop)
	}
	release := releaseFunc(lock)
	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			release()
		})
	}, nil
}

func (r *RedisLocker) renew(lock *RedisLock, stop <-chan struct{}) {
	every := r.ttl / 3
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), every)
			err := lock.Extend(ctx, r.ttl)
			cancel()
			if errors.Is(err, ErrLockLost) {
				logger.Warn("[distlock] lease lost", "key", lock.key)
				return
			}
			if err != nil {
				logger.Warn("[distlock] lease renewal failed", "key", lock.key, "error", err)
			}
		}
	}
}

// =============================================================================
// Adapters over DistLock
// =============================================================================

// PGTryLocker takes Postgres advisory locks, one per key.
type PGTryLocker struct {
	db *sql.DB
}

// NewPGTryLocker creates a try-locker over pg_try_advisory_lock.
func NewPGTryLocker(db *sql.DB) *PGTryLocker {
	return &PGTryLocker{db: db}
}

// TryLock acquires key or returns ErrNotAcquired.
func (p *PGTryLocker) TryLock(ctx context.Context, key string) (func(), error) {
	lock := NewPGAdvisoryLock(p.db, key)
	ok, err := lock.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return releaseFunc(lock), nil
}

func releaseFunc(lock DistLock) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			// Release must run even when the caller's context is already cancelled.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = lock.Release(ctx)
		})
	}
}
