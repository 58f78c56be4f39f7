package main

import (
	"database/sql"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/dispatch-engine/internal/pkg/distlock"
	"github.com/ignite/dispatch-engine/internal/pkg/logger"
	"github.com/ignite/dispatch-engine/internal/quota"
	"github.com/ignite/dispatch-engine/internal/scheduler"
)

// sharedState is the quota, continuation and lock state. It lives in Redis
// when one is configured so several engine processes can serve the same
// identities; otherwise it is local to this process.
type sharedState struct {
	buckets   quota.BucketStore
	queue     scheduler.Queue
	quotaLock distlock.Locker
	runLock   distlock.TryLocker
}

func newSharedState(rdb *redis.Client, db *sql.DB, lockTTL time.Duration) sharedState {
	s := sharedState{
		buckets:   quota.NewMemoryBuckets(),
		queue:     scheduler.NewMemoryQueue(),
		quotaLock: distlock.NewLocalLocker(),
	}
	switch {
	case rdb != nil:
		locker := distlock.NewRedisLocker(rdb, lockTTL)
		s.buckets = quota.NewRedisBuckets(rdb, "dispatch:quota")
		s.queue = scheduler.NewRedisQueue(rdb, scheduler.DefaultQueueKey)
		s.quotaLock, s.runLock = locker, locker
	case db != nil:
		s.runLock = distlock.NewPGTryLocker(db)
		logger.Warn("[Server] no redis_url: hourly buckets and admission locks are per process, run one engine process per provider identity")
	}
	return s
}
