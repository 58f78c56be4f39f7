package main

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ignite/dispatch-engine/internal/pkg/distlock"
	"github.com/ignite/dispatch-engine/internal/pkg/logger"
	"github.com/ignite/dispatch-engine/internal/quota"
	"github.com/ignite/dispatch-engine/internal/scheduler"
)

func observeLogs(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(logger.DEBUG)
	prev := logger.Default()
	logger.SetDefault(logger.NewWithCore(core, false))
	t.Cleanup(func() { logger.SetDefault(prev) })
	return logs
}

func TestSharedState_RedisIsShared(t *testing.T) {
	logs := observeLogs(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	s := newSharedState(rdb, nil, time.Minute)

	assert.IsType(t, &quota.RedisBuckets{}, s.buckets)
	assert.IsType(t, &scheduler.RedisQueue{}, s.queue)
	assert.IsType(t, &distlock.RedisLocker{}, s.quotaLock)
	assert.IsType(t, &distlock.RedisLocker{}, s.runLock)
	assert.Zero(t, logs.FilterLevelExact(logger.WARN).Len())
}

func TestSharedState_PostgresWithoutRedisWarns(t *testing.T) {
	logs := observeLogs(t)
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := newSharedState(nil, db, time.Minute)

	assert.IsType(t, &quota.MemoryBuckets{}, s.buckets)
	assert.IsType(t, &distlock.LocalLocker{}, s.quotaLock)
	assert.IsType(t, &distlock.PGTryLocker{}, s.runLock)
	warns := logs.FilterLevelExact(logger.WARN).All()
	require.Len(t, warns, 1)
	assert.Contains(t, warns[0].Message, "per process")
}

func TestSharedState_NothingConfiguredIsLocal(t *testing.T) {
	observeLogs(t)
	s := newSharedState(nil, nil, time.Minute)

	assert.IsType(t, &scheduler.MemoryQueue{}, s.queue)
	assert.Nil(t, s.runLock)
}
