package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultQueueKey = "dispatch:continuations"

// popDueScript atomically takes the earliest due members so two runners never
// pop the same continuation.
var popDueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
if #ids > 0 then
	redis.call('ZREM', KEYS[1], unpack(ids))
end
return ids
`)

// RedisQueue is a durable Queue backed by a sorted set scored by due time in
// epoch milliseconds.
type RedisQueue struct {
	client *redis.Client
	key    string
}

func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = DefaultQueueKey
	}
	return &RedisQueue{client: client, key: key}
}

func (q *RedisQueue) Schedule(ctx context.Context, campaignID string, at time.Time) error {
	err := q.client.ZAdd(ctx, q.key, redis.Z{Score: float64(at.UnixMilli()), Member: campaignID}).Err()
	if err != nil {
		return fmt.Errorf("schedule %s: %w", campaignID, err)
	}
	return nil
}

func (q *RedisQueue) Due(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := popDueScript.Run(ctx, q.client, []string{q.key}, now.UnixMilli(), limit).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("pop due continuations: %w", err)
	}
	return ids, nil
}

func (q *RedisQueue) Scheduled(ctx context.Context, campaignID string) (time.Time, bool, error) {
	score, err := q.client.ZScore(ctx, q.key, campaignID).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("continuation for %s: %w", campaignID, err)
	}
	return time.UnixMilli(int64(score)), true, nil
}
