// Package scheduler holds the delayed-task queue for dispatch continuations
// and the Runner that drains it into the Dispatch Loop.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Queue stores at most one pending continuation per campaign. Scheduling an
// already queued campaign replaces its due time.
type Queue interface {
	Schedule(ctx context.Context, campaignID string, at time.Time) error
	// Due removes and returns up to limit campaigns due at or before now,
	// earliest first.
	Due(ctx context.Context, now time.Time, limit int) ([]string, error)
	// Scheduled reports the pending due time for campaignID, if any.
	Scheduled(ctx context.Context, campaignID string) (time.Time, bool, error)
}

// MemoryQueue is a process-local Queue. Continuations do not survive a
// restart; the recovery sweep covers that case.
type MemoryQueue struct {
	mu  sync.Mutex
	due map[string]time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{due: make(map[string]time.Time)}
}

func (q *MemoryQueue) Schedule(_ context.Context, campaignID string, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.due[campaignID] = at
	return nil
}

func (q *MemoryQueue) Due(_ context.Context, now time.Time, limit int) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	type item struct {
		id string
		at time.Time
	}
	var ready []item
	for id, at := range q.due {
		if !at.After(now) {
			ready = append(ready, item{id, at})
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].at.Equal(ready[j].at) {
			return ready[i].id < ready[j].id
		}
		return ready[i].at.Before(ready[j].at)
	})
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}

	ids := make([]string, len(ready))
	for i, it := range ready {
		ids[i] = it.id
		delete(q.due, it.id)
	}
	return ids, nil
}

func (q *MemoryQueue) Scheduled(_ context.Context, campaignID string) (time.Time, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	at, ok := q.due[campaignID]
	return at, ok, nil
}

// Len returns the number of queued continuations.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.due)
}
