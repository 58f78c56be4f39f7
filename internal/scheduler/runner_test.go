package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	runs  []string
	calls chan string
}

func newRecorder() *recorder { return &recorder{calls: make(chan string, 16)} }

func (r *recorder) Run(_ context.Context, id string) error {
	r.mu.Lock()
	r.runs = append(r.runs, id)
	r.mu.Unlock()
	r.calls <- id
	return nil
}

func waitFor(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case id := <-ch:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
		return ""
	}
}

func TestRunner_LaunchRunsImmediately(t *testing.T) {
	rec := newRecorder()
	r := NewRunner(NewMemoryQueue(), rec, WithPollInterval(time.Hour))
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	require.NoError(t, r.Launch(context.Background(), "c-1"))
	assert.Equal(t, "c-1", waitFor(t, rec.calls))
}

func TestRunner_RunsScheduledWhenDue(t *testing.T) {
	rec := newRecorder()
	q := NewMemoryQueue()
	r := NewRunner(q, rec, WithPollInterval(10*time.Millisecond))
	require.NoError(t, r.Schedule(context.Background(), "c-1", time.Now().Add(50*time.Millisecond)))

	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	assert.Equal(t, "c-1", waitFor(t, rec.calls))
	assert.Zero(t, q.Len())
}

func TestRunner_FutureContinuationWaits(t *testing.T) {
	rec := newRecorder()
	q := NewMemoryQueue()
	r := NewRunner(q, rec, WithPollInterval(10*time.Millisecond))
	require.NoError(t, r.Schedule(context.Background(), "c-1", time.Now().Add(time.Hour)))
	require.NoError(t, r.Start(context.Background()))

	time.Sleep(50 * time.Millisecond)
	r.Stop()
	assert.Empty(t, rec.runs)
	_, ok, _ := r.Scheduled(context.Background(), "c-1")
	assert.True(t, ok)
}

func TestRunner_BusyIsRequeued(t *testing.T) {
	var attempts atomic.Int32
	done := make(chan string, 1)
	d := DispatcherFunc(func(_ context.Context, id string) error {
		if attempts.Add(1) == 1 {
			return ErrBusy
		}
		done <- id
		return nil
	})
	r := NewRunner(NewMemoryQueue(), d, WithPollInterval(10*time.Millisecond))
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	require.NoError(t, r.Launch(context.Background(), "c-1"))
	assert.Equal(t, "c-1", waitFor(t, done))
	assert.Equal(t, int32(2), attempts.Load())
}

func TestRunner_NoConcurrentRunsPerCampaign(t *testing.T) {
	var active, maxActive atomic.Int32
	var runs atomic.Int32
	started := make(chan string, 2)
	d := DispatcherFunc(func(_ context.Context, id string) error {
		n := active.Add(1)
		started <- id
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		active.Add(-1)
		runs.Add(1)
		return nil
	})
	r := NewRunner(NewMemoryQueue(), d, WithWorkers(4), WithPollInterval(5*time.Millisecond))
	require.NoError(t, r.Start(context.Background()))

	ctx := context.Background()
	require.NoError(t, r.Launch(ctx, "c-1"))
	waitFor(t, started)
	require.NoError(t, r.Launch(ctx, "c-1"))

	require.Eventually(t, func() bool { return runs.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	r.Stop()
	assert.Equal(t, int32(1), maxActive.Load())
}

func TestRunner_StartRequiresDispatcher(t *testing.T) {
	r := NewRunner(NewMemoryQueue(), nil)
	assert.Error(t, r.Start(context.Background()))

	r.SetDispatcher(newRecorder())
	require.NoError(t, r.Start(context.Background()))
	assert.Error(t, r.Start(context.Background()))
	r.Stop()
	r.Stop()
}
