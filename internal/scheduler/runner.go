package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ignite/dispatch-engine/internal/metrics"
	"github.com/ignite/dispatch-engine/internal/pkg/logger"
)

const (
	DefaultPollInterval = time.Second
	DefaultWorkers      = 4
)

// ErrBusy tells the runner a pass for the campaign is already executing
// elsewhere. The campaign is requeued one poll interval later.
var ErrBusy = errors.New("campaign pass already in progress")

// Dispatcher runs one Dispatch Loop invocation for a campaign.
type Dispatcher interface {
	Run(ctx context.Context, campaignID string) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, campaignID string) error

func (f DispatcherFunc) Run(ctx context.Context, campaignID string) error { return f(ctx, campaignID) }

// Runner drains the continuation queue and runs due campaigns on a bounded
// set of workers. A campaign is never run twice concurrently by one Runner.
type Runner struct {
	queue        Queue
	dispatcher   Dispatcher
	workers      int
	pollInterval time.Duration
	now          func() time.Time

	sem  chan struct{}
	wake chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]bool

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

type Option func(*Runner)

func WithWorkers(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.workers = n
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// NewRunner creates a runner over queue. The dispatcher may be set later with
// SetDispatcher, since the Dispatch Loop itself schedules through the runner.
func NewRunner(queue Queue, dispatcher Dispatcher, opts ...Option) *Runner {
	r := &Runner{
		queue:        queue,
		dispatcher:   dispatcher,
		workers:      DefaultWorkers,
		pollInterval: DefaultPollInterval,
		now:          time.Now,
		wake:         make(chan struct{}, 1),
		inflight:     make(map[string]bool),
	}
	for _, o := range opts {
		o(r)
	}
	r.sem = make(chan struct{}, r.workers)
	return r
}

func (r *Runner) SetDispatcher(d Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatcher = d
}

// Schedule queues a continuation of campaignID at at.
func (r *Runner) Schedule(ctx context.Context, campaignID string, at time.Time) error {
	if err := r.queue.Schedule(ctx, campaignID, at); err != nil {
		return err
	}
	metrics.ContinuationsScheduledTotal.Inc()
	logger.Info("[Scheduler] continuation scheduled", "campaign_id", campaignID, "at", at.UTC().Format(time.RFC3339))
	if !at.After(r.now()) {
		r.poke()
	}
	return nil
}

// Scheduled reports whether a continuation is pending for campaignID.
func (r *Runner) Scheduled(ctx context.Context, campaignID string) (time.Time, bool, error) {
	return r.queue.Scheduled(ctx, campaignID)
}

// Launch queues campaignID to run now. It satisfies campaign.Launcher, so a
// start or resume survives a restart between the transition and the run.
func (r *Runner) Launch(ctx context.Context, campaignID string) error {
	if err := r.queue.Schedule(ctx, campaignID, r.now()); err != nil {
		return fmt.Errorf("launch %s: %w", campaignID, err)
	}
	r.poke()
	return nil
}

func (r *Runner) poke() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Start begins polling the queue.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("runner already running")
	}
	if r.dispatcher == nil {
		return fmt.Errorf("runner has no dispatcher")
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.running = true

	r.wg.Add(1)
	go r.loop()

	logger.Info("[Scheduler] runner started", "workers", r.workers, "poll_interval", r.pollInterval.String())
	return nil
}

// Stop cancels polling and waits for running passes to return.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.cancel()
	r.mu.Unlock()

	r.wg.Wait()
	logger.Info("[Scheduler] runner stopped")
}

func (r *Runner) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.pollInterval
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	for {
		if err := r.drain(); err != nil {
			wait := b.NextBackOff()
			logger.Warn("[Scheduler] queue poll failed", "error", err, "retry_in", wait.String())
			select {
			case <-r.ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		b.Reset()

		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
		case <-r.wake:
		}
	}
}

// drain pops due continuations until none are left or every worker is busy.
func (r *Runner) drain() error {
	for r.ctx.Err() == nil {
		free := cap(r.sem) - len(r.sem)
		if free == 0 {
			return nil
		}
		ids, err := r.queue.Due(r.ctx, r.now(), free)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		for _, id := range ids {
			r.dispatch(id)
		}
	}
	return nil
}

func (r *Runner) dispatch(campaignID string) {
	r.inflightMu.Lock()
	if r.inflight[campaignID] {
		r.inflightMu.Unlock()
		r.requeue(campaignID)
		return
	}
	r.inflight[campaignID] = true
	r.inflightMu.Unlock()

	select {
	case r.sem <- struct{}{}:
	case <-r.ctx.Done():
		r.finish(campaignID)
		r.requeue(campaignID)
		return
	}

	r.mu.Lock()
	d := r.dispatcher
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() { <-r.sem }()
		defer r.finish(campaignID)

		err := d.Run(r.ctx, campaignID)
		switch {
		case errors.Is(err, ErrBusy):
			r.requeue(campaignID)
		case err != nil && !errors.Is(err, context.Canceled):
			logger.Error("[Scheduler] dispatch failed", "campaign_id", campaignID, "error", err)
		}
	}()
}

func (r *Runner) finish(campaignID string) {
	r.inflightMu.Lock()
	delete(r.inflight, campaignID)
	r.inflightMu.Unlock()
	r.poke()
}

// requeue puts campaignID back one poll interval out. It uses a fresh context
// so a continuation popped during shutdown is not lost.
func (r *Runner) requeue(campaignID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.queue.Schedule(ctx, campaignID, r.now().Add(r.pollInterval)); err != nil {
		logger.Error("[Scheduler] requeue failed", "campaign_id", campaignID, "error", err)
	}
}
