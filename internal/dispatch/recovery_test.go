package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/repository/memory"
	"github.com/ignite/dispatch-engine/internal/scheduler"
	"github.com/ignite/dispatch-engine/internal/service/campaign"
)

type recordingEnqueuer struct {
	*scheduler.MemoryQueue
	mu       sync.Mutex
	launched []string
}

func (e *recordingEnqueuer) Launch(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.launched = append(e.launched, id)
	return nil
}

func (e *recordingEnqueuer) ids() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.launched...)
}

func seedCampaign(t *testing.T, store *memory.Store, id string, status domain.CampaignStatus, created time.Time) {
	t.Helper()
	c := &domain.Campaign{ID: id, Name: id, ProviderID: "p-1", Status: status, CreatedAt: created}
	c.Recipients = []domain.Recipient{domain.NewRecipient("a@example.com", nil)}
	c.TotalRecipients = 1
	require.NoError(t, store.CreateCampaign(context.Background(), c))
}

func TestRecovery_SweepLaunchesRunningWithoutContinuation(t *testing.T) {
	store := memory.NewStore()
	seedCampaign(t, store, "run-1", domain.CampaignRunning, t0)
	seedCampaign(t, store, "run-2", domain.CampaignRunning, t0.Add(time.Minute))
	seedCampaign(t, store, "waiting", domain.CampaignRunning, t0.Add(2*time.Minute))
	seedCampaign(t, store, "paused", domain.CampaignPaused, t0)
	seedCampaign(t, store, "draft", domain.CampaignDraft, t0)

	enq := &recordingEnqueuer{MemoryQueue: scheduler.NewMemoryQueue()}
	require.NoError(t, enq.Schedule(context.Background(), "waiting", t0.Add(time.Hour)))

	r := NewRecovery(store, enq, "")
	r.pageSize = 1
	n, err := r.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"run-1", "run-2"}, enq.ids())
}

func TestRecovery_StartSweepsImmediately(t *testing.T) {
	store := memory.NewStore()
	seedCampaign(t, store, "run-1", domain.CampaignRunning, t0)
	enq := &recordingEnqueuer{MemoryQueue: scheduler.NewMemoryQueue()}

	r := NewRecovery(store, enq, "@every 1h")
	require.NoError(t, r.Start(context.Background()))
	assert.Error(t, r.Start(context.Background()))
	r.Stop()
	r.Stop()

	assert.Equal(t, []string{"run-1"}, enq.ids())
}

func TestRecovery_BadScheduleIsRejected(t *testing.T) {
	r := NewRecovery(memory.NewStore(), &recordingEnqueuer{MemoryQueue: scheduler.NewMemoryQueue()}, "not a schedule")
	assert.Error(t, r.Start(context.Background()))
}

func TestRecovery_EndToEndWithRunner(t *testing.T) {
	h := newHarness(t, domain.ProviderIdentity{})
	id := h.start(t, campaign.CreateInput{}, "a@example.com", "b@example.com")

	runner := scheduler.NewRunner(h.queue, h.d, scheduler.WithPollInterval(10*time.Millisecond))
	require.NoError(t, runner.Start(context.Background()))
	defer runner.Stop()

	_, err := NewRecovery(h.store, runner, "").Sweep(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.load(t, id).Status == domain.CampaignCompleted
	}, 2*time.Second, 10*time.Millisecond)
}
