package campaign_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/repository/memory"
	"github.com/ignite/dispatch-engine/internal/service/campaign"
)

type recordingLauncher struct {
	mu       sync.Mutex
	launched []string
	err      error
}

func (l *recordingLauncher) Launch(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launched = append(l.launched, id)
	return l.err
}

var now = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

func newService(t *testing.T) (*campaign.Service, *memory.Store, *recordingLauncher) {
	t.Helper()
	store := memory.NewStore()
	store.PutProvider(domain.ProviderIdentity{ID: "prov-1", Kind: domain.TransportSMTP, Host: "smtp.test", Port: 587, Account: "a", Active: true})
	store.PutTemplate(domain.Template{ID: "tpl-1", Subject: "Hi {{name}}", Body: "<p>Hello</p>", IsHTML: true})
	l := &recordingLauncher{}
	svc := campaign.NewService(store, store, store, l)
	svc.SetClock(func() time.Time { return now })
	return svc, store, l
}

func validInput() campaign.CreateInput {
	return campaign.CreateInput{
		OwnerID:    "owner-1",
		Name:       "Spring",
		ProviderID: "prov-1",
		Subject:    "Hello {{name}}",
		HTMLBody:   "<p>Hi {{name}}</p>",
		Recipients: []campaign.RecipientInput{
			{Address: "A@Example.com", Variables: map[string]string{"name": "A"}},
			{Address: "b@example.com"},
			{Address: "c@example.com"},
		},
	}
}

func TestCreate(t *testing.T) {
	svc, _, _ := newService(t)
	c, err := svc.Create(context.Background(), validInput())
	require.NoError(t, err)

	assert.NotEmpty(t, c.ID)
	assert.Equal(t, domain.CampaignDraft, c.Status)
	assert.Equal(t, 3, c.TotalRecipients)
	assert.Equal(t, "a@example.com", c.Recipients[0].Address)
	assert.Equal(t, 2, c.Recipients[2].Position)
	assert.Equal(t, now, c.CreatedAt)
}

func TestCreate_Validation(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	in := validInput()
	in.Name = ""
	_, err := svc.Create(ctx, in)
	assert.Error(t, err)

	in = validInput()
	in.ProviderID = ""
	_, err = svc.Create(ctx, in)
	assert.Error(t, err)

	in = validInput()
	in.Recipients = append(in.Recipients, campaign.RecipientInput{Address: " a@example.com "})
	_, err = svc.Create(ctx, in)
	assert.ErrorContains(t, err, "duplicate")

	in = validInput()
	in.Recipients = []campaign.RecipientInput{{Address: "nobody"}}
	_, err = svc.Create(ctx, in)
	assert.ErrorContains(t, err, "invalid recipient")
}

func TestStart_LaunchesAndStampsStartedAt(t *testing.T) {
	svc, store, l := newService(t)
	ctx := context.Background()
	c, err := svc.Create(ctx, validInput())
	require.NoError(t, err)

	require.NoError(t, svc.Start(ctx, c.ID))

	got, err := store.LoadCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignRunning, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.Equal(t, now, *got.StartedAt)
	assert.Equal(t, []string{c.ID}, l.launched)
}

func TestStart_RequiresDraft(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	c, _ := svc.Create(ctx, validInput())
	require.NoError(t, svc.Start(ctx, c.ID))

	err := svc.Start(ctx, c.ID)
	var te *campaign.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, domain.CampaignRunning, te.From)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
}

func TestStart_NoPendingRecipients(t *testing.T) {
	svc, _, l := newService(t)
	ctx := context.Background()
	in := validInput()
	in.Recipients = nil
	c, err := svc.Create(ctx, in)
	require.NoError(t, err)

	assert.ErrorIs(t, svc.Start(ctx, c.ID), campaign.ErrNoPendingRecipients)
	assert.Empty(t, l.launched)
}

func TestStart_MissingProviderFailsCampaign(t *testing.T) {
	svc, store, l := newService(t)
	ctx := context.Background()
	in := validInput()
	in.ProviderID = "nope"
	c, err := svc.Create(ctx, in)
	require.NoError(t, err)

	err = svc.Start(ctx, c.ID)
	var se *campaign.SetupError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "provider identity missing", se.Reason)
	assert.ErrorIs(t, err, campaign.ErrProviderNotFound)

	status, _ := store.LoadCampaignStatus(ctx, c.ID)
	assert.Equal(t, domain.CampaignFailed, status)
	assert.Empty(t, l.launched)
}

func TestStart_InactiveProviderAndMissingTemplate(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	store.PutProvider(domain.ProviderIdentity{ID: "off", Active: false})

	in := validInput()
	in.ProviderID = "off"
	c, _ := svc.Create(ctx, in)
	err := svc.Start(ctx, c.ID)
	assert.True(t, campaign.IsSetupError(err))

	in = validInput()
	in.TemplateID = "missing"
	c, _ = svc.Create(ctx, in)
	err = svc.Start(ctx, c.ID)
	assert.ErrorIs(t, err, campaign.ErrTemplateNotFound)
	status, _ := store.LoadCampaignStatus(ctx, c.ID)
	assert.Equal(t, domain.CampaignFailed, status)
}

func TestPauseResume(t *testing.T) {
	svc, store, l := newService(t)
	ctx := context.Background()
	c, _ := svc.Create(ctx, validInput())

	assert.Error(t, svc.Pause(ctx, c.ID), "pause is only legal while running")
	assert.ErrorIs(t, svc.Resume(ctx, c.ID), domain.ErrInvalidTransition)

	require.NoError(t, svc.Start(ctx, c.ID))
	require.NoError(t, svc.Pause(ctx, c.ID))
	status, _ := store.LoadCampaignStatus(ctx, c.ID)
	assert.Equal(t, domain.CampaignPaused, status)

	require.NoError(t, svc.Resume(ctx, c.ID))
	status, _ = store.LoadCampaignStatus(ctx, c.ID)
	assert.Equal(t, domain.CampaignRunning, status)
	assert.Len(t, l.launched, 2)
}

func TestResume_KeepsOriginalStartedAt(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	c, _ := svc.Create(ctx, validInput())
	require.NoError(t, svc.Start(ctx, c.ID))
	require.NoError(t, svc.Pause(ctx, c.ID))

	svc.SetClock(func() time.Time { return now.Add(time.Hour) })
	require.NoError(t, svc.Resume(ctx, c.ID))

	got, _ := store.LoadCampaign(ctx, c.ID)
	assert.Equal(t, now, *got.StartedAt)
}

func TestCancel(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	c, _ := svc.Create(ctx, validInput())
	require.NoError(t, svc.Start(ctx, c.ID))
	require.NoError(t, svc.Cancel(ctx, c.ID))

	got, _ := store.LoadCampaign(ctx, c.ID)
	assert.Equal(t, domain.CampaignCancelled, got.Status)
	assert.Equal(t, 3, got.PendingCount())
	assert.ErrorIs(t, svc.Resume(ctx, c.ID), domain.ErrInvalidTransition)
}

func TestUpdate_RejectedWhileRunning(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	c, _ := svc.Create(ctx, validInput())

	subject := "New subject"
	got, err := svc.Update(ctx, c.ID, campaign.UpdateFields{Subject: &subject})
	require.NoError(t, err)
	assert.Equal(t, subject, got.Subject)

	require.NoError(t, svc.Start(ctx, c.ID))
	pacing := domain.Pacing{DelayBetweenSends: time.Second}
	_, err = svc.Update(ctx, c.ID, campaign.UpdateFields{Pacing: &pacing})
	assert.ErrorIs(t, err, campaign.ErrCampaignRunning)

	require.NoError(t, svc.Pause(ctx, c.ID))
	got, err = svc.Update(ctx, c.ID, campaign.UpdateFields{Pacing: &pacing})
	require.NoError(t, err)
	assert.Equal(t, time.Second, got.Pacing.DelayBetweenSends)
	assert.Equal(t, 3, got.TotalRecipients)
}

func TestLaunchFailureLeavesCampaignRunning(t *testing.T) {
	svc, store, l := newService(t)
	l.err = errors.New("queue down")
	ctx := context.Background()
	c, _ := svc.Create(ctx, validInput())

	require.NoError(t, svc.Start(ctx, c.ID))
	status, _ := store.LoadCampaignStatus(ctx, c.ID)
	assert.Equal(t, domain.CampaignRunning, status)
}

func TestGet_NotFound(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, campaign.ErrNotFound)
}
