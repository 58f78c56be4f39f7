package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/service/campaign"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func seed(t *testing.T, s *Store, id string, status domain.CampaignStatus, created time.Time) {
	t.Helper()
	c := &domain.Campaign{
		ID: id, OwnerID: "owner-1", Name: id, Status: status, CreatedAt: created,
		Recipients: []domain.Recipient{
			domain.NewRecipient("a@example.com", nil),
			domain.NewRecipient("b@example.com", nil),
		},
	}
	c.Recipients[1].Position = 1
	c.TotalRecipients = len(c.Recipients)
	require.NoError(t, s.CreateCampaign(context.Background(), c))
}

func TestCreateCampaign_RejectsDuplicates(t *testing.T) {
	s := NewStore()
	seed(t, s, "c-1", domain.CampaignDraft, t0)
	err := s.CreateCampaign(context.Background(), &domain.Campaign{ID: "c-1"})
	assert.Error(t, err)
	assert.Error(t, s.CreateCampaign(context.Background(), &domain.Campaign{}))
}

func TestLoadCampaign_ReturnsCopies(t *testing.T) {
	s := NewStore()
	seed(t, s, "c-1", domain.CampaignDraft, t0)
	ctx := context.Background()

	c, err := s.LoadCampaign(ctx, "c-1")
	require.NoError(t, err)
	c.Recipients[0].Status = domain.RecipientFailed
	c.Name = "mutated"

	again, err := s.LoadCampaign(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "c-1", again.Name)
	assert.Equal(t, domain.RecipientPending, again.Recipients[0].Status)

	_, err = s.LoadCampaign(ctx, "missing")
	assert.ErrorIs(t, err, campaign.ErrNotFound)
}

func TestListCampaigns_FilterAndPage(t *testing.T) {
	s := NewStore()
	seed(t, s, "old", domain.CampaignDraft, t0)
	seed(t, s, "mid", domain.CampaignRunning, t0.Add(time.Hour))
	seed(t, s, "new", domain.CampaignDraft, t0.Add(2*time.Hour))
	ctx := context.Background()

	all, err := s.ListCampaigns(ctx, campaign.ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "new", all[0].ID)
	assert.Nil(t, all[0].Recipients)

	drafts, err := s.ListCampaigns(ctx, campaign.ListFilter{Status: domain.CampaignDraft})
	require.NoError(t, err)
	assert.Len(t, drafts, 2)

	page, err := s.ListCampaigns(ctx, campaign.ListFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "mid", page[0].ID)

	none, err := s.ListCampaigns(ctx, campaign.ListFilter{Offset: 5})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestUpdateCampaign_RefusesRunning(t *testing.T) {
	s := NewStore()
	seed(t, s, "c-1", domain.CampaignRunning, t0)
	name := "x"
	err := s.UpdateCampaign(context.Background(), "c-1", campaign.UpdateFields{Name: &name})
	assert.ErrorIs(t, err, campaign.ErrCampaignRunning)
}

func TestSaveCampaignStatus_KeepsFirstStart(t *testing.T) {
	s := NewStore()
	seed(t, s, "c-1", domain.CampaignDraft, t0)
	ctx := context.Background()

	first, later := t0, t0.Add(time.Hour)
	require.NoError(t, s.SaveCampaignStatus(ctx, "c-1", domain.CampaignRunning, domain.StatusTimestamps{StartedAt: &first}))
	require.NoError(t, s.SaveCampaignStatus(ctx, "c-1", domain.CampaignPaused, domain.StatusTimestamps{}))
	require.NoError(t, s.SaveCampaignStatus(ctx, "c-1", domain.CampaignRunning, domain.StatusTimestamps{StartedAt: &later}))

	c, _ := s.LoadCampaign(ctx, "c-1")
	require.NotNil(t, c.StartedAt)
	assert.Equal(t, first, *c.StartedAt)

	err := s.SaveCampaignStatus(ctx, "c-1", domain.CampaignDraft, domain.StatusTimestamps{})
	var te *campaign.TransitionError
	assert.ErrorAs(t, err, &te)
}

func TestUpdateRecipient_KeepsCountersInStep(t *testing.T) {
	s := NewStore()
	seed(t, s, "c-1", domain.CampaignRunning, t0)
	ctx := context.Background()

	_, err := s.UpdateRecipient(ctx, "c-1", "a@example.com", func(r *domain.Recipient) error {
		return r.MarkSent("<m1>", t0, false)
	})
	require.NoError(t, err)
	_, err = s.UpdateRecipient(ctx, "c-1", "A@EXAMPLE.COM", func(r *domain.Recipient) error {
		r.RecordOpen(t0)
		return nil
	})
	require.NoError(t, err)
	_, err = s.UpdateRecipient(ctx, "c-1", "b@example.com", func(r *domain.Recipient) error {
		return r.MarkFailed("550 no such user", t0)
	})
	require.NoError(t, err)

	c, _ := s.LoadCampaign(ctx, "c-1")
	assert.Equal(t, c.RecomputeCounters(), c.Counters)
	assert.Equal(t, 1, c.Counters.Sent)
	assert.Equal(t, 1, c.Counters.Opened)
	assert.Equal(t, 1, c.Counters.Failed)
}

func TestUpdateRecipient_FnErrorLeavesRecipient(t *testing.T) {
	s := NewStore()
	seed(t, s, "c-1", domain.CampaignRunning, t0)
	ctx := context.Background()

	_, err := s.UpdateRecipient(ctx, "c-1", "a@example.com", func(r *domain.Recipient) error {
		r.LastError = "partial"
		return r.MarkDelivered(t0)
	})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	c, _ := s.LoadCampaign(ctx, "c-1")
	assert.Empty(t, c.Recipients[0].LastError)

	_, err = s.UpdateRecipient(ctx, "c-1", "nobody@example.com", func(*domain.Recipient) error { return nil })
	assert.ErrorIs(t, err, campaign.ErrRecipientNotFound)
	_, err = s.UpdateRecipient(ctx, "missing", "a@example.com", func(*domain.Recipient) error { return nil })
	assert.ErrorIs(t, err, campaign.ErrNotFound)
}

func TestProviderCounters(t *testing.T) {
	s := NewStore()
	s.PutProvider(domain.ProviderIdentity{ID: "p", SentToday: 5, FailedToday: 1, LastResetDate: "2026-03-01"})
	ctx := context.Background()

	require.NoError(t, s.IncrementProviderCounters(ctx, "p", domain.ProviderCounterDelta{Sent: 1, Failed: 1}))
	p, _ := s.LoadProviderIdentity(ctx, "p")
	assert.Equal(t, 6, p.SentToday)
	assert.Equal(t, 2, p.FailedToday)

	require.NoError(t, s.ResetProviderDay(ctx, "p", "2026-03-02"))
	require.NoError(t, s.IncrementProviderCounters(ctx, "p", domain.ProviderCounterDelta{Sent: 1}))
	// A second reset for the same day is a no-op.
	require.NoError(t, s.ResetProviderDay(ctx, "p", "2026-03-02"))
	p, _ = s.LoadProviderIdentity(ctx, "p")
	assert.Equal(t, 1, p.SentToday)
	assert.Equal(t, "2026-03-02", p.LastResetDate)

	assert.ErrorIs(t, s.ResetProviderDay(ctx, "x", "2026-03-02"), campaign.ErrProviderNotFound)
	_, err := s.LoadTemplate(ctx, "x")
	assert.ErrorIs(t, err, campaign.ErrTemplateNotFound)
}
