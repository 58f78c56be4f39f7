package tracking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/repository/memory"
	"github.com/ignite/dispatch-engine/internal/service/campaign"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

// seedSent stores a running campaign whose recipients have all been sent.
func seedSent(t *testing.T, addrs ...string) *memory.Store {
	t.Helper()
	store := memory.NewStore()
	c := &domain.Campaign{ID: "c-1", Name: "spring", ProviderID: "p-1", Status: domain.CampaignRunning, CreatedAt: t0}
	for i, a := range addrs {
		r := domain.NewRecipient(a, nil)
		r.Position = i
		require.NoError(t, r.MarkSent("m-"+a, t0, false))
		c.Recipients = append(c.Recipients, r)
	}
	c.TotalRecipients = len(addrs)
	require.NoError(t, store.CreateCampaign(context.Background(), c))
	return store
}

func recipient(t *testing.T, store *memory.Store, addr string) (*domain.Campaign, domain.Recipient) {
	t.Helper()
	c, err := store.LoadCampaign(context.Background(), "c-1")
	require.NoError(t, err)
	r, ok := c.Recipient(addr)
	require.True(t, ok)
	return c, *r
}

func TestIngest_DoubleOpenCountsTwice(t *testing.T) {
	store := seedSent(t, "a@example.com")
	in := NewIngest(store)
	ctx := context.Background()
	token := FormatToken("c-1", "a@example.com", t0)

	in.RecordOpen(ctx, token)
	in.RecordOpen(ctx, token)

	c, r := recipient(t, store, "a@example.com")
	assert.Equal(t, 2, r.OpenCount)
	assert.Equal(t, domain.RecipientOpened, r.Status)
	assert.Equal(t, 1, c.Counters.Opened)
}

func TestIngest_OpenNeverRegresses(t *testing.T) {
	store := seedSent(t, "a@example.com")
	in := NewIngest(store)
	ctx := context.Background()
	token := FormatToken("c-1", "a@example.com", t0)

	in.RecordClick(ctx, token, "https://x.example.com")
	in.RecordOpen(ctx, token)

	_, r := recipient(t, store, "a@example.com")
	assert.Equal(t, domain.RecipientClicked, r.Status)
	assert.Equal(t, 1, r.OpenCount)
}

func TestIngest_ClickKeepsDistinctLinks(t *testing.T) {
	store := seedSent(t, "a@example.com")
	in := NewIngest(store)
	ctx := context.Background()
	token := FormatToken("c-1", "a@example.com", t0)

	in.RecordClick(ctx, token, "https://x.example.com")
	in.RecordClick(ctx, token, "https://x.example.com")
	in.RecordClick(ctx, token, "https://y.example.com")

	c, r := recipient(t, store, "a@example.com")
	assert.Equal(t, 3, r.ClickCount)
	assert.Equal(t, []string{"https://x.example.com", "https://y.example.com"}, r.ClickedLinks)
	assert.Equal(t, 1, c.Counters.Clicked)
}

func TestIngest_ReplyDeliveredBounce(t *testing.T) {
	store := seedSent(t, "a@example.com", "b@example.com")
	in := NewIngest(store)
	ctx := context.Background()

	in.RecordDelivered(ctx, "c-1", "a@example.com")
	in.RecordReply(ctx, "A@Example.com", "c-1")
	in.RecordBounce(ctx, "c-1", "b@example.com", "550 mailbox unavailable")

	c, a := recipient(t, store, "a@example.com")
	assert.Equal(t, domain.RecipientReplied, a.Status)
	assert.Equal(t, 1, a.ReplyCount)
	_, b := recipient(t, store, "b@example.com")
	assert.Equal(t, domain.RecipientBounced, b.Status)
	assert.Equal(t, "550 mailbox unavailable", b.LastError)

	assert.Equal(t, domain.Counters{Sent: 2, Delivered: 1, Replied: 1, Bounced: 1}, c.Counters)
}

func TestIngest_DropsUnparseableAndUnknown(t *testing.T) {
	store := seedSent(t, "a@example.com")
	in := NewIngest(store)
	ctx := context.Background()

	in.RecordOpen(ctx, "garbage")
	in.RecordOpen(ctx, FormatToken("c-404", "a@example.com", t0))
	in.RecordOpen(ctx, FormatToken("c-1", "nobody@example.com", t0))

	c, r := recipient(t, store, "a@example.com")
	assert.Zero(t, r.OpenCount)
	assert.Equal(t, domain.Counters{Sent: 1}, c.Counters)
}

func TestIngest_ApplyReportsOnlyTransientErrors(t *testing.T) {
	store := seedSent(t, "a@example.com")
	in := NewIngest(store)
	ctx := context.Background()

	assert.NoError(t, in.Apply(ctx, domain.TrackingEvent{EventType: domain.EventOpen, CampaignID: "c-404", Address: "a@example.com"}))
	assert.NoError(t, in.Apply(ctx, domain.TrackingEvent{EventType: "unsubscribe", CampaignID: "c-1", Address: "a@example.com"}))
	assert.NoError(t, in.Apply(ctx, domain.TrackingEvent{EventType: domain.EventBounce, CampaignID: "c-1", Address: "a@example.com"}))
	// bounced -> bounced is illegal and dropped
	assert.NoError(t, in.Apply(ctx, domain.TrackingEvent{EventType: domain.EventBounce, CampaignID: "c-1", Address: "a@example.com"}))

	failing := NewIngest(failingRepo{Repository: store})
	err := failing.Apply(ctx, domain.TrackingEvent{EventType: domain.EventOpen, CampaignID: "c-1", Address: "a@example.com"})
	assert.ErrorContains(t, err, "connection refused")
}

type failingRepo struct {
	campaign.Repository
}

func (failingRepo) UpdateRecipient(context.Context, string, string, func(*domain.Recipient) error) (*domain.Recipient, error) {
	return nil, errors.New("connection refused")
}
