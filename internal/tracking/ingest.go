package tracking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/metrics"
	"github.com/ignite/dispatch-engine/internal/pkg/logger"
	"github.com/ignite/dispatch-engine/internal/service/campaign"
)

// EventSink accepts tracking events. Submit never fails toward the remote
// requester; implementations log and drop.
type EventSink interface {
	Submit(ctx context.Context, evt domain.TrackingEvent)
}

// Ingest applies tracking signals to recipients through the repository's
// atomic per-recipient update, which keeps campaign counters in step.
type Ingest struct {
	repo campaign.Repository
	now  func() time.Time
}

// NewIngest creates an ingest over repo.
func NewIngest(repo campaign.Repository) *Ingest {
	return &Ingest{repo: repo, now: time.Now}
}

// RecordOpen counts an open for the token's recipient.
func (i *Ingest) RecordOpen(ctx context.Context, token string) {
	tok, err := ParseToken(token)
	if err != nil {
		i.drop(domain.EventOpen, err)
		return
	}
	i.Submit(ctx, domain.TrackingEvent{EventType: domain.EventOpen, CampaignID: tok.CampaignID, Address: tok.Address})
}

// RecordClick counts a click on link for the token's recipient.
func (i *Ingest) RecordClick(ctx context.Context, token, link string) {
	tok, err := ParseToken(token)
	if err != nil {
		i.drop(domain.EventClick, err)
		return
	}
	i.Submit(ctx, domain.TrackingEvent{EventType: domain.EventClick, CampaignID: tok.CampaignID, Address: tok.Address, URL: link})
}

// RecordReply counts a reply from address.
func (i *Ingest) RecordReply(ctx context.Context, address, campaignID string) {
	i.Submit(ctx, domain.TrackingEvent{EventType: domain.EventReply, CampaignID: campaignID, Address: address})
}

// RecordDelivered records a delivery confirmation.
func (i *Ingest) RecordDelivered(ctx context.Context, campaignID, address string) {
	i.Submit(ctx, domain.TrackingEvent{EventType: domain.EventDelivered, CampaignID: campaignID, Address: address})
}

// RecordBounce records a bounce with the provider's reason.
func (i *Ingest) RecordBounce(ctx context.Context, campaignID, address, reason string) {
	i.Submit(ctx, domain.TrackingEvent{EventType: domain.EventBounce, CampaignID: campaignID, Address: address, Reason: reason})
}

// Submit implements EventSink by applying evt and logging any error.
func (i *Ingest) Submit(ctx context.Context, evt domain.TrackingEvent) {
	if err := i.Apply(ctx, evt); err != nil {
		logger.Warn("[Tracking] event not applied", "type", evt.EventType, "campaign_id", evt.CampaignID, "address", evt.Address, "error", err)
	}
}

// Apply updates the recipient for evt. Unknown campaigns or recipients and
// illegal transitions are dropped and reported as nil, so only transient
// repository failures come back as errors. The SQS consumer relies on that to
// decide whether a message is retried.
func (i *Ingest) Apply(ctx context.Context, evt domain.TrackingEvent) error {
	if evt.CampaignID == "" || evt.Address == "" {
		i.drop(evt.EventType, ErrMalformedToken)
		return nil
	}
	at := evt.Timestamp
	if at.IsZero() {
		at = i.now()
	}

	var fn func(*domain.Recipient) error
	switch evt.EventType {
	case domain.EventOpen:
		fn = func(r *domain.Recipient) error { r.RecordOpen(at); return nil }
	case domain.EventClick:
		fn = func(r *domain.Recipient) error { r.RecordClick(evt.URL, at); return nil }
	case domain.EventReply:
		fn = func(r *domain.Recipient) error { r.RecordReply(at); return nil }
	case domain.EventDelivered:
		fn = func(r *domain.Recipient) error { return r.MarkDelivered(at) }
	case domain.EventBounce:
		fn = func(r *domain.Recipient) error { return r.MarkBounced(evt.Reason, at) }
	default:
		i.drop(evt.EventType, fmt.Errorf("unknown event type %q", evt.EventType))
		return nil
	}

	r, err := i.repo.UpdateRecipient(ctx, evt.CampaignID, evt.Address, fn)
	switch {
	case errors.Is(err, campaign.ErrNotFound), errors.Is(err, campaign.ErrRecipientNotFound), errors.Is(err, domain.ErrInvalidTransition):
		i.drop(evt.EventType, err)
		return nil
	case err != nil:
		metrics.RecordTracking(string(evt.EventType), false)
		return fmt.Errorf("apply %s: %w", evt.EventType, err)
	}

	metrics.RecordTracking(string(evt.EventType), true)
	logger.Debug("[Tracking] applied", "type", evt.EventType, "campaign_id", evt.CampaignID, "address", evt.Address, "status", r.Status)
	return nil
}

func (i *Ingest) drop(t domain.TrackingEventType, err error) {
	metrics.RecordTracking(string(t), false)
	logger.Info("[Tracking] dropped", "type", t, "error", err)
}
