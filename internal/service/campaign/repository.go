package campaign

import (
	"context"
	"time"

	"github.com/ignite/dispatch-engine/internal/domain"
)

// Repository defines the data access contract for campaigns and their recipients.
// Implementations must be safe for concurrent use.
type Repository interface {
	// LoadCampaign returns a campaign with its recipients in stored order.
	// Returns ErrNotFound if it doesn't exist.
	LoadCampaign(ctx context.Context, id string) (*domain.Campaign, error)

	// LoadCampaignStatus returns only the status. The dispatch loop calls it
	// before every send.
	LoadCampaignStatus(ctx context.Context, id string) (domain.CampaignStatus, error)

	// ListCampaigns returns campaigns without recipients, newest first.
	ListCampaigns(ctx context.Context, filter ListFilter) ([]domain.Campaign, error)

	// CreateCampaign inserts a campaign and its recipients.
	CreateCampaign(ctx context.Context, c *domain.Campaign) error

	// UpdateCampaign applies the non-nil fields. Returns ErrCampaignRunning
	// if the stored status is running.
	UpdateCampaign(ctx context.Context, id string, u UpdateFields) error

	// SaveCampaignStatus moves the campaign to status if the stored status may
	// legally transition there, otherwise returns a *TransitionError. StartedAt
	// is only written when the stored value is unset.
	SaveCampaignStatus(ctx context.Context, id string, status domain.CampaignStatus, ts domain.StatusTimestamps) error

	// UpdateRecipient atomically loads one recipient, applies fn and persists
	// the result together with the change in the campaign counters derived
	// from Recipient.Contribution. If fn returns an error nothing is written.
	UpdateRecipient(ctx context.Context, campaignID, address string, fn func(*domain.Recipient) error) (*domain.Recipient, error)

	// TouchLastSent records the time of the latest send attempt.
	TouchLastSent(ctx context.Context, id string, at time.Time) error
}

// ProviderRepository owns provider identities and their quota counters.
type ProviderRepository interface {
	// LoadProviderIdentity returns ErrProviderNotFound if the identity doesn't exist.
	LoadProviderIdentity(ctx context.Context, id string) (*domain.ProviderIdentity, error)

	// ResetProviderDay zeroes sentToday and failedToday and stores day as the
	// last reset date, unless day is already stored.
	ResetProviderDay(ctx context.Context, id, day string) error

	// IncrementProviderCounters adds delta to the daily counters.
	IncrementProviderCounters(ctx context.Context, id string, delta domain.ProviderCounterDelta) error
}

// TemplateRepository loads stored templates.
type TemplateRepository interface {
	// LoadTemplate returns ErrTemplateNotFound if the template doesn't exist.
	LoadTemplate(ctx context.Context, id string) (*domain.Template, error)
}

// ListFilter controls pagination and filtering for campaign lists.
type ListFilter struct {
	Status  domain.CampaignStatus
	OwnerID string
	Limit   int
	Offset  int
}

// UpdateFields holds the mutable fields for a campaign update.
// Nil fields are not applied. Recipients and totalRecipients are fixed at creation.
type UpdateFields struct {
	Name        *string        `json:"name"`
	ProviderID  *string        `json:"provider_id"`
	TemplateID  *string        `json:"template_id"`
	Subject     *string        `json:"subject"`
	HTMLBody    *string        `json:"html_body"`
	TextBody    *string        `json:"text_body"`
	FromName    *string        `json:"from_name"`
	FromEmail   *string        `json:"from_email"`
	ReplyTo     *string        `json:"reply_to"`
	TrackOpens  *bool          `json:"track_opens"`
	TrackClicks *bool          `json:"track_clicks"`
	Pacing      *domain.Pacing `json:"pacing"`
}

// IsEmpty reports whether no field is set.
func (u UpdateFields) IsEmpty() bool {
	return u == UpdateFields{}
}

// Apply copies the set fields onto c. Repositories that hold whole documents use it.
func (u UpdateFields) Apply(c *domain.Campaign) {
	if u.Name != nil {
		c.Name = *u.Name
	}
	if u.ProviderID != nil {
		c.ProviderID = *u.ProviderID
	}
	if u.TemplateID != nil {
		if *u.TemplateID == "" {
			c.TemplateID = nil
		} else {
			id := *u.TemplateID
			c.TemplateID = &id
		}
	}
	if u.Subject != nil {
		c.Subject = *u.Subject
	}
	if u.HTMLBody != nil {
		c.HTMLBody = *u.HTMLBody
	}
	if u.TextBody != nil {
		c.TextBody = *u.TextBody
	}
	if u.FromName != nil {
		c.FromName = *u.FromName
	}
	if u.FromEmail != nil {
		c.FromEmail = *u.FromEmail
	}
	if u.ReplyTo != nil {
		c.ReplyTo = *u.ReplyTo
	}
	if u.TrackOpens != nil {
		c.TrackOpens = *u.TrackOpens
	}
	if u.TrackClicks != nil {
		c.TrackClicks = *u.TrackClicks
	}
	if u.Pacing != nil {
		c.Pacing = *u.Pacing
	}
}
