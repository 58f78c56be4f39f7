package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidTransition is returned when a status change is not permitted by
// the campaign or recipient transition table.
var ErrInvalidTransition = errors.New("invalid status transition")

// CampaignStatus enumerates the lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
	CampaignCancelled CampaignStatus = "cancelled"
)

// campaignTransitions lists every legal edge. Statuses without an entry are terminal.
var campaignTransitions = map[CampaignStatus][]CampaignStatus{
	CampaignDraft:   {CampaignRunning, CampaignFailed, CampaignCancelled},
	CampaignRunning: {CampaignPaused, CampaignCompleted, CampaignFailed, CampaignCancelled},
	CampaignPaused:  {CampaignRunning, CampaignFailed, CampaignCancelled},
}

// ParseCampaignStatus converts a stored string into a CampaignStatus, rejecting
// anything outside the closed set.
func ParseCampaignStatus(s string) (CampaignStatus, error) {
	st := CampaignStatus(s)
	switch st {
	case CampaignDraft, CampaignRunning, CampaignPaused, CampaignCompleted, CampaignFailed, CampaignCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown campaign status %q", s)
}

// CanTransitionTo reports whether the campaign may move from s to next.
func (s CampaignStatus) CanTransitionTo(next CampaignStatus) bool {
	for _, allowed := range campaignTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// SourcesOf returns every status that may legally move to next.
func SourcesOf(next CampaignStatus) []CampaignStatus {
	var out []CampaignStatus
	for _, from := range []CampaignStatus{CampaignDraft, CampaignRunning, CampaignPaused} {
		if from.CanTransitionTo(next) {
			out = append(out, from)
		}
	}
	return out
}

// IsTerminal returns true if no further transition is possible.
func (s CampaignStatus) IsTerminal() bool {
	_, ok := campaignTransitions[s]
	return !ok
}

// Pacing holds the per-campaign send pacing settings.
type Pacing struct {
	DelayBetweenSends time.Duration `json:"delay_between_sends" db:"delay_between_sends_ms"`
	MaxPerHour        int           `json:"max_per_hour" db:"max_per_hour"`
}

// Counters are the campaign aggregates. They are always derived from
// Recipient.Contribution and never incremented independently.
type Counters struct {
	Sent      int `json:"emails_sent" db:"sent_count"`
	Delivered int `json:"emails_delivered" db:"delivered_count"`
	Opened    int `json:"emails_opened" db:"opened_count"`
	Clicked   int `json:"emails_clicked" db:"clicked_count"`
	Replied   int `json:"emails_replied" db:"replied_count"`
	Bounced   int `json:"emails_bounced" db:"bounced_count"`
	Failed    int `json:"emails_failed" db:"failed_count"`
}

// Add returns the field-wise sum of c and o.
func (c Counters) Add(o Counters) Counters {
	return Counters{
		Sent:      c.Sent + o.Sent,
		Delivered: c.Delivered + o.Delivered,
		Opened:    c.Opened + o.Opened,
		Clicked:   c.Clicked + o.Clicked,
		Replied:   c.Replied + o.Replied,
		Bounced:   c.Bounced + o.Bounced,
		Failed:    c.Failed + o.Failed,
	}
}

// Sub returns the field-wise difference c - o.
func (c Counters) Sub(o Counters) Counters {
	return Counters{
		Sent:      c.Sent - o.Sent,
		Delivered: c.Delivered - o.Delivered,
		Opened:    c.Opened - o.Opened,
		Clicked:   c.Clicked - o.Clicked,
		Replied:   c.Replied - o.Replied,
		Bounced:   c.Bounced - o.Bounced,
		Failed:    c.Failed - o.Failed,
	}
}

// IsZero reports whether every counter is zero.
func (c Counters) IsZero() bool { return c == Counters{} }

// StatusTimestamps carries the lifecycle timestamps persisted alongside a status change.
type StatusTimestamps struct {
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Campaign is a named batch of recipients sent through one provider identity.
type Campaign struct {
	ID          string  `json:"id" db:"id"`
	OwnerID     string  `json:"owner_id" db:"owner_id"`
	Name        string  `json:"name" db:"name"`
	ProviderID  string  `json:"provider_id" db:"provider_id"`
	TemplateID  *string `json:"template_id,omitempty" db:"template_id"`
	Subject     string  `json:"subject" db:"subject"`
	HTMLBody    string  `json:"html_body" db:"html_body"`
	TextBody    string  `json:"text_body" db:"text_body"`
	FromName    string  `json:"from_name" db:"from_name"`
	FromEmail   string  `json:"from_email" db:"from_email"`
	ReplyTo     string  `json:"reply_to" db:"reply_to"`
	TrackOpens  bool    `json:"track_opens" db:"track_opens"`
	TrackClicks bool    `json:"track_clicks" db:"track_clicks"`

	Status          CampaignStatus `json:"status" db:"status"`
	Pacing          Pacing         `json:"pacing"`
	Counters        Counters       `json:"counters"`
	TotalRecipients int            `json:"total_recipients" db:"total_recipients"`
	Recipients      []Recipient    `json:"recipients,omitempty"`

	StartedAt   *time.Time `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at" db:"completed_at"`
	LastSentAt  *time.Time `json:"last_sent_at" db:"last_sent_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`

	index map[string]int
}

// NormalizeAddress is the canonical form used to key recipients.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// Recipient returns a pointer to the recipient with the given address.
func (c *Campaign) Recipient(address string) (*Recipient, bool) {
	key := NormalizeAddress(address)
	i, ok := c.index[key]
	if !ok || i >= len(c.Recipients) || c.Recipients[i].Address != key {
		c.reindex()
		if i, ok = c.index[key]; !ok {
			return nil, false
		}
	}
	return &c.Recipients[i], true
}

func (c *Campaign) reindex() {
	c.index = make(map[string]int, len(c.Recipients))
	for i := range c.Recipients {
		c.index[c.Recipients[i].Address] = i
	}
}

// PendingRecipients returns the pending recipients in stored order.
func (c *Campaign) PendingRecipients() []Recipient {
	var out []Recipient
	for _, r := range c.Recipients {
		if r.Status == RecipientPending {
			out = append(out, r)
		}
	}
	return out
}

// PendingCount returns the number of recipients still pending.
func (c *Campaign) PendingCount() int {
	n := 0
	for _, r := range c.Recipients {
		if r.Status == RecipientPending {
			n++
		}
	}
	return n
}

// RecomputeCounters sums every recipient's contribution.
func (c *Campaign) RecomputeCounters() Counters {
	var total Counters
	for _, r := range c.Recipients {
		total = total.Add(r.Contribution())
	}
	return total
}

// Transition moves the campaign to next, stamping lifecycle timestamps.
// StartedAt is set the first time the campaign runs; CompletedAt on completion.
func (c *Campaign) Transition(next CampaignStatus, now time.Time) (StatusTimestamps, error) {
	if !c.Status.CanTransitionTo(next) {
		return StatusTimestamps{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, next)
	}
	c.Status = next
	switch next {
	case CampaignRunning:
		if c.StartedAt == nil {
			t := now
			c.StartedAt = &t
		}
	case CampaignCompleted:
		t := now
		c.CompletedAt = &t
	}
	c.UpdatedAt = now
	return StatusTimestamps{StartedAt: c.StartedAt, CompletedAt: c.CompletedAt}, nil
}

// IsTerminal returns true if the campaign is in a final state.
func (c *Campaign) IsTerminal() bool {
	return c.Status.IsTerminal()
}

// Clone returns a deep copy, including recipients.
func (c *Campaign) Clone() *Campaign {
	out := *c
	out.index = nil
	if c.TemplateID != nil {
		id := *c.TemplateID
		out.TemplateID = &id
	}
	if c.Recipients != nil {
		out.Recipients = make([]Recipient, len(c.Recipients))
		for i, r := range c.Recipients {
			out.Recipients[i] = r.Clone()
		}
	}
	return &out
}
