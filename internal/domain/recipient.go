package domain

import (
	"fmt"
	"time"
)

// RecipientStatus tracks the most advanced state a recipient has reached.
type RecipientStatus string

const (
	RecipientPending   RecipientStatus = "pending"
	RecipientSent      RecipientStatus = "sent"
	RecipientDelivered RecipientStatus = "delivered"
	RecipientOpened    RecipientStatus = "opened"
	RecipientClicked   RecipientStatus = "clicked"
	RecipientReplied   RecipientStatus = "replied"
	RecipientBounced   RecipientStatus = "bounced"
	RecipientFailed    RecipientStatus = "failed"
)

var recipientTransitions = map[RecipientStatus][]RecipientStatus{
	RecipientPending:   {RecipientSent, RecipientFailed},
	RecipientSent:      {RecipientDelivered, RecipientBounced, RecipientOpened, RecipientClicked, RecipientReplied},
	RecipientDelivered: {RecipientOpened, RecipientClicked, RecipientReplied, RecipientBounced},
	RecipientOpened:    {RecipientClicked, RecipientReplied},
	RecipientClicked:   {RecipientReplied},
}

// progression orders the engagement path. Failed and bounced sit outside it.
var progression = map[RecipientStatus]int{
	RecipientPending:   0,
	RecipientSent:      1,
	RecipientDelivered: 2,
	RecipientOpened:    3,
	RecipientClicked:   4,
	RecipientReplied:   5,
}

// ParseRecipientStatus converts a stored string into a RecipientStatus.
func ParseRecipientStatus(s string) (RecipientStatus, error) {
	st := RecipientStatus(s)
	if _, ok := progression[st]; ok || st == RecipientBounced || st == RecipientFailed {
		return st, nil
	}
	return "", fmt.Errorf("unknown recipient status %q", s)
}

// CanTransitionTo reports whether the recipient may move from s to next.
func (s RecipientStatus) CanTransitionTo(next RecipientStatus) bool {
	for _, allowed := range recipientTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal covers failed, bounced and, for engagement purposes, replied.
func (s RecipientStatus) IsTerminal() bool {
	_, ok := recipientTransitions[s]
	return !ok
}

// Before reports whether s precedes other on the engagement path.
func (s RecipientStatus) Before(other RecipientStatus) bool {
	a, okA := progression[s]
	b, okB := progression[other]
	return okA && okB && a < b
}

// Recipient is one addressee within a campaign.
type Recipient struct {
	Address   string            `json:"address" db:"address"`
	Position  int               `json:"position" db:"position"`
	Variables map[string]string `json:"variables" db:"variables"`
	Status    RecipientStatus   `json:"status" db:"status"`
	MessageID string            `json:"message_id,omitempty" db:"message_id"`
	LastError string            `json:"last_error,omitempty" db:"last_error"`

	OpenCount    int      `json:"open_count" db:"open_count"`
	ClickCount   int      `json:"click_count" db:"click_count"`
	ReplyCount   int      `json:"reply_count" db:"reply_count"`
	ClickedLinks []string `json:"clicked_links,omitempty" db:"clicked_links"`

	SentAt      *time.Time `json:"sent_at,omitempty" db:"sent_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty" db:"delivered_at"`
	OpenedAt    *time.Time `json:"opened_at,omitempty" db:"opened_at"`
	ClickedAt   *time.Time `json:"clicked_at,omitempty" db:"clicked_at"`
	RepliedAt   *time.Time `json:"replied_at,omitempty" db:"replied_at"`
	BouncedAt   *time.Time `json:"bounced_at,omitempty" db:"bounced_at"`
	FailedAt    *time.Time `json:"failed_at,omitempty" db:"failed_at"`
}

// NewRecipient builds a pending recipient with a normalized address.
func NewRecipient(address string, vars map[string]string) Recipient {
	if vars == nil {
		vars = map[string]string{}
	}
	return Recipient{
		Address:   NormalizeAddress(address),
		Variables: vars,
		Status:    RecipientPending,
	}
}

// Contribution is this recipient's share of the campaign counters.
func (r *Recipient) Contribution() Counters {
	var c Counters
	if r.SentAt != nil {
		c.Sent = 1
	}
	if r.DeliveredAt != nil {
		c.Delivered = 1
	}
	if r.OpenCount > 0 {
		c.Opened = 1
	}
	if r.ClickCount > 0 {
		c.Clicked = 1
	}
	if r.ReplyCount > 0 {
		c.Replied = 1
	}
	switch r.Status {
	case RecipientBounced:
		c.Bounced = 1
	case RecipientFailed:
		c.Failed = 1
	}
	return c
}

func (r *Recipient) transition(next RecipientStatus) error {
	if !r.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: recipient %s -> %s", ErrInvalidTransition, r.Status, next)
	}
	r.Status = next
	return nil
}

// advance moves along the engagement path only when next is ahead of the
// current status and the edge is legal. It never regresses.
func (r *Recipient) advance(next RecipientStatus) {
	if r.Status.Before(next) && r.Status.CanTransitionTo(next) {
		r.Status = next
	}
}

// MarkSent records transport acceptance. delivered is set when the transport
// confirms delivery synchronously.
func (r *Recipient) MarkSent(messageID string, at time.Time, delivered bool) error {
	if err := r.transition(RecipientSent); err != nil {
		return err
	}
	t := at
	r.SentAt = &t
	r.MessageID = messageID
	r.LastError = ""
	if delivered {
		r.Status = RecipientDelivered
		r.DeliveredAt = &t
	}
	return nil
}

// MarkFailed records a transport rejection with the provider's error text verbatim.
func (r *Recipient) MarkFailed(errText string, at time.Time) error {
	if err := r.transition(RecipientFailed); err != nil {
		return err
	}
	t := at
	r.FailedAt = &t
	r.LastError = errText
	return nil
}

// MarkDelivered records a delivery confirmation. A recipient already further
// along the engagement path keeps its status.
func (r *Recipient) MarkDelivered(at time.Time) error {
	if r.SentAt == nil || r.Status == RecipientBounced || r.Status == RecipientFailed {
		return fmt.Errorf("%w: recipient %s -> %s", ErrInvalidTransition, r.Status, RecipientDelivered)
	}
	if r.DeliveredAt == nil {
		t := at
		r.DeliveredAt = &t
	}
	r.advance(RecipientDelivered)
	return nil
}

// MarkBounced records a bounce with its reason.
func (r *Recipient) MarkBounced(reason string, at time.Time) error {
	if err := r.transition(RecipientBounced); err != nil {
		return err
	}
	t := at
	r.BouncedAt = &t
	r.LastError = reason
	return nil
}

// RecordOpen counts every open and advances to opened when that moves forward.
func (r *Recipient) RecordOpen(at time.Time) {
	r.OpenCount++
	if r.OpenedAt == nil {
		t := at
		r.OpenedAt = &t
	}
	r.advance(RecipientOpened)
}

// RecordClick counts the click, remembers the distinct link and advances to clicked.
func (r *Recipient) RecordClick(link string, at time.Time) {
	r.ClickCount++
	if link != "" && !r.HasClicked(link) {
		r.ClickedLinks = append(r.ClickedLinks, link)
	}
	if r.ClickedAt == nil {
		t := at
		r.ClickedAt = &t
	}
	r.advance(RecipientClicked)
}

// RecordReply counts the reply and advances to replied.
func (r *Recipient) RecordReply(at time.Time) {
	r.ReplyCount++
	if r.RepliedAt == nil {
		t := at
		r.RepliedAt = &t
	}
	r.advance(RecipientReplied)
}

// HasClicked reports whether link is already in the distinct clicked set.
func (r *Recipient) HasClicked(link string) bool {
	for _, l := range r.ClickedLinks {
		if l == link {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to mutate independently.
func (r Recipient) Clone() Recipient {
	out := r
	if r.Variables != nil {
		out.Variables = make(map[string]string, len(r.Variables))
		for k, v := range r.Variables {
			out.Variables[k] = v
		}
	}
	if r.ClickedLinks != nil {
		out.ClickedLinks = append([]string(nil), r.ClickedLinks...)
	}
	return out
}
