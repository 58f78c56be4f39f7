package domain

import (
	"fmt"
	"time"
)

// TransportKind identifies the wire protocol used by a provider identity.
type TransportKind string

const (
	TransportSMTP TransportKind = "smtp"
	TransportSES  TransportKind = "ses"
)

// ProviderIdentity is a sending account subject to daily and hourly quotas.
// SentToday, FailedToday and LastResetDate are mutated only by the quota guard.
type ProviderIdentity struct {
	ID        string        `json:"id" db:"id"`
	Name      string        `json:"name" db:"name"`
	Kind      TransportKind `json:"kind" db:"kind"`
	Host      string        `json:"host" db:"host"`
	Port      int           `json:"port" db:"port"`
	Account   string        `json:"account" db:"account"`
	Secret    string        `json:"-" db:"secret"`
	Region    string        `json:"region,omitempty" db:"region"`
	FromEmail string        `json:"from_email" db:"from_email"`
	FromName  string        `json:"from_name" db:"from_name"`

	DailyLimit    int    `json:"daily_limit" db:"daily_limit"`
	HourlyLimit   int    `json:"hourly_limit" db:"hourly_limit"`
	SentToday     int    `json:"sent_today" db:"sent_today"`
	FailedToday   int    `json:"failed_today" db:"failed_today"`
	LastResetDate string `json:"last_reset_date" db:"last_reset_date"`
	Timezone      string `json:"timezone" db:"timezone"`
	Active        bool   `json:"active" db:"active"`

	MaxConnections        int `json:"max_connections" db:"max_connections"`
	MaxMessagesPerSession int `json:"max_messages_per_session" db:"max_messages_per_session"`

	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// SessionKey is the pool cache key: host, port and account identifier.
type SessionKey struct {
	Host    string
	Port    int
	Account string
}

func (k SessionKey) String() string {
	return fmt.Sprintf("%s:%d/%s", k.Host, k.Port, k.Account)
}

// SessionKey derives the pool key. SES identities have no host, so the
// regional endpoint stands in for it.
func (p *ProviderIdentity) SessionKey() SessionKey {
	host := p.Host
	if host == "" && p.Kind == TransportSES {
		host = "email." + p.Region + ".amazonaws.com"
	}
	return SessionKey{Host: host, Port: p.Port, Account: p.Account}
}

// Location resolves the accounting clock. def is used when the identity has no
// timezone or an unknown one.
func (p *ProviderIdentity) Location(def *time.Location) *time.Location {
	if p.Timezone != "" {
		if loc, err := time.LoadLocation(p.Timezone); err == nil {
			return loc
		}
	}
	if def == nil {
		return time.UTC
	}
	return def
}

// ProviderCounterDelta is applied by IncrementProviderCounters after a send attempt.
type ProviderCounterDelta struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// Template is reusable message content referenced by a campaign.
type Template struct {
	ID        string    `json:"id" db:"id"`
	OwnerID   string    `json:"owner_id" db:"owner_id"`
	Name      string    `json:"name" db:"name"`
	Subject   string    `json:"subject" db:"subject"`
	Body      string    `json:"body" db:"body"`
	PlainText string    `json:"plain_text" db:"plain_text"`
	IsHTML    bool      `json:"is_html" db:"is_html"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// EmailMessage is the fully-resolved message ready for a transport session.
// By the time a message reaches this struct, all template substitution,
// tracking injection, and header generation is complete.
type EmailMessage struct {
	CampaignID  string            `json:"campaign_id"`
	To          string            `json:"to"`
	FromName    string            `json:"from_name"`
	FromEmail   string            `json:"from_email"`
	ReplyTo     string            `json:"reply_to"`
	Subject     string            `json:"subject"`
	HTMLContent string            `json:"html_content"`
	TextContent string            `json:"text_content"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// SendResult is returned by a transport session after the provider accepts a message.
type SendResult struct {
	MessageID string        `json:"message_id"`
	Transport TransportKind `json:"transport"`
	SentAt    time.Time     `json:"sent_at"`
	Delivered bool          `json:"delivered"`
}
