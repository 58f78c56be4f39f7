package domain

import "time"

// TrackingEventType enumerates the engagement and delivery signals ingested
// after a message leaves the transport.
type TrackingEventType string

const (
	EventOpen      TrackingEventType = "open"
	EventClick     TrackingEventType = "click"
	EventReply     TrackingEventType = "reply"
	EventDelivered TrackingEventType = "delivered"
	EventBounce    TrackingEventType = "bounce"
)

// TrackingEvent is a single signal keyed by campaign and recipient address.
type TrackingEvent struct {
	EventType  TrackingEventType `json:"event_type"`
	CampaignID string            `json:"campaign_id"`
	Address    string            `json:"address"`
	URL        string            `json:"url,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	IPAddress  string            `json:"ip_address,omitempty"`
	UserAgent  string            `json:"user_agent,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}
