// Package notify maintains the canonical, capped, ordered list of user
// notifications, ingested from the realtime feed with a periodic full
// refresh as a correctness backstop.
package notify

import (
	"encoding/json"
	"fmt"
	"time"
)

// Table is the backend table notifications are read and streamed from.
const Table = "notifications"

// Type enumerates the domain event kinds a notification can announce.
type Type string

const (
	TypeRequestCreated   Type = "request_created"
	TypeRequestAccepted  Type = "request_accepted"
	TypeRequestDeclined  Type = "request_declined"
	TypeRequestCancelled Type = "request_cancelled"
	TypeRequestExpired   Type = "request_expired"
	TypeRequestReminder  Type = "request_reminder"
	TypeBoostReceived    Type = "boost_received"
	TypeChatMessage      Type = "chat_message"
	TypeSystemAlert      Type = "system_alert"
)

// RelatesToRequest reports whether notifications of this type correlate to
// a meeting request and can drive the fallback re-fetch path.
func (t Type) RelatesToRequest() bool {
	switch t {
	case TypeRequestCreated, TypeRequestAccepted, TypeRequestDeclined,
		TypeRequestCancelled, TypeRequestExpired, TypeRequestReminder:
		return true
	}
	return false
}

// Notification is one user notification.
type Notification struct {
	ID         string     `json:"id"`
	Type       Type       `json:"type"`
	Title      string     `json:"title"`
	Message    string     `json:"message"`
	IsRead     bool       `json:"is_read"`
	IsUrgent   bool       `json:"is_urgent"`
	IsArchived bool       `json:"is_archived"`
	CreatedAt  time.Time  `json:"created_at"`
	ReadAt     *time.Time `json:"read_at,omitempty"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`

	RelatedRequestID string `json:"related_request_id,omitempty"`
	RelatedSpeakerID string `json:"related_speaker_id,omitempty"`
}

// Decode parses a change-event row into a Notification.
func Decode(raw json.RawMessage) (*Notification, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty notification row")
	}
	var n Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("decode notification row: %w", err)
	}
	if n.ID == "" {
		return nil, fmt.Errorf("notification row missing id")
	}
	return &n, nil
}
