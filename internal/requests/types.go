// Package requests keeps the client-held list of meeting requests
// consistent with the backend: it multiplexes the outgoing/incoming change
// feeds plus a notification fallback feed, enriches events and reconciles
// them into one deduplicated, ordered state.
package requests

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Status is the request negotiation state. The backend historically used
// two spellings for two of the states; ParseStatus folds them.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusDeclined  Status = "declined"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// ParseStatus normalizes a raw backend status string, folding the legacy
// aliases ("requested" -> pending, "rejected" -> declined).
func ParseStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "requested", "pending", "":
		return StatusPending
	case "rejected", "declined":
		return StatusDeclined
	case "accepted":
		return StatusAccepted
	case "cancelled":
		return StatusCancelled
	case "expired":
		return StatusExpired
	default:
		return Status(strings.ToLower(raw))
	}
}

// Terminal reports whether the status is an end state of the negotiation.
func (s Status) Terminal() bool {
	switch s {
	case StatusAccepted, StatusDeclined, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Allows reports whether a transition from s to next is forward through
// the partial order. A terminal state never moves back to pending.
func (s Status) Allows(next Status) bool {
	if s == next {
		return true
	}
	if next == StatusPending {
		return !s.Terminal()
	}
	return true
}

// Direction marks whether the current user initiated the request.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionIncoming Direction = "incoming"
)

// Request is a meeting-request negotiation between two parties, plus the
// client-side enrichment computed at first observation.
type Request struct {
	ID          string `json:"id"`
	RequesterID string `json:"requester_id"`
	SpeakerID   string `json:"speaker_id"`

	RequesterName    string `json:"requester_name,omitempty"`
	RequesterCompany string `json:"requester_company,omitempty"`
	RequesterTitle   string `json:"requester_title,omitempty"`
	Status           Status `json:"status"`

	Message         string  `json:"message,omitempty"`
	Note            string  `json:"note,omitempty"`
	DurationMinutes int     `json:"duration_minutes,omitempty"`
	BoostAmount     float64 `json:"boost_amount,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	SpeakerResponse   string     `json:"speaker_response,omitempty"`
	SpeakerResponseAt *time.Time `json:"speaker_response_at,omitempty"`

	// Client-side enrichment, never sent by the backend. Direction is
	// assigned once at first observation and stays immutable.
	Direction         Direction `json:"-"`
	CounterpartName   string    `json:"-"`
	CounterpartAvatar string    `json:"-"`
}

// decodeRequest parses a change-event row into a Request, normalizing the
// status taxonomy at the boundary.
func decodeRequest(raw json.RawMessage) (*Request, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty request row")
	}
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decode request row: %w", err)
	}
	if req.ID == "" {
		return nil, fmt.Errorf("request row missing id")
	}
	req.Status = ParseStatus(string(req.Status))
	return &req, nil
}

// avatarURL derives a deterministic placeholder avatar for a counterpart
// that has no uploaded picture, matching what the web client renders.
func avatarURL(displayName string) string {
	if displayName == "" {
		displayName = "User"
	}
	seed := strings.ReplaceAll(strings.ToLower(displayName), " ", "-")
	return "https://api.dicebear.com/7.x/avataaars/svg?seed=" + url.QueryEscape(seed)
}
