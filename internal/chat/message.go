// Package chat provides the per-room broadcast channel with presence
// heartbeating, and the bridge that merges ephemeral broadcast messages
// with the durable message log.
package chat

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// MessageType distinguishes user text from system and meeting-update
// notices rendered inline in the thread.
type MessageType string

const (
	TypeText          MessageType = "text"
	TypeSystem        MessageType = "system"
	TypeMeetingUpdate MessageType = "meeting_update"
)

// Author identifies a message sender.
type Author struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Message is one chat message. Identity dedup key is ID.
type Message struct {
	ID        string      `json:"id"`
	Content   string      `json:"content"`
	Author    Author      `json:"author"`
	CreatedAt time.Time   `json:"created_at"`
	Type      MessageType `json:"message_type"`
}

// decodeMessage parses a broadcast payload into a Message.
func decodeMessage(raw json.RawMessage) (*Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode chat message: %w", err)
	}
	if m.ID == "" {
		return nil, fmt.Errorf("chat message missing id")
	}
	if m.Type == "" {
		m.Type = TypeText
	}
	return &m, nil
}

// Merge unions message sets from any number of sources (optimistic local
// sends, the durable store, the live broadcast), deduplicates by id and
// sorts by creation time ascending. The first occurrence of an id wins, so
// earlier sets take precedence.
func Merge(sets ...[]Message) []Message {
	seen := make(map[string]struct{})
	var out []Message
	for _, set := range sets {
		for _, m := range set {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
