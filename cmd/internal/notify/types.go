// Package notify reconciles notification and chat-message state arriving
// from three sources: periodic REST snapshots, realtime events, and local
// optimistic writes. The unread counts it exposes are derived on every
// change and never set directly.
package notify

import (
	"encoding/json"
	"strings"
	"time"

	"portalsync/cmd/internal/realtime"

	v1 "portalsync/shared/contracts/realtime/v1"
)

// DefaultDedupWindow is the rounding granularity of synthetic notification
// keys and the tolerance of fuzzy message matching.
const DefaultDedupWindow = time.Second

// Notification is one notification record.
type Notification struct {
	ID        string    `json:"id,omitempty"`
	Type      string    `json:"type"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title,omitempty"`
	Body      string    `json:"body,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

// SyntheticKey identifies a record that has no server id yet.
func (n Notification) SyntheticKey(window time.Duration) string {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return strings.Join([]string{
		n.Type,
		n.UserID,
		n.CreatedAt.UTC().Round(window).Format(time.RFC3339Nano),
	}, "|")
}

// NotificationFromPayload converts a realtime payload.
func NotificationFromPayload(p v1.NotificationPayload) Notification {
	return Notification{
		ID:        p.ID,
		Type:      p.Type,
		UserID:    p.UserID,
		Title:     p.Title,
		Body:      p.Body,
		Read:      p.Read,
		CreatedAt: p.CreatedAt,
	}
}

// Message is one chat message record. Optimistic messages carry an id with
// the ids.TempPrefix until the server confirms them.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver"`
	Body      string    `json:"body"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

// MessageFromPayload converts a realtime payload.
func MessageFromPayload(p v1.MessagePayload) Message {
	return Message{
		ID:        p.ID,
		ChatID:    p.ChatID,
		Sender:    p.Sender,
		Receiver:  p.Receiver,
		Body:      p.Body,
		CreatedAt: p.CreatedAt,
	}
}

// Payload converts m for emission.
func (m Message) Payload() v1.MessagePayload {
	return v1.MessagePayload{
		ID:        m.ID,
		ChatID:    m.ChatID,
		Sender:    m.Sender,
		Receiver:  m.Receiver,
		Body:      m.Body,
		CreatedAt: m.CreatedAt,
	}
}

// Snapshot is one REST fetch of the authoritative state.
type Snapshot struct {
	Notifications []Notification `json:"notifications"`
	// UnreadByChat holds per-chat unread message counts for the current user.
	UnreadByChat map[string]int `json:"unreadByChat,omitempty"`
	// UnreadMessages is the total; used when UnreadByChat is absent.
	UnreadMessages int `json:"unreadMessages"`
	// AsOf is when the server took the message counts. Zero when the
	// server does not say.
	AsOf time.Time `json:"asOf,omitzero"`
	// FetchedAt is when the fetch was started, not when it returned.
	FetchedAt time.Time `json:"-"`
	// UserID is the user the fetch was made for. Empty skips the check.
	UserID string `json:"-"`
}

// Counts is the derived unread state.
type Counts struct {
	Notifications int
	Messages      int
	Total         int
}

func decodeEvent(ev realtime.Event, v any) error {
	if len(ev.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(ev.Payload, v)
}
