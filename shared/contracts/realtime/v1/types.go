package v1

import "time"

// NotificationPayload mirrors the REST notification record.
// ID may be empty when the event is raised before the record is persisted.
type NotificationPayload struct {
	ID        string    `json:"id,omitempty"`
	Type      string    `json:"type"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title,omitempty"`
	Body      string    `json:"body,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

// MessagePayload mirrors the REST chat message record.
// Optimistic messages carry a temporary client-side id.
type MessagePayload struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// OnlineUsersPayload carries the ids of currently connected users.
type OnlineUsersPayload struct {
	Users []string `json:"users"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
