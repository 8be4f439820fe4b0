// Package v1 defines the portal realtime protocol v1 contract.
//
// Event names are the wire contract shared with the platform backend and
// must not be renamed. The package stays dependency-light so that the
// client, the dev backend, and the smoke tooling agree on one shape.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is negotiated during the websocket handshake.
const Subprotocol = "portalsync.realtime.v1"

// Event names (wire-stable).
const (
	// EventConnect is raised locally when a channel finishes its handshake.
	EventConnect = "connect"
	// EventDisconnect is raised locally when a channel loses its connection.
	EventDisconnect = "disconnect"

	// EventNotification delivers one notification record (server -> client).
	EventNotification = "notification"

	// EventSendMessage pushes an optimistic chat message (client -> server).
	EventSendMessage = "send_message"
	// EventReceiveMessage delivers a chat message to its receiver (server -> client).
	EventReceiveMessage = "receive_message"

	// EventOnlineUsers carries the current online-user list (server -> client).
	EventOnlineUsers = "online_users"

	// EventError is a generic error envelope (server -> client).
	EventError = "error"
)

// UserQueryParam is the connection parameter carrying the bound user id.
const UserQueryParam = "userId"

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs structural validation for an Envelope.
//
// Unknown event types are accepted: the channel is a raw name/handler
// registry and routing of unknown names is the consumer's decision.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	return nil
}

// NewEnvelope marshals payload into a v1 envelope.
func NewEnvelope(id, typ string, payload any, ts time.Time) (Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		raw = b
	}
	return Envelope{
		V:       Version,
		Type:    typ,
		ID:      id,
		TS:      ts,
		Payload: raw,
	}, nil
}
