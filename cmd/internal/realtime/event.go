package realtime

import (
	"encoding/json"
	"time"
)

// State is the connection state of a Channel.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Event is one delivery to a listener. Lifecycle events (connect,
// disconnect) carry no payload.
type Event struct {
	Name    string
	ID      string
	TS      time.Time
	Payload json.RawMessage
}

// Handler consumes events. Handlers run sequentially on the channel's read
// goroutine and must not call Bind or Close.
type Handler func(Event)

func decodePayload(ev Event, v any) error {
	if len(ev.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(ev.Payload, v)
}

// Listen registers a typed handler for event, replacing any previous one.
// Payloads that do not decode into T are logged and skipped.
func Listen[T any](c *Channel, event string, fn func(T)) {
	c.AddListener(event, func(ev Event) {
		var v T
		if err := decodePayload(ev, &v); err != nil {
			c.log.Warn("realtime.decode.fail", "channel", c.cfg.Name, "event", ev.Name, "err", err)
			return
		}
		fn(v)
	})
}
