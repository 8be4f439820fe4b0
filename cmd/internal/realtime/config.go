package realtime

import (
	"net/http"
	"time"

	v1 "portalsync/shared/contracts/realtime/v1"
)

const (
	defaultDialTimeout       = 10 * time.Second
	defaultWriteTimeout      = 5 * time.Second
	defaultHeartbeatInterval = 25 * time.Second
	defaultHeartbeatTimeout  = 5 * time.Second
	defaultMaxPingFailures   = 3

	// Max bytes per websocket frame read.
	maxFrameBytes = 64 << 10
)

// Config describes one realtime endpoint.
type Config struct {
	// URL is the websocket endpoint, e.g. ws://host/ws. The bound user id
	// is appended as a query parameter.
	URL string
	// Name labels the channel in logs ("primary", "chat").
	Name string

	Subprotocol string
	Header      http.Header

	DialTimeout  time.Duration
	WriteTimeout time.Duration

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	MaxPingFailures   int

	// ReconnectMin and ReconnectMax bound the backoff between reconnect
	// attempts while the same user stays bound. ReconnectMin == 0 disables
	// reconnecting.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// DefaultConfig returns a config for url with reconnect disabled.
func DefaultConfig(url string) Config {
	return Config{
		URL:               url,
		Name:              "primary",
		Subprotocol:       v1.Subprotocol,
		DialTimeout:       defaultDialTimeout,
		WriteTimeout:      defaultWriteTimeout,
		HeartbeatInterval: defaultHeartbeatInterval,
		HeartbeatTimeout:  defaultHeartbeatTimeout,
		MaxPingFailures:   defaultMaxPingFailures,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig(c.URL)
	if c.Name == "" {
		c.Name = def.Name
	}
	if c.Subprotocol == "" {
		c.Subprotocol = def.Subprotocol
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.MaxPingFailures <= 0 {
		c.MaxPingFailures = def.MaxPingFailures
	}
	if c.ReconnectMin > 0 && c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = 30 * c.ReconnectMin
	}
	return c
}
