package devserver

import "time"

// Config configures the dev backend.
type Config struct {
	// APIKey, when set, must accompany every REST request in APIKeyHeader.
	APIKeyHeader string
	APIKey       string

	// JWTSecret signs access tokens and keys refresh-token digests. At least 32 bytes.
	JWTSecret  []byte
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	Argon2 Argon2Params

	// AllowedOrigins lists browser origins accepted on /ws. Requests without
	// an Origin header are accepted unless OriginRequired is set.
	AllowedOrigins []string
	OriginRequired bool

	SendQueue         int
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	MaxPingFailures   int
	RateEvents        int
	RateWindow        time.Duration
}

// DefaultConfig returns a local-development configuration without a secret.
func DefaultConfig() Config {
	return Config{
		APIKeyHeader:      "X-API-Key",
		AccessTTL:         15 * time.Minute,
		RefreshTTL:        30 * 24 * time.Hour,
		Argon2:            DefaultArgon2Params(),
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		SendQueue:         defaultSendQueue,
		WriteTimeout:      5 * time.Second,
		HeartbeatInterval: 25 * time.Second,
		HeartbeatTimeout:  5 * time.Second,
		MaxPingFailures:   3,
		RateEvents:        defaultRateEvents,
		RateWindow:        defaultRateWindow,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.APIKeyHeader == "" {
		c.APIKeyHeader = def.APIKeyHeader
	}
	if c.AccessTTL <= 0 {
		c.AccessTTL = def.AccessTTL
	}
	if c.RefreshTTL <= 0 {
		c.RefreshTTL = def.RefreshTTL
	}
	if c.Argon2.MemoryKiB == 0 || c.Argon2.Iterations == 0 || c.Argon2.Parallelism == 0 {
		c.Argon2 = def.Argon2
	}
	if c.Argon2.SaltLength == 0 {
		c.Argon2.SaltLength = def.Argon2.SaltLength
	}
	if c.Argon2.KeyLength == 0 {
		c.Argon2.KeyLength = def.Argon2.KeyLength
	}
	if c.SendQueue <= 0 {
		c.SendQueue = def.SendQueue
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
	return c
}
