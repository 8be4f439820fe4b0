package app

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ClientConfig configures the portal client. Loaded from PORTAL_* variables;
// CLI flags override individual fields afterwards.
type ClientConfig struct {
	BaseURL string `env:"PORTAL_BASE_URL" envDefault:"http://127.0.0.1:8080" validate:"required,url"`
	// RealtimeURL defaults to the websocket form of BaseURL + "/ws".
	RealtimeURL string `env:"PORTAL_REALTIME_URL" validate:"omitempty,url"`
	// RealtimeDisabled skips the websocket entirely; counts then come from polling only.
	RealtimeDisabled bool `env:"PORTAL_REALTIME_DISABLED" envDefault:"false"`

	Portal      string   `env:"PORTAL_NAME" envDefault:"client" validate:"required"`
	PortalRoles []string `env:"PORTAL_ROLES" envSeparator:","`

	APIKeyHeader string `env:"PORTAL_API_KEY_HEADER" envDefault:"X-API-Key" validate:"required"`
	APIKey       string `env:"PORTAL_API_KEY"`

	HTTPTimeout    time.Duration `env:"PORTAL_HTTP_TIMEOUT" envDefault:"30s" validate:"gt=0"`
	RefreshTimeout time.Duration `env:"PORTAL_REFRESH_TIMEOUT" envDefault:"15s" validate:"gt=0"`
	Breaker        bool          `env:"PORTAL_BREAKER" envDefault:"false"`

	DefaultLocale    string   `env:"PORTAL_DEFAULT_LOCALE" envDefault:"en" validate:"required"`
	SupportedLocales []string `env:"PORTAL_LOCALES" envSeparator:"," envDefault:"en"`

	PollInterval  time.Duration `env:"PORTAL_POLL_INTERVAL" envDefault:"60s" validate:"gte=0"`
	RelevantTypes []string      `env:"PORTAL_RELEVANT_TYPES" envSeparator:","`
	DedupWindow   time.Duration `env:"PORTAL_DEDUP_WINDOW" envDefault:"1s" validate:"gt=0"`

	// ReconnectMin == 0 disables reconnecting after an unexpected drop.
	ReconnectMin time.Duration `env:"PORTAL_RECONNECT_MIN" envDefault:"0s" validate:"gte=0"`
	ReconnectMax time.Duration `env:"PORTAL_RECONNECT_MAX" envDefault:"30s" validate:"gte=0"`

	Storage     string        `env:"PORTAL_STORAGE" envDefault:"file" validate:"oneof=file memory redis postgres"`
	StateDir    string        `env:"PORTAL_STATE_DIR" validate:"required_if=Storage file"`
	RedisURL    string        `env:"PORTAL_REDIS_URL" validate:"required_if=Storage redis"`
	RedisPrefix string        `env:"PORTAL_REDIS_PREFIX" envDefault:"portalsync:"`
	RedisTTL    time.Duration `env:"PORTAL_REDIS_TTL" envDefault:"0s" validate:"gte=0"`
	DatabaseURL string        `env:"PORTAL_DATABASE_URL" validate:"required_if=Storage postgres"`
	DBSchema    string        `env:"PORTAL_DB_SCHEMA" envDefault:"portalsync"`
	DBMaxConns  int32         `env:"PORTAL_DB_MAX_CONNS" envDefault:"4" validate:"gte=1"`
	// SealKey is a base64 32-byte key; when set, persisted sessions are encrypted.
	SealKey string `env:"PORTAL_SEAL_KEY" validate:"omitempty,base64"`

	LogLevel  string `env:"PORTAL_LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn warning error"`
	LogFormat string `env:"PORTAL_LOG_FORMAT" envDefault:"pretty" validate:"oneof=json text pretty"`
}

// LoadClientConfig parses PORTAL_* variables and validates the result.
func LoadClientConfig() (ClientConfig, error) {
	var cfg ClientConfig
	if err := env.Parse(&cfg); err != nil {
		return ClientConfig{}, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Storage == "file" && cfg.StateDir == "" {
		cfg.StateDir = defaultStateDir()
	}
	if err := cfg.Validate(); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

// Validate checks struct tags and the cross-field rules tags cannot express.
func (c ClientConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", describe(err))
	}
	if c.ReconnectMin > 0 && c.ReconnectMax > 0 && c.ReconnectMax < c.ReconnectMin {
		return errors.New("invalid config: PORTAL_RECONNECT_MAX must not be below PORTAL_RECONNECT_MIN")
	}
	if c.SealKey != "" {
		if _, err := c.sealKey(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}
	return nil
}

// RealtimeEndpoint returns the websocket URL the channel dials.
func (c ClientConfig) RealtimeEndpoint() string {
	if c.RealtimeURL != "" {
		return c.RealtimeURL
	}
	return strings.TrimRight(wsBaseURL(c.BaseURL), "/") + "/ws"
}

func (c ClientConfig) sealKey() ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(c.SealKey))
	if err != nil {
		return nil, fmt.Errorf("seal key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("seal key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// ServerConfig configures portald, the dev backend.
type ServerConfig struct {
	HTTPAddr string `env:"PORTALD_HTTP_ADDR" envDefault:"127.0.0.1:8080" validate:"required,hostname_port"`

	ReadHeaderTimeout time.Duration `env:"PORTALD_HTTP_READ_HEADER_TIMEOUT" envDefault:"5s" validate:"gt=0"`
	ReadTimeout       time.Duration `env:"PORTALD_HTTP_READ_TIMEOUT" envDefault:"15s" validate:"gt=0"`
	// WriteTimeout stays zero by default: websocket connections are long-lived.
	WriteTimeout    time.Duration `env:"PORTALD_HTTP_WRITE_TIMEOUT" envDefault:"0s" validate:"gte=0"`
	IdleTimeout     time.Duration `env:"PORTALD_HTTP_IDLE_TIMEOUT" envDefault:"60s" validate:"gt=0"`
	ShutdownTimeout time.Duration `env:"PORTALD_SHUTDOWN_TIMEOUT" envDefault:"10s" validate:"gt=0"`
	MaxHeaderBytes  int           `env:"PORTALD_HTTP_MAX_HEADER_BYTES" envDefault:"1048576" validate:"gt=0"`

	JWTSecret  string        `env:"PORTALD_JWT_SECRET" validate:"required,min=32"`
	AccessTTL  time.Duration `env:"PORTALD_ACCESS_TTL" envDefault:"15m" validate:"gt=0"`
	RefreshTTL time.Duration `env:"PORTALD_REFRESH_TTL" envDefault:"720h" validate:"gt=0"`

	APIKeyHeader string `env:"PORTALD_API_KEY_HEADER" envDefault:"X-API-Key"`
	APIKey       string `env:"PORTALD_API_KEY"`

	AllowedOrigins []string `env:"PORTALD_WS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost,http://127.0.0.1"`
	OriginRequired bool     `env:"PORTALD_WS_ORIGIN_REQUIRED" envDefault:"false"`

	// SeedFile lists accounts to create at startup (JSON array of
	// {id,email,password,role,name,locale}).
	SeedFile string `env:"PORTALD_SEED_FILE" validate:"omitempty,file"`

	LogLevel  string `env:"PORTALD_LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn warning error"`
	LogFormat string `env:"PORTALD_LOG_FORMAT" envDefault:"json" validate:"oneof=json text pretty"`
}

// LoadServerConfig parses PORTALD_* variables and validates the result.
func LoadServerConfig() (ServerConfig, error) {
	var cfg ServerConfig
	if err := env.Parse(&cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("parse config: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("invalid config: %w", describe(err))
	}
	return cfg, nil
}

// describe flattens validator errors into "field 'X' rule" clauses.
func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("field '%s' failed '%s=%s'", fe.Field(), fe.Tag(), fe.Param()))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("field '%s' failed '%s'", fe.Field(), fe.Tag()))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func defaultStateDir() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "portalsync")
	}
	return filepath.Join(os.TempDir(), "portalsync")
}

// wsBaseURL maps an http(s) base URL to ws(s). A bare host:port is treated as http.
func wsBaseURL(base string) string {
	base = strings.TrimSpace(base)
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	case strings.HasPrefix(base, "ws://"), strings.HasPrefix(base, "wss://"):
		return base
	default:
		return "ws://" + base
	}
}

// runtimeBaseURL turns a listen address into a URL clients on this host can
// reach. Wildcard binds are mapped to the IPv4 loopback.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	u := url.URL{Scheme: "http", Host: net.JoinHostPort(host, port)}
	return u.String()
}
