package main

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"portalsync/cmd/internal/app"
)

// globalOptions are the persistent flags shared by every subcommand. Each
// one overrides its PORTAL_* variable only when set explicitly.
type globalOptions struct {
	baseURL   string
	portal    string
	roles     []string
	apiKey    string
	storage   string
	stateDir  string
	redisURL  string
	logLevel  string
	logFormat string
}

func (o *globalOptions) bind(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.StringVar(&o.baseURL, "base-url", "", "portal API base URL (PORTAL_BASE_URL)")
	f.StringVar(&o.portal, "portal", "", "portal name (PORTAL_NAME)")
	f.StringSliceVar(&o.roles, "roles", nil, "roles admitted by the portal (PORTAL_ROLES)")
	f.StringVar(&o.apiKey, "api-key", "", "API key sent on every request (PORTAL_API_KEY)")
	f.StringVar(&o.storage, "storage", "", "session storage: file, memory, redis or postgres (PORTAL_STORAGE)")
	f.StringVar(&o.stateDir, "state-dir", "", "directory for file storage (PORTAL_STATE_DIR)")
	f.StringVar(&o.redisURL, "redis-url", "", "redis URL for redis storage (PORTAL_REDIS_URL)")
	f.StringVar(&o.logLevel, "log-level", "", "log level (PORTAL_LOG_LEVEL)")
	f.StringVar(&o.logFormat, "log-format", "", "log format: pretty, text or json (PORTAL_LOG_FORMAT)")
}

// config loads PORTAL_* variables and applies the flags the user set.
func (o *globalOptions) config(cmd *cobra.Command) (app.ClientConfig, error) {
	cfg, err := app.LoadClientConfig()
	if err != nil {
		return app.ClientConfig{}, err
	}

	f := cmd.Flags()
	if f.Changed("base-url") {
		cfg.BaseURL = o.baseURL
	}
	if f.Changed("portal") {
		cfg.Portal = o.portal
	}
	if f.Changed("roles") {
		cfg.PortalRoles = o.roles
	}
	if f.Changed("api-key") {
		cfg.APIKey = o.apiKey
	}
	if f.Changed("storage") {
		cfg.Storage = o.storage
	}
	if f.Changed("state-dir") {
		cfg.StateDir = o.stateDir
	}
	if f.Changed("redis-url") {
		cfg.RedisURL = o.redisURL
	}
	if f.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if f.Changed("log-format") {
		cfg.LogFormat = o.logFormat
	}

	if err := cfg.Validate(); err != nil {
		return app.ClientConfig{}, err
	}
	return cfg, nil
}

// client builds and starts a client. Commands that do not need a live
// channel or background polling pass realtime=false.
func (o *globalOptions) client(ctx context.Context, cmd *cobra.Command, realtime bool, extra ...app.ClientOption) (*app.Client, error) {
	cfg, err := o.config(cmd)
	if err != nil {
		return nil, err
	}
	if !realtime {
		cfg.RealtimeDisabled = true
		cfg.PollInterval = 0
	}

	c, err := app.NewClient(ctx, cfg, app.NewLogger(cfg.LogLevel, cfg.LogFormat, logWriter(cmd)), extra...)
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func logWriter(cmd *cobra.Command) io.Writer {
	return cmd.ErrOrStderr()
}
