// Package app wires the portalsync runtime: configuration, logging, the
// portal client (session, refresh, gateway, realtime, inbox) and the
// portald dev server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"portalsync/cmd/internal/gateway"
	"portalsync/cmd/internal/metrics"
	"portalsync/cmd/internal/notify"
	"portalsync/cmd/internal/realtime"
	"portalsync/cmd/internal/refresh"
	"portalsync/cmd/internal/session"
	"portalsync/cmd/internal/storage"
)

// Auth endpoints used by SignIn and SignOut.
const (
	PathLogin  = "/auth/login"
	PathLogout = "/auth/logout"
	PathMe     = "/me"
)

// Client is one portal's fully wired client runtime.
//
// Session changes drive everything else: signing in binds the realtime
// channel and scopes the reconciler to the new user; a cleared session
// (sign-out or failed refresh) unbinds and resets both.
type Client struct {
	cfg     ClientConfig
	log     Logger
	metrics *metrics.Metrics

	Store      *session.Store
	Refresher  *refresh.Coordinator
	Gateway    *gateway.Client
	Channel    *realtime.Channel
	Dispatcher *realtime.Dispatcher
	Presence   *realtime.Presence
	Reconciler *notify.Reconciler
	Inbox      *notify.Inbox
	Poller     *notify.Poller

	closeBackend func()
	cancelSub    func()

	startOnce sync.Once
	closeOnce sync.Once
}

type clientOptions struct {
	backend   storage.Backend
	notifier  gateway.Notifier
	transport http.RoundTripper
	metrics   *metrics.Metrics
}

// ClientOption customizes NewClient.
type ClientOption func(*clientOptions)

// WithBackend overrides the storage backend selected by the config.
func WithBackend(b storage.Backend) ClientOption {
	return func(o *clientOptions) { o.backend = b }
}

// WithNotifier routes user-facing request failures to n.
func WithNotifier(n gateway.Notifier) ClientOption {
	return func(o *clientOptions) { o.notifier = n }
}

// WithTransport replaces the HTTP transport of the gateway and the refresh exchanger.
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(o *clientOptions) { o.transport = rt }
}

// WithClientMetrics records client metrics into m.
func WithClientMetrics(m *metrics.Metrics) ClientOption {
	return func(o *clientOptions) { o.metrics = m }
}

// NewClient builds every component from cfg. Nothing talks to the network
// until Start.
func NewClient(ctx context.Context, cfg ClientConfig, log Logger, opts ...ClientOption) (*Client, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, nil)
	}
	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}

	closeBackend := func() {}
	backend := o.backend
	if backend == nil {
		b, closeFn, err := OpenBackend(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		backend, closeBackend = b, closeFn
	}

	c := &Client{cfg: cfg, log: log, metrics: o.metrics, closeBackend: closeBackend}

	portal := session.Portal{Name: cfg.Portal, Roles: cfg.PortalRoles}
	c.Store = session.NewStore(portal, backend, log.With("component", "session"))

	ex := refresh.NewHTTPExchanger(refresh.ExchangerConfig{
		BaseURL:      cfg.BaseURL,
		APIKeyHeader: cfg.APIKeyHeader,
		APIKey:       cfg.APIKey,
		Timeout:      cfg.RefreshTimeout,
		Transport:    o.transport,
	})
	c.Refresher = refresh.New(c.Store, ex, refresh.Config{Timeout: cfg.RefreshTimeout}, log.With("component", "refresh"), o.metrics)

	gwCfg := gateway.DefaultConfig()
	gwCfg.BaseURL = cfg.BaseURL
	gwCfg.Timeout = cfg.HTTPTimeout
	gwCfg.APIKeyHeader = cfg.APIKeyHeader
	gwCfg.APIKey = cfg.APIKey
	gwCfg.DefaultLocale = cfg.DefaultLocale
	gwCfg.SupportedLocales = cfg.SupportedLocales
	if cfg.Breaker {
		bc := gateway.DefaultBreakerConfig("portal-api")
		gwCfg.Breaker = &bc
	}
	gwOpts := []gateway.Option{gateway.WithLogger(log.With("component", "gateway")), gateway.WithMetrics(o.metrics)}
	if o.notifier != nil {
		gwOpts = append(gwOpts, gateway.WithNotifier(o.notifier))
	}
	if o.transport != nil {
		gwOpts = append(gwOpts, gateway.WithTransport(o.transport))
	}
	c.Gateway = gateway.New(gwCfg, c.Store, c.Refresher, gwOpts...)

	if !cfg.RealtimeDisabled {
		rtCfg := realtime.DefaultConfig(cfg.RealtimeEndpoint())
		rtCfg.ReconnectMin = cfg.ReconnectMin
		rtCfg.ReconnectMax = cfg.ReconnectMax
		c.Channel = realtime.New(rtCfg, log.With("component", "realtime"), o.metrics)
		c.Dispatcher = realtime.NewDispatcher(c.Channel)
		c.Presence = realtime.TrackPresence(c.Dispatcher)
	}

	c.Reconciler = notify.NewReconciler(notify.Config{
		RelevantTypes: cfg.RelevantTypes,
		DedupWindow:   cfg.DedupWindow,
	}, log.With("component", "notify"), o.metrics)
	rest := notify.NewREST(c.Gateway)
	c.Inbox = notify.NewInbox(c.Reconciler, rest, rest, c.Dispatcher, log.With("component", "inbox"),
		notify.WithRefetchTimeout(cfg.HTTPTimeout))
	c.Poller = notify.NewPoller(c, cfg.PollInterval, log.With("component", "poller"))

	return c, nil
}

// Start restores the persisted session, subscribes the realtime channel and
// reconciler to session changes, and starts polling when configured.
func (c *Client) Start(ctx context.Context) error {
	var err error
	c.startOnce.Do(func() {
		c.cancelSub = c.Store.Subscribe(c.onSession)
		if c.Store.Restore(ctx) {
			c.log.Info("client.session.restored", "user_id", c.Store.UserID())
		}
		if c.cfg.PollInterval > 0 {
			err = c.Poller.Start(ctx)
		}
	})
	return err
}

func (c *Client) onSession(s session.Session) {
	user := s.UserID()
	c.Reconciler.SetUser(user)
	if c.Channel != nil {
		c.Channel.Bind(user)
	}
}

// Sync pulls a snapshot for the signed-in user. Without a session it is a no-op.
func (c *Client) Sync(ctx context.Context) error {
	if c.Store.UserID() == "" {
		return nil
	}
	return c.Inbox.Sync(ctx)
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignIn posts credentials and stores the resulting session. A snapshot
// sync follows; its failure is logged, not returned.
func (c *Client) SignIn(ctx context.Context, email, password string) (session.Session, error) {
	var res session.LoginResult
	if err := c.Gateway.PostJSON(ctx, PathLogin, credentials{Email: email, Password: password}, &res); err != nil {
		return session.Session{}, err
	}
	if err := c.Store.Set(ctx, res); err != nil {
		return session.Session{}, fmt.Errorf("store session: %w", err)
	}
	if err := c.Sync(ctx); err != nil {
		c.log.Warn("client.signin.sync_fail", "err", err)
	}
	return c.Store.Snapshot(), nil
}

// SignOut revokes the server-side refresh tokens (best effort) and clears
// the local session.
func (c *Client) SignOut(ctx context.Context) error {
	var remote error
	if c.Store.AccessToken() != "" {
		remote = c.Gateway.PostJSON(ctx, PathLogout, nil, nil)
		if gateway.IsAuth(remote) {
			remote = nil
		}
	}
	c.Store.Clear(ctx)
	return remote
}

// Me fetches the current account from the backend through the gateway,
// refreshing the access token when needed.
func (c *Client) Me(ctx context.Context) (session.UserSummary, error) {
	var u session.UserSummary
	if err := c.Gateway.GetJSON(ctx, PathMe, &u); err != nil {
		return session.UserSummary{}, err
	}
	return u, nil
}

// WaitConnected blocks until the realtime channel is connected or ctx ends.
func (c *Client) WaitConnected(ctx context.Context) error {
	if c.Channel == nil {
		return errors.New("realtime disabled")
	}
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for c.Channel.State() != realtime.StateConnected {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// Close stops polling, tears down realtime and releases storage.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.Poller.Stop()
		if c.cancelSub != nil {
			c.cancelSub()
		}
		c.Inbox.Close()
		if c.Presence != nil {
			c.Presence.Stop()
		}
		if c.Channel != nil {
			c.Channel.Close()
		}
		c.closeBackend()
	})
}
