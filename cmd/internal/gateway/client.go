// Package gateway is the single path through which portal requests reach the
// backend. It attaches credentials and locale, classifies failures, and on a
// 401 from a protected endpoint replays the request once after the refresh
// coordinator has renewed the access token.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/text/language"

	"portalsync/cmd/internal/metrics"
	"portalsync/cmd/internal/session"
)

const maxErrorBody = 1 << 20

// DefaultPublicPaths are reachable without credentials. A request whose path
// contains any entry never carries Authorization and is never refreshed.
var DefaultPublicPaths = []string{
	"/auth/login",
	"/auth/register",
	"/auth/check-exists",
	"/auth/2fa",
	"/auth/otp/confirm",
	"/auth/otp/resend",
}

// Config holds gateway configuration.
type Config struct {
	BaseURL      string
	Timeout      time.Duration
	APIKeyHeader string
	APIKey       string

	// DefaultLocale is sent when the user has none or it is unsupported.
	DefaultLocale    string
	SupportedLocales []string

	PublicPaths []string

	// Breaker enables fail-fast behaviour while the backend is unhealthy.
	// Requests are never retried either way.
	Breaker *BreakerConfig
}

// BreakerConfig mirrors gobreaker settings.
type BreakerConfig struct {
	Name         string
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
	MinRequests  uint32
}

// DefaultConfig returns defaults for everything but BaseURL and APIKey.
func DefaultConfig() Config {
	return Config{
		Timeout:          30 * time.Second,
		APIKeyHeader:     "X-API-Key",
		DefaultLocale:    "en",
		SupportedLocales: []string{"en"},
		PublicPaths:      DefaultPublicPaths,
	}
}

// DefaultBreakerConfig returns defaults for a named breaker.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:         name,
		MaxRequests:  1,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		FailureRatio: 0.5,
		MinRequests:  5,
	}
}

// TokenRefresher renews the access token after a 401. Implemented by
// refresh.Coordinator.
type TokenRefresher interface {
	EnsureFreshToken(ctx context.Context, stale string) (string, error)
}

// Option customizes a Client.
type Option func(*Client)

func WithNotifier(n Notifier) Option { return func(c *Client) { c.notifier = n } }

func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(c *Client) { c.metrics = m } }

// WithTransport replaces the HTTP transport, mainly for tests.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.transport = rt }
}

// Client is the request gateway.
type Client struct {
	cfg       Config
	store     *session.Store
	refresher TokenRefresher
	notifier  Notifier
	log       *slog.Logger
	metrics   *metrics.Metrics
	transport http.RoundTripper

	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[*http.Response]

	locales []language.Tag
	matcher language.Matcher
}

// New constructs a Client. refresher may be nil, in which case a 401 is
// reported as KindAuth without any renewal attempt.
func New(cfg Config, store *session.Store, refresher TokenRefresher, opts ...Option) *Client {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = def.APIKeyHeader
	}
	if cfg.DefaultLocale == "" {
		cfg.DefaultLocale = def.DefaultLocale
	}
	if cfg.PublicPaths == nil {
		cfg.PublicPaths = def.PublicPaths
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	c := &Client{
		cfg:       cfg,
		store:     store,
		refresher: refresher,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.notifier == nil {
		c.notifier = LogNotifier{Log: c.log}
	}
	if c.transport == nil {
		c.transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
	}
	c.httpClient = &http.Client{Transport: c.transport, Timeout: cfg.Timeout}

	// The default locale leads the list so it is the matcher's fallback.
	c.locales = []language.Tag{language.Make(cfg.DefaultLocale)}
	for _, l := range cfg.SupportedLocales {
		if !strings.EqualFold(l, cfg.DefaultLocale) {
			c.locales = append(c.locales, language.Make(l))
		}
	}
	c.matcher = language.NewMatcher(c.locales)

	if cfg.Breaker != nil {
		c.breaker = c.newBreaker(*cfg.Breaker)
	}
	return c
}

func (c *Client) newBreaker(bc BreakerConfig) *gobreaker.CircuitBreaker[*http.Response] {
	if bc.Name == "" {
		bc.Name = "gateway"
	}
	c.metrics.BreakerState(bc.Name, gobreaker.StateClosed)
	return gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        bc.Name,
		MaxRequests: bc.MaxRequests,
		Interval:    bc.Interval,
		Timeout:     bc.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < bc.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= bc.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("gateway.breaker.state",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			c.metrics.BreakerState(name, to)
		},
	})
}

// URL resolves a path against BaseURL. Absolute URLs pass through.
func (c *Client) URL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.cfg.BaseURL + path
}

// NewRequest builds a replayable request. body may be nil, []byte, string,
// io.Reader, *MultipartForm, or any value encoded as JSON.
func (c *Client) NewRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var (
		data        []byte
		contentType string
	)
	switch b := body.(type) {
	case nil:
	case []byte:
		data = b
	case string:
		data = []byte(b)
	case io.Reader:
		read, err := io.ReadAll(b)
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		data = read
	case *MultipartForm:
		encoded, ct, err := b.encode()
		if err != nil {
			return nil, fmt.Errorf("encode multipart body: %w", err)
		}
		data, contentType = encoded, ct
	default:
		encoded, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("encode json body: %w", err)
		}
		data, contentType = encoded, "application/json"
	}

	var rdr io.Reader = http.NoBody
	if data != nil {
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.URL(path), rdr)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", method, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// Do sends req. Success is any status below 400, including 304.
// The caller owns the returned body.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	start := time.Now()
	req = req.WithContext(ctx)
	if err := makeReplayable(req); err != nil {
		return nil, c.fail(req, &Error{Kind: KindTransport, Err: err}, start)
	}

	public := c.isPublic(req.URL.Path)
	stale := c.prepare(req, public)

	resp, err := c.send(req)
	if err != nil {
		return nil, c.fail(req, &Error{Kind: KindTransport, Err: err}, start)
	}

	if resp.StatusCode == http.StatusUnauthorized && !public {
		drain(resp)
		if c.refresher == nil {
			return nil, c.fail(req, &Error{Kind: KindAuth, Status: resp.StatusCode}, start)
		}
		token, err := c.refresher.EnsureFreshToken(ctx, stale)
		if err != nil {
			return nil, c.fail(req, &Error{Kind: KindAuth, Status: resp.StatusCode, Err: err}, start)
		}

		replay, err := cloneRequest(ctx, req)
		if err != nil {
			return nil, c.fail(req, &Error{Kind: KindTransport, Err: err}, start)
		}
		replay.Header.Set("Authorization", "Bearer "+token)
		c.metrics.GatewayReplay()
		c.log.Debug("gateway.replay", "method", req.Method, "path", req.URL.Path)

		resp, err = c.send(replay)
		if err != nil {
			return nil, c.fail(req, &Error{Kind: KindTransport, Err: err}, start)
		}
		if resp.StatusCode == http.StatusUnauthorized {
			drain(resp)
			return nil, c.fail(req, &Error{Kind: KindAuth, Status: resp.StatusCode}, start)
		}
	}

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		msg := serverMessage(data)
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, c.fail(req, &Error{Kind: KindBusiness, Status: resp.StatusCode, Message: msg}, start)
	}

	c.metrics.GatewayRequest(req.Method, "ok", time.Since(start))
	return resp, nil
}

// GetJSON issues a GET and decodes a 2xx body into out. A 304 leaves out untouched.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	req, err := c.NewRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.doJSON(ctx, req, out)
}

// PostJSON issues a POST with a JSON body and decodes the response into out (if non-nil).
func (c *Client) PostJSON(ctx context.Context, path string, in, out any) error {
	return c.SendJSON(ctx, http.MethodPost, path, in, out)
}

// SendJSON is PostJSON for an arbitrary method.
func (c *Client) SendJSON(ctx context.Context, method, path string, in, out any) error {
	req, err := c.NewRequest(ctx, method, path, in)
	if err != nil {
		return err
	}
	return c.doJSON(ctx, req, out)
}

func (c *Client) doJSON(ctx context.Context, req *http.Request, out any) error {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	defer drain(resp)

	if out == nil || resp.StatusCode == http.StatusNotModified || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s %s response: %w", req.Method, req.URL.Path, err)
	}
	return nil
}

// prepare sets per-request headers and returns the access token attached ("" if none).
func (c *Client) prepare(req *http.Request, public bool) string {
	sess := c.store.Snapshot()

	req.Header.Set("Accept-Language", c.negotiateLocale(sess.Locale()))
	if c.cfg.APIKey != "" {
		req.Header.Set(c.cfg.APIKeyHeader, c.cfg.APIKey)
	}
	if req.Header.Get("X-Request-ID") == "" {
		req.Header.Set("X-Request-ID", uuid.NewString())
	}
	if public {
		req.Header.Del("Authorization")
		return ""
	}
	token := sess.AccessToken()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return token
}

func (c *Client) negotiateLocale(locale string) string {
	if strings.TrimSpace(locale) == "" {
		return c.cfg.DefaultLocale
	}
	tag, err := language.Parse(locale)
	if err != nil {
		return c.cfg.DefaultLocale
	}
	_, idx, conf := c.matcher.Match(tag)
	if conf == language.No {
		return c.cfg.DefaultLocale
	}
	return c.locales[idx].String()
}

func (c *Client) isPublic(path string) bool {
	for _, p := range c.cfg.PublicPaths {
		if p != "" && strings.Contains(path, p) {
			return true
		}
	}
	return false
}

// errServerStatus marks a 5xx for the breaker; the response is still returned.
var errServerStatus = errors.New("server error status")

func (c *Client) send(req *http.Request) (*http.Response, error) {
	if c.breaker == nil {
		return c.httpClient.Do(req)
	}
	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return resp, errServerStatus
		}
		return resp, nil
	})
	if errors.Is(err, errServerStatus) {
		return resp, nil
	}
	return resp, err
}

func (c *Client) fail(req *http.Request, gerr *Error, start time.Time) error {
	gerr.Method = req.Method
	gerr.Path = req.URL.Path
	c.metrics.GatewayRequest(req.Method, gerr.Kind.String(), time.Since(start))

	if gerr.Kind == KindAuth {
		c.log.Info("gateway.auth_failed", "method", gerr.Method, "path", gerr.Path, "err", gerr.Err)
		return gerr
	}

	msg := gerr.Message
	if msg == "" && gerr.Err != nil {
		msg = gerr.Err.Error()
	}
	c.notifier.Notify(Notice{
		Kind:    gerr.Kind,
		Status:  gerr.Status,
		Message: msg,
		Method:  gerr.Method,
		Path:    gerr.Path,
		At:      time.Now(),
	})
	return gerr
}

// makeReplayable buffers a body that cannot be re-read.
func makeReplayable(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}
	data, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return fmt.Errorf("buffer request body: %w", err)
	}
	req.Body = io.NopCloser(bytes.NewReader(data))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	req.ContentLength = int64(len(data))
	return nil
}

func cloneRequest(ctx context.Context, req *http.Request) (*http.Request, error) {
	out := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewind request body: %w", err)
		}
		out.Body = body
	}
	return out, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
}
