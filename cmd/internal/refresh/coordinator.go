// Package refresh coordinates access-token renewal for the whole client.
//
// However many requests fail with 401 at once, Coordinator performs exactly
// one refresh-token exchange and resumes every waiting caller, in arrival
// order, once it settles.
package refresh

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"portalsync/cmd/internal/metrics"
	"portalsync/cmd/internal/session"
)

const defaultTimeout = 15 * time.Second

// Exchanger trades a refresh token for a new token pair.
type Exchanger interface {
	Exchange(ctx context.Context, refreshToken string) (session.LoginResult, error)
}

// Config tunes a Coordinator.
type Config struct {
	// Timeout bounds a single exchange. Expiry counts as exchange failure.
	Timeout time.Duration
}

type outcome struct {
	token string
	err   error
}

// Coordinator owns the "exchange in progress" flag and the queue of callers
// waiting on it. No other component reads or writes either.
type Coordinator struct {
	store   *session.Store
	ex      Exchanger
	log     *slog.Logger
	metrics *metrics.Metrics
	timeout time.Duration

	mu       sync.Mutex
	inFlight bool
	queue    []func(outcome)
}

// New constructs a Coordinator. m may be nil.
func New(store *session.Store, ex Exchanger, cfg Config, log *slog.Logger, m *metrics.Metrics) *Coordinator {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Coordinator{
		store:   store,
		ex:      ex,
		log:     log,
		metrics: m,
		timeout: cfg.Timeout,
	}
}

// EnsureFreshToken returns an access token that is newer than stale.
//
// stale is the access token the failing request carried. If the store
// already holds a different token, the failure wave was refreshed and that
// token is returned with no exchange. Otherwise the caller either leads the
// single exchange or waits for the one in flight.
//
// On failure the session is cleared and every caller of the wave receives an
// error wrapping ErrSessionEnded; only the leader's error also wraps the cause.
func (c *Coordinator) EnsureFreshToken(ctx context.Context, stale string) (string, error) {
	resumed := make(chan outcome, 1)

	lead, current := c.join(stale, func(o outcome) { resumed <- o })
	if current != "" {
		return current, nil
	}
	if lead {
		return c.lead(ctx)
	}

	select {
	case o := <-resumed:
		return o.token, o.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// join is the check-and-set step. Under one lock it either reports a token
// already newer than stale, marks the caller as leader, or queues resume.
func (c *Coordinator) join(stale string, resume func(outcome)) (lead bool, current string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inFlight {
		c.queue = append(c.queue, resume)
		c.metrics.RefreshWaiter()
		return false, ""
	}
	if cur := c.store.AccessToken(); cur != "" && cur != stale {
		return false, cur
	}
	c.inFlight = true
	return true, ""
}

func (c *Coordinator) lead(ctx context.Context) (string, error) {
	start := time.Now()
	token, cause := c.exchange(ctx)

	var o outcome
	if cause != nil {
		o = outcome{err: ErrSessionEnded}
		c.metrics.RefreshExchange("fail", time.Since(start))
	} else {
		o = outcome{token: token}
		c.metrics.RefreshExchange("ok", time.Since(start))
	}

	c.mu.Lock()
	waiters := c.queue
	c.queue = nil
	c.inFlight = false
	c.mu.Unlock()

	for _, resume := range waiters {
		resume(o)
	}

	if cause != nil {
		c.log.Info("refresh.exchange.fail", "waiters", len(waiters), "err", cause)
		return "", fmt.Errorf("%w: %w", ErrSessionEnded, cause)
	}
	c.log.Info("refresh.exchange.ok", "waiters", len(waiters), "duration_ms", time.Since(start).Milliseconds())
	return token, nil
}

// exchange runs the network call and applies its result to the store.
// The store is updated before the in-flight flag drops, so a late caller
// never sees "not in flight" together with the stale token.
func (c *Coordinator) exchange(ctx context.Context) (string, error) {
	refreshToken := c.store.RefreshToken()
	if refreshToken == "" {
		c.store.Clear(context.WithoutCancel(ctx))
		return "", ErrNoRefreshToken
	}

	// The exchange outlives the leader's own cancellation: other callers share it.
	xctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	res, err := c.ex.Exchange(xctx, refreshToken)
	if err != nil {
		c.store.Clear(context.WithoutCancel(ctx))
		return "", err
	}
	if err := c.store.Set(context.WithoutCancel(ctx), res); err != nil {
		c.store.Clear(context.WithoutCancel(ctx))
		return "", fmt.Errorf("apply rotated tokens: %w", err)
	}
	return c.store.AccessToken(), nil
}

// pending reports the number of queued callers.
func (c *Coordinator) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}
