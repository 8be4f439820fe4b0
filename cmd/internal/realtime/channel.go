// Package realtime is the client side of the portal's persistent
// bidirectional event channel.
//
// A Channel is bound to at most one user at a time. It maintains a single
// websocket connection for that user, delivers incoming events to one
// listener per event name, and emits outgoing events only while connected.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"portalsync/cmd/internal/ids"
	"portalsync/cmd/internal/metrics"
	v1 "portalsync/shared/contracts/realtime/v1"
)

// binding is one "bound to user X" period. Its goroutine dials, serves and
// (optionally) reconnects until the binding is cancelled.
type binding struct {
	userID string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Channel is a realtime connection bound to one user.
type Channel struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics

	// bindMu serializes Bind and Close so teardown completes before redial.
	bindMu sync.Mutex

	mu          sync.Mutex
	state       State
	cur         *binding
	conn        *websocket.Conn
	listeners   map[string]Handler
	secondaries []*Channel
	closed      bool
}

// New constructs a disconnected Channel. log and m may be nil.
func New(cfg Config, log *slog.Logger, m *metrics.Metrics) *Channel {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Channel{
		cfg:       cfg.withDefaults(),
		log:       log,
		metrics:   m,
		listeners: make(map[string]Handler),
	}
}

// Name returns the configured channel name.
func (c *Channel) Name() string { return c.cfg.Name }

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UserID returns the bound user, or "".
func (c *Channel) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return ""
	}
	return c.cur.userID
}

// AddListener registers h for event. A later registration for the same
// event replaces the earlier one.
func (c *Channel) AddListener(event string, h Handler) {
	if h == nil {
		c.RemoveListener(event)
		return
	}
	c.mu.Lock()
	c.listeners[event] = h
	c.mu.Unlock()
}

// RemoveListener detaches the listener for event, if any.
func (c *Channel) RemoveListener(event string) {
	c.mu.Lock()
	delete(c.listeners, event)
	c.mu.Unlock()
}

// Attach makes secondary follow this channel's user binding and teardown.
func (c *Channel) Attach(secondary *Channel) {
	if secondary == nil || secondary == c {
		return
	}
	c.mu.Lock()
	c.secondaries = append(c.secondaries, secondary)
	user := ""
	if c.cur != nil {
		user = c.cur.userID
	}
	c.mu.Unlock()

	if user != "" {
		secondary.Bind(user)
	}
}

// Bind binds the channel (and its secondaries) to userID.
//
// Binding the user already bound is a no-op while its connection is live or
// being (re)established. A different user tears the old connection down
// before dialing; an empty user only tears down. Bind does not wait for the
// handshake; listen for the connect event instead.
func (c *Channel) Bind(userID string) {
	c.bindMu.Lock()
	defer c.bindMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.cur != nil && c.cur.userID == userID {
		c.mu.Unlock()
		return
	}
	old := c.cur
	c.cur = nil
	secondaries := append([]*Channel(nil), c.secondaries...)
	c.mu.Unlock()

	c.teardown(old)

	if userID != "" {
		ctx, cancel := context.WithCancel(context.Background())
		b := &binding{userID: userID, ctx: ctx, cancel: cancel, done: make(chan struct{})}

		c.mu.Lock()
		c.cur = b
		c.state = StateConnecting
		c.mu.Unlock()

		go c.run(b)
	}

	for _, s := range secondaries {
		s.Bind(userID)
	}
}

// Close tears down this channel and every attached secondary. A closed
// channel ignores further Bind calls.
func (c *Channel) Close() {
	c.bindMu.Lock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.bindMu.Unlock()
		return
	}
	c.closed = true
	old := c.cur
	c.cur = nil
	secondaries := c.secondaries
	c.secondaries = nil
	c.mu.Unlock()

	c.teardown(old)
	c.bindMu.Unlock()

	for _, s := range secondaries {
		s.Close()
	}
}

// Emit sends event with payload when connected. Without a live connection
// it logs a warning and returns false; nothing is queued.
func (c *Channel) Emit(ctx context.Context, event string, payload any) bool {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()

	if conn == nil || state != StateConnected {
		c.log.Warn("realtime.emit.no_conn", "channel", c.cfg.Name, "event", event, "state", state.String())
		c.metrics.EmitDropped()
		return false
	}

	now := time.Now().UTC()
	env, err := v1.NewEnvelope(ids.New(now), event, payload, now)
	if err != nil {
		c.log.Warn("realtime.emit.encode_fail", "channel", c.cfg.Name, "event", event, "err", err)
		return false
	}
	if err := writeEnvelope(ctx, conn, env, c.cfg.WriteTimeout); err != nil {
		c.log.Warn("realtime.emit.fail", "channel", c.cfg.Name, "event", event, "err", err)
		return false
	}
	c.metrics.RealtimeEvent("out", event)
	return true
}

func (c *Channel) teardown(b *binding) {
	if b == nil {
		return
	}
	b.cancel()
	<-b.done

	c.mu.Lock()
	if c.cur == nil {
		c.state = StateDisconnected
	}
	c.mu.Unlock()
}

func (c *Channel) run(b *binding) {
	defer close(b.done)

	backoff := c.cfg.ReconnectMin
	for {
		conn, err := c.dial(b)
		if err != nil {
			if b.ctx.Err() != nil {
				return
			}
			c.log.Info("realtime.dial.fail", "channel", c.cfg.Name, "user_id", b.userID, "err", err)
			c.setState(b, StateDisconnected)
		} else {
			backoff = c.cfg.ReconnectMin
			c.serve(b, conn)
		}

		if b.ctx.Err() != nil {
			return
		}
		if c.cfg.ReconnectMin <= 0 {
			c.release(b)
			return
		}

		c.log.Info("realtime.reconnect.wait", "channel", c.cfg.Name, "user_id", b.userID, "backoff", backoff)
		t := time.NewTimer(backoff)
		select {
		case <-b.ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		backoff *= 2
		if backoff > c.cfg.ReconnectMax {
			backoff = c.cfg.ReconnectMax
		}
		c.setState(b, StateConnecting)
	}
}

// release forgets a binding whose connection ended for good, so that binding
// the same user again redials.
func (c *Channel) release(b *binding) {
	c.mu.Lock()
	if c.cur == b {
		c.cur = nil
		c.state = StateDisconnected
	}
	c.mu.Unlock()
}

func (c *Channel) setState(b *binding, s State) {
	c.mu.Lock()
	if c.cur == b {
		c.state = s
	}
	c.mu.Unlock()
}

func (c *Channel) dial(b *binding) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse realtime url: %w", err)
	}
	q := u.Query()
	q.Set(v1.UserQueryParam, b.userID)
	u.RawQuery = q.Encode()

	ctx, cancel := context.WithTimeout(b.ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{c.cfg.Subprotocol},
		HTTPHeader:   c.cfg.Header.Clone(),
	})
	if err != nil {
		return nil, err
	}
	if sp := conn.Subprotocol(); sp != c.cfg.Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, fmt.Errorf("server selected subprotocol %q, want %q", sp, c.cfg.Subprotocol)
	}
	conn.SetReadLimit(maxFrameBytes)
	return conn, nil
}

// serve runs one connection until it drops or the binding is cancelled.
func (c *Channel) serve(b *binding, conn *websocket.Conn) {
	c.mu.Lock()
	if c.cur != b || b.ctx.Err() != nil {
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "unbound")
		return
	}
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()

	c.metrics.RealtimeConnected(true)
	c.log.Info("realtime.connected", "channel", c.cfg.Name, "user_id", b.userID)
	c.deliver(Event{Name: v1.EventConnect, TS: time.Now().UTC()})

	ctx, cancel := context.WithCancel(b.ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		c.heartbeat(ctx, conn)
	}()

	err := c.readLoop(ctx, conn)
	cancel()
	<-hbDone

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	if c.cur == b {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "bye")
	c.metrics.RealtimeConnected(false)
	if isClosedErr(err) {
		c.log.Info("realtime.disconnected", "channel", c.cfg.Name, "user_id", b.userID, "close_status", websocket.CloseStatus(err))
	} else {
		c.log.Warn("realtime.disconnected", "channel", c.cfg.Name, "user_id", b.userID, "err", err)
	}
	c.deliver(Event{Name: v1.EventDisconnect, TS: time.Now().UTC()})
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		mt, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if mt != websocket.MessageText && mt != websocket.MessageBinary {
			continue
		}

		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Info("realtime.read.bad_json", "channel", c.cfg.Name, "err", err)
			continue
		}
		if err := env.Validate(); err != nil {
			c.log.Info("realtime.read.bad_envelope", "channel", c.cfg.Name, "err", err)
			continue
		}
		// Lifecycle names are raised locally only.
		if env.Type == v1.EventConnect || env.Type == v1.EventDisconnect {
			continue
		}

		c.metrics.RealtimeEvent("in", env.Type)
		c.deliver(Event{Name: env.Type, ID: env.ID, TS: env.TS, Payload: env.Payload})
	}
}

func (c *Channel) heartbeat(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(c.cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, c.cfg.HeartbeatTimeout)
			err := conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				if ctx.Err() != nil {
					return
				}
				failures++
				c.log.Info("realtime.ping.fail", "channel", c.cfg.Name, "failures", failures, "err", err)
				if failures >= c.cfg.MaxPingFailures {
					_ = conn.Close(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (c *Channel) deliver(ev Event) {
	c.mu.Lock()
	h := c.listeners[ev.Name]
	c.mu.Unlock()

	if h != nil {
		h(ev)
	}
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// isClosedErr reports errors that simply mean the connection is gone.
func isClosedErr(err error) bool {
	return websocket.CloseStatus(err) != -1 ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF)
}
