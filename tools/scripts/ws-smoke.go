// Package main provides a CI-friendly smoke test for a running portald.
//
// It validates:
//   - REST sign-in for two accounts
//   - websocket handshake + subprotocol selection
//   - online_users presence for both users
//   - send_message -> optimistic relay + confirmed receive_message
//   - persisted chat history over REST
//   - error envelope for an invalid message
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	v1 "portalsync/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

type account struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type loginResult struct {
	AccessToken string  `json:"access_token"`
	User        account `json:"user"`
}

type smokeClient struct {
	name   string
	userID string
	token  string
	conn   *websocket.Conn

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		baseURL = flag.String("base", "http://127.0.0.1:8080", "portald base URL")
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		apiKey  = flag.String("api-key", "", "API key for REST calls (X-API-Key)")
		emailA  = flag.String("a-email", "alice@example.com", "account A email")
		passA   = flag.String("a-password", "alice-pw", "account A password")
		emailB  = flag.String("b-email", "bob@example.com", "account B email")
		passB   = flag.String("b-password", "bob-pw", "account B password")
		chatID  = flag.String("chat", "smoke-chat-1", "Chat ID to send into")
		text    = flag.String("text", "hello portal 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()
	rest := &restClient{base: strings.TrimRight(*baseURL, "/"), apiKey: *apiKey, http: &http.Client{Timeout: *timeout}}

	la := rest.mustLogin(root, *emailA, *passA)
	lb := rest.mustLogin(root, *emailB, *passB)

	a := mustConnect(root, "A", *wsURL, *origin, la, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, lb, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.userID, b.userID, *origin)
	}

	mustSeeOnline(root, a, []string{a.userID, b.userID}, *timeout)

	tmpID := fmt.Sprintf("tmp-smoke-%d", time.Now().UnixNano())
	mustSend(root, a, v1.MessagePayload{
		ID:        tmpID,
		ChatID:    *chatID,
		Receiver:  b.userID,
		Body:      *text,
		CreatedAt: time.Now().UTC(),
	}, *timeout)

	optimistic := b.mustReadMessage(root, *timeout)
	if optimistic.ID != tmpID || optimistic.Sender != a.userID || optimistic.Body != *text {
		fatalf("optimistic relay mismatch (B): %+v", optimistic)
	}
	confirmed := b.mustReadMessage(root, *timeout)
	if confirmed.ID == "" || confirmed.ID == tmpID {
		fatalf("confirmed message missing server id (B): %+v", confirmed)
	}
	if confirmed.ChatID != *chatID || confirmed.Body != *text || confirmed.CreatedAt.IsZero() {
		fatalf("confirmed message mismatch (B): %+v", confirmed)
	}

	echo := a.mustReadMessage(root, *timeout)
	if echo.ID != confirmed.ID {
		fatalf("sender confirmation id mismatch: got=%q want=%q", echo.ID, confirmed.ID)
	}

	rest.mustHistoryContains(root, lb.AccessToken, *chatID, confirmed.ID)

	mustSend(root, a, v1.MessagePayload{ChatID: *chatID, Receiver: b.userID, Body: "   "}, *timeout)
	errEnv := a.mustReadUntilType(root, v1.EventError, *timeout, skipPresence)
	var ep v1.ErrorPayload
	if err := json.Unmarshal(errEnv.Payload, &ep); err != nil || ep.Code == "" {
		fatalf("error envelope malformed: %v %+v", err, ep)
	}

	mustAssertNoType(root, b, v1.EventReceiveMessage, 1200*time.Millisecond)

	fmt.Printf("OK: A=%s B=%s chat_id=%s message_id=%s\n", a.userID, b.userID, *chatID, confirmed.ID)
}

var skipPresence = map[string]struct{}{v1.EventOnlineUsers: {}}

type restClient struct {
	base   string
	apiKey string
	http   *http.Client
}

func (r *restClient) do(ctx context.Context, method, path, token string, body any, out any) {
	var rdr *bytes.Reader
	if body != nil {
		rdr = bytes.NewReader(mustJSON(body))
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.base+path, rdr)
	if err != nil {
		fatalf("build %s %s: %v", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("X-API-Key", r.apiKey)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		fatalf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			fatalf("%s %s: decode: %v", method, path, err)
		}
	}
}

func (r *restClient) mustLogin(ctx context.Context, email, password string) loginResult {
	var res loginResult
	r.do(ctx, http.MethodPost, "/auth/login", "", map[string]string{"email": email, "password": password}, &res)
	if res.AccessToken == "" || res.User.ID == "" {
		fatalf("login %s: missing token or user", email)
	}
	return res
}

func (r *restClient) mustHistoryContains(ctx context.Context, token, chatID, msgID string) {
	var res struct {
		Messages []v1.MessagePayload `json:"messages"`
	}
	r.do(ctx, http.MethodGet, "/chats/"+url.PathEscape(chatID)+"/messages", token, nil, &res)
	for _, m := range res.Messages {
		if m.ID == msgID {
			return
		}
	}
	fatalf("history of %s missing message %s", chatID, msgID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, login loginResult, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	u, err := url.Parse(wsURL)
	if err != nil {
		fatalf("parse ws url: %v", err)
	}
	q := u.Query()
	q.Set(v1.UserQueryParam, login.User.ID)
	u.RawQuery = q.Encode()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+login.AccessToken)
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, v1.Subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: login.User.ID,
		token:  login.AccessToken,
		conn:   conn,
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

// mustSeeOnline reads online_users snapshots until every id in want is listed.
func mustSeeOnline(parent context.Context, c *smokeClient, want []string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		env := c.mustReadUntilType(ctx, v1.EventOnlineUsers, stepTimeout, nil)
		var p v1.OnlineUsersPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			fatalf("unmarshal online_users payload (%s): %v", c.name, err)
		}
		all := true
		for _, id := range want {
			if !slices.Contains(p.Users, id) {
				all = false
				break
			}
		}
		if all {
			return
		}
	}
}

func mustSend(parent context.Context, c *smokeClient, m v1.MessagePayload, stepTimeout time.Duration) {
	env, err := v1.NewEnvelope(fmt.Sprintf("%s-send-%d", c.name, time.Now().UnixNano()), v1.EventSendMessage, m, time.Now().UTC())
	if err != nil {
		fatalf("build send_message: %v", err)
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

func (c *smokeClient) mustReadMessage(parent context.Context, stepTimeout time.Duration) v1.MessagePayload {
	env := c.mustReadUntilType(parent, v1.EventReceiveMessage, stepTimeout, skipPresence)
	var p v1.MessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal receive_message payload (%s): %v", c.name, err)
	}
	return p
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.EventError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.EventError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
