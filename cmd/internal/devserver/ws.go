package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"portalsync/cmd/internal/ids"
	v1 "portalsync/shared/contracts/realtime/v1"
)

const wsCloseGrace = time.Second

// handleWS upgrades to the realtime protocol. The user is bound by the
// userId query parameter; a bearer token, when sent, must belong to it.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if err := checkOrigin(r, s.cfg.AllowedOrigins, s.cfg.OriginRequired); err != nil {
		s.log.Info("ws.reject.origin", "err", err, "remote", r.RemoteAddr)
		writeError(w, http.StatusForbidden, "forbidden_origin", "origin not allowed")
		return
	}

	userID := strings.TrimSpace(r.URL.Query().Get(v1.UserQueryParam))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", v1.UserQueryParam+" is required")
		return
	}
	if _, ok := s.store.accountByID(userID); !ok {
		writeError(w, http.StatusForbidden, "unknown_user", "unknown user")
		return
	}
	if tok := bearerToken(r); tok != "" {
		claims, err := s.tokens.verify(tok)
		if err != nil || claims.Subject != userID {
			writeError(w, http.StatusUnauthorized, "unauthorized", "token does not match user")
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{v1.Subprotocol},
		OriginPatterns: originPatterns(s.cfg.AllowedOrigins),
	})
	if err != nil {
		s.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		s.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	p := newPeer(userID, uuid.NewString(), s.cfg.SendQueue)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			if s.hub.leave(p) {
				s.broadcastOnline()
			}
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.done:
				return
			case env := <-p.send:
				if err := writeEnvelope(ctx, conn, env, s.cfg.WriteTimeout); err != nil {
					s.log.Info("ws.write.fail", "session_id", p.sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		t := time.NewTicker(s.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.done:
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, s.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()
				if err != nil {
					failures++
					s.log.Info("ws.ping.fail", "session_id", p.sessionID, "failures", failures, "err", err)
					if failures >= s.cfg.MaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	if s.hub.join(p) {
		s.broadcastOnline()
	} else {
		s.sendOnline(p)
	}

	rl := newRateLimiter(s.cfg.RateEvents, s.cfg.RateWindow)

	for {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break
			}
			var syn *json.SyntaxError
			var typ *json.UnmarshalTypeError
			if errors.As(err, &syn) || errors.As(err, &typ) {
				s.trySendError(p, "bad_json", "invalid JSON")
				continue
			}
			s.log.Info("ws.read.fail", "session_id", p.sessionID, "err", err)
			shutdown(websocket.StatusAbnormalClosure, "read failed")
			break
		}

		now := s.now()
		if !rl.allow(now) {
			s.trySendError(p, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break
		}
		if err := env.Validate(); err != nil {
			s.trySendError(p, "bad_envelope", err.Error())
			continue
		}

		switch env.Type {
		case v1.EventSendMessage:
			if err := s.onSendMessage(p, env, now); err != nil {
				s.trySendError(p, "send_failed", err.Error())
			}
		default:
			s.trySendError(p, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone
	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// onSendMessage relays the optimistic copy to the receiver at once, then
// persists the message and delivers the confirmed copy to both sides.
func (s *Server) onSendMessage(p *peer, env v1.Envelope, now time.Time) error {
	var m v1.MessagePayload
	if err := json.Unmarshal(env.Payload, &m); err != nil {
		return errors.New("invalid message payload")
	}
	m.Sender = p.userID
	m.Body = strings.TrimSpace(m.Body)
	switch {
	case m.ChatID == "":
		return errors.New("chatId is required")
	case m.Receiver == "":
		return errors.New("receiver is required")
	case m.Body == "":
		return errors.New("empty message")
	case utf8.RuneCountInString(m.Body) > maxMessageChars:
		return fmt.Errorf("message exceeds %d characters", maxMessageChars)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}

	if relay, err := v1.NewEnvelope(ids.New(now), v1.EventReceiveMessage, m, now); err == nil {
		s.hub.sendTo(m.Receiver, relay, "")
	}

	stored, err := s.store.addMessage(m, now)
	if err != nil {
		return err
	}
	confirmed, err := v1.NewEnvelope(ids.New(now), v1.EventReceiveMessage, stored, now)
	if err != nil {
		return err
	}
	s.hub.sendTo(stored.Receiver, confirmed, "")
	if stored.Receiver != stored.Sender {
		s.hub.sendTo(stored.Sender, confirmed, "")
	}
	return nil
}

func (s *Server) broadcastOnline() {
	now := s.now()
	env, err := v1.NewEnvelope(ids.New(now), v1.EventOnlineUsers, v1.OnlineUsersPayload{Users: s.hub.online()}, now)
	if err != nil {
		return
	}
	s.hub.broadcast(env)
}

func (s *Server) sendOnline(p *peer) {
	now := s.now()
	env, err := v1.NewEnvelope(ids.New(now), v1.EventOnlineUsers, v1.OnlineUsersPayload{Users: s.hub.online()}, now)
	if err != nil {
		return
	}
	p.offer(env)
}

func (s *Server) trySendError(p *peer, code, msg string) {
	now := s.now()
	env, err := v1.NewEnvelope(ids.New(now), v1.EventError, v1.ErrorPayload{Code: code, Message: msg}, now)
	if err != nil {
		return
	}
	p.offer(env)
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
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
