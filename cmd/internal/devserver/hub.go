package devserver

import (
	"log/slog"
	"slices"
	"sync"

	v1 "portalsync/shared/contracts/realtime/v1"
)

// peer is one connected websocket session. send is never closed by the
// server, so concurrent broadcasters cannot panic on it.
type peer struct {
	sessionID string
	userID    string
	send      chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

func newPeer(userID, sessionID string, queue int) *peer {
	return &peer{
		sessionID: sessionID,
		userID:    userID,
		send:      make(chan v1.Envelope, queue),
		done:      make(chan struct{}),
	}
}

func (p *peer) close() {
	p.closeOnce.Do(func() { close(p.done) })
}

// offer enqueues env without blocking. Reports false when the queue is full
// or the peer is shutting down.
func (p *peer) offer(env v1.Envelope) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- env:
		return true
	default:
		return false
	}
}

// hub indexes live peers by user.
type hub struct {
	log *slog.Logger

	mu    sync.RWMutex
	users map[string]map[string]*peer
}

func newHub(log *slog.Logger) *hub {
	return &hub{log: log, users: make(map[string]map[string]*peer)}
}

// join registers p and reports whether it is the user's first session.
func (h *hub) join(p *peer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	sessions, ok := h.users[p.userID]
	if !ok {
		sessions = make(map[string]*peer)
		h.users[p.userID] = sessions
	}
	sessions[p.sessionID] = p
	h.log.Info("hub.peer.join", "user_id", p.userID, "session_id", p.sessionID, "sessions", len(sessions))
	return len(sessions) == 1
}

// leave removes p, closes it, and reports whether it was the user's last session.
func (h *hub) leave(p *peer) bool {
	h.mu.Lock()
	sessions := h.users[p.userID]
	_, present := sessions[p.sessionID]
	delete(sessions, p.sessionID)
	last := present && len(sessions) == 0
	if last {
		delete(h.users, p.userID)
	}
	h.mu.Unlock()

	p.close()
	h.log.Info("hub.peer.leave", "user_id", p.userID, "session_id", p.sessionID)
	return last
}

// sendTo offers env to every session of userID except skip. Returns the
// number of sessions reached.
func (h *hub) sendTo(userID string, env v1.Envelope, skip string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for id, p := range h.users[userID] {
		if id == skip {
			continue
		}
		if p.offer(env) {
			n++
		}
	}
	return n
}

func (h *hub) broadcast(env v1.Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sessions := range h.users {
		for _, p := range sessions {
			p.offer(env)
		}
	}
}

func (h *hub) online() []string {
	h.mu.RLock()
	out := make([]string, 0, len(h.users))
	for id := range h.users {
		out = append(out, id)
	}
	h.mu.RUnlock()
	slices.Sort(out)
	return out
}
