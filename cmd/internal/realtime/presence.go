package realtime

import (
	"slices"
	"sync"

	v1 "portalsync/shared/contracts/realtime/v1"
)

// Presence tracks the online-user list pushed by the server. The list is
// cleared whenever the connection drops.
type Presence struct {
	mu    sync.RWMutex
	users map[string]struct{}

	cancels []func()
}

// TrackPresence subscribes a Presence to d.
func TrackPresence(d *Dispatcher) *Presence {
	p := &Presence{users: make(map[string]struct{})}
	p.cancels = append(p.cancels,
		d.On(v1.EventOnlineUsers, func(ev Event) {
			var payload v1.OnlineUsersPayload
			if err := decodePayload(ev, &payload); err != nil {
				d.ch.log.Warn("realtime.presence.decode_fail", "err", err)
				return
			}
			p.replace(payload.Users)
		}),
		d.On(v1.EventDisconnect, func(Event) { p.replace(nil) }),
	)
	return p
}

// Online reports whether userID is currently online.
func (p *Presence) Online(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.users[userID]
	return ok
}

// Users returns the online users in sorted order.
func (p *Presence) Users() []string {
	p.mu.RLock()
	out := make([]string, 0, len(p.users))
	for u := range p.users {
		out = append(out, u)
	}
	p.mu.RUnlock()
	slices.Sort(out)
	return out
}

// Stop unsubscribes from the dispatcher.
func (p *Presence) Stop() {
	for _, cancel := range p.cancels {
		cancel()
	}
}

func (p *Presence) replace(users []string) {
	next := make(map[string]struct{}, len(users))
	for _, u := range users {
		if u != "" {
			next[u] = struct{}{}
		}
	}
	p.mu.Lock()
	p.users = next
	p.mu.Unlock()
}
