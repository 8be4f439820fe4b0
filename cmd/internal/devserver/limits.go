package devserver

import (
	"sync"
	"time"
)

const (
	// Max bytes per websocket frame read.
	maxFrameBytes = 64 << 10

	// Max chat message body length (runes).
	maxMessageChars = 4000

	maxJSONBody = 1 << 20

	defaultSendQueue  = 64
	defaultRateEvents = 120
	defaultRateWindow = 10 * time.Second
)

// rateLimiter is a per-connection sliding-window limiter.
type rateLimiter struct {
	mu     sync.Mutex
	events []time.Time
	limit  int
	window time.Duration
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	if limit <= 0 {
		limit = defaultRateEvents
	}
	if window <= 0 {
		window = defaultRateWindow
	}
	return &rateLimiter{events: make([]time.Time, 0, limit), limit: limit, window: window}
}

// allow reports whether an event at now is within the limit.
func (r *rateLimiter) allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cut := now.Add(-r.window)
	kept := r.events[:0]
	for _, t := range r.events {
		if t.After(cut) {
			kept = append(kept, t)
		}
	}
	r.events = kept

	if len(r.events) >= r.limit {
		return false
	}
	r.events = append(r.events, now)
	return true
}
