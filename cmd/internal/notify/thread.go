package notify

import (
	"slices"
	"sync"
	"time"

	"portalsync/cmd/internal/ids"
)

// Thread is the rendered message list of one chat.
//
// Messages match when their ids are equal. When at least one side still
// carries a temporary id, same sender and body within the tolerance also
// match; this only suppresses duplicate rendering and never merges two
// server-confirmed messages.
type Thread struct {
	chatID    string
	tolerance time.Duration

	mu   sync.Mutex
	msgs []Message
}

// NewThread constructs an empty thread. tolerance <= 0 means DefaultDedupWindow.
func NewThread(chatID string, tolerance time.Duration) *Thread {
	if tolerance <= 0 {
		tolerance = DefaultDedupWindow
	}
	return &Thread{chatID: chatID, tolerance: tolerance}
}

// ChatID returns the chat this thread renders.
func (t *Thread) ChatID() string { return t.chatID }

// Add renders m unless it duplicates a rendered message. A server-confirmed
// message replaces the optimistic copy it matches. Reports whether a new
// entry was rendered.
func (t *Thread) Add(m Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if i := t.matchLocked(m); i >= 0 {
		cur := t.msgs[i]
		if ids.IsTemp(cur.ID) && !ids.IsTemp(m.ID) && m.ID != "" {
			m.Read = m.Read || cur.Read
			t.msgs[i] = m
			t.sortLocked()
		}
		return false
	}
	t.msgs = append(t.msgs, m)
	t.sortLocked()
	return true
}

// Reset replaces the rendered list with a history load. Optimistic messages
// not matched by the history are kept.
func (t *Thread) Reset(history []Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pending := make([]Message, 0)
	for _, m := range t.msgs {
		if ids.IsTemp(m.ID) {
			pending = append(pending, m)
		}
	}
	t.msgs = nil
	for _, m := range history {
		if t.matchLocked(m) < 0 {
			t.msgs = append(t.msgs, m)
		}
	}
	for _, m := range pending {
		if t.matchLocked(m) < 0 {
			t.msgs = append(t.msgs, m)
		}
	}
	t.sortLocked()
}

// Messages returns the rendered list, oldest first.
func (t *Thread) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.msgs)
}

// Len returns the number of rendered messages.
func (t *Thread) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.msgs)
}

func (t *Thread) matchLocked(m Message) int {
	for i, cur := range t.msgs {
		if m.ID != "" && cur.ID == m.ID {
			return i
		}
	}
	for i, cur := range t.msgs {
		if t.fuzzyMatch(cur, m) {
			return i
		}
	}
	return -1
}

func (t *Thread) fuzzyMatch(a, b Message) bool {
	if !ids.IsTemp(a.ID) && !ids.IsTemp(b.ID) {
		return false
	}
	if a.Sender != b.Sender || a.Body != b.Body {
		return false
	}
	d := a.CreatedAt.Sub(b.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d <= t.tolerance
}

func (t *Thread) sortLocked() {
	slices.SortStableFunc(t.msgs, func(a, b Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}
