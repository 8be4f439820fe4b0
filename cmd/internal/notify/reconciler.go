package notify

import (
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"portalsync/cmd/internal/metrics"
)

// Config tunes a Reconciler.
type Config struct {
	// RelevantTypes lists the notification types that count toward the
	// unread total. Nil counts every type; other records are still kept
	// for display.
	RelevantTypes []string
	// DedupWindow rounds synthetic keys. Zero means DefaultDedupWindow.
	DedupWindow time.Duration
}

// Reconciler merges snapshots, realtime events and local read marks into one
// deduplicated view.
//
// Confirmed records come from the latest snapshot and are replaced wholesale
// by the next one. Live records come from realtime events not (yet) seen in
// a snapshot; they survive a snapshot only when created after its fetch
// started. Read marks are timestamped: a snapshot fetched before a mark is
// overlaid with it, one fetched at or after the mark replaces it.
type Reconciler struct {
	window   time.Duration
	relevant map[string]struct{}
	log      *slog.Logger
	metrics  *metrics.Metrics

	mu        sync.Mutex
	userID    string
	confirmed []Notification
	live      []Notification
	countedAt time.Time

	readMarks map[string]time.Time
	readAllAt time.Time

	chatUnread   map[string]int
	otherUnread  int
	liveMessages []Message
	chatMarks    map[string]time.Time
	seq          uint64

	pubMu  sync.Mutex
	pubSeq uint64
	last   Counts
	subs   map[uint64]func(Counts)
	nextID uint64
}

// NewReconciler constructs an empty Reconciler. log and m may be nil.
func NewReconciler(cfg Config, log *slog.Logger, m *metrics.Metrics) *Reconciler {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}
	r := &Reconciler{
		window:  cfg.DedupWindow,
		log:     log,
		metrics: m,
		subs:    make(map[uint64]func(Counts)),
	}
	if cfg.RelevantTypes != nil {
		r.relevant = make(map[string]struct{}, len(cfg.RelevantTypes))
		for _, t := range cfg.RelevantTypes {
			r.relevant[t] = struct{}{}
		}
	}
	r.resetLocked()
	return r
}

// Window returns the dedup window in use.
func (r *Reconciler) Window() time.Duration { return r.window }

// UserID returns the user whose records are counted.
func (r *Reconciler) UserID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.userID
}

// SetUser switches the counted user. A different user drops all state.
func (r *Reconciler) SetUser(userID string) {
	r.mu.Lock()
	if r.userID == userID {
		r.mu.Unlock()
		return
	}
	r.userID = userID
	r.resetLocked()
	r.commit()
}

// Subscribe registers fn for count changes. fn runs synchronously on the
// mutating goroutine and must not call mutating Reconciler methods.
func (r *Reconciler) Subscribe(fn func(Counts)) (cancel func()) {
	r.pubMu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = fn
	r.pubMu.Unlock()

	return func() {
		r.pubMu.Lock()
		delete(r.subs, id)
		r.pubMu.Unlock()
	}
}

// Counts returns the current derived counts.
func (r *Reconciler) Counts() Counts {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.countsLocked()
}

// Notifications returns all held records, newest first.
func (r *Reconciler) Notifications() []Notification {
	r.mu.Lock()
	out := make([]Notification, 0, len(r.confirmed)+len(r.live))
	out = append(out, r.confirmed...)
	out = append(out, r.live...)
	r.mu.Unlock()

	slices.SortStableFunc(out, func(a, b Notification) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out
}

// ApplySnapshot makes s the authoritative confirmed state. A snapshot
// fetched for a user other than the current one is dropped; ApplySnapshot
// then reports false.
func (r *Reconciler) ApplySnapshot(s Snapshot) bool {
	r.mu.Lock()

	if s.UserID != "" && s.UserID != r.userID {
		r.mu.Unlock()
		r.log.Info("notify.snapshot.stale_user", "fetched_for", s.UserID, "current", r.userID)
		return false
	}

	r.confirmed = slices.Clone(s.Notifications)

	keep := r.live[:0]
	for _, n := range r.live {
		if n.CreatedAt.After(s.FetchedAt) && !r.inConfirmed(n) {
			keep = append(keep, n)
		}
	}
	r.live = keep

	for id, at := range r.readMarks {
		if !s.FetchedAt.Before(at) {
			delete(r.readMarks, id)
			continue
		}
		for i := range r.confirmed {
			if r.confirmed[i].ID == id {
				r.confirmed[i].Read = true
			}
		}
	}
	if !r.readAllAt.IsZero() {
		if s.FetchedAt.Before(r.readAllAt) {
			for i := range r.confirmed {
				if !r.confirmed[i].CreatedAt.After(r.readAllAt) {
					r.confirmed[i].Read = true
				}
			}
		} else {
			r.readAllAt = time.Time{}
		}
	}

	r.chatUnread = make(map[string]int, len(s.UnreadByChat))
	r.otherUnread = 0
	if s.UnreadByChat != nil {
		for chat, n := range s.UnreadByChat {
			if n > 0 {
				r.chatUnread[chat] = n
			}
		}
	} else {
		r.otherUnread = max(s.UnreadMessages, 0)
	}

	countedAt := s.AsOf
	if countedAt.IsZero() {
		// Without a server timestamp every message delivered so far is
		// taken to be in the counts.
		countedAt = s.FetchedAt
		for _, m := range r.liveMessages {
			if m.CreatedAt.After(countedAt) {
				countedAt = m.CreatedAt
			}
		}
	}
	keepMsgs := r.liveMessages[:0]
	for _, m := range r.liveMessages {
		if m.CreatedAt.After(countedAt) {
			keepMsgs = append(keepMsgs, m)
		}
	}
	r.liveMessages = keepMsgs
	r.countedAt = countedAt

	for chat, at := range r.chatMarks {
		if !s.FetchedAt.Before(at) {
			delete(r.chatMarks, chat)
			continue
		}
		delete(r.chatUnread, chat)
	}

	r.log.Debug("notify.snapshot.applied",
		"notifications", len(r.confirmed),
		"live", len(r.live),
		"fetched_at", s.FetchedAt,
		"counted_at", countedAt,
	)
	r.commit()
	return true
}

// ApplyNotification appends a realtime record unless it is already held.
// Reports whether the record was added.
func (r *Reconciler) ApplyNotification(n Notification) bool {
	r.mu.Lock()

	if r.upgradeLocked(n) {
		r.mu.Unlock()
		return false
	}
	if !r.readAllAt.IsZero() && !n.CreatedAt.After(r.readAllAt) {
		n.Read = true
	}
	if n.ID != "" {
		if _, ok := r.readMarks[n.ID]; ok {
			n.Read = true
		}
	}
	r.live = append(r.live, n)
	r.commit()
	return true
}

// ApplyMessage records a realtime message. Only unread messages addressed
// to the current user and created after the last snapshot's counts were
// taken affect the count.
func (r *Reconciler) ApplyMessage(m Message) bool {
	r.mu.Lock()

	if r.userID == "" || m.Receiver != r.userID || m.Read || !m.CreatedAt.After(r.countedAt) {
		r.mu.Unlock()
		return false
	}
	for _, cur := range r.liveMessages {
		if cur.ID != "" && cur.ID == m.ID {
			r.mu.Unlock()
			return false
		}
	}
	if at, ok := r.chatMarks[m.ChatID]; ok && !m.CreatedAt.After(at) {
		m.Read = true
	}
	r.liveMessages = append(r.liveMessages, m)
	r.commit()
	return true
}

// MarkNotificationRead optimistically marks one record read.
func (r *Reconciler) MarkNotificationRead(id string, at time.Time) {
	r.mu.Lock()
	r.readMarks[id] = at
	for i := range r.confirmed {
		if r.confirmed[i].ID == id {
			r.confirmed[i].Read = true
		}
	}
	for i := range r.live {
		if r.live[i].ID == id {
			r.live[i].Read = true
		}
	}
	r.commit()
}

// MarkAllNotificationsRead optimistically marks every held record read.
func (r *Reconciler) MarkAllNotificationsRead(at time.Time) {
	r.mu.Lock()
	r.readAllAt = at
	for i := range r.confirmed {
		r.confirmed[i].Read = true
	}
	for i := range r.live {
		r.live[i].Read = true
	}
	r.commit()
}

// MarkChatRead optimistically zeroes one chat's unread messages.
func (r *Reconciler) MarkChatRead(chatID string, at time.Time) {
	r.mu.Lock()
	r.chatMarks[chatID] = at
	delete(r.chatUnread, chatID)
	for i := range r.liveMessages {
		if r.liveMessages[i].ChatID == chatID {
			r.liveMessages[i].Read = true
		}
	}
	r.commit()
}

// upgradeLocked reports whether n is already held. A held record without an
// id that n confirms takes over n's id.
func (r *Reconciler) upgradeLocked(n Notification) bool {
	key := n.SyntheticKey(r.window)
	for _, list := range [][]Notification{r.confirmed, r.live} {
		for i := range list {
			cur := &list[i]
			if n.ID != "" && cur.ID == n.ID {
				return true
			}
			if (n.ID == "" || cur.ID == "") && cur.SyntheticKey(r.window) == key {
				if cur.ID == "" && n.ID != "" {
					cur.ID = n.ID
				}
				return true
			}
		}
	}
	return false
}

func (r *Reconciler) inConfirmed(n Notification) bool {
	key := n.SyntheticKey(r.window)
	for _, c := range r.confirmed {
		if n.ID != "" && c.ID == n.ID {
			return true
		}
		if n.ID == "" && c.SyntheticKey(r.window) == key {
			return true
		}
	}
	return false
}

func (r *Reconciler) countsLocked() Counts {
	var c Counts
	if r.userID == "" {
		return c
	}
	for _, list := range [][]Notification{r.confirmed, r.live} {
		for _, n := range list {
			if r.counts(n) {
				c.Notifications++
			}
		}
	}
	for _, n := range r.chatUnread {
		c.Messages += n
	}
	c.Messages += r.otherUnread
	for _, m := range r.liveMessages {
		if !m.Read {
			c.Messages++
		}
	}
	c.Total = c.Notifications + c.Messages
	return c
}

func (r *Reconciler) counts(n Notification) bool {
	if n.Read || n.UserID != r.userID {
		return false
	}
	if r.relevant == nil {
		return true
	}
	_, ok := r.relevant[n.Type]
	return ok
}

func (r *Reconciler) resetLocked() {
	r.confirmed = nil
	r.live = nil
	r.countedAt = time.Time{}
	r.readMarks = make(map[string]time.Time)
	r.readAllAt = time.Time{}
	r.chatUnread = make(map[string]int)
	r.otherUnread = 0
	r.liveMessages = nil
	r.chatMarks = make(map[string]time.Time)
}

// commit must be called with mu held. It releases mu, then publishes the new
// counts if they changed. Deliveries superseded by a later commit are skipped.
func (r *Reconciler) commit() {
	r.seq++
	seq, c := r.seq, r.countsLocked()
	r.mu.Unlock()

	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	if seq <= r.pubSeq {
		return
	}
	r.pubSeq = seq
	if c == r.last {
		return
	}
	r.last = c
	r.metrics.Unread(c.Notifications, c.Messages)
	for _, fn := range r.subs {
		fn(c)
	}
}
