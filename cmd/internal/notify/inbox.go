package notify

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"portalsync/cmd/internal/ids"
	"portalsync/cmd/internal/realtime"
	v1 "portalsync/shared/contracts/realtime/v1"
)

const defaultRefetchTimeout = 15 * time.Second

// Inbox wires a Reconciler and the chat threads to their sources: snapshot
// fetches, read-mark calls and a realtime dispatcher.
type Inbox struct {
	rec  *Reconciler
	src  SnapshotSource
	api  ReadAPI
	disp *realtime.Dispatcher
	log  *slog.Logger
	now  func() time.Time

	refetchTimeout time.Duration

	sf      singleflight.Group
	fetches atomic.Uint64

	threadsMu sync.Mutex
	threads   map[string]*Thread

	cancels []func()

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// InboxOption customizes an Inbox.
type InboxOption func(*Inbox)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) InboxOption {
	return func(i *Inbox) { i.now = now }
}

// WithRefetchTimeout bounds background refetches.
func WithRefetchTimeout(d time.Duration) InboxOption {
	return func(i *Inbox) { i.refetchTimeout = d }
}

// NewInbox subscribes to disp and returns a ready Inbox. disp may be nil
// when no realtime channel is configured.
func NewInbox(rec *Reconciler, src SnapshotSource, api ReadAPI, disp *realtime.Dispatcher, log *slog.Logger, opts ...InboxOption) *Inbox {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())
	i := &Inbox{
		rec:            rec,
		src:            src,
		api:            api,
		disp:           disp,
		log:            log,
		now:            time.Now,
		refetchTimeout: defaultRefetchTimeout,
		threads:        make(map[string]*Thread),
		bgCtx:          ctx,
		bgCancel:       cancel,
	}
	for _, opt := range opts {
		opt(i)
	}
	if disp != nil {
		i.cancels = append(i.cancels,
			disp.On(v1.EventNotification, i.onNotification),
			disp.On(v1.EventReceiveMessage, i.onMessage),
			disp.On(v1.EventSendMessage, i.onMessage),
			disp.On(v1.EventConnect, func(realtime.Event) { i.refetch("connect") }),
		)
	}
	return i
}

// Reconciler returns the underlying reconciler.
func (i *Inbox) Reconciler() *Reconciler { return i.rec }

// Counts returns the current derived counts.
func (i *Inbox) Counts() Counts { return i.rec.Counts() }

// Sync fetches a snapshot and applies it. Concurrent calls share one fetch.
func (i *Inbox) Sync(ctx context.Context) error {
	return i.syncAfter(ctx, 0)
}

// syncAfter is Sync, except that it only settles for a fetch numbered above
// seen. Joining an older in-flight fetch is followed by one more.
func (i *Inbox) syncAfter(ctx context.Context, seen uint64) error {
	for {
		v, err, shared := i.sf.Do("snapshot", func() (any, error) {
			return i.fetch(ctx)
		})
		if err != nil {
			i.log.Info("notify.sync.fail", "shared", shared, "err", err)
			return err
		}
		if n := v.(uint64); n > seen {
			return nil
		}
		i.log.Debug("notify.sync.rerun", "seen", seen)
	}
}

func (i *Inbox) fetch(ctx context.Context) (uint64, error) {
	n := i.fetches.Add(1)
	user := i.rec.UserID()
	started := i.now().UTC()
	s, err := i.src.FetchSnapshot(ctx)
	if err != nil {
		return n, err
	}
	if s.FetchedAt.IsZero() {
		s.FetchedAt = started
	}
	s.UserID = user
	i.rec.ApplySnapshot(s)
	return n, nil
}

// MarkNotificationRead marks one notification read locally, persists the
// mark and refetches in the background.
func (i *Inbox) MarkNotificationRead(ctx context.Context, id string) error {
	i.rec.MarkNotificationRead(id, i.now().UTC())
	err := i.api.MarkNotificationRead(ctx, id)
	i.refetch("mark_read")
	return err
}

// MarkAllNotificationsRead is MarkNotificationRead for every record.
func (i *Inbox) MarkAllNotificationsRead(ctx context.Context) error {
	i.rec.MarkAllNotificationsRead(i.now().UTC())
	err := i.api.MarkAllNotificationsRead(ctx)
	i.refetch("mark_all_read")
	return err
}

// MarkChatRead zeroes one chat's unread count locally, persists the mark
// and refetches in the background.
func (i *Inbox) MarkChatRead(ctx context.Context, chatID string) error {
	i.rec.MarkChatRead(chatID, i.now().UTC())
	err := i.api.MarkChatRead(ctx, chatID)
	i.refetch("mark_chat_read")
	return err
}

// Send renders an optimistic message with a temporary id and pushes it to
// the receiver's other connected clients. Reports whether it was emitted.
func (i *Inbox) Send(ctx context.Context, chatID, receiver, body string) (Message, bool) {
	now := i.now().UTC()
	m := Message{
		ID:        ids.NewTemp(now),
		ChatID:    chatID,
		Sender:    i.rec.UserID(),
		Receiver:  receiver,
		Body:      body,
		Read:      true,
		CreatedAt: now,
	}
	i.Thread(chatID).Add(m)

	if i.disp == nil {
		return m, false
	}
	return m, i.disp.Channel().Emit(ctx, v1.EventSendMessage, m.Payload())
}

// Thread returns the thread of chatID, creating it on first use.
func (i *Inbox) Thread(chatID string) *Thread {
	i.threadsMu.Lock()
	defer i.threadsMu.Unlock()
	t, ok := i.threads[chatID]
	if !ok {
		t = NewThread(chatID, i.rec.Window())
		i.threads[chatID] = t
	}
	return t
}

// Close unsubscribes and waits for background refetches.
func (i *Inbox) Close() {
	for _, cancel := range i.cancels {
		cancel()
	}
	i.cancels = nil
	i.bgCancel()
	i.bg.Wait()
}

// Wait blocks until in-flight background refetches finish.
func (i *Inbox) Wait() { i.bg.Wait() }

func (i *Inbox) onNotification(ev realtime.Event) {
	var p v1.NotificationPayload
	if err := decodeEvent(ev, &p); err != nil {
		i.log.Warn("notify.event.decode_fail", "event", ev.Name, "err", err)
		return
	}
	n := NotificationFromPayload(p)
	if n.CreatedAt.IsZero() {
		n.CreatedAt = eventTime(ev, i.now())
	}
	i.rec.ApplyNotification(n)
}

func (i *Inbox) onMessage(ev realtime.Event) {
	var p v1.MessagePayload
	if err := decodeEvent(ev, &p); err != nil {
		i.log.Warn("notify.event.decode_fail", "event", ev.Name, "err", err)
		return
	}
	m := MessageFromPayload(p)
	if m.CreatedAt.IsZero() {
		m.CreatedAt = eventTime(ev, i.now())
	}
	// A message already rendered (same id, or a fuzzy match of an optimistic
	// copy) was counted when it first arrived.
	if m.ChatID != "" && !i.Thread(m.ChatID).Add(m) {
		return
	}
	i.rec.ApplyMessage(m)
}

func (i *Inbox) refetch(reason string) {
	if i.bgCtx.Err() != nil {
		return
	}
	seen := i.fetches.Load()
	i.bg.Add(1)
	go func() {
		defer i.bg.Done()
		ctx, cancel := context.WithTimeout(i.bgCtx, i.refetchTimeout)
		defer cancel()
		if err := i.syncAfter(ctx, seen); err != nil {
			i.log.Info("notify.refetch.fail", "reason", reason, "err", err)
		}
	}()
}

func eventTime(ev realtime.Event, now time.Time) time.Time {
	if !ev.TS.IsZero() {
		return ev.TS
	}
	return now.UTC()
}
