package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"portalsync/cmd/internal/ids"
	"portalsync/cmd/internal/realtime"
	v1 "portalsync/shared/contracts/realtime/v1"
)

const waitFor = 3 * time.Second

type fakeSource struct {
	mu    sync.Mutex
	snap  Snapshot
	err   error
	gate  chan struct{}
	calls atomic.Int32
}

func (f *fakeSource) set(s Snapshot) {
	f.mu.Lock()
	f.snap = s
	f.mu.Unlock()
}

func (f *fakeSource) FetchSnapshot(ctx context.Context) (Snapshot, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return Snapshot{}, f.err
	}
	s := f.snap
	s.Notifications = append([]Notification(nil), f.snap.Notifications...)
	return s, nil
}

type fakeAPI struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeAPI) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeAPI) MarkNotificationRead(_ context.Context, id string) error {
	return f.record("read:" + id)
}

func (f *fakeAPI) MarkAllNotificationsRead(context.Context) error {
	return f.record("read-all")
}

func (f *fakeAPI) MarkChatRead(_ context.Context, chatID string) error {
	return f.record("chat:" + chatID)
}

func (f *fakeAPI) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newInbox(t *testing.T, src SnapshotSource, api ReadAPI, disp *realtime.Dispatcher) *Inbox {
	t.Helper()
	rec := NewReconciler(Config{}, nil, nil)
	rec.SetUser("u1")
	in := NewInbox(rec, src, api, disp, nil, WithRefetchTimeout(waitFor))
	t.Cleanup(in.Close)
	return in
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestInbox_MarkChatReadConverges(t *testing.T) {
	t.Parallel()

	src := &fakeSource{snap: Snapshot{UnreadByChat: map[string]int{"c1": 3, "c2": 1}}}
	api := &fakeAPI{}
	in := newInbox(t, src, api, nil)

	if err := in.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if got := in.Counts().Messages; got != 4 {
		t.Fatalf("messages=%d want 4", got)
	}

	src.set(Snapshot{UnreadByChat: map[string]int{"c2": 1}})
	if err := in.MarkChatRead(context.Background(), "c1"); err != nil {
		t.Fatalf("MarkChatRead: %v", err)
	}
	if got := in.Counts().Messages; got != 1 {
		t.Fatalf("optimistic messages=%d want 1", got)
	}

	in.Wait()
	if got := in.Counts().Messages; got != 1 {
		t.Fatalf("after refetch messages=%d want 1", got)
	}
	if got := src.calls.Load(); got != 2 {
		t.Fatalf("fetches=%d want 2", got)
	}
	if calls := api.all(); len(calls) != 1 || calls[0] != "chat:c1" {
		t.Fatalf("api calls=%v", calls)
	}
}

func TestInbox_MarkReadFailureKeepsOptimisticState(t *testing.T) {
	t.Parallel()

	src := &fakeSource{snap: Snapshot{Notifications: []Notification{
		{ID: "n1", Type: "order", UserID: "u1", CreatedAt: t0},
	}}}
	api := &fakeAPI{err: errors.New("backend down")}
	in := newInbox(t, src, api, nil)

	if err := in.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := in.MarkNotificationRead(context.Background(), "n1"); err == nil {
		t.Fatalf("expected api error")
	}
	if got := in.Counts().Notifications; got != 0 {
		t.Fatalf("unread=%d want 0", got)
	}

	if err := in.MarkAllNotificationsRead(context.Background()); err == nil {
		t.Fatalf("expected api error")
	}
	in.Wait()
}

func TestInbox_SyncSharesOneFetch(t *testing.T) {
	t.Parallel()

	src := &fakeSource{gate: make(chan struct{})}
	in := newInbox(t, src, &fakeAPI{}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := in.Sync(context.Background()); err != nil {
				t.Errorf("Sync: %v", err)
			}
		}()
	}
	eventually(t, "first fetch", func() bool { return src.calls.Load() == 1 })
	time.Sleep(50 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	if got := src.calls.Load(); got != 1 {
		t.Fatalf("fetches=%d want 1", got)
	}
}

func TestInbox_MarkDuringSyncFetchesAgain(t *testing.T) {
	t.Parallel()

	src := &fakeSource{gate: make(chan struct{}), snap: Snapshot{UnreadByChat: map[string]int{"c1": 2}}}
	in := newInbox(t, src, &fakeAPI{}, nil)

	done := make(chan error, 1)
	go func() { done <- in.Sync(context.Background()) }()
	eventually(t, "sync blocked in fetch", func() bool { return src.calls.Load() == 1 })

	if err := in.MarkChatRead(context.Background(), "c1"); err != nil {
		t.Fatalf("MarkChatRead: %v", err)
	}
	src.set(Snapshot{})
	close(src.gate)
	if err := <-done; err != nil {
		t.Fatalf("Sync: %v", err)
	}
	in.Wait()

	if got := src.calls.Load(); got != 2 {
		t.Fatalf("fetches=%d want 2", got)
	}
	if got := in.Counts().Messages; got != 0 {
		t.Fatalf("messages=%d want 0", got)
	}
}

func TestInbox_SyncAcrossUserSwitchDropped(t *testing.T) {
	t.Parallel()

	src := &fakeSource{gate: make(chan struct{}), snap: Snapshot{UnreadByChat: map[string]int{"c1": 3}}}
	in := newInbox(t, src, &fakeAPI{}, nil)

	done := make(chan error, 1)
	go func() { done <- in.Sync(context.Background()) }()
	eventually(t, "sync blocked in fetch", func() bool { return src.calls.Load() == 1 })

	in.Reconciler().SetUser("u2")
	close(src.gate)
	if err := <-done; err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if got := in.Counts(); got.Total != 0 {
		t.Fatalf("u1 snapshot applied to u2: %+v", got)
	}

	if err := in.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if got := in.Counts().Messages; got != 3 {
		t.Fatalf("messages=%d want 3", got)
	}
}

func TestInbox_SendWithoutChannel(t *testing.T) {
	t.Parallel()

	in := newInbox(t, &fakeSource{}, &fakeAPI{}, nil)
	m, emitted := in.Send(context.Background(), "c1", "u2", "hello")
	if emitted {
		t.Fatalf("emitted without a channel")
	}
	if !ids.IsTemp(m.ID) || m.Sender != "u1" {
		t.Fatalf("optimistic message=%+v", m)
	}
	if got := in.Thread("c1").Messages(); len(got) != 1 || got[0].ID != m.ID {
		t.Fatalf("thread=%+v", got)
	}
	if got := in.Counts().Total; got != 0 {
		t.Fatalf("own message counted as unread")
	}
}

type peer struct {
	conn     *websocket.Conn
	received chan v1.Envelope
}

func (p *peer) send(t *testing.T, typ string, payload any) {
	t.Helper()
	env, err := v1.NewEnvelope("srv", typ, payload, time.Now().UTC())
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	b, _ := json.Marshal(env)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	if err := p.conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

func newPeerServer(t *testing.T) (string, chan *peer) {
	t.Helper()
	peers := make(chan *peer, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{v1.Subprotocol}})
		if err != nil {
			return
		}
		p := &peer{conn: conn, received: make(chan v1.Envelope, 16)}
		peers <- p
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			var env v1.Envelope
			if json.Unmarshal(data, &env) == nil {
				p.received <- env
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", peers
}

func TestInbox_RealtimeFlow(t *testing.T) {
	t.Parallel()

	url, peers := newPeerServer(t)
	ch := realtime.New(realtime.DefaultConfig(url), nil, nil)
	t.Cleanup(ch.Close)

	src := &fakeSource{}
	in := newInbox(t, src, &fakeAPI{}, realtime.NewDispatcher(ch))
	ch.Bind("u1")

	var p *peer
	select {
	case p = <-peers:
	case <-time.After(waitFor):
		t.Fatalf("no connection")
	}
	// connect triggers a refetch
	eventually(t, "refetch on connect", func() bool { return src.calls.Load() >= 1 })
	in.Wait()

	now := time.Now().UTC()
	p.send(t, v1.EventNotification, v1.NotificationPayload{ID: "n1", Type: "order", UserID: "u1", CreatedAt: now})
	p.send(t, v1.EventNotification, v1.NotificationPayload{ID: "n1", Type: "order", UserID: "u1", CreatedAt: now})
	eventually(t, "notification counted", func() bool { return in.Counts().Notifications == 1 })

	sent, emitted := in.Send(context.Background(), "c1", "u2", "hello")
	if !emitted {
		t.Fatalf("Send not emitted while connected")
	}
	select {
	case env := <-p.received:
		var got v1.MessagePayload
		if env.Type != v1.EventSendMessage || json.Unmarshal(env.Payload, &got) != nil || got.ID != sent.ID {
			t.Fatalf("server received %s %s", env.Type, env.Payload)
		}
	case <-time.After(waitFor):
		t.Fatalf("server did not receive send_message")
	}

	echo := v1.MessagePayload{ID: ids.NewTemp(now), ChatID: "c1", Sender: "u1", Receiver: "u2", Body: "hello", CreatedAt: sent.CreatedAt.Add(200 * time.Millisecond)}
	p.send(t, v1.EventReceiveMessage, echo)
	confirmed := echo
	confirmed.ID = "m1"
	p.send(t, v1.EventReceiveMessage, confirmed)

	eventually(t, "confirmed id rendered", func() bool {
		msgs := in.Thread("c1").Messages()
		return len(msgs) == 1 && msgs[0].ID == "m1"
	})

	p.send(t, v1.EventReceiveMessage, v1.MessagePayload{ID: "m2", ChatID: "c1", Sender: "u2", Receiver: "u1", Body: "hi", CreatedAt: time.Now().UTC()})
	eventually(t, "incoming message counted", func() bool { return in.Counts().Messages == 1 })

	if got := in.Thread("c1").Len(); got != 2 {
		t.Fatalf("thread len=%d want 2", got)
	}
	if got := in.Counts().Total; got != 2 {
		t.Fatalf("total=%d want 2", got)
	}
}
