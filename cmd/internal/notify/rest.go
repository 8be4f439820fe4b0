package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"portalsync/cmd/internal/gateway"
)

// REST endpoints of the notification service.
const (
	PathSummary      = "/notifications/summary"
	PathReadAll      = "/notifications/read-all"
	pathReadOne      = "/notifications/%s/read"
	pathChatReadMark = "/chats/%s/read"
)

// SnapshotSource fetches the authoritative state.
type SnapshotSource interface {
	FetchSnapshot(ctx context.Context) (Snapshot, error)
}

// ReadAPI persists read marks on the server.
type ReadAPI interface {
	MarkNotificationRead(ctx context.Context, id string) error
	MarkAllNotificationsRead(ctx context.Context) error
	MarkChatRead(ctx context.Context, chatID string) error
}

// REST implements SnapshotSource and ReadAPI over the request gateway.
// Snapshot fetches are conditional: a 304 reuses the previous body.
type REST struct {
	gw *gateway.Client

	mu   sync.Mutex
	etag string
	last Snapshot
}

// NewREST constructs a REST client.
func NewREST(gw *gateway.Client) *REST {
	return &REST{gw: gw}
}

// FetchSnapshot implements SnapshotSource.
func (r *REST) FetchSnapshot(ctx context.Context) (Snapshot, error) {
	started := time.Now().UTC()

	req, err := r.gw.NewRequest(ctx, http.MethodGet, PathSummary, nil)
	if err != nil {
		return Snapshot{}, err
	}
	r.mu.Lock()
	if r.etag != "" {
		req.Header.Set("If-None-Match", r.etag)
	}
	r.mu.Unlock()

	resp, err := r.gw.Do(ctx, req)
	if err != nil {
		return Snapshot{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	r.mu.Lock()
	defer r.mu.Unlock()

	if resp.StatusCode == http.StatusNotModified {
		s := r.last
		s.Notifications = append([]Notification(nil), r.last.Notifications...)
		s.AsOf = time.Time{}
		s.FetchedAt = started
		return s, nil
	}

	var s Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return Snapshot{}, fmt.Errorf("decode notification summary: %w", err)
	}
	s.FetchedAt = started
	r.etag = resp.Header.Get("ETag")
	r.last = s
	return s, nil
}

// MarkNotificationRead implements ReadAPI.
func (r *REST) MarkNotificationRead(ctx context.Context, id string) error {
	return r.gw.PostJSON(ctx, fmt.Sprintf(pathReadOne, url.PathEscape(id)), nil, nil)
}

// MarkAllNotificationsRead implements ReadAPI.
func (r *REST) MarkAllNotificationsRead(ctx context.Context) error {
	return r.gw.PostJSON(ctx, PathReadAll, nil, nil)
}

// MarkChatRead implements ReadAPI.
func (r *REST) MarkChatRead(ctx context.Context, chatID string) error {
	return r.gw.PostJSON(ctx, fmt.Sprintf(pathChatReadMark, url.PathEscape(chatID)), nil, nil)
}
