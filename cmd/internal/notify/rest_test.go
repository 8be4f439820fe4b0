package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"portalsync/cmd/internal/gateway"
	"portalsync/cmd/internal/session"
)

func newGateway(t *testing.T, baseURL string) *gateway.Client {
	t.Helper()
	store := session.NewStore(session.Portal{Name: "client"}, nil, nil)
	err := store.Set(context.Background(), session.LoginResult{
		LoginTokens: session.LoginTokens{AccessToken: "A1", RefreshToken: "R1"},
		User:        &session.UserSummary{ID: "u1", Role: "client"},
	})
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}
	cfg := gateway.DefaultConfig()
	cfg.BaseURL = baseURL
	return gateway.New(cfg, store, nil)
}

func TestREST_ConditionalSnapshot(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		full  int
		posts []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer A1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Method == http.MethodPost {
			posts = append(posts, r.URL.Path)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.URL.Path != PathSummary {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		full++
		w.Header().Set("ETag", `"v1"`)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"notifications":  []map[string]any{{"id": "n1", "type": "order", "userId": "u1", "createdAt": t0}},
			"unreadByChat":   map[string]int{"c1": 2},
			"unreadMessages": 2,
			"asOf":           t0,
		})
	}))
	t.Cleanup(srv.Close)

	r := NewREST(newGateway(t, srv.URL))
	ctx := context.Background()

	first, err := r.FetchSnapshot(ctx)
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if len(first.Notifications) != 1 || first.UnreadByChat["c1"] != 2 || first.FetchedAt.IsZero() || !first.AsOf.Equal(t0) {
		t.Fatalf("first=%+v", first)
	}

	second, err := r.FetchSnapshot(ctx)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if len(second.Notifications) != 1 || second.Notifications[0].ID != "n1" {
		t.Fatalf("304 did not reuse previous snapshot: %+v", second)
	}
	if second.FetchedAt.Before(first.FetchedAt) {
		t.Fatalf("FetchedAt went backwards")
	}
	if !second.AsOf.IsZero() {
		t.Fatalf("304 kept the previous asOf %v", second.AsOf)
	}

	if err := r.MarkNotificationRead(ctx, "n1"); err != nil {
		t.Fatalf("MarkNotificationRead: %v", err)
	}
	if err := r.MarkAllNotificationsRead(ctx); err != nil {
		t.Fatalf("MarkAllNotificationsRead: %v", err)
	}
	if err := r.MarkChatRead(ctx, "c1"); err != nil {
		t.Fatalf("MarkChatRead: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if full != 1 {
		t.Fatalf("full responses=%d want 1", full)
	}
	want := []string{"/notifications/n1/read", PathReadAll, "/chats/c1/read"}
	if len(posts) != len(want) {
		t.Fatalf("posts=%v", posts)
	}
	for i := range want {
		if posts[i] != want[i] {
			t.Fatalf("posts=%v want %v", posts, want)
		}
	}
}
