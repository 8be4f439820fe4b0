package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"portalsync/cmd/internal/metrics"
	"portalsync/cmd/internal/session"
)

type fakeExchanger struct {
	calls   atomic.Int32
	delay   time.Duration
	release chan struct{}
	err     error
	access  string
	refresh string
	seen    chan string
}

func (f *fakeExchanger) Exchange(ctx context.Context, refreshToken string) (session.LoginResult, error) {
	f.calls.Add(1)
	if f.seen != nil {
		f.seen <- refreshToken
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return session.LoginResult{}, ctx.Err()
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return session.LoginResult{}, ctx.Err()
		}
	}
	if f.err != nil {
		return session.LoginResult{}, f.err
	}
	return session.LoginResult{
		LoginTokens: session.LoginTokens{AccessToken: f.access, RefreshToken: f.refresh},
	}, nil
}

func signedInStore(t *testing.T, access, refresh string) *session.Store {
	t.Helper()
	s := session.NewStore(session.Portal{Name: "client"}, nil, nil)
	err := s.Set(context.Background(), session.LoginResult{
		LoginTokens: session.LoginTokens{AccessToken: access, RefreshToken: refresh},
		User:        &session.UserSummary{ID: "u1", Role: "client"},
	})
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return s
}

func waitPending(t *testing.T, c *Coordinator, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.pending() < n {
		if time.Now().After(deadline) {
			t.Fatalf("pending=%d want %d", c.pending(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCoordinator_SingleFlight(t *testing.T) {
	t.Parallel()

	for _, n := range []int{3, 20} {
		t.Run("", func(t *testing.T) {
			store := signedInStore(t, "A1", "R1")
			ex := &fakeExchanger{delay: 50 * time.Millisecond, access: "A2", refresh: "R2"}
			m := metrics.New()
			c := New(store, ex, Config{Timeout: time.Second}, nil, m)

			var wg sync.WaitGroup
			tokens := make([]string, n)
			errs := make([]error, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					tokens[i], errs[i] = c.EnsureFreshToken(context.Background(), "A1")
				}(i)
			}
			wg.Wait()

			if got := ex.calls.Load(); got != 1 {
				t.Fatalf("exchanges=%d want 1", got)
			}
			for i := 0; i < n; i++ {
				if errs[i] != nil || tokens[i] != "A2" {
					t.Fatalf("caller %d: token=%q err=%v", i, tokens[i], errs[i])
				}
			}
			snap := store.Snapshot()
			if snap.AccessToken() != "A2" || snap.RefreshToken() != "R2" || snap.UserID() != "u1" {
				t.Fatalf("store after refresh=%+v %+v", snap.Tokens, snap.User)
			}
			if c.pending() != 0 {
				t.Fatalf("queue not empty after settlement")
			}
		})
	}
}

func TestCoordinator_ResumesInArrivalOrder(t *testing.T) {
	t.Parallel()

	store := signedInStore(t, "A1", "R1")
	ex := &fakeExchanger{release: make(chan struct{}), seen: make(chan string, 1), access: "A2"}
	c := New(store, ex, Config{Timeout: time.Second}, nil, nil)

	leaderDone := make(chan error, 1)
	go func() {
		_, err := c.EnsureFreshToken(context.Background(), "A1")
		leaderDone <- err
	}()
	<-ex.seen

	var order []string
	for _, name := range []string{"B", "C", "D"} {
		lead, cur := c.join("A1", func(o outcome) {
			if o.err != nil || o.token != "A2" {
				t.Errorf("%s resumed with %+v", name, o)
			}
			order = append(order, name)
		})
		if lead || cur != "" {
			t.Fatalf("%s: lead=%v cur=%q while exchange in flight", name, lead, cur)
		}
	}

	close(ex.release)
	if err := <-leaderDone; err != nil {
		t.Fatalf("leader: %v", err)
	}
	if len(order) != 3 || order[0] != "B" || order[1] != "C" || order[2] != "D" {
		t.Fatalf("resume order=%v", order)
	}
}

func TestCoordinator_RejectedClearsSession(t *testing.T) {
	t.Parallel()

	store := signedInStore(t, "A1", "R1")
	ex := &fakeExchanger{
		release: make(chan struct{}),
		seen:    make(chan string, 1),
		err:     &ExchangeError{Status: http.StatusUnauthorized, Message: "revoked"},
	}
	c := New(store, ex, Config{Timeout: time.Second}, nil, nil)

	leaderErr := make(chan error, 1)
	go func() {
		_, err := c.EnsureFreshToken(context.Background(), "A1")
		leaderErr <- err
	}()
	if rt := <-ex.seen; rt != "R1" {
		t.Fatalf("exchange used refresh token %q", rt)
	}

	waiterErr := make(chan error, 1)
	go func() {
		_, err := c.EnsureFreshToken(context.Background(), "A1")
		waiterErr <- err
	}()
	waitPending(t, c, 1)
	close(ex.release)

	err := <-leaderErr
	if !errors.Is(err, ErrSessionEnded) || !errors.Is(err, ErrExchangeRejected) {
		t.Fatalf("leader err=%v", err)
	}
	var xerr *ExchangeError
	if !errors.As(err, &xerr) || xerr.Status != http.StatusUnauthorized {
		t.Fatalf("leader err lost cause: %v", err)
	}
	if err := <-waiterErr; !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("waiter err=%v", err)
	}
	if !store.Snapshot().Empty() {
		t.Fatalf("session not cleared")
	}

	// The cleared session has no refresh token: later failures never reach the network.
	if _, err := c.EnsureFreshToken(context.Background(), ""); !errors.Is(err, ErrNoRefreshToken) {
		t.Fatalf("err=%v want ErrNoRefreshToken", err)
	}
	if got := ex.calls.Load(); got != 1 {
		t.Fatalf("exchanges=%d want 1", got)
	}
}

func TestCoordinator_NoRefreshTokenFailsWithoutExchange(t *testing.T) {
	t.Parallel()

	store := signedInStore(t, "A1", "")
	ex := &fakeExchanger{access: "A2"}
	c := New(store, ex, Config{}, nil, nil)

	_, err := c.EnsureFreshToken(context.Background(), "A1")
	if !errors.Is(err, ErrSessionEnded) || !errors.Is(err, ErrNoRefreshToken) {
		t.Fatalf("err=%v", err)
	}
	if ex.calls.Load() != 0 {
		t.Fatalf("exchange must not run without a refresh token")
	}
	if !store.Snapshot().Empty() {
		t.Fatalf("session not cleared")
	}
}

func TestCoordinator_AlreadyRefreshedSkipsExchange(t *testing.T) {
	t.Parallel()

	store := signedInStore(t, "A2", "R2")
	ex := &fakeExchanger{access: "A3"}
	c := New(store, ex, Config{}, nil, nil)

	token, err := c.EnsureFreshToken(context.Background(), "A1")
	if err != nil || token != "A2" {
		t.Fatalf("token=%q err=%v", token, err)
	}
	if ex.calls.Load() != 0 {
		t.Fatalf("late 401 of a refreshed wave must not exchange again")
	}
}

func TestCoordinator_TimeoutIsFailure(t *testing.T) {
	t.Parallel()

	store := signedInStore(t, "A1", "R1")
	ex := &fakeExchanger{delay: time.Second, access: "A2"}
	c := New(store, ex, Config{Timeout: 30 * time.Millisecond}, nil, nil)

	_, err := c.EnsureFreshToken(context.Background(), "A1")
	if !errors.Is(err, ErrSessionEnded) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v", err)
	}
	if !store.Snapshot().Empty() {
		t.Fatalf("session not cleared on timeout")
	}
}

func TestCoordinator_LeaderCancellationDoesNotAbortExchange(t *testing.T) {
	t.Parallel()

	store := signedInStore(t, "A1", "R1")
	ex := &fakeExchanger{release: make(chan struct{}), seen: make(chan string, 1), access: "A2"}
	c := New(store, ex, Config{Timeout: time.Second}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	leaderDone := make(chan struct{})
	go func() {
		defer close(leaderDone)
		_, _ = c.EnsureFreshToken(ctx, "A1")
	}()
	<-ex.seen

	waiter := make(chan string, 1)
	go func() {
		tok, _ := c.EnsureFreshToken(context.Background(), "A1")
		waiter <- tok
	}()
	waitPending(t, c, 1)

	cancel()
	close(ex.release)
	<-leaderDone

	if tok := <-waiter; tok != "A2" {
		t.Fatalf("waiter token=%q want A2", tok)
	}
}

func TestHTTPExchanger(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/refresh" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-API-Key") != "k" || r.Header.Get("Authorization") != "" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		var body exchangeRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.RefreshToken != "R1" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"invalid refresh token"}`))
			return
		}
		_, _ = w.Write([]byte(`{"tokens":{"access_token":"A2","refresh_token":"R2"}}`))
	}))
	defer srv.Close()

	x := NewHTTPExchanger(ExchangerConfig{BaseURL: srv.URL + "/", APIKeyHeader: "X-API-Key", APIKey: "k"})

	res, err := x.Exchange(context.Background(), "R1")
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	tokens, _, err := res.Normalize()
	if err != nil || tokens.AccessToken != "A2" || tokens.RefreshToken != "R2" {
		t.Fatalf("tokens=%+v err=%v", tokens, err)
	}

	_, err = x.Exchange(context.Background(), "bad")
	var xerr *ExchangeError
	if !errors.As(err, &xerr) || xerr.Status != http.StatusUnauthorized || xerr.Message != "invalid refresh token" {
		t.Fatalf("err=%v", err)
	}
}
