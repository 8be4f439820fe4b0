package devserver

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.JWTSecret = testSecret
	cfg.Argon2 = cheapArgon2()
	return cfg
}

// newTestServer starts a Server seeded with alice (u1) and bob (u2).
func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server, *testClock) {
	t.Helper()

	clock := newTestClock()
	s, err := New(cfg, WithClock(clock.now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, seed := range []struct {
		acc Account
		pw  string
	}{
		{Account{ID: "u1", Email: "alice@example.com", Name: "Alice", Role: "client", Locale: "fr"}, "alice-pw"},
		{Account{ID: "u2", Email: "bob@example.com", Name: "Bob", Role: "client"}, "bob-pw"},
	} {
		if err := s.AddAccount(seed.acc, seed.pw); err != nil {
			t.Fatalf("AddAccount %s: %v", seed.acc.ID, err)
		}
	}

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts, clock
}

type call struct {
	method string
	path   string
	token  string
	body   any
	header http.Header
}

func do(t *testing.T, base string, c call) (*http.Response, []byte) {
	t.Helper()

	var rd io.Reader
	if c.body != nil {
		b, err := json.Marshal(c.body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(c.method, base+c.path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if c.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", c.method, c.path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func login(t *testing.T, base, email, password string) loginResponse {
	t.Helper()
	resp, data := do(t, base, call{method: http.MethodPost, path: "/auth/login", body: loginRequest{Email: email, Password: password}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status=%d body=%s", resp.StatusCode, data)
	}
	var out loginResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	return out
}
