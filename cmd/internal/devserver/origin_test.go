package devserver

import (
	"net/http/httptest"
	"slices"
	"testing"
	"time"
)

func TestCheckOrigin(t *testing.T) {
	t.Parallel()

	allowed := []string{"http://localhost", "https://portal.example.com"}
	cases := []struct {
		origin   string
		required bool
		ok       bool
	}{
		{origin: "", ok: true},
		{origin: "", required: true, ok: false},
		{origin: "http://localhost:5173", ok: true},
		{origin: "https://portal.example.com", ok: true},
		{origin: "https://PORTAL.example.com:8443", ok: true},
		{origin: "https://evil.example.com", ok: false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest("GET", "/ws", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		err := checkOrigin(r, allowed, tc.required)
		if (err == nil) != tc.ok {
			t.Fatalf("origin=%q required=%v err=%v", tc.origin, tc.required, err)
		}
	}
}

func TestOriginPatterns(t *testing.T) {
	t.Parallel()

	got := originPatterns([]string{"http://localhost:3000", "http://127.0.0.1", "http://localhost"})
	if !slices.Equal(got, []string{"127.0.0.1", "localhost"}) {
		t.Fatalf("patterns=%v", got)
	}
	if got := originPatterns([]string{"http://a", "*"}); !slices.Equal(got, []string{"*"}) {
		t.Fatalf("wildcard patterns=%v", got)
	}
}

func TestRateLimiter(t *testing.T) {
	t.Parallel()

	rl := newRateLimiter(2, time.Second)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if !rl.allow(base) || !rl.allow(base.Add(100*time.Millisecond)) {
		t.Fatalf("first two events must pass")
	}
	if rl.allow(base.Add(200 * time.Millisecond)) {
		t.Fatalf("third event inside the window must be limited")
	}
	if !rl.allow(base.Add(1100 * time.Millisecond)) {
		t.Fatalf("event after the first expired must pass")
	}
}
