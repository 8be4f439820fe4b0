package app

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"portalsync/cmd/internal/metrics"
)

func TestWithRequestLogging(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewLogger("info", "json", &buf)
	m := metrics.New()

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, "hello")
	})
	h := WithRequestLogging(next, log, m)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "hello" {
		t.Fatalf("code=%d body=%q", rec.Code, rec.Body.String())
	}

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))

	out := buf.String()
	for _, w := range []string{`"msg":"http.request"`, `"path":"/me"`, `"status":200`, `"bytes":5`, `"request_id":"req-1"`, `"status":404`} {
		if !strings.Contains(out, w) {
			t.Fatalf("log %q missing %q", out, w)
		}
	}

	scrape := httptest.NewRecorder()
	m.Handler().ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := scrape.Body.String()
	for _, w := range []string{
		`portalsync_server_requests_total{class="2xx",method="GET"} 1`,
		`portalsync_server_requests_total{class="4xx",method="GET"} 1`,
	} {
		if !strings.Contains(body, w) {
			t.Fatalf("metrics missing %q", w)
		}
	}
}

func TestWithRequestLogging_NilMetrics(t *testing.T) {
	t.Parallel()

	h := WithRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}), NewLogger("error", "text", io.Discard), nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/logout", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("code=%d", rec.Code)
	}
}

func TestWithRequestLogging_FirstStatusWins(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	m := metrics.New()
	h := WithRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, "ok")
	}), NewLogger("info", "json", &buf), m)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chats/c1/read", nil))
	if rec.Code != http.StatusCreated {
		t.Fatalf("code=%d", rec.Code)
	}
	if out := buf.String(); !strings.Contains(out, `"status":201`) || strings.Contains(out, `"status":500`) {
		t.Fatalf("log=%q", out)
	}
	scrape := httptest.NewRecorder()
	m.Handler().ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if want := `portalsync_server_requests_total{class="2xx",method="POST"} 1`; !strings.Contains(scrape.Body.String(), want) {
		t.Fatalf("metrics missing %q", want)
	}
}

func TestWithRequestLogging_Hijacked(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	done := make(chan struct{})
	h := WithRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		conn, _, err := http.NewResponseController(w).Hijack()
		if err != nil {
			t.Errorf("Hijack: %v", err)
			return
		}
		_ = conn.Close()
	}), NewLogger("info", "json", &buf), nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(done)
		h.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	if resp, err := http.Get(srv.URL + "/ws"); err == nil {
		_ = resp.Body.Close()
	}
	<-done

	out := buf.String()
	if !strings.Contains(out, `"status":101`) || !strings.Contains(out, `"hijacked":true`) {
		t.Fatalf("log=%q", out)
	}
}

func TestStatusRecorder_Forwarding(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	sr := &statusRecorder{ResponseWriter: rec}
	if sr.Unwrap() != rec {
		t.Fatalf("Unwrap must expose the underlying writer")
	}
	sr.Flush()
	if !rec.Flushed {
		t.Fatalf("Flush not forwarded")
	}
	if _, _, err := sr.Hijack(); err == nil {
		t.Fatalf("recorder cannot hijack; expected error")
	}
	if sr.hijacked || sr.code() != http.StatusOK {
		t.Fatalf("hijacked=%v code=%d", sr.hijacked, sr.code())
	}
}
