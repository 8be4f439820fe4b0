package app

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testServerConfig(t *testing.T) ServerConfig {
	t.Helper()
	return ServerConfig{
		HTTPAddr:          "127.0.0.1:0",
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		IdleTimeout:       5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		MaxHeaderBytes:    1 << 20,
		JWTSecret:         strings.Repeat("s", 32),
		AccessTTL:         time.Minute,
		RefreshTTL:        time.Hour,
		APIKeyHeader:      "X-API-Key",
		LogLevel:          "error",
		LogFormat:         "text",
	}
}

func writeSeed(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	return path
}

func TestLoadSeed(t *testing.T) {
	t.Parallel()

	path := writeSeed(t, `[{"id":"u1","email":"alice@example.com","password":"pw","role":"client","locale":"fr"}]`)
	seeds, err := LoadSeed(path)
	if err != nil {
		t.Fatalf("LoadSeed: %v", err)
	}
	if len(seeds) != 1 || seeds[0].Email != "alice@example.com" || seeds[0].Locale != "fr" {
		t.Fatalf("seeds=%+v", seeds)
	}

	if _, err := LoadSeed(writeSeed(t, `{"not":"an array"}`)); err == nil {
		t.Fatalf("expected decode error")
	}
	if _, err := LoadSeed(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected read error")
	}
}

func TestServer_ServeAndShutdown(t *testing.T) {
	t.Parallel()

	cfg := testServerConfig(t)
	cfg.SeedFile = writeSeed(t, `[{"id":"u1","email":"alice@example.com","password":"alice-pw","role":"client"}]`)

	s, err := NewServer(cfg, NewLogger("error", "text", io.Discard))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	ln, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	base := "http://" + ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status=%d", resp.StatusCode)
	}

	resp, err = http.Post(base+"/auth/login", "application/json",
		strings.NewReader(`{"email":"alice@example.com","password":"alice-pw"}`))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("seeded login status=%d", resp.StatusCode)
	}

	resp, err = http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if !strings.Contains(string(body), "portalsync_server_requests_total") {
		t.Fatalf("metrics endpoint missing server counters")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Serve did not return after cancel")
	}
}

func TestNewServer_Errors(t *testing.T) {
	t.Parallel()

	cfg := testServerConfig(t)
	cfg.JWTSecret = "short"
	if _, err := NewServer(cfg, NewLogger("error", "text", io.Discard)); err == nil {
		t.Fatalf("expected short secret error")
	}

	cfg = testServerConfig(t)
	cfg.SeedFile = writeSeed(t, `[{"id":"u1","email":"a@example.com","password":"pw","role":"client"},{"id":"u1","email":"b@example.com","password":"pw","role":"client"}]`)
	if _, err := NewServer(cfg, NewLogger("error", "text", io.Discard)); err == nil {
		t.Fatalf("expected duplicate seed error")
	}
}
