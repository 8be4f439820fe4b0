package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"portalsync/cmd/internal/devserver"
	v1 "portalsync/shared/contracts/realtime/v1"
)

// syncBuffer lets a running command write while the test reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type env struct {
	dev  *devserver.Server
	base string
}

func startBackend(t *testing.T) env {
	t.Helper()

	cfg := devserver.DefaultConfig()
	cfg.JWTSecret = []byte("0123456789abcdef0123456789abcdef")
	cfg.Argon2 = devserver.Argon2Params{MemoryKiB: 64, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}
	dev, err := devserver.New(cfg)
	if err != nil {
		t.Fatalf("devserver.New: %v", err)
	}
	if err := dev.AddAccount(devserver.Account{ID: "u1", Email: "alice@example.com", Role: "client", Locale: "fr"}, "alice-pw"); err != nil {
		t.Fatalf("AddAccount: %v", err)
	}
	if err := dev.AddAccount(devserver.Account{ID: "u2", Email: "bob@example.com", Role: "client"}, "bob-pw"); err != nil {
		t.Fatalf("AddAccount: %v", err)
	}

	ts := httptest.NewServer(dev.Handler())
	t.Cleanup(ts.Close)
	return env{dev: dev, base: ts.URL}
}

func (e env) args(stateDir string, args ...string) []string {
	return append([]string{
		"--base-url", e.base,
		"--storage", "file",
		"--state-dir", stateDir,
		"--log-level", "error",
		"--log-format", "text",
	}, args...)
}

func run(t *testing.T, args []string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := run(t, []string{"version"})
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.Contains(out, "portalctl dev") || !strings.Contains(out, "commit: none") {
		t.Errorf("unexpected version output: %s", out)
	}
}

func TestRootCmdHelp(t *testing.T) {
	out, err := run(t, []string{"--help"})
	if err != nil {
		t.Fatalf("help failed: %v", err)
	}
	for _, sub := range []string{"login", "logout", "whoami", "watch", "send"} {
		if !strings.Contains(out, sub) {
			t.Errorf("help output missing %q", sub)
		}
	}
}

func TestLoginWhoamiLogout(t *testing.T) {
	e := startBackend(t)
	dir := t.TempDir()

	out, err := run(t, e.args(dir, "login", "--email", "alice@example.com", "--password", "alice-pw"))
	if err != nil {
		t.Fatalf("login: %v\n%s", err, out)
	}
	if !strings.Contains(out, "signed in as u1 (client)") {
		t.Fatalf("login output: %s", out)
	}

	out, err = run(t, e.args(dir, "whoami"))
	if err != nil {
		t.Fatalf("whoami: %v\n%s", err, out)
	}
	for _, want := range []string{"portal:", "client", "user:", "u1", "locale:", "fr", "access expires:"} {
		if !strings.Contains(out, want) {
			t.Fatalf("whoami output missing %q: %s", want, out)
		}
	}

	out, err = run(t, e.args(dir, "whoami", "--remote"))
	if err != nil || !strings.Contains(out, "u1") {
		t.Fatalf("whoami --remote: %v\n%s", err, out)
	}

	out, err = run(t, e.args(dir, "logout"))
	if err != nil || !strings.Contains(out, "signed out") {
		t.Fatalf("logout: %v\n%s", err, out)
	}

	if _, err := run(t, e.args(dir, "whoami")); err != errNotSignedIn {
		t.Fatalf("whoami after logout err=%v want errNotSignedIn", err)
	}

	out, err = run(t, e.args(dir, "logout"))
	if err != nil || !strings.Contains(out, "not signed in") {
		t.Fatalf("second logout: %v\n%s", err, out)
	}
}

func TestLogin_Rejections(t *testing.T) {
	e := startBackend(t)

	cases := []struct {
		name string
		args []string
	}{
		{name: "wrong password", args: []string{"login", "--email", "alice@example.com", "--password", "nope"}},
		{name: "missing password", args: []string{"login", "--email", "alice@example.com"}},
		{name: "missing email", args: []string{"login", "--password", "alice-pw"}},
		{name: "wrong portal", args: []string{"--portal", "admin", "--roles", "admin", "login", "--email", "alice@example.com", "--password", "alice-pw"}},
		{name: "bad storage flag", args: []string{"--storage", "floppy", "login", "--email", "alice@example.com", "--password", "alice-pw"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("PORTAL_PASSWORD", "")
			if out, err := run(t, e.args(t.TempDir(), tc.args...)); err == nil {
				t.Fatalf("expected error, output: %s", out)
			}
		})
	}
}

func TestSend(t *testing.T) {
	e := startBackend(t)
	dir := t.TempDir()

	if out, err := run(t, e.args(dir, "login", "--email", "alice@example.com", "--password", "alice-pw")); err != nil {
		t.Fatalf("login: %v\n%s", err, out)
	}

	out, err := run(t, e.args(dir, "send", "--chat", "c1", "--to", "u2", "hello", "bob"))
	if err != nil {
		t.Fatalf("send: %v\n%s", err, out)
	}
	if !strings.Contains(out, "sent ") || strings.Contains(out, "unconfirmed") {
		t.Fatalf("send output: %s", out)
	}

	if _, err := run(t, e.args(t.TempDir(), "send", "--chat", "c1", "--to", "u2", "hi")); err != errNotSignedIn {
		t.Fatalf("send without session err=%v", err)
	}
}

func TestWatch_PrintsCounts(t *testing.T) {
	e := startBackend(t)
	dir := t.TempDir()

	if out, err := run(t, e.args(dir, "login", "--email", "alice@example.com", "--password", "alice-pw")); err != nil {
		t.Fatalf("login: %v\n%s", err, out)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := newRootCmd()
	out := &syncBuffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(e.args(dir, "watch"))

	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	waitUntil(t, "u1 online", func() bool { return slices.Contains(e.dev.Online(), "u1") })
	waitUntil(t, "initial counts", func() bool { return strings.Contains(out.String(), "notifications=0") })

	if _, err := e.dev.PushNotification(v1.NotificationPayload{Type: "order", UserID: "u1", Title: "shipped"}); err != nil {
		t.Fatalf("PushNotification: %v", err)
	}
	waitUntil(t, "pushed count", func() bool { return strings.Contains(out.String(), "notifications=1 messages=0 total=1") })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watch: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("watch did not stop")
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
