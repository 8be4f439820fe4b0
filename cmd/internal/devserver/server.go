// Package devserver is a small in-memory portal backend: password login,
// rotating refresh tokens, notification summaries with read marks, chat
// history, and the realtime websocket. portald serves it for local
// development and the end-to-end tests run the client against it.
package devserver

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"portalsync/cmd/internal/ids"
	"portalsync/cmd/internal/metrics"
	v1 "portalsync/shared/contracts/realtime/v1"
)

const minSecretBytes = 32

// Server is the dev backend. The zero value is not usable; call New.
type Server struct {
	cfg     Config
	log     *slog.Logger
	now     func() time.Time
	metrics *metrics.Metrics

	store  *memStore
	tokens *tokenIssuer
	hub    *hub

	// dummyHash keeps unknown-email logins as slow as wrong-password ones.
	dummyHash string

	mux *http.ServeMux
}

// Option customizes a Server.
type Option func(*Server)

// WithClock overrides the time source used for token expiry and record timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the server logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMetrics mounts the registry on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New validates cfg and constructs a Server.
func New(cfg Config, opts ...Option) (*Server, error) {
	cfg = cfg.withDefaults()
	if len(cfg.JWTSecret) < minSecretBytes {
		return nil, fmt.Errorf("devserver: jwt secret must be at least %d bytes", minSecretBytes)
	}

	s := &Server{
		cfg:   cfg,
		log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:   func() time.Time { return time.Now().UTC() },
		store: newMemStore(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.tokens = newTokenIssuer(cfg.JWTSecret, cfg.AccessTTL, cfg.RefreshTTL, s.now)
	s.hub = newHub(s.log)

	dummy, err := HashPassword(cfg.Argon2, "portalsync-dummy-password")
	if err != nil {
		return nil, fmt.Errorf("devserver: dummy hash: %w", err)
	}
	s.dummyHash = dummy

	s.routes()
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.mux }

// AddAccount seeds a user with a plaintext password.
func (s *Server) AddAccount(acc Account, password string) error {
	if password == "" {
		return errors.New("devserver: empty password")
	}
	hash, err := HashPassword(s.cfg.Argon2, password)
	if err != nil {
		return err
	}
	acc.PasswordHash = hash
	return s.store.addAccount(acc)
}

// PushNotification stores n and delivers it to the user's live sessions.
func (s *Server) PushNotification(n v1.NotificationPayload) (v1.NotificationPayload, error) {
	now := s.now()
	stored, err := s.store.addNotification(n, now)
	if err != nil {
		return v1.NotificationPayload{}, err
	}
	if env, err := v1.NewEnvelope(ids.New(now), v1.EventNotification, stored, now); err == nil {
		s.hub.sendTo(stored.UserID, env, "")
	}
	return stored, nil
}

// Online returns the ids of users with at least one live websocket session.
func (s *Server) Online() []string { return s.hub.online() }

func (s *Server) routes() {
	api := http.NewServeMux()
	api.HandleFunc("POST /auth/login", s.handleLogin)
	api.HandleFunc("POST /auth/refresh", s.handleRefresh)
	api.HandleFunc("POST /auth/logout", s.requireAuth(s.handleLogout))
	api.HandleFunc("GET /me", s.requireAuth(s.handleMe))
	api.HandleFunc("GET /notifications/summary", s.requireAuth(s.handleSummary))
	api.HandleFunc("POST /notifications", s.requireAuth(s.handlePushNotification))
	api.HandleFunc("POST /notifications/read-all", s.requireAuth(s.handleReadAll))
	api.HandleFunc("POST /notifications/{id}/read", s.requireAuth(s.handleReadOne))
	api.HandleFunc("GET /chats/{id}/messages", s.requireAuth(s.handleHistory))
	api.HandleFunc("POST /chats/{id}/read", s.requireAuth(s.handleChatRead))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok\n")
	})
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.Handle("/", s.requireAPIKey(api))
	s.mux = mux
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	if s.cfg.APIKey == "" {
		return next
	}
	want := []byte(s.cfg.APIKey)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(strings.TrimSpace(r.Header.Get(s.cfg.APIKeyHeader)))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			writeError(w, http.StatusForbidden, "invalid_api_key", "missing or invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type authedHandler func(w http.ResponseWriter, r *http.Request, claims accessClaims)

func (s *Server) requireAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok := bearerToken(r)
		if tok == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		claims, err := s.tokens.verify(tok)
		if err != nil {
			s.log.Debug("devserver.auth.reject", "path", r.URL.Path, "err", err)
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired access token")
			return
		}
		next(w, r, claims)
	}
}
