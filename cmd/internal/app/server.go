package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"

	"portalsync/cmd/internal/devserver"
	"portalsync/cmd/internal/metrics"
)

// SeedAccount is one entry of the portald seed file.
type SeedAccount struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	Role        string `json:"role"`
	Name        string `json:"name,omitempty"`
	Locale      string `json:"locale,omitempty"`
	AccountType string `json:"accountType,omitempty"`
}

// Server is the portald runtime: the dev backend behind request logging,
// plus HTTP server lifecycle.
type Server struct {
	cfg     ServerConfig
	log     Logger
	metrics *metrics.Metrics
	dev     *devserver.Server
}

// NewServer constructs the dev backend from cfg and applies the seed file.
func NewServer(cfg ServerConfig, log Logger) (*Server, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, nil)
	}
	m := metrics.New()

	dcfg := devserver.DefaultConfig()
	dcfg.JWTSecret = []byte(cfg.JWTSecret)
	dcfg.AccessTTL = cfg.AccessTTL
	dcfg.RefreshTTL = cfg.RefreshTTL
	dcfg.APIKeyHeader = cfg.APIKeyHeader
	dcfg.APIKey = cfg.APIKey
	dcfg.AllowedOrigins = cfg.AllowedOrigins
	dcfg.OriginRequired = cfg.OriginRequired

	dev, err := devserver.New(dcfg, devserver.WithLogger(log), devserver.WithMetrics(m))
	if err != nil {
		return nil, err
	}

	s := &Server{cfg: cfg, log: log, metrics: m, dev: dev}
	if cfg.SeedFile != "" {
		seeds, err := LoadSeed(cfg.SeedFile)
		if err != nil {
			return nil, err
		}
		if err := s.Seed(seeds); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Dev returns the underlying dev backend.
func (s *Server) Dev() *devserver.Server { return s.dev }

// Handler returns the instrumented root handler.
func (s *Server) Handler() http.Handler {
	return WithRequestLogging(s.dev.Handler(), s.log, s.metrics)
}

// Seed creates the given accounts.
func (s *Server) Seed(accounts []SeedAccount) error {
	for _, a := range accounts {
		err := s.dev.AddAccount(devserver.Account{
			ID:          a.ID,
			Email:       a.Email,
			Name:        a.Name,
			Role:        a.Role,
			Locale:      a.Locale,
			AccountType: a.AccountType,
		}, a.Password)
		if err != nil {
			return fmt.Errorf("seed account %q: %w", a.Email, err)
		}
	}
	s.log.Info("server.seeded", "accounts", len(accounts))
	return nil
}

// LoadSeed reads a JSON array of SeedAccount.
func LoadSeed(path string) ([]SeedAccount, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var out []SeedAccount
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode seed file: %w", err)
	}
	return out, nil
}

// Run serves until ctx is cancelled or the listener fails, then shuts down
// gracefully within the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.HTTPAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		MaxHeaderBytes:    s.cfg.MaxHeaderBytes,
		// Hijacked websocket connections end with ctx; Shutdown does not track them.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	s.log.Info("server.start", "addr", ln.Addr().String(), "base_url", runtimeBaseURL(ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		s.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	s.log.Info("server.stopped")
	return nil
}
