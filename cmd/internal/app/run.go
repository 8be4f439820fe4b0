package app

import (
	"context"
	"os/signal"
	"syscall"
)

// RunServer is the entrypoint used by cmd/portald.
// It returns an error instead of calling os.Exit to keep defers effective.
func RunServer() error {
	cfg, err := LoadServerConfig()
	if err != nil {
		return err
	}
	log := NewLogger(cfg.LogLevel, cfg.LogFormat, nil)

	s, err := NewServer(cfg, log)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return s.Run(ctx)
}
