// Package storage provides durable key/value backends for persisted client state.
//
// A backend stores opaque bytes under a key. The session package keys entries
// by portal so that two portals sharing a machine never read each other's data.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Load when no entry exists for the key.
	ErrNotFound = errors.New("storage: not found")

	// ErrUnavailable is returned when a backend cannot be reached or written.
	ErrUnavailable = errors.New("storage: unavailable")
)

// Backend persists opaque values by key.
//
// Implementations must be safe for concurrent use.
type Backend interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}
