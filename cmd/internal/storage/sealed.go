package storage

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrSealed is returned when a sealed entry fails authentication
// (wrong key, tampering, or an entry written unsealed).
var ErrSealed = errors.New("storage: sealed entry rejected")

// Sealed encrypts values at rest with XChaCha20-Poly1305 before handing them
// to the inner backend. The storage key is bound as additional data, so an
// entry copied under another portal's key does not open.
type Sealed struct {
	inner Backend
	aead  cipher.AEAD
}

// NewSealed wraps inner with a 32-byte key.
func NewSealed(inner Backend, key []byte) (*Sealed, error) {
	if inner == nil {
		return nil, errors.New("storage: nil backend")
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("storage: seal key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &Sealed{inner: inner, aead: aead}, nil
}

// Load reads and opens the entry for key.
func (s *Sealed) Load(ctx context.Context, key string) ([]byte, error) {
	box, err := s.inner.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	ns := s.aead.NonceSize()
	if len(box) < ns+s.aead.Overhead() {
		return nil, ErrSealed
	}
	plain, err := s.aead.Open(nil, box[:ns], box[ns:], []byte(key))
	if err != nil {
		return nil, ErrSealed
	}
	return plain, nil
}

// Save seals value and writes it under key.
func (s *Sealed) Save(ctx context.Context, key string, value []byte) error {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(value)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("storage: nonce: %w", err)
	}
	box := s.aead.Seal(nonce, nonce, value, []byte(key))
	return s.inner.Save(ctx, key, box)
}

// Delete removes the entry (idempotent).
func (s *Sealed) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}
