package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"

	"portalsync/cmd/internal/storage"
)

// Store holds the current Session for one portal.
//
// Concurrency model:
//   - Readers (Snapshot, AccessToken, ...) take a read lock only, never wait on storage I/O.
//   - Writers (Set, Clear, Restore) are serialized by wmu, so persisted order matches memory order.
//   - Subscribers run synchronously under wmu, in mutation order. They must not call Set or Clear.
type Store struct {
	portal  Portal
	key     string
	backend storage.Backend
	log     *slog.Logger

	wmu sync.Mutex

	mu  sync.RWMutex
	cur Session

	readyOnce sync.Once
	ready     chan struct{}

	subMu   sync.Mutex
	subs    map[uint64]func(Session)
	nextSub uint64
}

// NewStore constructs an empty Store. A nil backend keeps state in memory only.
func NewStore(portal Portal, backend storage.Backend, log *slog.Logger) *Store {
	if backend == nil {
		backend = storage.NewMemoryBackend()
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{
		portal:  portal,
		key:     StorageKey(portal.Name),
		backend: backend,
		log:     log,
		ready:   make(chan struct{}),
		subs:    make(map[uint64]func(Session)),
	}
}

// Portal returns the portal this store is bound to.
func (s *Store) Portal() Portal { return s.portal }

// Key returns the persisted-state key.
func (s *Store) Key() string { return s.key }

// Snapshot returns a deep copy of the current session.
func (s *Store) Snapshot() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.clone()
}

// AccessToken returns the current access token or "".
func (s *Store) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.AccessToken()
}

// RefreshToken returns the current refresh token or "".
func (s *Store) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.RefreshToken()
}

// UserID returns the current user id or "".
func (s *Store) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.UserID()
}

// Ready is closed once Restore has finished, whether or not a session was found.
func (s *Store) Ready() <-chan struct{} { return s.ready }

// Subscribe registers fn for every session change. The returned func unregisters it.
func (s *Store) Subscribe(fn func(Session)) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// Set normalizes a login or refresh payload and makes it the current session.
//
// A payload without a user is merged over the current user (token rotation);
// a missing refresh token in that case keeps the current one. Storage failures
// are logged and do not prevent the in-memory update.
func (s *Store) Set(ctx context.Context, res LoginResult) error {
	tokens, user, err := res.Normalize()
	if err != nil {
		return err
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	if user == nil {
		cur := s.Snapshot()
		if cur.Empty() {
			return ErrIncompleteSession
		}
		user = cur.User
		if tokens.RefreshToken == "" {
			tokens.RefreshToken = cur.Tokens.RefreshToken
		}
	}

	if !s.portal.Admits(user.Role) {
		s.log.Warn("session.set.wrong_portal", "portal", s.portal.Name, "role", user.Role, "user_id", user.ID)
		s.clearLocked(ctx)
		return ErrWrongPortal
	}

	next := Session{Tokens: &tokens, User: user}
	s.swap(next)
	s.persist(ctx, next)
	s.publish(next)

	s.log.Debug("session.set", "portal", s.portal.Name, "user_id", user.ID)
	return nil
}

// Clear resets to the empty session and removes the persisted copy. Idempotent.
func (s *Store) Clear(ctx context.Context) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.clearLocked(ctx)
}

func (s *Store) clearLocked(ctx context.Context) {
	wasEmpty := s.Snapshot().Empty()

	s.swap(Session{})
	if err := s.backend.Delete(ctx, s.key); err != nil {
		s.log.Warn("session.clear.storage_fail", "key", s.key, "err", err)
	}
	if !wasEmpty {
		s.publish(Session{})
		s.log.Info("session.cleared", "portal", s.portal.Name)
	}
}

// Restore loads the persisted session for this portal.
//
// The copy is accepted only with a non-empty access token, a user id, and a
// role admitted by the portal; anything else is deleted. Ready is closed
// exactly once, on every path. Reports whether a session was restored.
func (s *Store) Restore(ctx context.Context) bool {
	defer s.readyOnce.Do(func() { close(s.ready) })

	s.wmu.Lock()
	defer s.wmu.Unlock()

	data, err := s.backend.Load(ctx, s.key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.log.Warn("session.restore.storage_fail", "key", s.key, "err", err)
		}
		return false
	}

	var persisted Session
	if err := json.Unmarshal(data, &persisted); err != nil || !persisted.valid() {
		s.log.Info("session.restore.discard_invalid", "key", s.key)
		s.discard(ctx)
		return false
	}
	if !s.portal.Admits(persisted.User.Role) {
		s.log.Info("session.restore.discard_wrong_portal", "key", s.key, "role", persisted.User.Role)
		s.discard(ctx)
		return false
	}

	s.swap(persisted)
	s.publish(persisted.clone())
	s.log.Info("session.restored", "portal", s.portal.Name, "user_id", persisted.User.ID)
	return true
}

func (s *Store) discard(ctx context.Context) {
	if err := s.backend.Delete(ctx, s.key); err != nil {
		s.log.Warn("session.discard.storage_fail", "key", s.key, "err", err)
	}
}

func (s *Store) swap(next Session) {
	s.mu.Lock()
	s.cur = next
	s.mu.Unlock()
}

func (s *Store) persist(ctx context.Context, sess Session) {
	data, err := json.Marshal(sess)
	if err != nil {
		s.log.Error("session.persist.marshal_fail", "err", err)
		return
	}
	if err := s.backend.Save(ctx, s.key, data); err != nil {
		s.log.Warn("session.persist.storage_fail", "key", s.key, "err", err)
	}
}

func (s *Store) publish(sess Session) {
	s.subMu.Lock()
	fns := make([]func(Session), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(sess.clone())
	}
}
