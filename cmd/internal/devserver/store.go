package devserver

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"portalsync/cmd/internal/ids"
	v1 "portalsync/shared/contracts/realtime/v1"
)

var (
	// ErrNotFound is returned for unknown accounts or records.
	ErrNotFound = errors.New("devserver: not found")
	// ErrDuplicate is returned when an account email is already taken.
	ErrDuplicate = errors.New("devserver: duplicate")
)

// Account is one seeded user.
type Account struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	Name         string `json:"name,omitempty"`
	Role         string `json:"role"`
	AccountType  string `json:"accountType,omitempty"`
	Locale       string `json:"locale,omitempty"`
	PasswordHash string `json:"-"`
}

// Summary is the /notifications/summary body.
type Summary struct {
	Notifications  []v1.NotificationPayload `json:"notifications"`
	UnreadByChat   map[string]int           `json:"unreadByChat"`
	UnreadMessages int                      `json:"unreadMessages"`
	// AsOf is the newest message the counts were taken over.
	AsOf time.Time `json:"asOf,omitzero"`
}

// memStore keeps accounts, notifications and chat messages in memory.
// Every change visible to a user bumps that user's version, which is the
// summary ETag.
type memStore struct {
	mu       sync.Mutex
	byEmail  map[string]*Account
	byID     map[string]*Account
	notes    map[string][]v1.NotificationPayload
	messages []v1.MessagePayload
	chatRead map[string]map[string]time.Time
	version  map[string]uint64
}

func newMemStore() *memStore {
	return &memStore{
		byEmail:  make(map[string]*Account),
		byID:     make(map[string]*Account),
		notes:    make(map[string][]v1.NotificationPayload),
		chatRead: make(map[string]map[string]time.Time),
		version:  make(map[string]uint64),
	}
}

func (s *memStore) addAccount(acc Account) error {
	email := strings.ToLower(strings.TrimSpace(acc.Email))
	if email == "" || acc.ID == "" {
		return fmt.Errorf("account needs id and email: %w", ErrNotFound)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byEmail[email]; ok {
		return ErrDuplicate
	}
	if _, ok := s.byID[acc.ID]; ok {
		return ErrDuplicate
	}
	acc.Email = email
	s.byEmail[email] = &acc
	s.byID[acc.ID] = &acc
	return nil
}

func (s *memStore) accountByEmail(email string) (Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.byEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return Account{}, false
	}
	return *acc, true
}

func (s *memStore) accountByID(id string) (Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.byID[id]
	if !ok {
		return Account{}, false
	}
	return *acc, true
}

func (s *memStore) addNotification(n v1.NotificationPayload, now time.Time) (v1.NotificationPayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[n.UserID]; !ok {
		return v1.NotificationPayload{}, fmt.Errorf("user %q: %w", n.UserID, ErrNotFound)
	}
	if n.ID == "" {
		n.ID = ids.New(now)
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	s.notes[n.UserID] = append(s.notes[n.UserID], n)
	s.version[n.UserID]++
	return n, nil
}

func (s *memStore) markRead(userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.notes[userID]
	for i := range list {
		if list[i].ID == id {
			if !list[i].Read {
				list[i].Read = true
				s.version[userID]++
			}
			return nil
		}
	}
	return ErrNotFound
}

func (s *memStore) markAllRead(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.notes[userID]
	for i := range list {
		list[i].Read = true
	}
	s.version[userID]++
}

func (s *memStore) markChatRead(userID, chatID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	marks, ok := s.chatRead[userID]
	if !ok {
		marks = make(map[string]time.Time)
		s.chatRead[userID] = marks
	}
	marks[chatID] = at
	s.version[userID]++
}

// addMessage persists m under a server id. The client's id, if any, is replaced.
func (s *memStore) addMessage(m v1.MessagePayload, now time.Time) (v1.MessagePayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[m.Receiver]; !ok {
		return v1.MessagePayload{}, fmt.Errorf("receiver %q: %w", m.Receiver, ErrNotFound)
	}
	m.ID = ids.New(now)
	if m.CreatedAt.IsZero() || m.CreatedAt.After(now) {
		m.CreatedAt = now
	}
	s.messages = append(s.messages, m)
	s.version[m.Receiver]++
	s.version[m.Sender]++
	return m, nil
}

func (s *memStore) history(chatID string) []v1.MessagePayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]v1.MessagePayload, 0)
	for _, m := range s.messages {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	return out
}

func (s *memStore) summary(userID string) (Summary, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Summary{
		Notifications: slices.Clone(s.notes[userID]),
		UnreadByChat:  make(map[string]int),
	}
	if out.Notifications == nil {
		out.Notifications = []v1.NotificationPayload{}
	}
	marks := s.chatRead[userID]
	for _, m := range s.messages {
		if m.Receiver != userID {
			continue
		}
		if m.CreatedAt.After(out.AsOf) {
			out.AsOf = m.CreatedAt
		}
		if at, ok := marks[m.ChatID]; ok && !m.CreatedAt.After(at) {
			continue
		}
		out.UnreadByChat[m.ChatID]++
		out.UnreadMessages++
	}
	return out, s.version[userID]
}
