package hubserver

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/nkkko/livesync/pkg/proto"
)

// ErrNotFound is returned for an unknown notification id
var ErrNotFound = errors.New("notification not found")

// Store persists notifications per user
type Store interface {
	// List returns up to take notifications, newest first
	List(ctx context.Context, userID string, unreadOnly bool, take int) ([]proto.Notification, error)

	// UnreadCount counts the user's unread notifications
	UnreadCount(ctx context.Context, userID string) (int, error)

	// Create assigns an id and creation time and stores n
	Create(ctx context.Context, userID string, n proto.Notification) (proto.Notification, error)

	// MarkAsRead marks one notification read
	MarkAsRead(ctx context.Context, userID string, id int64) error

	// MarkAllAsRead marks every notification of the user read
	MarkAllAsRead(ctx context.Context, userID string) error

	// Delete removes one notification
	Delete(ctx context.Context, userID string, id int64) error

	// Clear removes every notification of the user
	Clear(ctx context.Context, userID string) error

	// Close releases resources
	Close() error
}

// MemoryStore keeps notifications in memory
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	users  map[string]map[int64]proto.Notification
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]map[int64]proto.Notification)}
}

func (m *MemoryStore) List(ctx context.Context, userID string, unreadOnly bool, take int) ([]proto.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]proto.Notification, 0, len(m.users[userID]))
	for _, n := range m.users[userID] {
		if unreadOnly && n.IsRead {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Id > out[j].Id })
	if take > 0 && len(out) > take {
		out = out[:take]
	}
	return out, nil
}

func (m *MemoryStore) UnreadCount(ctx context.Context, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, n := range m.users[userID] {
		if !n.IsRead {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) Create(ctx context.Context, userID string, n proto.Notification) (proto.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	n.Id = m.nextID
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if m.users[userID] == nil {
		m.users[userID] = make(map[int64]proto.Notification)
	}
	m.users[userID][n.Id] = n
	return n, nil
}

func (m *MemoryStore) MarkAsRead(ctx context.Context, userID string, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.users[userID][id]
	if !ok {
		return ErrNotFound
	}
	markRead(&n, time.Now().UTC())
	m.users[userID][id] = n
	return nil
}

func (m *MemoryStore) MarkAllAsRead(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	for id, n := range m.users[userID] {
		markRead(&n, now)
		m.users[userID][id] = n
	}
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, userID string, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[userID][id]; !ok {
		return ErrNotFound
	}
	delete(m.users[userID], id)
	return nil
}

func (m *MemoryStore) Clear(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, userID)
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

func markRead(n *proto.Notification, at time.Time) {
	if n.IsRead {
		return
	}
	n.IsRead = true
	n.ReadAt = &at
}
