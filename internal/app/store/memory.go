package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chatgw/internal/app/user"
)

// Presence is the durable online state of one user.
type Presence struct {
	Online   bool
	LastSeen time.Time
}

// Memory is an in-process Gateway used in development and tests.
// All state is lost when the process exits.
type Memory struct {
	mu       sync.Mutex
	messages []Message
	users    map[string]user.User
	presence map[string]Presence
	unread   map[string]map[string]int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:    make(map[string]user.User),
		presence: make(map[string]Presence),
		unread:   make(map[string]map[string]int64),
	}
}

// PutUser adds or replaces a user in the directory.
func (m *Memory) PutUser(u user.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

func (m *Memory) GetUser(_ context.Context, id string) (user.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return user.User{}, fmt.Errorf("get user %s: %w", id, ErrUserNotFound)
	}
	return u, nil
}

func (m *Memory) InsertMessage(_ context.Context, msg Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return msg.ID, nil
}

func (m *Memory) IncrementUnread(_ context.Context, userID, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	counters, ok := m.unread[userID]
	if !ok {
		counters = make(map[string]int64)
		m.unread[userID] = counters
	}
	counters[conversationID]++
	return nil
}

func (m *Memory) Unread(_ context.Context, userID string) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.unread[userID]))
	for conv, qty := range m.unread[userID] {
		out[conv] = qty
	}
	return out, nil
}

func (m *Memory) SetOnline(_ context.Context, userID string, online bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.presence[userID]
	p.Online = online
	if !online {
		p.LastSeen = at
	}
	m.presence[userID] = p
	return nil
}

// Presence returns the recorded online state of userID.
func (m *Memory) Presence(userID string) (Presence, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.presence[userID]
	return p, ok
}

// Messages returns a copy of every stored message in insertion order.
func (m *Memory) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.messages...)
}
