package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"chatgw/internal/app/store"
	"chatgw/internal/pkg/randx"
)

// fakeConn records every frame queued to it.
type fakeConn struct {
	id     string
	userID string

	mu     sync.Mutex
	frames [][]byte
	refuse bool
}

func newFakeConn(userID string) *fakeConn {
	return &fakeConn{id: randx.ConnectionID(), userID: userID}
}

func (c *fakeConn) ID() string     { return c.id }
func (c *fakeConn) UserID() string { return c.userID }

func (c *fakeConn) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refuse {
		return false
	}
	c.frames = append(c.frames, frame)
	return true
}

func (c *fakeConn) refuseSends() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refuse = true
}

func (c *fakeConn) received() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Envelope, 0, len(c.frames))
	for _, f := range c.frames {
		var env Envelope
		if err := json.Unmarshal(f, &env); err != nil {
			panic(err)
		}
		out = append(out, env)
	}
	return out
}

func (c *fakeConn) types() []MessageType {
	var out []MessageType
	for _, env := range c.received() {
		out = append(out, env.Type)
	}
	return out
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}

// kickableConn leaves the registry when kicked, like a real client does.
type kickableConn struct {
	*fakeConn
	registry *Registry

	mu     sync.Mutex
	kicked string
}

func (c *kickableConn) Kick(reason string) {
	c.mu.Lock()
	c.kicked = reason
	c.mu.Unlock()
	c.registry.Deregister(c)
}

func (c *kickableConn) kickReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kicked
}

// closableConn is deregistered through the hub when closed. beforeClose, when set, runs
// first, standing in for a frame the read loop delivers while the socket is closing.
type closableConn struct {
	*fakeConn
	hub *Hub

	beforeClose func()

	once   sync.Once
	closed bool
}

func (c *closableConn) Close() {
	c.once.Do(func() {
		if c.beforeClose != nil {
			c.beforeClose()
		}
		c.hub.Disconnect(c)
		c.closed = true
	})
}

// racingConn runs onRegister the first time the registry asks for its owner.
type racingConn struct {
	*fakeConn

	once       sync.Once
	onRegister func()
}

func (c *racingConn) UserID() string {
	c.once.Do(c.onRegister)
	return c.fakeConn.UserID()
}

func presenceOf(env Envelope) PresencePayload {
	var p PresencePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		panic(err)
	}
	return p
}

func errorOf(env Envelope) ErrorPayload {
	var p ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		panic(err)
	}
	return p
}

func frame(t MessageType, payload any) []byte {
	b, err := json.Marshal(struct {
		Type    MessageType `json:"type"`
		Payload any         `json:"payload"`
	}{t, payload})
	if err != nil {
		panic(err)
	}
	return b
}

var errStoreDown = errors.New("store unavailable")

// failingStore is a Gateway whose writes can be made to fail.
type failingStore struct {
	mu sync.Mutex

	failInsert bool
	failUnread map[string]bool

	inserted   []store.Message
	increments []string
	presence   []PresenceEvent
}

func (s *failingStore) InsertMessage(_ context.Context, msg store.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failInsert {
		return "", errStoreDown
	}
	s.inserted = append(s.inserted, msg)
	return msg.ID, nil
}

func (s *failingStore) IncrementUnread(_ context.Context, userID, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.increments = append(s.increments, userID)
	if s.failUnread[userID] {
		return errStoreDown
	}
	return nil
}

func (s *failingStore) SetOnline(_ context.Context, userID string, online bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence = append(s.presence, PresenceEvent{UserID: userID, Online: online, Timestamp: at})
	return nil
}

func (s *failingStore) attemptedIncrements() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.increments...)
}

func (s *failingStore) recordedPresence() []PresenceEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PresenceEvent(nil), s.presence...)
}
