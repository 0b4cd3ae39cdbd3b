/*
Package store is the gateway's durable persistence layer.

It stores chat messages, the per-user online flag and last-seen time, and the
per-(user, conversation) unread counters. Every backend increments unread counters
with a single atomic upsert at the storage layer.
*/
package store

import (
	"context"
	"errors"
	"time"

	"chatgw/internal/app/user"
)

// ErrUserNotFound is returned by UserDirectory implementations for unknown ids.
var ErrUserNotFound = errors.New("user not found")

// Message is a chat message as it is stored. It is immutable once created.
type Message struct {
	ID             string    `json:"id" bson:"_id"`
	ConversationID string    `json:"conversationId" bson:"conversation_id"`
	SenderID       string    `json:"senderId" bson:"sender_id"`
	Content        string    `json:"content" bson:"content"`
	CreatedAt      time.Time `json:"createdAt" bson:"created_at"`
}

// Gateway is the persistence contract used by the fanout engine and the presence recorder.
type Gateway interface {
	// InsertMessage durably stores msg and returns its id.
	InsertMessage(ctx context.Context, msg Message) (string, error)

	// IncrementUnread adds one to the unread counter of userID for conversationID,
	// creating the counter when absent. It must be atomic at the storage layer.
	IncrementUnread(ctx context.Context, userID, conversationID string) error

	// SetOnline records the user's online flag. When online is false, at is the last-seen time.
	SetOnline(ctx context.Context, userID string, online bool, at time.Time) error
}

// UserDirectory looks up registered users. Backends that own a users collection implement it.
type UserDirectory interface {
	GetUser(ctx context.Context, id string) (user.User, error)
}

// UnreadCounter is the subset of Gateway that owns unread counters, plus a read-back.
type UnreadCounter interface {
	IncrementUnread(ctx context.Context, userID, conversationID string) error
	Unread(ctx context.Context, userID string) (map[string]int64, error)
}

// WithUnreadCounter returns a Gateway that stores messages and presence in base and
// unread counters in counter.
func WithUnreadCounter(base Gateway, counter UnreadCounter) Gateway {
	return &splitGateway{Gateway: base, counter: counter}
}

type splitGateway struct {
	Gateway
	counter UnreadCounter
}

func (g *splitGateway) IncrementUnread(ctx context.Context, userID, conversationID string) error {
	return g.counter.IncrementUnread(ctx, userID, conversationID)
}

func (g *splitGateway) Unread(ctx context.Context, userID string) (map[string]int64, error) {
	return g.counter.Unread(ctx, userID)
}
