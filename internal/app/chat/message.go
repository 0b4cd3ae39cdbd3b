/*
Package chat contains the core of the gateway: the presence registry, the message fanout
engine, the typing relay, and the websocket client that ties a live connection to them.

This file defines the wire protocol. Every frame, in both directions, is a JSON object
{"type": ..., "payload": ...}.
*/
package chat

import (
	"encoding/json"
	"fmt"
	"time"

	"chatgw/internal/app/user"
)

// MessageType is the "type" field of a frame.
type MessageType string

// Inbound frame types.
const (
	TypeNewMessage  MessageType = "new-message"
	TypeTypingStart MessageType = "typing-start"
	TypeTypingStop  MessageType = "typing-stop"
)

// Outbound frame types. typing-start and typing-stop are relayed with the inbound names.
const (
	TypePresenceChanged  MessageType = "presence-changed"
	TypeMessageDelivered MessageType = "message-delivered"
	TypeMessageAlert     MessageType = "message-alert"
	TypeError            MessageType = "error"
	TypeTokenUpdate      MessageType = "token-update"
)

// Envelope is an inbound frame with its payload left undecoded.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Frame is an outbound frame.
type Frame struct {
	Type    MessageType `json:"type"`
	Payload any         `json:"payload"`
}

// NewMessagePayload is the payload of an inbound new-message frame.
// There is no sender field: the sender is always the connection's verified user.
type NewMessagePayload struct {
	ConversationID string   `json:"conversationId"`
	MemberIDs      []string `json:"memberIds"`
	Content        string   `json:"content"`
}

// TypingPayload is the payload of an inbound typing-start or typing-stop frame.
type TypingPayload struct {
	ConversationID string   `json:"conversationId"`
	MemberIDs      []string `json:"memberIds"`
}

// ConversationPayload carries only a conversation id. It is used by message-alert
// and by relayed typing frames.
type ConversationPayload struct {
	ConversationID string `json:"conversationId"`
}

// DeliveredMessage is the message body inside a message-delivered frame.
type DeliveredMessage struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	Sender    user.User `json:"sender"`
}

// DeliveredPayload is the payload of a message-delivered frame.
type DeliveredPayload struct {
	ConversationID string           `json:"conversationId"`
	Message        DeliveredMessage `json:"message"`
}

// PresencePayload is the payload of a presence-changed frame.
type PresencePayload struct {
	UserID    string    `json:"userId"`
	Online    bool      `json:"online"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorPayload reports a rejected inbound frame back to its sender.
type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// TokenUpdatePayload hands the client a fresh identity token.
type TokenUpdatePayload struct {
	Token string `json:"token"`
}

// EncodeFrame marshals an outbound frame once so it can be queued to many connections.
func EncodeFrame(t MessageType, payload any) ([]byte, error) {
	b, err := json.Marshal(Frame{Type: t, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", t, err)
	}
	return b, nil
}
