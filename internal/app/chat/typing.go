package chat

import (
	"fmt"

	"github.com/rs/zerolog"

	"chatgw/internal/pkg/errs"
	"chatgw/internal/pkg/logx"
	"chatgw/internal/pkg/metrics"
)

// TypingRelay forwards typing-start and typing-stop to a conversation's live members.
// It keeps no state and writes nothing durable.
type TypingRelay struct {
	registry *Registry
	logger   zerolog.Logger
}

// NewTypingRelay creates a typing relay.
func NewTypingRelay(registry *Registry) *TypingRelay {
	return &TypingRelay{
		registry: registry,
		logger:   logx.Component("TypingRelay"),
	}
}

// Relay sends kind to every live connection of p.MemberIDs except origin. The sender's
// other connections still receive it. It returns the number of connections reached.
func (t *TypingRelay) Relay(origin Conn, kind MessageType, p TypingPayload) (int, error) {
	if kind != TypeTypingStart && kind != TypeTypingStop {
		return 0, fmt.Errorf("typing relay: unexpected frame type %q", kind)
	}

	if p.ConversationID == "" {
		return 0, errs.NewError(errs.ErrMalformedEvent, "missing conversationId")
	}
	if err := validateMembers(p.MemberIDs); err != nil {
		return 0, err
	}

	frame, err := EncodeFrame(kind, ConversationPayload{ConversationID: p.ConversationID})
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, c := range t.registry.Resolve(p.MemberIDs) {
		if c.ID() == origin.ID() {
			continue
		}
		if c.Send(frame) {
			delivered++
		}
	}

	metrics.FramesRelayed.WithLabelValues(string(kind)).Add(float64(delivered))

	t.logger.Debug().
		Str("conversation_id", p.ConversationID).
		Str("origin_conn", origin.ID()).
		Str("kind", string(kind)).
		Int("delivered", delivered).
		Msg("Typing indicator relayed.")

	return delivered, nil
}
