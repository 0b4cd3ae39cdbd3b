package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"chatgw/internal/app/store"
	"chatgw/internal/app/user"
	"chatgw/internal/pkg/errs"
	"chatgw/internal/pkg/logx"
	"chatgw/internal/pkg/metrics"
	"chatgw/internal/pkg/randx"
)

// MaxContentBytes is the maximum allowed size (in bytes) for message content.
const MaxContentBytes = 5000

// MessageStore is the part of the persistence gateway the fanout engine writes to.
type MessageStore interface {
	InsertMessage(ctx context.Context, msg store.Message) (string, error)
	IncrementUnread(ctx context.Context, userID, conversationID string) error
}

// Fanout relays new messages to the live connections of a conversation's members and
// then, in the background, stores the message and bumps the members' unread counters.
type Fanout struct {
	registry *Registry
	store    MessageStore
	tasks    *TaskRunner
	now      func() time.Time
	logger   zerolog.Logger
}

// NewFanout creates a fanout engine.
func NewFanout(registry *Registry, s MessageStore, tasks *TaskRunner) *Fanout {
	return &Fanout{
		registry: registry,
		store:    s,
		tasks:    tasks,
		now:      time.Now,
		logger:   logx.Component("Fanout"),
	}
}

// HandleNewMessage processes one new-message event from sender.
//
// The relay to live connections finishes before HandleNewMessage returns; every resolved
// connection gets message-delivered and then message-alert. Persistence runs afterwards in
// a background task and never affects the relay. The returned error is non-nil only for a
// malformed event, in which case nothing was relayed.
func (f *Fanout) HandleNewMessage(sender user.User, p NewMessagePayload) (store.Message, error) {
	if err := validateNewMessage(sender, p); err != nil {
		metrics.EventsRejected.WithLabelValues(string(TypeNewMessage), "malformed").Inc()
		f.logger.Warn().
			Err(err).
			Str("sender_id", sender.ID).
			Str("conversation_id", p.ConversationID).
			Msg("Dropping malformed new-message event.")
		return store.Message{}, err
	}

	msg := store.Message{
		ID:             randx.MessageID(),
		ConversationID: p.ConversationID,
		SenderID:       sender.ID,
		Content:        p.Content,
		CreatedAt:      f.now().UTC(),
	}

	conns := f.registry.Resolve(p.MemberIDs)
	delivered := f.relay(sender, msg, conns)

	f.logger.Debug().
		Str("message_id", msg.ID).
		Str("conversation_id", msg.ConversationID).
		Str("sender_id", sender.ID).
		Int("resolved", len(conns)).
		Int("delivered", delivered).
		Msg("Message relayed.")

	recipients := unreadRecipients(p.MemberIDs, sender.ID)
	f.tasks.Go("persist-message", func(ctx context.Context) error {
		return f.persist(ctx, msg, recipients)
	})

	return msg, nil
}

// relay queues message-delivered followed by message-alert on every connection.
// The alert is only queued when the message body was, so no connection sees an alert first.
func (f *Fanout) relay(sender user.User, msg store.Message, conns []Conn) int {
	if len(conns) == 0 {
		return 0
	}

	body, err := EncodeFrame(TypeMessageDelivered, DeliveredPayload{
		ConversationID: msg.ConversationID,
		Message: DeliveredMessage{
			ID:        msg.ID,
			Content:   msg.Content,
			CreatedAt: msg.CreatedAt,
			Sender:    sender,
		},
	})
	if err != nil {
		f.logger.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to build message-delivered frame.")
		return 0
	}

	alert, err := EncodeFrame(TypeMessageAlert, ConversationPayload{ConversationID: msg.ConversationID})
	if err != nil {
		f.logger.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to build message-alert frame.")
		return 0
	}

	delivered := 0
	for _, c := range conns {
		if !c.Send(body) {
			continue
		}
		delivered++
		c.Send(alert)
	}

	metrics.FramesRelayed.WithLabelValues(string(TypeMessageDelivered)).Add(float64(delivered))
	metrics.FramesRelayed.WithLabelValues(string(TypeMessageAlert)).Add(float64(delivered))

	return delivered
}

// persist stores msg and increments the unread counter of every recipient.
// Each write is independent: a failed insert does not skip the counters, and one
// recipient's failure does not skip the others. Nothing is retried.
func (f *Fanout) persist(ctx context.Context, msg store.Message, recipients []string) error {
	var failed error

	if _, err := f.store.InsertMessage(ctx, msg); err != nil {
		metrics.PersistenceFailures.WithLabelValues("insert_message").Inc()
		failed = multierr.Append(failed, err)
	}

	for _, userID := range recipients {
		if err := f.store.IncrementUnread(ctx, userID, msg.ConversationID); err != nil {
			metrics.PersistenceFailures.WithLabelValues("increment_unread").Inc()
			failed = multierr.Append(failed, err)
		}
	}

	if failed != nil {
		n := len(multierr.Errors(failed))
		f.logger.Error().
			Err(failed).
			Int("failures", n).
			Str("message_id", msg.ID).
			Str("conversation_id", msg.ConversationID).
			Msg("Message persistence incomplete after relay.")
		return errs.Wrap(failed, errs.ErrPersistenceFailure, fmt.Sprintf("message %s", msg.ID))
	}

	return nil
}

func validateNewMessage(sender user.User, p NewMessagePayload) error {
	if sender.IsZero() {
		return errs.NewError(errs.ErrMalformedEvent, "missing sender identity")
	}
	if p.ConversationID == "" {
		return errs.NewError(errs.ErrMalformedEvent, "missing conversationId")
	}
	if err := validateMembers(p.MemberIDs); err != nil {
		return err
	}
	if p.Content == "" {
		return errs.NewError(errs.ErrMalformedEvent, "missing content")
	}
	if len(p.Content) > MaxContentBytes {
		return errs.NewError(errs.ErrMessageContentTooLong)
	}
	return nil
}

func validateMembers(memberIDs []string) error {
	if len(memberIDs) == 0 {
		return errs.NewError(errs.ErrMalformedEvent, "missing memberIds")
	}
	for _, id := range memberIDs {
		if id == "" {
			return errs.NewError(errs.ErrMalformedEvent, "empty member id")
		}
	}
	return nil
}

// unreadRecipients returns the distinct members other than the sender.
func unreadRecipients(memberIDs []string, senderID string) []string {
	seen := make(map[string]struct{}, len(memberIDs))
	out := make([]string, 0, len(memberIDs))
	for _, id := range memberIDs {
		if id == senderID {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
