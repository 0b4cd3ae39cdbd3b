/*
Package chat contains the core of the gateway: the presence registry, the message fanout
engine, the typing relay, and the websocket client that ties a live connection to them.

This file defines the Hub, which owns the registry and the relays for the whole process,
routes inbound frames to them, and shuts everything down in order.
*/
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"chatgw/internal/app/store"
	"chatgw/internal/app/user"
	"chatgw/internal/pkg/errs"
	"chatgw/internal/pkg/logx"
	"chatgw/internal/pkg/metrics"
)

// ErrHubClosed is returned by Connect once Shutdown has started.
var ErrHubClosed = errors.New("hub is shutting down")

const defaultPersistTimeout = 10 * time.Second

// HubConfig configures a Hub.
type HubConfig struct {
	// Store receives messages, unread increments and presence changes.
	Store store.Gateway

	// MaxConnsPerUser caps the live connections of one user. Zero or less means no cap.
	MaxConnsPerUser int

	// PersistConcurrency bounds the number of background persistence tasks running at once.
	PersistConcurrency int

	// PersistTimeout bounds one background persistence task. Zero means 10s.
	PersistTimeout time.Duration

	// JWTSecret signs refreshed identity tokens. Empty disables token refresh.
	JWTSecret string
}

// Hub is the process-wide owner of the presence registry and the event relays.
type Hub struct {
	registry *Registry
	fanout   *Fanout
	typing   *TypingRelay
	recorder *PresenceRecorder
	tasks    *TaskRunner

	jwtSecret string
	closing   atomic.Bool

	logger zerolog.Logger
}

// NewHub wires a registry, fanout engine, typing relay and presence recorder around cfg.Store.
func NewHub(cfg HubConfig) *Hub {
	concurrency := cfg.PersistConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	timeout := cfg.PersistTimeout
	if timeout <= 0 {
		timeout = defaultPersistTimeout
	}

	recorder := NewPresenceRecorder(cfg.Store)
	registry := NewRegistry(RegistryOptions{
		MaxConnsPerUser:  cfg.MaxConnsPerUser,
		OnPresenceChange: recorder.Record,
	})
	tasks := NewTaskRunner(int64(concurrency), timeout)

	return &Hub{
		registry:  registry,
		fanout:    NewFanout(registry, cfg.Store, tasks),
		typing:    NewTypingRelay(registry),
		recorder:  recorder,
		tasks:     tasks,
		jwtSecret: cfg.JWTSecret,
		logger:    logx.Component("Hub"),
	}
}

// Registry returns the hub's presence registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Connect registers an authenticated connection. Once Shutdown has started the
// connection is refused, or removed again if it registered concurrently with Shutdown.
func (h *Hub) Connect(c Conn) error {
	if h.closing.Load() {
		return ErrHubClosed
	}
	h.registry.Register(c)

	// Shutdown sets closing before it snapshots the registry, so a connection that
	// missed the snapshot always sees the flag here.
	if h.closing.Load() {
		h.registry.Deregister(c)
		return ErrHubClosed
	}
	return nil
}

// Disconnect deregisters a connection. It is safe to call more than once.
func (h *Hub) Disconnect(c Conn) {
	h.registry.Deregister(c)
}

// Dispatch handles one raw inbound frame from origin, whose verified owner is sender.
// Frames from one connection must be dispatched sequentially to keep that sender's order.
// Frames arriving after Shutdown has started are dropped.
func (h *Hub) Dispatch(origin Conn, sender user.User, raw []byte) {
	if h.closing.Load() {
		metrics.EventsRejected.WithLabelValues("unparsed", "shutting_down").Inc()
		h.logger.Debug().Str("conn_id", origin.ID()).Msg("Hub shutting down. Dropping inbound frame.")
		return
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		metrics.EventsRejected.WithLabelValues("invalid", "bad_json").Inc()
		h.logger.Warn().Err(err).
			Str("conn_id", origin.ID()).
			Bytes("message_bytes", raw).
			Msg("Client sent invalid JSON")
		replyError(origin, errs.NewError(errs.ErrInvalidJSONFormat))
		return
	}

	switch env.Type {
	case TypeNewMessage:
		metrics.EventsReceived.WithLabelValues(string(env.Type)).Inc()
		h.handleNewMessage(origin, sender, env.Payload)

	case TypeTypingStart, TypeTypingStop:
		metrics.EventsReceived.WithLabelValues(string(env.Type)).Inc()
		h.handleTyping(origin, env.Type, env.Payload)

	default:
		metrics.EventsRejected.WithLabelValues("unknown", "unsupported").Inc()
		h.logger.Warn().
			Str("conn_id", origin.ID()).
			Str("msg_type", string(env.Type)).
			Msg("Client sent unsupported message type")
		replyError(origin, errs.NewError(errs.ErrUnsupportedEvent, string(env.Type)))
	}
}

func (h *Hub) handleNewMessage(origin Conn, sender user.User, raw json.RawMessage) {
	var p NewMessagePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		metrics.EventsRejected.WithLabelValues(string(TypeNewMessage), "bad_payload").Inc()
		h.logger.Warn().Err(err).Str("conn_id", origin.ID()).Msg("Client sent invalid new-message payload")
		replyError(origin, errs.NewError(errs.ErrMalformedEvent, "invalid payload"))
		return
	}

	if _, err := h.fanout.HandleNewMessage(sender, p); err != nil {
		replyError(origin, err)
	}
}

// handleTyping drops malformed typing frames with a log line only; the sender gets no reply.
func (h *Hub) handleTyping(origin Conn, kind MessageType, raw json.RawMessage) {
	var p TypingPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		metrics.EventsRejected.WithLabelValues(string(kind), "bad_payload").Inc()
		h.logger.Warn().Err(err).Str("conn_id", origin.ID()).Msg("Client sent invalid typing payload")
		return
	}

	if _, err := h.typing.Relay(origin, kind, p); err != nil {
		metrics.EventsRejected.WithLabelValues(string(kind), "malformed").Inc()
		h.logger.Warn().Err(err).Str("conn_id", origin.ID()).Msg("Dropping malformed typing event.")
	}
}

// Shutdown closes every live connection, waits for background persistence until ctx is
// done, and flushes pending presence writes.
func (h *Hub) Shutdown(ctx context.Context) error {
	if !h.closing.CompareAndSwap(false, true) {
		return nil
	}

	h.logger.Info().Int("connections", h.registry.ConnCount()).Msg("Shutting down Hub...")

	for _, c := range h.registry.Snapshot() {
		if closer, ok := c.(interface{ Close() }); ok {
			closer.Close()
			continue
		}
		h.registry.Deregister(c)
	}

	err := h.tasks.Wait(ctx)
	h.recorder.Close()

	if err != nil {
		return fmt.Errorf("hub shutdown: %w", err)
	}

	h.logger.Info().Msg("Hub shutdown complete.")
	return nil
}

// replyError sends an error frame to a single connection.
func replyError(c Conn, err error) {
	var code int
	var message string

	var customErr *errs.CustomError
	if errors.As(err, &customErr) {
		code = customErr.Code
		message = customErr.Message
	} else {
		code = errs.ErrUnknown
		message = "Internal server error"
	}

	frame, encErr := EncodeFrame(TypeError, ErrorPayload{Code: code, Message: message})
	if encErr != nil {
		logx.Error(encErr, "Failed to build error frame")
		return
	}

	if !c.Send(frame) {
		logx.Warn("Failed to queue error frame", "conn_id", c.ID())
	}
}
