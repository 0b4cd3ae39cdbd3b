/*
Package handler provides the HTTP handler function for WebSocket connection upgrading and initialization.

This file contains the HandleWebSocket function, which is responsible for authenticating
the handshake within the configured deadline, upgrading the HTTP connection to WebSocket, and running
the client lifecycle until the connection ends.
*/
package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"chatgw/internal/app/chat"
	"chatgw/internal/app/identity"
	"chatgw/internal/pkg/auth/jwt"
	"chatgw/internal/pkg/errs"
	"chatgw/internal/pkg/logx"
	"chatgw/internal/pkg/metrics"
	"chatgw/internal/pkg/resp"
)

// HandleWebSocket creates an HTTP HandlerFunc to process WebSocket connection requests.
// Nothing is registered unless the handshake authenticates before the deadline.
func HandleWebSocket(deps *AppDeps, upgrader websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ident, err := authenticate(r, deps.Auth, deps.Config.AuthTimeout)
		if err != nil {
			reason := authFailureReason(err)
			metrics.AuthFailures.WithLabelValues(reason).Inc()
			logx.Warn("WebSocket connection rejected: Authentication failed.", "reason", reason, "error", err.Error())

			resp.RespondError(w, r, err)
			return
		}

		logx.Info("Attempting to upgrade connection", "user_id", ident.User.ID)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logx.Error(err, "Failed to upgrade connection to WebSocket")
			return
		}

		client := chat.NewClient(deps.Hub, conn, ident.User, ident.Expiry)

		if err := deps.Hub.Connect(client); err != nil {
			logx.Warn("WebSocket connection rejected: Hub is shutting down.", "user_id", ident.User.ID)
			closeMessage := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			_ = conn.WriteControl(websocket.CloseMessage, closeMessage, time.Now().Add(time.Second))
			conn.Close()
			return
		}

		go client.WritePump()

		logx.Info("WebSocket connection established and client registered", "conn_id", client.ID(), "user_id", ident.User.ID)

		client.ReadPump()
	}
}

// authenticate runs auth.Authenticate bounded by timeout. A resolver that ignores its
// context still cannot hold the handshake past the deadline.
func authenticate(r *http.Request, auth Authenticator, timeout time.Duration) (identity.Identity, error) {
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	type result struct {
		ident identity.Identity
		err   error
	}
	done := make(chan result, 1)

	go func() {
		ident, err := auth.Authenticate(ctx, r)
		done <- result{ident: ident, err: err}
	}()

	select {
	case res := <-done:
		if res.err == nil {
			return res.ident, nil
		}
		if errors.Is(res.err, context.DeadlineExceeded) {
			return identity.Identity{}, errs.Wrap(res.err, errs.ErrAuthTimeout)
		}
		var customErr *errs.CustomError
		if !errors.As(res.err, &customErr) {
			return identity.Identity{}, errs.Wrap(res.err, errs.ErrUnauthorized)
		}
		return identity.Identity{}, res.err
	case <-ctx.Done():
		return identity.Identity{}, errs.Wrap(ctx.Err(), errs.ErrAuthTimeout)
	}
}

func authFailureReason(err error) string {
	switch {
	case errs.HasCode(err, errs.ErrAuthTimeout):
		return "timeout"
	case errors.Is(err, jwt.ErrMissingToken):
		return "missing_token"
	case identity.IsUnknownUser(err):
		return "unknown_user"
	default:
		return "invalid_token"
	}
}
