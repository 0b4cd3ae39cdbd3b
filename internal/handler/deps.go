package handler

import (
	"context"
	"net/http"

	"chatgw/internal/app/chat"
	"chatgw/internal/app/identity"
	"chatgw/internal/configs"
	"chatgw/internal/pkg/limiter"
)

// Authenticator resolves the verified user of a websocket handshake.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (identity.Identity, error)
}

type AppDeps struct {
	Hub    *chat.Hub
	Config *configs.AppConfig
	Auth   Authenticator

	// ConnectLimiter throttles websocket handshakes per client address.
	ConnectLimiter *limiter.IPRateLimiter
}
