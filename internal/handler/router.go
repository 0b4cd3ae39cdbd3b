/*
Package handler provides the HTTP handlers and routing setup for the chat gateway.

This file defines the main Router, applying necessary middleware like logging, CORS,
and IP-based rate limiting before delegating requests to the health, metrics and
WebSocket handlers.
*/
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"chatgw/internal/configs"
	"chatgw/internal/pkg/logx"
	"chatgw/internal/pkg/metrics"
	"chatgw/internal/pkg/resp"
)

// Router sets up the main HTTP routing table (chi.Router) for the gateway.
// It configures CORS, applies global middleware, and puts the connect limiter in front of /ws.
func Router(deps *AppDeps) http.Handler {
	r := chi.NewRouter()

	corsAllowedOrigins := []string{}
	if deps.Config.IsDevelopment() {
		corsAllowedOrigins = []string{"*"}
	} else if len(deps.Config.AllowedOrigins) > 0 {
		corsAllowedOrigins = deps.Config.AllowedOrigins
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   corsAllowedOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{},
		AllowCredentials: true,
		MaxAge:           300,
	})
	r.Use(c.Handler)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logx.RequestLogger())
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		registry := deps.Hub.Registry()

		data := map[string]any{
			"status":       "ok",
			"service":      "chatgw",
			"connections":  registry.ConnCount(),
			"online_users": len(registry.OnlineUsers()),
		}
		resp.RespondSuccess(w, data)
	})

	r.Handle("/metrics", metrics.Handler())

	r.With(deps.ConnectLimiter.Middleware).Get("/ws", HandleWebSocket(deps, newUpgrader(deps.Config)))

	return r
}

// newUpgrader accepts any origin in development and only the configured origins otherwise.
func newUpgrader(cfg *configs.AppConfig) websocket.Upgrader {
	allowedOrigins := make(map[string]struct{})
	for _, origin := range cfg.AllowedOrigins {
		allowedOrigins[origin] = struct{}{}
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if cfg.IsDevelopment() {
				return true
			}

			origin := r.Header.Get("Origin")
			if _, ok := allowedOrigins[origin]; ok {
				return true
			}

			logx.Warn("WebSocket connection rejected: Origin not allowed.", "origin", origin)
			return false
		},
	}
}
