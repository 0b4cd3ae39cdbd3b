/*
Package main is the entry point for the chat gateway.

It is responsible for loading configuration, initializing the global logging system,
opening the persistence backend, setting up the HTTP server and the chat Hub, and
gracefully handling operating system interrupt signals (SIGINT, SIGTERM) so live
connections are closed and pending writes are flushed before exit.
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"chatgw/internal/app/chat"
	"chatgw/internal/app/db"
	"chatgw/internal/app/identity"
	"chatgw/internal/app/store"
	"chatgw/internal/configs"
	"chatgw/internal/handler"
	"chatgw/internal/pkg/limiter"
	"chatgw/internal/pkg/logx"
)

func main() {
	// Load configuration from environment variables
	cfg, err := configs.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize global logger
	logx.InitGlobalLogger(cfg.IsDevelopment(), cfg.LogLevel)
	logx.Logger().Info().
		Str("environment", cfg.Environment).
		Int("port", cfg.Port).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Str("store_backend", cfg.StoreBackend).
		Bool("redis_unread", cfg.RedisAddr != "").
		Int("max_conns_per_user", cfg.MaxConnsPerUser).
		Dur("auth_timeout", cfg.AuthTimeout).
		Msg("Configuration loaded successfully")

	// Create a context that listens for the interrupt signal from the OS.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		logx.Fatal(err, "Failed to open persistence backend")
	}
	defer backend.close()

	hub := chat.NewHub(chat.HubConfig{
		Store:              backend.gateway,
		MaxConnsPerUser:    cfg.MaxConnsPerUser,
		PersistConcurrency: cfg.PersistConcurrency,
		JWTSecret:          cfg.JWTSecret,
	})

	connectLimiter := limiter.NewIPRateLimiter(rate.Limit(cfg.ConnectRate), cfg.ConnectBurst)
	defer connectLimiter.Stop()

	deps := &handler.AppDeps{
		Hub:            hub,
		Config:         cfg,
		Auth:           identity.NewResolver(cfg.JWTSecret, backend.directory),
		ConnectLimiter: connectLimiter,
	}

	serverAddr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           handler.Router(deps),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logx.Info(fmt.Sprintf("Chat gateway starting on http://localhost%s", serverAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logx.Fatal(err, "Server failed to start")
		}
	}()

	<-ctx.Done()
	logx.Info("Received shutdown signal. Starting graceful shutdown...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	// Hijacked websocket connections are not tracked by the server, so the hub closes them.
	if err := server.Shutdown(shutdownCtx); err != nil {
		logx.Error(err, "HTTP server shutdown did not complete")
	}

	if err := hub.Shutdown(shutdownCtx); err != nil {
		logx.Error(err, "Hub shutdown did not complete")
	}

	logx.Info("Server gracefully stopped.")
}

// backend is the opened persistence layer and the hook that releases it.
type backend struct {
	gateway   store.Gateway
	directory store.UserDirectory
	closers   []func()
}

func (b *backend) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// openBackend connects the configured store and, when REDIS_ADDR is set, moves unread
// counters to Redis.
func openBackend(ctx context.Context, cfg *configs.AppConfig) (*backend, error) {
	b := &backend{}

	switch cfg.StoreBackend {
	case configs.BackendPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseDSN, dbPoolSize(cfg.PersistConcurrency))
		if err != nil {
			return nil, err
		}
		pg := store.NewPostgres(pool)
		b.gateway, b.directory = pg, pg
		b.closers = append(b.closers, pool.Close)

	case configs.BackendMongo:
		mg, err := store.NewMongo(ctx, store.MongoConfig{URI: cfg.MongoURI, Database: cfg.MongoDatabase})
		if err != nil {
			return nil, err
		}
		b.gateway, b.directory = mg, mg
		b.closers = append(b.closers, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := mg.Close(closeCtx); err != nil {
				logx.Error(err, "Failed to disconnect from MongoDB")
			}
		})

	case configs.BackendMemory:
		logx.Warn("Using the in-memory store. Nothing survives a restart.")
		b.gateway = store.NewMemory()

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	if cfg.RedisAddr != "" {
		counter, err := store.NewRedisUnread(ctx, store.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			b.close()
			return nil, err
		}
		b.gateway = store.WithUnreadCounter(b.gateway, counter)
		b.closers = append(b.closers, func() {
			if err := counter.Close(); err != nil {
				logx.Error(err, "Failed to close Redis client")
			}
		})
	}

	return b, nil
}

// dbPoolSize leaves room for the presence recorder next to the persistence workers.
func dbPoolSize(persistConcurrency int) int32 {
	return int32(min(persistConcurrency+2, 100))
}
