package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const unreadKeyPrefix = "chatgw:unread:"

// RedisConfig holds the settings for the Redis unread counter.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// RedisUnread keeps unread counters in one hash per user, one field per conversation.
// HINCRBY makes each increment atomic.
type RedisUnread struct {
	rdb *redis.Client
}

// NewRedisUnread connects to Redis and verifies the connection.
func NewRedisUnread(ctx context.Context, cfg RedisConfig) (*RedisUnread, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", cfg.Addr, err)
	}
	return &RedisUnread{rdb: rdb}, nil
}

// Close closes the underlying client.
func (r *RedisUnread) Close() error {
	return r.rdb.Close()
}

func unreadKey(userID string) string { return unreadKeyPrefix + userID }

func (r *RedisUnread) IncrementUnread(ctx context.Context, userID, conversationID string) error {
	if err := r.rdb.HIncrBy(ctx, unreadKey(userID), conversationID, 1).Err(); err != nil {
		return fmt.Errorf("increment unread (%s, %s): %w", userID, conversationID, err)
	}
	return nil
}

func (r *RedisUnread) Unread(ctx context.Context, userID string) (map[string]int64, error) {
	fields, err := r.rdb.HGetAll(ctx, unreadKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read unread %s: %w", userID, err)
	}

	out := make(map[string]int64, len(fields))
	for conv, raw := range fields {
		qty, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse unread %s/%s: %w", userID, conv, err)
		}
		out[conv] = qty
	}
	return out, nil
}
