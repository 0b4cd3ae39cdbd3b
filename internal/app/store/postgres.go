package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"chatgw/internal/app/db"
	"chatgw/internal/app/user"
)

const (
	insertMessageSQL = `
INSERT INTO messages (id, conversation_id, sender_id, content, created_at)
VALUES ($1, $2, $3, $4, $5)`

	incrementUnreadSQL = `
INSERT INTO unread_counters (user_id, conversation_id, qty)
VALUES ($1, $2, 1)
ON CONFLICT (user_id, conversation_id)
DO UPDATE SET qty = unread_counters.qty + 1`

	setOnlineSQL = `
INSERT INTO user_presence (user_id, online, last_seen_at, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (user_id)
DO UPDATE SET online = EXCLUDED.online,
              last_seen_at = COALESCE(EXCLUDED.last_seen_at, user_presence.last_seen_at),
              updated_at = now()`

	getUserSQL = `SELECT id, display_name FROM users WHERE id = $1`

	unreadSQL = `SELECT conversation_id, qty FROM unread_counters WHERE user_id = $1`
)

// Postgres is the PostgreSQL-backed Gateway. The schema lives in internal/app/db/migrations.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an open pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// InsertMessage stores msg. Re-inserting the same id is not an error.
func (p *Postgres) InsertMessage(ctx context.Context, msg Message) (string, error) {
	_, err := p.pool.Exec(ctx, insertMessageSQL,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Content, msg.CreatedAt)
	if err != nil && !db.IsUniqueViolation(err) {
		return "", fmt.Errorf("insert message %s: %w", msg.ID, err)
	}
	return msg.ID, nil
}

func (p *Postgres) IncrementUnread(ctx context.Context, userID, conversationID string) error {
	if _, err := p.pool.Exec(ctx, incrementUnreadSQL, userID, conversationID); err != nil {
		return fmt.Errorf("increment unread (%s, %s): %w", userID, conversationID, err)
	}
	return nil
}

func (p *Postgres) SetOnline(ctx context.Context, userID string, online bool, at time.Time) error {
	var lastSeen pgtype.Timestamptz
	if !online {
		lastSeen = pgtype.Timestamptz{Time: at, Valid: true}
	}

	if _, err := p.pool.Exec(ctx, setOnlineSQL, userID, online, lastSeen); err != nil {
		return fmt.Errorf("set online %s=%t: %w", userID, online, err)
	}
	return nil
}

func (p *Postgres) GetUser(ctx context.Context, id string) (user.User, error) {
	var (
		u    user.User
		name pgtype.Text
	)
	err := p.pool.QueryRow(ctx, getUserSQL, id).Scan(&u.ID, &name)
	if errors.Is(err, pgx.ErrNoRows) {
		return user.User{}, fmt.Errorf("get user %s: %w", id, ErrUserNotFound)
	}
	if err != nil {
		return user.User{}, fmt.Errorf("get user %s: %w", id, err)
	}
	u.Name = name.String
	return u, nil
}

func (p *Postgres) Unread(ctx context.Context, userID string) (map[string]int64, error) {
	rows, err := p.pool.Query(ctx, unreadSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("query unread %s: %w", userID, err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			conv string
			qty  int64
		)
		if err := rows.Scan(&conv, &qty); err != nil {
			return nil, fmt.Errorf("scan unread %s: %w", userID, err)
		}
		out[conv] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read unread %s: %w", userID, err)
	}
	return out, nil
}
