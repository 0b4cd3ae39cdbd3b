package store

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"chatgw/internal/app/db"
	"chatgw/internal/app/user"
)

// backend is a Gateway that can also read its unread counters back.
type backend interface {
	Gateway
	Unread(ctx context.Context, userID string) (map[string]int64, error)
}

// exerciseGateway checks the behavior every backend must share.
func exerciseGateway(t *testing.T, g backend) {
	ctx := context.Background()
	userID := "u-" + uuid.NewString()
	conv := "c-" + uuid.NewString()

	t.Run("concurrent increments are atomic", func(t *testing.T) {
		req := require.New(t)

		var wg sync.WaitGroup
		errCh := make(chan error, 50)
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errCh <- g.IncrementUnread(ctx, userID, conv)
			}()
		}
		wg.Wait()
		close(errCh)
		for err := range errCh {
			req.NoError(err)
		}

		unread, err := g.Unread(ctx, userID)
		req.NoError(err)
		req.Equal(int64(50), unread[conv])
	})

	t.Run("insert message", func(t *testing.T) {
		req := require.New(t)
		msg := Message{
			ID:             uuid.NewString(),
			ConversationID: conv,
			SenderID:       userID,
			Content:        "hello",
			CreatedAt:      time.Now().UTC().Truncate(time.Millisecond),
		}

		id, err := g.InsertMessage(ctx, msg)
		req.NoError(err)
		req.Equal(msg.ID, id)
	})

	t.Run("set online", func(t *testing.T) {
		req := require.New(t)
		req.NoError(g.SetOnline(ctx, userID, true, time.Now()))
		req.NoError(g.SetOnline(ctx, userID, false, time.Now()))
	})
}

func TestMemory_Gateway(t *testing.T) {
	exerciseGateway(t, NewMemory())
}

func TestMemory_PresenceAndDirectory(t *testing.T) {
	req := require.New(t)
	m := NewMemory()
	ctx := context.Background()
	seen := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	// Going offline records the last-seen time, coming back keeps it
	req.NoError(m.SetOnline(ctx, "alice", false, seen))
	req.NoError(m.SetOnline(ctx, "alice", true, seen.Add(time.Hour)))
	p, ok := m.Presence("alice")
	req.True(ok)
	req.True(p.Online)
	req.Equal(seen, p.LastSeen)

	_, err := m.GetUser(ctx, "bob")
	req.ErrorIs(err, ErrUserNotFound)

	m.PutUser(user.User{ID: "bob", Name: "Bob"})
	u, err := m.GetUser(ctx, "bob")
	req.NoError(err)
	req.Equal("Bob", u.Name)
}

func TestWithUnreadCounter_RoutesCounters(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	base := NewMemory()
	counters := NewMemory()

	g := WithUnreadCounter(base, counters)

	req.NoError(g.IncrementUnread(ctx, "bob", "c1"))
	_, err := g.InsertMessage(ctx, Message{ID: "m1"})
	req.NoError(err)

	fromCounters, err := counters.Unread(ctx, "bob")
	req.NoError(err)
	req.Equal(int64(1), fromCounters["c1"])

	fromBase, err := base.Unread(ctx, "bob")
	req.NoError(err)
	req.Empty(fromBase)
	req.Len(base.Messages(), 1)

	reader, ok := g.(UnreadCounter)
	req.True(ok)
	viaGateway, err := reader.Unread(ctx, "bob")
	req.NoError(err)
	req.Equal(fromCounters, viaGateway)
}

func TestValidFieldKey(t *testing.T) {
	req := require.New(t)

	req.NoError(validFieldKey("c1"))
	req.Error(validFieldKey(""))
	req.Error(validFieldKey("a.b"))
	req.Error(validFieldKey("$where"))
}

func TestPostgres_Gateway(t *testing.T) {
	dsn := os.Getenv("CHATGW_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("CHATGW_TEST_DATABASE_URL not set")
	}

	pool, err := db.NewPool(context.Background(), dsn, 0)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	pg := NewPostgres(pool)
	exerciseGateway(t, pg)

	_, err = pg.GetUser(context.Background(), "u-"+uuid.NewString())
	require.ErrorIs(t, err, ErrUserNotFound)
}

func TestMongo_Gateway(t *testing.T) {
	uri := os.Getenv("CHATGW_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("CHATGW_TEST_MONGO_URI not set")
	}

	mg, err := NewMongo(context.Background(), MongoConfig{URI: uri, Database: "chatgw_test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mg.Close(context.Background()) })

	exerciseGateway(t, mg)

	_, err = mg.GetUser(context.Background(), "u-"+uuid.NewString())
	require.ErrorIs(t, err, ErrUserNotFound)
}

func TestRedisUnread_Gateway(t *testing.T) {
	addr := os.Getenv("CHATGW_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CHATGW_TEST_REDIS_ADDR not set")
	}

	counter, err := NewRedisUnread(context.Background(), RedisConfig{Addr: addr})
	require.NoError(t, err)
	t.Cleanup(func() { _ = counter.Close() })

	exerciseGateway(t, WithUnreadCounter(NewMemory(), counter).(backend))
}
