/*
Package chat contains the core of the gateway: the presence registry, the message fanout
engine, the typing relay, and the websocket client that ties a live connection to them.

This file defines the Client, one authenticated websocket connection. It owns the read and
write loops, the outbound queue and the heartbeat, and it leaves the registry exactly once.
*/
package chat

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chatgw/internal/app/user"
	"chatgw/internal/pkg/auth/jwt"
	"chatgw/internal/pkg/logx"
	"chatgw/internal/pkg/metrics"
	"chatgw/internal/pkg/randx"
)

const (
	// timeout duration for writing to the WebSocket connection.
	writeWait = 10 * time.Second

	// maximum time allowed for the server to wait for a Pong message from the client.
	pongWait = 60 * time.Second

	// frequency at which the server sends a Ping message.
	pingPeriod = (pongWait * 9) / 10

	// maximum allowed size (in bytes) of a frame sent by the client.
	maxMessageSize = 8192

	// sendQueueSize is the number of outbound frames a connection may have pending.
	sendQueueSize = 256

	// WsCloseCodeSessionKicked is a custom WebSocket Close Code (4000-4999 range)
	// telling the client its connection was closed because the user opened too many.
	WsCloseCodeSessionKicked = 4001

	// TokenRefreshWindow defines how much time before the token expires we should attempt to refresh it.
	TokenRefreshWindow = 2 * time.Minute
)

// Client is an active WebSocket connection and its verified user.
type Client struct {
	id  string
	hub *Hub

	// underlying WebSocket connection object.
	conn *websocket.Conn

	// verified owner of the connection.
	user user.User

	// tokenExpiry records the expiration time of the identity token the client holds.
	// Only WritePump touches it after construction.
	tokenExpiry time.Time

	// a buffered channel used to queue frames waiting to be written.
	send chan []byte

	// mu guards closed and the send channel's lifetime.
	mu     sync.Mutex
	closed bool

	closeOnce sync.Once

	logger zerolog.Logger
}

// NewClient constructs a Client for an upgraded connection. It is not registered yet.
func NewClient(hub *Hub, wsConn *websocket.Conn, u user.User, expiry time.Time) *Client {
	id := randx.ConnectionID()

	return &Client{
		id:          id,
		hub:         hub,
		conn:        wsConn,
		user:        u,
		tokenExpiry: expiry,
		send:        make(chan []byte, sendQueueSize),
		logger: logx.Logger().With().
			Str("component", "Client").
			Str("conn_id", id).
			Str("user_id", u.ID).
			Logger(),
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// UserID returns the id of the connection's verified user.
func (c *Client) UserID() string { return c.user.ID }

// User returns the connection's verified user.
func (c *Client) User() user.User { return c.user }

// Send queues a frame without blocking. A client whose queue is full cannot keep up and
// is closed.
func (c *Client) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- frame:
		return true
	default:
		metrics.SendQueueOverflows.Inc()
		c.logger.Warn().Int("queue_len", len(c.send)).Msg("Client send channel full. Closing slow client.")
		// Close takes the registry lock, which the caller may hold.
		go c.Close()
		return false
	}
}

// Close deregisters the client and stops its write loop after the queued frames are
// flushed. Only the first call has any effect.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.hub.Disconnect(c)

		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()

		c.logger.Info().Msg("Client closed.")
	})
}

// Kick closes the connection with close code 4001 and the given reason.
func (c *Client) Kick(reason string) {
	c.logger.Warn().
		Int("close_code", WsCloseCodeSessionKicked).
		Str("reason", reason).
		Msg("Sending WS Kick message and closing connection.")

	closeMessage := websocket.FormatCloseMessage(WsCloseCodeSessionKicked, reason)
	if err := c.conn.WriteControl(websocket.CloseMessage, closeMessage, time.Now().Add(writeWait)); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to send WS 4001 Close Message.")
	}

	c.Close()
}

// ReadPump reads frames from the connection and dispatches them in arrival order.
// It returns when the connection fails or closes, and then deregisters the client.
func (c *Client) ReadPump() {
	defer c.cleanupOnDisconnect()

	c.conn.SetReadLimit(maxMessageSize)

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set read deadline")
		return
	}

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, messageBytes, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info().Err(err).Msg("Error reading message (Client close/going away)")
			}
			break
		}

		c.hub.Dispatch(c, c.user, messageBytes)
	}
}

// cleanupOnDisconnect runs when ReadPump terminates.
func (c *Client) cleanupOnDisconnect() {
	c.logger.Info().Msg("Client connection cleanup starting.")

	c.Close()

	if err := c.conn.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("Client connection close error")
	}
}

// WritePump writes queued frames to the connection and keeps the heartbeat going.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()

		if err := c.conn.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("Client connection close error in WritePump")
		}
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !c.writeQueuedMessage(message, ok) {
				return
			}

		case <-ticker.C:
			if !c.writePingMessage() {
				return
			}

			c.checkAndRefreshToken()
		}
	}
}

// writeQueuedMessage writes one frame pulled from the send channel.
// Returns true if the WritePump loop should continue, false if it should terminate.
func (c *Client) writeQueuedMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set write deadline")
		return false
	}

	if !ok {
		closeMessage := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := c.conn.WriteMessage(websocket.CloseMessage, closeMessage); err != nil {
			c.logger.Debug().Err(err).Msg("Error writing close message")
		}
		return false
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		c.logger.Error().Err(err).Msg("Error writing message")
		c.Close()
		return false
	}

	return true
}

// writePingMessage sends a periodic WebSocket Ping message to maintain the connection heartbeat.
// Returns false if the WritePump loop should terminate due to write failure.
func (c *Client) writePingMessage() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set write deadline on ping")
		return false
	}

	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Error().Err(err).Msg("Error writing ping")
		c.Close()
		return false
	}

	return true
}

// checkAndRefreshToken issues a fresh identity token when the current one is close to expiry.
func (c *Client) checkAndRefreshToken() {
	if c.hub.jwtSecret == "" || c.tokenExpiry.IsZero() {
		return
	}
	if time.Now().Before(c.tokenExpiry.Add(-TokenRefreshWindow)) {
		return
	}

	c.logger.Info().
		Time("current_expiry", c.tokenExpiry).
		Dur("refresh_window", TokenRefreshWindow).
		Msg("JWT token is nearing expiry, attempting refresh.")

	payload := &jwt.Payload{ID: c.user.ID, Name: c.user.Name}

	tokenString, err := jwt.GenerateToken(payload, c.hub.jwtSecret, jwt.IdentityExpiration)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to generate new token. Aborting refresh.")
		return
	}

	frame, err := EncodeFrame(TypeTokenUpdate, TokenUpdatePayload{Token: tokenString})
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to build token-update frame.")
		return
	}

	if !c.Send(frame) {
		c.logger.Error().Msg("Failed to queue token-update frame.")
		return
	}

	c.tokenExpiry = payload.Expiry()
}

// SendError queues an error frame for this client.
func (c *Client) SendError(err error) {
	replyError(c, err)
}

var _ interface {
	Conn
	Kicker
} = (*Client)(nil)
