/*
Package chat contains the core of the gateway: the presence registry, the message fanout
engine, the typing relay, and the websocket client that ties a live connection to them.

This file defines the Registry, the process-wide map from user id to that user's live
connections. It decides when a user goes online or offline and broadcasts the change.
*/
package chat

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatgw/internal/pkg/errs"
	"chatgw/internal/pkg/logx"
	"chatgw/internal/pkg/metrics"
)

// Conn is a live connection as seen by the registry and the relays.
type Conn interface {
	// ID uniquely identifies the connection.
	ID() string

	// UserID is the verified owner of the connection.
	UserID() string

	// Send queues an encoded frame without blocking. It reports false when the frame
	// could not be queued (connection closed or queue full).
	Send(frame []byte) bool
}

// Kicker is implemented by connections the registry can force-close.
type Kicker interface {
	Kick(reason string)
}

// PresenceEvent is an online/offline transition of one user.
type PresenceEvent struct {
	UserID    string
	Online    bool
	Timestamp time.Time
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	// MaxConnsPerUser caps the live connections of one user. When a new connection
	// exceeds it, the user's oldest connection is kicked. Zero or less means no cap.
	MaxConnsPerUser int

	// OnPresenceChange is called for every transition, in transition order, while the
	// registry lock is held. It must not call back into the registry.
	OnPresenceChange func(PresenceEvent)

	// Clock returns the current time. Nil means time.Now.
	Clock func() time.Time
}

type registryEntry struct {
	conn Conn
	seq  uint64
}

// Registry maps user ids to their live connections.
// A user is online iff the registry holds at least one connection for them.
type Registry struct {
	// users maps user id to (connection id -> entry). Empty sets are removed.
	users map[string]map[string]registryEntry

	// conns is the total number of registered connections.
	conns int

	// seq orders registrations so the oldest connection of a user can be found.
	seq uint64

	maxPerUser int
	onChange   func(PresenceEvent)
	now        func() time.Time

	// mu guards users, conns and seq. Presence broadcasts are issued while it is held.
	mu sync.RWMutex

	logger zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(opts RegistryOptions) *Registry {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Registry{
		users:      make(map[string]map[string]registryEntry),
		maxPerUser: opts.MaxConnsPerUser,
		onChange:   opts.OnPresenceChange,
		now:        clock,
		logger:     logx.Component("Registry"),
	}
}

// Register adds c to its user's live set. When this is the user's first connection it
// broadcasts presence-changed{online:true} to every registered connection, c included,
// and reports true. Registering the same connection twice is a no-op.
func (r *Registry) Register(c Conn) bool {
	userID := c.UserID()
	var victim Conn

	r.mu.Lock()

	set, ok := r.users[userID]
	if !ok {
		set = make(map[string]registryEntry)
		r.users[userID] = set
	}

	if _, dup := set[c.ID()]; dup {
		r.mu.Unlock()
		r.logger.Warn().
			Str("user_id", userID).
			Str("conn_id", c.ID()).
			Msg("Connection already registered. Ignoring.")
		return false
	}

	r.seq++
	set[c.ID()] = registryEntry{conn: c, seq: r.seq}
	r.conns++

	becameOnline := len(set) == 1
	if becameOnline {
		r.transitionLocked(PresenceEvent{UserID: userID, Online: true, Timestamp: r.now()})
	}

	if r.maxPerUser > 0 && len(set) > r.maxPerUser {
		victim = oldest(set, c.ID())
	}

	r.updateGaugesLocked()
	r.logger.Info().
		Str("user_id", userID).
		Str("conn_id", c.ID()).
		Int("user_conns", len(set)).
		Int("total_conns", r.conns).
		Msg("Connection registered.")

	r.mu.Unlock()

	if victim != nil {
		r.evict(victim)
	}

	return becameOnline
}

// Deregister removes c. When c was the user's last connection it broadcasts
// presence-changed{online:false} with the current time to every remaining connection
// and reports true. Deregistering an unknown connection is a no-op.
func (r *Registry) Deregister(c Conn) bool {
	userID := c.UserID()

	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.users[userID]
	if !ok {
		r.logger.Debug().
			Str("user_id", userID).
			Str("conn_id", c.ID()).
			Msg("Deregister for unknown user ignored.")
		return false
	}

	if _, ok := set[c.ID()]; !ok {
		r.logger.Debug().
			Str("user_id", userID).
			Str("conn_id", c.ID()).
			Msg("Deregister for unknown or already removed connection ignored.")
		return false
	}

	delete(set, c.ID())
	r.conns--

	wentOffline := len(set) == 0
	if wentOffline {
		delete(r.users, userID)
		r.transitionLocked(PresenceEvent{UserID: userID, Online: false, Timestamp: r.now()})
	}

	r.updateGaugesLocked()
	r.logger.Info().
		Str("user_id", userID).
		Str("conn_id", c.ID()).
		Int("user_conns", len(set)).
		Int("total_conns", r.conns).
		Msg("Connection deregistered.")

	return wentOffline
}

// Resolve returns the live connections of the given users. Offline and unknown users
// contribute nothing; repeated ids are resolved once.
func (r *Registry) Resolve(userIDs []string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{}, len(userIDs))
	var out []Conn

	for _, id := range userIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		for _, e := range r.users[id] {
			out = append(out, e.conn)
		}
	}

	return out
}

// IsOnline reports whether userID has at least one live connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.users[userID]) > 0
}

// OnlineUsers returns the ids of every online user.
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.users))
	for id := range r.users {
		out = append(out, id)
	}
	return out
}

// ConnCount returns the number of registered connections.
func (r *Registry) ConnCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.conns
}

// Snapshot returns every registered connection.
func (r *Registry) Snapshot() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Conn, 0, r.conns)
	for _, set := range r.users {
		for _, e := range set {
			out = append(out, e.conn)
		}
	}
	return out
}

// transitionLocked broadcasts ev to all connections and hands it to the presence hook.
// The caller holds r.mu for writing.
func (r *Registry) transitionLocked(ev PresenceEvent) {
	frame, err := EncodeFrame(TypePresenceChanged, PresencePayload{
		UserID:    ev.UserID,
		Online:    ev.Online,
		Timestamp: ev.Timestamp,
	})
	if err != nil {
		r.logger.Error().Err(err).Str("user_id", ev.UserID).Msg("Failed to build presence-changed frame.")
	} else {
		delivered := 0
		for _, set := range r.users {
			for _, e := range set {
				if e.conn.Send(frame) {
					delivered++
				}
			}
		}
		metrics.FramesRelayed.WithLabelValues(string(TypePresenceChanged)).Add(float64(delivered))

		r.logger.Debug().
			Str("user_id", ev.UserID).
			Bool("online", ev.Online).
			Int("recipients", delivered).
			Msg("Presence change broadcast.")
	}

	if r.onChange != nil {
		r.onChange(ev)
	}
}

func (r *Registry) updateGaugesLocked() {
	metrics.ConnectionsActive.Set(float64(r.conns))
	metrics.UsersOnline.Set(float64(len(r.users)))
}

// evict force-closes a connection that pushed its user over the per-user cap.
func (r *Registry) evict(victim Conn) {
	r.logger.Warn().
		Str("user_id", victim.UserID()).
		Str("conn_id", victim.ID()).
		Int("max_conns_per_user", r.maxPerUser).
		Msg("Too many connections for user. Kicking oldest.")

	if k, ok := victim.(Kicker); ok {
		k.Kick(errs.NewError(errs.ErrSessionKicked).Message)
		return
	}
	r.Deregister(victim)
}

// oldest returns the earliest registered connection in set other than keepID.
func oldest(set map[string]registryEntry, keepID string) Conn {
	var (
		found  Conn
		minSeq uint64
	)
	for id, e := range set {
		if id == keepID {
			continue
		}
		if found == nil || e.seq < minSeq {
			found, minSeq = e.conn, e.seq
		}
	}
	return found
}
