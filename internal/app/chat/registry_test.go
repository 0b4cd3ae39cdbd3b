package chat

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestRegistry_Register_FirstConnection_BroadcastsOnline(t *testing.T) {
	req := require.New(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	registry := NewRegistry(RegistryOptions{Clock: fixedClock(now)})
	bob := newFakeConn("bob")
	alice := newFakeConn("alice")

	// Given bob is online
	req.True(registry.Register(bob))
	bob.reset()

	// When alice opens her first connection
	becameOnline := registry.Register(alice)

	// Then alice is online and everyone, alice included, is told so
	req.True(becameOnline)
	req.True(registry.IsOnline("alice"))

	for _, c := range []*fakeConn{alice, bob} {
		frames := c.received()
		req.Len(frames, 1)
		req.Equal(TypePresenceChanged, frames[0].Type)
		req.Equal(PresencePayload{UserID: "alice", Online: true, Timestamp: now}, presenceOf(frames[0]))
	}
}

func TestRegistry_Register_SecondConnection_NoBroadcast(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry(RegistryOptions{})
	bob := newFakeConn("bob")
	alice1 := newFakeConn("alice")
	alice2 := newFakeConn("alice")

	// Given bob and alice are online
	registry.Register(bob)
	registry.Register(alice1)
	bob.reset()

	// When alice opens a second connection
	becameOnline := registry.Register(alice2)

	// Then nothing is broadcast
	req.False(becameOnline)
	req.Empty(bob.received())
	req.Empty(alice2.received())
	req.Equal(3, registry.ConnCount())
	req.ElementsMatch([]string{"alice", "bob"}, registry.OnlineUsers())
}

func TestRegistry_Register_SameConnectionTwice_IsNoop(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry(RegistryOptions{})
	alice := newFakeConn("alice")

	req.True(registry.Register(alice))
	req.False(registry.Register(alice))
	req.Equal(1, registry.ConnCount())
	req.Len(alice.received(), 1)
}

func TestRegistry_Deregister_LastConnection_BroadcastsOfflineOnce(t *testing.T) {
	req := require.New(t)
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	now := start
	registry := NewRegistry(RegistryOptions{Clock: func() time.Time { return now }})
	bob := newFakeConn("bob")
	alice1 := newFakeConn("alice")
	alice2 := newFakeConn("alice")

	// Given alice has two connections
	registry.Register(bob)
	registry.Register(alice1)
	registry.Register(alice2)
	bob.reset()

	// When the first one closes
	wentOffline := registry.Deregister(alice1)

	// Then alice stays online and no one hears about it
	req.False(wentOffline)
	req.True(registry.IsOnline("alice"))
	req.Empty(bob.received())

	// When the last one closes
	now = start.Add(time.Minute)
	wentOffline = registry.Deregister(alice2)

	// Then the remaining users are told alice is offline, with the current time
	req.True(wentOffline)
	req.False(registry.IsOnline("alice"))
	frames := bob.received()
	req.Len(frames, 1)
	req.Equal(PresencePayload{UserID: "alice", Online: false, Timestamp: now}, presenceOf(frames[0]))

	// When the last connection is deregistered again
	req.False(registry.Deregister(alice2))
	req.False(registry.Deregister(alice1))

	// Then nothing more is broadcast
	req.Len(bob.received(), 1)
	req.Equal(1, registry.ConnCount())
}

func TestRegistry_Resolve(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry(RegistryOptions{})
	alice1 := newFakeConn("alice")
	alice2 := newFakeConn("alice")
	bob := newFakeConn("bob")

	registry.Register(alice1)
	registry.Register(alice2)
	registry.Register(bob)

	// When members are resolved with a repeated id and an offline user
	conns := registry.Resolve([]string{"alice", "carol", "alice", "bob"})

	// Then every live connection appears exactly once
	req.ElementsMatch([]Conn{alice1, alice2, bob}, conns)

	req.Empty(registry.Resolve([]string{"carol"}))
	req.Empty(registry.Resolve(nil))
}

func TestRegistry_PresenceHook_SeesTransitionsInOrder(t *testing.T) {
	req := require.New(t)
	var events []PresenceEvent
	registry := NewRegistry(RegistryOptions{
		OnPresenceChange: func(ev PresenceEvent) { events = append(events, ev) },
	})
	a1 := newFakeConn("alice")
	a2 := newFakeConn("alice")

	registry.Register(a1)
	registry.Register(a2)
	registry.Deregister(a1)
	registry.Deregister(a2)
	registry.Register(a1)

	req.Len(events, 3)
	req.True(events[0].Online)
	req.False(events[1].Online)
	req.True(events[2].Online)
}

func TestRegistry_MaxConnsPerUser_KicksOldest(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry(RegistryOptions{MaxConnsPerUser: 2})
	bob := newFakeConn("bob")
	registry.Register(bob)

	conns := make([]*kickableConn, 3)
	for i := range conns {
		conns[i] = &kickableConn{fakeConn: newFakeConn("alice"), registry: registry}
	}

	// Given alice is at the connection cap
	registry.Register(conns[0])
	registry.Register(conns[1])
	bob.reset()

	// When she opens one more
	registry.Register(conns[2])

	// Then her oldest connection is kicked and she never appears offline
	req.NotEmpty(conns[0].kickReason())
	req.Empty(conns[1].kickReason())
	req.Empty(conns[2].kickReason())
	req.ElementsMatch([]Conn{conns[1], conns[2]}, registry.Resolve([]string{"alice"}))
	req.True(registry.IsOnline("alice"))
	req.Empty(bob.received())
}

func TestRegistry_ConcurrentChurn_KeepsOnlineIffConnected(t *testing.T) {
	req := require.New(t)
	var mu sync.Mutex
	var events []PresenceEvent
	registry := NewRegistry(RegistryOptions{
		OnPresenceChange: func(ev PresenceEvent) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		},
	})

	// When many connections of one user come and go concurrently
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := newFakeConn("alice")
			registry.Register(c)
			registry.Deregister(c)
			registry.Deregister(c)
		}()
	}
	wg.Wait()

	// Then the user ends offline and transitions strictly alternate
	req.False(registry.IsOnline("alice"))
	req.Zero(registry.ConnCount())
	req.NotEmpty(events)
	for i, ev := range events {
		req.Equal(i%2 == 0, ev.Online, "transition %d", i)
	}
	req.False(events[len(events)-1].Online)
}
