package chat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatgw/internal/pkg/logx"
	"chatgw/internal/pkg/metrics"
)

const (
	// presenceBacklog is the number of pending transitions kept verbatim. Beyond it a new
	// transition replaces the user's pending one instead of queueing behind it.
	presenceBacklog      = 4096
	presenceWriteTimeout = 5 * time.Second
)

// PresenceStore is the part of the persistence gateway the recorder writes to.
type PresenceStore interface {
	SetOnline(ctx context.Context, userID string, online bool, at time.Time) error
}

// PresenceRecorder writes online/offline transitions to the durable store from a single
// goroutine, in the order the registry produced them.
//
// Record never blocks: the registry calls it with its lock held. While the store is
// behind, the backlog grows by at most one entry per user past presenceBacklog.
type PresenceRecorder struct {
	store PresenceStore

	// mu guards pending, latest and closed.
	mu sync.Mutex

	// pending holds the transitions not yet taken by the write loop, oldest first.
	pending []PresenceEvent

	// latest maps a user id to the index of that user's newest entry in pending.
	latest map[string]int

	closed bool

	// wake signals the write loop that pending changed or the recorder closed.
	wake chan struct{}

	// wg is used to wait for the write loop to drain during shutdown.
	wg sync.WaitGroup

	logger zerolog.Logger
}

// NewPresenceRecorder creates a recorder and starts its write loop.
func NewPresenceRecorder(store PresenceStore) *PresenceRecorder {
	p := &PresenceRecorder{
		store:  store,
		latest: make(map[string]int),
		wake:   make(chan struct{}, 1),
		logger: logx.Component("PresenceRecorder"),
	}

	p.wg.Add(1)
	go p.run()

	return p
}

// Record queues ev for writing. Events recorded after Close are dropped.
func (p *PresenceRecorder) Record(ev PresenceEvent) {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		p.logger.Warn().
			Str("user_id", ev.UserID).
			Bool("online", ev.Online).
			Msg("Presence recorder closed. Dropping transition.")
		return
	}

	if i, ok := p.latest[ev.UserID]; ok && len(p.pending) >= presenceBacklog {
		p.pending[i] = ev
		p.mu.Unlock()
		metrics.PresenceWritesCoalesced.Inc()
		p.logger.Debug().
			Str("user_id", ev.UserID).
			Bool("online", ev.Online).
			Msg("Presence store behind. Replaced pending transition.")
		return
	}

	p.latest[ev.UserID] = len(p.pending)
	p.pending = append(p.pending, ev)
	p.mu.Unlock()

	p.signal()
}

// Close stops accepting events and waits until every pending event has been written.
func (p *PresenceRecorder) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.signal()
	p.wg.Wait()
	p.logger.Info().Msg("Presence recorder stopped.")
}

func (p *PresenceRecorder) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *PresenceRecorder) run() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		batch := p.pending
		p.pending = nil
		p.latest = make(map[string]int)
		done := p.closed && len(batch) == 0
		p.mu.Unlock()

		if done {
			return
		}
		if len(batch) == 0 {
			<-p.wake
			continue
		}

		for _, ev := range batch {
			p.write(ev)
		}
	}
}

func (p *PresenceRecorder) write(ev PresenceEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceWriteTimeout)
	defer cancel()

	if err := p.store.SetOnline(ctx, ev.UserID, ev.Online, ev.Timestamp); err != nil {
		metrics.PersistenceFailures.WithLabelValues("set_online").Inc()
		p.logger.Error().
			Err(err).
			Str("user_id", ev.UserID).
			Bool("online", ev.Online).
			Msg("Failed to persist presence change.")
	}
}
