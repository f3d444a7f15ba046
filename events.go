package pool

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

var eventsLogger = packageLogger.WithField("subpack", "events")

// PoolEventKind names a signal published on the event bus.
// TooFewConnections/TooManyConnections are level-triggered: they fire
// whenever a capacity check crosses the configured Min/MaxConnections
// boundary, and a watcher can re-derive the current state at any time via
// Pool.ActiveConnections(). NewPeer/NewConnection are edge-triggered: they fire
// exactly once per occurrence and carry no persistent state.
type PoolEventKind string

const (
	EventTooFewConnections  PoolEventKind = "too_few_connections"
	EventTooManyConnections PoolEventKind = "too_many_connections"
	EventNewPeer            PoolEventKind = "new_peer"
	EventNewConnection      PoolEventKind = "new_connection"

	// richer notices for operator tooling
	EventConnDialed       PoolEventKind = "dialed"
	EventConnAccepted     PoolEventKind = "accepted"
	EventConnDisconnected PoolEventKind = "disconnected"
)

// PoolEvent is a single notification delivered to watchers.
type PoolEvent struct {
	ID    string
	Kind  PoolEventKind
	Peer  PeerID
	Point PointID
	At    time.Time
}

// Watcher is a single subscriber's view of the bus: a bounded, lossy
// channel. A slow consumer does not block publishers or other watchers;
// instead the oldest unread event is dropped and the next call to Lagged
// reports true.
type Watcher struct {
	id      string
	bus     *Bus
	ch      chan PoolEvent
	mtx     sync.Mutex
	lagged  bool
	closed  bool
	closeCh chan struct{}
}

// Events returns the channel new PoolEvents arrive on. Closed when the
// Watcher is closed or the bus is closed.
func (w *Watcher) Events() <-chan PoolEvent { return w.ch }

// Lagged reports whether at least one event was dropped for this watcher
// since the last call to Lagged. Calling it clears the flag.
func (w *Watcher) Lagged() bool {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	l := w.lagged
	w.lagged = false
	return l
}

// Close unsubscribes the watcher from the bus.
func (w *Watcher) Close() {
	w.bus.unwatch(w)
}

// deliver sends ev to the watcher's channel without blocking. It holds
// w.mtx for the whole attempt so a concurrent Close cannot close w.ch
// between the check and the send.
func (w *Watcher) deliver(ev PoolEvent) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if w.closed {
		return
	}
	select {
	case w.ch <- ev:
	default:
		// Drop the oldest queued event to make room, matching a bounded
		// lossy queue rather than blocking the publisher.
		select {
		case <-w.ch:
		default:
		}
		select {
		case w.ch <- ev:
		default:
		}
		w.lagged = true
	}
}

// Bus is the event bus: a broadcast point for pool-wide condition and
// edge signals, an explicit pub/sub object so the pool doesn't need to
// know who, if anyone, is watching.
type Bus struct {
	mtx  sync.Mutex
	subs map[*Watcher]struct{}
}

// NewBus creates an empty Event Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Watcher]struct{})}
}

// Watch registers a new subscriber with the given channel buffer size.
func (b *Bus) Watch(bufSize uint) *Watcher {
	if bufSize == 0 {
		bufSize = 16
	}
	w := &Watcher{
		id:      uuid.NewString(),
		bus:     b,
		ch:      make(chan PoolEvent, bufSize),
		closeCh: make(chan struct{}),
	}
	b.mtx.Lock()
	b.subs[w] = struct{}{}
	b.mtx.Unlock()
	return w
}

func (b *Bus) unwatch(w *Watcher) {
	b.mtx.Lock()
	_, ok := b.subs[w]
	delete(b.subs, w)
	b.mtx.Unlock()
	if ok {
		w.mtx.Lock()
		if !w.closed {
			w.closed = true
			close(w.closeCh)
			close(w.ch)
		}
		w.mtx.Unlock()
	}
}

// Publish broadcasts ev to every current watcher, non-blockingly.
func (b *Bus) Publish(kind PoolEventKind, peer PeerID, point PointID) {
	ev := PoolEvent{ID: uuid.NewString(), Kind: kind, Peer: peer, Point: point, At: time.Now()}
	b.mtx.Lock()
	watchers := make([]*Watcher, 0, len(b.subs))
	for w := range b.subs {
		watchers = append(watchers, w)
	}
	b.mtx.Unlock()
	for _, w := range watchers {
		w.deliver(ev)
	}
	eventsLogger.WithFields(map[string]interface{}{"kind": kind, "peer": peer, "point": point}).Debug("published pool event")
}

// Close shuts down every active watcher. Used by Pool.Destroy().
func (b *Bus) Close() {
	b.mtx.Lock()
	watchers := make([]*Watcher, 0, len(b.subs))
	for w := range b.subs {
		watchers = append(watchers, w)
	}
	b.subs = make(map[*Watcher]struct{})
	b.mtx.Unlock()
	for _, w := range watchers {
		w.mtx.Lock()
		if !w.closed {
			w.closed = true
			close(w.closeCh)
			close(w.ch)
		}
		w.mtx.Unlock()
	}
}
