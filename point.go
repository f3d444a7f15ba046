package pool

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"
)

var pointLogger = packageLogger.WithField("subpack", "point")

// PointState is the lifecycle state of a network address.
type PointState string

const (
	PointUnknown      PointState = "unknown" // no entry in the registry
	PointRequested    PointState = "requested"
	PointAccepted     PointState = "accepted"
	PointRunning      PointState = "running"
	PointDisconnected PointState = "disconnected"
)

// PointID identifies a Point by its dialable "host:port" address.
type PointID string

// NewPointID builds a PointID from a host and a port, validating both.
func NewPointID(host, port string) (PointID, error) {
	if host == "" {
		return "", fmt.Errorf("pool: empty host")
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 1 || p > 65535 {
		return "", fmt.Errorf("pool: invalid port %q", port)
	}
	return PointID(net.JoinHostPort(host, port)), nil
}

// PointInfo is a Point's attributes. Cross-references to an active
// Connection and Peer are held as opaque ids, never pointers, so the
// registries remain the single owners (see design notes on cross-
// referenced state).
type PointInfo struct {
	ID      PointID
	Host    string
	Port    string
	Trusted bool

	LastSeen   time.Time
	LastPeerID PeerID

	State             PointState
	PendingPeerID     PeerID // set while Accepted
	ConnectionID      string // set while Running
	RunningPeerID     PeerID // set while Running
	DisconnectedSince time.Time

	History *eventLog
}

func (pi *PointInfo) snapshot() PointInfo {
	cp := *pi
	return cp
}

// PointRegistry is the known-set registry for Points plus the point half
// of the state machine. All mutation is serialized behind a single mutex;
// only the orchestrator mutates it.
type PointRegistry struct {
	mtx         sync.Mutex
	points      map[PointID]*PointInfo
	inFlight    map[PointID]bool
	historySize uint
	bounds      KnownSetBounds
	gcEnabled   bool
}

// NewPointRegistry creates an empty registry.
func NewPointRegistry(historySize uint, bounds KnownSetBounds) *PointRegistry {
	return &PointRegistry{
		points:      make(map[PointID]*PointInfo),
		inFlight:    make(map[PointID]bool),
		historySize: historySize,
		bounds:      bounds,
		gcEnabled:   bounds.Upper > 0,
	}
}

// GetOrCreate returns the existing entry for id, or creates one in
// PointUnknown-equivalent (absent-from-table) defaults.
func (r *PointRegistry) GetOrCreate(id PointID, host, port string) *PointInfo {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.getOrCreateLocked(id, host, port)
}

func (r *PointRegistry) getOrCreateLocked(id PointID, host, port string) *PointInfo {
	if pi, ok := r.points[id]; ok {
		return pi
	}
	pi := &PointInfo{
		ID:      id,
		Host:    host,
		Port:    port,
		State:   PointDisconnected,
		History: newEventLog(r.historySize),
	}
	r.points[id] = pi
	return pi
}

// Get returns the entry for id, or nil.
func (r *PointRegistry) Get(id PointID) *PointInfo {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if pi, ok := r.points[id]; ok {
		cp := pi.snapshot()
		return &cp
	}
	return nil
}

func (r *PointRegistry) SetTrusted(id PointID) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if pi, ok := r.points[id]; ok {
		pi.Trusted = true
	}
}

func (r *PointRegistry) UnsetTrusted(id PointID) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if pi, ok := r.points[id]; ok {
		pi.Trusted = false
	}
}

// Iter returns a snapshot slice of all entries, for read-only iteration.
func (r *PointRegistry) Iter() []PointInfo {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	out := make([]PointInfo, 0, len(r.points))
	for _, pi := range r.points {
		out = append(out, pi.snapshot())
	}
	return out
}

func (r *PointRegistry) Len() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.points)
}

// LogEvent appends an entry to id's rolling history.
func (r *PointRegistry) LogEvent(id PointID, kind EventKind, note string) {
	r.mtx.Lock()
	pi, ok := r.points[id]
	r.mtx.Unlock()
	if ok {
		pi.History.append(kind, note)
	}
}

// Restore seeds an entry from persisted state. Called during pool startup
// before any connections exist.
func (r *PointRegistry) Restore(id PointID, host, port string, trusted bool, lastSeen time.Time) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	pi := r.getOrCreateLocked(id, host, port)
	pi.Trusted = pi.Trusted || trusted
	if lastSeen.After(pi.LastSeen) {
		pi.LastSeen = lastSeen
		pi.DisconnectedSince = lastSeen
	}
}

// AcquireInFlight allows at most one in-flight dial or accept per point.
// Returns false if one is already in progress.
func (r *PointRegistry) AcquireInFlight(id PointID) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.inFlight[id] {
		return false
	}
	r.inFlight[id] = true
	return true
}

// ReleaseInFlight clears the in-flight marker for id.
func (r *PointRegistry) ReleaseInFlight(id PointID) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	delete(r.inFlight, id)
}

// TransitionRequested moves id to Requested on an outbound connect
// request. Fails if the point is already in a non-Disconnected state.
func (r *PointRegistry) TransitionRequested(id PointID, host, port string) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	pi := r.getOrCreateLocked(id, host, port)
	if pi.State != PointDisconnected && pi.State != PointUnknown {
		return ErrPendingConnection
	}
	pi.State = PointRequested
	return nil
}

// TransitionAccepted moves id to Accepted{peerID} on inbound authenticate
// success. Valid from Disconnected or absent.
func (r *PointRegistry) TransitionAccepted(id PointID, host, port string, peerID PeerID) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	pi := r.getOrCreateLocked(id, host, port)
	if pi.State != PointDisconnected && pi.State != PointUnknown {
		return ErrPendingConnection
	}
	pi.State = PointAccepted
	pi.PendingPeerID = peerID
	return nil
}

// TransitionRunning moves id from Requested|Accepted to Running on
// handshake completion and registration.
func (r *PointRegistry) TransitionRunning(id PointID, peerID PeerID, connID string) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	pi, ok := r.points[id]
	if !ok {
		return fmt.Errorf("pool: unknown point %s", id)
	}
	if pi.State != PointRequested && pi.State != PointAccepted {
		return fmt.Errorf("pool: point %s not in a pending state (got %s)", id, pi.State)
	}
	pi.State = PointRunning
	pi.RunningPeerID = peerID
	pi.LastPeerID = peerID
	pi.ConnectionID = connID
	pi.LastSeen = time.Now()
	pi.PendingPeerID = ""
	return nil
}

// TransitionDisconnected moves id to Disconnected{now} from any state, on
// failure or close.
func (r *PointRegistry) TransitionDisconnected(id PointID) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	pi, ok := r.points[id]
	if !ok {
		return
	}
	pi.State = PointDisconnected
	pi.DisconnectedSince = time.Now()
	pi.ConnectionID = ""
	pi.PendingPeerID = ""
	pi.RunningPeerID = ""
}

// TransitionDisconnectedIf transitions id to Disconnected only while
// connID is still its registered connection, guarding finalization
// against a newer connection having already taken over the point.
func (r *PointRegistry) TransitionDisconnectedIf(id PointID, connID string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	pi, ok := r.points[id]
	if !ok {
		return
	}
	if pi.State == PointRunning && pi.ConnectionID != connID {
		return
	}
	pi.State = PointDisconnected
	pi.DisconnectedSince = time.Now()
	pi.ConnectionID = ""
	pi.PendingPeerID = ""
	pi.RunningPeerID = ""
}

// GC evicts disconnected, untrusted entries oldest-first once the
// registry exceeds Upper, until Lower of them remain. Trusted points are
// never evicted. Returns the ids evicted.
func (r *PointRegistry) GC() []PointID {
	if !r.gcEnabled {
		return nil
	}
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if uint(len(r.points)) <= r.bounds.Upper {
		return nil
	}

	type candidate struct {
		id    PointID
		since time.Time
	}
	var candidates []candidate
	for id, pi := range r.points {
		if pi.Trusted || pi.State != PointDisconnected {
			continue
		}
		candidates = append(candidates, candidate{id, pi.DisconnectedSince})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].since.Before(candidates[j].since) })

	// evict oldest-first until the evictable population is down to Lower;
	// trusted and non-disconnected entries sit outside the budget
	var evicted []PointID
	remaining := uint(len(candidates))
	for _, c := range candidates {
		if remaining <= r.bounds.Lower {
			break
		}
		delete(r.points, c.id)
		delete(r.inFlight, c.id)
		evicted = append(evicted, c.id)
		remaining--
	}
	return evicted
}
