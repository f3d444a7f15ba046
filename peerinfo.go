package pool

import (
	"sort"
	"sync"
	"time"
)

var peerInfoLogger = packageLogger.WithField("subpack", "peerinfo")

// PeerState is the lifecycle state of a cryptographic identity. The
// "unknown" state is implicit: no entry in the registry.
type PeerState string

const (
	PeerUnknown      PeerState = "unknown"
	PeerRunning      PeerState = "running"
	PeerDisconnected PeerState = "disconnected"
)

// PeerID identifies a Peer by its cryptographic identity fingerprint.
type PeerID string

// PeerInfo is a Peer's attributes.
type PeerInfo struct {
	ID      PeerID
	Trusted bool

	// Score is derived from Metadata by the caller; the pool does not
	// interpret it beyond exposing it.
	Score int64
	// Metadata is an opaque, caller-supplied and caller-versioned blob
	// (e.g. application-level reputation data).
	Metadata []byte

	LastPoint PointID
	LastSeen  time.Time
	State     PeerState

	ConnectionID      string
	DisconnectedSince time.Time

	History *eventLog
}

func (pi *PeerInfo) snapshot() PeerInfo {
	cp := *pi
	return cp
}

// PeerRegistry is the known-set registry for Peers, plus the peer half of
// the state machine.
type PeerRegistry struct {
	mtx         sync.Mutex
	peers       map[PeerID]*PeerInfo
	historySize uint
	bounds      KnownSetBounds
	gcEnabled   bool
}

func NewPeerRegistry(historySize uint, bounds KnownSetBounds) *PeerRegistry {
	return &PeerRegistry{
		peers:       make(map[PeerID]*PeerInfo),
		historySize: historySize,
		bounds:      bounds,
		gcEnabled:   bounds.Upper > 0,
	}
}

func (r *PeerRegistry) getOrCreateLocked(id PeerID) *PeerInfo {
	if pi, ok := r.peers[id]; ok {
		return pi
	}
	pi := &PeerInfo{ID: id, State: PeerDisconnected, History: newEventLog(r.historySize)}
	r.peers[id] = pi
	return pi
}

func (r *PeerRegistry) GetOrCreate(id PeerID) *PeerInfo {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.getOrCreateLocked(id)
}

func (r *PeerRegistry) Get(id PeerID) *PeerInfo {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if pi, ok := r.peers[id]; ok {
		cp := pi.snapshot()
		return &cp
	}
	return nil
}

func (r *PeerRegistry) SetTrusted(id PeerID) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if pi, ok := r.peers[id]; ok {
		pi.Trusted = true
	}
}

func (r *PeerRegistry) UnsetTrusted(id PeerID) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if pi, ok := r.peers[id]; ok {
		pi.Trusted = false
	}
}

func (r *PeerRegistry) Iter() []PeerInfo {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	out := make([]PeerInfo, 0, len(r.peers))
	for _, pi := range r.peers {
		out = append(out, pi.snapshot())
	}
	return out
}

func (r *PeerRegistry) Len() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.peers)
}

func (r *PeerRegistry) LogEvent(id PeerID, kind EventKind, note string) {
	r.mtx.Lock()
	pi, ok := r.peers[id]
	r.mtx.Unlock()
	if ok {
		pi.History.append(kind, note)
	}
}

// SetMetadata replaces id's caller-supplied metadata blob and derived
// score, creating the entry if needed.
func (r *PeerRegistry) SetMetadata(id PeerID, score int64, metadata []byte) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	pi := r.getOrCreateLocked(id)
	pi.Score = score
	pi.Metadata = metadata
}

// Restore seeds an entry from persisted state. Called during pool startup
// before any connections exist.
func (r *PeerRegistry) Restore(id PeerID, trusted bool, lastSeen time.Time, metadata []byte) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	pi := r.getOrCreateLocked(id)
	pi.Trusted = pi.Trusted || trusted
	if lastSeen.After(pi.LastSeen) {
		pi.LastSeen = lastSeen
		pi.DisconnectedSince = lastSeen
	}
	if metadata != nil {
		pi.Metadata = metadata
	}
}

// IsRunning reports whether id currently has a Running connection. A peer
// id is Running in at most one connection at a time.
func (r *PeerRegistry) IsRunning(id PeerID) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	pi, ok := r.peers[id]
	return ok && pi.State == PeerRunning
}

// TransitionRunning moves id to Running{connection, point}. Returns
// ErrConnected if a connection for this peer id is already Running; the
// caller closes the second connection.
func (r *PeerRegistry) TransitionRunning(id PeerID, point PointID, connID string) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	pi := r.getOrCreateLocked(id)
	if pi.State == PeerRunning {
		return ErrConnected
	}
	pi.State = PeerRunning
	pi.LastPoint = point
	pi.LastSeen = time.Now()
	pi.ConnectionID = connID
	return nil
}

func (r *PeerRegistry) TransitionDisconnected(id PeerID) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	pi, ok := r.peers[id]
	if !ok {
		return
	}
	pi.State = PeerDisconnected
	pi.DisconnectedSince = time.Now()
	pi.LastSeen = pi.DisconnectedSince
	pi.ConnectionID = ""
}

// TransitionDisconnectedIf transitions id to Disconnected only while
// connID is still its registered connection.
func (r *PeerRegistry) TransitionDisconnectedIf(id PeerID, connID string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	pi, ok := r.peers[id]
	if !ok {
		return
	}
	if pi.State == PeerRunning && pi.ConnectionID != connID {
		return
	}
	pi.State = PeerDisconnected
	pi.DisconnectedSince = time.Now()
	pi.LastSeen = pi.DisconnectedSince
	pi.ConnectionID = ""
}

// GC evicts disconnected, untrusted entries oldest-first once the
// registry exceeds Upper, until Lower of them remain.
func (r *PeerRegistry) GC() []PeerID {
	if !r.gcEnabled {
		return nil
	}
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if uint(len(r.peers)) <= r.bounds.Upper {
		return nil
	}

	type candidate struct {
		id    PeerID
		since time.Time
	}
	var candidates []candidate
	for id, pi := range r.peers {
		if pi.Trusted || pi.State != PeerDisconnected {
			continue
		}
		candidates = append(candidates, candidate{id, pi.DisconnectedSince})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].since.Before(candidates[j].since) })

	var evicted []PeerID
	remaining := uint(len(candidates))
	for _, c := range candidates {
		if remaining <= r.bounds.Lower {
			break
		}
		delete(r.peers, c.id)
		evicted = append(evicted, c.id)
		remaining--
	}
	return evicted
}
