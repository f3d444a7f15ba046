package pool

import (
	"time"

	"github.com/chainkeep/p2ppool/protocols"
)

// KnownSetBounds is a (upper, lower) GC threshold pair for a known-set
// registry. GC triggers once size exceeds Upper and evicts disconnected,
// untrusted entries oldest-first until only Lower of them remain; trusted
// and non-disconnected entries are not counted against Lower. A zero
// Upper on Config disables GC for that registry.
type KnownSetBounds struct {
	Upper uint
	Lower uint
}

// Config defines the behavior of the connection pool, as plain exported
// fields grouped by concern.
type Config struct {
	// === Identity & network policy ===

	// Identity is this node's keypair plus PoW stamp. See identity.go.
	Identity Identity
	// ProofOfWorkTarget is the minimum PoW difficulty accepted from peers
	// during authentication.
	ProofOfWorkTarget uint8
	// TrustedPoints are pinned, never-evicted bootstrap addresses.
	TrustedPoints []string
	// ClosedNetwork, if set, rejects any connection to or from a point not
	// present in TrustedPoints.
	ClosedNetwork bool
	// ListeningPort is advertised to peers during authentication.
	ListeningPort uint16
	// Versions is this node's ordered list of supported protocol
	// versions, newest first. The
	// negotiated version is the first entry of the dialing side's list
	// that the accepting side also lists; see protocols.Negotiate.
	Versions []protocols.Version

	// === Capacity ===

	// MinConnections/MaxConnections drive the too_few/too_many events and
	// admission control.
	MinConnections uint
	MaxConnections uint
	// MaxIncomingConnections bounds the number of half-open (accepted,
	// not-yet-authenticated) inbound connections.
	MaxIncomingConnections uint

	// === Timeouts ===

	// ConnectionTimeout bounds the outbound TCP dial and, as a separate
	// budget started after the dial, the authentication step of both
	// directions. Registration is not timed.
	ConnectionTimeout time.Duration
	// AuthenticationTimeout bounds the authentication phase alone.
	AuthenticationTimeout time.Duration

	// === Queues ===

	// IncomingAppMessageQueueSize bounds each connection's app-queue. Zero
	// gives an unbuffered app-queue (each message waits for Read); no
	// unbounded setting exists.
	IncomingAppMessageQueueSize uint
	// OutgoingMessageQueueSize bounds each connection's writer queue.
	// IncomingMessageQueueSize is part of the configuration surface only:
	// neither the pool nor the plain transport reads it.
	IncomingMessageQueueSize uint
	OutgoingMessageQueueSize uint

	// === Known-set bookkeeping ===

	// KnownPeerIdsHistorySize/KnownPointsHistorySize size the rolling
	// event log kept per registry entry.
	KnownPeerIdsHistorySize uint
	KnownPointsHistorySize  uint
	// MaxKnownPoints/MaxKnownPeerIds are the GC (upper, lower) thresholds.
	// A zero-value Upper disables GC for that registry.
	MaxKnownPoints  KnownSetBounds
	MaxKnownPeerIds KnownSetBounds

	// === Swap engine ===

	// SwapLinger is the minimum number of seconds between swaps, both for
	// the initiator (per-connection) and the responder (global clock).
	SwapLinger time.Duration

	// === Transport ===

	// BinaryChunksSize is the maximum raw chunk size per transport write.
	BinaryChunksSize uint32

	// === Persistence ===

	// PeersFile is the JSON persistence path. Empty disables persistence.
	PeersFile string
	// PersistInterval dictates how often the known-set is flushed to disk
	// while the pool is running, in addition to the mandatory flush on
	// destroy().
	PersistInterval time.Duration
	// MetaEncoding names the encoding used for the caller-supplied peer
	// metadata blob when persisting: "base64" or "hex".
	MetaEncoding string

	// === Ambient ===

	// NodeName is used only for logging context.
	NodeName string
	// BindIP is the local address the listener and outbound dials bind to.
	// Empty binds all interfaces.
	BindIP string
	// EnablePrometheus registers the pool's gauges and counters with the
	// default prometheus registry. Off by default so multiple pools can
	// coexist in one process (registration is global).
	EnablePrometheus bool
	// AdvertiseAmount caps how many known points are shared in a single
	// Advertise reply to a Bootstrap request.
	AdvertiseAmount uint
	// Fanout controls how many random peers a partial Broadcast selects.
	Fanout uint
	// ListenLimit is the per-source-IP cooldown enforced by the listener
	// before a repeat connection attempt is accepted.
	ListenLimit time.Duration
	// RedialInterval/RedialAttempts bound how aggressively the dial/swap
	// paths retry a point that has recently failed.
	RedialInterval time.Duration
	RedialAttempts uint
}

// DefaultConfig returns a Config with conservative base values. Callers
// are expected to override fields such as Identity, ListeningPort and
// TrustedPoints.
func DefaultConfig() Config {
	return Config{
		ProofOfWorkTarget:      0,
		ClosedNetwork:          false,
		ListeningPort:          8108,
		Versions:               protocols.Supported,
		MinConnections:         4,
		MaxConnections:         32,
		MaxIncomingConnections: 16,

		ConnectionTimeout:     10 * time.Second,
		AuthenticationTimeout: 5 * time.Second,

		IncomingAppMessageQueueSize: 1000,
		IncomingMessageQueueSize:    1000,
		OutgoingMessageQueueSize:    1000,

		KnownPeerIdsHistorySize: 50,
		KnownPointsHistorySize:  50,
		MaxKnownPoints:          KnownSetBounds{Upper: 2000, Lower: 1500},
		MaxKnownPeerIds:         KnownSetBounds{Upper: 2000, Lower: 1500},

		SwapLinger: 30 * time.Second,

		BinaryChunksSize: 65536,

		PersistInterval: 15 * time.Minute,
		MetaEncoding:    "base64",

		NodeName:        "node0",
		AdvertiseAmount: 16,
		Fanout:          8,
		ListenLimit:     time.Second,
		RedialInterval:  20 * time.Second,
		RedialAttempts:  5,
	}
}
