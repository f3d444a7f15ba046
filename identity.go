package pool

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/nacl/sign"
)

// Identity is the boundary to the identity/keypair module. The pool only
// ever calls through this interface during authentication; it never
// inspects key material directly.
type Identity interface {
	// PeerID is this node's long-lived identity fingerprint.
	PeerID() PeerID
	// Sign produces a signature over msg provable against PeerID().
	Sign(msg []byte) []byte
	// Verify checks a signature from the peer identified by id over msg.
	Verify(id PeerID, msg, sig []byte) bool
	// Solve produces a proof-of-work stamp over challenge that meets at
	// least target leading-zero-bits of difficulty.
	Solve(challenge []byte, target uint8) (nonce uint64)
	// CheckPoW verifies a proof-of-work stamp produced by Solve, run
	// against the claimant's own challenge/nonce.
	CheckPoW(challenge []byte, nonce uint64, target uint8) bool
}

// defaultIdentity is a development/test Identity backed by
// golang.org/x/crypto/nacl/sign (an ed25519-based NaCl box) for signing
// and golang.org/x/crypto/blake2b for the PoW hash. It is enough to drive
// the handshake pipeline end to end in tests and simple deployments; real
// deployments supply their own keypair module.
type defaultIdentity struct {
	id      PeerID
	pub     *[32]byte
	priv    *[64]byte
	knownID map[PeerID]*[32]byte
}

// NewIdentity generates a fresh keypair-backed Identity.
func NewIdentity() (Identity, error) {
	pub, priv, err := sign.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("pool: generating identity keypair: %w", err)
	}
	id := PeerID(fmt.Sprintf("%x", pub[:8]))
	return &defaultIdentity{
		id:      id,
		pub:     pub,
		priv:    priv,
		knownID: map[PeerID]*[32]byte{id: pub},
	}, nil
}

// Trust registers another node's public key so Verify can check its
// signatures. In a real deployment this would be learned during
// authentication's identity exchange rather than pre-shared.
func (d *defaultIdentity) Trust(id PeerID, pub *[32]byte) {
	d.knownID[id] = pub
}

func (d *defaultIdentity) PeerID() PeerID { return d.id }

func (d *defaultIdentity) Sign(msg []byte) []byte {
	return sign.Sign(nil, msg, d.priv)
}

func (d *defaultIdentity) Verify(id PeerID, msg, sig []byte) bool {
	pub, ok := d.knownID[id]
	if !ok {
		return false
	}
	opened, ok := sign.Open(nil, sig, pub)
	if !ok {
		return false
	}
	if len(opened) != len(msg) {
		return false
	}
	for i := range opened {
		if opened[i] != msg[i] {
			return false
		}
	}
	return true
}

// Solve brute-forces a nonce such that blake2b(challenge||nonce) has at
// least `target` leading zero bits.
func (d *defaultIdentity) Solve(challenge []byte, target uint8) uint64 {
	var nonce uint64
	for {
		if leadingZeroBits(powHash(challenge, nonce)) >= target {
			return nonce
		}
		nonce++
	}
}

func (d *defaultIdentity) CheckPoW(challenge []byte, nonce uint64, target uint8) bool {
	return leadingZeroBits(powHash(challenge, nonce)) >= target
}

func powHash(challenge []byte, nonce uint64) [32]byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)
	return blake2b.Sum256(append(append([]byte{}, challenge...), buf[:]...))
}

func leadingZeroBits(h [32]byte) uint8 {
	var n uint8
	for _, b := range h {
		if b == 0 {
			n += 8
			continue
		}
		for i := 7; i >= 0; i-- {
			if b&(1<<uint(i)) != 0 {
				return n
			}
			n++
		}
	}
	return n
}
