package pool

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/chainkeep/p2ppool/protocols"
)

// Transport is the boundary to the raw encrypted transport: frame-level
// crypto, chunking, and authenticated channel setup given a socket and a
// PoW target. The pool only depends on this interface; a production
// deployment supplies a real implementation (noise/TLS-backed, chunked,
// PoW-gated).
type Transport interface {
	// Authenticate runs the authentication phase over an
	// already-dialed-or-accepted net.Conn: nonce exchange, proof-of-work,
	// identity verification. incoming indicates which side of the
	// three-way exchange this call plays.
	Authenticate(ctx context.Context, conn net.Conn, local Identity, target uint8, listenPort uint16, versions []protocols.Version, incoming bool) (Session, AuthResult, error)
}

// AuthResult carries what the handshake pipeline needs to continue past
// authentication: the remote's identity, declared listening port, and the
// negotiated protocol version.
type AuthResult struct {
	RemotePeerID     PeerID
	RemoteListenPort uint16
	Version          protocols.Version
}

// Session is a live, authenticated, framed channel. ReadFrame/WriteFrame
// operate on whole frames (tag + payload); chunking above
// Config.BinaryChunksSize is the Session's responsibility.
type Session interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	Close() error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// plainTransport is a development/test Transport: it frames messages as
// length-prefixed chunks and performs the nonce/PoW/identity exchange in
// cleartext. No encryption is performed; it exists so the pool's state
// machines and control protocol can be exercised end to end without a
// real cryptographic transport implementation.
type plainTransport struct {
	chunkSize uint32
}

// NewPlainTransport returns a development Transport with the given
// maximum raw write chunk size.
func NewPlainTransport(chunkSize uint32) Transport {
	if chunkSize == 0 {
		chunkSize = 65536
	}
	return &plainTransport{chunkSize: chunkSize}
}

type handshakeWire struct {
	SessionID string
	PeerID    PeerID
	Port      uint16
	Challenge []byte
	Nonce     uint64
	Target    uint8
	Versions  []protocols.Version
}

func (t *plainTransport) Authenticate(ctx context.Context, conn net.Conn, local Identity, target uint8, listenPort uint16, versions []protocols.Version, incoming bool) (Session, AuthResult, error) {
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}
	defer conn.SetDeadline(time.Time{})

	// A cancelled context (pool shutdown) must unblock in-flight reads,
	// not just an expired deadline.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.SetDeadline(time.Now())
		case <-watchDone:
		}
	}()

	sess := &plainSession{conn: conn, r: bufio.NewReaderSize(conn, 32*1024), chunkSize: t.chunkSize}

	challenge := []byte(uuid.NewString())
	mine := handshakeWire{
		SessionID: uuid.NewString(),
		PeerID:    local.PeerID(),
		Port:      listenPort,
		Challenge: challenge,
		Target:    target,
		Versions:  versions,
	}

	// The side that dialed speaks first; this is arbitrary but must be
	// agreed on by both ends.
	var theirs handshakeWire
	var err error
	if incoming {
		theirs, err = sess.readHandshake()
		if err != nil {
			return nil, AuthResult{}, wrap(ErrConnectionClosed, err)
		}
		if err := sess.writeHandshake(mine); err != nil {
			return nil, AuthResult{}, wrap(ErrConnectionClosed, err)
		}
	} else {
		if err := sess.writeHandshake(mine); err != nil {
			return nil, AuthResult{}, wrap(ErrConnectionClosed, err)
		}
		theirs, err = sess.readHandshake()
		if err != nil {
			return nil, AuthResult{}, wrap(ErrConnectionClosed, err)
		}
	}

	if theirs.PeerID == local.PeerID() {
		return nil, AuthResult{}, ErrMyself
	}

	nonce := local.Solve(theirs.Challenge, theirs.Target)
	if err := sess.writeNonce(nonce); err != nil {
		return nil, AuthResult{}, wrap(ErrConnectionClosed, err)
	}
	theirNonce, err := sess.readNonce()
	if err != nil {
		return nil, AuthResult{}, wrap(ErrConnectionClosed, err)
	}
	if !local.CheckPoW(challenge, theirNonce, target) {
		return nil, AuthResult{}, ErrAuthenticationFailed
	}

	// The initiator's version list takes priority, so swap argument
	// order depending on who dialed.
	var negotiated protocols.Version
	if incoming {
		negotiated, err = protocols.Negotiate(theirs.Versions, versions)
	} else {
		negotiated, err = protocols.Negotiate(versions, theirs.Versions)
	}
	if err != nil {
		return nil, AuthResult{}, ErrNoCommonProtocol
	}

	return sess, AuthResult{RemotePeerID: theirs.PeerID, RemoteListenPort: theirs.Port, Version: negotiated}, nil
}

// plainSession implements Session over a length-prefixed stream.
type plainSession struct {
	conn      net.Conn
	r         *bufio.Reader
	chunkSize uint32
}

func (s *plainSession) writeHandshake(h handshakeWire) error {
	payload := encodeHandshake(h)
	return s.WriteFrame(payload)
}

func (s *plainSession) readHandshake() (handshakeWire, error) {
	frame, err := s.ReadFrame()
	if err != nil {
		return handshakeWire{}, err
	}
	return decodeHandshake(frame)
}

func (s *plainSession) writeNonce(n uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	return s.WriteFrame(buf[:])
}

func (s *plainSession) readNonce() (uint64, error) {
	frame, err := s.ReadFrame()
	if err != nil {
		return 0, err
	}
	if len(frame) != 8 {
		return 0, fmt.Errorf("pool: malformed nonce frame")
	}
	return binary.BigEndian.Uint64(frame), nil
}

func (s *plainSession) ReadFrame() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := fillBuf(s.r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > s.chunkSize*1024 { // generous multi-chunk cap; real limits are per-tag (codec.go)
		return nil, ErrDecodingError
	}
	buf := make([]byte, n)
	if _, err := fillBuf(s.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func fillBuf(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (s *plainSession) WriteFrame(frame []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))
	// writes are chunked at chunkSize
	if _, err := s.conn.Write(lenBuf[:]); err != nil {
		return err
	}
	for off := 0; off < len(frame); {
		end := off + int(s.chunkSize)
		if end > len(frame) {
			end = len(frame)
		}
		if _, err := s.conn.Write(frame[off:end]); err != nil {
			return err
		}
		off = end
	}
	return nil
}

func (s *plainSession) Close() error         { return s.conn.Close() }
func (s *plainSession) LocalAddr() net.Addr  { return s.conn.LocalAddr() }
func (s *plainSession) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// encodeHandshake/decodeHandshake use plain JSON: this struct belongs to
// the development Transport stub, not to the control-message wire
// protocol in codec.go.
func encodeHandshake(h handshakeWire) []byte {
	b, _ := json.Marshal(h)
	return b
}

func decodeHandshake(b []byte) (handshakeWire, error) {
	var h handshakeWire
	if err := json.Unmarshal(b, &h); err != nil {
		return handshakeWire{}, err
	}
	return h, nil
}
