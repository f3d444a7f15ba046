package pool

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

var connLogger = packageLogger.WithField("subpack", "connection")

// ConnectionInfo is a Connection's immutable info record.
type ConnectionInfo struct {
	ID          string
	Point       PointID
	PeerID      PeerID
	Incoming    bool
	Version     uint16
	ListenPort  uint16
	LocalAddr   net.Addr
	RemoteAddr  net.Addr
	Established time.Time
}

// AppMessage is a decoded user message delivered to the higher layer via
// Connection.Read, carrying the tag it arrived on so a caller registered
// for multiple variants can dispatch.
type AppMessage struct {
	Tag Tag
	Msg interface{}
}

// ControlHandlers are the callbacks the control worker invokes for the
// reserved control tags. Pool implements this interface; Connection only
// depends on the interface so it stays testable in isolation.
type ControlHandlers interface {
	HandleBootstrap(c *Connection)
	HandleAdvertise(c *Connection, adv Advertise)
	HandleSwapRequest(c *Connection, req SwapRequest)
	HandleSwapAck(c *Connection, ack SwapAck)
}

// Connection wraps a transport Session with an app-queue, metadata, and a
// control worker. It is created post-handshake by the handshake pipeline
// and destroyed on error or explicit Disconnect.
type Connection struct {
	info       ConnectionInfo
	session    Session
	accountant ConnAccountant
	codecs     *CodecRegistry
	handlers   ControlHandlers

	appQueue chan AppMessage
	readMtx  sync.Mutex
	pending  *AppMessage // message peeked by IsReadable, consumed first by Read

	outgoing chan outgoingFrame
	writeMtx sync.Mutex

	closeOnce     sync.Once
	closed        chan struct{}
	workerDone    chan struct{}
	writerDone    chan struct{}
	disconnecting atomic.Bool

	closeErr    error
	closeErrMtx sync.Mutex

	lastActivity atomic.Int64 // unix nanos of the last frame in either direction

	logger *log.Entry
}

type outgoingFrame struct {
	raw  []byte
	done chan error // non-nil for WriteSync
}

// newConnection constructs a Connection. appQueueSize == 0 gives an
// unbuffered app-queue: the control worker hands each message over only
// when Read takes it, and no unbounded queue is provided. outgoingQueueSize == 0 is
// treated as 1 (at least a single slot so Write never deadlocks against
// its own writer goroutine).
func newConnection(info ConnectionInfo, session Session, accountant ConnAccountant, codecs *CodecRegistry, handlers ControlHandlers, appQueueSize, outgoingQueueSize uint) *Connection {
	c := &Connection{
		info:       info,
		session:    session,
		accountant: accountant,
		codecs:     codecs,
		handlers:   handlers,
		closed:     make(chan struct{}),
		workerDone: make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	if appQueueSize == 0 {
		c.appQueue = make(chan AppMessage)
	} else {
		c.appQueue = make(chan AppMessage, appQueueSize)
	}
	if outgoingQueueSize == 0 {
		outgoingQueueSize = 1
	}
	c.outgoing = make(chan outgoingFrame, outgoingQueueSize)
	c.lastActivity.Store(time.Now().UnixNano())
	c.logger = connLogger.WithFields(log.Fields{
		"point":    info.Point,
		"peer":     info.PeerID,
		"incoming": info.Incoming,
	})
	return c
}

// Start launches the control worker and the writer goroutine. Called once
// by the handshake pipeline after registration.
func (c *Connection) Start() {
	go c.writerLoop()
	go c.controlWorker()
}

// Info returns the Connection's immutable info record.
func (c *Connection) Info() ConnectionInfo { return c.info }

// Stat returns a snapshot of this connection's bandwidth counters.
func (c *Connection) Stat() Stat { return c.accountant.Stat() }

// LastActivity is the wall-clock of the last frame moved in either
// direction on this connection. The swap engine uses it to pick the
// least-recently active victim.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Done returns a channel that is closed once the connection has fully
// torn down (after a close cause, if any, has been recorded). The pool
// watches this to finalize the point/peer state machines.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// Read blocks for the next application message, returning
// ErrConnectionClosed once the connection has torn down and no more
// messages remain queued.
func (c *Connection) Read() (AppMessage, error) {
	c.readMtx.Lock()
	if c.pending != nil {
		m := *c.pending
		c.pending = nil
		c.readMtx.Unlock()
		return m, nil
	}
	c.readMtx.Unlock()

	select {
	case m, ok := <-c.appQueue:
		if !ok {
			return AppMessage{}, ErrConnectionClosed
		}
		return m, nil
	case <-c.closed:
		// The worker closes the app-queue when it exits, which is
		// guaranteed once c.closed is closed. Block on the queue so
		// every message it delivered before the close is still read
		// out in order; only then report closed.
		m, ok := <-c.appQueue
		if !ok {
			return AppMessage{}, ErrConnectionClosed
		}
		return m, nil
	}
}

// IsReadable reports whether a call to Read would return immediately
// with a message. Intended for the same single consumer that calls
// Read; a peeked message is held aside and consumed by the next Read.
func (c *Connection) IsReadable() bool {
	c.readMtx.Lock()
	defer c.readMtx.Unlock()
	if c.pending != nil {
		return true
	}
	select {
	case m, ok := <-c.appQueue:
		if !ok {
			return true // Read would return ErrConnectionClosed immediately
		}
		c.pending = &m
		return true
	default:
		return false
	}
}

// Write enqueues msg for sending, blocking if the outgoing queue is full.
// Returns ErrConnectionClosed if the connection is already disconnecting.
func (c *Connection) Write(tag Tag, payload []byte) error {
	if c.disconnecting.Load() {
		return ErrConnectionClosed
	}
	frame := EncodeFrame(tag, payload)
	select {
	case c.outgoing <- outgoingFrame{raw: frame}:
		return nil
	case <-c.closed:
		return ErrConnectionClosed
	}
}

// WriteMessage encodes msg with the codec registered for tag and enqueues
// the resulting frame.
func (c *Connection) WriteMessage(tag Tag, msg interface{}) error {
	codec, ok := c.codecs.lookup(tag)
	if !ok {
		return fmt.Errorf("%w: no codec registered for tag %#x", ErrDecodingError, tag)
	}
	payload, err := codec.Encode(msg)
	if err != nil {
		return err
	}
	return c.Write(tag, payload)
}

// WriteSync enqueues msg and blocks until the transport has actually
// written it (or errored).
func (c *Connection) WriteSync(tag Tag, payload []byte) error {
	if c.disconnecting.Load() {
		return ErrConnectionClosed
	}
	frame := EncodeFrame(tag, payload)
	done := make(chan error, 1)
	select {
	case c.outgoing <- outgoingFrame{raw: frame, done: done}:
	case <-c.closed:
		return ErrConnectionClosed
	}
	select {
	case err := <-done:
		return err
	case <-c.closed:
		return ErrConnectionClosed
	}
}

// WriteNow attempts a non-blocking enqueue, failing fast if the outgoing
// queue is full.
func (c *Connection) WriteNow(tag Tag, payload []byte) bool {
	if c.disconnecting.Load() {
		return false
	}
	frame := EncodeFrame(tag, payload)
	select {
	case c.outgoing <- outgoingFrame{raw: frame}:
		return true
	default:
		return false
	}
}

// RawWriteSync writes raw, unframed bytes directly to the transport and
// blocks until the write completes, bypassing tag/payload framing
// entirely. Used for out-of-band bytes such as a courtesy Disconnect
// sent ahead of a hard close.
func (c *Connection) RawWriteSync(raw []byte) error {
	c.writeMtx.Lock()
	defer c.writeMtx.Unlock()
	if err := c.session.WriteFrame(raw); err != nil {
		return wrap(ErrConnectionClosed, err)
	}
	c.accountant.RecordSent(uint64(len(raw)))
	return nil
}

// Disconnect tears the connection down. Idempotent: a second call is a
// no-op. If wait is true, it blocks until the control worker and writer
// goroutine have both exited.
func (c *Connection) Disconnect(wait bool) {
	c.closeOnce.Do(func() {
		c.disconnecting.Store(true)
		close(c.closed)
		c.session.Close()
	})
	if wait {
		<-c.workerDone
		<-c.writerDone
	}
}

// Cause returns the error that caused the connection to close, or nil if
// it was closed cleanly (remote Disconnect or local Disconnect call).
func (c *Connection) Cause() error {
	c.closeErrMtx.Lock()
	defer c.closeErrMtx.Unlock()
	return c.closeErr
}

func (c *Connection) closeWithCause(err error) {
	c.closeErrMtx.Lock()
	// once Disconnect has run, read/write errors are fallout of that close,
	// not its cause
	if c.closeErr == nil && !c.disconnecting.Load() {
		c.closeErr = err
	}
	c.closeErrMtx.Unlock()
	c.Disconnect(false)
}

func (c *Connection) writerLoop() {
	defer close(c.writerDone)
	for {
		select {
		case of := <-c.outgoing:
			c.writeMtx.Lock()
			err := c.session.WriteFrame(of.raw)
			c.writeMtx.Unlock()
			if err == nil {
				c.accountant.RecordSent(uint64(len(of.raw)))
				c.lastActivity.Store(time.Now().UnixNano())
			}
			if of.done != nil {
				of.done <- err
			}
			if err != nil {
				c.closeWithCause(wrap(ErrConnectionClosed, err))
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Connection) controlWorker() {
	defer close(c.workerDone)
	defer close(c.appQueue)
	for {
		raw, err := c.session.ReadFrame()
		if err != nil {
			c.closeWithCause(wrap(ErrConnectionClosed, err))
			return
		}
		c.accountant.RecordReceived(uint64(len(raw)))
		c.lastActivity.Store(time.Now().UnixNano())

		frame, err := DecodeFrame(raw)
		if err != nil {
			c.logger.WithError(err).Debug("decoding error, terminating connection")
			c.closeWithCause(ErrDecodingError)
			return
		}
		if frame.Tag < firstUserTag && len(frame.Payload) > maxControlLength {
			c.logger.WithField("tag", frame.Tag).Debug("oversized control frame, terminating connection")
			c.closeWithCause(ErrDecodingError)
			return
		}

		switch frame.Tag {
		case TagDisconnect:
			c.logger.Debug("received remote disconnect")
			c.closeWithCause(nil)
			return
		case TagBootstrap:
			c.handlers.HandleBootstrap(c)
		case TagAdvertise:
			var adv Advertise
			if err := gobDecode(frame.Payload, &adv); err != nil {
				c.closeWithCause(ErrDecodingError)
				return
			}
			c.handlers.HandleAdvertise(c, adv)
		case TagSwapRequest:
			var req SwapRequest
			if err := gobDecode(frame.Payload, &req); err != nil {
				c.closeWithCause(ErrDecodingError)
				return
			}
			c.handlers.HandleSwapRequest(c, req)
		case TagSwapAck:
			var ack SwapAck
			if err := gobDecode(frame.Payload, &ack); err != nil {
				c.closeWithCause(ErrDecodingError)
				return
			}
			c.handlers.HandleSwapAck(c, ack)
		default:
			if err := c.dispatchUserMessage(frame); err != nil {
				c.closeWithCause(err)
				return
			}
		}
	}
}

// dispatchUserMessage decodes a user-tagged frame and pushes it to the
// app-queue, blocking (applying backpressure to the control worker) when
// the queue is full.
func (c *Connection) dispatchUserMessage(frame Frame) error {
	codec, ok := c.codecs.lookup(frame.Tag)
	if !ok {
		return fmt.Errorf("%w: unknown tag %#x", ErrDecodingError, frame.Tag)
	}
	if uint32(len(frame.Payload)) > codec.MaxLength() {
		return fmt.Errorf("%w: payload exceeds max length for tag %#x", ErrDecodingError, frame.Tag)
	}
	msg, err := codec.Decode(frame.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecodingError, err)
	}

	select {
	case c.appQueue <- AppMessage{Tag: frame.Tag, Msg: msg}:
		return nil
	case <-c.closed:
		return ErrConnectionClosed
	}
}

func (c *Connection) String() string {
	return fmt.Sprintf("Connection{point=%s peer=%s incoming=%v}", c.info.Point, c.info.PeerID, c.info.Incoming)
}
