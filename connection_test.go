package pool

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

// chanSession is an in-memory Session for exercising a Connection without
// sockets.
type chanSession struct {
	in     chan []byte
	mtx    sync.Mutex
	wrote  [][]byte
	gate   chan struct{} // non-nil blocks WriteFrame until closed
	closed chan struct{}
	once   sync.Once
}

func newChanSession() *chanSession {
	return &chanSession{
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (s *chanSession) ReadFrame() ([]byte, error) {
	select {
	case b, ok := <-s.in:
		if !ok {
			return nil, io.EOF
		}
		return b, nil
	case <-s.closed:
		return nil, io.EOF
	}
}

func (s *chanSession) WriteFrame(frame []byte) error {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-s.closed:
			return io.ErrClosedPipe
		}
	}
	select {
	case <-s.closed:
		return io.ErrClosedPipe
	default:
	}
	s.mtx.Lock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	s.wrote = append(s.wrote, cp)
	s.mtx.Unlock()
	return nil
}

func (s *chanSession) writes() [][]byte {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	out := make([][]byte, len(s.wrote))
	copy(out, s.wrote)
	return out
}

func (s *chanSession) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *chanSession) LocalAddr() net.Addr  { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }
func (s *chanSession) RemoteAddr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }

type recordHandlers struct {
	bootstrap chan struct{}
	advertise chan Advertise
	swapReq   chan SwapRequest
	swapAck   chan SwapAck
}

func newRecordHandlers() *recordHandlers {
	return &recordHandlers{
		bootstrap: make(chan struct{}, 4),
		advertise: make(chan Advertise, 4),
		swapReq:   make(chan SwapRequest, 4),
		swapAck:   make(chan SwapAck, 4),
	}
}

func (h *recordHandlers) HandleBootstrap(c *Connection)                  { h.bootstrap <- struct{}{} }
func (h *recordHandlers) HandleAdvertise(c *Connection, adv Advertise)   { h.advertise <- adv }
func (h *recordHandlers) HandleSwapRequest(c *Connection, r SwapRequest) { h.swapReq <- r }
func (h *recordHandlers) HandleSwapAck(c *Connection, a SwapAck)         { h.swapAck <- a }

func newTestConnection(t *testing.T, sess *chanSession, appQ, outQ uint) (*Connection, *recordHandlers) {
	t.Helper()
	codecs, err := NewCodecRegistry(NewBytesCodec(0x10, 16))
	if err != nil {
		t.Fatal(err)
	}
	h := newRecordHandlers()
	info := ConnectionInfo{ID: "conn-test", Point: "10.0.0.1:8108", PeerID: "peer1"}
	c := newConnection(info, sess, NewMeasureScheduler().Account(), codecs, h, appQ, outQ)
	c.Start()
	t.Cleanup(func() { c.Disconnect(true) })
	return c, h
}

func waitDone(t *testing.T, c *Connection) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection did not tear down")
	}
}

func TestConnectionReadOrder(t *testing.T) {
	sess := newChanSession()
	c, _ := newTestConnection(t, sess, 8, 8)

	for _, payload := range []string{"a", "b", "c"} {
		sess.in <- EncodeFrame(0x10, []byte(payload))
	}
	for _, want := range []string{"a", "b", "c"} {
		msg, err := c.Read()
		if err != nil {
			t.Fatal(err)
		}
		if msg.Tag != 0x10 || string(msg.Msg.([]byte)) != want {
			t.Errorf("got %v %q, want %q", msg.Tag, msg.Msg, want)
		}
	}
}

func TestConnectionBackpressure(t *testing.T) {
	sess := newChanSession()
	c, _ := newTestConnection(t, sess, 1, 8)

	// more frames than the app-queue holds; the worker suspends rather
	// than dropping
	for _, payload := range []string{"a", "b", "c"} {
		sess.in <- EncodeFrame(0x10, []byte(payload))
	}

	deadline := time.Now().Add(time.Second)
	for !c.IsReadable() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !c.IsReadable() {
		t.Fatal("no message became readable")
	}

	for _, want := range []string{"a", "b", "c"} {
		msg, err := c.Read()
		if err != nil {
			t.Fatal(err)
		}
		if string(msg.Msg.([]byte)) != want {
			t.Errorf("order broken under backpressure: got %q want %q", msg.Msg, want)
		}
	}
}

func TestConnectionUnknownTagCloses(t *testing.T) {
	sess := newChanSession()
	c, _ := newTestConnection(t, sess, 8, 8)

	sess.in <- EncodeFrame(0x99, []byte("?"))
	waitDone(t, c)
	if !errors.Is(c.Cause(), ErrDecodingError) {
		t.Errorf("cause: %v", c.Cause())
	}
}

func TestConnectionOverlengthCloses(t *testing.T) {
	sess := newChanSession()
	c, _ := newTestConnection(t, sess, 8, 8)

	sess.in <- EncodeFrame(0x10, bytes.Repeat([]byte("x"), 17)) // max length is 16
	waitDone(t, c)
	if !errors.Is(c.Cause(), ErrDecodingError) {
		t.Errorf("cause: %v", c.Cause())
	}
}

func TestConnectionRemoteDisconnect(t *testing.T) {
	sess := newChanSession()
	c, _ := newTestConnection(t, sess, 8, 8)

	sess.in <- EncodeFrame(TagDisconnect, nil)
	waitDone(t, c)
	if c.Cause() != nil {
		t.Errorf("graceful close recorded a cause: %v", c.Cause())
	}
	if _, err := c.Read(); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("read after close: %v", err)
	}
}

func TestConnectionDrainAfterRemoteDisconnect(t *testing.T) {
	sess := newChanSession()
	c, _ := newTestConnection(t, sess, 8, 8)

	// messages queued immediately ahead of the close must still be
	// delivered, in order, before Read reports closed
	for _, payload := range []string{"a", "b", "c"} {
		sess.in <- EncodeFrame(0x10, []byte(payload))
	}
	sess.in <- EncodeFrame(TagDisconnect, nil)
	waitDone(t, c)

	for _, want := range []string{"a", "b", "c"} {
		msg, err := c.Read()
		if err != nil {
			t.Fatalf("message %q lost to the close: %v", want, err)
		}
		if string(msg.Msg.([]byte)) != want {
			t.Errorf("order broken across close: got %q want %q", msg.Msg, want)
		}
	}
	if _, err := c.Read(); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("read after drain: %v", err)
	}
}

func TestConnectionDrainAfterErrorClose(t *testing.T) {
	sess := newChanSession()
	c, _ := newTestConnection(t, sess, 8, 8)

	sess.in <- EncodeFrame(0x10, []byte("kept"))
	sess.in <- EncodeFrame(0x99, []byte("?")) // unknown tag kills the connection
	waitDone(t, c)

	msg, err := c.Read()
	if err != nil {
		t.Fatalf("queued message lost to the error close: %v", err)
	}
	if string(msg.Msg.([]byte)) != "kept" {
		t.Errorf("wrong message survived: %q", msg.Msg)
	}
	if _, err := c.Read(); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("read after drain: %v", err)
	}
	if !errors.Is(c.Cause(), ErrDecodingError) {
		t.Errorf("cause: %v", c.Cause())
	}
}

func TestConnectionOversizedControlCloses(t *testing.T) {
	sess := newChanSession()
	c, _ := newTestConnection(t, sess, 8, 8)

	sess.in <- EncodeFrame(TagAdvertise, bytes.Repeat([]byte("x"), maxControlLength+1))
	waitDone(t, c)
	if !errors.Is(c.Cause(), ErrDecodingError) {
		t.Errorf("cause: %v", c.Cause())
	}
}

func TestConnectionWrite(t *testing.T) {
	sess := newChanSession()
	c, _ := newTestConnection(t, sess, 8, 8)

	if err := c.WriteSync(0x10, []byte("hi")); err != nil {
		t.Fatal(err)
	}
	wrote := sess.writes()
	if len(wrote) != 1 {
		t.Fatalf("expected 1 frame written, got %d", len(wrote))
	}
	frame, err := DecodeFrame(wrote[0])
	if err != nil || frame.Tag != 0x10 || string(frame.Payload) != "hi" {
		t.Errorf("frame mangled: %v %+v", err, frame)
	}

	if err := c.WriteMessage(0x10, []byte("typed")); err != nil {
		t.Fatal(err)
	}
	if err := c.WriteMessage(0x42, []byte("x")); !errors.Is(err, ErrDecodingError) {
		t.Errorf("unregistered tag: %v", err)
	}
}

func TestConnectionWriteNowFailsFast(t *testing.T) {
	sess := newChanSession()
	sess.gate = make(chan struct{})
	c, _ := newTestConnection(t, sess, 8, 1)

	if !c.WriteNow(0x10, []byte("1")) {
		t.Fatal("first WriteNow failed")
	}
	// wait for the writer to pick up the first frame and block on the
	// gate, then fill the single queue slot
	deadline := time.Now().Add(time.Second)
	for !c.WriteNow(0x10, []byte("2")) {
		if time.Now().After(deadline) {
			t.Fatal("queue slot never freed")
		}
		time.Sleep(time.Millisecond)
	}
	if c.WriteNow(0x10, []byte("3")) {
		t.Error("WriteNow succeeded on a full queue")
	}
	close(sess.gate)
}

func TestConnectionDisconnectIdempotent(t *testing.T) {
	sess := newChanSession()
	c, _ := newTestConnection(t, sess, 8, 8)

	c.Disconnect(true)
	c.Disconnect(true)
	c.Disconnect(false)

	if err := c.Write(0x10, []byte("x")); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("write after disconnect: %v", err)
	}
}

func TestConnectionControlDispatch(t *testing.T) {
	sess := newChanSession()
	c, h := newTestConnection(t, sess, 8, 8)

	sess.in <- EncodeFrame(TagBootstrap, nil)
	select {
	case <-h.bootstrap:
	case <-time.After(time.Second):
		t.Fatal("bootstrap handler not invoked")
	}

	payload, err := gobEncode(Advertise{Points: []AdvertisedPoint{{Host: "10.0.0.9", Port: "1"}}})
	if err != nil {
		t.Fatal(err)
	}
	sess.in <- EncodeFrame(TagAdvertise, payload)
	select {
	case adv := <-h.advertise:
		if len(adv.Points) != 1 || adv.Points[0].Host != "10.0.0.9" {
			t.Errorf("advertise payload mangled: %+v", adv)
		}
	case <-time.After(time.Second):
		t.Fatal("advertise handler not invoked")
	}

	// control traffic never reaches the app-queue
	if c.IsReadable() {
		t.Error("control message leaked into the app-queue")
	}
}
