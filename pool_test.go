package pool

import (
	"errors"
	"testing"
	"time"
)

func newTestPool(t *testing.T, mod func(c *Config)) *Pool {
	t.Helper()
	cfg := DefaultConfig()
	ident, err := NewIdentity()
	if err != nil {
		t.Fatal(err)
	}
	cfg.Identity = ident
	cfg.BindIP = "127.0.0.1"
	cfg.ListeningPort = 0
	cfg.ListenLimit = 0
	cfg.PeersFile = ""
	cfg.ConnectionTimeout = 5 * time.Second
	cfg.AuthenticationTimeout = 3 * time.Second
	cfg.RedialInterval = 10 * time.Millisecond
	cfg.SwapLinger = time.Hour
	if mod != nil {
		mod(&cfg)
	}
	codecs, err := NewCodecRegistry(NewBytesCodec(0x10, 1<<16))
	if err != nil {
		t.Fatal(err)
	}
	p, err := NewPool(cfg, codecs, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(p.Destroy)
	return p
}

func poolAddr(p *Pool) string { return p.ListenerAddr().String() }

func waitActive(t *testing.T, p *Pool, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for p.ActiveConnections() != n {
		if time.Now().After(deadline) {
			t.Fatalf("pool never reached %d connections (have %d)", n, p.ActiveConnections())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readMessage(t *testing.T, c *Connection) AppMessage {
	t.Helper()
	type res struct {
		m   AppMessage
		err error
	}
	ch := make(chan res, 1)
	go func() {
		m, err := c.Read()
		ch <- res{m, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatal(r.err)
		}
		return r.m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return AppMessage{}
}

func waitEvent(t *testing.T, w *Watcher, kind PoolEventKind) PoolEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-w.Events():
			if !ok {
				t.Fatalf("watcher closed while waiting for %s", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func TestConnectAndExchange(t *testing.T) {
	x := newTestPool(t, func(c *Config) { c.MinConnections = 1; c.MaxConnections = 2 })
	y := newTestPool(t, func(c *Config) { c.MinConnections = 1; c.MaxConnections = 2 })

	if err := x.Connect(poolAddr(y)); err != nil {
		t.Fatal(err)
	}
	waitActive(t, x, 1)
	waitActive(t, y, 1)

	xc := x.Connections()[0]
	yc := y.Connections()[0]
	if xc.Info().Incoming || !yc.Info().Incoming {
		t.Error("connection direction flags wrong")
	}
	if xc.Info().PeerID == "" || xc.Info().Version == 0 {
		t.Errorf("incomplete connection info: %+v", xc.Info())
	}

	if err := xc.WriteMessage(0x10, []byte("hi")); err != nil {
		t.Fatal(err)
	}
	msg := readMessage(t, yc)
	if msg.Tag != 0x10 || string(msg.Msg.([]byte)) != "hi" {
		t.Errorf("message mangled: %v %q", msg.Tag, msg.Msg)
	}

	// both registries cross-reference the running connection
	if pi := x.Points().Get(xc.Info().Point); pi == nil || pi.State != PointRunning || pi.RunningPeerID != xc.Info().PeerID {
		t.Errorf("point registry out of sync: %+v", pi)
	}
	if pe := x.Peers().Get(xc.Info().PeerID); pe == nil || pe.State != PeerRunning {
		t.Errorf("peer registry out of sync: %+v", pe)
	}

	if x.PoolStat().BytesSent == 0 || y.PoolStat().BytesReceived == 0 {
		t.Error("scheduler counters not accounted")
	}
}

func TestConnectSelf(t *testing.T) {
	x := newTestPool(t, nil)
	if err := x.Connect(poolAddr(x)); !errors.Is(err, ErrMyself) {
		t.Errorf("self dial: %v", err)
	}
}

func TestConnectPending(t *testing.T) {
	x := newTestPool(t, func(c *Config) { c.MinConnections = 1 })
	y := newTestPool(t, func(c *Config) { c.MinConnections = 1 })

	if err := x.Connect(poolAddr(y)); err != nil {
		t.Fatal(err)
	}
	waitActive(t, x, 1)
	if err := x.Connect(poolAddr(y)); !errors.Is(err, ErrPendingConnection) {
		t.Errorf("dial to a running point: %v", err)
	}
}

func TestCapacityRejection(t *testing.T) {
	x := newTestPool(t, func(c *Config) { c.MinConnections = 1; c.MaxConnections = 1 })
	y := newTestPool(t, func(c *Config) { c.MinConnections = 1 })
	z := newTestPool(t, func(c *Config) { c.MinConnections = 1 })

	if err := x.Connect(poolAddr(y)); err != nil {
		t.Fatal(err)
	}
	waitActive(t, x, 1)

	// x is full: an outbound attempt is rejected locally...
	if err := x.Connect(poolAddr(z)); !errors.Is(err, ErrTooManyConnections) {
		t.Errorf("outbound over capacity: %v", err)
	}
	// ...and z's dial to x is refused
	if err := z.Connect(poolAddr(x)); !errors.Is(err, ErrConnectionRefused) {
		t.Errorf("inbound over capacity: %v", err)
	}
	waitActive(t, z, 0)
}

func TestClosedNetwork(t *testing.T) {
	y := newTestPool(t, func(c *Config) { c.MinConnections = 1 })
	z := newTestPool(t, func(c *Config) { c.MinConnections = 1 })
	x := newTestPool(t, func(c *Config) {
		c.MinConnections = 1
		c.ClosedNetwork = true
		c.TrustedPoints = []string{poolAddr(y)}
	})

	if err := x.Connect(poolAddr(z)); !errors.Is(err, ErrRejected) {
		t.Errorf("dial to non-trusted point: %v", err)
	}
	if err := x.Connect(poolAddr(y)); err != nil {
		t.Errorf("dial to trusted point: %v", err)
	}
	waitActive(t, x, 1)
}

func TestBootstrapAdvertise(t *testing.T) {
	x := newTestPool(t, func(c *Config) { c.MinConnections = 1 })
	y := newTestPool(t, func(c *Config) { c.MinConnections = 1 })

	// seed x with a point y doesn't know yet
	extra, err := NewPointID("10.99.0.1", "4444")
	if err != nil {
		t.Fatal(err)
	}
	x.Points().GetOrCreate(extra, "10.99.0.1", "4444")

	if err := x.Connect(poolAddr(y)); err != nil {
		t.Fatal(err)
	}
	waitActive(t, y, 1)
	yc := y.Connections()[0]

	if err := yc.Write(TagBootstrap, nil); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for y.Points().Get(extra) == nil {
		if time.Now().After(deadline) {
			t.Fatal("advertised point never reached y's known-set")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// the exchange stayed on the control plane
	xc := x.Connections()[0]
	if xc.IsReadable() || yc.IsReadable() {
		t.Error("control traffic leaked into an app-queue")
	}
}

func TestCapacitySignals(t *testing.T) {
	x := newTestPool(t, func(c *Config) { c.MinConnections = 1; c.MaxConnections = 1 })
	y := newTestPool(t, func(c *Config) { c.MinConnections = 1 })

	w := x.Watch(32)
	defer w.Close()

	if err := x.Connect(poolAddr(y)); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, w, EventNewPeer)
	waitEvent(t, w, EventNewConnection)
	waitEvent(t, w, EventTooManyConnections)

	point := x.Connections()[0].Info().Point
	x.DisconnectPoint(point, true)
	waitEvent(t, w, EventConnDisconnected)
	waitEvent(t, w, EventTooFewConnections)

	// the too_few edge fires once per transition, not continuously
	select {
	case ev := <-w.Events():
		if ev.Kind == EventTooFewConnections {
			t.Error("too_few signalled twice for one transition")
		}
	case <-time.After(200 * time.Millisecond):
	}
}

func TestOnNewConnection(t *testing.T) {
	x := newTestPool(t, func(c *Config) { c.MinConnections = 1 })
	y := newTestPool(t, func(c *Config) { c.MinConnections = 1 })

	got := make(chan *Connection, 1)
	x.OnNewConnection(func(c *Connection) { got <- c })

	if err := x.Connect(poolAddr(y)); err != nil {
		t.Fatal(err)
	}
	select {
	case c := <-got:
		if c.Info().Incoming {
			t.Error("callback saw wrong direction")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("new-connection callback never invoked")
	}
}

func TestBroadcast(t *testing.T) {
	x := newTestPool(t, func(c *Config) { c.MinConnections = 1; c.MaxConnections = 4 })
	y := newTestPool(t, func(c *Config) { c.MinConnections = 1 })
	z := newTestPool(t, func(c *Config) { c.MinConnections = 1 })

	if err := x.Connect(poolAddr(y)); err != nil {
		t.Fatal(err)
	}
	if err := x.Connect(poolAddr(z)); err != nil {
		t.Fatal(err)
	}
	waitActive(t, x, 2)
	waitActive(t, y, 1)
	waitActive(t, z, 1)

	x.Broadcast(0x10, []byte("fan"), true)
	for _, p := range []*Pool{y, z} {
		msg := readMessage(t, p.Connections()[0])
		if string(msg.Msg.([]byte)) != "fan" {
			t.Errorf("broadcast payload mangled: %q", msg.Msg)
		}
	}
}

func TestRemoteDisconnectTeardown(t *testing.T) {
	x := newTestPool(t, func(c *Config) { c.MinConnections = 1 })
	y := newTestPool(t, func(c *Config) { c.MinConnections = 1 })

	if err := x.Connect(poolAddr(y)); err != nil {
		t.Fatal(err)
	}
	waitActive(t, x, 1)
	waitActive(t, y, 1)

	point := x.Connections()[0].Info().Point
	x.DisconnectPoint(point, true)

	waitActive(t, x, 0)
	waitActive(t, y, 0)

	// both sides finalized their state machines
	if pi := x.Points().Get(point); pi == nil || pi.State != PointDisconnected {
		t.Errorf("x point state: %+v", pi)
	}
}

func TestDestroyCompletes(t *testing.T) {
	x := newTestPool(t, func(c *Config) { c.MinConnections = 1 })
	y := newTestPool(t, func(c *Config) { c.MinConnections = 1 })

	if err := x.Connect(poolAddr(y)); err != nil {
		t.Fatal(err)
	}
	waitActive(t, x, 1)

	done := make(chan struct{})
	go func() {
		x.Destroy()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("destroy did not complete")
	}
	if x.ActiveConnections() != 0 {
		t.Error("connections survived destroy")
	}
}
