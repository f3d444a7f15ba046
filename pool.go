package pool

import (
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/chainkeep/p2ppool/util"
)

var poolLogger = packageLogger.WithField("subpack", "pool")

// Pool is the single authority over a node's outbound and inbound peer
// connections: it dials, authenticates, tracks, throttles, demotes, swaps
// and tears down connections, exposing typed message channels per
// connection to the higher layer.
type Pool struct {
	conf      Config
	codecs    *CodecRegistry
	transport Transport
	sched     Scheduler

	points *PointRegistry
	peers  *PeerRegistry
	bus    *Bus
	prom   *Prometheus
	dialer *util.Dialer
	swaps  *swapEngine

	connMtx sync.Mutex
	conns   map[string]*Connection

	halfOpen atomic.Int32

	cbMtx     sync.Mutex
	newConnCB func(*Connection)

	capMtx   sync.Mutex
	belowMin bool
	atMax    bool

	listener *LimitedListener

	stop        chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
	lastPersist time.Time
	prevTotals  Stat

	logger *log.Entry
}

// NewPool creates a pool handle: the persisted known-set is loaded,
// trusted entries are installed and pinned, and the swap engine is
// armed. No sockets are opened until Start.
func NewPool(conf Config, codecs *CodecRegistry, transport Transport, sched Scheduler) (*Pool, error) {
	if conf.Identity == nil {
		return nil, fmt.Errorf("pool: config requires an Identity")
	}
	if codecs == nil {
		codecs, _ = NewCodecRegistry()
	}
	if transport == nil {
		transport = NewPlainTransport(conf.BinaryChunksSize)
	}
	if sched == nil {
		sched = NewMeasureScheduler()
	}

	p := &Pool{
		conf:      conf,
		codecs:    codecs,
		transport: transport,
		sched:     sched,
		points:    NewPointRegistry(conf.KnownPointsHistorySize, conf.MaxKnownPoints),
		peers:     NewPeerRegistry(conf.KnownPeerIdsHistorySize, conf.MaxKnownPeerIds),
		bus:       NewBus(),
		conns:     make(map[string]*Connection),
		stop:      make(chan struct{}),
	}
	p.dialer = util.NewDialer(conf.BindIP, conf.RedialInterval, conf.ConnectionTimeout, conf.RedialAttempts)
	p.swaps = newSwapEngine(p)
	p.lastPersist = time.Now()
	p.logger = poolLogger.WithFields(log.Fields{
		"node": conf.NodeName,
		"port": conf.ListeningPort,
	})

	if err := p.loadKnownSet(); err != nil {
		p.logger.WithError(err).Warn("unable to load persisted known-set")
	}

	for _, addr := range conf.TrustedPoints {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			p.logger.WithField("address", addr).Warn("ignoring invalid trusted point")
			continue
		}
		id, err := NewPointID(host, port)
		if err != nil {
			p.logger.WithField("address", addr).Warn("ignoring invalid trusted point")
			continue
		}
		p.points.Restore(id, host, port, true, time.Time{})
	}

	if conf.EnablePrometheus {
		p.prom = new(Prometheus)
		p.prom.Setup()
	}

	p.logger.Debug("pool initialized")
	return p, nil
}

// Start opens the listener on the configured port and launches the accept
// and housekeeping loops. If ListeningPort is zero, an ephemeral port is
// bound and the configuration updated to advertise it.
func (p *Pool) Start() error {
	addr := net.JoinHostPort(p.conf.BindIP, strconv.Itoa(int(p.conf.ListeningPort)))
	ll, err := NewLimitedListener(addr, p.conf.ListenLimit)
	if err != nil {
		return fmt.Errorf("pool: opening listener: %w", err)
	}
	p.listener = ll
	if tcp, ok := ll.Addr().(*net.TCPAddr); ok && p.conf.ListeningPort == 0 {
		p.conf.ListeningPort = uint16(tcp.Port)
	}
	p.logger = p.logger.WithField("port", p.conf.ListeningPort)
	p.logger.Info("pool listening")

	p.wg.Add(2)
	go p.acceptLoop()
	go p.run()
	return nil
}

// ListenerAddr returns the bound listener address, or nil before Start.
func (p *Pool) ListenerAddr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Destroy signals shutdown, disconnects every connection waiting for its
// workers to exit, persists the known-set and returns once all loops have
// stopped. It always completes.
func (p *Pool) Destroy() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
	if p.listener != nil {
		p.listener.Close()
	}

	for _, c := range p.Connections() {
		p.disconnect(c, true)
	}

	p.wg.Wait()

	if err := p.writeKnownSet(); err != nil {
		p.logger.WithError(err).Warn("unable to persist known-set on shutdown")
	}
	p.bus.Close()
	p.logger.Info("pool destroyed")
}

// disconnect tears down c with a courtesy Disconnect frame ahead of the
// hard close.
func (p *Pool) disconnect(c *Connection, wait bool) {
	_ = c.RawWriteSync(EncodeFrame(TagDisconnect, nil))
	c.Disconnect(wait)
}

// DisconnectPoint closes the running connection at the given point, if
// any.
func (p *Pool) DisconnectPoint(id PointID, wait bool) {
	for _, c := range p.Connections() {
		if c.info.Point == id {
			p.disconnect(c, wait)
			return
		}
	}
}

// ActiveConnections is the current number of established connections.
func (p *Pool) ActiveConnections() int {
	p.connMtx.Lock()
	defer p.connMtx.Unlock()
	return len(p.conns)
}

// Connections returns a snapshot of the established connections.
func (p *Pool) Connections() []*Connection {
	p.connMtx.Lock()
	defer p.connMtx.Unlock()
	out := make([]*Connection, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, c)
	}
	return out
}

// PoolStat sums the scheduler's bandwidth counters over every connection
// this pool has carried.
func (p *Pool) PoolStat() Stat { return p.sched.Totals() }

// Points exposes the point known-set registry.
func (p *Pool) Points() *PointRegistry { return p.points }

// Peers exposes the peer known-set registry.
func (p *Pool) Peers() *PeerRegistry { return p.peers }

// OnNewConnection installs the single callback invoked after each
// successful registration.
func (p *Pool) OnNewConnection(cb func(*Connection)) {
	p.cbMtx.Lock()
	p.newConnCB = cb
	p.cbMtx.Unlock()
}

// Watch subscribes to the pool event stream. The stream is per-subscriber,
// buffered and lossy only on subscriber slowness.
func (p *Pool) Watch(bufSize uint) *Watcher {
	return p.bus.Watch(bufSize)
}

// Broadcast delivers a message to connected peers. A full broadcast sends
// to every connection; otherwise a random selection of Fanout connections
// is used.
func (p *Pool) Broadcast(tag Tag, payload []byte, full bool) {
	conns := p.Connections()
	if !full && uint(len(conns)) > p.conf.Fanout {
		rand.Shuffle(len(conns), func(i, j int) { conns[i], conns[j] = conns[j], conns[i] })
		conns = conns[:p.conf.Fanout]
	}
	for _, c := range conns {
		if err := c.Write(tag, payload); err != nil {
			p.logger.WithError(err).WithField("point", c.info.Point).Debug("broadcast write failed")
		}
	}
}

// SendSwapRequest asks a random connected neighbor to replace us with a
// fresher candidate from the known-set. See the swap engine.
func (p *Pool) SendSwapRequest() error { return p.swaps.sendRequest() }

func (p *Pool) isTrustedPoint(id PointID) bool {
	pi := p.points.Get(id)
	return pi != nil && pi.Trusted
}

// acceptLoop hands every raw connection from the limited listener to the
// inbound half of the handshake pipeline.
func (p *Pool) acceptLoop() {
	defer p.wg.Done()
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			select {
			case <-p.stop:
				return
			default:
			}
			if err == errRateLimited {
				continue
			}
			// listener failure outside shutdown is fatal for the loop
			p.logger.WithError(err).Warn("listener accept failed")
			return
		}
		if err := p.Accept(conn); err != nil {
			p.logger.WithError(err).WithField("remote", conn.RemoteAddr()).Debug("rejected inbound connection")
		}
	}
}

// Accept enqueues an inbound socket into the handshake pipeline. It
// returns immediately; if the half-open cap or the connection cap is
// already reached the socket is closed and dropped.
func (p *Pool) Accept(conn net.Conn) error {
	select {
	case <-p.stop:
		conn.Close()
		return ErrConnectionClosed
	default:
	}
	if p.ActiveConnections() >= int(p.conf.MaxConnections) {
		conn.Close()
		return ErrTooManyConnections
	}
	if p.halfOpen.Add(1) > int32(p.conf.MaxIncomingConnections) {
		p.halfOpen.Add(-1)
		conn.Close()
		return ErrTooManyConnections
	}
	if p.prom != nil {
		p.prom.Connecting.Set(float64(p.halfOpen.Load()))
	}
	p.wg.Add(1)
	go p.handleInbound(conn)
	return nil
}

// run is the once-a-second housekeeping loop: persistence, automatic
// swap rounds, and metrics gauges.
func (p *Pool) run() {
	defer p.wg.Done()
	for {
		p.runPersist()
		p.runSwap()
		p.runMetrics()

		select {
		case <-time.After(time.Second):
		case <-p.stop:
			return
		}
	}
}

func (p *Pool) runPersist() {
	if p.conf.PeersFile == "" || p.conf.PersistInterval == 0 {
		return
	}
	if time.Since(p.lastPersist) > p.conf.PersistInterval {
		p.lastPersist = time.Now()
		if err := p.writeKnownSet(); err != nil {
			p.logger.WithError(err).Warn("unable to persist known-set")
		}
	}
}

func (p *Pool) runSwap() {
	if p.conf.SwapLinger == 0 {
		return
	}
	if p.ActiveConnections() < int(p.conf.MinConnections) {
		return
	}
	if !p.swaps.roundDue() {
		return
	}
	if err := p.SendSwapRequest(); err != nil {
		p.logger.WithError(err).Debug("swap round skipped")
	}
}

func (p *Pool) runMetrics() {
	if p.prom == nil {
		return
	}
	conns := p.Connections()
	var in, out int
	for _, c := range conns {
		if c.info.Incoming {
			in++
		} else {
			out++
		}
	}
	p.prom.Connections.Set(float64(len(conns)))
	p.prom.Incoming.Set(float64(in))
	p.prom.Outgoing.Set(float64(out))
	p.prom.Connecting.Set(float64(p.halfOpen.Load()))
	p.prom.KnownPoints.Set(float64(p.points.Len()))
	p.prom.KnownPeers.Set(float64(p.peers.Len()))

	totals := p.sched.Totals()
	p.prom.FramesSent.Add(float64(totals.MessagesSent - p.prevTotals.MessagesSent))
	p.prom.FramesReceived.Add(float64(totals.MessagesReceived - p.prevTotals.MessagesReceived))
	p.prom.BytesSent.Add(float64(totals.BytesSent - p.prevTotals.BytesSent))
	p.prom.BytesReceived.Add(float64(totals.BytesReceived - p.prevTotals.BytesReceived))
	p.prevTotals = totals
}

// signalCapacity publishes too_few/too_many exactly once per boundary
// transition.
func (p *Pool) signalCapacity() {
	n := uint(p.ActiveConnections())
	p.capMtx.Lock()
	defer p.capMtx.Unlock()
	if n < p.conf.MinConnections {
		if !p.belowMin {
			p.belowMin = true
			p.bus.Publish(EventTooFewConnections, "", "")
		}
	} else {
		p.belowMin = false
	}
	if n >= p.conf.MaxConnections {
		if !p.atMax {
			p.atMax = true
			p.bus.Publish(EventTooManyConnections, "", "")
		}
	} else {
		p.atMax = false
	}
}

// sampleKnownPoints picks up to n known points to advertise, excluding the
// given point.
func (p *Pool) sampleKnownPoints(n uint, exclude PointID) []AdvertisedPoint {
	all := p.points.Iter()
	rand.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	var out []AdvertisedPoint
	for _, pt := range all {
		if pt.ID == exclude {
			continue
		}
		out = append(out, AdvertisedPoint{Host: pt.Host, Port: pt.Port})
		if uint(len(out)) >= n {
			break
		}
	}
	return out
}

// HandleBootstrap replies with an Advertise carrying a sample of the
// known-set, excluding the asker's own point.
func (p *Pool) HandleBootstrap(c *Connection) {
	adv := Advertise{Points: p.sampleKnownPoints(p.conf.AdvertiseAmount, c.info.Point)}
	payload, err := gobEncode(adv)
	if err != nil {
		p.logger.WithError(err).Error("unable to encode advertise payload")
		return
	}
	if err := c.Write(TagAdvertise, payload); err != nil {
		p.logger.WithError(err).WithField("point", c.info.Point).Debug("advertise reply failed")
	}
}

// HandleAdvertise merges advertised points into the known-set, bounded by
// GC. It never auto-connects; acting on the fresh entries is left to the
// caller's policy.
func (p *Pool) HandleAdvertise(c *Connection, adv Advertise) {
	added := 0
	for _, ap := range adv.Points {
		id, err := NewPointID(ap.Host, ap.Port)
		if err != nil {
			p.logger.WithField("point", c.info.Point).Debug("ignoring invalid advertised point")
			continue
		}
		p.points.GetOrCreate(id, ap.Host, ap.Port)
		added++
	}
	if added > 0 {
		p.points.GC()
	}
	p.logger.WithFields(log.Fields{"from": c.info.Point, "points": added}).Debug("merged advertised points")
}

// HandleSwapRequest and HandleSwapAck delegate to the swap engine.
func (p *Pool) HandleSwapRequest(c *Connection, req SwapRequest) { p.swaps.handleRequest(c, req) }
func (p *Pool) HandleSwapAck(c *Connection, ack SwapAck)         { p.swaps.handleAck(c, ack) }
