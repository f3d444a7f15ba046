package pool

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

var handshakeLogger = packageLogger.WithField("subpack", "handshake")

// handleInbound runs the inbound half of the handshake pipeline for a
// socket taken off the listener: authenticate, admission checks, point
// transition, registration. Failures close the socket and leave no state
// behind beyond the point's history.
func (p *Pool) handleInbound(conn net.Conn) {
	defer p.wg.Done()
	defer p.halfOpen.Add(-1)

	logger := handshakeLogger.WithField("remote", conn.RemoteAddr().String())

	ctx, cancel := p.handshakeContext(p.conf.ConnectionTimeout)
	authCtx, authCancel := context.WithTimeout(ctx, p.conf.AuthenticationTimeout)
	sess, auth, err := p.transport.Authenticate(authCtx, conn, p.conf.Identity, p.conf.ProofOfWorkTarget, p.conf.ListeningPort, p.conf.Versions, true)
	authCancel()
	cancel()
	if err != nil {
		conn.Close()
		logger.WithError(err).Debug("inbound authentication failed")
		return
	}

	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		sess.Close()
		return
	}
	portStr := strconv.Itoa(int(auth.RemoteListenPort))
	id, err := NewPointID(host, portStr)
	if err != nil {
		sess.Close()
		logger.WithError(err).Debug("inbound peer declared an invalid listening port")
		return
	}
	logger = logger.WithFields(log.Fields{"point": id, "peer": auth.RemotePeerID})

	if p.conf.ClosedNetwork && !p.isTrustedPoint(id) {
		p.points.LogEvent(id, EventRejected, "closed network")
		sess.Close()
		logger.Info("rejected non-trusted point in closed network")
		return
	}

	if !p.points.AcquireInFlight(id) {
		// lost the tie-break against an in-flight dial to the same point
		sess.Close()
		logger.Debug("dropping inbound connection, point already in flight")
		return
	}
	defer p.points.ReleaseInFlight(id)

	if err := p.points.TransitionAccepted(id, host, portStr, auth.RemotePeerID); err != nil {
		sess.Close()
		logger.WithError(err).Debug("dropping inbound connection, point not acceptable")
		return
	}
	p.points.LogEvent(id, EventAccepted, "")
	p.bus.Publish(EventConnAccepted, auth.RemotePeerID, id)

	if _, err := p.register(sess, auth, id, host, portStr, true); err != nil {
		if errors.Is(err, ErrTooManyConnections) {
			// refusal hint: give the dialer somewhere else to try
			if adv := p.sampleKnownPoints(p.conf.AdvertiseAmount, id); len(adv) > 0 {
				if payload, encErr := gobEncode(Advertise{Points: adv}); encErr == nil {
					sess.WriteFrame(EncodeFrame(TagAdvertise, payload))
				}
			}
		}
		sess.WriteFrame(EncodeFrame(TagDisconnect, nil))
		sess.Close()
		p.points.TransitionDisconnected(id)
		logger.WithError(err).Debug("inbound registration failed")
		return
	}
}

// register is phases 5-6 of the pipeline, shared by both directions:
// re-check capacity under the connection lock, transition both state
// machines, cross-link, build the Connection, spawn its worker and fire
// events. On error no state is left behind; the caller reverts the point.
func (p *Pool) register(sess Session, auth AuthResult, id PointID, host, port string, incoming bool) (*Connection, error) {
	p.connMtx.Lock()
	select {
	case <-p.stop:
		p.connMtx.Unlock()
		return nil, ErrConnectionClosed
	default:
	}
	if uint(len(p.conns)) >= p.conf.MaxConnections {
		p.connMtx.Unlock()
		return nil, ErrTooManyConnections
	}

	connID := uuid.NewString()
	newPeer := p.peers.Get(auth.RemotePeerID) == nil
	if err := p.peers.TransitionRunning(auth.RemotePeerID, id, connID); err != nil {
		p.connMtx.Unlock()
		return nil, err
	}
	if err := p.points.TransitionRunning(id, auth.RemotePeerID, connID); err != nil {
		p.peers.TransitionDisconnectedIf(auth.RemotePeerID, connID)
		p.connMtx.Unlock()
		return nil, wrap(ErrConnected, err)
	}

	info := ConnectionInfo{
		ID:          connID,
		Point:       id,
		PeerID:      auth.RemotePeerID,
		Incoming:    incoming,
		Version:     uint16(auth.Version),
		ListenPort:  auth.RemoteListenPort,
		LocalAddr:   sess.LocalAddr(),
		RemoteAddr:  sess.RemoteAddr(),
		Established: time.Now(),
	}
	c := newConnection(info, sess, p.sched.Account(), p.codecs, p, p.conf.IncomingAppMessageQueueSize, p.conf.OutgoingMessageQueueSize)
	p.conns[connID] = c
	p.wg.Add(1)
	p.connMtx.Unlock()

	c.Start()
	go p.reap(c)

	p.points.LogEvent(id, EventRunning, "")
	p.peers.LogEvent(auth.RemotePeerID, EventRunning, string(id))
	if newPeer {
		p.bus.Publish(EventNewPeer, auth.RemotePeerID, id)
	}
	p.bus.Publish(EventNewConnection, auth.RemotePeerID, id)

	p.cbMtx.Lock()
	cb := p.newConnCB
	p.cbMtx.Unlock()
	if cb != nil {
		cb(c)
	}

	p.points.GC()
	p.peers.GC()
	p.signalCapacity()

	handshakeLogger.WithFields(log.Fields{
		"point":    id,
		"peer":     auth.RemotePeerID,
		"incoming": incoming,
		"version":  auth.Version,
	}).Info("connection established")
	return c, nil
}

// reap finalizes a connection once it tears down: both state machines are
// updated atomically with respect to the registries, events fired, GC and
// capacity re-evaluated.
func (p *Pool) reap(c *Connection) {
	defer p.wg.Done()
	<-c.Done()
	c.Disconnect(true)
	c.accountant.Close()

	p.connMtx.Lock()
	delete(p.conns, c.info.ID)
	p.connMtx.Unlock()

	p.points.TransitionDisconnectedIf(c.info.Point, c.info.ID)
	p.peers.TransitionDisconnectedIf(c.info.PeerID, c.info.ID)

	cause := ""
	if err := c.Cause(); err != nil {
		cause = err.Error()
	}
	p.points.LogEvent(c.info.Point, EventDisconnected, cause)
	p.peers.LogEvent(c.info.PeerID, EventDisconnected, cause)
	p.bus.Publish(EventConnDisconnected, c.info.PeerID, c.info.Point)

	p.points.GC()
	p.peers.GC()
	p.signalCapacity()

	c.logger.WithField("cause", cause).Info("connection torn down")
}
