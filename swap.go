package pool

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

var swapLogger = packageLogger.WithField("subpack", "swap")

// swapEngine gracefully replaces connected peers with fresher ones
// recommended by neighbors. At most one swap happens per SwapLinger window
// on the responding side, and a given connection is asked to swap at most
// once per window on the initiating side.
type swapEngine struct {
	p *Pool

	mtx       sync.Mutex
	lastSwap  time.Time            // responder-side linger clock
	lastRound time.Time            // automatic round pacing
	lastSent  map[string]time.Time // per-connection initiator clock
}

func newSwapEngine(p *Pool) *swapEngine {
	return &swapEngine{
		p:         p,
		lastRound: time.Now(), // first automatic round a full linger after startup
		lastSent:  make(map[string]time.Time),
	}
}

// roundDue paces the automatic swap rounds run by the housekeeping loop.
func (s *swapEngine) roundDue() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if time.Since(s.lastRound) < s.p.conf.SwapLinger {
		return false
	}
	s.lastRound = time.Now()
	return true
}

// sendRequest picks a random running connection and a candidate
// (point, peer) from the known-set, and asks the connection's peer to
// connect to the candidate in our place.
func (s *swapEngine) sendRequest() error {
	conns := s.p.Connections()
	if len(conns) == 0 {
		return fmt.Errorf("swap: no running connections")
	}
	rand.Shuffle(len(conns), func(i, j int) { conns[i], conns[j] = conns[j], conns[i] })

	var target *Connection
	s.mtx.Lock()
	for _, c := range conns {
		if time.Since(s.lastSent[c.info.ID]) < s.p.conf.SwapLinger {
			continue
		}
		target = c
		s.lastSent[c.info.ID] = time.Now()
		break
	}
	s.mtx.Unlock()
	if target == nil {
		return fmt.Errorf("swap: every connection is inside its linger window")
	}

	cand := s.pickCandidate(target)
	if cand == nil {
		return fmt.Errorf("swap: no candidate available in the known-set")
	}

	payload, err := gobEncode(SwapRequest{Host: cand.Host, Port: cand.Port, Peer: cand.LastPeerID})
	if err != nil {
		return err
	}
	if err := target.Write(TagSwapRequest, payload); err != nil {
		return err
	}
	swapLogger.WithFields(log.Fields{
		"to":        target.info.Point,
		"candidate": cand.ID,
	}).Debug("sent swap request")
	return nil
}

// pickCandidate returns a known point to recommend: never the recipient's
// own point or identity. Points with a known last peer identity are
// preferred so the recipient can detect duplicates.
func (s *swapEngine) pickCandidate(target *Connection) *PointInfo {
	all := s.p.points.Iter()
	rand.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	var fallback *PointInfo
	for i := range all {
		pt := &all[i]
		if pt.ID == target.info.Point {
			continue
		}
		if pt.LastPeerID == "" {
			if fallback == nil {
				fallback = pt
			}
			continue
		}
		if pt.LastPeerID == target.info.PeerID {
			continue
		}
		return pt
	}
	return fallback
}

// handleRequest processes an incoming Swap_request: inside the linger
// window it is ignored; otherwise we try to connect to the recommended
// point and, given a spare connection above MinConnections, disconnect
// the least-recently active non-trusted victim, acknowledging it to the
// requester.
func (s *swapEngine) handleRequest(c *Connection, req SwapRequest) {
	conf := s.p.conf

	s.mtx.Lock()
	if time.Since(s.lastSwap) < conf.SwapLinger {
		s.mtx.Unlock()
		swapLogger.WithField("from", c.info.Point).Debug("ignoring swap request inside linger window")
		return
	}
	s.lastSwap = time.Now()
	s.mtx.Unlock()

	id, err := NewPointID(req.Host, req.Port)
	if err != nil {
		swapLogger.WithField("from", c.info.Point).Debug("ignoring swap request with invalid point")
		return
	}
	if req.Peer != "" && s.p.peers.IsRunning(req.Peer) {
		swapLogger.WithField("peer", req.Peer).Debug("ignoring swap request, candidate already connected")
		return
	}

	select {
	case <-s.p.stop:
		return
	default:
	}
	s.p.wg.Add(1)
	go func() {
		defer s.p.wg.Done()
		if err := s.p.Connect(net.JoinHostPort(req.Host, req.Port)); err != nil {
			swapLogger.WithError(err).WithField("point", id).Debug("swap connect failed")
			return
		}
		if s.p.ActiveConnections() <= int(conf.MinConnections) {
			// no spare connection to give up
			return
		}
		victim := s.pickVictim(id)
		if victim == nil {
			return
		}

		host, port, err := net.SplitHostPort(string(victim.info.Point))
		if err == nil {
			payload, err := gobEncode(SwapAck{Host: host, Port: port, Peer: victim.info.PeerID})
			if err == nil {
				// ack before the teardown: the victim may be the requester
				// connection itself
				if err := c.WriteSync(TagSwapAck, payload); err != nil {
					swapLogger.WithError(err).Debug("unable to acknowledge swap")
				}
			}
		}

		s.p.points.LogEvent(victim.info.Point, EventSwapped, "")
		s.p.peers.LogEvent(victim.info.PeerID, EventSwapped, "")
		swapLogger.WithFields(log.Fields{
			"fresh":  id,
			"victim": victim.info.Point,
		}).Info("swapped connection")
		s.p.disconnect(victim, false)
	}()
}

// pickVictim selects the least-recently active non-trusted connection,
// excluding the fresh connection at keep.
func (s *swapEngine) pickVictim(keep PointID) *Connection {
	var victim *Connection
	for _, c := range s.p.Connections() {
		if c.info.Point == keep {
			continue
		}
		if s.p.isTrustedPoint(c.info.Point) {
			continue
		}
		if victim == nil || c.LastActivity().Before(victim.LastActivity()) {
			victim = c
		}
	}
	return victim
}

// handleAck updates the linger clock and records the swap in the victim's
// history.
func (s *swapEngine) handleAck(c *Connection, ack SwapAck) {
	s.mtx.Lock()
	s.lastSwap = time.Now()
	s.mtx.Unlock()

	if id, err := NewPointID(ack.Host, ack.Port); err == nil {
		s.p.points.LogEvent(id, EventSwapped, "acknowledged")
	}
	if ack.Peer != "" {
		s.p.peers.LogEvent(ack.Peer, EventSwapped, "acknowledged")
	}
	swapLogger.WithFields(log.Fields{
		"from":   c.info.Point,
		"victim": net.JoinHostPort(ack.Host, ack.Port),
	}).Debug("swap acknowledged")
}
