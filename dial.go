package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Connect dials, authenticates and registers an outbound connection to
// addr ("host:port"), using the configured ConnectionTimeout as the
// authentication budget.
func (p *Pool) Connect(addr string) error {
	return p.ConnectTimeout(addr, p.conf.ConnectionTimeout)
}

// ConnectTimeout is Connect with an explicit budget. The budget starts
// after the TCP dial, which is bounded separately by the dialer's
// ConnectionTimeout, and covers authentication; registration is not timed.
// On expiry authentication is cancelled and the point is left Disconnected.
func (p *Pool) ConnectTimeout(addr string, timeout time.Duration) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("pool: invalid point address %q: %w", addr, err)
	}
	id, err := NewPointID(host, port)
	if err != nil {
		return err
	}

	// phase 1: acquire slot
	if p.ActiveConnections() >= int(p.conf.MaxConnections) {
		return ErrTooManyConnections
	}
	if p.conf.ClosedNetwork && !p.isTrustedPoint(id) {
		return ErrRejected
	}
	if !p.points.AcquireInFlight(id) {
		return ErrPendingConnection
	}
	defer p.points.ReleaseInFlight(id)

	// phase 2: transition point to Requested
	if err := p.points.TransitionRequested(id, host, port); err != nil {
		return err
	}
	p.points.LogEvent(id, EventDialed, "")
	p.bus.Publish(EventConnDialed, "", id)

	// phase 3: socket setup, throttled per point
	if !p.dialer.CanDial(string(id)) {
		p.points.TransitionDisconnected(id)
		return wrap(ErrConnectionRefused, fmt.Errorf("redial throttled for %s", id))
	}
	conn, err := p.dialer.Dial(string(id))
	if err != nil {
		p.points.TransitionDisconnected(id)
		p.points.LogEvent(id, EventDisconnected, "dial failed")
		return wrap(ErrConnectionRefused, err)
	}

	// phase 4: authenticate, on its own smaller budget
	ctx, cancel := p.handshakeContext(timeout)
	authCtx, authCancel := context.WithTimeout(ctx, p.conf.AuthenticationTimeout)
	sess, auth, err := p.transport.Authenticate(authCtx, conn, p.conf.Identity, p.conf.ProofOfWorkTarget, p.conf.ListeningPort, p.conf.Versions, false)
	overallExpired := ctx.Err() != nil
	authExpired := authCtx.Err() != nil
	authCancel()
	cancel()
	if err != nil {
		conn.Close()
		p.points.TransitionDisconnected(id)
		p.points.LogEvent(id, EventDisconnected, "authentication failed")
		switch {
		case errors.Is(err, ErrMyself), errors.Is(err, ErrAuthenticationFailed), errors.Is(err, ErrNoCommonProtocol):
			return err
		case overallExpired:
			return ErrConnectionTimeout
		case authExpired:
			return ErrAuthenticationTimeout
		default:
			// the remote accepted the socket but never completed a
			// session; surfaced as a refusal
			return wrap(ErrConnectionRefused, err)
		}
	}
	p.dialer.Reset(string(id))

	// phases 5-6: register, spawn worker, fire events
	if _, err := p.register(sess, auth, id, host, port, false); err != nil {
		sess.Close()
		p.points.TransitionDisconnected(id)
		p.points.LogEvent(id, EventDisconnected, "registration failed")
		return err
	}
	return nil
}

// handshakeContext derives a deadline context that is additionally
// cancelled by pool shutdown, so Destroy aborts pending handshakes.
func (p *Pool) handshakeContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	go func() {
		select {
		case <-p.stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
