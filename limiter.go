package pool

import (
	"errors"
	"net"
	"time"

	"github.com/chainkeep/p2ppool/util"
)

// errRateLimited marks a connection dropped by the listener's per-source
// cooldown before it reached the handshake pipeline.
var errRateLimited = errors.New("pool: connection rate limit exceeded")

// LimitedListener blocks repeat connection attempts from a single source
// address within a cooldown window. A limit of zero disables the check.
type LimitedListener struct {
	net.Listener
	filter *util.Filter
}

// NewLimitedListener listens on address with the given per-source cooldown.
func NewLimitedListener(address string, limit time.Duration) (*LimitedListener, error) {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	ll := &LimitedListener{Listener: l}
	if limit > 0 {
		ll.filter = util.NewFilter(limit, limit)
	}
	return ll, nil
}

// Accept accepts a connection unless another connection from that source
// address was accepted within the cooldown window; otherwise the
// connection is closed and errRateLimited returned. Rejected attempts do
// not restart the window.
func (ll *LimitedListener) Accept() (net.Conn, error) {
	con, err := ll.Listener.Accept()
	if err != nil {
		return nil, err
	}
	if ll.filter != nil {
		host, _, err := net.SplitHostPort(con.RemoteAddr().String())
		if err != nil {
			host = con.RemoteAddr().String()
		}
		if !ll.filter.Check(host) {
			con.Close()
			return nil, errRateLimited
		}
	}
	return con, nil
}

// Close stops the cooldown sweeper and closes the underlying listener.
func (ll *LimitedListener) Close() error {
	if ll.filter != nil {
		ll.filter.Stop()
	}
	return ll.Listener.Close()
}
