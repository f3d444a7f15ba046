package pool

import (
	"sync"
	"sync/atomic"
)

// Scheduler is the boundary to the shared I/O scheduler: fair,
// bandwidth-accounted read/write over a file descriptor. The pool's only
// dependency on it is per-connection and pool-wide byte/message counters
// (Connection.Stat, Pool.PoolStat).
type Scheduler interface {
	// Account attaches a fresh per-connection accountant.
	Account() ConnAccountant
	// Totals sums every accountant's lifetime counters, for Pool.PoolStat.
	Totals() Stat
}

// ConnAccountant records bytes/messages moved by a single connection.
type ConnAccountant interface {
	RecordSent(bytes uint64)
	RecordReceived(bytes uint64)
	Stat() Stat
	Close()
}

// Stat is a point-in-time snapshot of bandwidth counters.
type Stat struct {
	BytesSent        uint64
	BytesReceived    uint64
	MessagesSent     uint64
	MessagesReceived uint64
}

// Add returns the element-wise sum of two Stats.
func (s Stat) Add(o Stat) Stat {
	return Stat{
		BytesSent:        s.BytesSent + o.BytesSent,
		BytesReceived:    s.BytesReceived + o.BytesReceived,
		MessagesSent:     s.MessagesSent + o.MessagesSent,
		MessagesReceived: s.MessagesReceived + o.MessagesReceived,
	}
}

// measureScheduler is a development Scheduler: it performs no bandwidth
// shaping, but keeps accurate per-connection and pool-wide counters.
type measureScheduler struct {
	mtx   sync.Mutex
	alive map[*measureAccountant]bool
	dead  Stat // counters retained from accountants that have Close()d
}

// NewMeasureScheduler returns a development Scheduler good enough to back
// PoolStat and per-connection Stat without a real bandwidth-fair I/O
// layer.
func NewMeasureScheduler() Scheduler {
	return &measureScheduler{alive: make(map[*measureAccountant]bool)}
}

func (s *measureScheduler) Account() ConnAccountant {
	a := &measureAccountant{parent: s}
	s.mtx.Lock()
	s.alive[a] = true
	s.mtx.Unlock()
	return a
}

func (s *measureScheduler) Totals() Stat {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	total := s.dead
	for a := range s.alive {
		total = total.Add(a.Stat())
	}
	return total
}

func (s *measureScheduler) retire(a *measureAccountant) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.alive[a] {
		delete(s.alive, a)
		s.dead = s.dead.Add(a.Stat())
	}
}

type measureAccountant struct {
	parent           *measureScheduler
	bytesSent        atomic.Uint64
	bytesReceived    atomic.Uint64
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
}

func (a *measureAccountant) RecordSent(n uint64) {
	a.bytesSent.Add(n)
	a.messagesSent.Add(1)
}

func (a *measureAccountant) RecordReceived(n uint64) {
	a.bytesReceived.Add(n)
	a.messagesReceived.Add(1)
}

func (a *measureAccountant) Stat() Stat {
	return Stat{
		BytesSent:        a.bytesSent.Load(),
		BytesReceived:    a.bytesReceived.Load(),
		MessagesSent:     a.messagesSent.Load(),
		MessagesReceived: a.messagesReceived.Load(),
	}
}

func (a *measureAccountant) Close() { a.parent.retire(a) }
