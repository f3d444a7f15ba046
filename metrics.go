package pool

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus bundles the pool's gauges and counters. Setup registers them
// at most once per Prometheus value; registration with the default
// registry is global, so Setup on a second value panics on the duplicate
// metric names.
type Prometheus struct {
	Connections prometheus.Gauge
	Connecting  prometheus.Gauge
	Incoming    prometheus.Gauge
	Outgoing    prometheus.Gauge

	KnownPoints prometheus.Gauge
	KnownPeers  prometheus.Gauge

	FramesSent     prometheus.Counter
	FramesReceived prometheus.Counter
	BytesSent      prometheus.Counter
	BytesReceived  prometheus.Counter

	once sync.Once
}

func (p *Prometheus) Setup() {
	p.once.Do(func() {
		ng := func(name, help string) prometheus.Gauge {
			g := prometheus.NewGauge(prometheus.GaugeOpts{
				Name: name,
				Help: help,
			})
			prometheus.MustRegister(g)
			return g
		}
		nc := func(name, help string) prometheus.Counter {
			c := prometheus.NewCounter(prometheus.CounterOpts{
				Name: name,
				Help: help,
			})
			prometheus.MustRegister(c)
			return c
		}
		p.Connections = ng("p2ppool_connections_online", "Number of established connections")
		p.Connecting = ng("p2ppool_connections_connecting", "Number of half-open inbound connections awaiting handshake")
		p.Incoming = ng("p2ppool_connections_incoming", "Number of established connections dialed by the remote side")
		p.Outgoing = ng("p2ppool_connections_outgoing", "Number of established connections dialed by this node")
		p.KnownPoints = ng("p2ppool_points_known", "Number of points in the known-set registry")
		p.KnownPeers = ng("p2ppool_peers_known", "Number of peer identities in the known-set registry")
		p.FramesSent = nc("p2ppool_frames_sent", "Total number of frames sent")
		p.FramesReceived = nc("p2ppool_frames_received", "Total number of frames received")
		p.BytesSent = nc("p2ppool_bytes_sent", "Total bytes written to transports")
		p.BytesReceived = nc("p2ppool_bytes_received", "Total bytes read from transports")
	})
}
