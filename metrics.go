package rudp

import "github.com/prometheus/client_golang/prometheus"

// metrics bundles the counters/gauges one Host reports. Each Host gets
// its own prometheus.Registry (rather than registering into the global
// DefaultRegisterer) so that running more than one Host in a process —
// routine in tests — never collides on metric names.
type metrics struct {
	registry *prometheus.Registry

	connectedPeers   prometheus.Gauge
	bandwidthLimited prometheus.Gauge
	datagramsSent    prometheus.Counter
	datagramsRecv    prometheus.Counter
	bytesSent        prometheus.Counter
	bytesRecv        prometheus.Counter
	events           *prometheus.CounterVec
	roundTripTime    prometheus.Gauge
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	m := &metrics{
		registry: reg,
		connectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rudp_connected_peers",
			Help: "Number of peers currently in the CONNECTED or DISCONNECT_LATER state.",
		}),
		bandwidthLimited: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rudp_bandwidth_limited_peers",
			Help: "Number of peers with a non-zero incoming bandwidth cap.",
		}),
		datagramsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rudp_datagrams_sent_total",
			Help: "Datagrams written to the socket.",
		}),
		datagramsRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rudp_datagrams_received_total",
			Help: "Datagrams read from the socket.",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rudp_bytes_sent_total",
			Help: "Bytes written to the socket, including protocol overhead.",
		}),
		bytesRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rudp_bytes_received_total",
			Help: "Bytes read from the socket, including protocol overhead.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rudp_events_total",
			Help: "Events surfaced to the application by type.",
		}, []string{"type"}),
		roundTripTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rudp_last_connect_round_trip_ms",
			Help: "Round trip time, in milliseconds, of the most recently acknowledged peer.",
		}),
	}
	reg.MustRegister(m.connectedPeers, m.bandwidthLimited, m.datagramsSent,
		m.datagramsRecv, m.bytesSent, m.bytesRecv, m.events, m.roundTripTime)
	return m
}

func (m *metrics) observeEvent(ev Event) {
	switch ev.Type {
	case EventConnect:
		m.events.WithLabelValues("connect").Inc()
	case EventDisconnect:
		m.events.WithLabelValues("disconnect").Inc()
	case EventReceive:
		m.events.WithLabelValues("receive").Inc()
	case EventReceiveAck:
		m.events.WithLabelValues("receive_ack").Inc()
		if ev.Peer != nil {
			m.roundTripTime.Set(float64(ev.Peer.net.Pod.RoundTripTime))
		}
	}
}

// Registry returns this Host's private prometheus registry, for callers
// that want to expose it via promhttp.HandlerFor alongside their own
// process metrics.
func (h *Host) Registry() *prometheus.Registry { return h.metrics.registry }
