package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Datagram kinds reported by RecordDatagram.
const (
	DatagramUnreliable = "unreliable"
	DatagramReliable   = "reliable"
	DatagramMissing    = "missing"
	DatagramReplay     = "replay"
)

var (
	registerOnce sync.Once

	sessionsOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "packetwire",
			Subsystem: "session",
			Name:      "opened_total",
			Help:      "Sessions opened, by transport.",
		},
		[]string{"transport"},
	)
	sessionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "packetwire",
			Subsystem: "session",
			Name:      "closed_total",
			Help:      "Sessions closed, by transport.",
		},
		[]string{"transport"},
	)
	sessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "packetwire",
			Subsystem: "session",
			Name:      "active",
			Help:      "Sessions currently connected, by transport.",
		},
		[]string{"transport"},
	)
	heartbeatTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "packetwire",
			Subsystem: "session",
			Name:      "heartbeat_timeouts_total",
			Help:      "Sessions disconnected for silence.",
		},
	)
	kicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "packetwire",
			Subsystem: "session",
			Name:      "kicks_total",
			Help:      "Kick notices sent to peers, by reason.",
		},
		[]string{"reason"},
	)
	datagrams = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "packetwire",
			Subsystem: "udp",
			Name:      "datagrams_sent_total",
			Help:      "UDP datagrams written, by header kind.",
		},
		[]string{"kind"},
	)
	retransmitRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "packetwire",
			Subsystem: "udp",
			Name:      "retransmit_requests_total",
			Help:      "Missing-packet requests issued after a sequence gap.",
		},
	)
	dispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "packetwire",
			Subsystem: "dispatch",
			Name:      "messages_total",
			Help:      "Messages dispatched to handlers, by message type and outcome.",
		},
		[]string{"message", "success"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "packetwire",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "packetwire",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			sessionsOpened, sessionsClosed, sessionsActive, heartbeatTimeouts, kicks,
			datagrams, retransmitRequests, dispatched, httpRequests, httpDuration,
		)
	})
}

func RecordSessionOpened(transport string) {
	RegisterMetrics()
	sessionsOpened.WithLabelValues(transport).Inc()
	sessionsActive.WithLabelValues(transport).Inc()
}

func RecordSessionClosed(transport string) {
	RegisterMetrics()
	sessionsClosed.WithLabelValues(transport).Inc()
	sessionsActive.WithLabelValues(transport).Dec()
}

func RecordHeartbeatTimeout() {
	RegisterMetrics()
	heartbeatTimeouts.Inc()
}

func RecordKick(reason string) {
	RegisterMetrics()
	kicks.WithLabelValues(reason).Inc()
}

func RecordDatagram(kind string) {
	RegisterMetrics()
	datagrams.WithLabelValues(kind).Inc()
}

func RecordRetransmitRequest() {
	RegisterMetrics()
	retransmitRequests.Inc()
}

func RecordDispatch(message string, success bool) {
	RegisterMetrics()
	dispatched.WithLabelValues(message, strconv.FormatBool(success)).Inc()
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}
