package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chunkrelay",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"device", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "chunkrelay",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"device", "method", "path", "status"},
	)
	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chunkrelay",
			Subsystem: "engine",
			Name:      "frames_total",
			Help:      "Inbound writes by decoded frame kind.",
		},
		[]string{"device", "kind"},
	)
	acksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chunkrelay",
			Subsystem: "engine",
			Name:      "acks_total",
			Help:      "Outbound acknowledgments by type and delivery result.",
		},
		[]string{"device", "ack", "delivered"},
	)
	errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chunkrelay",
			Subsystem: "engine",
			Name:      "errors_total",
			Help:      "Locally recovered errors by taxonomy kind.",
		},
		[]string{"device", "kind"},
	)
	activeSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "chunkrelay",
			Subsystem: "engine",
			Name:      "active_sessions",
			Help:      "In-flight reassembly sessions.",
		},
		[]string{"device"},
	)
	evictedSessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chunkrelay",
			Subsystem: "engine",
			Name:      "evicted_sessions_total",
			Help:      "Sessions dropped by idle eviction.",
		},
		[]string{"device"},
	)
	messageBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "chunkrelay",
			Subsystem: "engine",
			Name:      "reassembled_message_bytes",
			Help:      "Size of reassembled chunked messages.",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
		},
		[]string{"device"},
	)
	sinkWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chunkrelay",
			Subsystem: "sink",
			Name:      "writes_total",
			Help:      "Persistence sink writes by backend and result.",
		},
		[]string{"backend", "success"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			framesTotal, acksTotal, errorsTotal,
			activeSessions, evictedSessions, messageBytes,
			sinkWrites,
		)
	})
}

func RecordHTTPRequest(device, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(device, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(device, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordFrame(device, kind string) {
	RegisterMetrics()
	framesTotal.WithLabelValues(device, kind).Inc()
}

func RecordAck(device, ack string, delivered bool) {
	RegisterMetrics()
	acksTotal.WithLabelValues(device, ack, strconv.FormatBool(delivered)).Inc()
}

func RecordError(device, kind string) {
	RegisterMetrics()
	errorsTotal.WithLabelValues(device, kind).Inc()
}

func SetActiveSessions(device string, n int) {
	RegisterMetrics()
	activeSessions.WithLabelValues(device).Set(float64(n))
}

func RecordEvictions(device string, n int) {
	RegisterMetrics()
	evictedSessions.WithLabelValues(device).Add(float64(n))
}

func RecordMessageBytes(device string, n int) {
	RegisterMetrics()
	messageBytes.WithLabelValues(device).Observe(float64(n))
}

func RecordSinkWrite(backend string, success bool) {
	RegisterMetrics()
	sinkWrites.WithLabelValues(backend, strconv.FormatBool(success)).Inc()
}
