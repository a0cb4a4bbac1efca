// Package observability wires Prometheus metrics and a container-aware CPU
// sampler around the broker core. Grounded on the teacher's metrics.go
// (same counter/gauge/histogram shapes, renamed from the ws_* connection
// fanout domain to the smq_* broker domain) and on its cgroup.go /
// internal/single/platform CPU sampling.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects every counter, gauge and histogram the broker exposes on
// /metrics. BytesSent, BytesReceived, StorageCorrupt and WorkerQueueDepth
// are registered, but nothing in the broker updates them, so they always
// read zero.
type Metrics struct {
	ConnectionsTotal  prometheus.Counter
	ConnectionsActive prometheus.Gauge
	ConnectionsFailed prometheus.Counter

	DisconnectsTotal    *prometheus.CounterVec
	ConnectionDuration  *prometheus.HistogramVec

	MessagesSent     prometheus.Counter
	MessagesReceived prometheus.Counter
	BytesSent        prometheus.Counter
	BytesReceived    prometheus.Counter

	SlowConsumerDrops prometheus.Counter
	RateLimitedFrames prometheus.Counter

	StorageInserts prometheus.Counter
	StorageFull    prometheus.Counter
	StorageCorrupt prometheus.Counter

	WorkerQueueDepth prometheus.Gauge

	CPUUsagePercent prometheus.Gauge
}

// NewMetrics constructs and registers every metric against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smq_connections_total",
			Help: "Total number of connections accepted.",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smq_connections_active",
			Help: "Current number of connections in CONNECTED state.",
		}),
		ConnectionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smq_connections_failed_total",
			Help: "Total number of connections that failed the CONNECT handshake.",
		}),
		DisconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smq_disconnects_total",
			Help: "Total disconnections by reason and who initiated them.",
		}, []string{"reason", "initiated_by"}),
		ConnectionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "smq_connection_duration_seconds",
			Help:    "Connection lifetime before disconnect.",
			Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		}, []string{"reason"}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smq_messages_sent_total",
			Help: "Total number of frames written to connections.",
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smq_messages_received_total",
			Help: "Total number of frames decoded from connections.",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smq_bytes_sent_total",
			Help: "Total number of bytes written to connections.",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smq_bytes_received_total",
			Help: "Total number of bytes read from connections.",
		}),
		SlowConsumerDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smq_slow_consumer_drops_total",
			Help: "Total number of messages dropped from send queues above high-water.",
		}),
		RateLimitedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smq_rate_limited_frames_total",
			Help: "Total number of inbound frames rejected by per-connection rate limiting.",
		}),
		StorageInserts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smq_storage_inserts_total",
			Help: "Total number of successful storage engine inserts.",
		}),
		StorageFull: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smq_storage_full_total",
			Help: "Total number of publishes rejected because storage was full.",
		}),
		StorageCorrupt: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smq_storage_corrupt_buckets_total",
			Help: "Total number of bucket files quarantined for failing header validation.",
		}),
		WorkerQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smq_worker_queue_depth",
			Help: "Current depth of the worker pool's task queue.",
		}),
		CPUUsagePercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smq_cpu_usage_percent",
			Help: "Container-aware CPU usage percentage, advisory only.",
		}),
	}

	reg.MustRegister(
		m.ConnectionsTotal, m.ConnectionsActive, m.ConnectionsFailed,
		m.DisconnectsTotal, m.ConnectionDuration,
		m.MessagesSent, m.MessagesReceived, m.BytesSent, m.BytesReceived,
		m.SlowConsumerDrops, m.RateLimitedFrames,
		m.StorageInserts, m.StorageFull, m.StorageCorrupt,
		m.WorkerQueueDepth, m.CPUUsagePercent,
	)
	return m
}

// ObserveDisconnect records a disconnect with its reason and initiator, and
// the connection's lifetime.
func (m *Metrics) ObserveDisconnect(reason, initiatedBy string, lifetime time.Duration) {
	m.DisconnectsTotal.WithLabelValues(reason, initiatedBy).Inc()
	m.ConnectionDuration.WithLabelValues(reason).Observe(lifetime.Seconds())
}
