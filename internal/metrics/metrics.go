package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bmpcollector_messages_total",
			Help: "BMP messages decoded, by source and message type.",
		},
		[]string{"source", "type"},
	)

	DecodeErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bmpcollector_decode_errors_total",
			Help: "Decode failures by source and kind (frame, message, embedded_bgp, openbmp).",
		},
		[]string{"source", "kind"},
	)

	BytesReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bmpcollector_bytes_received_total",
			Help: "BMP stream bytes fed to decoders.",
		},
		[]string{"source"},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bmpcollector_active_sessions",
			Help: "Open BMP TCP sessions.",
		},
	)

	TrackedPeers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bmpcollector_tracked_peers",
			Help: "Peers with negotiated capabilities, per router.",
		},
		[]string{"router"},
	)

	SinkPublishDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bmpcollector_sink_publish_duration_seconds",
			Help:    "Sink publish latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"sink"},
	)

	SinkErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bmpcollector_sink_errors_total",
			Help: "Failed sink publishes.",
		},
		[]string{"sink"},
	)

	EventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bmpcollector_events_dropped_total",
			Help: "Events dropped because the pipeline buffer overflowed.",
		},
	)

	DBWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bmpcollector_db_write_duration_seconds",
			Help:    "DB write latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"op"},
	)

	DBRowsAffectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bmpcollector_db_rows_affected_total",
			Help: "DB rows written or deleted.",
		},
		[]string{"table", "op"},
	)

	DedupConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bmpcollector_dedup_conflicts_total",
			Help: "Duplicate BMP messages skipped by ON CONFLICT DO NOTHING.",
		},
	)

	BatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bmpcollector_batch_size",
			Help:    "Event batch sizes handed to sinks.",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 1000, 2000, 5000},
		},
		[]string{"source"},
	)

	LastMsgTimestamp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bmpcollector_last_msg_timestamp_seconds",
			Help: "Unix timestamp of the last decoded message per router.",
		},
		[]string{"router"},
	)
)

var registerOnce sync.Once

// Register adds every collector metric to the default registry. Safe to
// call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			MessagesTotal,
			DecodeErrorsTotal,
			BytesReceivedTotal,
			ActiveSessions,
			TrackedPeers,
			SinkPublishDuration,
			SinkErrorsTotal,
			EventsDroppedTotal,
			DBWriteDuration,
			DBRowsAffectedTotal,
			DedupConflictsTotal,
			BatchSize,
			LastMsgTimestamp,
		)
	})
}
