// Package metrics provides Prometheus metrics for the transfer pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	transfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drive_transfers_total",
			Help: "Total number of finished transfers",
		},
		[]string{"kind", "status"},
	)

	transferBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drive_transfer_bytes_total",
			Help: "Total plaintext bytes moved by transfers",
		},
		[]string{"kind"},
	)

	transferDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drive_transfer_duration_seconds",
			Help:    "Transfer duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	bridgeRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drive_bridge_request_duration_seconds",
			Help:    "Bridge API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op", "status"},
	)

	mirrorReplacementsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "drive_mirror_replacements_total",
			Help: "Total replacement mirrors requested for incomplete farmer records",
		},
	)

	sinkOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drive_sink_operation_duration_seconds",
			Help:    "Download sink operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sink", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordTransfer records a finished transfer. Aborted transfers are labelled separately.
func RecordTransfer(kind string, bytes int64, duration time.Duration, err error, aborted bool) {
	status := statusLabel(err == nil)
	if aborted {
		status = "aborted"
	}
	transfersTotal.WithLabelValues(kind, status).Inc()
	transferBytes.WithLabelValues(kind).Add(float64(bytes))
	transferDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordBridgeRequest records one bridge API call.
func RecordBridgeRequest(op string, duration time.Duration, success bool) {
	bridgeRequestDuration.WithLabelValues(op, statusLabel(success)).Observe(duration.Seconds())
}

// RecordMirrorReplacement counts one replacement request.
func RecordMirrorReplacement() {
	mirrorReplacementsTotal.Inc()
}

// RecordSinkOperation records a sink write.
func RecordSinkOperation(sink string, duration time.Duration, success bool) {
	sinkOperationDuration.WithLabelValues(sink, statusLabel(success)).Observe(duration.Seconds())
}
