// Package mirrormetrics defines the Prometheus collectors shared by the
// mirror client and server: metrics are constructed once, registered
// against a dedicated registry (not the global default), and exposed over
// promhttp on an optional metrics listener.
package mirrormetrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the client and server report to. Server and
// client each populate the subset relevant to them; unused counters simply
// stay at zero.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	BlocksSent    prometheus.Counter
	BlocksSkipped prometheus.Counter
	BytesUploaded prometheus.Counter

	UpdateBufferSize prometheus.Gauge
	UploadsIssued    prometheus.Counter

	ReconcileDuration prometheus.Histogram
}

// New constructs and registers the full collector set against a fresh
// registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dirsync_requests_total",
			Help: "Total number of mirror protocol requests handled, by endpoint and status.",
		}, []string{"endpoint", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dirsync_request_duration_seconds",
			Help:    "Mirror protocol request handling duration, by endpoint.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		BlocksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dirsync_blocks_sent_total",
			Help: "Total number of blocks uploaded because their checksum differed (or was absent) on the server.",
		}),
		BlocksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dirsync_blocks_skipped_total",
			Help: "Total number of blocks skipped because their checksum already matched the server.",
		}),
		BytesUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dirsync_bytes_uploaded_total",
			Help: "Total number of content bytes uploaded (block-diff and whole-file paths combined).",
		}),
		UpdateBufferSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dirsync_update_buffer_size",
			Help: "Current number of files held in the client's debounce buffer.",
		}),
		UploadsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dirsync_uploads_issued_total",
			Help: "Total number of upload operations issued by the client.",
		}),
		ReconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dirsync_reconcile_duration_seconds",
			Help:    "Duration of the startup bulk reconciliation walk.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.RequestsTotal, m.RequestDuration,
		m.BlocksSent, m.BlocksSkipped, m.BytesUploaded,
		m.UpdateBufferSize, m.UploadsIssued,
		m.ReconcileDuration,
	)
	return m
}

// ObserveRequest records one handled request against RequestsTotal/Duration.
func (m *Metrics) ObserveRequest(endpoint string, status int, d time.Duration) {
	m.RequestsTotal.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// ObserveBlockWrite increments BlocksSent; called server-side once per
// accepted copyblock request (the client decides which blocks to send, the
// server simply counts what it received).
func (m *Metrics) ObserveBlockWrite() {
	m.BlocksSent.Inc()
}

// Handler returns the promhttp handler serving this registry's metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
