// Package metrics provides Prometheus metrics for the sync engine and its backends.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fruitsalade/sandboxfs/pkg/engine"
	"github.com/fruitsalade/sandboxfs/pkg/remote"
)

var (
	// Remote filesystem calls
	remoteOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxfs_remote_operations_total",
			Help: "Total remote filesystem operations",
		},
		[]string{"backend", "operation", "status"},
	)

	remoteOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sandboxfs_remote_operation_duration_seconds",
			Help:    "Remote filesystem operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	// Coalescing
	coalescedRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxfs_coalesced_requests_total",
			Help: "Requests that joined an in-flight or pending load",
		},
		[]string{"kind"},
	)

	// Watch
	watchEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxfs_watch_events_total",
			Help: "Total change notifications received",
		},
		[]string{"backend", "type"},
	)

	watcherErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxfs_watcher_errors_total",
			Help: "Total change subscription failures",
		},
		[]string{"backend"},
	)

	// Tree
	treeNodes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sandboxfs_tree_nodes",
			Help: "Number of nodes in the cached tree",
		},
		[]string{"backend"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Recorder reports engine measurements labelled with a backend name.
type Recorder struct {
	backend string
}

var _ engine.Recorder = (*Recorder)(nil)

// NewRecorder returns a recorder for the named backend.
func NewRecorder(backend string) *Recorder {
	return &Recorder{backend: backend}
}

// RemoteCall records a remote operation.
func (r *Recorder) RemoteCall(op string, d time.Duration, err error) {
	remoteOperationDuration.WithLabelValues(r.backend, op).Observe(d.Seconds())
	status := "success"
	if err != nil {
		status = "error"
	}
	remoteOperationsTotal.WithLabelValues(r.backend, op, status).Inc()
}

// Coalesced records a request that joined pending work.
func (r *Recorder) Coalesced(kind string) {
	coalescedRequestsTotal.WithLabelValues(kind).Inc()
}

// WatchEvent records a change notification.
func (r *Recorder) WatchEvent(t remote.EventType) {
	watchEventsTotal.WithLabelValues(r.backend, string(t)).Inc()
}

// WatcherError records a subscription failure.
func (r *Recorder) WatcherError() {
	watcherErrorsTotal.WithLabelValues(r.backend).Inc()
}

// TreeSize sets the current node count.
func (r *Recorder) TreeSize(n int) {
	treeNodes.WithLabelValues(r.backend).Set(float64(n))
}
