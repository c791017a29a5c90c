// Package metrics holds the Prometheus collectors for the directory, the
// distributed node and the resilient endpoint clients.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles a registerer with the gatherer that serves it. A nil
// *Registry is never handed to collectors; use New.
type Registry struct {
	prometheus.Registerer
	prometheus.Gatherer
}

// New returns a private registry. Each component instance gets its own so
// several nodes can live in one process without duplicate registration.
func New() *Registry {
	reg := prometheus.NewRegistry()
	return &Registry{Registerer: reg, Gatherer: reg}
}

// Default wraps the process-wide Prometheus registry.
func Default() *Registry {
	return &Registry{Registerer: prometheus.DefaultRegisterer, Gatherer: prometheus.DefaultGatherer}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.Gatherer, promhttp.HandlerOpts{})
}

// ResilienceMetrics tracks retry and failover behaviour per logical client.
type ResilienceMetrics struct {
	Attempts  *prometheus.CounterVec
	Failures  *prometheus.CounterVec
	Failovers *prometheus.CounterVec
	Exhausted *prometheus.CounterVec
	Connected *prometheus.GaugeVec
}

func NewResilienceMetrics(reg *Registry) *ResilienceMetrics {
	if reg == nil {
		reg = New()
	}
	f := promauto.With(reg)

	return &ResilienceMetrics{
		Attempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "blocksnap_endpoint_attempts_total",
			Help: "Total number of operation attempts against remote endpoints",
		}, []string{"client"}),
		Failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "blocksnap_endpoint_failures_total",
			Help: "Total number of failed operation attempts",
		}, []string{"client"}),
		Failovers: f.NewCounterVec(prometheus.CounterOpts{
			Name: "blocksnap_endpoint_failovers_total",
			Help: "Total number of switches to a fallback endpoint",
		}, []string{"client"}),
		Exhausted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "blocksnap_endpoint_exhausted_total",
			Help: "Total number of operations that exhausted every endpoint",
		}, []string{"client"}),
		Connected: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "blocksnap_endpoint_connected",
			Help: "Whether the client currently considers itself connected (1) or not (0)",
		}, []string{"client"}),
	}
}

// DirectoryMetrics tracks the peer directory registrar.
type DirectoryMetrics struct {
	ActiveNodes   prometheus.Gauge
	Registrations prometheus.Counter
	Heartbeats    *prometheus.CounterVec
	Expired       prometheus.Counter
	PersistErrors prometheus.Counter
}

func NewDirectoryMetrics(reg *Registry) *DirectoryMetrics {
	if reg == nil {
		reg = New()
	}
	f := promauto.With(reg)

	return &DirectoryMetrics{
		ActiveNodes: f.NewGauge(prometheus.GaugeOpts{
			Name: "blocksnap_directory_nodes",
			Help: "Number of node records currently held by the directory",
		}),
		Registrations: f.NewCounter(prometheus.CounterOpts{
			Name: "blocksnap_directory_registrations_total",
			Help: "Total number of successful node registrations",
		}),
		Heartbeats: f.NewCounterVec(prometheus.CounterOpts{
			Name: "blocksnap_directory_heartbeats_total",
			Help: "Total number of heartbeats by result",
		}, []string{"result"}),
		Expired: f.NewCounter(prometheus.CounterOpts{
			Name: "blocksnap_directory_expired_total",
			Help: "Total number of node records removed by the cleanup sweep",
		}),
		PersistErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "blocksnap_directory_persist_errors_total",
			Help: "Total number of failed node map persists",
		}),
	}
}

// NodeMetrics tracks a distributed node's registry and protocols.
type NodeMetrics struct {
	Peers         prometheus.Gauge
	MediaRecords  prometheus.Gauge
	Broadcasts    *prometheus.CounterVec
	Verifications *prometheus.CounterVec
	PeerQueries   *prometheus.CounterVec
	VerifyLatency prometheus.Histogram
	TaskRestarts  *prometheus.CounterVec
}

func NewNodeMetrics(reg *Registry) *NodeMetrics {
	if reg == nil {
		reg = New()
	}
	f := promauto.With(reg)

	return &NodeMetrics{
		Peers: f.NewGauge(prometheus.GaugeOpts{
			Name: "blocksnap_node_peers",
			Help: "Number of peers in the local peer cache",
		}),
		MediaRecords: f.NewGauge(prometheus.GaugeOpts{
			Name: "blocksnap_node_media_records",
			Help: "Number of media records in the local registry",
		}),
		Broadcasts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "blocksnap_node_broadcasts_total",
			Help: "Total number of media broadcasts to peers by result",
		}, []string{"result"}),
		Verifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "blocksnap_node_verifications_total",
			Help: "Total number of cross-network verifications by outcome",
		}, []string{"outcome"}),
		PeerQueries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "blocksnap_node_peer_queries_total",
			Help: "Total number of verification queries sent to peers by result",
		}, []string{"result"}),
		VerifyLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "blocksnap_node_verify_latency_seconds",
			Help:    "Cross-network verification latency",
			Buckets: prometheus.DefBuckets,
		}),
		TaskRestarts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "blocksnap_node_task_restarts_total",
			Help: "Total number of background task restarts after a panic",
		}, []string{"task"}),
	}
}
