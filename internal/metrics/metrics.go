// Package metrics provides Prometheus metrics for PairLink.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "pairlink"
)

// Metrics contains all Prometheus metrics for the broker and peers.
type Metrics struct {
	// Broker metrics
	GroupsActive       prometheus.Gauge
	PairsCompleted     prometheus.Counter
	ConnectionsTotal   *prometheus.CounterVec
	Rejections         *prometheus.CounterVec
	HeartbeatEvictions prometheus.Counter
	FramesRelayed      *prometheus.CounterVec
	BytesRelayed       *prometheus.CounterVec

	// Token metrics
	TokensIssued  prometheus.Counter
	TokensExpired prometheus.Counter

	// Peer metrics
	PeerReconnects   prometheus.Counter
	HandshakeLatency prometheus.Histogram
	PingsSent        prometheus.Counter

	// Upstream gateway metrics
	UpstreamRequests *prometheus.CounterVec
	UpstreamLatency  prometheus.Histogram
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		GroupsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "groups_active",
			Help:      "Number of live connection groups",
		}),
		PairsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairs_completed_total",
			Help:      "Total pairings where both roles connected",
		}),
		ConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total accepted peer connections by role",
		}, []string{"role"}),
		Rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Total rejected connection attempts by reason",
		}, []string{"reason"}),
		HeartbeatEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_evictions_total",
			Help:      "Total groups evicted by the heartbeat sweep",
		}),
		FramesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_relayed_total",
			Help:      "Total frames forwarded between roles by type",
		}, []string{"frame_type"}),
		BytesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_relayed_total",
			Help:      "Total opaque payload bytes forwarded by type",
		}, []string{"frame_type"}),

		TokensIssued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Total pairing tokens issued",
		}),
		TokensExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_expired_total",
			Help:      "Total pairing tokens removed by expiry",
		}),

		PeerReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_reconnects_total",
			Help:      "Total reconnect attempts scheduled by the peer state machine",
		}),
		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Histogram of connect-to-paired latency",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		PingsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pings_sent_total",
			Help:      "Total heartbeat pings sent",
		}),

		UpstreamRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Total upstream gateway requests by outcome",
		}, []string{"outcome"}),
		UpstreamLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_latency_seconds",
			Help:      "Histogram of upstream request latency",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
	}
}

// RecordConnection records an accepted connection for a role.
func (m *Metrics) RecordConnection(role string) {
	m.ConnectionsTotal.WithLabelValues(role).Inc()
}

// RecordRejection records a rejected connection attempt.
func (m *Metrics) RecordRejection(reason string) {
	m.Rejections.WithLabelValues(reason).Inc()
}

// RecordRelay records a forwarded frame and its payload size.
func (m *Metrics) RecordRelay(frameType string, bytes int) {
	m.FramesRelayed.WithLabelValues(frameType).Inc()
	m.BytesRelayed.WithLabelValues(frameType).Add(float64(bytes))
}

// RecordUpstreamRequest records an upstream request outcome.
func (m *Metrics) RecordUpstreamRequest(outcome string, latencySeconds float64) {
	m.UpstreamRequests.WithLabelValues(outcome).Inc()
	m.UpstreamLatency.Observe(latencySeconds)
}
