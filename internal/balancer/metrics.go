package balancer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics of the balancer.
type Metrics struct {
	ProxiedTotal    *prometheus.CounterVec   // blobmesh_balancer_proxied_requests_total{node,method,code}
	ProxyDuration   *prometheus.HistogramVec // blobmesh_balancer_proxy_duration_seconds{method}
	RejectedTotal   *prometheus.CounterVec   // blobmesh_balancer_rejected_requests_total{reason}
	NodeFailures    *prometheus.CounterVec   // blobmesh_balancer_node_failures_total{node}
	NodeBurns       *prometheus.CounterVec   // blobmesh_balancer_node_burns_total{node}
	Registrations   *prometheus.CounterVec   // blobmesh_balancer_registrations_total{result}
	LiveNodes       prometheus.Gauge
	RegisteredNodes prometheus.Gauge
}

// NewMetrics registers balancer metrics with registry, or with the default
// registerer when registry is nil.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		ProxiedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "blobmesh_balancer_proxied_requests_total",
			Help: "Blob requests forwarded to storage nodes by node, method and upstream status code",
		}, []string{"node", "method", "code"}),

		ProxyDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "blobmesh_balancer_proxy_duration_seconds",
			Help:    "Time until the upstream response headers arrive",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),

		RejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "blobmesh_balancer_rejected_requests_total",
			Help: "Blob requests answered by the balancer without a healthy upstream",
		}, []string{"reason"}),

		NodeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "blobmesh_balancer_node_failures_total",
			Help: "Upstream transport failures by node",
		}, []string{"node"}),

		NodeBurns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "blobmesh_balancer_node_burns_total",
			Help: "Times a node was taken out of rotation",
		}, []string{"node"}),

		Registrations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "blobmesh_balancer_registrations_total",
			Help: "Node registration attempts by result",
		}, []string{"result"}),

		LiveNodes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "blobmesh_balancer_live_nodes",
			Help: "Nodes currently eligible for selection",
		}),

		RegisteredNodes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "blobmesh_balancer_registered_nodes",
			Help: "Nodes known to the balancer",
		}),
	}
}

// UpdateNodeGauges sets the node count gauges.
func (m *Metrics) UpdateNodeGauges(live, registered int) {
	m.LiveNodes.Set(float64(live))
	m.RegisteredNodes.Set(float64(registered))
}
