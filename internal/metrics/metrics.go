// Package metrics provides the Prometheus plumbing shared by storage nodes
// and the balancer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry returns a registry carrying the standard Go and process
// collectors plus a blobmesh_build_info gauge for component.
func NewRegistry(component, version string) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	info := promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
		Name: "blobmesh_build_info",
		Help: "Build information (always 1)",
	}, []string{"component", "version"})
	info.WithLabelValues(component, version).Set(1)

	return reg
}

// Handler serves the metrics gathered by g, negotiating OpenMetrics when
// the scraper asks for it.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
