package blob

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics of a storage node.
type Metrics struct {
	// Request metrics
	RequestsTotal   *prometheus.CounterVec   // blobmesh_node_requests_total{operation,status}
	RequestDuration *prometheus.HistogramVec // blobmesh_node_request_duration_seconds{operation}

	// Transfer metrics
	BytesUploaded   prometheus.Counter
	BytesDownloaded prometheus.Counter

	// Storage metrics
	ObjectsTotal prometheus.Gauge
	StorageBytes prometheus.Gauge
	QuotaBytes   prometheus.Gauge // 0 = unlimited
	QuotaUsedPct prometheus.Gauge

	// Volume metrics
	VolumeTotal     prometheus.Gauge
	VolumeAvailable prometheus.Gauge
}

// NewMetrics registers storage node metrics with registry, or with the
// default registerer when registry is nil.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "blobmesh_node_requests_total",
			Help: "Total blob requests by operation and status",
		}, []string{"operation", "status"}),

		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "blobmesh_node_request_duration_seconds",
			Help:    "Blob request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),

		BytesUploaded: factory.NewCounter(prometheus.CounterOpts{
			Name: "blobmesh_node_bytes_uploaded_total",
			Help: "Total blob bytes committed",
		}),

		BytesDownloaded: factory.NewCounter(prometheus.CounterOpts{
			Name: "blobmesh_node_bytes_downloaded_total",
			Help: "Total blob bytes served",
		}),

		ObjectsTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "blobmesh_node_objects_total",
			Help: "Number of committed blobs",
		}),

		StorageBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "blobmesh_node_storage_bytes",
			Help: "Bytes held by committed blobs",
		}),

		QuotaBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "blobmesh_node_quota_bytes",
			Help: "Disk quota in bytes (0 = unlimited)",
		}),

		QuotaUsedPct: factory.NewGauge(prometheus.GaugeOpts{
			Name: "blobmesh_node_quota_used_percent",
			Help: "Percentage of the disk quota used",
		}),

		VolumeTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "blobmesh_node_volume_total_bytes",
			Help: "Size of the volume holding the data directory",
		}),

		VolumeAvailable: factory.NewGauge(prometheus.GaugeOpts{
			Name: "blobmesh_node_volume_available_bytes",
			Help: "Free space on the volume holding the data directory",
		}),
	}
}

// RecordRequest records a request metric.
func (m *Metrics) RecordRequest(operation, status string, durationSeconds float64) {
	m.RequestsTotal.WithLabelValues(operation, status).Inc()
	m.RequestDuration.WithLabelValues(operation).Observe(durationSeconds)
}

// RecordUpload records bytes uploaded.
func (m *Metrics) RecordUpload(bytes int64) {
	m.BytesUploaded.Add(float64(bytes))
}

// RecordDownload records bytes downloaded.
func (m *Metrics) RecordDownload(bytes int64) {
	m.BytesDownloaded.Add(float64(bytes))
}

// UpdateStorageMetrics updates storage-related gauges.
func (m *Metrics) UpdateStorageMetrics(objects, storageBytes, quotaBytes int64) {
	m.ObjectsTotal.Set(float64(objects))
	m.StorageBytes.Set(float64(storageBytes))
	m.QuotaBytes.Set(float64(quotaBytes))

	if quotaBytes > 0 {
		m.QuotaUsedPct.Set(float64(storageBytes) / float64(quotaBytes) * 100)
	} else {
		m.QuotaUsedPct.Set(0)
	}
}

// UpdateVolumeMetrics updates the volume gauges.
func (m *Metrics) UpdateVolumeMetrics(total, available int64) {
	m.VolumeTotal.Set(float64(total))
	m.VolumeAvailable.Set(float64(available))
}
