package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/disk"
)

// Manager defines the interface for metrics management
type Manager interface {
	// Key-value storage
	RecordStorageOperation(operation string, success bool, duration time.Duration)
	RecordBackendOpen(kind string, success bool)
	RecordFallback(kind, engine string)

	// Image blobs
	RecordImageOperation(operation string, success bool)
	RecordSweep(scanned, removed, failed int, duration time.Duration)
	UpdateImageStorage(bytes int64)

	// System
	UpdateDiskUsage(path string) (*DiskStats, error)

	// Export
	GetMetricsHandler() http.Handler
	Registry() *prometheus.Registry
}

// DiskStats represents disk usage statistics
type DiskStats struct {
	UsedPercent float64 `json:"used_percent"`
	UsedBytes   uint64  `json:"used_bytes"`
	TotalBytes  uint64  `json:"total_bytes"`
	FreeBytes   uint64  `json:"free_bytes"`
}

// GetDiskUsage returns disk usage statistics for the volume holding path.
func GetDiskUsage(path string) (*DiskStats, error) {
	diskInfo, err := disk.Usage(path)
	if err != nil {
		return nil, err
	}

	return &DiskStats{
		UsedPercent: diskInfo.UsedPercent,
		UsedBytes:   diskInfo.Used,
		TotalBytes:  diskInfo.Total,
		FreeBytes:   diskInfo.Free,
	}, nil
}

// metricsManager implements the Manager interface using Prometheus
type metricsManager struct {
	registry *prometheus.Registry

	// Storage Metrics
	storageOperationsTotal   *prometheus.CounterVec
	storageOperationDuration *prometheus.HistogramVec
	backendOpensTotal        *prometheus.CounterVec
	backendFallbacksTotal    *prometheus.CounterVec

	// Image Metrics
	imageOperationsTotal *prometheus.CounterVec
	sweepFilesTotal      *prometheus.CounterVec
	sweepDuration        prometheus.Histogram
	imageBytes           prometheus.Gauge

	// System Metrics
	diskUsedBytes prometheus.Gauge
	diskFreeBytes prometheus.Gauge
}

// NewManager creates a metrics manager with its own registry. A disabled
// manager records nothing.
func NewManager(enabled bool) Manager {
	if !enabled {
		return &noopManager{}
	}

	manager := &metricsManager{
		registry: prometheus.NewRegistry(),
	}
	manager.initializeMetrics("armorylog")
	return manager
}

// initializeMetrics sets up all Prometheus metrics
func (m *metricsManager) initializeMetrics(namespace string) {
	m.storageOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "operations_total",
			Help:      "Total number of key-value storage operations",
		},
		[]string{"operation", "status"},
	)

	m.storageOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "operation_duration_seconds",
			Help:      "Key-value storage operation duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8), // 100µs to ~1.6s
		},
		[]string{"operation"},
	)

	m.backendOpensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "backend_opens_total",
			Help:      "Storage backend construction attempts",
		},
		[]string{"kind", "status"},
	)

	m.backendFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "backend_fallbacks_total",
			Help:      "Times a configured backend kind was served by a fallback engine",
		},
		[]string{"kind", "engine"},
	)

	m.imageOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "images",
			Name:      "operations_total",
			Help:      "Total number of image blob operations",
		},
		[]string{"operation", "status"},
	)

	m.sweepFilesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "images",
			Name:      "sweep_files_total",
			Help:      "Files visited by orphan collection, by outcome",
		},
		[]string{"outcome"},
	)

	m.sweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "images",
			Name:      "sweep_duration_seconds",
			Help:      "Orphan collection duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	m.imageBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "images",
			Name:      "bytes",
			Help:      "Bytes used by stored image blobs",
		},
	)

	m.diskUsedBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "disk_used_bytes",
			Help:      "Used bytes on the data volume",
		},
	)

	m.diskFreeBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "disk_free_bytes",
			Help:      "Free bytes on the data volume",
		},
	)

	metrics := []prometheus.Collector{
		m.storageOperationsTotal,
		m.storageOperationDuration,
		m.backendOpensTotal,
		m.backendFallbacksTotal,
		m.imageOperationsTotal,
		m.sweepFilesTotal,
		m.sweepDuration,
		m.imageBytes,
		m.diskUsedBytes,
		m.diskFreeBytes,
	}

	for _, metric := range metrics {
		m.registry.MustRegister(metric)
	}
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// Storage Metrics Implementation

func (m *metricsManager) RecordStorageOperation(operation string, success bool, duration time.Duration) {
	m.storageOperationsTotal.WithLabelValues(operation, status(success)).Inc()
	m.storageOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *metricsManager) RecordBackendOpen(kind string, success bool) {
	m.backendOpensTotal.WithLabelValues(kind, status(success)).Inc()
}

func (m *metricsManager) RecordFallback(kind, engine string) {
	m.backendFallbacksTotal.WithLabelValues(kind, engine).Inc()
}

// Image Metrics Implementation

func (m *metricsManager) RecordImageOperation(operation string, success bool) {
	m.imageOperationsTotal.WithLabelValues(operation, status(success)).Inc()
}

func (m *metricsManager) RecordSweep(scanned, removed, failed int, duration time.Duration) {
	m.sweepFilesTotal.WithLabelValues("kept").Add(float64(scanned - removed - failed))
	m.sweepFilesTotal.WithLabelValues("removed").Add(float64(removed))
	m.sweepFilesTotal.WithLabelValues("failed").Add(float64(failed))
	m.sweepDuration.Observe(duration.Seconds())
}

func (m *metricsManager) UpdateImageStorage(bytes int64) {
	m.imageBytes.Set(float64(bytes))
}

// System Metrics Implementation

func (m *metricsManager) UpdateDiskUsage(path string) (*DiskStats, error) {
	stats, err := GetDiskUsage(path)
	if err != nil {
		return nil, err
	}
	m.diskUsedBytes.Set(float64(stats.UsedBytes))
	m.diskFreeBytes.Set(float64(stats.FreeBytes))
	return stats, nil
}

func (m *metricsManager) GetMetricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsManager) Registry() *prometheus.Registry {
	return m.registry
}

// noopManager is a no-op implementation when metrics are disabled
type noopManager struct{}

func (n *noopManager) RecordStorageOperation(operation string, success bool, duration time.Duration) {}
func (n *noopManager) RecordBackendOpen(kind string, success bool)                                   {}
func (n *noopManager) RecordFallback(kind, engine string)                                            {}
func (n *noopManager) RecordImageOperation(operation string, success bool)                           {}
func (n *noopManager) RecordSweep(scanned, removed, failed int, duration time.Duration)              {}
func (n *noopManager) UpdateImageStorage(bytes int64)                                                {}
func (n *noopManager) UpdateDiskUsage(path string) (*DiskStats, error)                               { return GetDiskUsage(path) }
func (n *noopManager) GetMetricsHandler() http.Handler                                               { return http.NotFoundHandler() }
func (n *noopManager) Registry() *prometheus.Registry                                                { return nil }
