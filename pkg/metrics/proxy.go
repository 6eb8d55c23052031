// Package metrics holds the filesystem proxy's Prometheus metrics — the
// broker has its own package-local metrics (pkg/broker.Metrics) since it is
// usable standalone; this package is proxy-specific and lives alongside the
// shared registry wiring in pkg/metrics/prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ProxyMetrics counts VFS operations and their broker-side outcomes. Every
// method is nil-receiver safe so callers can pass a nil *ProxyMetrics when
// metrics are disabled, following the teacher's nil-safe metrics pattern.
type ProxyMetrics struct {
	ops            *prometheus.CounterVec // by vfs_op
	opErrors       *prometheus.CounterVec // by vfs_op, error_kind
	openHandles    prometheus.Gauge
	heartbeatFails *prometheus.CounterVec // by reason
}

// NewProxyMetrics registers proxy metrics against reg. Returns nil if reg is
// nil, so the caller can skip instrumentation entirely without branching.
func NewProxyMetrics(reg prometheus.Registerer) *ProxyMetrics {
	if reg == nil {
		return nil
	}
	factory := promauto.With(reg)
	return &ProxyMetrics{
		ops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gate",
			Subsystem: "proxy",
			Name:      "vfs_ops_total",
			Help:      "VFS operations handled by the proxy, by operation.",
		}, []string{"vfs_op"}),
		opErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gate",
			Subsystem: "proxy",
			Name:      "vfs_op_errors_total",
			Help:      "VFS operations that failed, by operation and error kind.",
		}, []string{"vfs_op", "error_kind"}),
		openHandles: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "gate",
			Subsystem: "proxy",
			Name:      "open_handles",
			Help:      "Currently open file handles tracked by the proxy.",
		}),
		heartbeatFails: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gate",
			Subsystem: "proxy",
			Name:      "heartbeat_failures_total",
			Help:      "Heartbeats that came back not_held or expired, by reason.",
		}, []string{"reason"}),
	}
}

func (m *ProxyMetrics) Op(vfsOp string) {
	if m == nil {
		return
	}
	m.ops.WithLabelValues(vfsOp).Inc()
}

func (m *ProxyMetrics) OpError(vfsOp, errorKind string) {
	if m == nil {
		return
	}
	m.opErrors.WithLabelValues(vfsOp, errorKind).Inc()
}

func (m *ProxyMetrics) SetOpenHandles(n int) {
	if m == nil {
		return
	}
	m.openHandles.Set(float64(n))
}

func (m *ProxyMetrics) HeartbeatFailure(reason string) {
	if m == nil {
		return
	}
	m.heartbeatFails.WithLabelValues(reason).Inc()
}
