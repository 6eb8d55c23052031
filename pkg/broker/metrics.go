package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the broker's Prometheus instrumentation, following the
// teacher's nil-safe-method pattern (pkg/metrics/prometheus/badger.go):
// every method tolerates a nil receiver so callers never need to check
// whether metrics are enabled before recording.
type Metrics struct {
	enqueued  *prometheus.CounterVec // by mode
	granted   *prometheus.CounterVec // by mode
	reentrant prometheus.Counter
	released  prometheus.Counter
	timeouts  prometheus.Counter
	expired   *prometheus.CounterVec // by kind: lease, force
	queueDepth *prometheus.GaugeVec
}

// NewMetrics registers the broker's metrics against reg. If reg is nil,
// every method becomes a safe no-op (IsEnabled()-style gating without a
// separate flag, matching the teacher's pattern of returning a nil struct
// from a disabled constructor).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	factory := promauto.With(reg)
	return &Metrics{
		enqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gate_broker_enqueued_total",
			Help: "Lock requests appended to a path's waiting queue.",
		}, []string{"mode"}),
		granted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gate_broker_granted_total",
			Help: "Lock requests promoted to granted.",
		}, []string{"mode"}),
		reentrant: factory.NewCounter(prometheus.CounterOpts{
			Name: "gate_broker_reentrant_total",
			Help: "Re-entrant acquires against an already-granted entry.",
		}),
		released: factory.NewCounter(prometheus.CounterOpts{
			Name: "gate_broker_released_total",
			Help: "Granted entries released by their owner.",
		}),
		timeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "gate_broker_acquire_timeouts_total",
			Help: "Acquire calls that returned timeout.",
		}),
		expired: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gate_broker_expired_total",
			Help: "Granted entries reclaimed by the expiry sweep.",
		}, []string{"kind"}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gate_broker_queue_depth",
			Help: "Queue depth (granted plus waiting entries) for a path, sampled on each sweep.",
		}, []string{"path"}),
	}
}

func (m *Metrics) Enqueue(path, mode string) {
	if m == nil {
		return
	}
	m.enqueued.WithLabelValues(mode).Inc()
}

func (m *Metrics) Grant(path, mode string) {
	if m == nil {
		return
	}
	m.granted.WithLabelValues(mode).Inc()
}

func (m *Metrics) ReentrantGrant(path string) {
	if m == nil {
		return
	}
	m.reentrant.Inc()
}

func (m *Metrics) Release(path string) {
	if m == nil {
		return
	}
	m.released.Inc()
}

func (m *Metrics) Timeout(path string) {
	if m == nil {
		return
	}
	m.timeouts.Inc()
}

func (m *Metrics) LeaseExpire(path string) {
	if m == nil {
		return
	}
	m.expired.WithLabelValues("lease").Inc()
}

func (m *Metrics) ForceExpire(path string) {
	if m == nil {
		return
	}
	m.expired.WithLabelValues("force").Inc()
}

func (m *Metrics) SetQueueDepth(path string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(path).Set(float64(depth))
}
