package metrics

import "github.com/prometheus/client_golang/prometheus"

// SyncMetrics exposes counters/gauges for the offline sync loop.
type SyncMetrics struct {
	actionsTotal  *prometheus.CounterVec
	drainDuration prometheus.Histogram
	pending       prometheus.Gauge
	online        prometheus.Gauge
}

func NewSyncMetrics(reg prometheus.Registerer) *SyncMetrics {
	m := &SyncMetrics{
		actionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "barber",
			Subsystem: "sync",
			Name:      "actions_total",
			Help:      "Queued actions processed by a drain",
		}, []string{"kind", "outcome"}),
		drainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "barber",
			Subsystem: "sync",
			Name:      "drain_duration_seconds",
			Help:      "Wall time of one queue drain",
			Buckets:   prometheus.DefBuckets,
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "barber",
			Subsystem: "sync",
			Name:      "pending_actions",
			Help:      "Actions not yet confirmed by the server",
		}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "barber",
			Subsystem: "sync",
			Name:      "online",
			Help:      "1 when the remote API is reachable",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.actionsTotal, m.drainDuration, m.pending, m.online)
	return m
}

// ObserveAction counts one action outcome: synced, failed or blocked.
func (m *SyncMetrics) ObserveAction(kind, outcome string) {
	if m == nil {
		return
	}
	m.actionsTotal.WithLabelValues(kind, outcome).Inc()
}

func (m *SyncMetrics) ObserveDrain(seconds float64) {
	if m == nil {
		return
	}
	m.drainDuration.Observe(seconds)
}

func (m *SyncMetrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *SyncMetrics) SetOnline(online bool) {
	if m == nil {
		return
	}
	v := 0.0
	if online {
		v = 1
	}
	m.online.Set(v)
}
