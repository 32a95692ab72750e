package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/marko911/paywatch/internal/payment"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	checks          *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	fallbacks       *prometheus.CounterVec
	chainErrors     *prometheus.CounterVec
	persistFailures prometheus.Counter
	sideEffectFails *prometheus.CounterVec
	activeWatches   prometheus.Gauge
}

// NewMetrics builds the engine's collectors and registers them with reg when
// reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paywatch",
			Name:      "checks_total",
			Help:      "Reconciliation checks by chain and result.",
		}, []string{"chain", "result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paywatch",
			Name:      "status_transitions_total",
			Help:      "Persisted status transitions by chain and new status.",
		}, []string{"chain", "status"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paywatch",
			Name:      "polling_fallbacks_total",
			Help:      "Watches that switched from subscription to polling.",
		}, []string{"chain"}),
		chainErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paywatch",
			Name:      "chain_query_errors_total",
			Help:      "Chain queries that failed and were treated as no observation.",
		}, []string{"chain"}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "paywatch",
			Name:      "persist_failures_total",
			Help:      "Compare-and-set writes that failed for a reason other than a conflict.",
		}),
		sideEffectFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paywatch",
			Name:      "side_effect_failures_total",
			Help:      "Notification or ledger side effects that failed after a persisted transition.",
		}, []string{"effect"}),
		activeWatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "paywatch",
			Name:      "active_watches",
			Help:      "Payments currently being watched.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.checks, m.transitions, m.fallbacks, m.chainErrors,
			m.persistFailures, m.sideEffectFails, m.activeWatches)
	}
	return m
}

func (m *Metrics) check(chain payment.Chain, result string) {
	if m == nil {
		return
	}
	m.checks.WithLabelValues(string(chain), result).Inc()
}

func (m *Metrics) transition(chain payment.Chain, status payment.Status) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(chain), string(status)).Inc()
}

func (m *Metrics) fallback(chain payment.Chain) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(string(chain)).Inc()
}

func (m *Metrics) chainError(chain payment.Chain) {
	if m == nil {
		return
	}
	m.chainErrors.WithLabelValues(string(chain)).Inc()
}

func (m *Metrics) persistFailure() {
	if m == nil {
		return
	}
	m.persistFailures.Inc()
}

func (m *Metrics) sideEffectFailure(effect string) {
	if m == nil {
		return
	}
	m.sideEffectFails.WithLabelValues(effect).Inc()
}

func (m *Metrics) watchStarted() {
	if m == nil {
		return
	}
	m.activeWatches.Inc()
}

func (m *Metrics) watchStopped() {
	if m == nil {
		return
	}
	m.activeWatches.Dec()
}
