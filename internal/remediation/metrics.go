package remediation

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the remediation core.
type Metrics struct {
	AlertsTotal        *prometheus.CounterVec
	CandidatesPerAlert prometheus.Histogram
	DecisionsTotal     *prometheus.CounterVec
	ExecutionsTotal    *prometheus.CounterVec
	RunDuration        *prometheus.HistogramVec
	QueueDepth         prometheus.Gauge
	BreakerTransitions *prometheus.CounterVec
	ReconciledTotal    prometheus.Counter
}

// NewMetrics registers and returns remediation metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remedy_alerts_total",
			Help: "Alerts processed by result.",
		}, []string{"result"}),
		CandidatesPerAlert: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "remedy_candidates_per_alert",
			Help:    "Matched trigger candidates per processed alert.",
			Buckets: prometheus.LinearBuckets(0, 1, 11), // 0 .. 10
		}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remedy_decisions_total",
			Help: "Admission decisions by outcome.",
		}, []string{"decision"}),
		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remedy_executions_total",
			Help: "Terminal executions by status.",
		}, []string{"status"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "remedy_run_duration_seconds",
			Help:    "Duration of runbook runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s .. ~256s
		}, []string{"status"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "remedy_queue_depth",
			Help: "Executions waiting in the dispatch queue.",
		}),
		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remedy_breaker_transitions_total",
			Help: "Circuit breaker phase transitions.",
		}, []string{"from", "to"}),
		ReconciledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "remedy_reconciled_executions_total",
			Help: "Stuck RUNNING executions reconciled to FAILED at startup.",
		}),
	}

	reg.MustRegister(
		m.AlertsTotal,
		m.CandidatesPerAlert,
		m.DecisionsTotal,
		m.ExecutionsTotal,
		m.RunDuration,
		m.QueueDepth,
		m.BreakerTransitions,
		m.ReconciledTotal,
	)

	return m
}

// BreakerHook returns a transition hook for Breaker.OnTransition.
func (m *Metrics) BreakerHook() func(from, to BreakerPhase) {
	return func(from, to BreakerPhase) {
		m.BreakerTransitions.WithLabelValues(string(from), string(to)).Inc()
	}
}
