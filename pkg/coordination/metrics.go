package coordination

import (
	"github.com/prometheus/client_golang/prometheus"
)

// clientMetrics are registered only when a Registerer is provided,
// otherwise the collectors stay local to the client.
type clientMetrics struct {
	queueDepth       prometheus.Gauge
	retries          prometheus.Counter
	forcedSleeps     prometheus.Counter
	completed        prometheus.Counter
	failed           prometheus.Counter
	dropped          prometheus.Counter
	stateTransitions *prometheus.CounterVec
}

func newClientMetrics(reg prometheus.Registerer) *clientMetrics {
	m := &clientMetrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coordclient",
			Name:      "queue_depth",
			Help:      "Number of operations in the background queue.",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coordclient",
			Name:      "operation_retries_total",
			Help:      "Number of operation retry attempts.",
		}),
		forcedSleeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coordclient",
			Name:      "operation_forced_sleeps_total",
			Help:      "Number of operations put to forced sleep while waiting for the connection.",
		}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coordclient",
			Name:      "operations_completed_total",
			Help:      "Number of operations completed successfully.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coordclient",
			Name:      "operations_failed_total",
			Help:      "Number of operations completed with a terminal error.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coordclient",
			Name:      "operations_dropped_total",
			Help:      "Number of operations aborted by client close.",
		}),
		stateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coordclient",
			Name:      "state_transitions_total",
			Help:      "Number of connection state transitions.",
		}, []string{"state"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.queueDepth,
			m.retries,
			m.forcedSleeps,
			m.completed,
			m.failed,
			m.dropped,
			m.stateTransitions,
		)
	}
	return m
}
