package affordance

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/latticeworks/lattice/metric"
)

// executorMetrics holds Prometheus metrics for action execution.
// A nil receiver disables recording.
type executorMetrics struct {
	executionsTotal *prometheus.CounterVec // By action name and result
}

func newExecutorMetrics(registry *metric.Registry) (*executorMetrics, error) {
	if registry == nil {
		return nil, nil // Metrics disabled
	}

	m := &executorMetrics{
		executionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lattice",
			Subsystem: "affordance",
			Name:      "executions_total",
			Help:      "Action executions by action name and result",
		}, []string{"action", "result"}),
	}

	if err := registry.RegisterCounterVec("affordance", "executions_total", m.executionsTotal); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *executorMetrics) recordExecution(action, result string) {
	if m == nil {
		return
	}
	m.executionsTotal.WithLabelValues(action, result).Inc()
}
