package federation

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/latticeworks/lattice/metric"
)

// resolverMetrics holds Prometheus metrics for the federation resolver.
// A nil receiver disables recording.
type resolverMetrics struct {
	linksTotal      *prometheus.CounterVec // By result (created/updated)
	queriesTotal    prometheus.Counter
	unresolvedTotal prometheus.Counter
}

func newResolverMetrics(registry *metric.Registry) (*resolverMetrics, error) {
	if registry == nil {
		return nil, nil // Metrics disabled
	}

	m := &resolverMetrics{
		linksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lattice",
			Subsystem: "federation",
			Name:      "links_total",
			Help:      "Link registrations by outcome",
		}, []string{"result"}),

		queriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lattice",
			Subsystem: "federation",
			Name:      "queries_total",
			Help:      "Total number of federation queries",
		}),

		unresolvedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lattice",
			Subsystem: "federation",
			Name:      "unresolved_refs_total",
			Help:      "Link endpoints that did not resolve to a stored node",
		}),
	}

	if err := registry.RegisterCounterVec("federation", "links_total", m.linksTotal); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("federation", "queries_total", m.queriesTotal); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("federation", "unresolved_refs_total", m.unresolvedTotal); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *resolverMetrics) recordLink(created bool) {
	if m == nil {
		return
	}
	if created {
		m.linksTotal.WithLabelValues("created").Inc()
	} else {
		m.linksTotal.WithLabelValues("updated").Inc()
	}
}

func (m *resolverMetrics) recordQuery(unresolved int) {
	if m == nil {
		return
	}
	m.queriesTotal.Inc()
	m.unresolvedTotal.Add(float64(unresolved))
}
