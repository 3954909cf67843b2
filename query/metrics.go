package query

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/latticeworks/lattice/metric"
)

// engineMetrics holds Prometheus metrics for query execution. A nil
// receiver disables recording.
type engineMetrics struct {
	queriesTotal  *prometheus.CounterVec // By status (ok/invalid/not_found/error)
	queryDuration prometheus.Histogram
	cacheTotal    *prometheus.CounterVec // By result (hit/miss)
	resultSize    prometheus.Histogram
}

func newEngineMetrics(registry *metric.Registry) (*engineMetrics, error) {
	if registry == nil {
		return nil, nil // Metrics disabled
	}

	m := &engineMetrics{
		queriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lattice",
			Subsystem: "query",
			Name:      "queries_total",
			Help:      "Total number of queries executed",
		}, []string{"status"}),

		queryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "lattice",
			Subsystem: "query",
			Name:      "duration_seconds",
			Help:      "Query execution duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}),

		cacheTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lattice",
			Subsystem: "query",
			Name:      "cache_total",
			Help:      "Result cache lookups by outcome",
		}, []string{"result"}),

		resultSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "lattice",
			Subsystem: "query",
			Name:      "result_entities",
			Help:      "Entity counts in query results",
			Buckets:   []float64{1, 10, 50, 100, 500, 1000, 5000, 10000},
		}),
	}

	if err := registry.RegisterCounterVec("query", "queries_total", m.queriesTotal); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogram("query", "duration_seconds", m.queryDuration); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("query", "cache_total", m.cacheTotal); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogram("query", "result_entities", m.resultSize); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *engineMetrics) recordQuery(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.queriesTotal.WithLabelValues(status).Inc()
	m.queryDuration.Observe(duration.Seconds())
}

func (m *engineMetrics) recordCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheTotal.WithLabelValues("hit").Inc()
	} else {
		m.cacheTotal.WithLabelValues("miss").Inc()
	}
}

func (m *engineMetrics) recordResultSize(entities int) {
	if m == nil {
		return
	}
	m.resultSize.Observe(float64(entities))
}
