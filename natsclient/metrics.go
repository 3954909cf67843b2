package natsclient

import (
	"time"

	"github.com/latticeworks/lattice/metric"
)

// Circuit breaker states as exported to the gauge.
const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
)

// connMetrics forwards connection health to the core metric set. All
// methods are safe on a nil receiver so the client never has to check
// whether metrics were configured.
type connMetrics struct {
	core *metric.Metrics
}

// newConnMetrics wires connection metrics to a registry. A nil registry
// yields a nil wrapper, which disables recording.
func newConnMetrics(registry *metric.Registry) *connMetrics {
	if registry == nil {
		return nil
	}
	return &connMetrics{core: registry.CoreMetrics()}
}

func (cm *connMetrics) connected(up bool) {
	if cm == nil || cm.core == nil {
		return
	}
	cm.core.RecordNATSStatus(up)
}

func (cm *connMetrics) rtt(d time.Duration) {
	if cm == nil || cm.core == nil {
		return
	}
	cm.core.RecordNATSRTT(d)
}

func (cm *connMetrics) reconnected() {
	if cm == nil || cm.core == nil {
		return
	}
	cm.core.RecordNATSReconnect()
}

func (cm *connMetrics) circuitState(state int) {
	if cm == nil || cm.core == nil {
		return
	}
	cm.core.RecordCircuitBreakerState(state)
}
