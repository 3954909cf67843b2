package natsclient

import (
	stderrors "errors"
	"time"
)

// ConnectionStatus is the client lifecycle state.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

var (
	// ErrNotConnected means the operation needs a live connection.
	ErrNotConnected = stderrors.New("not connected to NATS")
	// ErrCircuitOpen means the breaker is rejecting attempts until its
	// backoff elapses.
	ErrCircuitOpen = stderrors.New("circuit breaker is open")
)

// Status is a point-in-time snapshot for health reporting.
type Status struct {
	Status          ConnectionStatus
	FailureCount    int32
	LastFailureTime time.Time
	Reconnects      int32
	RTT             time.Duration
}

// Failures returns the total failure count since the last reset.
func (c *Client) Failures() int32 {
	return c.failures.Load()
}

// Backoff returns the current circuit breaker backoff.
func (c *Client) Backoff() time.Duration {
	return c.backoff.Load().(time.Duration)
}

// gate fails fast while the circuit is open or the connection is down.
// JetStream operations call it before touching the server.
func (c *Client) gate() error {
	if c.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}
	if c.Status() != StatusConnected {
		return ErrNotConnected
	}
	return nil
}

// growBackoff doubles the breaker backoff up to the cap and returns the
// value before and after.
func (c *Client) growBackoff() (previous, next time.Duration) {
	previous = c.backoff.Load().(time.Duration)
	next = previous * 2
	if next > c.maxBackoff {
		next = c.maxBackoff
	}
	c.backoff.Store(next)
	return previous, next
}

// recordFailure counts a failure toward the breaker. Once the round reaches
// the threshold the circuit opens, the backoff doubles, and a half-open
// probe is scheduled after the pre-doubling backoff.
func (c *Client) recordFailure() {
	totalFailures := c.failures.Add(1)
	c.lastFailure.Store(time.Now())
	circuitFailures := c.circuitFailures.Add(1)

	c.logger.Debugf("Recorded failure %d (circuit failures: %d)", totalFailures, circuitFailures)

	if circuitFailures < c.circuitThreshold {
		return
	}

	currentStatus := c.Status()
	if currentStatus != StatusCircuitOpen {
		// Only one goroutine wins the transition.
		if c.status.CompareAndSwap(currentStatus, StatusCircuitOpen) {
			c.metrics.circuitState(circuitOpen)
			wait, _ := c.growBackoff()
			c.logger.Printf("Circuit breaker opened after %d failures, backing off for %v",
				circuitFailures, wait)
			c.circuitFailures.Store(0)
			time.AfterFunc(wait, c.testCircuit)
		}
		return
	}

	// Already open: failures during the open window keep growing the wait.
	_, next := c.growBackoff()
	c.logger.Printf("Circuit breaker still open, increased backoff to %v", next)
	c.circuitFailures.Store(0)
}

// resetCircuit clears failure counters after a successful operation.
func (c *Client) resetCircuit() {
	c.failures.Store(0)
	c.circuitFailures.Store(0)
	c.backoff.Store(time.Second)
	c.lastFailure.Store(time.Time{})
	c.metrics.circuitState(circuitClosed)

	if c.Status() == StatusCircuitOpen {
		c.setStatus(StatusDisconnected)
	}
}

// testCircuit moves an open circuit to half-open by dropping back to
// disconnected; the next attempt closes or reopens it.
func (c *Client) testCircuit() {
	c.logger.Debugf("Testing circuit breaker - attempting to close circuit")

	if c.Status() == StatusCircuitOpen {
		c.logger.Debugf("Circuit breaker test: moving from open to disconnected")
		c.metrics.circuitState(circuitHalfOpen)
		c.setStatus(StatusDisconnected)
	}
}
