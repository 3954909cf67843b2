// Package backoff provides exponential backoff policies for reconnecting
// clients and retried operations.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

var (
	// Thread-safe random source for jitter
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// ErrAttemptsExhausted is returned when a policy's attempt budget runs out.
var ErrAttemptsExhausted = errors.New("backoff: attempts exhausted")

// PermanentError wraps errors that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps an error to stop a retry loop immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent checks if an error is marked as non-retryable.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Policy describes an exponential backoff schedule.
type Policy struct {
	Initial     time.Duration // delay before the first retry
	Factor      float64       // growth factor per attempt (typically 2.0)
	Max         time.Duration // cap on any single delay (0 = uncapped)
	MaxAttempts int           // retry budget (0 = unlimited)
	Jitter      bool          // randomize each delay within ±25%
}

// DefaultPolicy matches the reconnect contract of the streaming transports:
// base 1s, doubling, at most 5 attempts.
func DefaultPolicy() Policy {
	return Policy{
		Initial:     time.Second,
		Factor:      2.0,
		Max:         30 * time.Second,
		MaxAttempts: 5,
	}
}

// QuickPolicy suits startup paths waiting on infrastructure that is
// still coming up: short delays, a generous attempt budget, jitter on.
func QuickPolicy() Policy {
	return Policy{
		Initial:     50 * time.Millisecond,
		Factor:      1.5,
		Max:         time.Second,
		MaxAttempts: 10,
		Jitter:      true,
	}
}

// Delay returns the wait before the given retry attempt. Attempts count
// from 1; attempt 1 waits Initial, attempt 2 waits Initial*Factor, and so
// on, capped at Max.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	initial := p.Initial
	if initial <= 0 {
		initial = time.Second
	}
	factor := p.Factor
	if factor < 1 {
		factor = 2.0
	}

	d := initial
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * factor)
		if p.Max > 0 && d >= p.Max {
			d = p.Max
			break
		}
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}

	if p.Jitter {
		d = addJitter(d)
	}
	return d
}

// Exhausted reports whether the attempt budget is spent.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}

// addJitter randomizes the delay within ±25% to avoid thundering herds.
func addJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	randMu.Lock()
	f := randSource.Float64()
	randMu.Unlock()

	// Scale into [0.75, 1.25).
	return time.Duration(float64(d) * (0.75 + f/2))
}

// Retry runs fn until it succeeds, returns a permanent error, the policy is
// exhausted, or the context ends. The attempt number passed to fn counts
// from 1.
func Retry(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) {
			return lastErr
		}
		if p.Exhausted(attempt) {
			return fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, attempt, lastErr)
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
