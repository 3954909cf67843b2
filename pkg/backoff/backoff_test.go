package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicy_Delay(t *testing.T) {
	p := Policy{Initial: time.Second, Factor: 2.0, Max: 30 * time.Second}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second}, // capped
		{10, 30 * time.Second},
		{0, time.Second}, // clamped to first attempt
	}

	for _, test := range tests {
		assert.Equal(t, test.expected, p.Delay(test.attempt), "attempt %d", test.attempt)
	}
}

func TestPolicy_DelayDefaults(t *testing.T) {
	// Zero-value policy still produces a sane schedule.
	var p Policy
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
}

func TestPolicy_Jitter(t *testing.T) {
	p := Policy{Initial: time.Second, Factor: 2.0, Jitter: true}

	for i := 0; i < 50; i++ {
		d := p.Delay(1)
		assert.GreaterOrEqual(t, d, 750*time.Millisecond)
		assert.Less(t, d, 1250*time.Millisecond)
	}
}

func TestPolicy_Exhausted(t *testing.T) {
	p := Policy{MaxAttempts: 5}
	assert.False(t, p.Exhausted(4))
	assert.True(t, p.Exhausted(5))
	assert.True(t, p.Exhausted(6))

	unlimited := Policy{}
	assert.False(t, unlimited.Exhausted(1000))
}

func TestDefaultPolicy_ReconnectContract(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.True(t, p.Exhausted(5))
	assert.False(t, p.Exhausted(4))
}

func TestQuickPolicy_StartupContract(t *testing.T) {
	p := QuickPolicy()
	assert.True(t, p.Jitter)
	assert.Equal(t, 10, p.MaxAttempts)
	// Jittered delays stay within ±25% of the schedule and under the cap.
	assert.LessOrEqual(t, p.Delay(1), 63*time.Millisecond)
	assert.LessOrEqual(t, p.Delay(20), 1250*time.Millisecond)
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	p := Policy{Initial: time.Millisecond, Factor: 1.0, MaxAttempts: 5}

	calls := 0
	err := Retry(context.Background(), p, func(_ context.Context, attempt int) error {
		calls++
		assert.Equal(t, calls, attempt)
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_Exhaustion(t *testing.T) {
	p := Policy{Initial: time.Millisecond, Factor: 1.0, MaxAttempts: 3}

	calls := 0
	err := Retry(context.Background(), p, func(context.Context, int) error {
		calls++
		return errors.New("always down")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAttemptsExhausted)
	assert.Equal(t, 3, calls)
}

func TestRetry_PermanentStopsImmediately(t *testing.T) {
	p := Policy{Initial: time.Millisecond, MaxAttempts: 10}

	calls := 0
	sentinel := errors.New("bad credentials")
	err := Retry(context.Background(), p, func(context.Context, int) error {
		calls++
		return Permanent(sentinel)
	})

	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}

func TestRetry_ContextCancel(t *testing.T) {
	p := Policy{Initial: time.Hour, MaxAttempts: 5}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Retry(ctx, p, func(context.Context, int) error {
			return errors.New("down")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("retry did not honor context cancellation")
	}
}

func TestPermanent_NilPassthrough(t *testing.T) {
	assert.Nil(t, Permanent(nil))
	assert.False(t, IsPermanent(nil))
}
