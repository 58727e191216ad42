package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff_NextDelay(t *testing.T) {
	eb := &ExponentialBackoff{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   1 * time.Second,
		Multiplier: 2.0,
		Jitter:     0, // deterministic for the test
	}

	assert.Equal(t, 100*time.Millisecond, eb.NextDelay(0))
	assert.Equal(t, 200*time.Millisecond, eb.NextDelay(1))
	assert.Equal(t, 400*time.Millisecond, eb.NextDelay(2))
	assert.Equal(t, 800*time.Millisecond, eb.NextDelay(3))
	// Capped at MaxDelay
	assert.Equal(t, 1*time.Second, eb.NextDelay(10))
	// Negative attempt falls back to base
	assert.Equal(t, 100*time.Millisecond, eb.NextDelay(-1))
}

func TestExponentialBackoff_JitterBounds(t *testing.T) {
	eb := &ExponentialBackoff{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.1,
	}

	for i := 0; i < 100; i++ {
		d := eb.NextDelay(2) // nominal 400ms
		assert.GreaterOrEqual(t, d, 360*time.Millisecond)
		assert.LessOrEqual(t, d, 440*time.Millisecond)
	}
}

func TestRetry(t *testing.T) {
	strategy := &FixedBackoff{Delay: time.Millisecond}
	transient := errors.New("transient")
	permanent := errors.New("permanent")

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), 5, strategy,
			func(err error) bool { return errors.Is(err, transient) },
			func(ctx context.Context) error {
				calls++
				if calls < 3 {
					return transient
				}
				return nil
			})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("permanent error returned without retry", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), 5, strategy,
			func(err error) bool { return errors.Is(err, transient) },
			func(ctx context.Context) error {
				calls++
				return permanent
			})
		assert.ErrorIs(t, err, permanent)
		assert.Equal(t, 1, calls)
	})

	t.Run("attempts bounded", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), 3, strategy,
			func(err error) bool { return true },
			func(ctx context.Context) error {
				calls++
				return transient
			})
		assert.ErrorIs(t, err, transient)
		assert.Equal(t, 3, calls)
	})

	t.Run("cancelled context aborts", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := Retry(ctx, 3, strategy,
			func(err error) bool { return true },
			func(ctx context.Context) error { return transient })
		assert.ErrorIs(t, err, context.Canceled)
	})
}
