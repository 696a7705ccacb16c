package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errTransient = errors.New("transient")
	errPermanent = errors.New("permanent")
)

func isTransient(err error) bool { return errors.Is(err, errTransient) }

// recordSleep 记录每次退避时长而不真正等待
func recordSleep(waits *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return ctx.Err()
	}
}

func TestDo_NonRetryableCalledOnce(t *testing.T) {
	var waits []time.Duration
	p := DefaultPolicy(isTransient)
	p.Sleep = recordSleep(&waits)

	calls := 0
	err := Do(context.Background(), p, func(ctx context.Context) error {
		calls++
		return errPermanent
	})
	assert.ErrorIs(t, err, errPermanent)
	assert.Equal(t, 1, calls)
	assert.Empty(t, waits)
}

func TestDo_RetryableExhaustsAttempts(t *testing.T) {
	var waits []time.Duration
	p := DefaultPolicy(isTransient)
	p.Sleep = recordSleep(&waits)

	calls := 0
	err := Do(context.Background(), p, func(ctx context.Context) error {
		calls++
		return errTransient
	})
	assert.Same(t, errTransient, err, "last retryable error is returned as-is")
	assert.Equal(t, DefaultMaxAttempts, calls)
	require.Len(t, waits, DefaultMaxAttempts-1)
	for i, w := range waits {
		assert.GreaterOrEqual(t, w, time.Duration(0))
		assert.Less(t, w, p.Backoff(i))
	}
}

func TestDoValue_SucceedsAfterRetry(t *testing.T) {
	var waits []time.Duration
	p := DefaultPolicy(isTransient)
	p.MaxAttempts = 5
	p.Sleep = recordSleep(&waits)

	calls := 0
	v, err := DoValue(context.Background(), p, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errTransient
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, calls)
	assert.Len(t, waits, 2)
}

func TestDo_NilClassifierNeverRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{}, func(ctx context.Context) error {
		calls++
		return errTransient
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 10, BaseDelay: time.Hour, MaxDelay: time.Hour, Retryable: isTransient}

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, p, func(ctx context.Context) error {
			calls++
			return errTransient
		})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errTransient)
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("backoff sleep did not honour cancellation")
	}
}

func TestBackoffCapped(t *testing.T) {
	p := Policy{BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}
	assert.Equal(t, 200*time.Millisecond, p.Backoff(0))
	assert.Equal(t, 400*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 1600*time.Millisecond, p.Backoff(3))
	assert.Equal(t, 2*time.Second, p.Backoff(4))
	assert.Equal(t, 2*time.Second, p.Backoff(100))
}

func TestJitterWithinCeiling(t *testing.T) {
	for i := 0; i < 1000; i++ {
		d := jitter(10 * time.Millisecond)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, 10*time.Millisecond)
	}
	assert.Equal(t, time.Duration(0), jitter(0))
}
