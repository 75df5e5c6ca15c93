package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_SucceedsWithoutRetry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultPolicy(), func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	policy := Policy{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2}
	err := Do(context.Background(), policy, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsAtMaxRetries(t *testing.T) {
	calls := 0
	policy := Policy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
	err := Do(context.Background(), policy, func(ctx context.Context) error {
		calls++
		return errors.New("always fails")
	})
	assert.Error(t, err)
	assert.Equal(t, 3, calls, "1 initial + 2 retries")
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	policy := Policy{MaxRetries: 3, InitialDelay: time.Millisecond, IsRetryable: func(error) bool { return false }}
	err := Do(context.Background(), policy, func(ctx context.Context) error {
		calls++
		return errors.New("boom")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	policy := Policy{MaxRetries: 5, InitialDelay: 20 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	err := Do(ctx, policy, func(ctx context.Context) error {
		calls++
		if calls == 1 {
			cancel()
		}
		return errors.New("fails")
	})
	assert.Error(t, err)
	assert.LessOrEqual(t, calls, 2)
}

func TestDo_OnRetryCalledWithAttemptNumber(t *testing.T) {
	var attempts []int
	policy := Policy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2,
		OnRetry: func(attempt int, err error) { attempts = append(attempts, attempt) }}
	_ = Do(context.Background(), policy, func(ctx context.Context) error {
		return errors.New("fails")
	})
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestDoWithResult_ReturnsValueOnSuccess(t *testing.T) {
	result, err := DoWithResult(context.Background(), DefaultPolicy(), func(ctx context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestDoWithResult_ReturnsZeroValueOnFailure(t *testing.T) {
	policy := Policy{MaxRetries: 1, InitialDelay: time.Millisecond}
	result, err := DoWithResult(context.Background(), policy, func(ctx context.Context) (int, error) {
		return 42, errors.New("boom")
	})
	assert.Error(t, err)
	assert.Equal(t, 0, result)
}

func TestCalculateDelay_CapsAtMaxDelay(t *testing.T) {
	p := Policy{InitialDelay: time.Second, MaxDelay: 2 * time.Second, Multiplier: 10, Jitter: false}
	d := calculateDelay(p, 5)
	assert.Equal(t, 2*time.Second, d)
}

func TestCalculateDelay_FloorsAtInitialDelay(t *testing.T) {
	p := Policy{InitialDelay: time.Second, MaxDelay: 0, Multiplier: 0.01, Jitter: false}
	d := calculateDelay(p, 1)
	assert.GreaterOrEqual(t, d, time.Second)
}

func TestRetryableMarking(t *testing.T) {
	base := errors.New("boom")

	retryable, ok := IsRetryable(Retryable(base))
	assert.True(t, ok)
	assert.True(t, retryable)

	notRetryable, ok := IsRetryable(NotRetryable(base))
	assert.True(t, ok)
	assert.False(t, notRetryable)

	_, ok = IsRetryable(base)
	assert.False(t, ok, "unmarked errors report ok=false")
}

func TestErrorUnwrap(t *testing.T) {
	base := errors.New("boom")
	wrapped := Retryable(base)
	assert.True(t, errors.Is(wrapped, base))
}
