package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 5, cfg.FailureThreshold)
	assert.Equal(t, 10, cfg.MinCalls)
	assert.Equal(t, 2, cfg.SuccessThreshold)
	assert.Equal(t, 60*time.Second, cfg.Timeout)
}

func TestNew_ZeroConfigFallsBackToDefault(t *testing.T) {
	b := New(Config{})
	assert.Equal(t, Closed, b.State())
	snap := b.Snapshot()
	assert.Equal(t, 0, snap.TotalCalls)
}

func TestAllow_ClosedAndHalfOpenPermit(t *testing.T) {
	b := New(Config{FailureThreshold: 1, MinCalls: 1, SuccessThreshold: 1, Timeout: time.Millisecond})
	require.NoError(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, Open, b.State())
	assert.Error(t, b.Allow())

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, b.Allow())
	assert.Equal(t, HalfOpen, b.State())
}

func TestMinCallsGate(t *testing.T) {
	// Failure threshold alone is not enough to open; total calls must
	// also reach MinCalls.
	b := New(Config{FailureThreshold: 2, MinCalls: 5, SuccessThreshold: 1, Timeout: time.Second})

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, Closed, b.State(), "failure threshold met but min_calls not yet reached")

	b.RecordFailure()
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, Open, b.State(), "min_calls reached, breaker should now open")
}

func TestRecordSuccess_ClosesAfterThresholdInHalfOpen(t *testing.T) {
	b := New(Config{FailureThreshold: 1, MinCalls: 1, SuccessThreshold: 2, Timeout: time.Millisecond})
	b.RecordFailure()
	require.Equal(t, Open, b.State())

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, b.Allow())
	require.Equal(t, HalfOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, HalfOpen, b.State(), "one success short of SuccessThreshold")

	b.RecordSuccess()
	assert.Equal(t, Closed, b.State())
}

func TestRecordFailure_HalfOpenReopensImmediately(t *testing.T) {
	b := New(Config{FailureThreshold: 1, MinCalls: 1, SuccessThreshold: 3, Timeout: time.Millisecond})
	b.RecordFailure()
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, b.Allow())
	require.Equal(t, HalfOpen, b.State())

	b.RecordFailure()
	assert.Equal(t, Open, b.State())
}

func TestRecordSuccess_ResetsFailureCountInClosed(t *testing.T) {
	b := New(Config{FailureThreshold: 3, MinCalls: 1, SuccessThreshold: 1, Timeout: time.Second})
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	snap := b.Snapshot()
	assert.Equal(t, 0, snap.FailureCount)
	assert.Equal(t, Closed, b.State())
}

func TestReset(t *testing.T) {
	b := New(Config{FailureThreshold: 1, MinCalls: 1, SuccessThreshold: 1, Timeout: time.Second})
	b.RecordFailure()
	require.Equal(t, Open, b.State())

	b.Reset()
	assert.Equal(t, Closed, b.State())
	snap := b.Snapshot()
	assert.Equal(t, 0, snap.TotalCalls)
	assert.Equal(t, 0, snap.FailureCount)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "open", Open.String())
	assert.Equal(t, "half_open", HalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}

func TestOnStateChangeCallback(t *testing.T) {
	var transitions [][2]State
	b := New(Config{FailureThreshold: 1, MinCalls: 1, SuccessThreshold: 1, Timeout: time.Second,
		OnStateChange: func(from, to State) { transitions = append(transitions, [2]State{from, to}) }})
	b.RecordFailure()
	require.Len(t, transitions, 1)
	assert.Equal(t, Closed, transitions[0][0])
	assert.Equal(t, Open, transitions[0][1])
}

func TestRegistry_SharesBreakerPerKey(t *testing.T) {
	r := NewRegistry(nil)
	a := r.Get("openai")
	b := r.Get("openai")
	assert.Same(t, a, b)

	c := r.Get("anthropic")
	assert.NotSame(t, a, c)
}

func TestRegistry_CfgForAppliesPerKeyPresets(t *testing.T) {
	r := NewRegistry(func(key string) Config {
		if key == "strict" {
			return Config{FailureThreshold: 1, MinCalls: 1, SuccessThreshold: 1, Timeout: time.Second}
		}
		return DefaultConfig()
	})

	strict := r.Get("strict")
	strict.RecordFailure()
	assert.Equal(t, Open, strict.State())

	lenient := r.Get("lenient")
	lenient.RecordFailure()
	assert.Equal(t, Closed, lenient.State(), "default MinCalls=10 not yet reached")
}
