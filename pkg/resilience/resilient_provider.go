// Package resilience composes timeout, retry, and circuit breaking
// around a single llm.Provider, in that order: the circuit breaker is
// consulted first (cheapest check), then retries drive repeated
// timeout-bounded attempts at the underlying adapter.
package resilience

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fieldjoshua/ultrasynth/pkg/circuitbreaker"
	"github.com/fieldjoshua/ultrasynth/pkg/llm"
	"github.com/fieldjoshua/ultrasynth/pkg/orchtypes"
	"github.com/fieldjoshua/ultrasynth/pkg/retry"
)

// ProviderPreset bundles the timeout/circuit/retry defaults for one
// provider family, carried verbatim from the original implementation's
// PROVIDER_CONFIGS table.
type ProviderPreset struct {
	Timeout  time.Duration
	Breaker  circuitbreaker.Config
	Retry    retry.Policy
}

// ProviderPresets holds the default per-provider tuning.
var ProviderPresets = map[orchtypes.ProviderId]ProviderPreset{
	orchtypes.ProviderOpenAI: {
		Timeout: 30 * time.Second,
		Breaker: circuitbreaker.Config{FailureThreshold: 5, MinCalls: 10, SuccessThreshold: 2, Timeout: 60 * time.Second},
		Retry:   retry.Policy{MaxRetries: 3, InitialDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2.0, Jitter: true},
	},
	orchtypes.ProviderAnthropic: {
		Timeout: 45 * time.Second,
		Breaker: circuitbreaker.Config{FailureThreshold: 3, MinCalls: 10, SuccessThreshold: 2, Timeout: 90 * time.Second},
		Retry:   retry.Policy{MaxRetries: 3, InitialDelay: 2 * time.Second, MaxDelay: 20 * time.Second, Multiplier: 2.0, Jitter: true},
	},
	orchtypes.ProviderGoogle: {
		Timeout: 25 * time.Second,
		Breaker: circuitbreaker.Config{FailureThreshold: 5, MinCalls: 10, SuccessThreshold: 3, Timeout: 45 * time.Second},
		Retry:   retry.Policy{MaxRetries: 4, InitialDelay: 500 * time.Millisecond, MaxDelay: 15 * time.Second, Multiplier: 2.0, Jitter: true},
	},
	orchtypes.ProviderHuggingFace: {
		Timeout: 30 * time.Second,
		Breaker: circuitbreaker.Config{FailureThreshold: 5, MinCalls: 10, SuccessThreshold: 2, Timeout: 60 * time.Second},
		Retry:   retry.Policy{MaxRetries: 3, InitialDelay: time.Second, MaxDelay: 15 * time.Second, Multiplier: 2.0, Jitter: true},
	},
}

func presetFor(provider orchtypes.ProviderId) ProviderPreset {
	if p, ok := ProviderPresets[provider]; ok {
		return p
	}
	return ProviderPresets[orchtypes.ProviderOpenAI]
}

// BreakerConfigFor returns provider's preset breaker Config with
// OnStateChange wired to increment metrics.CircuitOpens on every
// transition into open (from closed or half-open). Pass the result from a
// circuitbreaker.NewRegistry cfgFor callback so breakers constructed
// through that registry report circuit_opens.
func BreakerConfigFor(provider orchtypes.ProviderId, metrics *Metrics) circuitbreaker.Config {
	cfg := presetFor(provider).Breaker
	cfg.OnStateChange = func(from, to circuitbreaker.State) {
		if to == circuitbreaker.Open {
			metrics.CircuitOpens.WithLabelValues(string(provider)).Inc()
		}
	}
	return cfg
}

// Metrics holds the per-provider prometheus counters incremented by
// ResilientProvider (§4.2: total, success, fail, retries, circuit_opens).
type Metrics struct {
	Total        *prometheus.CounterVec
	Success      *prometheus.CounterVec
	Fail         *prometheus.CounterVec
	Retries      *prometheus.CounterVec
	CircuitOpens *prometheus.CounterVec
}

// NewMetrics registers the counters on reg. Pass prometheus.NewRegistry()
// in tests to avoid collisions with the default global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Total: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ultrasynth_provider_calls_total", Help: "Total provider calls attempted.",
		}, []string{"provider"}),
		Success: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ultrasynth_provider_calls_success_total", Help: "Successful provider calls.",
		}, []string{"provider"}),
		Fail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ultrasynth_provider_calls_fail_total", Help: "Failed provider calls.",
		}, []string{"provider"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ultrasynth_provider_retries_total", Help: "Retry attempts issued.",
		}, []string{"provider"}),
		CircuitOpens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ultrasynth_provider_circuit_opens_total", Help: "Circuit breaker open transitions.",
		}, []string{"provider"}),
	}
	if reg != nil {
		reg.MustRegister(m.Total, m.Success, m.Fail, m.Retries, m.CircuitOpens)
	}
	return m
}

// ResilientProvider wraps an llm.Provider with a per-provider timeout,
// retry policy, and circuit breaker.
type ResilientProvider struct {
	inner   llm.Provider
	preset  ProviderPreset
	breaker *circuitbreaker.Breaker
	metrics *Metrics
}

// New wraps inner using the preset for its provider family. If
// metrics is nil, counters are tracked in an unregistered local set
// (no observability backend required).
func New(inner llm.Provider, registry *circuitbreaker.Registry, metrics *Metrics) *ResilientProvider {
	provider := inner.Name()
	preset := presetFor(provider)
	key := string(provider)
	breaker := registry.Get(key)
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &ResilientProvider{inner: inner, preset: preset, breaker: breaker, metrics: metrics}
}

func (r *ResilientProvider) Name() orchtypes.ProviderId { return r.inner.Name() }

// Completion applies timeout + retry + circuit breaking around the
// wrapped provider's Completion method.
func (r *ResilientProvider) Completion(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	provider := string(r.inner.Name())
	r.metrics.Total.WithLabelValues(provider).Inc()

	if err := r.breaker.Allow(); err != nil {
		r.metrics.Fail.WithLabelValues(provider).Inc()
		return nil, &llm.Error{Kind: llm.ErrCircuitOpen, Provider: r.inner.Name(), Message: "circuit open"}
	}

	timeout := r.preset.Timeout
	if req.Timeout > 0 && req.Timeout < timeout {
		timeout = req.Timeout
	}

	policy := r.preset.Retry
	policy.IsRetryable = func(err error) bool { return llm.IsRetryable(err) }
	attempt := 0
	policy.OnRetry = func(n int, err error) {
		attempt = n
		r.metrics.Retries.WithLabelValues(provider).Inc()
	}

	resp, err := retry.DoWithResult(ctx, policy, func(ctx context.Context) (*llm.ChatResponse, error) {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		resp, err := r.inner.Completion(callCtx, req)
		if err != nil {
			if callCtx.Err() != nil && !isClientError(err) {
				return nil, &llm.Error{Kind: llm.ErrTimeout, Provider: r.inner.Name(), Message: "call timed out"}
			}
			return nil, err
		}
		return resp, nil
	})
	_ = attempt

	if err != nil {
		if !isClientError(err) {
			r.breaker.RecordFailure()
		}
		r.metrics.Fail.WithLabelValues(provider).Inc()
		return nil, err
	}

	r.breaker.RecordSuccess()
	r.metrics.Success.WithLabelValues(provider).Inc()
	return resp, nil
}

// Probe passes through to the wrapped provider without retry/circuit
// involvement; the health cache owns its own TTL logic.
func (r *ResilientProvider) Probe(ctx context.Context) (*llm.HealthStatus, error) {
	return r.inner.Probe(ctx)
}

// isClientError reports whether err is a non-retryable client error
// that should not be counted against the circuit breaker (missing key,
// auth, bad_request, not_found, malformed_response).
func isClientError(err error) bool {
	e, ok := err.(*llm.Error)
	if !ok {
		return false
	}
	switch e.Kind {
	case llm.ErrMissingAPIKey, llm.ErrAuth, llm.ErrBadRequest, llm.ErrNotFound, llm.ErrMalformedResponse:
		return true
	default:
		return false
	}
}
