// Package ratelimit implements the per-endpoint adaptive gate: a
// requests-per-minute budget with a backoff factor that doubles on
// failure and halves on success, carried verbatim from
// app/services/rate_limiter.py.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config is one endpoint's limit definition.
type Config struct {
	RequestsPerMinute int
	Burst             int
}

// DefaultConfig is applied to endpoints that were never explicitly
// registered.
func DefaultConfig() Config {
	return Config{RequestsPerMinute: 60, Burst: 10}
}

type endpointState struct {
	cfg           Config
	limiter       *rate.Limiter
	mu            sync.Mutex
	backoffFactor float64
}

// Limiter gates calls per logical endpoint name (typically a provider
// id). Unknown endpoints are auto-registered with DefaultConfig.
type Limiter struct {
	mu        sync.Mutex
	endpoints map[string]*endpointState
}

// New constructs an empty Limiter.
func New() *Limiter {
	return &Limiter{endpoints: make(map[string]*endpointState)}
}

// RegisterEndpoint installs an explicit Config for endpoint, replacing
// any previously auto-registered default.
func (l *Limiter) RegisterEndpoint(endpoint string, cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.endpoints[endpoint] = l.newState(cfg)
}

func (l *Limiter) newState(cfg Config) *endpointState {
	ratePerSec := rate.Limit(float64(cfg.RequestsPerMinute) / 60.0)
	return &endpointState{cfg: cfg, limiter: rate.NewLimiter(ratePerSec, cfg.Burst), backoffFactor: 1.0}
}

func (l *Limiter) stateFor(endpoint string) *endpointState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.endpoints[endpoint]
	if !ok {
		st = l.newState(DefaultConfig())
		l.endpoints[endpoint] = st
	}
	return st
}

// Acquire blocks until a token for endpoint is available or ctx is
// cancelled. On exhaustion it sleeps backoff_factor*60/rpm_limit, per
// the original recursive retry loop, then tries again.
func (l *Limiter) Acquire(ctx context.Context, endpoint string) error {
	st := l.stateFor(endpoint)
	for {
		if st.limiter.Allow() {
			return nil
		}
		st.mu.Lock()
		backoff := st.backoffFactor
		rpm := st.cfg.RequestsPerMinute
		st.mu.Unlock()
		if rpm <= 0 {
			rpm = DefaultConfig().RequestsPerMinute
		}
		sleepFor := time.Duration(backoff * 60.0 / float64(rpm) * float64(time.Second))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleepFor):
		}
	}
}

// Release folds the outcome of the call that consumed an Acquire
// token back into the endpoint's backoff factor: halved (floored at
// 1.0) on success, doubled on failure.
func (l *Limiter) Release(endpoint string, success bool) {
	st := l.stateFor(endpoint)
	st.mu.Lock()
	defer st.mu.Unlock()
	if success {
		st.backoffFactor /= 2
		if st.backoffFactor < 1.0 {
			st.backoffFactor = 1.0
		}
	} else {
		st.backoffFactor *= 2
	}
}

// Stats is a read-only snapshot for diagnostics.
type Stats struct {
	Endpoint      string
	BackoffFactor float64
	RPMLimit      int
}

// EndpointStats returns the current backoff/limit state for endpoint.
func (l *Limiter) EndpointStats(endpoint string) Stats {
	st := l.stateFor(endpoint)
	st.mu.Lock()
	defer st.mu.Unlock()
	return Stats{Endpoint: endpoint, BackoffFactor: st.backoffFactor, RPMLimit: st.cfg.RequestsPerMinute}
}
