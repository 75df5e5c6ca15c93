// Package llm defines the uniform contract every provider adapter
// implements: a single async Completion call translating a vendor's
// wire format into {generated_text} or a tagged error kind.
package llm

import (
	"context"
	"time"

	"github.com/fieldjoshua/ultrasynth/pkg/orchtypes"
)

// ErrorKind enumerates the taxonomy a provider adapter may surface.
// Adapters never retry and never block beyond their single HTTP
// round-trip; retry/circuit-breaking decisions live one layer up.
type ErrorKind string

const (
	ErrMissingAPIKey      ErrorKind = "missing_api_key"
	ErrAuth               ErrorKind = "auth"
	ErrNotFound           ErrorKind = "not_found"
	ErrBadRequest         ErrorKind = "bad_request"
	ErrRateLimited        ErrorKind = "rate_limited"
	ErrTimeout            ErrorKind = "timeout"
	ErrLoading            ErrorKind = "loading"
	ErrTransport          ErrorKind = "transport"
	ErrCircuitOpen        ErrorKind = "circuit_open"
	ErrMalformedResponse  ErrorKind = "malformed_response"
)

// Error is the uniform error value every adapter and wrapper returns.
// Components key their handling decisions off Kind, never off string
// matching the message.
type Error struct {
	Kind     ErrorKind
	Message  string
	Provider orchtypes.ProviderId
	Status   int
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return string(e.Provider) + ": " + string(e.Kind) + ": " + e.Message
	}
	return string(e.Kind) + ": " + e.Message
}

// Retryable reports whether the resilient wrapper should attempt this
// call again. Client errors (auth, not_found, bad_request, circuit_open,
// malformed_response) are never retried; timeouts/transport/rate_limited
// are.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case ErrTimeout, ErrTransport, ErrRateLimited, ErrLoading:
		return true
	default:
		return false
	}
}

// ChatRequest is the uniform request shape passed to a provider's
// Completion method after correlation/telemetry wrapping.
type ChatRequest struct {
	CorrelationId orchtypes.CorrelationId
	Model         orchtypes.ModelId
	Prompt        string
	MaxTokens     int
	Temperature   float64
	Timeout       time.Duration
}

// ChatResponse is the uniform success shape.
type ChatResponse struct {
	Text             string
	Model            orchtypes.ModelId
	Provider         orchtypes.ProviderId
	PromptTokens     int
	CompletionTokens int
	CreatedAt        time.Time
}

// HealthStatus is returned by a provider's cheap probe call.
type HealthStatus struct {
	Healthy   bool
	Latency   time.Duration
	CheckedAt time.Time
}

// Provider is the one operation every vendor adapter implements:
// generate(prompt, cancel) -> success(text) | fail(kind).
type Provider interface {
	// Completion performs exactly one HTTP round-trip; it must not
	// retry and must return promptly when ctx is cancelled.
	Completion(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// Probe performs a minimal, cheap request used by the health cache.
	Probe(ctx context.Context) (*HealthStatus, error)
	Name() orchtypes.ProviderId
}

// IsRetryable is a convenience helper mirroring (*Error).Retryable for
// callers that only have an `error`.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable()
	}
	return false
}
