// Package correlation propagates a per-run correlation id through
// context.Context, following the contextKey/WithX/X pairing idiom
// used throughout the teacher's internal/ctxkeys package.
package correlation

import (
	"context"

	"github.com/google/uuid"

	"github.com/fieldjoshua/ultrasynth/pkg/orchtypes"
)

type contextKey string

const correlationIDKey contextKey = "correlation_id"

// WithID attaches id to ctx, inherited by every child context/goroutine
// started from it.
func WithID(ctx context.Context, id orchtypes.CorrelationId) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// FromContext returns the correlation id carried by ctx, if any.
func FromContext(ctx context.Context) (orchtypes.CorrelationId, bool) {
	v, ok := ctx.Value(correlationIDKey).(orchtypes.CorrelationId)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// Resolve implements the resolution order from spec.md §4.10: an
// explicit id takes precedence over one inherited from ctx, which
// takes precedence over a newly generated opaque id.
func Resolve(ctx context.Context, explicit orchtypes.CorrelationId) orchtypes.CorrelationId {
	if explicit != "" {
		return explicit
	}
	if id, ok := FromContext(ctx); ok {
		return id
	}
	return orchtypes.CorrelationId(uuid.NewString())
}

// Ensure returns ctx with a correlation id attached, resolving one per
// Resolve if ctx does not already carry one, and reports the id used.
func Ensure(ctx context.Context, explicit orchtypes.CorrelationId) (context.Context, orchtypes.CorrelationId) {
	id := Resolve(ctx, explicit)
	return WithID(ctx, id), id
}
