package telemetry

import (
	"context"

	"github.com/fieldjoshua/ultrasynth/pkg/llm"
	"github.com/fieldjoshua/ultrasynth/pkg/orchtypes"
)

// TracedProvider wraps an llm.Provider with the span/cost accounting
// from Tracer, sitting directly around the adapter (C1) per spec.md's
// call order C6->C7->C2->C3->C1: the resilient wrapper (C2) wraps
// this, not the other way around, so every retried attempt gets its
// own span and cost entry.
type TracedProvider struct {
	inner   llm.Provider
	tracer  *Tracer
	tracker *CostTracker
}

// NewTracedProvider builds a TracedProvider. tracker may be nil if the
// caller does not need a running cost total.
func NewTracedProvider(inner llm.Provider, tracer *Tracer, tracker *CostTracker) *TracedProvider {
	return &TracedProvider{inner: inner, tracer: tracer, tracker: tracker}
}

func (t *TracedProvider) Name() orchtypes.ProviderId { return t.inner.Name() }

// Completion traces and delegates to the wrapped provider.
func (t *TracedProvider) Completion(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	var resp *llm.ChatResponse
	record, err := t.tracer.TraceCall(ctx, t.inner.Name(), string(req.Model), req.Prompt, func(ctx context.Context) (string, int, error) {
		r, callErr := t.inner.Completion(ctx, req)
		if callErr != nil {
			return "", 0, callErr
		}
		resp = r
		return r.Text, r.CompletionTokens, nil
	})
	if t.tracker != nil {
		t.tracker.Track(record)
	}
	if err != nil {
		return nil, err
	}
	resp.PromptTokens = record.PromptTokens
	resp.CompletionTokens = record.CompletionTokens
	return resp, nil
}

// Probe passes through untraced; probes are cheap and outside the
// per-call cost/span accounting (§4.4 notes probes are a minimal,
// cheap request, not a billed user call).
func (t *TracedProvider) Probe(ctx context.Context) (*llm.HealthStatus, error) {
	return t.inner.Probe(ctx)
}
