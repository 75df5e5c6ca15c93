package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fieldjoshua/ultrasynth/pkg/orchtypes"
)

// CallRecord is what TracedProvider records and exposes through
// CostTracker for per-run accounting.
type CallRecord struct {
	Provider         orchtypes.ProviderId
	Model            string
	PromptTokens     int
	CompletionTokens int
	Cost             float64
	Success          bool
	Duration         time.Duration
}

// Tracer wraps an otel tracer with the one-span-per-call convention
// this package uses.
type Tracer struct {
	tracer trace.Tracer
	cost   *CostCalculator
}

// NewTracer builds a Tracer. tracer may be nil, in which case the global
// otel tracer provider is used (matching the teacher's default
// wiring, which leaves span export to whatever the composition root
// configured).
func NewTracer(tracer trace.Tracer, cost *CostCalculator) *Tracer {
	if tracer == nil {
		tracer = otel.Tracer("github.com/fieldjoshua/ultrasynth/pkg/telemetry")
	}
	if cost == nil {
		cost = NewCostCalculator()
	}
	return &Tracer{tracer: tracer, cost: cost}
}

// TraceCall starts a span named "llm.call", invokes fn, records
// {provider, model, input_tokens, output_tokens, cost, success,
// duration_ms} as span attributes, and returns fn's CallRecord and
// error for the caller to fold into a ModelCall.
func (t *Tracer) TraceCall(ctx context.Context, provider orchtypes.ProviderId, model, prompt string, fn func(ctx context.Context) (text string, completionTokens int, err error)) (CallRecord, error) {
	start := time.Now()
	ctx, span := t.tracer.Start(ctx, "llm.call")
	defer span.End()

	promptTokens := EstimateTokens(model, prompt)
	text, completionTokens, err := fn(ctx)
	duration := time.Since(start)

	if completionTokens == 0 && text != "" {
		completionTokens = EstimateTokens(model, text)
	}
	cost := t.cost.Calculate(provider, model, promptTokens, completionTokens)

	record := CallRecord{
		Provider:         provider,
		Model:            model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		Cost:             cost,
		Success:          err == nil,
		Duration:         duration,
	}

	span.SetAttributes(
		attribute.String("provider", string(provider)),
		attribute.String("model", model),
		attribute.Int("input_tokens", promptTokens),
		attribute.Int("output_tokens", completionTokens),
		attribute.Float64("cost", cost),
		attribute.Bool("success", err == nil),
		attribute.Int64("duration_ms", duration.Milliseconds()),
	)
	if err != nil {
		span.RecordError(err)
	}

	return record, err
}

// CostSummary aggregates CostTracker's running totals.
type CostSummary struct {
	TotalCost       float64
	TotalTokens     int
	TokensInput     int
	TokensOutput    int
	RequestCount    int
	AvgCostPerReq   float64
	AvgTokensPerReq float64
}

// CostTracker accumulates CallRecords across a run (or a process
// lifetime, at the caller's discretion).
type CostTracker struct {
	summary CostSummary
}

// Track folds one CallRecord into the running summary.
func (c *CostTracker) Track(r CallRecord) {
	c.summary.TotalCost += r.Cost
	c.summary.TokensInput += r.PromptTokens
	c.summary.TokensOutput += r.CompletionTokens
	c.summary.TotalTokens += r.PromptTokens + r.CompletionTokens
	c.summary.RequestCount++
	if c.summary.RequestCount > 0 {
		c.summary.AvgCostPerReq = c.summary.TotalCost / float64(c.summary.RequestCount)
		c.summary.AvgTokensPerReq = float64(c.summary.TotalTokens) / float64(c.summary.RequestCount)
	}
}

// Summary returns the current aggregate.
func (c *CostTracker) Summary() CostSummary { return c.summary }
