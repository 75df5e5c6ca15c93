package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/fieldjoshua/ultrasynth/pkg/orchtypes"
)

func noopTracer() *Tracer {
	return NewTracer(noop.NewTracerProvider().Tracer("test"), NewCostCalculator())
}

func TestTraceCall_SuccessRecordsTokensAndCost(t *testing.T) {
	tracer := noopTracer()
	record, err := tracer.TraceCall(context.Background(), orchtypes.ProviderOpenAI, "gpt-4o", "hello there", func(ctx context.Context) (string, int, error) {
		return "a response", 5, nil
	})
	require.NoError(t, err)
	assert.True(t, record.Success)
	assert.Equal(t, 5, record.CompletionTokens)
	assert.Greater(t, record.PromptTokens, 0)
	assert.Greater(t, record.Cost, 0.0)
}

func TestTraceCall_ErrorStillReturnsRecord(t *testing.T) {
	tracer := noopTracer()
	record, err := tracer.TraceCall(context.Background(), orchtypes.ProviderOpenAI, "gpt-4o", "hello", func(ctx context.Context) (string, int, error) {
		return "", 0, errors.New("boom")
	})
	require.Error(t, err)
	assert.False(t, record.Success)
}

func TestTraceCall_EstimatesCompletionTokensWhenUnreported(t *testing.T) {
	tracer := noopTracer()
	record, err := tracer.TraceCall(context.Background(), orchtypes.ProviderOpenAI, "gpt-4o", "hello", func(ctx context.Context) (string, int, error) {
		return "a fairly long response with several words in it", 0, nil
	})
	require.NoError(t, err)
	assert.Greater(t, record.CompletionTokens, 0)
}

func TestNewTracer_NilCostDefaultsToCalculator(t *testing.T) {
	tracer := NewTracer(noop.NewTracerProvider().Tracer("test"), nil)
	require.NotNil(t, tracer.cost)
}

func TestCostTracker_TrackAccumulatesSummary(t *testing.T) {
	tracker := &CostTracker{}
	tracker.Track(CallRecord{PromptTokens: 100, CompletionTokens: 50, Cost: 0.01})
	tracker.Track(CallRecord{PromptTokens: 200, CompletionTokens: 100, Cost: 0.02})

	summary := tracker.Summary()
	assert.Equal(t, 300, summary.TokensInput)
	assert.Equal(t, 150, summary.TokensOutput)
	assert.Equal(t, 450, summary.TotalTokens)
	assert.Equal(t, 2, summary.RequestCount)
	assert.InDelta(t, 0.03, summary.TotalCost, 1e-9)
	assert.InDelta(t, 0.015, summary.AvgCostPerReq, 1e-9)
	assert.InDelta(t, 225, summary.AvgTokensPerReq, 1e-9)
}

func TestCostTracker_ZeroValueUsable(t *testing.T) {
	var tracker CostTracker
	tracker.Track(CallRecord{Cost: 1})
	assert.Equal(t, 1.0, tracker.Summary().TotalCost)
}
