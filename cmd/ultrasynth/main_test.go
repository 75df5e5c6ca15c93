package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fieldjoshua/ultrasynth/pkg/circuitbreaker"
	"github.com/fieldjoshua/ultrasynth/pkg/config"
	"github.com/fieldjoshua/ultrasynth/pkg/eventbus"
	"github.com/fieldjoshua/ultrasynth/pkg/fallback"
	"github.com/fieldjoshua/ultrasynth/pkg/llm"
	"github.com/fieldjoshua/ultrasynth/pkg/orchtypes"
	"github.com/fieldjoshua/ultrasynth/pkg/pipeline"
	"github.com/fieldjoshua/ultrasynth/pkg/ratelimit"
	"github.com/fieldjoshua/ultrasynth/pkg/resilience"
	"github.com/fieldjoshua/ultrasynth/pkg/retryhandler"
)

func TestSplitModels_EmptyReturnsNil(t *testing.T) {
	assert.Nil(t, splitModels(""))
}

func TestSplitModels_SplitsOnComma(t *testing.T) {
	got := splitModels("gpt-4o,claude-3-5-sonnet-20241022")
	assert.Equal(t, []orchtypes.ModelId{"gpt-4o", "claude-3-5-sonnet-20241022"}, got)
}

func TestSplitModels_SkipsEmptySegments(t *testing.T) {
	got := splitModels("gpt-4o,,claude-3-5-sonnet-20241022,")
	assert.Equal(t, []orchtypes.ModelId{"gpt-4o", "claude-3-5-sonnet-20241022"}, got)
}

func TestInitLogger_DefaultsToInfoJSON(t *testing.T) {
	logger := initLogger(config.LogConfig{})
	require.NotNil(t, logger)
	assert.True(t, logger.Core().Enabled(zap.InfoLevel))
	assert.False(t, logger.Core().Enabled(zap.DebugLevel))
}

func TestInitLogger_DebugLevelEnablesDebug(t *testing.T) {
	logger := initLogger(config.LogConfig{Level: "debug"})
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))
}

func TestBuildAdapters_OnlyWiresProvidersWithKeysSet(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "k-openai")
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")
	t.Setenv("HUGGINGFACE_API_KEY", "")

	adapters := buildAdapters(zap.NewNop())
	_, hasOpenAI := adapters[orchtypes.ProviderOpenAI]
	_, hasAnthropic := adapters[orchtypes.ProviderAnthropic]
	assert.True(t, hasOpenAI)
	assert.False(t, hasAnthropic)
	assert.Len(t, adapters, 1)
}

func TestBuildAdapters_NoKeysYieldsEmptyMap(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")
	t.Setenv("HUGGINGFACE_API_KEY", "")

	adapters := buildAdapters(zap.NewNop())
	assert.Empty(t, adapters)
}

// --- handler tests, wired against fake in-process providers instead of
// buildApp (which requires real network-facing vendor adapters) ---

type fakeProvider struct {
	id orchtypes.ProviderId
	fn func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error)
}

func (f *fakeProvider) Completion(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return f.fn(ctx, req)
}

func (f *fakeProvider) Probe(ctx context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true, CheckedAt: time.Now()}, nil
}

func (f *fakeProvider) Name() orchtypes.ProviderId { return f.id }

func succeedsWith(text string) func(context.Context, llm.ChatRequest) (*llm.ChatResponse, error) {
	return func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		return &llm.ChatResponse{Text: text}, nil
	}
}

func testApp(t *testing.T) *app {
	t.Helper()

	cfg := config.Default()
	cfg.MinimumModelsRequired = 3
	cfg.RequiredProviders = []orchtypes.ProviderId{orchtypes.ProviderOpenAI, orchtypes.ProviderAnthropic, orchtypes.ProviderGoogle}
	cfg.DefaultModels = []orchtypes.ModelId{"gpt-4o", "claude-3-5-sonnet-20241022", "gemini-1.5-pro"}
	cfg.MaxConcurrentModelCalls = 3
	cfg.EnhancedSynthesisEnabled = false

	registry := circuitbreaker.NewRegistry(func(key string) circuitbreaker.Config {
		c := circuitbreaker.DefaultConfig()
		c.FailureThreshold = 1000
		c.MinCalls = 1000
		return c
	})
	metrics := resilience.NewMetrics(nil)

	byProvider := map[orchtypes.ProviderId]*resilience.ResilientProvider{
		orchtypes.ProviderOpenAI:    resilience.New(&fakeProvider{id: orchtypes.ProviderOpenAI, fn: succeedsWith("openai says hi")}, registry, metrics),
		orchtypes.ProviderAnthropic: resilience.New(&fakeProvider{id: orchtypes.ProviderAnthropic, fn: succeedsWith("anthropic says hi")}, registry, metrics),
		orchtypes.ProviderGoogle:    resilience.New(&fakeProvider{id: orchtypes.ProviderGoogle, fn: succeedsWith("google says hi")}, registry, metrics),
	}

	retryCfg := retryhandler.DefaultConfig()
	retryCfg.MaxRetryAttempts = 0
	retryCfg.RateLimitDetectionOn = false
	retryCfg.RateLimitRetryOn = false

	bus := eventbus.New(eventbus.DefaultBufferSize)

	p := pipeline.New(pipeline.Deps{
		Config:              cfg,
		ResilientByProvider: byProvider,
		RateLimiter:         ratelimit.New(),
		RetryHandler:        retryhandler.New(retryCfg),
		FallbackManager:     fallback.NewManager(nil),
		Bus:                 bus,
		Logger:              zap.NewNop(),
	})

	return &app{cfg: cfg, pipeline: p, bus: bus, logger: zap.NewNop()}
}

func TestHandleSynthesize_RejectsNonPost(t *testing.T) {
	a := testApp(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/synthesize", nil)
	w := httptest.NewRecorder()
	a.handleSynthesize(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleSynthesize_RejectsInvalidJSON(t *testing.T) {
	a := testApp(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/synthesize", strings.NewReader("not json"))
	w := httptest.NewRecorder()
	a.handleSynthesize(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleSynthesize_SuccessReturnsFormattedOutput(t *testing.T) {
	a := testApp(t)
	body := `{"query":"explain recursion","models":["gpt-4o","claude-3-5-sonnet-20241022","gemini-1.5-pro"]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/synthesize", strings.NewReader(body))
	w := httptest.NewRecorder()
	a.handleSynthesize(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Contains(t, out, "Synthesis")
}

func TestHandleSynthesize_GatingFailureReturns503(t *testing.T) {
	a := testApp(t)
	body := `{"query":"too few models","models":["gpt-4o"]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/synthesize", strings.NewReader(body))
	w := httptest.NewRecorder()
	a.handleSynthesize(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var out orchtypes.ServiceUnavailable
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.NotEmpty(t, out.Message)
}

func TestHandleSynthesizeStream_RequiresQueryParam(t *testing.T) {
	a := testApp(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/synthesize/stream", nil)
	w := httptest.NewRecorder()
	a.handleSynthesizeStream(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleSynthesizeStream_StreamsUntilCompletion(t *testing.T) {
	a := testApp(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/synthesize/stream?query=explain+recursion", nil)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		a.handleSynthesizeStream(w, req)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handleSynthesizeStream did not return before timeout")
	}

	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no", w.Header().Get("X-Accel-Buffering"))
	assert.NotEmpty(t, w.Header().Get("X-Correlation-Id"))
	assert.Contains(t, w.Body.String(), string(orchtypes.EventPipelineCompleted))
}
