package huggingface

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldjoshua/ultrasynth/pkg/llm"
	"github.com/fieldjoshua/ultrasynth/pkg/orchtypes"
)

func TestCompletion_MissingAPIKey(t *testing.T) {
	p := New(Config{}, nil)
	_, err := p.Completion(context.Background(), llm.ChatRequest{Model: "org/model", Prompt: "hi"})
	var e *llm.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, llm.ErrMissingAPIKey, e.Kind)
}

func TestCompletion_SuccessUsesFirstGeneration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"generated_text":"hello"}]`))
	}))
	defer srv.Close()

	p := New(Config{APIKey: "k", BaseURL: srv.URL}, nil)
	resp, err := p.Completion(context.Background(), llm.ChatRequest{Model: "org/model", Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Text)
}

func TestCompletion_503MapsToLoading(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := New(Config{APIKey: "k", BaseURL: srv.URL}, nil)
	_, err := p.Completion(context.Background(), llm.ChatRequest{Model: "org/model", Prompt: "hi"})
	var e *llm.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, llm.ErrLoading, e.Kind)
}

func TestProbe_LoadingModelStillCountsHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := New(Config{APIKey: "k", BaseURL: srv.URL}, nil)
	status, err := p.Probe(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Healthy, "warming-up model should still be reported healthy by the probe")
}

func TestProbe_OtherErrorsAreUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := New(Config{APIKey: "k", BaseURL: srv.URL}, nil)
	status, err := p.Probe(context.Background())
	require.Error(t, err)
	assert.False(t, status.Healthy)
}

func TestName_ReturnsHuggingFace(t *testing.T) {
	p := New(Config{}, nil)
	assert.Equal(t, orchtypes.ProviderHuggingFace, p.Name())
}
