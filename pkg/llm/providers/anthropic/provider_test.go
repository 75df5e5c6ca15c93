package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldjoshua/ultrasynth/pkg/llm"
	"github.com/fieldjoshua/ultrasynth/pkg/orchtypes"
)

func decodeBody(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func TestCompletion_MissingAPIKey(t *testing.T) {
	p := New(Config{}, nil)
	_, err := p.Completion(context.Background(), llm.ChatRequest{Model: "claude-3-opus", Prompt: "hi"})
	var e *llm.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, llm.ErrMissingAPIKey, e.Kind)
}

func TestCompletion_SuccessConcatenatesTextBlocks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		w.Write([]byte(`{"content":[{"type":"text","text":"hello "},{"type":"text","text":"world"}],"usage":{"input_tokens":5,"output_tokens":2}}`))
	}))
	defer srv.Close()

	p := New(Config{APIKey: "test-key", BaseURL: srv.URL}, nil)
	resp, err := p.Completion(context.Background(), llm.ChatRequest{Model: "claude-3-opus", Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hello world", resp.Text)
	assert.Equal(t, 5, resp.PromptTokens)
	assert.Equal(t, 2, resp.CompletionTokens)
}

func TestCompletion_DefaultsMaxTokensWhenUnset(t *testing.T) {
	var captured struct {
		MaxTokens int `json:"max_tokens"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = decodeBody(r, &captured)
		w.Write([]byte(`{"content":[]}`))
	}))
	defer srv.Close()

	p := New(Config{APIKey: "k", BaseURL: srv.URL}, nil)
	_, err := p.Completion(context.Background(), llm.ChatRequest{Model: "claude-3-opus", Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, 1024, captured.MaxTokens)
}

func TestCompletion_OverloadMappedToTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(529)
	}))
	defer srv.Close()

	p := New(Config{APIKey: "k", BaseURL: srv.URL}, nil)
	_, err := p.Completion(context.Background(), llm.ChatRequest{Model: "claude-3-opus", Prompt: "hi"})
	var e *llm.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, llm.ErrTransport, e.Kind)
}

func TestCompletion_NotFoundMapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := New(Config{APIKey: "k", BaseURL: srv.URL}, nil)
	_, err := p.Completion(context.Background(), llm.ChatRequest{Model: "claude-3-opus", Prompt: "hi"})
	var e *llm.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, llm.ErrNotFound, e.Kind)
}

func TestProbe_UsesDefaultHaikuModelWhenUnset(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Model string `json:"model"`
		}
		_ = decodeBody(r, &body)
		gotModel = body.Model
		w.Write([]byte(`{"content":[{"type":"text","text":"pong"}]}`))
	}))
	defer srv.Close()

	p := New(Config{APIKey: "k", BaseURL: srv.URL}, nil)
	status, err := p.Probe(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Healthy)
	assert.Equal(t, "claude-3-5-haiku-20241022", gotModel)
}

func TestName_ReturnsAnthropic(t *testing.T) {
	p := New(Config{}, nil)
	assert.Equal(t, orchtypes.ProviderAnthropic, p.Name())
}
