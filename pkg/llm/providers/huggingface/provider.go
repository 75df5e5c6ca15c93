// Package huggingface implements the uniform llm.Provider contract
// over the Hugging Face Inference API. A 503 while a model is warming
// up is mapped to ErrLoading: acceptable for health probes, surfaced
// as a retryable condition for user calls.
package huggingface

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fieldjoshua/ultrasynth/pkg/llm"
	"github.com/fieldjoshua/ultrasynth/pkg/orchtypes"
)

const defaultBaseURL = "https://api-inference.huggingface.co/models"

// Config configures a Provider instance.
type Config struct {
	APIKey  string
	BaseURL string
	Model   orchtypes.ModelId
}

// Provider adapts the Hugging Face Inference API to llm.Provider.
type Provider struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	return &Provider{cfg: cfg, client: &http.Client{}, logger: logger}
}

func (p *Provider) Name() orchtypes.ProviderId { return orchtypes.ProviderHuggingFace }

type inferenceRequest struct {
	Inputs string `json:"inputs"`
}

type generatedText struct {
	GeneratedText string `json:"generated_text"`
}

func (p *Provider) Completion(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	if p.cfg.APIKey == "" {
		return nil, &llm.Error{Kind: llm.ErrMissingAPIKey, Provider: p.Name(), Message: "no huggingface api key configured"}
	}

	body, err := json.Marshal(inferenceRequest{Inputs: req.Prompt})
	if err != nil {
		return nil, &llm.Error{Kind: llm.ErrBadRequest, Provider: p.Name(), Message: err.Error()}
	}

	endpoint := fmt.Sprintf("%s/%s", p.cfg.BaseURL, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &llm.Error{Kind: llm.ErrTransport, Provider: p.Name(), Message: err.Error()}
	}
	httpReq.Header.Set("content-type", "application/json")
	httpReq.Header.Set("authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &llm.Error{Kind: llm.ErrTimeout, Provider: p.Name(), Message: err.Error()}
		}
		return nil, &llm.Error{Kind: llm.ErrTransport, Provider: p.Name(), Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &llm.Error{Kind: llm.ErrTransport, Provider: p.Name(), Message: err.Error()}
	}

	if resp.StatusCode == http.StatusServiceUnavailable {
		return nil, &llm.Error{Kind: llm.ErrLoading, Provider: p.Name(), Message: "model is warming up", Status: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, mapError(resp.StatusCode, raw, p.Name())
	}

	var parsed []generatedText
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &llm.Error{Kind: llm.ErrMalformedResponse, Provider: p.Name(), Message: err.Error()}
	}
	text := ""
	if len(parsed) > 0 {
		text = parsed[0].GeneratedText
	}

	return &llm.ChatResponse{
		Text:      text,
		Model:     req.Model,
		Provider:  p.Name(),
		CreatedAt: time.Now(),
	}, nil
}

func mapError(status int, raw []byte, provider orchtypes.ProviderId) error {
	msg := string(raw)
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &llm.Error{Kind: llm.ErrAuth, Provider: provider, Message: msg, Status: status}
	case http.StatusNotFound:
		return &llm.Error{Kind: llm.ErrNotFound, Provider: provider, Message: msg, Status: status}
	case http.StatusBadRequest:
		return &llm.Error{Kind: llm.ErrBadRequest, Provider: provider, Message: msg, Status: status}
	case http.StatusTooManyRequests:
		return &llm.Error{Kind: llm.ErrRateLimited, Provider: provider, Message: msg, Status: status}
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return &llm.Error{Kind: llm.ErrTimeout, Provider: provider, Message: msg, Status: status}
	default:
		if status >= 500 {
			return &llm.Error{Kind: llm.ErrTransport, Provider: provider, Message: msg, Status: status}
		}
		return &llm.Error{Kind: llm.ErrBadRequest, Provider: provider, Message: msg, Status: status}
	}
}

// Probe sends a single "ping" input. Healthy iff status is 200 or 503
// (the model-warm-up exception from model_health_cache.py's
// Hugging Face branch).
func (p *Provider) Probe(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()
	model := p.cfg.Model
	if model == "" {
		model = "sentence-transformers/all-MiniLM-L6-v2"
	}
	_, err := p.Completion(ctx, llm.ChatRequest{Model: model, Prompt: "ping"})
	latency := time.Since(start)
	if err != nil {
		if e, ok := err.(*llm.Error); ok && e.Kind == llm.ErrLoading {
			return &llm.HealthStatus{Healthy: true, Latency: latency, CheckedAt: time.Now()}, nil
		}
		return &llm.HealthStatus{Healthy: false, Latency: latency, CheckedAt: time.Now()}, err
	}
	return &llm.HealthStatus{Healthy: true, Latency: latency, CheckedAt: time.Now()}, nil
}
