// Package openai implements the uniform llm.Provider contract over the
// OpenAI Chat Completions API.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fieldjoshua/ultrasynth/pkg/llm"
	"github.com/fieldjoshua/ultrasynth/pkg/orchtypes"
)

const defaultBaseURL = "https://api.openai.com/v1/chat/completions"

// Config configures a Provider instance.
type Config struct {
	APIKey  string
	BaseURL string
	Model   orchtypes.ModelId
}

// Provider adapts the OpenAI Chat Completions API to llm.Provider.
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

func (p *Provider) Name() orchtypes.ProviderId { return orchtypes.ProviderOpenAI }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type errorEnvelope struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

func (p *Provider) Completion(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	if p.cfg.APIKey == "" {
		return nil, &llm.Error{Kind: llm.ErrMissingAPIKey, Provider: p.Name(), Message: "no openai api key configured"}
	}

	body, err := json.Marshal(chatRequest{
		Model:     string(req.Model),
		Messages:  []chatMessage{{Role: "user", Content: req.Prompt}},
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		return nil, &llm.Error{Kind: llm.ErrBadRequest, Provider: p.Name(), Message: err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL, bytes.NewReader(body))
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
	if resp.StatusCode != http.StatusOK {
		return nil, mapError(resp.StatusCode, raw, p.Name())
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &llm.Error{Kind: llm.ErrMalformedResponse, Provider: p.Name(), Message: err.Error()}
	}
	text := ""
	if len(parsed.Choices) > 0 {
		text = parsed.Choices[0].Message.Content
	}

	return &llm.ChatResponse{
		Text:             text,
		Model:            req.Model,
		Provider:         p.Name(),
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
		CreatedAt:        time.Now(),
	}, nil
}

func mapError(status int, raw []byte, provider orchtypes.ProviderId) error {
	var env errorEnvelope
	_ = json.Unmarshal(raw, &env)
	msg := env.Error.Message
	if msg == "" {
		msg = string(raw)
	}
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

// Probe sends the minimal one-token ping per
// original_source/app/services/model_health_cache.py: a single user
// message "ping" with max_tokens=1. Healthy iff status==200.
func (p *Provider) Probe(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()
	model := p.cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	_, err := p.Completion(ctx, llm.ChatRequest{Model: model, Prompt: "ping", MaxTokens: 1})
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: latency, CheckedAt: time.Now()}, err
	}
	return &llm.HealthStatus{Healthy: true, Latency: latency, CheckedAt: time.Now()}, nil
}
