// Package anthropic implements the uniform llm.Provider contract over
// the Anthropic Messages API.
package anthropic

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

const (
	defaultBaseURL    = "https://api.anthropic.com/v1/messages"
	anthropicVersion  = "2023-06-01"
)

// Config configures a Provider instance.
type Config struct {
	APIKey  string
	BaseURL string
	Model   orchtypes.ModelId // default model used for probes
}

// Provider adapts the Anthropic Messages API to llm.Provider.
type Provider struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// New constructs an anthropic Provider. The API key is carried only
// in the x-api-key header, never in the URL or logs.
func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	return &Provider{
		cfg:    cfg,
		client: &http.Client{},
		logger: logger,
	}
}

func (p *Provider) Name() orchtypes.ProviderId { return orchtypes.ProviderAnthropic }

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type messagesResponse struct {
	Content []contentBlock `json:"content"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type errorEnvelope struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *Provider) Completion(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	if p.cfg.APIKey == "" {
		return nil, &llm.Error{Kind: llm.ErrMissingAPIKey, Provider: p.Name(), Message: "no anthropic api key configured"}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	body, err := json.Marshal(messagesRequest{
		Model:     string(req.Model),
		MaxTokens: maxTokens,
		Messages:  []message{{Role: "user", Content: req.Prompt}},
	})
	if err != nil {
		return nil, &llm.Error{Kind: llm.ErrBadRequest, Provider: p.Name(), Message: err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, &llm.Error{Kind: llm.ErrTransport, Provider: p.Name(), Message: err.Error()}
	}
	httpReq.Header.Set("content-type", "application/json")
	httpReq.Header.Set("x-api-key", p.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

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

	var parsed messagesResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &llm.Error{Kind: llm.ErrMalformedResponse, Provider: p.Name(), Message: err.Error()}
	}
	text := ""
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return &llm.ChatResponse{
		Text:             text,
		Model:            req.Model,
		Provider:         p.Name(),
		PromptTokens:     parsed.Usage.InputTokens,
		CompletionTokens: parsed.Usage.OutputTokens,
		CreatedAt:        time.Now(),
	}, nil
}

// mapError translates an HTTP status + body into the uniform error
// taxonomy. 529 is Anthropic's overload signal and is treated as a
// retryable transport failure rather than a hard rate limit.
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
	case 529:
		return &llm.Error{Kind: llm.ErrTransport, Provider: provider, Message: msg, Status: status}
	default:
		if status >= 500 {
			return &llm.Error{Kind: llm.ErrTransport, Provider: provider, Message: msg, Status: status}
		}
		return &llm.Error{Kind: llm.ErrBadRequest, Provider: provider, Message: msg, Status: status}
	}
}

// Probe performs the minimal one-token ping used by the health cache:
// a single-token request with max_tokens=1. Healthy iff status==200.
func (p *Provider) Probe(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()
	model := p.cfg.Model
	if model == "" {
		model = "claude-3-5-haiku-20241022"
	}
	_, err := p.Completion(ctx, llm.ChatRequest{Model: model, Prompt: "ping", MaxTokens: 1})
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: latency, CheckedAt: time.Now()}, err
	}
	return &llm.HealthStatus{Healthy: true, Latency: latency, CheckedAt: time.Now()}, nil
}
