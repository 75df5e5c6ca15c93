// Package google implements the uniform llm.Provider contract over the
// Gemini generateContent API. The API key is carried as a URL query
// parameter because Gemini offers no alternative header-based auth for
// the REST surface this adapter targets; it is never logged.
package google

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/fieldjoshua/ultrasynth/pkg/llm"
	"github.com/fieldjoshua/ultrasynth/pkg/orchtypes"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta/models"

// Config configures a Provider instance.
type Config struct {
	APIKey  string
	BaseURL string
	Model   orchtypes.ModelId
}

// Provider adapts the Gemini generateContent API to llm.Provider.
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

func (p *Provider) Name() orchtypes.ProviderId { return orchtypes.ProviderGoogle }

type part struct {
	Text string `json:"text"`
}

type content struct {
	Parts []part `json:"parts"`
}

type generationConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

type errorEnvelope struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (p *Provider) Completion(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	if p.cfg.APIKey == "" {
		return nil, &llm.Error{Kind: llm.ErrMissingAPIKey, Provider: p.Name(), Message: "no google api key configured"}
	}

	genCfg := generationConfig{}
	if req.MaxTokens > 0 {
		genCfg.MaxOutputTokens = req.MaxTokens
	}
	body, err := json.Marshal(generateRequest{
		Contents:         []content{{Parts: []part{{Text: req.Prompt}}}},
		GenerationConfig: genCfg,
	})
	if err != nil {
		return nil, &llm.Error{Kind: llm.ErrBadRequest, Provider: p.Name(), Message: err.Error()}
	}

	endpoint := fmt.Sprintf("%s/%s:generateContent?key=%s", p.cfg.BaseURL, req.Model, url.QueryEscape(p.cfg.APIKey))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &llm.Error{Kind: llm.ErrTransport, Provider: p.Name(), Message: err.Error()}
	}
	httpReq.Header.Set("content-type", "application/json")

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

	var parsed generateResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &llm.Error{Kind: llm.ErrMalformedResponse, Provider: p.Name(), Message: err.Error()}
	}
	text := ""
	if len(parsed.Candidates) > 0 && len(parsed.Candidates[0].Content.Parts) > 0 {
		text = parsed.Candidates[0].Content.Parts[0].Text
	}

	return &llm.ChatResponse{
		Text:             text,
		Model:            req.Model,
		Provider:         p.Name(),
		PromptTokens:     parsed.UsageMetadata.PromptTokenCount,
		CompletionTokens: parsed.UsageMetadata.CandidatesTokenCount,
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

// Probe sends a single-part "ping" with maxOutputTokens=1. Healthy iff
// status==200, per model_health_cache.py's Gemini branch.
func (p *Provider) Probe(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()
	model := p.cfg.Model
	if model == "" {
		model = "gemini-1.5-flash"
	}
	_, err := p.Completion(ctx, llm.ChatRequest{Model: model, Prompt: "ping", MaxTokens: 1})
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: latency, CheckedAt: time.Now()}, err
	}
	return &llm.HealthStatus{Healthy: true, Latency: latency, CheckedAt: time.Now()}, nil
}
