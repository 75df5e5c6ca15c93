// Package telemetry estimates token counts, attributes cost per model
// call, and emits one trace span per call.
package telemetry

import (
	"strings"
	"sync"

	"github.com/fieldjoshua/ultrasynth/pkg/orchtypes"
)

// ModelPrice is USD per 1K tokens, input and output priced separately.
type ModelPrice struct {
	Provider    orchtypes.ProviderId
	Model       string
	PriceInput  float64
	PriceOutput float64
}

// defaultPrice is applied when a model has no entry in the table.
var defaultPrice = ModelPrice{PriceInput: 0.001, PriceOutput: 0.003}

// CostCalculator holds a static, overridable per-model pricing table.
type CostCalculator struct {
	mu     sync.RWMutex
	prices map[string]ModelPrice
}

// NewCostCalculator builds a calculator preloaded with the default
// pricing table.
func NewCostCalculator() *CostCalculator {
	c := &CostCalculator{prices: make(map[string]ModelPrice)}
	for _, p := range defaultPrices() {
		c.SetPrice(p)
	}
	return c
}

func defaultPrices() []ModelPrice {
	return []ModelPrice{
		{Provider: orchtypes.ProviderOpenAI, Model: "gpt-4o", PriceInput: 0.005, PriceOutput: 0.015},
		{Provider: orchtypes.ProviderOpenAI, Model: "gpt-4o-mini", PriceInput: 0.00015, PriceOutput: 0.0006},
		{Provider: orchtypes.ProviderOpenAI, Model: "gpt-4-turbo", PriceInput: 0.01, PriceOutput: 0.03},
		{Provider: orchtypes.ProviderOpenAI, Model: "gpt-4", PriceInput: 0.03, PriceOutput: 0.06},
		{Provider: orchtypes.ProviderOpenAI, Model: "gpt-3.5-turbo", PriceInput: 0.0005, PriceOutput: 0.0015},
		{Provider: orchtypes.ProviderAnthropic, Model: "claude-3-5-sonnet-20241022", PriceInput: 0.003, PriceOutput: 0.015},
		{Provider: orchtypes.ProviderAnthropic, Model: "claude-3-5-haiku-20241022", PriceInput: 0.0008, PriceOutput: 0.004},
		{Provider: orchtypes.ProviderAnthropic, Model: "claude-3-opus-20240229", PriceInput: 0.015, PriceOutput: 0.075},
		{Provider: orchtypes.ProviderGoogle, Model: "gemini-1.5-pro", PriceInput: 0.00125, PriceOutput: 0.005},
		{Provider: orchtypes.ProviderGoogle, Model: "gemini-1.5-flash", PriceInput: 0.000075, PriceOutput: 0.0003},
		{Provider: orchtypes.ProviderGoogle, Model: "gemini-2.0-flash-exp", PriceInput: 0.0, PriceOutput: 0.0},
	}
}

func key(provider orchtypes.ProviderId, model string) string {
	return string(provider) + ":" + model
}

// SetPrice installs or overrides a model's pricing.
func (c *CostCalculator) SetPrice(p ModelPrice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[key(p.Provider, p.Model)] = p
}

// Price returns the pricing for provider/model, or the default price
// if unknown.
func (c *CostCalculator) Price(provider orchtypes.ProviderId, model string) ModelPrice {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.prices[key(provider, model)]; ok {
		return p
	}
	return defaultPrice
}

// Calculate returns the USD cost of a call given token counts.
func (c *CostCalculator) Calculate(provider orchtypes.ProviderId, model string, promptTokens, completionTokens int) float64 {
	price := c.Price(provider, model)
	return float64(promptTokens)/1000*price.PriceInput + float64(completionTokens)/1000*price.PriceOutput
}

// EstimateTokens returns a deterministic token estimate for text. It
// prefers the tiktoken encoder registered for model; if none is
// registered it falls back to chars/4 per the telemetry wrapper spec.
func EstimateTokens(model, text string) int {
	if enc, ok := encoderFor(model); ok {
		tokens := enc.Encode(text, nil, nil)
		return len(tokens)
	}
	return fallbackEstimate(text)
}

func fallbackEstimate(text string) int {
	n := len(strings.TrimSpace(text))
	if n == 0 {
		return 0
	}
	est := n / 4
	if est == 0 {
		est = 1
	}
	return est
}
