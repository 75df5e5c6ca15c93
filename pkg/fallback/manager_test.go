package fallback

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fieldjoshua/ultrasynth/pkg/orchtypes"
)

func catalogue() map[orchtypes.ProviderId][]orchtypes.ModelId {
	return map[orchtypes.ProviderId][]orchtypes.ModelId{
		orchtypes.ProviderOpenAI:    {"gpt-4o", "o1-preview"},
		orchtypes.ProviderAnthropic: {"claude-3-opus"},
		orchtypes.ProviderGoogle:    {"gemini-1.5-pro"},
	}
}

func TestIsRateLimited_UnknownProviderIsFalse(t *testing.T) {
	m := NewManager(catalogue())
	assert.False(t, m.IsRateLimited(orchtypes.ProviderOpenAI))
}

func TestMarkRateLimited_ThenIsRateLimitedTrue(t *testing.T) {
	m := NewManager(catalogue())
	m.MarkRateLimited(orchtypes.ProviderOpenAI, time.Minute)
	assert.True(t, m.IsRateLimited(orchtypes.ProviderOpenAI))
}

func TestIsRateLimited_ExpiresAndClearsEntry(t *testing.T) {
	m := NewManager(catalogue())
	m.MarkRateLimited(orchtypes.ProviderOpenAI, -time.Second)
	assert.False(t, m.IsRateLimited(orchtypes.ProviderOpenAI))
}

func TestFallbackModels_ExcludesGivenProvider(t *testing.T) {
	m := NewManager(catalogue())
	models := m.FallbackModels(orchtypes.ProviderOpenAI, 10)
	assert.NotContains(t, models, orchtypes.ModelId("gpt-4o"))
	assert.NotContains(t, models, orchtypes.ModelId("o1-preview"))
	assert.Contains(t, models, orchtypes.ModelId("claude-3-opus"))
	assert.Contains(t, models, orchtypes.ModelId("gemini-1.5-pro"))
}

func TestFallbackModels_ExcludesRateLimitedProviders(t *testing.T) {
	m := NewManager(catalogue())
	m.MarkRateLimited(orchtypes.ProviderAnthropic, time.Minute)
	models := m.FallbackModels(orchtypes.ProviderOpenAI, 10)
	assert.NotContains(t, models, orchtypes.ModelId("claude-3-opus"))
	assert.Contains(t, models, orchtypes.ModelId("gemini-1.5-pro"))
}

func TestFallbackModels_RespectsLimitN(t *testing.T) {
	m := NewManager(catalogue())
	models := m.FallbackModels(orchtypes.ProviderOpenAI, 1)
	assert.Len(t, models, 1)
}

func TestFallbackModels_DeterministicOrder(t *testing.T) {
	m := NewManager(catalogue())
	first := m.FallbackModels(orchtypes.ProviderOpenAI, 10)
	second := m.FallbackModels(orchtypes.ProviderOpenAI, 10)
	assert.Equal(t, first, second)
}

func TestSuggestAlternative_ReturnsNonRateLimitedProvider(t *testing.T) {
	m := NewManager(catalogue())
	m.MarkRateLimited(orchtypes.ProviderAnthropic, time.Minute)
	p, ok := m.SuggestAlternative(orchtypes.ProviderOpenAI)
	assert.True(t, ok)
	assert.NotEqual(t, orchtypes.ProviderAnthropic, p)
	assert.NotEqual(t, orchtypes.ProviderOpenAI, p)
}

func TestSuggestAlternative_NoneRemainWhenAllLimited(t *testing.T) {
	m := NewManager(catalogue())
	m.MarkRateLimited(orchtypes.ProviderAnthropic, time.Minute)
	m.MarkRateLimited(orchtypes.ProviderGoogle, time.Minute)
	_, ok := m.SuggestAlternative(orchtypes.ProviderOpenAI)
	assert.False(t, ok)
}

func TestSuggestAlternative_EmptyCatalogueReturnsFalse(t *testing.T) {
	m := NewManager(map[orchtypes.ProviderId][]orchtypes.ModelId{})
	_, ok := m.SuggestAlternative(orchtypes.ProviderOpenAI)
	assert.False(t, ok)
}
