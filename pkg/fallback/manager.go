// Package fallback tracks which providers are currently rate-limited
// and suggests alternatives drawn from the other registered
// providers, following the indexed-lookup idiom the config package
// uses for fallback policy matching.
package fallback

import (
	"sort"
	"sync"
	"time"

	"github.com/fieldjoshua/ultrasynth/pkg/orchtypes"
)

// Manager tracks rate-limited providers with expiry and offers
// fallback model suggestions drawn from a registered catalogue.
type Manager struct {
	mu          sync.Mutex
	limited     map[orchtypes.ProviderId]time.Time // provider -> expiry
	catalogue   map[orchtypes.ProviderId][]orchtypes.ModelId
}

// NewManager builds a Manager. catalogue maps each provider to the
// models available for it, used when suggesting fallbacks.
func NewManager(catalogue map[orchtypes.ProviderId][]orchtypes.ModelId) *Manager {
	return &Manager{
		limited:   make(map[orchtypes.ProviderId]time.Time),
		catalogue: catalogue,
	}
}

// MarkRateLimited records that provider should be avoided for
// duration.
func (m *Manager) MarkRateLimited(provider orchtypes.ProviderId, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limited[provider] = time.Now().Add(duration)
}

// IsRateLimited reports whether provider is currently being avoided.
func (m *Manager) IsRateLimited(provider orchtypes.ProviderId) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	expiry, ok := m.limited[provider]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(m.limited, provider)
		return false
	}
	return true
}

// FallbackModels returns up to n models drawn from providers other
// than the rate-limited one, in a stable, deterministic order.
func (m *Manager) FallbackModels(provider orchtypes.ProviderId, n int) []orchtypes.ModelId {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []orchtypes.ModelId
	var providers []orchtypes.ProviderId
	for p := range m.catalogue {
		if p == provider {
			continue
		}
		providers = append(providers, p)
	}
	sort.Slice(providers, func(i, j int) bool { return providers[i] < providers[j] })

	for _, p := range providers {
		expiry, limited := m.limited[p]
		if limited && time.Now().Before(expiry) {
			continue
		}
		candidates = append(candidates, m.catalogue[p]...)
	}
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

// SuggestAlternative returns the first catalogue provider, in sorted
// order, other than provider that is not currently rate-limited, or
// "", false if none remain. Provider health is not checked.
func (m *Manager) SuggestAlternative(provider orchtypes.ProviderId) (orchtypes.ProviderId, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var providers []orchtypes.ProviderId
	for p := range m.catalogue {
		if p == provider {
			continue
		}
		providers = append(providers, p)
	}
	sort.Slice(providers, func(i, j int) bool { return providers[i] < providers[j] })

	for _, p := range providers {
		expiry, limited := m.limited[p]
		if limited && time.Now().Before(expiry) {
			continue
		}
		return p, true
	}
	return "", false
}
