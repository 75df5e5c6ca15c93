// Package health implements the process-wide TTL cache of
// provider/model health used to gate pipeline runs and skip dead
// models without a network round trip on every call.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/fieldjoshua/ultrasynth/pkg/llm"
	"github.com/fieldjoshua/ultrasynth/pkg/orchtypes"
)

// DefaultTTL matches the original implementation's 300 second cache
// window.
const DefaultTTL = 5 * time.Minute

// Entry is one cached health reading.
type Entry struct {
	Healthy   bool
	CheckedAt time.Time
}

func (e Entry) expired(ttl time.Duration) bool {
	return time.Since(e.CheckedAt) >= ttl
}

// Status is the public, read-only view returned by Cache.AllStatus.
type Status struct {
	Model       orchtypes.ModelId
	IsHealthy   bool
	CheckedAt   time.Time
	AgeSeconds  float64
	IsExpired   bool
}

// Store persists health entries. The in-memory implementation is the
// default (process-wide singleton); a Redis-backed Store is available
// for multi-process deployments.
type Store interface {
	Get(model orchtypes.ModelId) (Entry, bool)
	Set(model orchtypes.ModelId, e Entry)
	Delete(model orchtypes.ModelId)
	All() map[orchtypes.ModelId]Entry
}

// MemoryStore is the default in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[orchtypes.ModelId]Entry
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[orchtypes.ModelId]Entry)}
}

func (s *MemoryStore) Get(model orchtypes.ModelId) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[model]
	return e, ok
}

func (s *MemoryStore) Set(model orchtypes.ModelId, e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[model] = e
}

func (s *MemoryStore) Delete(model orchtypes.ModelId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, model)
}

func (s *MemoryStore) All() map[orchtypes.ModelId]Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[orchtypes.ModelId]Entry, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}

// Prober performs the cheap per-provider request used to populate the
// cache on a miss. Implementations wrap llm.Provider.Probe.
type Prober interface {
	Probe(ctx context.Context, model orchtypes.ModelId) (bool, error)
}

// ProviderProber adapts a set of llm.Provider instances (one per
// provider family) into a Prober keyed by the model's derived
// provider.
type ProviderProber struct {
	Providers map[orchtypes.ProviderId]llm.Provider
}

func (p *ProviderProber) Probe(ctx context.Context, model orchtypes.ModelId) (bool, error) {
	provider := orchtypes.ProviderForModel(model)
	impl, ok := p.Providers[provider]
	if !ok {
		return false, &llm.Error{Kind: llm.ErrNotFound, Message: "no provider registered for model " + string(model)}
	}
	status, err := impl.Probe(ctx)
	if status != nil && status.Healthy {
		return true, nil
	}
	return false, err
}

// Cache is the process-wide singleton: one TTL cache of
// provider -> healthy?, probing on demand.
type Cache struct {
	store  Store
	prober Prober
	ttl    time.Duration
}

// New constructs a Cache. store defaults to a fresh MemoryStore if
// nil; ttl defaults to DefaultTTL if zero.
func New(store Store, prober Prober, ttl time.Duration) *Cache {
	if store == nil {
		store = NewMemoryStore()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{store: store, prober: prober, ttl: ttl}
}

// IsHealthy returns the cached answer if fresh, otherwise performs a
// probe and caches the result.
func (c *Cache) IsHealthy(ctx context.Context, model orchtypes.ModelId) bool {
	if e, ok := c.store.Get(model); ok && !e.expired(c.ttl) {
		return e.Healthy
	}
	healthy, _ := c.prober.Probe(ctx, model)
	c.store.Set(model, Entry{Healthy: healthy, CheckedAt: time.Now()})
	return healthy
}

// SetHealth manually records a health observation, e.g. after an
// adapter call outside the probe path surfaces a definitive failure.
func (c *Cache) SetHealth(model orchtypes.ModelId, healthy bool) {
	c.store.Set(model, Entry{Healthy: healthy, CheckedAt: time.Now()})
}

// Invalidate drops the cached entry for model, forcing the next
// IsHealthy call to re-probe.
func (c *Cache) Invalidate(model orchtypes.ModelId) {
	c.store.Delete(model)
}

// InvalidateAll clears the entire cache.
func (c *Cache) InvalidateAll() {
	for model := range c.store.All() {
		c.store.Delete(model)
	}
}

// AllStatus returns a snapshot of every cached entry, annotated with
// age and expiry, for diagnostics endpoints.
func (c *Cache) AllStatus() []Status {
	all := c.store.All()
	out := make([]Status, 0, len(all))
	for model, e := range all {
		out = append(out, Status{
			Model:      model,
			IsHealthy:  e.Healthy,
			CheckedAt:  e.CheckedAt,
			AgeSeconds: time.Since(e.CheckedAt).Seconds(),
			IsExpired:  e.expired(c.ttl),
		})
	}
	return out
}
