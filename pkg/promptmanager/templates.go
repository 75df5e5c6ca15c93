package promptmanager

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// TemplateCache loads prompt-template files from disk by logical
// name, caching them in memory after first load and invalidating the
// cache entry when the underlying file changes, per spec.md §9
// ("Prompt-template files ... cached in memory after first load").
// Built-in templates (general/technical/creative/...) work without a
// TemplateCache at all; this exists for operator-supplied overrides.
type TemplateCache struct {
	mu      sync.RWMutex
	dir     string
	cache   map[string]string
	watcher *fsnotify.Watcher
	logger  *zap.Logger
}

// NewTemplateCache watches dir for changes. If dir does not exist, the
// cache still works, it simply never has overrides and Load always
// misses.
func NewTemplateCache(dir string, logger *zap.Logger) (*TemplateCache, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	_ = watcher.Add(dir)

	c := &TemplateCache{dir: dir, cache: make(map[string]string), watcher: watcher, logger: logger}
	go c.watchLoop()
	return c, nil
}

func (c *TemplateCache) watchLoop() {
	for {
		select {
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				name := filepath.Base(ev.Name)
				c.mu.Lock()
				delete(c.cache, name)
				c.mu.Unlock()
				if c.logger != nil {
					c.logger.Debug("prompt template invalidated", zap.String("name", name))
				}
			}
		case _, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Load returns the cached contents of name, reading it from disk on
// first access (or after invalidation).
func (c *TemplateCache) Load(name string) (string, bool) {
	c.mu.RLock()
	if text, ok := c.cache[name]; ok {
		c.mu.RUnlock()
		return text, true
	}
	c.mu.RUnlock()

	raw, err := os.ReadFile(filepath.Join(c.dir, name))
	if err != nil {
		return "", false
	}
	text := string(raw)
	c.mu.Lock()
	c.cache[name] = text
	c.mu.Unlock()
	return text, true
}

// Close stops the underlying filesystem watcher.
func (c *TemplateCache) Close() error {
	return c.watcher.Close()
}

// SynthesisPromptWithCache renders the synthesis prompt for queryType,
// preferring an operator-supplied override loaded from cache (file
// name "synthesis_<queryType>.tmpl", with the literal substrings
// "{{query}}" and "{{responses}}" replaced) over the built-in
// template. cache may be nil, in which case the built-in template is
// always used.
func SynthesisPromptWithCache(cache *TemplateCache, originalQuery string, modelResponses map[string]string, queryType QueryType) string {
	if cache == nil {
		return SynthesisPrompt(originalQuery, modelResponses, queryType)
	}
	if tmpl, ok := cache.Load("synthesis_" + string(queryType) + ".tmpl"); ok {
		return renderOverride(tmpl, originalQuery, modelResponses)
	}
	return SynthesisPrompt(originalQuery, modelResponses, queryType)
}

// PeerReviewPromptWithCache is PeerReviewPrompt, preferring an
// operator override loaded from cache under "peer_review.tmpl".
func PeerReviewPromptWithCache(cache *TemplateCache, originalQuery, ownResponse string, peerResponses map[string]string) string {
	if cache == nil {
		return PeerReviewPrompt(originalQuery, ownResponse, peerResponses)
	}
	if tmpl, ok := cache.Load("peer_review.tmpl"); ok {
		responses := make(map[string]string, len(peerResponses)+1)
		for k, v := range peerResponses {
			responses[k] = v
		}
		responses["_own"] = ownResponse
		return renderOverride(tmpl, originalQuery, responses)
	}
	return PeerReviewPrompt(originalQuery, ownResponse, peerResponses)
}

func renderOverride(tmpl, originalQuery string, modelResponses map[string]string) string {
	out := strings.ReplaceAll(tmpl, "{{query}}", originalQuery)
	out = strings.ReplaceAll(out, "{{responses}}", renderResponses(modelResponses))
	return out
}
