package promptmanager

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplateCache_LoadMissingReturnsFalse(t *testing.T) {
	c, err := NewTemplateCache(t.TempDir(), nil)
	require.NoError(t, err)
	defer c.Close()

	_, ok := c.Load("absent.tmpl")
	assert.False(t, ok)
}

func TestTemplateCache_LoadReadsFromDisk(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "general.tmpl"), []byte("hello override"), 0o644))

	c, err := NewTemplateCache(dir, nil)
	require.NoError(t, err)
	defer c.Close()

	text, ok := c.Load("general.tmpl")
	require.True(t, ok)
	assert.Equal(t, "hello override", text)
}

func TestTemplateCache_SecondLoadHitsCacheNotDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "general.tmpl")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	c, err := NewTemplateCache(dir, nil)
	require.NoError(t, err)
	defer c.Close()

	text, ok := c.Load("general.tmpl")
	require.True(t, ok)
	assert.Equal(t, "v1", text)

	// Stop watching the directory first so the write cannot reach the
	// watcher's invalidation path; a cache hit should still return the
	// old value.
	require.NoError(t, c.watcher.Remove(dir))
	require.NoError(t, os.WriteFile(path, []byte("v2-not-yet-seen"), 0o644))
	text, ok = c.Load("general.tmpl")
	require.True(t, ok)
	assert.Equal(t, "v1", text)
}

func TestTemplateCache_WriteInvalidatesCachedEntry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "general.tmpl")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	c, err := NewTemplateCache(dir, nil)
	require.NoError(t, err)
	defer c.Close()

	text, ok := c.Load("general.tmpl")
	require.True(t, ok)
	assert.Equal(t, "v1", text)

	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))

	assert.Eventually(t, func() bool {
		text, ok := c.Load("general.tmpl")
		return ok && text == "v2"
	}, time.Second, 10*time.Millisecond)
}

func TestTemplateCache_NonexistentDirStillUsable(t *testing.T) {
	c, err := NewTemplateCache(filepath.Join(t.TempDir(), "does-not-exist"), nil)
	require.NoError(t, err)
	defer c.Close()

	_, ok := c.Load("anything.tmpl")
	assert.False(t, ok)
}

func TestTemplateCache_CloseStopsWatcher(t *testing.T) {
	c, err := NewTemplateCache(t.TempDir(), nil)
	require.NoError(t, err)
	assert.NoError(t, c.Close())
}

func TestSynthesisPromptWithCache_NilCacheUsesBuiltinTemplate(t *testing.T) {
	got := SynthesisPromptWithCache(nil, "what is recursion?", map[string]string{"claude": "a function calling itself"}, General)
	assert.Equal(t, SynthesisPrompt("what is recursion?", map[string]string{"claude": "a function calling itself"}, General), got)
}

func TestSynthesisPromptWithCache_PrefersOverrideFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "synthesis_general.tmpl"), []byte("Q: {{query}}\nR: {{responses}}"), 0o644))
	c, err := NewTemplateCache(dir, nil)
	require.NoError(t, err)
	defer c.Close()

	got := SynthesisPromptWithCache(c, "what is recursion?", map[string]string{"claude": "a function calling itself"}, General)
	assert.Contains(t, got, "Q: what is recursion?")
	assert.Contains(t, got, "a function calling itself")
}

func TestSynthesisPromptWithCache_MissingOverrideFallsBackToBuiltin(t *testing.T) {
	c, err := NewTemplateCache(t.TempDir(), nil)
	require.NoError(t, err)
	defer c.Close()

	got := SynthesisPromptWithCache(c, "what is recursion?", map[string]string{"claude": "a function calling itself"}, General)
	assert.Equal(t, SynthesisPrompt("what is recursion?", map[string]string{"claude": "a function calling itself"}, General), got)
}

func TestPeerReviewPromptWithCache_NilCacheUsesBuiltinTemplate(t *testing.T) {
	got := PeerReviewPromptWithCache(nil, "what is recursion?", "a function calling itself", map[string]string{"gpt-4o": "peer answer"})
	assert.Equal(t, PeerReviewPrompt("what is recursion?", "a function calling itself", map[string]string{"gpt-4o": "peer answer"}), got)
}

func TestPeerReviewPromptWithCache_PrefersOverrideFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "peer_review.tmpl"), []byte("Q: {{query}}\nR: {{responses}}"), 0o644))
	c, err := NewTemplateCache(dir, nil)
	require.NoError(t, err)
	defer c.Close()

	got := PeerReviewPromptWithCache(c, "what is recursion?", "a function calling itself", map[string]string{"gpt-4o": "peer answer"})
	assert.Contains(t, got, "Q: what is recursion?")
	assert.Contains(t, got, "peer answer")
	assert.Contains(t, got, "a function calling itself")
}
