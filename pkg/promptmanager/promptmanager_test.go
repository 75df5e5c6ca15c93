package promptmanager

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestDetectQueryType(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  QueryType
	}{
		{"technical", "Why does this function throw a compile error in the algorithm?", Technical},
		{"creative", "Write a short story with a strong character and an imaginative plot", Creative},
		{"analytical", "Analyze and compare the data, evaluate the trend and evidence", Analytical},
		{"procedural", "Give me step by step instructions: a tutorial on how to install and configure it", Procedural},
		{"philosophical", "What is the meaning of existence and free will?", Philosophical},
		{"general", "What's the weather like today?", General},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectQueryType(tt.query))
		})
	}
}

func TestDetectQueryType_CaseInsensitive(t *testing.T) {
	assert.Equal(t, Technical, DetectQueryType("DEBUG THIS ALGORITHM"))
}

func TestPeerReviewPrompt_EmbedsOriginalQueryAndOwnResponse(t *testing.T) {
	prompt := PeerReviewPrompt("what is recursion?", "a function calling itself", map[string]string{"claude": "peer answer"})
	assert.Contains(t, prompt, "what is recursion?")
	assert.Contains(t, prompt, "a function calling itself")
	assert.Contains(t, prompt, "peer answer")
	assert.Contains(t, prompt, "claude")
}

func TestSynthesisPrompt_SelectsTemplateByQueryType(t *testing.T) {
	responses := map[string]string{"gpt-4o": "r1"}
	tests := []struct {
		qt     QueryType
		header string
	}{
		{Technical, "Technical Convergence"},
		{Creative, "Creative Convergence"},
		{Analytical, "Analytical Convergence"},
		{Procedural, "Procedural Convergence"},
		{Philosophical, "Philosophical Convergence"},
		{General, "Intelligence Multiplication Task"},
	}
	for _, tt := range tests {
		prompt := SynthesisPrompt("the query", responses, tt.qt)
		assert.Contains(t, prompt, tt.header)
		assert.Contains(t, prompt, "the query")
		assert.Contains(t, prompt, "r1")
	}
}

// TestSynthesisPrompt_AlwaysEmbedsQueryVerbatim checks spec.md §8
// invariant 1 over arbitrary queries, response sets, and query types.
func TestSynthesisPrompt_AlwaysEmbedsQueryVerbatim(t *testing.T) {
	queryTypes := []QueryType{Technical, Creative, Analytical, Procedural, Philosophical, General}
	rapid.Check(t, func(tt *rapid.T) {
		query := rapid.StringMatching(`[A-Za-z0-9 ?.!]{1,80}`).Draw(tt, "query")
		qt := queryTypes[rapid.IntRange(0, len(queryTypes)-1).Draw(tt, "qt")]
		n := rapid.IntRange(0, 4).Draw(tt, "n")

		responses := make(map[string]string, n)
		for i := 0; i < n; i++ {
			model := rapid.StringMatching(`[a-z0-9\-]{1,12}`).Draw(tt, "model")
			responses[model] = rapid.StringMatching(`[A-Za-z0-9 ]{0,40}`).Draw(tt, "response")
		}

		prompt := SynthesisPrompt(query, responses, qt)
		if !strings.Contains(prompt, query) {
			tt.Fatalf("prompt does not embed original query verbatim: query=%q", query)
		}
	})
}

func TestPeerReviewPrompt_AlwaysEmbedsQueryVerbatim(t *testing.T) {
	rapid.Check(t, func(tt *rapid.T) {
		query := rapid.StringMatching(`[A-Za-z0-9 ?.!]{1,80}`).Draw(tt, "query")
		own := rapid.StringMatching(`[A-Za-z0-9 ]{0,40}`).Draw(tt, "own")

		prompt := PeerReviewPrompt(query, own, nil)
		if !strings.Contains(prompt, query) {
			tt.Fatalf("peer review prompt does not embed original query verbatim: query=%q", query)
		}
	})
}
