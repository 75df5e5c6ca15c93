// Package promptmanager detects the type of a query and produces the
// peer-review and synthesis prompt templates for a run. Both
// templates embed the original user query verbatim, an invariant
// checked by tests (spec.md §8 invariant 1).
package promptmanager

import (
	"fmt"
	"strings"
)

// QueryType classifies a query for prompt and selector tuning.
type QueryType string

const (
	Technical     QueryType = "technical"
	Creative      QueryType = "creative"
	Analytical    QueryType = "analytical"
	Procedural    QueryType = "procedural"
	Philosophical QueryType = "philosophical"
	General       QueryType = "general"
)

// keywordTable carries the exact keyword lists per type from
// synthesis_prompts.py.
var keywordTable = map[QueryType][]string{
	Technical: {
		"code", "programming", "algorithm", "function", "api", "database",
		"software", "debug", "error", "implementation", "architecture",
		"framework", "library", "syntax", "compile", "technical",
	},
	Creative: {
		"story", "poem", "creative", "imagine", "write", "fiction",
		"narrative", "character", "plot", "artistic", "design", "novel",
		"metaphor", "song", "lyrics",
	},
	Analytical: {
		"analyze", "compare", "evaluate", "assess", "pros and cons",
		"advantages", "disadvantages", "statistics", "data", "research",
		"study", "evidence", "trend", "pattern", "correlation",
	},
	Procedural: {
		"how to", "steps", "guide", "tutorial", "instructions", "process",
		"procedure", "method", "recipe", "setup", "install", "configure",
		"build", "create a", "implement a",
	},
	Philosophical: {
		"meaning", "ethics", "moral", "philosophy", "existence", "consciousness",
		"truth", "justice", "free will", "purpose", "value", "belief",
		"metaphysics", "epistemology", "why do we",
	},
}

// DetectQueryType scores query against each type's keyword list by
// occurrence count and returns the highest scorer, or General if
// nothing matched.
func DetectQueryType(query string) QueryType {
	lower := strings.ToLower(query)
	best := General
	bestScore := 0
	for _, qt := range []QueryType{Technical, Creative, Analytical, Procedural, Philosophical} {
		score := 0
		for _, kw := range keywordTable[qt] {
			score += strings.Count(lower, kw)
		}
		if score > bestScore {
			bestScore = score
			best = qt
		}
	}
	return best
}

// PeerReviewPrompt builds the Stage 2 prompt: the original query, the
// model's own initial answer, and labelled peer answers.
func PeerReviewPrompt(originalQuery, ownResponse string, peerResponses map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original query: %s\n\n", originalQuery)
	fmt.Fprintf(&b, "Your initial response:\n%s\n\n", ownResponse)
	b.WriteString("Peer responses:\n")
	for model, text := range peerResponses {
		fmt.Fprintf(&b, "- %s: %s\n", model, text)
	}
	b.WriteString("\nRevise your response if the peer responses reveal anything you missed, got wrong, or could state more completely. If your original response already holds up, restate it.")
	return b.String()
}

// SynthesisPrompt builds the Stage 3 prompt, selecting a template by
// query type. Every branch embeds originalQuery verbatim.
func SynthesisPrompt(originalQuery string, modelResponses map[string]string, queryType QueryType) string {
	switch queryType {
	case Technical:
		return technicalPrompt(originalQuery, modelResponses)
	case Creative:
		return creativePrompt(originalQuery, modelResponses)
	case Analytical:
		return analyticalPrompt(originalQuery, modelResponses)
	case Procedural:
		return proceduralPrompt(originalQuery, modelResponses)
	case Philosophical:
		return philosophicalPrompt(originalQuery, modelResponses)
	default:
		return generalPrompt(originalQuery, modelResponses)
	}
}

func renderResponses(modelResponses map[string]string) string {
	var b strings.Builder
	for model, text := range modelResponses {
		fmt.Fprintf(&b, "### %s\n%s\n\n", model, text)
	}
	return b.String()
}

func generalPrompt(originalQuery string, modelResponses map[string]string) string {
	return fmt.Sprintf(`# Ultra Synthesis(TM) Intelligence Multiplication Task

## Original Query
%s

## Model Responses
%s

## Your Task
Produce one integrated answer that extracts convergent truth across the
responses above, reconciles genuine disagreements, and adds nothing
the models did not support. Address the original query directly.`,
		originalQuery, renderResponses(modelResponses))
}

func technicalPrompt(originalQuery string, modelResponses map[string]string) string {
	return fmt.Sprintf(`# Ultra Synthesis(TM): Technical Convergence

## Original Query
%s

## Model Responses
%s

## Your Task
Synthesize one technically precise answer. Prefer the most correct and
specific implementation details where responses disagree; flag any
unresolved technical disagreement explicitly.`,
		originalQuery, renderResponses(modelResponses))
}

func creativePrompt(originalQuery string, modelResponses map[string]string) string {
	return fmt.Sprintf(`# Ultra Synthesis(TM): Creative Convergence

## Original Query
%s

## Model Responses
%s

## Your Task
Blend the strongest creative elements of the responses above into one
cohesive piece that answers the original query.`,
		originalQuery, renderResponses(modelResponses))
}

func analyticalPrompt(originalQuery string, modelResponses map[string]string) string {
	return fmt.Sprintf(`# Ultra Synthesis(TM): Analytical Convergence

## Original Query
%s

## Model Responses
%s

## Your Task
Weigh the evidence and reasoning in each response above and produce one
balanced analysis of the original query, noting where the responses
agree and where they diverge.`,
		originalQuery, renderResponses(modelResponses))
}

func proceduralPrompt(originalQuery string, modelResponses map[string]string) string {
	return fmt.Sprintf(`# Ultra Synthesis(TM): Procedural Convergence

## Original Query
%s

## Model Responses
%s

## Your Task
Produce one clear, ordered set of steps that answers the original query,
reconciling any differences in the procedures above into the most
reliable sequence.`,
		originalQuery, renderResponses(modelResponses))
}

func philosophicalPrompt(originalQuery string, modelResponses map[string]string) string {
	return fmt.Sprintf(`# Ultra Synthesis(TM): Philosophical Convergence

## Original Query
%s

## Model Responses
%s

## Your Task
Synthesize the perspectives above into one considered answer to the
original query, acknowledging genuine philosophical tension rather than
papering over it.`,
		originalQuery, renderResponses(modelResponses))
}
