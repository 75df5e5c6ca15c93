// Package formatter shapes a PipelineResult into the response object
// external callers see: synthesis text, optional confidence-annotated
// synthesis, per-stage response maps, a pipeline summary, and a
// human-readable full document. Grounded on
// original_source/app/services/output_formatter.py's section
// structure and synthesis_output.py's confidence/consensus scoring.
package formatter

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/fieldjoshua/ultrasynth/pkg/orchtypes"
)

// ConfidenceLevel mirrors synthesis_output.py's ConfidenceLevel enum.
type ConfidenceLevel string

const (
	ConfidenceHigh      ConfidenceLevel = "high"
	ConfidenceModerate  ConfidenceLevel = "moderate"
	ConfidenceLow       ConfidenceLevel = "low"
	ConfidenceUncertain ConfidenceLevel = "uncertain"
)

var confidencePatterns = map[ConfidenceLevel][]*regexp.Regexp{
	ConfidenceHigh: compileAll(
		`all models agree`, `unanimous`, `consistently`, `definitively`,
		`clearly established`, `strong consensus`, `verified across`,
	),
	ConfidenceModerate: compileAll(
		`most models`, `generally agree`, `broadly consistent`,
		`some variation`, `mostly aligned`, `moderate consensus`,
	),
	ConfidenceLow: compileAll(
		`mixed opinions`, `some models suggest`, `limited agreement`,
		`conflicting views`, `uncertain`, `debated`,
	),
}

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile(`(?i)`+p))
	}
	return out
}

var sentenceSplit = regexp.MustCompile(`[.!?]+`)
var capitalizedPhrase = regexp.MustCompile(`\b[A-Z][a-z]+(?:\s+[A-Z][a-z]+)*\b`)

// ConfidenceAnalysis is the sentence-level confidence breakdown of a
// synthesis text.
type ConfidenceAnalysis struct {
	OverallConfidence    float64
	ConfidenceLevel      string
	Distribution         map[ConfidenceLevel]int
	TotalClaims          int
}

// ConsensusAnalysis is the concept-overlap-derived consensus score
// across model responses.
type ConsensusAnalysis struct {
	ConsensusScore       float64
	ConsensusLevel       string
	HighConsensusTopics  []string
	ModerateConsensusTopics []string
	UniqueInsights       []string
	TotalUniqueConcepts  int
}

// PipelineSummary is the §4.13 pipeline_summary payload.
type PipelineSummary struct {
	StagesCompleted []string
	ModelsUsed      []orchtypes.ModelId
	Success         bool
}

// ModelResponseView is one model's entry in initial_responses or
// peer_review_responses.
type ModelResponseView struct {
	Text      string
	WordCount int
	Preview   string
}

// Output is the fully shaped response returned to callers.
type Output struct {
	Synthesis            string
	SynthesisEnhanced     string
	SynthesisModel        orchtypes.ModelId
	InitialResponses      map[orchtypes.ModelId]ModelResponseView
	PeerReviewResponses   map[orchtypes.ModelId]ModelResponseView
	PipelineSummary       PipelineSummary
	FullDocument          string
	Confidence            *ConfidenceAnalysis
	Consensus             *ConsensusAnalysis
	Cached                bool
}

// Options tunes which optional annotations Format computes.
type Options struct {
	IncludeInitialResponses bool
	IncludePeerReview       bool
	AnnotateConfidence      bool
}

// DefaultOptions matches the original's format_pipeline_output
// defaults: everything included.
func DefaultOptions() Options {
	return Options{IncludeInitialResponses: true, IncludePeerReview: true, AnnotateConfidence: true}
}

// Format is the pure function from PipelineResult to Output.
func Format(result *orchtypes.PipelineResult, opts Options) Output {
	out := Output{Cached: result.Cached}

	initial := result.Stage(orchtypes.StageInitial)
	peer := result.Stage(orchtypes.StagePeerReview)
	synth := result.Stage(orchtypes.StageSynthesis)

	if synth != nil && synth.Synth != nil {
		out.Synthesis = strings.TrimSpace(synth.Synth.SynthesisText)
		out.SynthesisModel = synth.Synth.ModelUsed
	}

	if opts.IncludeInitialResponses && initial != nil && initial.Initial != nil {
		out.InitialResponses = viewResponses(initial.Initial.Responses)
	}

	if opts.IncludePeerReview && peer != nil && peer.Peer != nil {
		out.PeerReviewResponses = viewResponses(peer.Peer.RevisedResponses)
	}

	if opts.AnnotateConfidence && out.Synthesis != "" {
		responses := sourceResponses(peer, initial)
		confidence := AnalyzeConfidence(out.Synthesis, responses)
		consensus := CalculateConsensus(responses)
		out.Confidence = &confidence
		out.Consensus = &consensus
		out.SynthesisEnhanced = addConfidenceMarkers(out.Synthesis, confidence, consensus)
	}

	out.PipelineSummary = summarize(result)
	out.FullDocument = renderDocument(out)
	return out
}

func sourceResponses(peer, initial *orchtypes.StageResult) map[orchtypes.ModelId]string {
	if peer != nil && peer.Peer != nil && len(peer.Peer.RevisedResponses) > 0 {
		return peer.Peer.RevisedResponses
	}
	if initial != nil && initial.Initial != nil {
		return initial.Initial.Responses
	}
	return nil
}

func viewResponses(responses map[orchtypes.ModelId]string) map[orchtypes.ModelId]ModelResponseView {
	out := make(map[orchtypes.ModelId]ModelResponseView, len(responses))
	for model, text := range responses {
		out[model] = ModelResponseView{
			Text:      text,
			WordCount: len(strings.Fields(text)),
			Preview:   preview(text, 150),
		}
	}
	return out
}

func preview(text string, n int) string {
	if len(text) <= n {
		return text
	}
	return strings.TrimSpace(text[:n]) + "..."
}

func summarize(result *orchtypes.PipelineResult) PipelineSummary {
	summary := PipelineSummary{Success: true}
	models := map[orchtypes.ModelId]bool{}
	for _, stage := range result.Stages {
		if stage.Err != nil {
			summary.Success = false
			continue
		}
		summary.StagesCompleted = append(summary.StagesCompleted, string(stage.Name))
		switch {
		case stage.Initial != nil:
			for _, m := range stage.Initial.SuccessfulModels {
				models[m] = true
			}
		case stage.Peer != nil:
			for _, m := range stage.Peer.SuccessfulModels {
				models[m] = true
			}
		case stage.Synth != nil:
			models[stage.Synth.ModelUsed] = true
		}
	}
	for m := range models {
		summary.ModelsUsed = append(summary.ModelsUsed, m)
	}
	sort.Slice(summary.ModelsUsed, func(i, j int) bool { return summary.ModelsUsed[i] < summary.ModelsUsed[j] })
	return summary
}

// AnalyzeConfidence assesses each extracted sentence's confidence
// level, carrying the pattern families and weighting scheme from
// synthesis_output.py verbatim.
func AnalyzeConfidence(synthesisText string, modelResponses map[orchtypes.ModelId]string) ConfidenceAnalysis {
	sentences := extractSentences(synthesisText)
	dist := map[ConfidenceLevel]int{ConfidenceHigh: 0, ConfidenceModerate: 0, ConfidenceLow: 0, ConfidenceUncertain: 0}

	weights := map[ConfidenceLevel]float64{
		ConfidenceHigh: 1.0, ConfidenceModerate: 0.7, ConfidenceLow: 0.4, ConfidenceUncertain: 0.1,
	}
	var totalWeight float64
	for _, sentence := range sentences {
		level := assessSentenceConfidence(sentence, modelResponses)
		dist[level]++
		totalWeight += weights[level]
	}

	overall := 0.5
	if len(sentences) > 0 {
		overall = totalWeight / float64(len(sentences))
	}

	return ConfidenceAnalysis{
		OverallConfidence: overall,
		ConfidenceLevel:   overallConfidenceLevel(overall),
		Distribution:      dist,
		TotalClaims:       len(sentences),
	}
}

func extractSentences(text string) []string {
	parts := sentenceSplit.Split(text, -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if len(p) > 20 {
			out = append(out, p)
		}
	}
	return out
}

func assessSentenceConfidence(sentence string, modelResponses map[orchtypes.ModelId]string) ConfidenceLevel {
	lower := strings.ToLower(sentence)
	for _, level := range []ConfidenceLevel{ConfidenceHigh, ConfidenceModerate, ConfidenceLow} {
		for _, re := range confidencePatterns[level] {
			if re.MatchString(lower) {
				return level
			}
		}
	}

	if len(modelResponses) == 0 {
		return ConfidenceUncertain
	}
	words := strings.Fields(sentence)
	keyWords := make([]string, 0, 3)
	for _, w := range words {
		if len(w) > 4 {
			keyWords = append(keyWords, w)
			if len(keyWords) == 3 {
				break
			}
		}
	}
	mentioning := 0
	for _, response := range modelResponses {
		for _, w := range keyWords {
			if strings.Contains(response, w) {
				mentioning++
				break
			}
		}
	}
	ratio := float64(mentioning) / float64(len(modelResponses))
	switch {
	case ratio >= 0.8:
		return ConfidenceHigh
	case ratio >= 0.5:
		return ConfidenceModerate
	case ratio >= 0.2:
		return ConfidenceLow
	default:
		return ConfidenceUncertain
	}
}

func overallConfidenceLevel(score float64) string {
	switch {
	case score >= 0.8:
		return "very high confidence"
	case score >= 0.6:
		return "high confidence"
	case score >= 0.4:
		return "moderate confidence"
	case score >= 0.2:
		return "low confidence"
	default:
		return "uncertain"
	}
}

// CalculateConsensus computes the concept-overlap consensus score
// across model responses, carrying calculate_consensus_degree's
// threshold bands verbatim.
func CalculateConsensus(modelResponses map[orchtypes.ModelId]string) ConsensusAnalysis {
	counts := map[string]int{}
	for _, text := range modelResponses {
		seen := map[string]bool{}
		for _, concept := range extractKeyConcepts(text) {
			key := strings.ToLower(concept)
			if !seen[key] {
				seen[key] = true
				counts[key]++
			}
		}
	}

	total := float64(len(modelResponses))
	var high, moderate, unique []string
	for concept, count := range counts {
		c := float64(count)
		switch {
		case total > 0 && c >= total*0.8:
			high = append(high, concept)
		case total > 0 && c >= total*0.5:
			moderate = append(moderate, concept)
		case count == 1:
			unique = append(unique, concept)
		}
	}
	sort.Strings(high)
	sort.Strings(moderate)
	sort.Strings(unique)

	score := 0.0
	if len(counts) > 0 {
		low := 0
		for concept, count := range counts {
			c := float64(count)
			if total > 0 && c >= total*0.2 && c < total*0.5 && !contains(moderate, concept) {
				low++
			}
		}
		score = (float64(len(high))*1.0 + float64(len(moderate))*0.5 + float64(low)*0.2) / float64(len(counts))
	}

	return ConsensusAnalysis{
		ConsensusScore:          score,
		ConsensusLevel:          consensusLevel(score),
		HighConsensusTopics:     topN(high, 5),
		ModerateConsensusTopics: topN(moderate, 5),
		UniqueInsights:          topN(unique, 5),
		TotalUniqueConcepts:     len(counts),
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func topN(list []string, n int) []string {
	if len(list) > n {
		return list[:n]
	}
	return list
}

func consensusLevel(score float64) string {
	switch {
	case score >= 0.8:
		return "strong consensus"
	case score >= 0.6:
		return "good consensus"
	case score >= 0.4:
		return "moderate consensus"
	case score >= 0.2:
		return "limited consensus"
	default:
		return "minimal consensus"
	}
}

func extractKeyConcepts(text string) []string {
	concepts := capitalizedPhrase.FindAllString(text, -1)
	out := make([]string, 0, len(concepts))
	seen := map[string]bool{}
	for _, c := range concepts {
		key := strings.ToLower(strings.TrimSpace(c))
		if key != "" && len(key) > 3 && !seen[key] {
			seen[key] = true
			out = append(out, strings.TrimSpace(c))
		}
	}
	return out
}

func addConfidenceMarkers(text string, confidence ConfidenceAnalysis, consensus ConsensusAnalysis) string {
	header := fmt.Sprintf(
		"Synthesis quality metrics:\n- Overall confidence: %s\n- Consensus level: %s\n- Contributing perspectives: %d unique concepts integrated\n\n---\n\n",
		confidence.ConfidenceLevel, consensus.ConsensusLevel, consensus.TotalUniqueConcepts,
	)
	return header + text
}

func renderDocument(out Output) string {
	var b strings.Builder
	sep := "\n" + strings.Repeat("=", 80) + "\n"
	subsep := "\n" + strings.Repeat("-", 60) + "\n"

	b.WriteString("ULTRA SYNTHESIS RESULTS")
	b.WriteString(sep)

	if out.Synthesis != "" {
		b.WriteString("ULTRA SYNTHESIS")
		b.WriteString(subsep)
		b.WriteString(out.Synthesis)
		fmt.Fprintf(&b, "\n\nSynthesized by: %s\n", out.SynthesisModel)
		b.WriteString(sep)
	}

	if len(out.InitialResponses) > 0 {
		fmt.Fprintf(&b, "INITIAL RESPONSES (%d models)%s", len(out.InitialResponses), subsep)
		for _, model := range sortedModels(out.InitialResponses) {
			fmt.Fprintf(&b, "### %s\n%s\n\n", model, out.InitialResponses[model].Preview)
		}
		b.WriteString(sep)
	}

	if len(out.PeerReviewResponses) > 0 {
		fmt.Fprintf(&b, "PEER REVIEW RESPONSES (%d models)%s", len(out.PeerReviewResponses), subsep)
		for _, model := range sortedModels(out.PeerReviewResponses) {
			fmt.Fprintf(&b, "### %s\n%s\n\n", model, out.PeerReviewResponses[model].Preview)
		}
		b.WriteString(sep)
	}

	return b.String()
}

func sortedModels(m map[orchtypes.ModelId]ModelResponseView) []orchtypes.ModelId {
	out := make([]orchtypes.ModelId, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
