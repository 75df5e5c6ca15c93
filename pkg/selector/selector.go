// Package selector scores and ranks models for Stage 3 synthesis
// selection. It is a pure, in-memory, passive scoring service: the
// pipeline driver is the only caller of UpdatePerformance, which
// breaks the selector-driver feedback cycle noted in spec.md's design
// notes.
package selector

import (
	"encoding/json"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/fieldjoshua/ultrasynth/pkg/orchtypes"
)

// QueryType mirrors promptmanager.QueryType; duplicated here as a
// plain string type so selector does not import promptmanager (the
// pipeline converts between the two).
type QueryType string

// Metrics is one model's persisted performance record.
type Metrics struct {
	ModelName           orchtypes.ModelId `json:"model_name"`
	SuccessfulSyntheses int               `json:"successful_syntheses"`
	FailedSyntheses     int               `json:"failed_syntheses"`
	AverageQualityScore float64           `json:"average_quality_score"`
	AverageResponseTime float64           `json:"average_response_time"`
	LastUsed            time.Time         `json:"last_used"`
	ExpertiseAreas      []string          `json:"expertise_areas"`
	AvailabilityScore   float64           `json:"availability_score"`
}

func newMetrics(model orchtypes.ModelId) Metrics {
	return Metrics{
		ModelName:         model,
		AvailabilityScore: 1.0,
		ExpertiseAreas:    defaultExpertise(model),
	}
}

// defaultExpertise carries the hardcoded per-model tag table from
// model_selection.py's model_expertise dict.
func defaultExpertise(model orchtypes.ModelId) []string {
	table := map[orchtypes.ModelId][]string{
		"gpt-4":                        {"reasoning", "technical", "comprehensive", "code"},
		"gpt-4-turbo":                  {"reasoning", "technical", "comprehensive", "code"},
		"gpt-4o":                       {"reasoning", "technical", "comprehensive", "code", "multimodal"},
		"o1-preview":                   {"reasoning", "technical", "analytical"},
		"claude-3-5-sonnet-20241022":   {"nuanced", "ethical", "analytical", "writing"},
		"claude-3-5-haiku-20241022":    {"nuanced", "ethical", "writing"},
		"claude-3-opus":                {"nuanced", "ethical", "analytical", "writing", "comprehensive"},
		"gemini-1.5-pro":               {"technical", "comprehensive", "multimodal"},
		"gemini-1.5-flash":             {"technical", "speed"},
		"gemini-2.0-flash-exp":         {"technical", "speed"},
	}
	if tags, ok := table[model]; ok {
		return append([]string(nil), tags...)
	}
	return nil
}

// Selector maintains per-model metrics, persisted as JSON for
// cross-run stability.
type Selector struct {
	mu          sync.Mutex
	metrics     map[orchtypes.ModelId]*Metrics
	metricsFile string
}

// New loads (or creates) a Selector backed by metricsFile. An empty
// path falls back to "model_performance_metrics.json" in the current
// working directory.
func New(metricsFile string) *Selector {
	if metricsFile == "" {
		metricsFile = "model_performance_metrics.json"
	}
	s := &Selector{metrics: make(map[orchtypes.ModelId]*Metrics), metricsFile: metricsFile}
	s.load()
	return s
}

func (s *Selector) load() {
	raw, err := os.ReadFile(s.metricsFile)
	if err != nil {
		return
	}
	var list []Metrics
	if err := json.Unmarshal(raw, &list); err != nil {
		return
	}
	for i := range list {
		m := list[i]
		s.metrics[m.ModelName] = &m
	}
}

func (s *Selector) save() {
	if s.metricsFile == "" {
		return
	}
	list := make([]Metrics, 0, len(s.metrics))
	for _, m := range s.metrics {
		list = append(list, *m)
	}
	raw, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(s.metricsFile, raw, 0o644)
}

func (s *Selector) metricsFor(model orchtypes.ModelId) *Metrics {
	m, ok := s.metrics[model]
	if !ok {
		v := newMetrics(model)
		m = &v
		s.metrics[model] = m
	}
	return m
}

// UpdatePerformance folds one synthesis outcome into model's rolling
// metrics. Quality score and response time are updated with a 0.7/0.3
// rolling average rather than overwritten, per the original
// implementation.
func (s *Selector) UpdatePerformance(model orchtypes.ModelId, success bool, qualityScore, responseTime float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.metricsFor(model)
	if success {
		m.SuccessfulSyntheses++
	} else {
		m.FailedSyntheses++
	}
	if m.AverageQualityScore == 0 {
		m.AverageQualityScore = qualityScore
	} else {
		m.AverageQualityScore = 0.7*m.AverageQualityScore + 0.3*qualityScore
	}
	if m.AverageResponseTime == 0 {
		m.AverageResponseTime = responseTime
	} else {
		m.AverageResponseTime = 0.7*m.AverageResponseTime + 0.3*responseTime
	}
	m.LastUsed = time.Now()
	s.save()
}

// Rank scores and sorts available models by their fitness for
// synthesizing a query of the given type, preferring models that
// recently performed well (recentPerformers) and penalizing staleness.
func (s *Selector) Rank(available []orchtypes.ModelId, queryType QueryType, recentPerformers []orchtypes.ModelId) []orchtypes.ModelId {
	s.mu.Lock()
	defer s.mu.Unlock()

	recent := make(map[orchtypes.ModelId]bool, len(recentPerformers))
	for _, m := range recentPerformers {
		recent[m] = true
	}

	type scored struct {
		model orchtypes.ModelId
		score float64
	}
	out := make([]scored, 0, len(available))
	for _, model := range available {
		out = append(out, scored{model: model, score: s.score(model, queryType, recent[model])})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })

	ranked := make([]orchtypes.ModelId, len(out))
	for i, o := range out {
		ranked[i] = o.model
	}
	return ranked
}

// score implements the weighted formula from spec.md §4.8:
//
//	score = success_rate*3 + normalized_quality*3 + recent_performer_bonus
//	      + expertise_match + availability - recency_penalty + speed_bonus
//
// Unknown models (no prior data) score the neutral baseline used by
// the original implementation for cold-start fairness.
func (s *Selector) score(model orchtypes.ModelId, queryType QueryType, isRecentPerformer bool) float64 {
	m, ok := s.metrics[model]
	if !ok {
		return 1.5 // neutral baseline: half of success_rate*3 + normalized_quality*3 at 0.5 each
	}

	total := m.SuccessfulSyntheses + m.FailedSyntheses
	successRate := 0.5
	if total > 0 {
		successRate = float64(m.SuccessfulSyntheses) / float64(total)
	}

	normalizedQuality := m.AverageQualityScore
	if normalizedQuality > 1 {
		normalizedQuality = normalizedQuality / 100
	}
	if normalizedQuality == 0 {
		normalizedQuality = 0.5
	}

	recentBonus := 0.0
	if isRecentPerformer {
		recentBonus = 0.5
	}

	expertiseMatch := 0.0
	qt := string(queryType)
	for _, tag := range m.ExpertiseAreas {
		if tag == qt {
			expertiseMatch = 0.5
			break
		}
	}

	availability := m.AvailabilityScore
	if availability == 0 {
		availability = 1.0
	}

	recencyPenalty := 0.0
	if !m.LastUsed.IsZero() {
		hoursSince := time.Since(m.LastUsed).Hours()
		recencyPenalty = math.Min(hoursSince/720.0, 1.0) * 0.2
	}

	speedBonus := 0.0
	if m.AverageResponseTime > 0 {
		speedBonus = math.Max(0, 0.3-m.AverageResponseTime/50.0)
	}

	score := successRate*3 + normalizedQuality*3 + recentBonus + expertiseMatch + availability - recencyPenalty + speedBonus
	return math.Max(score, 0)
}
