// Package orchtypes holds the value types shared across every stage of
// the orchestrator: queries, provider/model identifiers, stage results,
// and the final pipeline result. None of these types carry behavior
// beyond small pure helpers; they are the vocabulary every other
// package imports.
package orchtypes

import "time"

// ProviderId identifies the vendor family a model belongs to.
type ProviderId string

const (
	ProviderOpenAI      ProviderId = "openai"
	ProviderAnthropic   ProviderId = "anthropic"
	ProviderGoogle      ProviderId = "google"
	ProviderHuggingFace ProviderId = "huggingface"
	ProviderUnknown     ProviderId = "unknown"
)

// ModelId is an opaque, validated model name such as "gpt-4" or
// "claude-3-5-sonnet-20241022".
type ModelId string

// ProviderForModel derives a ProviderId from a ModelId using the same
// naming heuristics used by the health probe and the adapters: a
// model belongs to whichever vendor's naming convention it matches.
func ProviderForModel(model ModelId) ProviderId {
	m := string(model)
	switch {
	case hasPrefix(m, "gpt") || hasPrefix(m, "o1") || hasPrefix(m, "o3"):
		return ProviderOpenAI
	case hasPrefix(m, "claude"):
		return ProviderAnthropic
	case hasPrefix(m, "gemini"):
		return ProviderGoogle
	case contains(m, "/"):
		return ProviderHuggingFace
	default:
		return ProviderUnknown
	}
}

func hasPrefix(s, p string) bool {
	return len(s) >= len(p) && s[:len(p)] == p
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

// Query is the immutable user request for one pipeline run.
type Query struct {
	Text            string
	RequestedModels []ModelId
	Options         map[string]any
}

// CorrelationId is an opaque id threaded through logs, spans, and
// events for one pipeline run.
type CorrelationId string

// StageName identifies which of the three pipeline stages a result
// belongs to.
type StageName string

const (
	StageInitial     StageName = "initial"
	StagePeerReview  StageName = "peer_review"
	StageSynthesis   StageName = "synthesis"
)

// Outcome tags how a single model call ended.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeError     Outcome = "error"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCancelled Outcome = "cancelled"
)

// ModelCall records one attempted call to one model within one stage.
type ModelCall struct {
	Model         ModelId
	Provider      ProviderId
	Stage         StageName
	CorrelationId CorrelationId
	StartedAt     time.Time
	FinishedAt    time.Time
	Outcome       Outcome
	Text          string
	ErrorKind     string
	ErrorMessage  string
}

// Duration is a convenience accessor used by telemetry and the
// formatter's pipeline_summary.
func (c ModelCall) Duration() time.Duration {
	if c.FinishedAt.IsZero() || c.StartedAt.IsZero() {
		return 0
	}
	return c.FinishedAt.Sub(c.StartedAt)
}

// InitialStageResult is Stage 1's output: the fan-out of raw responses.
type InitialStageResult struct {
	Prompt            string
	Responses         map[ModelId]string
	SuccessfulModels  []ModelId
	AttemptedModels   []ModelId
	Calls             []ModelCall
}

// SkipReason records why a stage was skipped instead of run.
type SkipReason struct {
	Reason string
}

// PeerReviewStageResult is Stage 2's output.
type PeerReviewStageResult struct {
	OriginalResponses map[ModelId]string
	RevisedResponses  map[ModelId]string
	SuccessfulModels  []ModelId
	Skipped           *SkipReason
	Calls             []ModelCall
}

// SynthesisStrategy records whether the chosen synthesis model was a
// non-participant (preferred) or a participant fallback.
type SynthesisStrategy string

const (
	StrategyNonParticipant     SynthesisStrategy = "non_participant"
	StrategyParticipantFallback SynthesisStrategy = "participant_fallback"
)

// SynthesisStageResult is Stage 3's output.
type SynthesisStageResult struct {
	SynthesisText  string
	ModelUsed      ModelId
	Strategy       SynthesisStrategy
	Participants   []ModelId
	NonParticipants []ModelId
	SourceModels   []ModelId
	Call           *ModelCall
}

// StageResult is a tagged union over the three possible stage shapes,
// plus the generic error/skip slots every stage can also take.
type StageResult struct {
	Name    StageName
	Initial *InitialStageResult
	Peer    *PeerReviewStageResult
	Synth   *SynthesisStageResult
	Err     error
}

// PipelineResult is the ordered, aggregated result of a full run.
type PipelineResult struct {
	CorrelationId CorrelationId
	Stages        []StageResult
	Cached        bool
	StartedAt     time.Time
	FinishedAt    time.Time
}

// Stage looks up a stage result by name, returning nil if absent.
func (p *PipelineResult) Stage(name StageName) *StageResult {
	for i := range p.Stages {
		if p.Stages[i].Name == name {
			return &p.Stages[i]
		}
	}
	return nil
}

// ServiceUnavailable is the one structured, terminal error return the
// core produces; it is never an exception.
type ServiceUnavailable struct {
	Error   string                 `json:"error"`
	Message string                 `json:"message"`
	Details ServiceUnavailableInfo `json:"details"`
}

// ServiceUnavailableInfo is the "details" payload of ServiceUnavailable.
type ServiceUnavailableInfo struct {
	ModelsRequired        int          `json:"models_required"`
	ProvidersAvailable    int          `json:"providers_available"`
	ProvidersOperational  []ProviderId `json:"providers_operational"`
	RequiredProviders     []ProviderId `json:"required_providers"`
	MissingProviders      []ProviderId `json:"missing_providers"`
	ServiceStatus         string       `json:"service_status"`
	FallbackSuggestion    ProviderId   `json:"fallback_suggestion,omitempty"`
}

func (e *ServiceUnavailable) Error() string {
	return e.Message
}

// StreamEvent is one SSE-carried event for a run.
type StreamEvent struct {
	EventName string         `json:"event"`
	Sequence  int64          `json:"sequence"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Event name constants, per spec.
const (
	EventPipelineStarted   = "pipeline_started"
	EventPipelineCompleted = "pipeline_completed"
	EventPipelineError     = "pipeline_error"
	EventStageStarted      = "stage_started"
	EventStageCompleted    = "stage_completed"
	EventStageError        = "stage_error"
	EventModelStarted      = "model_started"
	EventModelResponse     = "model_response"
	EventModelError        = "model_error"
	EventSynthesisChunk    = "synthesis_chunk"
	EventSynthesisComplete = "synthesis_completed"
)
