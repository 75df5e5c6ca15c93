// Package pipeline implements the orchestration engine: the three
// Ultra Synthesis stages (initial fan-out, peer review, synthesis),
// the gating precondition, result caching, and SSE event emission.
// It is the composition point for every other package in this
// module, wiring C6 (ratelimit) -> C7 (retryhandler) -> C2
// (resilience) -> C3 (telemetry) -> C1 (llm adapters) exactly as
// spec.md's data flow diagram describes.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/fieldjoshua/ultrasynth/pkg/config"
	"github.com/fieldjoshua/ultrasynth/pkg/correlation"
	"github.com/fieldjoshua/ultrasynth/pkg/eventbus"
	"github.com/fieldjoshua/ultrasynth/pkg/fallback"
	"github.com/fieldjoshua/ultrasynth/pkg/health"
	"github.com/fieldjoshua/ultrasynth/pkg/llm"
	"github.com/fieldjoshua/ultrasynth/pkg/orchtypes"
	"github.com/fieldjoshua/ultrasynth/pkg/promptmanager"
	"github.com/fieldjoshua/ultrasynth/pkg/ratelimit"
	"github.com/fieldjoshua/ultrasynth/pkg/resilience"
	"github.com/fieldjoshua/ultrasynth/pkg/retryhandler"
	"github.com/fieldjoshua/ultrasynth/pkg/selector"
)

// allowListPatterns are the model id patterns models are validated
// against at pipeline entry (§3 "validated against an allow-list of
// regex patterns; invalid ids are dropped").
var allowListPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^gpt-[\w.\-]+$`),
	regexp.MustCompile(`^o[13](-[\w.\-]+)?$`),
	regexp.MustCompile(`^claude-[\w.\-]+$`),
	regexp.MustCompile(`^gemini-[\w.\-]+$`),
	regexp.MustCompile(`^[\w.\-]+/[\w.\-]+$`), // huggingface org/model
}

const maxModelIDLength = 100

func validModelID(model orchtypes.ModelId) bool {
	s := string(model)
	if s == "" || len(s) > maxModelIDLength {
		return false
	}
	for _, re := range allowListPatterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// Deps bundles every collaborator the driver composes.
type Deps struct {
	Config            *config.Config
	ResilientByProvider map[orchtypes.ProviderId]*resilience.ResilientProvider
	RateLimiter       *ratelimit.Limiter
	RetryHandler      *retryhandler.Handler
	HealthCache       *health.Cache
	FallbackManager   *fallback.Manager
	Selector          *selector.Selector
	Bus               *eventbus.Bus
	Logger            *zap.Logger
	TemplateCache     *promptmanager.TemplateCache
}

// Pipeline is the driver (C12): stage sequencing, gating, caching,
// and event emission, composed over the resilience/retry/rate-limit
// stack beneath it.
type Pipeline struct {
	cfg           *config.Config
	providers     map[orchtypes.ProviderId]*resilience.ResilientProvider
	rateLimiter   *ratelimit.Limiter
	retryHandler  *retryhandler.Handler
	healthCache   *health.Cache
	fallbackMgr   *fallback.Manager
	modelSelector *selector.Selector
	bus           *eventbus.Bus
	logger        *zap.Logger
	templateCache *promptmanager.TemplateCache

	cacheMu sync.Mutex
	cache   map[string]cacheEntry
}

type cacheEntry struct {
	result    *orchtypes.PipelineResult
	cachedAt  time.Time
}

// New constructs a Pipeline from its dependencies.
func New(deps Deps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Default()
	}
	return &Pipeline{
		cfg:           cfg,
		providers:     deps.ResilientByProvider,
		rateLimiter:   deps.RateLimiter,
		retryHandler:  deps.RetryHandler,
		healthCache:   deps.HealthCache,
		fallbackMgr:   deps.FallbackManager,
		modelSelector: deps.Selector,
		bus:           deps.Bus,
		logger:        logger,
		templateCache: deps.TemplateCache,
		cache:         make(map[string]cacheEntry),
	}
}

// RunPipeline executes the full three-stage pipeline for query,
// returning either a populated PipelineResult or a structured
// ServiceUnavailable. It is never an exception: every failure mode
// short of the gating check is carried inside the returned result.
func (p *Pipeline) RunPipeline(ctx context.Context, query orchtypes.Query, selectedModels []orchtypes.ModelId) (*orchtypes.PipelineResult, *orchtypes.ServiceUnavailable) {
	ctx, corrID := correlation.Ensure(ctx, explicitCorrelationID(query))
	logger := p.logger.With(zap.String("correlation_id", string(corrID)))

	models := p.resolveModels(ctx, query, selectedModels)

	providersPresent := providerSet(models)
	missing := missingProviders(providersPresent, p.cfg.RequiredProviders)
	if len(models) < p.cfg.MinimumModelsRequired || len(missing) > 0 {
		status := "unavailable"
		if p.cfg.EnableSingleModelFallback {
			status = "degraded"
		}
		su := &orchtypes.ServiceUnavailable{
			Error:   "SERVICE_UNAVAILABLE",
			Message: "insufficient healthy models or missing required providers",
			Details: orchtypes.ServiceUnavailableInfo{
				ModelsRequired:       p.cfg.MinimumModelsRequired,
				ProvidersAvailable:   len(providersPresent),
				ProvidersOperational: sortedProviders(providersPresent),
				RequiredProviders:    p.cfg.RequiredProviders,
				MissingProviders:     missing,
				ServiceStatus:        status,
				FallbackSuggestion:   p.fallbackSuggestion(missing),
			},
		}
		logger.Warn("pipeline gating failed", zap.Int("models", len(models)), zap.Strings("missing_providers", providerStrings(missing)))
		return nil, su
	}

	if p.cfg.EnableCache {
		key := p.cacheKey(query, models)
		if cached, ok := p.cacheGet(key); ok {
			cached.Cached = true
			p.emit(corrID, orchtypes.EventPipelineCompleted, map[string]any{"cached": true})
			return cached, nil
		}
	}

	result := &orchtypes.PipelineResult{CorrelationId: corrID, StartedAt: time.Now()}
	p.emit(corrID, orchtypes.EventPipelineStarted, map[string]any{"models": modelStrings(models)})

	queryType := promptmanager.DetectQueryType(query.Text)

	initial := p.runInitialStage(ctx, corrID, query.Text, models)
	result.Stages = append(result.Stages, orchtypes.StageResult{Name: orchtypes.StageInitial, Initial: initial})

	if len(initial.SuccessfulModels) < p.cfg.MinimumModelsRequired {
		if !p.cfg.EnableSingleModelFallback || len(initial.SuccessfulModels) < 1 {
			status := "unavailable"
			if p.cfg.EnableSingleModelFallback {
				status = "degraded"
			}
			su := &orchtypes.ServiceUnavailable{
				Error:   "SERVICE_UNAVAILABLE",
				Message: "not enough models produced an initial response",
				Details: orchtypes.ServiceUnavailableInfo{
					ModelsRequired:       p.cfg.MinimumModelsRequired,
					ProvidersAvailable:   len(providersPresent),
					ProvidersOperational: sortedProviders(providersPresent),
					RequiredProviders:    p.cfg.RequiredProviders,
					MissingProviders:     missing,
					ServiceStatus:        status,
					FallbackSuggestion:   p.fallbackSuggestion(failedProviders(models, initial.SuccessfulModels)),
				},
			}
			p.emit(corrID, orchtypes.EventPipelineError, map[string]any{"error": su.Message})
			return nil, su
		}
		logger.Info("continuing in single-model degraded mode", zap.Int("successful_models", len(initial.SuccessfulModels)))
	}

	var peer *orchtypes.PeerReviewStageResult
	if len(initial.SuccessfulModels) < 2 {
		peer = &orchtypes.PeerReviewStageResult{
			OriginalResponses: initial.Responses,
			RevisedResponses:  initial.Responses,
			SuccessfulModels:  initial.SuccessfulModels,
			Skipped:           &orchtypes.SkipReason{Reason: "Insufficient models for peer review"},
		}
		p.emit(corrID, orchtypes.EventStageStarted, map[string]any{"stage": string(orchtypes.StagePeerReview)})
		p.emit(corrID, orchtypes.EventStageCompleted, map[string]any{"stage": string(orchtypes.StagePeerReview), "skipped": true})
	} else {
		peer = p.runPeerReviewStage(ctx, corrID, query.Text, initial)
	}
	result.Stages = append(result.Stages, orchtypes.StageResult{Name: orchtypes.StagePeerReview, Peer: peer})

	synth := p.runSynthesisStage(ctx, corrID, query.Text, models, peer, queryType)
	var stageErr error
	if synth == nil {
		stageErr = fmt.Errorf("ultra synthesis: no candidate model produced a usable response")
	}
	result.Stages = append(result.Stages, orchtypes.StageResult{Name: orchtypes.StageSynthesis, Synth: synth, Err: stageErr})

	result.FinishedAt = time.Now()

	if p.cfg.EnableCache {
		p.cacheSet(p.cacheKey(query, models), result)
	}

	if stageErr != nil {
		p.emit(corrID, orchtypes.EventPipelineError, map[string]any{"error": stageErr.Error()})
	} else {
		p.emit(corrID, orchtypes.EventPipelineCompleted, map[string]any{"cached": false})
	}
	return result, nil
}

// StreamPipeline runs RunPipeline in the background and returns the
// correlation id's event stream plus a cleanup func. The caller must
// invoke cleanup once done reading to release the subscription.
func (p *Pipeline) StreamPipeline(ctx context.Context, query orchtypes.Query, selectedModels []orchtypes.ModelId) (<-chan orchtypes.StreamEvent, orchtypes.CorrelationId, func()) {
	corrID := correlation.Resolve(ctx, explicitCorrelationID(query))
	ctx = correlation.WithID(ctx, corrID)
	sub := p.bus.Subscribe(corrID)

	go func() {
		p.RunPipeline(ctx, query, selectedModels)
	}()

	cleanup := func() {
		sub.Close()
		p.bus.Close(corrID)
	}
	return sub.Events, corrID, cleanup
}

func explicitCorrelationID(query orchtypes.Query) orchtypes.CorrelationId {
	if query.Options == nil {
		return ""
	}
	if v, ok := query.Options["correlation_id"].(string); ok {
		return orchtypes.CorrelationId(v)
	}
	return ""
}

// ---------------------------------------------------------------------------
// Model resolution & gating
// ---------------------------------------------------------------------------

func (p *Pipeline) resolveModels(ctx context.Context, query orchtypes.Query, selected []orchtypes.ModelId) []orchtypes.ModelId {
	raw := selected
	if len(raw) == 0 {
		raw = query.RequestedModels
	}
	if len(raw) == 0 {
		raw = p.cfg.DefaultModels
	}

	seen := map[orchtypes.ModelId]bool{}
	out := make([]orchtypes.ModelId, 0, len(raw))
	for _, m := range raw {
		if seen[m] || !validModelID(m) {
			continue
		}
		if p.healthCache != nil && !p.healthCache.IsHealthy(ctx, m) {
			out = append(out, p.substituteUnhealthy(ctx, m, seen)...)
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

// substituteUnhealthy backfills a model dropped for failing its
// health check with one fallback model from a different, unseen
// provider, so a single dead provider doesn't by itself shrink the
// resolved set below MinimumModelsRequired. Returns nil (a plain
// drop) when there is no fallback manager or no healthy alternative.
func (p *Pipeline) substituteUnhealthy(ctx context.Context, dropped orchtypes.ModelId, seen map[orchtypes.ModelId]bool) []orchtypes.ModelId {
	if p.fallbackMgr == nil {
		return nil
	}
	for _, candidate := range p.fallbackMgr.FallbackModels(orchtypes.ProviderForModel(dropped), 4) {
		if seen[candidate] || !validModelID(candidate) {
			continue
		}
		if p.healthCache != nil && !p.healthCache.IsHealthy(ctx, candidate) {
			continue
		}
		seen[candidate] = true
		return []orchtypes.ModelId{candidate}
	}
	return nil
}

func providerSet(models []orchtypes.ModelId) map[orchtypes.ProviderId]bool {
	out := make(map[orchtypes.ProviderId]bool, len(models))
	for _, m := range models {
		out[orchtypes.ProviderForModel(m)] = true
	}
	return out
}

func missingProviders(present map[orchtypes.ProviderId]bool, required []orchtypes.ProviderId) []orchtypes.ProviderId {
	var missing []orchtypes.ProviderId
	for _, r := range required {
		if !present[r] {
			missing = append(missing, r)
		}
	}
	return missing
}

// failedProviders returns the providers behind attempted that have no
// successful model among successful, in sorted order.
func failedProviders(attempted, successful []orchtypes.ModelId) []orchtypes.ProviderId {
	ok := providerSet(successful)
	failed := map[orchtypes.ProviderId]bool{}
	for _, m := range attempted {
		p := orchtypes.ProviderForModel(m)
		if !ok[p] {
			failed[p] = true
		}
	}
	return sortedProviders(failed)
}

// fallbackSuggestion names one non-rate-limited provider
// other than the first entry of unavailable, for S4's
// fallback_suggestion field on an unrecoverable error.
func (p *Pipeline) fallbackSuggestion(unavailable []orchtypes.ProviderId) orchtypes.ProviderId {
	if p.fallbackMgr == nil || len(unavailable) == 0 {
		return ""
	}
	alt, ok := p.fallbackMgr.SuggestAlternative(unavailable[0])
	if !ok {
		return ""
	}
	return alt
}

func sortedProviders(set map[orchtypes.ProviderId]bool) []orchtypes.ProviderId {
	out := make([]orchtypes.ProviderId, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func providerStrings(providers []orchtypes.ProviderId) []string {
	out := make([]string, len(providers))
	for i, p := range providers {
		out[i] = string(p)
	}
	return out
}

func modelStrings(models []orchtypes.ModelId) []string {
	out := make([]string, len(models))
	for i, m := range models {
		out[i] = string(m)
	}
	return out
}

// ---------------------------------------------------------------------------
// Caching
// ---------------------------------------------------------------------------

func (p *Pipeline) cacheKey(query orchtypes.Query, models []orchtypes.ModelId) string {
	sorted := append([]orchtypes.ModelId(nil), models...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	payload := struct {
		Input   string                 `json:"input"`
		Models  []orchtypes.ModelId    `json:"models"`
		Options map[string]any         `json:"options"`
	}{Input: query.Text, Models: sorted, Options: query.Options}

	raw, _ := json.Marshal(payload)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func (p *Pipeline) cacheGet(key string) (*orchtypes.PipelineResult, bool) {
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	entry, ok := p.cache[key]
	if !ok {
		return nil, false
	}
	if p.cfg.CacheTTL > 0 && time.Since(entry.cachedAt) > p.cfg.CacheTTL {
		delete(p.cache, key)
		return nil, false
	}
	copyResult := *entry.result
	return &copyResult, true
}

func (p *Pipeline) cacheSet(key string, result *orchtypes.PipelineResult) {
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	p.cache[key] = cacheEntry{result: result, cachedAt: time.Now()}
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

func (p *Pipeline) emit(corrID orchtypes.CorrelationId, name string, data map[string]any) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(corrID, name, data)
}

// ---------------------------------------------------------------------------
// Model calls (C6 -> C7 -> C2 -> C3 -> C1)
// ---------------------------------------------------------------------------

func (p *Pipeline) callModel(ctx context.Context, corrID orchtypes.CorrelationId, model orchtypes.ModelId, prompt string, stage orchtypes.StageName, timeout time.Duration) (string, orchtypes.ModelCall) {
	provider := orchtypes.ProviderForModel(model)
	endpoint := string(provider)
	started := time.Now()
	call := orchtypes.ModelCall{Model: model, Provider: provider, Stage: stage, CorrelationId: corrID, StartedAt: started}

	resilientProvider, ok := p.providers[provider]
	if !ok {
		call.Outcome = orchtypes.OutcomeError
		call.ErrorKind = string(llm.ErrNotFound)
		call.ErrorMessage = "no provider configured for " + string(provider)
		call.FinishedAt = time.Now()
		return "", call
	}

	if err := p.rateLimiter.Acquire(ctx, endpoint); err != nil {
		call.Outcome = orchtypes.OutcomeCancelled
		call.ErrorMessage = err.Error()
		call.FinishedAt = time.Now()
		return "", call
	}

	result := p.retryHandler.ExecuteWithTimeout(ctx, timeout, provider, func(ctx context.Context) (string, error) {
		resp, err := resilientProvider.Completion(ctx, llm.ChatRequest{CorrelationId: corrID, Model: model, Prompt: prompt, Timeout: timeout})
		if err != nil {
			return "", err
		}
		return resp.Text, nil
	})
	p.rateLimiter.Release(endpoint, result.Ok)

	call.FinishedAt = time.Now()
	if result.Ok {
		call.Outcome = orchtypes.OutcomeSuccess
		call.Text = result.Text
		return result.Text, call
	}

	if ctx.Err() != nil {
		call.Outcome = orchtypes.OutcomeCancelled
	} else if llmErr, ok := result.Err.(*llm.Error); ok {
		if llmErr.Kind == llm.ErrTimeout {
			call.Outcome = orchtypes.OutcomeTimeout
		} else {
			call.Outcome = orchtypes.OutcomeError
		}
		call.ErrorKind = string(llmErr.Kind)
		call.ErrorMessage = llmErr.Message
		if llmErr.Kind == llm.ErrRateLimited {
			p.fallbackMgr.MarkRateLimited(provider, time.Minute)
		}
	} else {
		call.Outcome = orchtypes.OutcomeError
		if result.Err != nil {
			call.ErrorMessage = result.Err.Error()
		}
	}
	if p.retryHandler != nil && result.Err != nil && strings.Contains(result.Err.Error(), "rate limit") {
		p.fallbackMgr.MarkRateLimited(provider, time.Minute)
	}
	return "", call
}

// ---------------------------------------------------------------------------
// Stage 1: initial fan-out
// ---------------------------------------------------------------------------

func (p *Pipeline) runInitialStage(ctx context.Context, corrID orchtypes.CorrelationId, prompt string, models []orchtypes.ModelId) *orchtypes.InitialStageResult {
	p.emit(corrID, orchtypes.EventStageStarted, map[string]any{"stage": string(orchtypes.StageInitial)})

	calls := p.fanOut(ctx, corrID, prompt, models, orchtypes.StageInitial, p.cfg.InitialResponseTimeout)

	result := &orchtypes.InitialStageResult{
		Prompt:          prompt,
		Responses:       map[orchtypes.ModelId]string{},
		AttemptedModels: models,
		Calls:           calls,
	}
	for _, call := range calls {
		if call.Outcome == orchtypes.OutcomeSuccess {
			result.Responses[call.Model] = call.Text
			result.SuccessfulModels = append(result.SuccessfulModels, call.Model)
		}
	}

	p.emit(corrID, orchtypes.EventStageCompleted, map[string]any{
		"stage": string(orchtypes.StageInitial), "successful": len(result.SuccessfulModels), "attempted": len(models),
	})
	return result
}

// fanOut runs one call per model, bounded to min(|models|,4)
// concurrent in-flight calls (§5), within an overall group timeout.
// It blocks until every task has returned, satisfying the
// cancellation-liveness invariant (§8 invariant 8).
func (p *Pipeline) fanOut(ctx context.Context, corrID orchtypes.CorrelationId, prompt string, models []orchtypes.ModelId, stage orchtypes.StageName, perCallTimeout time.Duration) []orchtypes.ModelCall {
	groupCtx, cancel := context.WithTimeout(ctx, p.cfg.ConcurrentExecutionTimeout)
	defer cancel()

	concurrency := len(models)
	if concurrency > p.cfg.MaxConcurrentModelCalls {
		concurrency = p.cfg.MaxConcurrentModelCalls
	}
	if concurrency < 1 {
		concurrency = 1
	}
	sem := semaphore.NewWeighted(int64(concurrency))

	calls := make([]orchtypes.ModelCall, len(models))
	var wg sync.WaitGroup

	for i, model := range models {
		if err := sem.Acquire(groupCtx, 1); err != nil {
			calls[i] = orchtypes.ModelCall{
				Model: model, Provider: orchtypes.ProviderForModel(model), Stage: stage,
				CorrelationId: corrID, StartedAt: time.Now(), FinishedAt: time.Now(),
				Outcome: orchtypes.OutcomeCancelled,
			}
			continue
		}
		wg.Add(1)
		go func(i int, model orchtypes.ModelId) {
			defer wg.Done()
			defer sem.Release(1)

			p.emit(corrID, orchtypes.EventModelStarted, map[string]any{"model": string(model), "stage": string(stage)})
			text, call := p.callModel(groupCtx, corrID, model, prompt, stage, perCallTimeout)
			calls[i] = call
			if call.Outcome == orchtypes.OutcomeSuccess {
				p.emit(corrID, orchtypes.EventModelResponse, map[string]any{"model": string(model), "stage": string(stage), "chars": len(text)})
			} else {
				p.emit(corrID, orchtypes.EventModelError, map[string]any{"model": string(model), "stage": string(stage), "outcome": string(call.Outcome), "error": call.ErrorMessage})
			}
		}(i, model)
	}

	wg.Wait()
	return calls
}

// ---------------------------------------------------------------------------
// Stage 2: peer review
// ---------------------------------------------------------------------------

func (p *Pipeline) runPeerReviewStage(ctx context.Context, corrID orchtypes.CorrelationId, originalQuery string, initial *orchtypes.InitialStageResult) *orchtypes.PeerReviewStageResult {
	p.emit(corrID, orchtypes.EventStageStarted, map[string]any{"stage": string(orchtypes.StagePeerReview)})

	models := initial.SuccessfulModels
	prompts := make(map[orchtypes.ModelId]string, len(models))
	for _, model := range models {
		peers := make(map[string]string, len(initial.Responses)-1)
		for peer, text := range initial.Responses {
			if peer == model {
				continue
			}
			peers[string(peer)] = text
		}
		prompts[model] = promptmanager.PeerReviewPromptWithCache(p.templateCache, originalQuery, initial.Responses[model], peers)
	}

	calls := p.fanOutWithPrompts(ctx, corrID, prompts, orchtypes.StagePeerReview, p.cfg.PeerReviewTimeout)

	revised := make(map[orchtypes.ModelId]string, len(models))
	var successful []orchtypes.ModelId
	for _, call := range calls {
		if call.Outcome == orchtypes.OutcomeSuccess {
			revised[call.Model] = call.Text
			successful = append(successful, call.Model)
		} else {
			// Carry forward the original response on failure.
			revised[call.Model] = initial.Responses[call.Model]
		}
	}

	p.emit(corrID, orchtypes.EventStageCompleted, map[string]any{"stage": string(orchtypes.StagePeerReview), "successful": len(successful)})

	return &orchtypes.PeerReviewStageResult{
		OriginalResponses: initial.Responses,
		RevisedResponses:  revised,
		SuccessfulModels:  successful,
		Calls:             calls,
	}
}

// fanOutWithPrompts is fanOut's sibling for stages where each model
// gets its own distinct prompt rather than a shared one.
func (p *Pipeline) fanOutWithPrompts(ctx context.Context, corrID orchtypes.CorrelationId, prompts map[orchtypes.ModelId]string, stage orchtypes.StageName, perCallTimeout time.Duration) []orchtypes.ModelCall {
	models := make([]orchtypes.ModelId, 0, len(prompts))
	for m := range prompts {
		models = append(models, m)
	}
	sort.Slice(models, func(i, j int) bool { return models[i] < models[j] })

	groupCtx, cancel := context.WithTimeout(ctx, p.cfg.ConcurrentExecutionTimeout)
	defer cancel()

	concurrency := len(models)
	if concurrency > p.cfg.MaxConcurrentModelCalls {
		concurrency = p.cfg.MaxConcurrentModelCalls
	}
	if concurrency < 1 {
		concurrency = 1
	}
	sem := semaphore.NewWeighted(int64(concurrency))

	calls := make([]orchtypes.ModelCall, len(models))
	var wg sync.WaitGroup
	for i, model := range models {
		if err := sem.Acquire(groupCtx, 1); err != nil {
			calls[i] = orchtypes.ModelCall{Model: model, Provider: orchtypes.ProviderForModel(model), Stage: stage, CorrelationId: corrID, StartedAt: time.Now(), FinishedAt: time.Now(), Outcome: orchtypes.OutcomeCancelled}
			continue
		}
		wg.Add(1)
		go func(i int, model orchtypes.ModelId) {
			defer wg.Done()
			defer sem.Release(1)
			p.emit(corrID, orchtypes.EventModelStarted, map[string]any{"model": string(model), "stage": string(stage)})
			text, call := p.callModel(groupCtx, corrID, model, prompts[model], stage, perCallTimeout)
			calls[i] = call
			if call.Outcome == orchtypes.OutcomeSuccess {
				p.emit(corrID, orchtypes.EventModelResponse, map[string]any{"model": string(model), "stage": string(stage), "chars": len(text)})
			} else {
				p.emit(corrID, orchtypes.EventModelError, map[string]any{"model": string(model), "stage": string(stage), "outcome": string(call.Outcome), "error": call.ErrorMessage})
			}
		}(i, model)
	}
	wg.Wait()
	return calls
}

// ---------------------------------------------------------------------------
// Stage 3: ultra synthesis
// ---------------------------------------------------------------------------

func (p *Pipeline) runSynthesisStage(ctx context.Context, corrID orchtypes.CorrelationId, originalQuery string, available []orchtypes.ModelId, peer *orchtypes.PeerReviewStageResult, queryType promptmanager.QueryType) *orchtypes.SynthesisStageResult {
	p.emit(corrID, orchtypes.EventStageStarted, map[string]any{"stage": string(orchtypes.StageSynthesis)})

	participants := peer.SuccessfulModels
	if len(participants) == 0 {
		for m := range peer.RevisedResponses {
			participants = append(participants, m)
		}
	}
	participantSet := map[orchtypes.ModelId]bool{}
	for _, m := range participants {
		participantSet[m] = true
	}

	var nonParticipants []orchtypes.ModelId
	for _, m := range available {
		if !participantSet[m] {
			nonParticipants = append(nonParticipants, m)
		}
	}

	strategy := orchtypes.StrategyNonParticipant
	candidates := nonParticipants
	if len(candidates) == 0 {
		strategy = orchtypes.StrategyParticipantFallback
		candidates = participants
	}

	if p.cfg.EnhancedSynthesisEnabled && p.modelSelector != nil {
		candidates = p.modelSelector.Rank(candidates, selector.QueryType(queryType), participants)
	}

	// Participants stay behind the non-participants as a last resort, so
	// a run whose spare models all fail still synthesizes with a model
	// that answered Stage 1.
	tryOrder := candidates
	if strategy == orchtypes.StrategyNonParticipant {
		fallbacks := participants
		if p.cfg.EnhancedSynthesisEnabled && p.modelSelector != nil {
			fallbacks = p.modelSelector.Rank(participants, selector.QueryType(queryType), participants)
		}
		tryOrder = append(append([]orchtypes.ModelId{}, candidates...), fallbacks...)
	}

	responsesForPrompt := make(map[string]string, len(peer.RevisedResponses))
	for m, text := range peer.RevisedResponses {
		responsesForPrompt[string(m)] = text
	}
	prompt := promptmanager.SynthesisPromptWithCache(p.templateCache, originalQuery, responsesForPrompt, queryType)

	for _, candidate := range tryOrder {
		if p.fallbackMgr.IsRateLimited(orchtypes.ProviderForModel(candidate)) {
			continue
		}
		p.emit(corrID, orchtypes.EventModelStarted, map[string]any{"model": string(candidate), "stage": string(orchtypes.StageSynthesis)})
		start := time.Now()
		text, call := p.callModel(ctx, corrID, candidate, prompt, orchtypes.StageSynthesis, p.cfg.UltraSynthesisTimeout)
		if call.Outcome != orchtypes.OutcomeSuccess || strings.TrimSpace(text) == "" {
			p.emit(corrID, orchtypes.EventModelError, map[string]any{"model": string(candidate), "stage": string(orchtypes.StageSynthesis), "error": call.ErrorMessage})
			continue
		}
		if participantSet[candidate] {
			strategy = orchtypes.StrategyParticipantFallback
		}
		p.emit(corrID, orchtypes.EventModelResponse, map[string]any{"model": string(candidate), "stage": string(orchtypes.StageSynthesis)})
		p.emit(corrID, orchtypes.EventSynthesisComplete, map[string]any{"model": string(candidate)})

		if p.modelSelector != nil {
			p.modelSelector.UpdatePerformance(candidate, true, qualityHeuristic(text), time.Since(start).Seconds())
		}

		p.emit(corrID, orchtypes.EventStageCompleted, map[string]any{"stage": string(orchtypes.StageSynthesis), "model_used": string(candidate), "strategy": string(strategy)})
		return &orchtypes.SynthesisStageResult{
			SynthesisText:   text,
			ModelUsed:       candidate,
			Strategy:        strategy,
			Participants:    participants,
			NonParticipants: nonParticipants,
			SourceModels:    candidates,
			Call:            &call,
		}
	}

	p.emit(corrID, orchtypes.EventStageError, map[string]any{"stage": string(orchtypes.StageSynthesis), "error": "no candidate produced a usable synthesis"})
	return nil
}

// qualityHeuristic is a crude, bounded proxy for synthesis quality in
// the absence of a human or LLM-judge score: longer, more complete
// syntheses score higher, capped at 1.0.
func qualityHeuristic(text string) float64 {
	words := len(strings.Fields(text))
	score := float64(words) / 300.0
	if score > 1.0 {
		score = 1.0
	}
	if score < 0.1 {
		score = 0.1
	}
	return score
}
