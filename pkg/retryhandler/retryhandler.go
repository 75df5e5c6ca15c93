// Package retryhandler implements the orchestration-level retry layer
// above the resilient provider wrapper: it scans response bodies for
// provider-specific rate-limit patterns (catching 429-like failures
// even when the transport layer reported HTTP 200) and applies
// provider-weighted backoff on top of the base exponential schedule.
package retryhandler

import (
	"context"
	"math"
	"math/rand"
	"regexp"
	"strings"
	"time"

	"github.com/fieldjoshua/ultrasynth/pkg/orchtypes"
)

// Config mirrors OrchestrationRetryHandler's constructor options. The
// regex patterns are exposed here, not hardcoded, because spec.md
// explicitly calls out that they "belong in configuration, not code"
// and drift over time.
type Config struct {
	MaxRetryAttempts        int
	InitialDelay            time.Duration
	MaxDelay                time.Duration
	ExponentialBase         float64
	RateLimitDetectionOn    bool
	RateLimitRetryOn        bool
	RateLimitPatterns       map[orchtypes.ProviderId][]string
	ProviderMultipliers     map[orchtypes.ProviderId]float64
}

// DefaultConfig carries the exact pattern table and multipliers from
// orchestration_retry_handler.py.
func DefaultConfig() Config {
	return Config{
		MaxRetryAttempts:     3,
		InitialDelay:         time.Second,
		MaxDelay:             30 * time.Second,
		ExponentialBase:      2.0,
		RateLimitDetectionOn: true,
		RateLimitRetryOn:     true,
		RateLimitPatterns: map[orchtypes.ProviderId][]string{
			orchtypes.ProviderOpenAI:      {`(?i)rate.?limit`, `429`, `(?i)too many requests`, `(?i)quota exceeded`, `(?i)rate_limit_exceeded`},
			orchtypes.ProviderAnthropic:   {`(?i)rate.?limit`, `429`, `(?i)too many requests`, `RateLimitError`, `(?i)quota exceeded`},
			orchtypes.ProviderGoogle:      {`(?i)quota.?exceed`, `(?i)rate.?limit`, `429`, `RESOURCE_EXHAUSTED`},
			orchtypes.ProviderHuggingFace: {`(?i)rate.?limit`, `(?i)too many requests`, `429`, `503.*loading`},
		},
		ProviderMultipliers: map[orchtypes.ProviderId]float64{
			orchtypes.ProviderOpenAI:      1.5,
			orchtypes.ProviderAnthropic:   1.2,
			orchtypes.ProviderGoogle:      1.0,
			orchtypes.ProviderHuggingFace: 2.0,
		},
	}
}

// Handler applies the orchestration-level retry policy on top of a
// caller-supplied function. It does not know about HTTP; the function
// it wraps already returns the uniform (text, error) the resilient
// provider produces.
type Handler struct {
	cfg      Config
	compiled map[orchtypes.ProviderId][]*regexp.Regexp
}

// New compiles cfg's patterns once at construction time.
func New(cfg Config) *Handler {
	compiled := make(map[orchtypes.ProviderId][]*regexp.Regexp, len(cfg.RateLimitPatterns))
	for provider, patterns := range cfg.RateLimitPatterns {
		res := make([]*regexp.Regexp, 0, len(patterns))
		for _, p := range patterns {
			if re, err := regexp.Compile(p); err == nil {
				res = append(res, re)
			}
		}
		compiled[provider] = res
	}
	return &Handler{cfg: cfg, compiled: compiled}
}

// DetectRateLimit reports whether text matches one of provider's
// rate-limit patterns.
func (h *Handler) DetectRateLimit(provider orchtypes.ProviderId, text string) bool {
	if !h.cfg.RateLimitDetectionOn {
		return false
	}
	for _, re := range h.compiled[provider] {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// CalculateDelay returns the provider-weighted, jittered delay for a
// rate-limit retry at the given attempt (0-based), mirroring
// calculate_rate_limit_delay.
func (h *Handler) CalculateDelay(provider orchtypes.ProviderId, attempt int) time.Duration {
	base := float64(h.cfg.InitialDelay) * math.Pow(h.cfg.ExponentialBase, float64(attempt))
	if mult, ok := h.cfg.ProviderMultipliers[provider]; ok {
		base *= mult
	}
	if h.cfg.MaxDelay > 0 && base > float64(h.cfg.MaxDelay) {
		base = float64(h.cfg.MaxDelay)
	}
	jitter := base * 0.1 * rand.Float64()
	return time.Duration(base + jitter)
}

// Result is what ExecuteWithRetry returns: the raw text from the last
// attempt, whether the handler considers the overall call a success,
// and the terminal error, if any.
type Result struct {
	Text    string
	Ok      bool
	Err     error
	Retries int
}

// ExecuteWithRetry runs fn, treating both transport errors and
// detected rate-limit text patterns as retryable, up to
// MaxRetryAttempts, honoring ctx cancellation between attempts.
func (h *Handler) ExecuteWithRetry(ctx context.Context, provider orchtypes.ProviderId, fn func(ctx context.Context) (string, error)) Result {
	var lastErr error
	var lastText string

	for attempt := 0; attempt <= h.cfg.MaxRetryAttempts; attempt++ {
		text, err := fn(ctx)
		lastText, lastErr = text, err

		if err == nil {
			if h.cfg.RateLimitRetryOn && h.DetectRateLimit(provider, text) {
				if attempt == h.cfg.MaxRetryAttempts {
					return Result{Text: text, Ok: false, Err: errRateLimitExhausted, Retries: attempt}
				}
				if !h.sleep(ctx, h.CalculateDelay(provider, attempt)) {
					return Result{Text: text, Ok: false, Err: ctx.Err(), Retries: attempt}
				}
				continue
			}
			return Result{Text: text, Ok: true, Retries: attempt}
		}

		retryable := h.cfg.RateLimitRetryOn && h.DetectRateLimit(provider, err.Error())
		if !retryable {
			retryable = isTransientMessage(err.Error())
		}
		if !retryable || attempt == h.cfg.MaxRetryAttempts {
			return Result{Text: lastText, Ok: false, Err: lastErr, Retries: attempt}
		}
		if !h.sleep(ctx, h.CalculateDelay(provider, attempt)) {
			return Result{Text: lastText, Ok: false, Err: ctx.Err(), Retries: attempt}
		}
	}
	return Result{Text: lastText, Ok: false, Err: lastErr, Retries: h.cfg.MaxRetryAttempts}
}

// ExecuteWithTimeout wraps fn with an overall deadline, independent of
// the per-attempt timeouts enforced further down the stack.
func (h *Handler) ExecuteWithTimeout(ctx context.Context, overall time.Duration, provider orchtypes.ProviderId, fn func(ctx context.Context) (string, error)) Result {
	ctx, cancel := context.WithTimeout(ctx, overall)
	defer cancel()
	return h.ExecuteWithRetry(ctx, provider, fn)
}

func (h *Handler) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func isTransientMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "timeout") || strings.Contains(lower, "transport") || strings.Contains(lower, "connection")
}

var errRateLimitExhausted = rateLimitExhaustedError{}

type rateLimitExhaustedError struct{}

func (rateLimitExhaustedError) Error() string { return "rate limit retries exhausted" }
