// Package config assembles the typed Config the pipeline driver reads
// its recognized options from (spec.md §6), following the teacher's
// pattern of a typed struct with package-level defaults, a YAML file
// overlay, and environment variable overrides layered on top.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fieldjoshua/ultrasynth/pkg/orchtypes"
)

// Config is the complete set of options recognized by the pipeline
// driver and the resilience/rate-limit layers beneath it.
type Config struct {
	MinimumModelsRequired  int                    `yaml:"minimum_models_required"`
	RequiredProviders      []orchtypes.ProviderId `yaml:"required_providers"`
	EnableSingleModelFallback bool                `yaml:"enable_single_model_fallback"`

	InitialResponseTimeout     time.Duration `yaml:"initial_response_timeout"`
	PeerReviewTimeout          time.Duration `yaml:"peer_review_timeout"`
	UltraSynthesisTimeout      time.Duration `yaml:"ultra_synthesis_timeout"`
	ConcurrentExecutionTimeout time.Duration `yaml:"concurrent_execution_timeout"`

	MaxRetryAttempts  int           `yaml:"max_retry_attempts"`
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay"`
	RetryExponentialBase float64    `yaml:"retry_exponential_base"`

	RateLimitDetectionEnabled bool `yaml:"rate_limit_detection_enabled"`
	RateLimitRetryEnabled     bool `yaml:"rate_limit_retry_enabled"`

	EnhancedSynthesisEnabled bool `yaml:"enhanced_synthesis_enabled"`

	EnableCache bool          `yaml:"enable_cache"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`

	MaxConcurrentModelCalls int `yaml:"max_concurrent_model_calls"`

	PeerReviewSameModel bool `yaml:"peer_review_same_model"`

	DefaultModels []orchtypes.ModelId `yaml:"default_models"`

	MetricsFile string `yaml:"metrics_file"`

	// PromptTemplateDir, if set, is watched for operator-supplied
	// prompt template overrides (synthesis_<type>.tmpl, peer_review.tmpl).
	PromptTemplateDir string `yaml:"prompt_template_dir"`

	Log LogConfig `yaml:"log"`
}

// LogConfig mirrors the teacher's config.LogConfig shape.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the documented defaults for every recognized option
// (spec.md §6, §5's concurrency cap of 4).
func Default() *Config {
	return &Config{
		MinimumModelsRequired: 3,
		RequiredProviders: []orchtypes.ProviderId{
			orchtypes.ProviderOpenAI, orchtypes.ProviderAnthropic, orchtypes.ProviderGoogle,
		},
		EnableSingleModelFallback: false,

		InitialResponseTimeout:     60 * time.Second,
		PeerReviewTimeout:          60 * time.Second,
		UltraSynthesisTimeout:      75 * time.Second,
		ConcurrentExecutionTimeout: 120 * time.Second,

		MaxRetryAttempts:     3,
		RetryInitialDelay:    time.Second,
		RetryMaxDelay:        30 * time.Second,
		RetryExponentialBase: 2.0,

		RateLimitDetectionEnabled: true,
		RateLimitRetryEnabled:     true,

		EnhancedSynthesisEnabled: true,

		EnableCache: false,
		CacheTTL:    10 * time.Minute,

		MaxConcurrentModelCalls: 4,

		PeerReviewSameModel: true,

		DefaultModels: []orchtypes.ModelId{"gpt-4o", "claude-3-5-sonnet-20241022", "gemini-1.5-pro"},

		MetricsFile: "model_performance_metrics.json",

		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// LoadFile overlays YAML file contents at path onto cfg. A missing
// file is not an error: defaults and env overrides still apply.
func LoadFile(cfg *Config, path string) error {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(raw, cfg)
}

// ApplyEnv overlays the recognized UPPER_SNAKE_CASE environment
// variables from spec.md §6 onto cfg, in the style of the teacher's
// env-prefixed overlay (here the option names themselves are the
// prefix-free env keys, matching the table in spec.md verbatim).
func ApplyEnv(cfg *Config) {
	if v, ok := envInt("MINIMUM_MODELS_REQUIRED"); ok {
		cfg.MinimumModelsRequired = v
	}
	if v, ok := os.LookupEnv("REQUIRED_PROVIDERS"); ok {
		cfg.RequiredProviders = parseProviders(v)
	}
	if v, ok := envBool("ENABLE_SINGLE_MODEL_FALLBACK"); ok {
		cfg.EnableSingleModelFallback = v
	}
	if v, ok := envDuration("INITIAL_RESPONSE_TIMEOUT"); ok {
		cfg.InitialResponseTimeout = v
	}
	if v, ok := envDuration("PEER_REVIEW_TIMEOUT"); ok {
		cfg.PeerReviewTimeout = v
	}
	if v, ok := envDuration("ULTRA_SYNTHESIS_TIMEOUT"); ok {
		cfg.UltraSynthesisTimeout = v
	}
	if v, ok := envDuration("CONCURRENT_EXECUTION_TIMEOUT"); ok {
		cfg.ConcurrentExecutionTimeout = v
	}
	if v, ok := envInt("MAX_RETRY_ATTEMPTS"); ok {
		cfg.MaxRetryAttempts = v
	}
	if v, ok := envDuration("RETRY_INITIAL_DELAY"); ok {
		cfg.RetryInitialDelay = v
	}
	if v, ok := envDuration("RETRY_MAX_DELAY"); ok {
		cfg.RetryMaxDelay = v
	}
	if v, ok := envFloat("RETRY_EXPONENTIAL_BASE"); ok {
		cfg.RetryExponentialBase = v
	}
	if v, ok := envBool("RATE_LIMIT_DETECTION_ENABLED"); ok {
		cfg.RateLimitDetectionEnabled = v
	}
	if v, ok := envBool("RATE_LIMIT_RETRY_ENABLED"); ok {
		cfg.RateLimitRetryEnabled = v
	}
	if v, ok := envBool("ENHANCED_SYNTHESIS_ENABLED"); ok {
		cfg.EnhancedSynthesisEnabled = v
	}
	if v, ok := envBool("ENABLE_CACHE"); ok {
		cfg.EnableCache = v
	}
	if v, ok := envDuration("CACHE_TTL"); ok {
		cfg.CacheTTL = v
	}
	if v, ok := os.LookupEnv("PROMPT_TEMPLATE_DIR"); ok {
		cfg.PromptTemplateDir = v
	}
}

func parseProviders(v string) []orchtypes.ProviderId {
	parts := strings.Split(v, ",")
	out := make([]orchtypes.ProviderId, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, orchtypes.ProviderId(p))
		}
	}
	return out
}

func envInt(key string) (int, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	return n, err == nil
}

func envFloat(key string) (float64, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	return f, err == nil
}

func envBool(key string) (bool, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	return b, err == nil
}

func envDuration(key string) (time.Duration, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	return d, err == nil
}

// Load builds a Config from defaults, an optional YAML file, then
// environment variables, in that priority order (lowest to highest),
// matching the teacher's "default -> file -> env" precedence.
func Load(path string) (*Config, error) {
	cfg := Default()
	if err := LoadFile(cfg, path); err != nil {
		return nil, err
	}
	ApplyEnv(cfg)
	return cfg, nil
}
