// Command ultrasynth is the composition-root CLI: it wires every
// package in this module into a runnable pipeline and exposes three
// thin entry points onto it — run (one-shot), stream (SSE to
// stdout), and serve (HTTP + SSE) — mirroring the teacher's
// cmd/agentflow/main.go subcommand layout.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fieldjoshua/ultrasynth/pkg/circuitbreaker"
	"github.com/fieldjoshua/ultrasynth/pkg/config"
	"github.com/fieldjoshua/ultrasynth/pkg/eventbus"
	"github.com/fieldjoshua/ultrasynth/pkg/fallback"
	"github.com/fieldjoshua/ultrasynth/pkg/formatter"
	"github.com/fieldjoshua/ultrasynth/pkg/health"
	"github.com/fieldjoshua/ultrasynth/pkg/llm"
	"github.com/fieldjoshua/ultrasynth/pkg/llm/providers/anthropic"
	"github.com/fieldjoshua/ultrasynth/pkg/llm/providers/google"
	"github.com/fieldjoshua/ultrasynth/pkg/llm/providers/huggingface"
	"github.com/fieldjoshua/ultrasynth/pkg/llm/providers/openai"
	"github.com/fieldjoshua/ultrasynth/pkg/orchtypes"
	"github.com/fieldjoshua/ultrasynth/pkg/pipeline"
	"github.com/fieldjoshua/ultrasynth/pkg/promptmanager"
	"github.com/fieldjoshua/ultrasynth/pkg/ratelimit"
	"github.com/fieldjoshua/ultrasynth/pkg/resilience"
	"github.com/fieldjoshua/ultrasynth/pkg/retryhandler"
	"github.com/fieldjoshua/ultrasynth/pkg/selector"
	"github.com/fieldjoshua/ultrasynth/pkg/telemetry"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runOnce(os.Args[2:])
	case "stream":
		runStream(os.Args[2:])
	case "serve":
		runServe(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`ultrasynth - multi-provider LLM synthesis orchestrator

Usage:
  ultrasynth <command> [options]

Commands:
  run       Run one query through the pipeline and print the result
  stream    Run one query, printing SSE events as they occur
  serve     Start the HTTP + SSE server
  version   Show version information
  help      Show this help message

Options for 'run' and 'stream':
  --config <path>   Path to configuration file (YAML)
  --query <text>    The query to synthesize
  --models <list>   Comma-separated model ids (defaults to config DefaultModels)

Options for 'serve':
  --config <path>   Path to configuration file (YAML)
  --addr <addr>     Listen address (default ":8080")

Examples:
  ultrasynth run --query "explain quicksort"
  ultrasynth stream --query "explain quicksort" --models gpt-4o,claude-3-5-sonnet-20241022
  ultrasynth serve --addr :8080`)
}

func printVersion() {
	fmt.Printf("ultrasynth %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

// app bundles every wired collaborator the three run modes share.
type app struct {
	cfg      *config.Config
	pipeline *pipeline.Pipeline
	bus      *eventbus.Bus
	logger   *zap.Logger
}

func buildApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := initLogger(cfg.Log)

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("build trace exporter: %w", err)
	}
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	tracer := telemetry.NewTracer(tracerProvider.Tracer("ultrasynth"), telemetry.NewCostCalculator())
	costTracker := &telemetry.CostTracker{}

	adapters := buildAdapters(logger)

	metrics := resilience.NewMetrics(nil)
	breakerRegistry := circuitbreaker.NewRegistry(func(key string) circuitbreaker.Config {
		return resilience.BreakerConfigFor(orchtypes.ProviderId(key), metrics)
	})

	resilientByProvider := make(map[orchtypes.ProviderId]*resilience.ResilientProvider, len(adapters))
	for id, adapter := range adapters {
		traced := telemetry.NewTracedProvider(adapter, tracer, costTracker)
		resilientByProvider[id] = resilience.New(traced, breakerRegistry, metrics)
	}

	catalogue := map[orchtypes.ProviderId][]orchtypes.ModelId{
		orchtypes.ProviderOpenAI:    {"gpt-4o", "gpt-4-turbo"},
		orchtypes.ProviderAnthropic: {"claude-3-5-sonnet-20241022", "claude-3-5-haiku-20241022"},
		orchtypes.ProviderGoogle:    {"gemini-1.5-pro", "gemini-1.5-flash"},
	}

	bus := eventbus.New(eventbus.DefaultBufferSize)

	rlimiter := ratelimit.New()
	retryCfg := retryhandler.DefaultConfig()
	retryCfg.MaxRetryAttempts = cfg.MaxRetryAttempts
	retryCfg.InitialDelay = cfg.RetryInitialDelay
	retryCfg.MaxDelay = cfg.RetryMaxDelay
	retryCfg.ExponentialBase = cfg.RetryExponentialBase
	retryCfg.RateLimitDetectionOn = cfg.RateLimitDetectionEnabled
	retryCfg.RateLimitRetryOn = cfg.RateLimitRetryEnabled
	retryHandler := retryhandler.New(retryCfg)

	providerImpls := make(map[orchtypes.ProviderId]llm.Provider, len(adapters))
	for id, a := range adapters {
		providerImpls[id] = a
	}
	healthCache := health.New(nil, &health.ProviderProber{Providers: providerImpls}, cfg.CacheTTL)
	fallbackMgr := fallback.NewManager(catalogue)
	modelSelector := selector.New(cfg.MetricsFile)

	var templateCache *promptmanager.TemplateCache
	if cfg.PromptTemplateDir != "" {
		templateCache, err = promptmanager.NewTemplateCache(cfg.PromptTemplateDir, logger)
		if err != nil {
			return nil, fmt.Errorf("build template cache: %w", err)
		}
	}

	p := pipeline.New(pipeline.Deps{
		Config:              cfg,
		ResilientByProvider: resilientByProvider,
		RateLimiter:         rlimiter,
		RetryHandler:        retryHandler,
		HealthCache:         healthCache,
		FallbackManager:     fallbackMgr,
		Selector:            modelSelector,
		TemplateCache:       templateCache,
		Bus:                 bus,
		Logger:              logger,
	})

	return &app{cfg: cfg, pipeline: p, bus: bus, logger: logger}, nil
}

// buildAdapters constructs one adapter per provider family from
// environment-supplied API keys. A provider with no key configured is
// skipped entirely; the pipeline's gating check then surfaces that
// absence as a missing-provider ServiceUnavailable rather than a
// runtime panic.
func buildAdapters(logger *zap.Logger) map[orchtypes.ProviderId]llm.Provider {
	out := map[orchtypes.ProviderId]llm.Provider{}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		out[orchtypes.ProviderOpenAI] = openai.New(openai.Config{APIKey: key, Model: "gpt-4o"}, logger)
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		out[orchtypes.ProviderAnthropic] = anthropic.New(anthropic.Config{APIKey: key, Model: "claude-3-5-sonnet-20241022"}, logger)
	}
	if key := os.Getenv("GOOGLE_API_KEY"); key != "" {
		out[orchtypes.ProviderGoogle] = google.New(google.Config{APIKey: key, Model: "gemini-1.5-pro"}, logger)
	}
	if key := os.Getenv("HUGGINGFACE_API_KEY"); key != "" {
		out[orchtypes.ProviderHuggingFace] = huggingface.New(huggingface.Config{APIKey: key}, logger)
	}
	return out
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	encoding := cfg.Format
	if encoding == "" {
		encoding = "json"
	}
	if encoding == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      encoding == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build(zap.AddCaller())
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

// ---------------------------------------------------------------------------
// run
// ---------------------------------------------------------------------------

func runOnce(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	query := fs.String("query", "", "Query text")
	models := fs.String("models", "", "Comma-separated model ids")
	fs.Parse(args)

	if *query == "" {
		fmt.Fprintln(os.Stderr, "run: --query is required")
		os.Exit(1)
	}

	a, err := buildApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		os.Exit(1)
	}
	defer a.logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	result, unavailable := a.pipeline.RunPipeline(ctx, orchtypes.Query{Text: *query, RequestedModels: splitModels(*models)}, nil)
	if unavailable != nil {
		raw, _ := json.MarshalIndent(unavailable, "", "  ")
		fmt.Fprintln(os.Stderr, string(raw))
		os.Exit(2)
	}

	out := formatter.Format(result, formatter.DefaultOptions())
	raw, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(raw))
}

func splitModels(raw string) []orchtypes.ModelId {
	if raw == "" {
		return nil
	}
	var out []orchtypes.ModelId
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			if i > start {
				out = append(out, orchtypes.ModelId(raw[start:i]))
			}
			start = i + 1
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// stream
// ---------------------------------------------------------------------------

func runStream(args []string) {
	fs := flag.NewFlagSet("stream", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	query := fs.String("query", "", "Query text")
	models := fs.String("models", "", "Comma-separated model ids")
	fs.Parse(args)

	if *query == "" {
		fmt.Fprintln(os.Stderr, "stream: --query is required")
		os.Exit(1)
	}

	a, err := buildApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		os.Exit(1)
	}
	defer a.logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	events, _, cleanup := a.pipeline.StreamPipeline(ctx, orchtypes.Query{Text: *query, RequestedModels: splitModels(*models)}, nil)
	defer cleanup()

	for ev := range events {
		raw, _ := json.Marshal(ev)
		fmt.Printf("event: %s\ndata: %s\n\n", ev.EventName, raw)
		if ev.EventName == orchtypes.EventPipelineCompleted || ev.EventName == orchtypes.EventPipelineError {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// serve
// ---------------------------------------------------------------------------

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	addr := fs.String("addr", ":8080", "Listen address")
	fs.Parse(args)

	a, err := buildApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		os.Exit(1)
	}
	defer a.logger.Sync()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.HandleFunc("/v1/synthesize", a.handleSynthesize)
	mux.HandleFunc("/v1/synthesize/stream", a.handleSynthesizeStream)

	srv := &http.Server{Addr: *addr, Handler: mux}

	go func() {
		a.logger.Info("ultrasynth listening", zap.String("addr", *addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Fatal("server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	a.logger.Info("ultrasynth stopped")
}

type synthesizeRequest struct {
	Query  string   `json:"query"`
	Models []string `json:"models,omitempty"`
}

func (a *app) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req synthesizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	models := make([]orchtypes.ModelId, len(req.Models))
	for i, m := range req.Models {
		models[i] = orchtypes.ModelId(m)
	}

	result, unavailable := a.pipeline.RunPipeline(r.Context(), orchtypes.Query{Text: req.Query, RequestedModels: models}, nil)
	if unavailable != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(unavailable)
		return
	}

	out := formatter.Format(result, formatter.DefaultOptions())
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (a *app) handleSynthesizeStream(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	if query == "" {
		http.Error(w, "query parameter required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, corrID, cleanup := a.pipeline.StreamPipeline(r.Context(), orchtypes.Query{Text: query}, nil)
	defer cleanup()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Correlation-Id", string(corrID))

	bw := bufio.NewWriter(w)
	for ev := range events {
		raw, _ := json.Marshal(ev)
		fmt.Fprintf(bw, "event: %s\ndata: %s\n\n", ev.EventName, raw)
		bw.Flush()
		flusher.Flush()
		if ev.EventName == orchtypes.EventPipelineCompleted || ev.EventName == orchtypes.EventPipelineError {
			return
		}
	}
}
