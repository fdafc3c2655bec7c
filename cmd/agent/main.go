// Package main provides the agent binary: a coding-assistant runtime that
// classifies each input as a command, prompt, or workflow and routes it to
// the matching handler.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nvallen/pilot"
	"github.com/nvallen/pilot/internal/config"
	"github.com/nvallen/pilot/observer"
	"github.com/nvallen/pilot/provider/openai"
	"github.com/nvallen/pilot/store/file"
	"github.com/nvallen/pilot/store/hybrid"
	"github.com/nvallen/pilot/store/memory"
	"github.com/nvallen/pilot/store/sqlite"
)

const version = "0.1.0"

// Exit codes, stable for scripting.
const (
	exitOK            = 0
	exitOther         = 1
	exitValidation    = 2
	exitConfiguration = 3
	exitTimeout       = 4
	exitBlocked       = 5
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		sessionID  string
	)

	cmd := &cobra.Command{
		Use:           "agent",
		Short:         "Coding assistant agent runtime",
		Long:          "Classifies each input as a command, prompt, or workflow and routes it\nto the command handler, the model, or the workflow engine.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (TOML)")
	cmd.PersistentFlags().StringVarP(&sessionID, "session", "s", "", "session ID (default: a fresh ID per invocation)")

	cmd.AddCommand(runCmd(&configPath, &sessionID))
	cmd.AddCommand(streamCmd(&configPath, &sessionID))
	cmd.AddCommand(healthCmd(&configPath))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agent version %s\n", version)
		},
	})
	return cmd
}

func runCmd(configPath, sessionID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run [input]",
		Short: "Process one request and print the response as JSON",
		Long:  "Reads a single request from the arguments, or from stdin when no\narguments are given, and prints the Response as JSON.",
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := readInput(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			rt, err := buildRuntime(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer rt.shutdown()

			resp, perr := rt.agent.Process(cmd.Context(), pilot.Request{
				Input:   input,
				Context: rt.requestContext(*sessionID),
			})
			printJSON(cmd.OutOrStdout(), resp)
			return perr
		},
	}
}

func streamCmd(configPath, sessionID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stream [input]",
		Short: "Process one request, emitting one JSON object per stream chunk",
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := readInput(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			rt, err := buildRuntime(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer rt.shutdown()

			ch := make(chan pilot.StreamChunk, 16)
			go rt.agent.Stream(cmd.Context(), pilot.Request{
				Input:   input,
				Context: rt.requestContext(*sessionID),
			}, ch)

			enc := json.NewEncoder(cmd.OutOrStdout())
			var streamErr string
			for chunk := range ch {
				_ = enc.Encode(chunk)
				if chunk.Type == pilot.ChunkError {
					streamErr = chunk.Err
				}
			}
			if streamErr != "" {
				return pilot.Systemf(pilot.CodeInternal, "%s", streamErr)
			}
			return nil
		},
	}
}

func healthCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Print component health as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer rt.shutdown()

			health := map[string]any{
				"provider":  rt.agent.Status(cmd.Context()).ProviderID,
				"storeMode": rt.cfg.Store.Mode,
				"observer":  rt.cfg.Observer.Enabled,
			}
			if stats, serr := rt.store.Statistics(cmd.Context()); serr == nil {
				health["store"] = "ok"
				health["sessions"] = stats.Sessions
			} else {
				health["store"] = "error: " + serr.Error()
			}
			printJSON(cmd.OutOrStdout(), health)
			return nil
		},
	}
}

// readInput joins the arguments, or reads all of stdin when none are given.
func readInput(args []string, stdin io.Reader) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", pilot.Systemf(pilot.CodeInternal, "read stdin: %v", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// runtime holds the composed components for one CLI invocation.
type runtime struct {
	cfg      config.Config
	agent    *pilot.Agent
	store    pilot.Store
	cleanups []func()
}

func (rt *runtime) shutdown() {
	for i := len(rt.cleanups) - 1; i >= 0; i-- {
		rt.cleanups[i]()
	}
}

func (rt *runtime) requestContext(sessionID string) pilot.RequestContext {
	if sessionID == "" {
		sessionID = pilot.NewID()
	}
	return pilot.RequestContext{
		SessionID: sessionID,
		Source:    "cli",
		Timestamp: time.Now(),
	}
}

func buildRuntime(ctx context.Context, configPath string) (*runtime, error) {
	cfg := config.Load(configPath)
	rt := &runtime{cfg: cfg}

	logger := newLogger(cfg.Log.Level)

	var tracer pilot.Tracer
	if cfg.Observer.Enabled {
		_, stop, err := observer.Init(ctx)
		if err != nil {
			return nil, pilot.Configurationf(pilot.CodeInternal, "observer init: %v", err)
		}
		rt.cleanups = append(rt.cleanups, func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = stop(shutCtx)
		})
		tracer = observer.NewTracer()
	}

	store, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	rt.store = store
	rt.cleanups = append(rt.cleanups, func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = store.Shutdown(shutCtx)
	})

	model := pilot.ModelConfig{
		ProviderID:  cfg.Model.Provider,
		ModelID:     cfg.Model.Model,
		Temperature: cfg.Model.Temperature,
		MaxTokens:   cfg.Model.MaxTokens,
		Capabilities: pilot.ModelCapabilities{
			SupportsStreaming:      true,
			SupportsSystemMessages: true,
		},
	}
	backend := openai.New(cfg.Model.APIKey, cfg.Model.Model,
		openai.WithBaseURL(cfg.Model.Endpoint),
		openai.WithName(cfg.Model.Provider))
	provider := pilot.WithRetry(backend, pilot.RetryLogger(logger))

	registry := pilot.NewRegistry(pilot.WithRegistryLogger(logger))
	gateway := pilot.NewGateway(
		pilot.WithRatePolicies(ratePolicies(cfg.Security)),
		pilot.WithMaxViolationHistory(cfg.Security.MaxViolationHistory),
		pilot.WithGatewayLogger(logger))
	executorOpts := []pilot.ExecutorOption{pilot.WithExecutorLogger(logger)}
	if tracer != nil {
		executorOpts = append(executorOpts, pilot.WithExecutorTracer(tracer))
	}
	executor := pilot.NewExecutor(registry, gateway, executorOpts...)
	tools := pilot.NewToolGateway(registry, executor)

	rule := pilot.NewRuleMethod()
	llm := pilot.NewLLMMethod(provider, model)
	classifierOpts := []pilot.ClassifierOption{
		pilot.WithDefaultMethod(pilot.ClassifyMethod(cfg.Classifier.DefaultMethod)),
		pilot.WithFallbackMethod(pilot.ClassifyMethod(cfg.Classifier.FallbackMethod)),
		pilot.WithConfidenceThreshold(cfg.Classifier.ConfidenceThreshold),
		pilot.WithEnsembleForUncertain(cfg.Classifier.EnsembleForUncertain),
		pilot.WithClassifierLogger(logger),
	}
	if tracer != nil {
		classifierOpts = append(classifierOpts, pilot.WithClassifierTracer(tracer))
	}
	classifier := pilot.NewClassifier([]pilot.Method{
		rule,
		llm,
		pilot.NewHybridMethod(rule, llm),
		pilot.NewEnsembleMethod(llm),
	}, classifierOpts...)

	extractor := pilot.NewExtractor(provider, model,
		pilot.WithExtractionMethod(pilot.ExtractionMethod(cfg.Extractor.Method)),
		pilot.WithExtractorThreshold(cfg.Extractor.Threshold),
		pilot.WithExtractorLogger(logger))

	engineOpts := []pilot.EngineOption{
		pilot.WithCheckpointing(cfg.Engine.Checkpointing),
		pilot.WithMaxSteps(cfg.Engine.MaxSteps),
		pilot.WithMaxDecompositionLevel(cfg.Engine.MaxDecompositionLevel),
		pilot.WithEngineLogger(logger),
	}
	if tracer != nil {
		engineOpts = append(engineOpts, pilot.WithEngineTracer(tracer))
	}
	engine := pilot.NewEngine(provider, model, tools, store, engineOpts...)

	agentOpts := []pilot.AgentOption{
		pilot.WithTimeouts(timeouts(cfg.Timeouts)),
		pilot.WithAgentLogger(logger),
	}
	if tracer != nil {
		agentOpts = append(agentOpts, pilot.WithAgentTracer(tracer))
	}
	agent, err := pilot.NewAgent(pilot.AgentDeps{
		Classifier: classifier,
		Extractor:  extractor,
		Engine:     engine,
		Provider:   provider,
		Store:      store,
		State:      pilot.NewAgentState(model),
		Registry:   registry,
	}, agentOpts...)
	if err != nil {
		return nil, err
	}
	rt.agent = agent
	return rt, nil
}

func buildStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (pilot.Store, error) {
	limits := pilot.StoreLimits{
		MaxSessions:         cfg.Store.MaxSessions,
		MaxHistorySize:      cfg.Store.MaxHistorySize,
		MaxEventsPerSession: cfg.Store.MaxEventsPerSession,
		SessionTTL:          time.Duration(cfg.Store.SessionTTLHours) * time.Hour,
	}
	switch cfg.Store.Mode {
	case "memory", "":
		return memory.New(memory.WithLimits(limits), memory.WithLogger(logger)), nil
	case "file":
		return file.New(cfg.Store.Root, file.WithLimits(limits), file.WithLogger(logger))
	case "hybrid":
		return hybrid.New(cfg.Store.Root, hybrid.WithLimits(limits), hybrid.WithLogger(logger))
	case "sqlite":
		s := sqlite.New(cfg.Store.Root, sqlite.WithLimits(limits), sqlite.WithLogger(logger))
		if err := s.Init(ctx); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, pilot.Configurationf(pilot.CodeInternal,
			"unknown store mode %q (want memory, file, hybrid, or sqlite)", cfg.Store.Mode)
	}
}

func ratePolicies(sec config.SecurityConfig) map[string]pilot.RatePolicy {
	if len(sec.RatePolicies) == 0 {
		return pilot.DefaultRatePolicies()
	}
	out := make(map[string]pilot.RatePolicy, len(sec.RatePolicies))
	for category, p := range sec.RatePolicies {
		out[category] = pilot.RatePolicy{
			WindowMs:        p.WindowMs,
			MaxRequests:     p.MaxRequests,
			BurstLimit:      p.BurstLimit,
			BlockDurationMs: p.BlockDurationMs,
		}
	}
	return out
}

func timeouts(t config.TimeoutsConfig) pilot.Timeouts {
	out := pilot.DefaultTimeouts()
	if t.ClassificationMs > 0 {
		out.Classification = time.Duration(t.ClassificationMs) * time.Millisecond
	}
	if t.CommandExecutionMs > 0 {
		out.CommandExecution = time.Duration(t.CommandExecutionMs) * time.Millisecond
	}
	if t.PromptProcessingMs > 0 {
		out.PromptProcessing = time.Duration(t.PromptProcessingMs) * time.Millisecond
	}
	if t.WorkflowExecutionMs > 0 {
		out.WorkflowExecution = time.Duration(t.WorkflowExecutionMs) * time.Millisecond
	}
	return out
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// exitCode maps an error to the CLI exit code contract.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	switch pilot.CodeOf(err) {
	case pilot.CodeInputBlocked, pilot.CodeOutputBlocked,
		pilot.CodeRateLimitExceeded, pilot.CodeRateLimitBlocked,
		pilot.CodeUnauthorized:
		return exitBlocked
	}
	if pilot.IsTimeout(err) || pilot.IsCancelled(err) {
		return exitTimeout
	}
	switch pilot.CategoryOf(err) {
	case pilot.CategoryValidation:
		return exitValidation
	case pilot.CategoryConfiguration:
		return exitConfiguration
	default:
		return exitOther
	}
}
