// Package config loads the runtime configuration for the agent CLI:
// defaults, then a TOML file, then env vars (env wins).
package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Model      ModelConfig      `toml:"model"`
	Timeouts   TimeoutsConfig   `toml:"timeouts"`
	Classifier ClassifierConfig `toml:"classifier"`
	Extractor  ExtractorConfig  `toml:"extractor"`
	Engine     EngineConfig     `toml:"engine"`
	Store      StoreConfig      `toml:"store"`
	Security   SecurityConfig   `toml:"security"`
	Observer   ObserverConfig   `toml:"observer"`
	Log        LogConfig        `toml:"log"`
}

type ModelConfig struct {
	Provider    string  `toml:"provider"`
	Model       string  `toml:"model"`
	APIKey      string  `toml:"api_key"`
	Endpoint    string  `toml:"endpoint"`
	Temperature float64 `toml:"temperature"`
	MaxTokens   int     `toml:"max_tokens"`
}

// TimeoutsConfig is in milliseconds per phase.
type TimeoutsConfig struct {
	ClassificationMs    int `toml:"classification_ms"`
	CommandExecutionMs  int `toml:"command_execution_ms"`
	PromptProcessingMs  int `toml:"prompt_processing_ms"`
	WorkflowExecutionMs int `toml:"workflow_execution_ms"`
}

type ClassifierConfig struct {
	DefaultMethod        string  `toml:"default_method"`
	FallbackMethod       string  `toml:"fallback_method"`
	ConfidenceThreshold  float64 `toml:"confidence_threshold"`
	EnsembleForUncertain bool    `toml:"ensemble_for_uncertain"`
}

type ExtractorConfig struct {
	Method    string  `toml:"method"`
	Threshold float64 `toml:"threshold"`
}

type EngineConfig struct {
	Checkpointing         bool `toml:"checkpointing"`
	MaxSteps              int  `toml:"max_steps"`
	MaxDecompositionLevel int  `toml:"max_decomposition_level"`
}

type StoreConfig struct {
	// Mode is "memory", "file", "hybrid", or "sqlite".
	Mode string `toml:"mode"`
	// Root is the storage directory for file and hybrid mode, or the
	// database path for sqlite mode.
	Root                string `toml:"root"`
	MaxSessions         int    `toml:"max_sessions"`
	MaxHistorySize      int    `toml:"max_history_size"`
	MaxEventsPerSession int    `toml:"max_events_per_session"`
	SessionTTLHours     int    `toml:"session_ttl_hours"`
}

type SecurityConfig struct {
	MaxViolationHistory int                   `toml:"max_violation_history"`
	RatePolicies        map[string]RatePolicy `toml:"rate_policies"`
}

type RatePolicy struct {
	WindowMs        int `toml:"window_ms"`
	MaxRequests     int `toml:"max_requests"`
	BurstLimit      int `toml:"burst_limit"`
	BlockDurationMs int `toml:"block_duration_ms"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

type LogConfig struct {
	Level string `toml:"level"` // "debug", "info", "warn", "error"
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Model: ModelConfig{Provider: "openai", Model: "gpt-4o-mini", Temperature: 0.2, MaxTokens: 4096},
		Timeouts: TimeoutsConfig{
			ClassificationMs:    5_000,
			CommandExecutionMs:  30_000,
			PromptProcessingMs:  120_000,
			WorkflowExecutionMs: 600_000,
		},
		Classifier: ClassifierConfig{
			DefaultMethod:       "hybrid",
			FallbackMethod:      "rule",
			ConfidenceThreshold: 0.8,
		},
		Extractor: ExtractorConfig{Method: "hybrid", Threshold: 0.6},
		Engine:    EngineConfig{Checkpointing: true, MaxSteps: 10, MaxDecompositionLevel: 3},
		Store: StoreConfig{
			Mode:                "memory",
			Root:                "pilot-data",
			MaxSessions:         1000,
			MaxHistorySize:      100,
			MaxEventsPerSession: 1000,
			SessionTTLHours:     24,
		},
		Security: SecurityConfig{MaxViolationHistory: 10_000},
		Log:      LogConfig{Level: "info"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "pilot.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	if v := os.Getenv("PILOT_MODEL_API_KEY"); v != "" {
		cfg.Model.APIKey = v
	}
	if v := os.Getenv("PILOT_MODEL_ENDPOINT"); v != "" {
		cfg.Model.Endpoint = v
	}
	if v := os.Getenv("PILOT_MODEL"); v != "" {
		cfg.Model.Model = v
	}
	if v := os.Getenv("PILOT_STORE_MODE"); v != "" {
		cfg.Store.Mode = v
	}
	if v := os.Getenv("PILOT_STORE_ROOT"); v != "" {
		cfg.Store.Root = v
	}
	if v := os.Getenv("PILOT_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("PILOT_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}
	return cfg
}
