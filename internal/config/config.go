// Package config loads ensemble.toml with environment overrides for the
// ensemble command.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	ensemble "github.com/nevindra/ensemble"
)

type Config struct {
	LLM       LLMConfig       `toml:"llm"`
	Engine    EngineConfig    `toml:"engine"`
	Sandbox   SandboxConfig   `toml:"sandbox"`
	Search    SearchConfig    `toml:"search"`
	History   HistoryConfig   `toml:"history"`
	Workspace WorkspaceConfig `toml:"workspace"`
	Observer  ObserverConfig  `toml:"observer"`
}

type LLMConfig struct {
	BaseURL string `toml:"base_url"`
	Model   string `toml:"model"`
	APIKey  string `toml:"api_key"`

	// Retry settings for transient provider failures.
	RetryMaxAttempts int `toml:"retry_max_attempts"`
}

type EngineConfig struct {
	MaxConcurrentAgents int     `toml:"max_concurrent_agents"`
	ParallelismCap      int     `toml:"parallelism_cap"`
	MaxToolCalls        int     `toml:"max_tool_calls"`
	AgentTimeoutSec     int     `toml:"agent_timeout_sec"`
	ExecutionTimeoutSec int     `toml:"execution_timeout_sec"`
	ComplexityThreshold float64 `toml:"complexity_threshold"`
	QualityGates        *bool   `toml:"quality_gates"`
	QualityThreshold    float64 `toml:"quality_threshold"`
	MaxRetryOnFailure   *int    `toml:"max_retry_on_failure"`
	MaxReactIterations  int     `toml:"max_react_iterations"`
	Research            bool    `toml:"research"`
	LongText            bool    `toml:"long_text"`
	Mode                string  `toml:"mode"` // "team" or "scheduler"
}

type SandboxConfig struct {
	Enabled    bool   `toml:"enabled"`
	Image      string `toml:"image"`
	TimeoutSec int    `toml:"timeout_sec"`
	MemoryMB   int    `toml:"memory_mb"`
	Network    bool   `toml:"network"`
}

type SearchConfig struct {
	BraveAPIKey string `toml:"brave_api_key"`
}

type HistoryConfig struct {
	// Driver selects the archive backend: "sqlite" (default), "postgres",
	// or "none".
	Driver      string `toml:"driver"`
	Path        string `toml:"path"`         // sqlite file
	PostgresURL string `toml:"postgres_url"` // pgx pool DSN
	Streams     bool   `toml:"streams"`      // archive stream deltas too
}

type WorkspaceConfig struct {
	Path string `toml:"path"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		LLM: LLMConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o-mini",
		},
		Engine: EngineConfig{
			Mode: "team",
		},
		Sandbox: SandboxConfig{
			Image: "python:3.12-slim",
		},
		History: HistoryConfig{
			Driver: "sqlite",
			Path:   "ensemble.db",
		},
		Workspace: WorkspaceConfig{
			Path: filepath.Join(home, "ensemble-workspace"),
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "ensemble.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("ENSEMBLE_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("ENSEMBLE_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("ENSEMBLE_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("ENSEMBLE_BRAVE_API_KEY"); v != "" {
		cfg.Search.BraveAPIKey = v
	}
	if v := os.Getenv("ENSEMBLE_POSTGRES_URL"); v != "" {
		cfg.History.Driver = "postgres"
		cfg.History.PostgresURL = v
	}
	if v := os.Getenv("ENSEMBLE_EXECUTION_MODE"); v != "" {
		cfg.Engine.Mode = v
	}
	if v := os.Getenv("ENSEMBLE_SANDBOX_ENABLED"); v != "" {
		cfg.Sandbox.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("ENSEMBLE_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}
	if v := os.Getenv("ENSEMBLE_MAX_CONCURRENT_AGENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.MaxConcurrentAgents = n
		}
	}

	return cfg
}

// EngineConfig converts the file representation to the engine's runtime
// configuration, filling unset values with engine defaults.
func (c Config) EngineConfig() ensemble.EngineConfig {
	ec := ensemble.DefaultEngineConfig()

	if c.Engine.MaxConcurrentAgents > 0 {
		ec.MaxConcurrentAgents = c.Engine.MaxConcurrentAgents
	}
	if c.Engine.ParallelismCap > 0 {
		ec.ParallelismCap = c.Engine.ParallelismCap
	}
	if c.Engine.MaxToolCalls > 0 {
		ec.MaxToolCalls = c.Engine.MaxToolCalls
	}
	if c.Engine.AgentTimeoutSec > 0 {
		ec.AgentTimeout = time.Duration(c.Engine.AgentTimeoutSec) * time.Second
	}
	if c.Engine.ExecutionTimeoutSec > 0 {
		ec.ExecutionTimeout = time.Duration(c.Engine.ExecutionTimeoutSec) * time.Second
	}
	if c.Engine.ComplexityThreshold > 0 {
		ec.ComplexityThreshold = c.Engine.ComplexityThreshold
	}
	if c.Engine.QualityGates != nil {
		ec.EnableQualityGates = *c.Engine.QualityGates
	}
	if c.Engine.QualityThreshold > 0 {
		ec.QualityThreshold = c.Engine.QualityThreshold
	}
	if c.Engine.MaxRetryOnFailure != nil {
		ec.MaxRetryOnFailure = *c.Engine.MaxRetryOnFailure
	}
	if c.Engine.MaxReactIterations > 0 {
		ec.MaxReactIterations = c.Engine.MaxReactIterations
	}
	ec.EnableResearch = c.Engine.Research
	ec.EnableLongText = c.Engine.LongText
	ec.EnableTeamMode = c.Engine.Mode != "scheduler"

	return ec
}
