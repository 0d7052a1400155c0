// Package config loads cortexd configuration from TOML and environment
// variables.
package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Agent    AgentConfig    `toml:"agent"`
	LLM      LLMConfig      `toml:"llm"`
	Memory   MemoryConfig   `toml:"memory"`
	Gardener GardenerConfig `toml:"gardener"`
	Router   RouterConfig   `toml:"router"`
	Observer ObserverConfig `toml:"observer"`
}

type AgentConfig struct {
	ID            string `toml:"id"`
	WorkspacePath string `toml:"workspace_path"`
	DBPath        string `toml:"db_path"`
	// MaxContextTokens bounds the assembled prompt.
	MaxContextTokens int `toml:"max_context_tokens"`
	// PollIntervalMS is the bus poll interval in milliseconds.
	PollIntervalMS int `toml:"poll_interval_ms"`
}

type LLMConfig struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
	// ExtractModel and SummarizeModel run the gardener's side calls;
	// they fall back to Model.
	ExtractModel   string `toml:"extract_model"`
	SummarizeModel string `toml:"summarize_model"`
	EmbedModel     string `toml:"embed_model"`
}

type MemoryConfig struct {
	Enabled bool `toml:"enabled"`
	// TopFactLimit and FactByteBudget size the Known facts block.
	TopFactLimit   int `toml:"top_fact_limit"`
	FactByteBudget int `toml:"fact_byte_budget"`
}

type GardenerConfig struct {
	IntervalMinutes    int `toml:"interval_minutes"`
	CompactIdleMinutes int `toml:"compact_idle_minutes"`
	EvictOlderThanDays int `toml:"evict_older_than_days"`
	EvictMaxHitCount   int `toml:"evict_max_hit_count"`
	OpArchiveAfterDays int `toml:"op_archive_after_days"`
}

type RouterConfig struct {
	Enabled bool   `toml:"enabled"`
	DBPath  string `toml:"db_path"`

	EvalModel        string `toml:"eval_model"`
	EvalStage2Model  string `toml:"eval_stage2_model"`
	EvalTimeoutSec   int    `toml:"eval_timeout_sec"`
	LowTrust         int    `toml:"low_trust_threshold"`
	FallbackWeight   int    `toml:"fallback_weight"`
	MaxRetries       int    `toml:"max_retries"`
	MaxInFlight      int    `toml:"max_in_flight"`
	HeartbeatSec     int    `toml:"heartbeat_sec"`
	HungThresholdSec int    `toml:"hung_threshold_sec"`

	Tiers map[string]RouterTier `toml:"tiers"`
}

type RouterTier struct {
	Min   int    `toml:"min"`
	Max   int    `toml:"max"`
	Model string `toml:"model"`
	// PromptTemplate overrides the built-in execution template for this tier.
	PromptTemplate string `toml:"prompt_template"`
}

type ObserverConfig struct {
	Enabled     bool   `toml:"enabled"`
	ServiceName string `toml:"service_name"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		Agent: AgentConfig{
			ID:            "cortex",
			WorkspacePath: filepath.Join(home, "cortex-workspace"),
			DBPath:        "cortex.db",
		},
		Memory: MemoryConfig{Enabled: true},
		Router: RouterConfig{
			Enabled: true,
			DBPath:  "router.db",
			Tiers: map[string]RouterTier{
				"light": {Min: 1, Max: 3, Model: "gemini-2.5-flash-lite"},
				"mid":   {Min: 4, Max: 7, Model: "gemini-2.5-flash"},
				"heavy": {Min: 8, Max: 10, Model: "gemini-2.5-pro"},
			},
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "cortex.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("CORTEX_AGENT_ID"); v != "" {
		cfg.Agent.ID = v
	}
	if v := os.Getenv("CORTEX_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("CORTEX_DB_PATH"); v != "" {
		cfg.Agent.DBPath = v
	}
	if v := os.Getenv("CORTEX_ROUTER_DB_PATH"); v != "" {
		cfg.Router.DBPath = v
	}
	if os.Getenv("CORTEX_OBSERVER_ENABLED") == "true" || os.Getenv("CORTEX_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.LLM.ExtractModel == "" {
		cfg.LLM.ExtractModel = cfg.LLM.Model
	}
	if cfg.LLM.SummarizeModel == "" {
		cfg.LLM.SummarizeModel = cfg.LLM.ExtractModel
	}
	if cfg.Router.EvalModel == "" {
		cfg.Router.EvalModel = cfg.LLM.Model
	}

	return cfg
}
