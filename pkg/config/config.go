// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config defines the pipeline configuration: the base document
// (system, security, models, cache, rate limit, checkpoints, events) plus
// per-persona documents loaded from a personas directory.
package config

import (
	"fmt"
	"strings"
)

// Config is the root configuration document.
type Config struct {
	System     SystemConfig      `yaml:"system,omitempty"`
	Security   SecurityConfig    `yaml:"security,omitempty"`
	Models     ModelsConfig      `yaml:"models,omitempty"`
	Cache      CacheConfig       `yaml:"cache,omitempty"`
	RateLimit  RateLimitConfig   `yaml:"rate_limit,omitempty"`
	Checkpoint CheckpointConfig  `yaml:"checkpoint,omitempty"`
	Events     EventsConfig      `yaml:"events,omitempty"`
	Tools      ToolsConfig       `yaml:"tools,omitempty"`
	MCPServers []MCPServerConfig `yaml:"mcp_servers,omitempty"`
	Logging    LoggingConfig     `yaml:"logging,omitempty"`

	Observability ObservabilityConfig `yaml:"observability,omitempty"`

	// PersonasDir holds per-persona YAML documents.
	PersonasDir string `yaml:"personas_dir,omitempty"`

	// raw keeps the expanded document for dotted-path lookups.
	raw map[string]interface{}
}

// SystemConfig controls orchestration behavior.
type SystemConfig struct {
	DefaultPersona           string  `yaml:"default_persona,omitempty"`
	DebateMaxRounds          int     `yaml:"debate_max_rounds,omitempty"`
	DebateApprovalThreshold  float64 `yaml:"debate_approval_threshold,omitempty"`
	DebateAutoTriggerOnCloud bool    `yaml:"debate_auto_trigger_on_cloud,omitempty"`
	CheckpointEnabled        *bool   `yaml:"checkpoint_enabled,omitempty"`

	// CriticFailOpen treats an unreachable critic as PASS so critic
	// downtime does not strand every response.
	CriticFailOpen *bool `yaml:"critic_fail_open,omitempty"`

	MaxToolSteps         int `yaml:"max_tool_steps,omitempty"`
	MaxCriticRounds      int `yaml:"max_critic_rounds,omitempty"`
	MaxValidationRetries int `yaml:"max_validation_retries,omitempty"`
	ContextWindowSize    int `yaml:"context_window_size,omitempty"`
	HITLTimeoutSeconds   int `yaml:"hitl_timeout_seconds,omitempty"`
}

// SecurityConfig is the sandbox policy.
type SecurityConfig struct {
	AllowedReadPaths  []string `yaml:"allowed_read_paths,omitempty"`
	AllowedWritePaths []string `yaml:"allowed_write_paths,omitempty"`
	BlockedCommands   []string `yaml:"blocked_commands,omitempty"`
	MaxExecutionTime  int      `yaml:"max_execution_time,omitempty"`
	SandboxEnabled    *bool    `yaml:"sandbox_enabled,omitempty"`

	// SandboxProbe enables the optional execute-and-capture-stderr layer
	// of the validator. Off by default: it is expensive and has side
	// effects.
	SandboxProbe bool `yaml:"sandbox_probe,omitempty"`
}

// ModelConfig describes one chat-completion endpoint.
type ModelConfig struct {
	// Provider is one of "openai" (any openai-compatible endpoint,
	// including local proxies), "anthropic", "gemini".
	Provider string `yaml:"provider,omitempty"`

	Name           string  `yaml:"name,omitempty"`
	BaseURL        string  `yaml:"base_url,omitempty"`
	APIKey         string  `yaml:"api_key,omitempty"`
	Temperature    float64 `yaml:"temperature,omitempty"`
	MaxTokens      int     `yaml:"max_tokens,omitempty"`
	TimeoutSeconds int     `yaml:"timeout_seconds,omitempty"`
}

// ModelsConfig names the model tiers the pipeline dispatches to.
type ModelsConfig struct {
	// Router is the cheap classifier model (stage-2 routing).
	Router ModelConfig `yaml:"router,omitempty"`
	// Worker is the capable local model running the tool loop.
	Worker ModelConfig `yaml:"worker,omitempty"`
	// Helper is the cheap delegation target for trivial subtasks.
	Helper ModelConfig `yaml:"helper,omitempty"`
	// Cloud is the expensive escalation tier.
	Cloud ModelConfig `yaml:"cloud,omitempty"`
	// Critic reviews worker output; defaults to the helper endpoint.
	Critic ModelConfig `yaml:"critic,omitempty"`
}

// CacheConfig controls the semantic cache.
type CacheConfig struct {
	Enabled             *bool    `yaml:"enabled,omitempty"`
	SimilarityThreshold float64  `yaml:"similarity_threshold,omitempty"`
	PersistDir          string   `yaml:"persist_dir,omitempty"`
	EmbeddingModel      string   `yaml:"embedding_model,omitempty"`
	EmbeddingBaseURL    string   `yaml:"embedding_base_url,omitempty"`
	EmbeddingAPIKey     string   `yaml:"embedding_api_key,omitempty"`
	NonCacheable        []string `yaml:"non_cacheable_patterns,omitempty"`
}

// RateLimitConfig is the outbound model-call throttle.
type RateLimitConfig struct {
	MaxCalls              int `yaml:"max_calls,omitempty"`
	WindowSeconds         int `yaml:"window_seconds,omitempty"`
	AcquireTimeoutSeconds int `yaml:"acquire_timeout_seconds,omitempty"`
}

// CheckpointConfig selects the durable checkpoint store.
type CheckpointConfig struct {
	// Driver is "sqlite3" (default), "postgres", or "mysql".
	Driver string `yaml:"driver,omitempty"`
	// DSN is the driver-specific connection string. For sqlite3 this is
	// the database file path.
	DSN string `yaml:"dsn,omitempty"`
}

// EventsConfig controls the per-session JSONL event log.
type EventsConfig struct {
	LogDir     string `yaml:"log_dir,omitempty"`
	RingBuffer int    `yaml:"ring_buffer,omitempty"`
}

// ToolsConfig configures the built-in file tools.
type ToolsConfig struct {
	WorkingDirectory string `yaml:"working_directory,omitempty"`
	MaxFileSize      int64  `yaml:"max_file_size,omitempty"`
}

// MCPServerConfig describes one external stdio tool provider.
type MCPServerConfig struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
}

// LoggingConfig controls slog initialization.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
	File   string `yaml:"file,omitempty"`
}

// ObservabilityConfig controls metrics exposure and cost accounting.
type ObservabilityConfig struct {
	// MetricsAddr serves Prometheus metrics when set, e.g. ":9090".
	// Empty disables the endpoint.
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
	// CostAlertThresholdUSD triggers a per-session spend warning.
	CostAlertThresholdUSD float64 `yaml:"cost_alert_threshold_usd,omitempty"`
}

func boolPtr(b bool) *bool { return &b }

// SetDefaults fills zero values with working defaults.
func (c *Config) SetDefaults() {
	if c.System.DefaultPersona == "" {
		c.System.DefaultPersona = "worker"
	}
	if c.System.DebateMaxRounds == 0 {
		c.System.DebateMaxRounds = 3
	}
	if c.System.DebateApprovalThreshold == 0 {
		c.System.DebateApprovalThreshold = 7.0
	}
	if c.System.CheckpointEnabled == nil {
		c.System.CheckpointEnabled = boolPtr(true)
	}
	if c.System.CriticFailOpen == nil {
		c.System.CriticFailOpen = boolPtr(true)
	}
	if c.System.MaxToolSteps == 0 {
		c.System.MaxToolSteps = 5
	}
	if c.System.MaxCriticRounds == 0 {
		c.System.MaxCriticRounds = 2
	}
	if c.System.MaxValidationRetries == 0 {
		c.System.MaxValidationRetries = 2
	}
	if c.System.ContextWindowSize == 0 {
		c.System.ContextWindowSize = 20
	}
	if c.System.HITLTimeoutSeconds == 0 {
		c.System.HITLTimeoutSeconds = 300
	}

	if len(c.Security.AllowedReadPaths) == 0 {
		c.Security.AllowedReadPaths = []string{"."}
	}
	if len(c.Security.AllowedWritePaths) == 0 {
		c.Security.AllowedWritePaths = []string{"./output"}
	}
	if c.Security.MaxExecutionTime == 0 {
		c.Security.MaxExecutionTime = 5
	}
	if c.Security.SandboxEnabled == nil {
		c.Security.SandboxEnabled = boolPtr(true)
	}

	if c.Cache.Enabled == nil {
		c.Cache.Enabled = boolPtr(true)
	}
	if c.Cache.SimilarityThreshold == 0 {
		c.Cache.SimilarityThreshold = 0.95
	}

	if c.RateLimit.MaxCalls == 0 {
		c.RateLimit.MaxCalls = 15
	}
	if c.RateLimit.WindowSeconds == 0 {
		c.RateLimit.WindowSeconds = 60
	}
	if c.RateLimit.AcquireTimeoutSeconds == 0 {
		c.RateLimit.AcquireTimeoutSeconds = 5
	}

	if c.Checkpoint.Driver == "" {
		c.Checkpoint.Driver = "sqlite3"
	}
	if c.Checkpoint.DSN == "" && c.Checkpoint.Driver == "sqlite3" {
		c.Checkpoint.DSN = "strata.db"
	}

	if c.Events.LogDir == "" {
		c.Events.LogDir = "events"
	}
	if c.Events.RingBuffer == 0 {
		c.Events.RingBuffer = 1000
	}

	if c.Tools.WorkingDirectory == "" {
		c.Tools.WorkingDirectory = "./"
	}
	if c.Tools.MaxFileSize == 0 {
		c.Tools.MaxFileSize = 10485760 // 10MB
	}

	if c.PersonasDir == "" {
		c.PersonasDir = "personas"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	if c.Observability.CostAlertThresholdUSD == 0 {
		c.Observability.CostAlertThresholdUSD = 1.0
	}

	for _, m := range []*ModelConfig{&c.Models.Router, &c.Models.Worker, &c.Models.Helper, &c.Models.Cloud, &c.Models.Critic} {
		m.SetDefaults()
	}
}

// SetDefaults fills model endpoint defaults.
func (m *ModelConfig) SetDefaults() {
	if m.Provider == "" {
		m.Provider = "openai"
	}
	if m.Temperature == 0 {
		m.Temperature = 0.7
	}
	if m.MaxTokens == 0 {
		m.MaxTokens = 4096
	}
	if m.TimeoutSeconds == 0 {
		m.TimeoutSeconds = 120
	}
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	switch c.Checkpoint.Driver {
	case "sqlite3", "postgres", "mysql":
	default:
		return fmt.Errorf("checkpoint: unsupported driver %q", c.Checkpoint.Driver)
	}
	if c.Checkpoint.DSN == "" {
		return fmt.Errorf("checkpoint: dsn is required for driver %q", c.Checkpoint.Driver)
	}
	if c.Cache.SimilarityThreshold < 0 || c.Cache.SimilarityThreshold > 1 {
		return fmt.Errorf("cache: similarity_threshold must be in [0,1], got %v", c.Cache.SimilarityThreshold)
	}
	if c.System.DebateApprovalThreshold < 0 || c.System.DebateApprovalThreshold > 10 {
		return fmt.Errorf("system: debate_approval_threshold must be in [0,10], got %v", c.System.DebateApprovalThreshold)
	}
	if c.RateLimit.MaxCalls < 1 {
		return fmt.Errorf("rate_limit: max_calls must be positive")
	}
	for _, mcp := range c.MCPServers {
		if mcp.Name == "" || mcp.Command == "" {
			return fmt.Errorf("mcp_servers: name and command are required")
		}
	}
	for _, m := range []struct {
		label string
		cfg   ModelConfig
	}{
		{"router", c.Models.Router},
		{"worker", c.Models.Worker},
		{"helper", c.Models.Helper},
		{"cloud", c.Models.Cloud},
		{"critic", c.Models.Critic},
	} {
		if m.cfg.Name == "" {
			continue // tier not configured, resolved at wiring time
		}
		switch m.cfg.Provider {
		case "openai", "anthropic", "gemini":
		default:
			return fmt.Errorf("models.%s: unsupported provider %q", m.label, m.cfg.Provider)
		}
	}
	return nil
}

// Get returns the value at a dotted path ("system.debate_max_rounds") from
// the raw document, or def when the path is absent.
func (c *Config) Get(path string, def interface{}) interface{} {
	node := interface{}(c.raw)
	for _, part := range strings.Split(path, ".") {
		m, ok := node.(map[string]interface{})
		if !ok {
			return def
		}
		node, ok = m[part]
		if !ok {
			return def
		}
	}
	return node
}
