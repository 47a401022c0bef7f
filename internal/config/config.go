// Package config loads the application configuration from a YAML file with
// environment-variable overrides for secrets. Every section carries defaults
// so an empty file yields a runnable configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loomhq/loom/internal/approval"
	"github.com/loomhq/loom/internal/mcp"
	"github.com/loomhq/loom/internal/memory"
)

// Config is the full application configuration.
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Database DatabaseConfig  `yaml:"database"`
	Provider ProviderConfig  `yaml:"provider"`
	Agent    AgentConfig     `yaml:"agent"`
	Memory   MemoryConfig    `yaml:"memory"`
	Tools    ToolsConfig     `yaml:"tools"`
	Approval ApprovalConfig  `yaml:"approval"`
	MCP      mcp.Config      `yaml:"mcp"`
	Logging  LoggingConfig   `yaml:"logging"`
}

// ServerConfig is the HTTP listener section.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig locates the SQLite database and the data directory that
// holds spilled tool outputs and plan markdown.
type DatabaseConfig struct {
	Path    string `yaml:"path"`
	DataDir string `yaml:"data_dir"`
}

// ProviderConfig selects the LLM backend. API keys come from the environment
// (OPENAI_API_KEY, ANTHROPIC_API_KEY), never from the file.
type ProviderConfig struct {
	// Name is "openai" or "anthropic".
	Name  string `yaml:"name"`
	Model string `yaml:"model"`
}

// AgentConfig tunes the turn loop.
type AgentConfig struct {
	SystemPrompt    string        `yaml:"system_prompt"`
	MaxIterations   int           `yaml:"max_iterations"`
	Parallelism     int           `yaml:"parallelism"`
	RecentWindow    int           `yaml:"recent_window"`
	EnableReasoning bool          `yaml:"enable_reasoning"`
	ReasoningBudget int           `yaml:"reasoning_budget"`
	ApprovalTimeout time.Duration `yaml:"approval_timeout"`
	Verification    bool          `yaml:"verification"`
}

// MemoryConfig wraps the observational-memory tuning with an enable switch.
type MemoryConfig struct {
	Enabled bool          `yaml:"enabled"`
	Runner  memory.Config `yaml:",inline"`
}

// ToolsConfig configures the optional tool surfaces.
type ToolsConfig struct {
	PluginsDir     string `yaml:"plugins_dir"`
	WebSearch      bool   `yaml:"web_search"`
	BraveAPIKeyEnv string `yaml:"brave_api_key_env"`
}

// ApprovalConfig holds the auto-approve rule set.
type ApprovalConfig struct {
	Rules []approval.Rule `yaml:"rules"`
}

// LoggingConfig selects log verbosity and output format.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".loom")
	return &Config{
		Server:   ServerConfig{Host: "127.0.0.1", Port: 8732},
		Database: DatabaseConfig{Path: filepath.Join(dataDir, "loom.db"), DataDir: dataDir},
		Provider: ProviderConfig{Name: "openai", Model: "gpt-4o"},
		Agent: AgentConfig{
			MaxIterations:   50,
			Parallelism:     4,
			RecentWindow:    10,
			ApprovalTimeout: 10 * time.Minute,
			Verification:    true,
		},
		Memory: MemoryConfig{Enabled: true},
		Tools:  ToolsConfig{WebSearch: true, BraveAPIKeyEnv: "BRAVE_API_KEY"},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the file at path over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server port %d", c.Server.Port)
	}
	switch c.Provider.Name {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("config: unknown provider %q", c.Provider.Name)
	}
	if c.Provider.Model == "" {
		return fmt.Errorf("config: provider model is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("config: database path is required")
	}
	if c.Agent.MaxIterations < 0 || c.Agent.Parallelism < 0 {
		return fmt.Errorf("config: agent limits must be non-negative")
	}
	for i, rule := range c.Approval.Rules {
		switch rule.Field {
		case approval.FieldTool, approval.FieldPath, approval.FieldExtension,
			approval.FieldDirectory, approval.FieldPattern:
		default:
			return fmt.Errorf("config: approval rule %d has unknown field %q", i, rule.Field)
		}
	}
	return nil
}

// APIKey returns the provider API key from the environment.
func (c *Config) APIKey() string {
	switch c.Provider.Name {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	default:
		return os.Getenv("OPENAI_API_KEY")
	}
}
