// Package config loads fathom's runtime configuration.
//
// Configuration is environment-first: a .env file is autoloaded when
// present, then an optional YAML file may override structured settings.
// Credentials are never stored in the YAML file; they come exclusively
// from the environment or an injected CredentialProvider.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvStorageDir        = "STORAGE_DIR"
	EnvSearchAPIKey      = "SEARCH_API_KEY"
	EnvLLMAPIKey         = "LLM_API_KEY"
	EnvRemoteSyncEnabled = "REMOTE_SYNC_ENABLED"
	EnvLogLevel          = "FATHOM_LOG_LEVEL"
	EnvListenAddr        = "FATHOM_LISTEN_ADDR"
)

// Config is the root configuration consumed by the server and CLI.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Search   SearchConfig   `yaml:"search"`
	LLM      LLMConfig      `yaml:"llm"`
	Research ResearchConfig `yaml:"research"`
	Memory   MemoryConfig   `yaml:"memory"`

	// StorageDir holds persona.json, preferences.json and chat-history/.
	StorageDir string `yaml:"storage_dir"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// ServerConfig configures the session server.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`

	// SessionIdleTimeout downgrades idle sessions to unauthenticated.
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`

	// OutboundQueueSize bounds the per-session outgoing frame queue.
	OutboundQueueSize int `yaml:"outbound_queue_size"`

	// MaxFrameBytes is the largest single frame; larger output is chunked.
	MaxFrameBytes int `yaml:"max_frame_bytes"`
}

// SearchConfig configures the web-search provider client.
type SearchConfig struct {
	APIKey   string        `yaml:"-"`
	Host     string        `yaml:"host"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// LLMConfig configures the completion provider client.
type LLMConfig struct {
	APIKey      string        `yaml:"-"`
	Host        string        `yaml:"host"`
	Model       string        `yaml:"model"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

// ResearchConfig holds orchestrator defaults and budgets.
type ResearchConfig struct {
	DefaultDepth   int `yaml:"default_depth"`
	DefaultBreadth int `yaml:"default_breadth"`

	// QuerySeconds contributes to the run wall-clock ceiling:
	// depth * breadth * QuerySeconds.
	QuerySeconds int `yaml:"query_seconds"`

	// TokenBudget caps tokens fed into extraction prompts per run.
	TokenBudget int `yaml:"token_budget"`
}

// MemoryConfig configures the layered memory subsystem.
type MemoryConfig struct {
	RemoteSync       bool `yaml:"remote_sync"`
	EnrichmentOn     bool `yaml:"enrichment"`
	RecallLimit      int  `yaml:"recall_limit"`
	WorkingWindow    int  `yaml:"working_window"`
	SummarizeOnClose bool `yaml:"summarize_on_close"`
}

// Default returns the built-in configuration before env and file overrides.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:         "127.0.0.1:7171",
			SessionIdleTimeout: 30 * time.Minute,
			OutboundQueueSize:  256,
			MaxFrameBytes:      256 * 1024,
		},
		Search: SearchConfig{
			Host:     "https://api.search.brave.com",
			Interval: 10 * time.Second,
			Timeout:  30 * time.Second,
		},
		LLM: LLMConfig{
			Host:        "https://api.venice.ai",
			Model:       "llama-3.3-70b",
			MaxTokens:   4096,
			Temperature: 0.7,
			Timeout:     60 * time.Second,
		},
		Research: ResearchConfig{
			DefaultDepth:   2,
			DefaultBreadth: 3,
			QuerySeconds:   90,
			TokenBudget:    24000,
		},
		Memory: MemoryConfig{
			RemoteSync:       false,
			EnrichmentOn:     true,
			RecallLimit:      10,
			WorkingWindow:    10,
			SummarizeOnClose: true,
		},
		StorageDir: defaultStorageDir(),
		LogLevel:   "info",
		LogFormat:  "simple",
	}
}

func defaultStorageDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fathom"
	}
	return filepath.Join(home, ".local", "share", "fathom")
}

// Load builds the configuration from defaults, an optional YAML file, and
// the environment (highest precedence).
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		expanded := expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvStorageDir); v != "" {
		c.StorageDir = v
	}
	if v := os.Getenv(EnvSearchAPIKey); v != "" {
		c.Search.APIKey = v
	}
	if v := os.Getenv(EnvLLMAPIKey); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv(EnvRemoteSyncEnabled); v != "" {
		c.Memory.RemoteSync = parseBool(v)
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv(EnvListenAddr); v != "" {
		c.Server.ListenAddr = v
	}
}

// Validate checks structural settings. Missing credentials are not an
// error here; commands that need them fail with CredentialMissing instead.
func (c *Config) Validate() error {
	if c.Server.OutboundQueueSize < 256 {
		c.Server.OutboundQueueSize = 256
	}
	if c.Server.MaxFrameBytes <= 0 {
		c.Server.MaxFrameBytes = 256 * 1024
	}
	if c.Research.DefaultDepth < 1 || c.Research.DefaultDepth > 6 {
		return fmt.Errorf("research.default_depth must be in [1,6], got %d", c.Research.DefaultDepth)
	}
	if c.Research.DefaultBreadth < 1 || c.Research.DefaultBreadth > 6 {
		return fmt.Errorf("research.default_breadth must be in [1,6], got %d", c.Research.DefaultBreadth)
	}
	if c.Search.Interval <= 0 {
		c.Search.Interval = 10 * time.Second
	}
	return nil
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// CredentialProvider supplies provider API keys. The environment-backed
// implementation is the default; tests and the login flow inject others.
type CredentialProvider interface {
	// SearchKey returns the search provider credential, or "" if absent.
	SearchKey() string

	// LLMKey returns the LLM provider credential, or "" if absent.
	LLMKey() string
}

// StaticCredentials is a CredentialProvider with fixed values.
type StaticCredentials struct {
	Search string
	LLM    string
}

func (s StaticCredentials) SearchKey() string { return s.Search }
func (s StaticCredentials) LLMKey() string    { return s.LLM }

// Credentials returns the provider credentials currently configured.
func (c *Config) Credentials() CredentialProvider {
	return StaticCredentials{Search: c.Search.APIKey, LLM: c.LLM.APIKey}
}
