// Package config handles chatrelay configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/chatrelay/config.yaml, /etc/chatrelay/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "chatrelay", "config.yaml"))
	}

	paths = append(paths, "/etc/chatrelay/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all chatrelay configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	OpenAI  OpenAIConfig  `yaml:"openai"`
	MCP     MCPConfig     `yaml:"mcp"`
	Search  SearchConfig  `yaml:"search"`
	Fetch   FetchConfig   `yaml:"fetch"`
	Request RequestConfig `yaml:"request"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig defines the WebSocket/HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"` // Bind address (default: "" = all interfaces)
	Port int    `yaml:"port"` // Default: 8000
}

// Addr returns the host:port listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// OpenAIConfig defines the LLM provider settings. APIKey supports
// ${ENV_VAR} expansion so secrets can stay out of the config file.
type OpenAIConfig struct {
	APIKey       string  `yaml:"api_key"`
	BaseURL      string  `yaml:"base_url"` // Default: https://api.openai.com/v1
	Model        string  `yaml:"model"`    // Default: gpt-4o-mini
	Temperature  float64 `yaml:"temperature"`
	TopP         float64 `yaml:"top_p"`
	MaxTokens    int     `yaml:"max_tokens"`
	SystemPrompt string  `yaml:"system_prompt"`
}

// MCPConfig defines MCP tool-server integration settings.
type MCPConfig struct {
	Enabled bool              `yaml:"enabled"`
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig defines one MCP tool server. AuthToken supports
// ${ENV_VAR} expansion.
type MCPServerConfig struct {
	Name       string `yaml:"name"`
	URL        string `yaml:"url"`
	Transport  string `yaml:"transport"`   // "streamable-http" (default) or "in-process"
	TimeoutSec int    `yaml:"timeout_sec"` // Per-request timeout, default 30
	AuthToken  string `yaml:"auth_token"`
	LocalOnly  bool   `yaml:"local_only"` // Refuse non-loopback targets
}

// Timeout returns the per-request timeout as a duration.
func (c MCPServerConfig) Timeout() time.Duration {
	if c.TimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSec) * time.Second
}

// SearchConfig defines the in-process web_search tool settings.
// Provider selects the backend: "duckduckgo" (default, no infrastructure
// needed) or "searxng" (requires URL pointing at an instance).
type SearchConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider"`
	URL      string `yaml:"url"`
}

// FetchConfig enables the in-process fetch_url tool, which downloads a
// page and hands its readable text to the model.
type FetchConfig struct {
	Enabled bool `yaml:"enabled"`
}

// RequestConfig bounds a single chat turn.
type RequestConfig struct {
	TurnTimeoutSec int `yaml:"turn_timeout_sec"` // Whole-turn timeout, default 120
	ToolTimeoutSec int `yaml:"tool_timeout_sec"` // Per-tool-call timeout, default 30
	MaxToolRounds  int `yaml:"max_tool_rounds"`  // Tool-call round limit, default 8
}

// TurnTimeout returns the whole-turn timeout as a duration.
func (c RequestConfig) TurnTimeout() time.Duration {
	if c.TurnTimeoutSec <= 0 {
		return 120 * time.Second
	}
	return time.Duration(c.TurnTimeoutSec) * time.Second
}

// ToolTimeout returns the per-tool-call timeout as a duration.
func (c RequestConfig) ToolTimeout() time.Duration {
	if c.ToolTimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.ToolTimeoutSec) * time.Second
}

// LoggingConfig defines structured logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // trace, debug, info, warn, error
	Format string `yaml:"format"` // "text" (default) or "json"
}

// Load reads and parses the config file at path, applies defaults, and
// expands ${ENV_VAR} references in secret fields. The environment
// variables OPENAI_API_KEY, SERVER_HOST, SERVER_PORT, and LOG_LEVEL
// override the corresponding file settings when set.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.expandSecrets(); err != nil {
		return nil, err
	}
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.OpenAI.BaseURL == "" {
		c.OpenAI.BaseURL = "https://api.openai.com/v1"
	}
	if c.OpenAI.Model == "" {
		c.OpenAI.Model = "gpt-4o-mini"
	}
	if c.OpenAI.Temperature == 0 {
		c.OpenAI.Temperature = 0.7
	}
	if c.OpenAI.TopP == 0 {
		c.OpenAI.TopP = 1.0
	}
	if c.OpenAI.MaxTokens == 0 {
		c.OpenAI.MaxTokens = 4096
	}
	if c.OpenAI.SystemPrompt == "" {
		c.OpenAI.SystemPrompt = "You are a helpful AI assistant."
	}
	if c.Request.MaxToolRounds == 0 {
		c.Request.MaxToolRounds = 8
	}
	if c.Search.Provider == "" {
		c.Search.Provider = "duckduckgo"
	}
	for i := range c.MCP.Servers {
		if c.MCP.Servers[i].Transport == "" {
			c.MCP.Servers[i].Transport = "streamable-http"
		}
	}
}

// expandSecrets resolves ${ENV_VAR} references in secret-bearing fields.
// An unset variable is an error: a silently-empty API key produces
// confusing auth failures much later.
func (c *Config) expandSecrets() error {
	var err error
	if c.OpenAI.APIKey, err = expandEnv(c.OpenAI.APIKey); err != nil {
		return fmt.Errorf("openai.api_key: %w", err)
	}
	for i := range c.MCP.Servers {
		if c.MCP.Servers[i].AuthToken, err = expandEnv(c.MCP.Servers[i].AuthToken); err != nil {
			return fmt.Errorf("mcp.servers[%d].auth_token: %w", i, err)
		}
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.OpenAI.APIKey = v
	}
	if v := os.Getenv("SERVER_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks the loaded configuration for problems that would
// otherwise only surface at request time.
func (c *Config) Validate() error {
	if c.OpenAI.APIKey == "" {
		return fmt.Errorf("openai.api_key is required")
	}
	for _, s := range c.MCP.Servers {
		if s.Name == "" {
			return fmt.Errorf("mcp server entry is missing a name")
		}
		switch s.Transport {
		case "streamable-http", "in-process":
		default:
			return fmt.Errorf("mcp server %s: unknown transport %q", s.Name, s.Transport)
		}
		if s.Transport == "streamable-http" && s.URL == "" {
			return fmt.Errorf("mcp server %s: url is required for streamable-http", s.Name)
		}
	}
	if c.Search.Enabled {
		switch c.Search.Provider {
		case "duckduckgo":
		case "searxng":
			if c.Search.URL == "" {
				return fmt.Errorf("search.url is required for the searxng provider")
			}
		default:
			return fmt.Errorf("unknown search provider %q", c.Search.Provider)
		}
	}
	return nil
}

// expandEnv resolves a ${VAR} reference to the environment value.
// Values without the ${...} wrapper are returned unchanged, as are
// empty strings. A wrapped but unset variable is an error.
func expandEnv(v string) (string, error) {
	if !strings.HasPrefix(v, "${") || !strings.HasSuffix(v, "}") {
		return v, nil
	}
	name := v[2 : len(v)-1]
	val, ok := os.LookupEnv(name)
	if !ok || val == "" {
		return "", fmt.Errorf("environment variable %s not set", name)
	}
	return val, nil
}
