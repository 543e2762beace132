// Package config loads the agent server configuration from an optional YAML
// file and the environment. Environment variables win over the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Resource backends.
const (
	BackendMemory = "memory"
	BackendHTTP   = "http"
	BackendMCP    = "mcp"
)

// Config holds the agent server configuration.
type Config struct {
	GRPCPort string `yaml:"grpc_port"`
	HTTPPort string `yaml:"http_port"`
	LogLevel string `yaml:"log_level"`

	Resource  ResourceConfig  `yaml:"resource"`
	Redis     RedisConfig     `yaml:"redis"`
	Changelog ChangelogConfig `yaml:"changelog"`

	PostgresDSN         string `yaml:"postgres_dsn"`
	ClickHouseDSN       string `yaml:"clickhouse_dsn"`
	AuthCacheTTLSeconds int    `yaml:"auth_cache_ttl_s"`
}

// ResourceConfig selects and configures the gateway backend.
type ResourceConfig struct {
	Backend       string `yaml:"backend"`
	ConsoleURL    string `yaml:"console_url"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	MCPServerURL  string `yaml:"mcp_server_url"`
	CallTimeoutMs int    `yaml:"call_timeout_ms"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type ChangelogConfig struct {
	TTLSeconds    int `yaml:"ttl_s"`
	TimelineLimit int `yaml:"timeline_limit"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		GRPCPort: "50061",
		HTTPPort: "8090",
		LogLevel: "info",
		Resource: ResourceConfig{
			Backend:       BackendMemory,
			ConsoleURL:    "http://localhost:8001",
			Username:      "admin",
			CallTimeoutMs: 10000,
		},
		Changelog: ChangelogConfig{
			TTLSeconds:    7200,
			TimelineLimit: 50,
		},
		AuthCacheTTLSeconds: 30,
	}
}

// Load reads path, when non-empty and present, over the defaults and then
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.GRPCPort = envOrDefault("AGENT_GRPC_PORT", c.GRPCPort)
	c.HTTPPort = envOrDefault("AGENT_HTTP_PORT", c.HTTPPort)
	c.LogLevel = envOrDefault("AGENT_LOG_LEVEL", c.LogLevel)

	c.Resource.Backend = envOrDefault("AGENT_RESOURCE_BACKEND", c.Resource.Backend)
	c.Resource.ConsoleURL = envOrDefault("HIGRESS_CONSOLE_URL", c.Resource.ConsoleURL)
	c.Resource.Username = envOrDefault("HIGRESS_CONSOLE_USERNAME", c.Resource.Username)
	c.Resource.Password = envOrDefault("HIGRESS_CONSOLE_PASSWORD", c.Resource.Password)
	c.Resource.MCPServerURL = envOrDefault("MCP_SERVER_URL", c.Resource.MCPServerURL)
	c.Resource.CallTimeoutMs = envOrDefaultInt("AGENT_CALL_TIMEOUT_MS", c.Resource.CallTimeoutMs)

	c.Redis.Addr = envOrDefault("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = envOrDefault("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = envOrDefaultInt("REDIS_DB", c.Redis.DB)

	c.Changelog.TTLSeconds = envOrDefaultInt("AGENT_CHANGELOG_TTL_S", c.Changelog.TTLSeconds)
	c.Changelog.TimelineLimit = envOrDefaultInt("AGENT_TIMELINE_LIMIT", c.Changelog.TimelineLimit)

	c.PostgresDSN = envOrDefault("POSTGRES_DSN", c.PostgresDSN)
	c.ClickHouseDSN = envOrDefault("CLICKHOUSE_DSN", c.ClickHouseDSN)
	c.AuthCacheTTLSeconds = envOrDefaultInt("AGENT_AUTH_CACHE_TTL_S", c.AuthCacheTTLSeconds)
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	switch c.Resource.Backend {
	case BackendMemory:
	case BackendHTTP:
		if c.Resource.ConsoleURL == "" {
			return fmt.Errorf("resource backend %q requires HIGRESS_CONSOLE_URL", c.Resource.Backend)
		}
	case BackendMCP:
		if c.Resource.MCPServerURL == "" {
			return fmt.Errorf("resource backend %q requires MCP_SERVER_URL", c.Resource.Backend)
		}
	default:
		return fmt.Errorf("unknown resource backend %q (want memory, http or mcp)", c.Resource.Backend)
	}
	return nil
}

func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.Resource.CallTimeoutMs) * time.Millisecond
}

func (c *Config) ChangelogTTL() time.Duration {
	return time.Duration(c.Changelog.TTLSeconds) * time.Second
}

func (c *Config) AuthCacheTTL() time.Duration {
	return time.Duration(c.AuthCacheTTLSeconds) * time.Second
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}
