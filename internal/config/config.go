package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for Hearth.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	LLM      LLMConfig      `yaml:"llm"`
	Browser  BrowserConfig  `yaml:"browser"`
	Stream   StreamConfig   `yaml:"stream"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type LLMConfig struct {
	// DefaultModel is "provider:model-id"; legacy sessions with an empty
	// model field are migrated to it on read.
	DefaultModel string                       `yaml:"default_model"`
	Providers    map[string]LLMProviderConfig `yaml:"providers"`
}

type LLMProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

type BrowserConfig struct {
	Enabled bool `yaml:"enabled"`

	// IdleTimeout destroys a browser session untouched for this long.
	// Zero or negative disables idle eviction.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// VNCTokenDir receives "<session>.token" files with "localhost:<port>"
	// for the companion VNC frontend.
	VNCTokenDir string `yaml:"vnc_token_dir"`
}

type StreamConfig struct {
	// RemovalDelay is how long a finished stream entry stays available for
	// reconnecting clients before eviction.
	RemovalDelay time.Duration `yaml:"removal_delay"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the configuration file. Environment variables in the
// file are expanded, then overrides from the process environment are applied.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

func applyEnv(cfg *Config) {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}
	if v := os.Getenv("BROWSER_IDLE_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.Browser.IdleTimeout = time.Duration(secs) * time.Second
		}
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		setProviderKey(cfg, "anthropic", key)
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		setProviderKey(cfg, "openai", key)
	}
}

func setProviderKey(cfg *Config, provider, key string) {
	if cfg.LLM.Providers == nil {
		cfg.LLM.Providers = map[string]LLMProviderConfig{}
	}
	pc := cfg.LLM.Providers[provider]
	if pc.APIKey == "" {
		pc.APIKey = key
	}
	cfg.LLM.Providers[provider] = pc
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 25
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Stream.RemovalDelay == 0 {
		cfg.Stream.RemovalDelay = 30 * time.Second
	}
	if cfg.Browser.VNCTokenDir == "" {
		cfg.Browser.VNCTokenDir = "/tmp/hearth-vnc"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}
