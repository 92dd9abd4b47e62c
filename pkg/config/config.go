// Package config loads the positronic.yaml configuration: server
// address, database, LLM provider, pages backend, resources, and event
// retention. Values support {{.ENV_VAR}} expansion.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/positronic-core/positronic/pkg/database"
)

// ConfigFileName is the file loaded from the config directory.
const ConfigFileName = "positronic.yaml"

// Duration is a time.Duration that unmarshals from YAML strings like
// "24h" as well as integer nanoseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts to the standard library type.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the resolved process configuration.
type Config struct {
	Server    ServerConfig      `yaml:"server"`
	Database  DatabaseConfig    `yaml:"database"`
	LLM       LLMConfig         `yaml:"llm"`
	Pages     PagesConfig       `yaml:"pages"`
	Resources ResourcesConfig   `yaml:"resources"`
	Retention RetentionConfig   `yaml:"retention"`
	Secrets   map[string]string `yaml:"secrets"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// BaseURL is the externally visible URL prefix used for generated
	// page links and webhook registrations.
	BaseURL string `yaml:"base_url"`
}

// DatabaseConfig holds PostgreSQL settings. Disabled runs the engine on
// the in-memory store.
type DatabaseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// ClientConfig converts to the database package's connection config.
func (d DatabaseConfig) ClientConfig() database.Config {
	return database.Config{
		Host:     d.Host,
		Port:     d.Port,
		User:     d.User,
		Password: d.Password,
		Database: d.Database,
		SSLMode:  d.SSLMode,
	}
}

// LLMConfig holds the model provider settings. APIKey typically comes
// from {{.ANTHROPIC_API_KEY}} expansion.
type LLMConfig struct {
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

// PagesConfig holds the redis-backed pages service settings.
type PagesConfig struct {
	RedisAddr string   `yaml:"redis_addr"`
	TTL       Duration `yaml:"ttl"`
}

// ResourcesConfig points at the read-only resource directory handed to
// brain actions.
type ResourcesConfig struct {
	Dir string `yaml:"dir"`
}

// RetentionConfig controls the terminal-run event sweeper.
type RetentionConfig struct {
	// EventTTL is the age past which a terminal run's journal is
	// eligible for cleanup. Zero disables the sweeper.
	EventTTL Duration `yaml:"event_ttl"`
	// CleanupInterval is how often the sweep loop runs.
	CleanupInterval Duration `yaml:"cleanup_interval"`
}

// Default returns the built-in configuration used when no file exists.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:    ":8080",
			BaseURL: "http://localhost:8080",
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "positronic",
			Database: "positronic",
			SSLMode:  "disable",
		},
		LLM: LLMConfig{
			Model: "claude-sonnet-4-5",
		},
		Retention: RetentionConfig{
			CleanupInterval: Duration(12 * time.Hour),
		},
	}
}

// Dir resolves the config directory: the CONFIG_DIR environment
// variable, or ./config.
func Dir() string {
	if dir := os.Getenv("CONFIG_DIR"); dir != "" {
		return dir
	}
	return "config"
}

// DevMode reports whether POSITRONIC_ENV selects development behavior.
func DevMode() bool {
	return os.Getenv("POSITRONIC_ENV") == "development"
}

// Load reads and resolves the configuration from configDir. A missing
// file yields the defaults.
func Load(configDir string) (*Config, error) {
	cfg := Default()

	path := filepath.Join(configDir, ConfigFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(ExpandEnv(data), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Database.Enabled {
		if c.Database.Host == "" || c.Database.Database == "" {
			return fmt.Errorf("database.host and database.database are required when the database is enabled")
		}
	}
	if c.Retention.EventTTL > 0 && c.Retention.CleanupInterval <= 0 {
		return fmt.Errorf("retention.cleanup_interval must be positive when retention.event_ttl is set")
	}
	return nil
}
