// Package config provides configuration management for Ferry.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Ferry.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Journal   JournalConfig   `mapstructure:"journal"`
	Runners   RunnersConfig   `mapstructure:"runners"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// AuthConfig holds authentication configuration.
// Every API request must carry the bearer token.
type AuthConfig struct {
	Token string `mapstructure:"token"`
}

// DatabaseConfig holds the sqlite database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"` // sqlite file, ":memory:" for tests
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// JournalConfig holds the per-session event journal configuration.
type JournalConfig struct {
	Dir         string `mapstructure:"dir"`         // data dir; journals live at <dir>/sessions/<id>/
	RotateBytes int64  `mapstructure:"rotateBytes"` // rotation threshold
}

// RunnersConfig holds runner adapter configuration.
type RunnersConfig struct {
	HeartbeatInterval int    `mapstructure:"heartbeatInterval"` // seconds
	PermissionTimeout int    `mapstructure:"permissionTimeout"` // seconds
	StopGrace         int    `mapstructure:"stopGrace"`         // seconds before kill
	RegistryPath      string `mapstructure:"registryPath"`      // optional runners.yaml

	Sidecar SidecarConfig `mapstructure:"sidecar"`
	OpenAI  OpenAIConfig  `mapstructure:"openai"`
}

// SidecarConfig holds configuration for the sidecar HTTP/SSE runner.
type SidecarConfig struct {
	BaseURL     string `mapstructure:"baseUrl"`
	ReadTimeout int    `mapstructure:"readTimeout"` // per-read SSE timeout, seconds
}

// OpenAIConfig holds configuration for the in-process API runner.
type OpenAIConfig struct {
	BaseURL string `mapstructure:"baseUrl"` // empty uses the provider default
	APIKey  string `mapstructure:"apiKey"`
	Model   string `mapstructure:"model"`
}

// DiscoveryConfig holds configuration for external session discovery.
type DiscoveryConfig struct {
	ClaudeDir string `mapstructure:"claudeDir"` // default ~/.claude/projects
	CodexDir  string `mapstructure:"codexDir"`  // default ~/.codex/sessions
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// HeartbeatIntervalDuration returns the heartbeat interval as a time.Duration.
func (r *RunnersConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(r.HeartbeatInterval) * time.Second
}

// PermissionTimeoutDuration returns the permission timeout as a time.Duration.
func (r *RunnersConfig) PermissionTimeoutDuration() time.Duration {
	return time.Duration(r.PermissionTimeout) * time.Second
}

// StopGraceDuration returns the stop grace period as a time.Duration.
func (r *RunnersConfig) StopGraceDuration() time.Duration {
	return time.Duration(r.StopGrace) * time.Second
}

// ReadTimeoutDuration returns the per-read SSE timeout as a time.Duration.
func (s *SidecarConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// detectDefaultLogFormat returns "json" in production-like environments and
// "text" for terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("FERRY_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ferry"
	}
	return filepath.Join(home, ".ferry")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8787)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Auth defaults - empty token is rejected by validate
	v.SetDefault("auth.token", "")

	// Database defaults
	v.SetDefault("database.path", filepath.Join(defaultDataDir(), "ferry.db"))

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	// Journal defaults
	v.SetDefault("journal.dir", defaultDataDir())
	v.SetDefault("journal.rotateBytes", int64(5*1024*1024))

	// Runner defaults
	v.SetDefault("runners.heartbeatInterval", 5)
	v.SetDefault("runners.permissionTimeout", 300)
	v.SetDefault("runners.stopGrace", 5)
	v.SetDefault("runners.registryPath", "")
	v.SetDefault("runners.sidecar.baseUrl", "http://localhost:9999")
	v.SetDefault("runners.sidecar.readTimeout", 60)
	v.SetDefault("runners.openai.baseUrl", "")
	v.SetDefault("runners.openai.apiKey", "")
	v.SetDefault("runners.openai.model", "gpt-4o")

	// Discovery defaults
	home, _ := os.UserHomeDir()
	v.SetDefault("discovery.claudeDir", filepath.Join(home, ".claude", "projects"))
	v.SetDefault("discovery.codexDir", filepath.Join(home, ".codex", "sessions"))

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix FERRY_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/ferry/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("FERRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where env var naming differs from camelCase config keys
	_ = v.BindEnv("auth.token", "FERRY_AUTH_TOKEN")
	_ = v.BindEnv("runners.sidecar.baseUrl", "FERRY_RUNNERS_SIDECAR_BASE_URL")
	_ = v.BindEnv("runners.openai.apiKey", "FERRY_RUNNERS_OPENAI_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("runners.openai.baseUrl", "FERRY_RUNNERS_OPENAI_BASE_URL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/ferry/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Auth.Token == "" {
		errs = append(errs, "auth.token is required (set FERRY_AUTH_TOKEN)")
	}

	if cfg.Journal.RotateBytes <= 0 {
		errs = append(errs, "journal.rotateBytes must be positive")
	}

	if cfg.Runners.HeartbeatInterval <= 0 {
		errs = append(errs, "runners.heartbeatInterval must be positive")
	}
	if cfg.Runners.PermissionTimeout <= 0 {
		errs = append(errs, "runners.permissionTimeout must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
