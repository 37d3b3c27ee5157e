// Package config provides configuration management for Open Dispatch.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Config holds all configuration sections for Open Dispatch.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Sprites  SpritesConfig  `mapstructure:"sprites"`
	Agent    AgentConfig    `mapstructure:"agent"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds the gateway HTTP/WebSocket server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// WebhookConfig holds the job ingestion server configuration.
// This is the surface Sprites report back to, so it gets its own port.
type WebhookConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	MaxBodyBytes int64  `mapstructure:"maxBodyBytes"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// JobsConfig holds job lifecycle configuration.
type JobsConfig struct {
	// TokenSecret is the HMAC key for per-job bearer tokens.
	// When empty a fresh secret is generated at boot, which invalidates
	// tokens across restarts. The value is never logged.
	TokenSecret      string `mapstructure:"tokenSecret"`
	CleanupDelayMs   int64  `mapstructure:"cleanupDelayMs"`
	ReaperIntervalMs int64  `mapstructure:"reaperIntervalMs"`
	DefaultTimeoutMs int64  `mapstructure:"defaultTimeoutMs"`
}

// DispatchConfig holds settings the spawned Sprites need to reach us.
type DispatchConfig struct {
	// PublicURL is the externally reachable base URL of the webhook server,
	// injected into each Sprite as OPEN_DISPATCH_URL.
	PublicURL string `mapstructure:"publicUrl"`
}

// SpritesConfig holds the Sprites machine provider configuration.
type SpritesConfig struct {
	// Token is the API token for the Sprites provider. When empty the
	// machine client is disabled and sends fail fast.
	Token string `mapstructure:"token"`
	// Image is the default VM image for one-shot jobs.
	Image string `mapstructure:"image"`
}

// AgentConfig holds coding agent selection and credential passthrough.
type AgentConfig struct {
	// Default is the agent used when a send does not name one.
	Default string `mapstructure:"default"`
	// CredentialEnv lists environment variable names copied from our own
	// environment into each spawned machine (API keys for the agents).
	CredentialEnv []string `mapstructure:"credentialEnv"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
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

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (w *WebhookConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(w.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (w *WebhookConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(w.WriteTimeout) * time.Second
}

// CleanupDelay returns the post-terminal grace window as a time.Duration.
func (j *JobsConfig) CleanupDelay() time.Duration {
	return time.Duration(j.CleanupDelayMs) * time.Millisecond
}

// ReaperInterval returns the stale job sweep interval as a time.Duration.
func (j *JobsConfig) ReaperInterval() time.Duration {
	return time.Duration(j.ReaperIntervalMs) * time.Millisecond
}

// DefaultTimeout returns the default job timeout as a time.Duration.
func (j *JobsConfig) DefaultTimeout() time.Duration {
	return time.Duration(j.DefaultTimeoutMs) * time.Millisecond
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("OPENDISPATCH_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Gateway server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8081)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Webhook server defaults
	v.SetDefault("webhook.host", "0.0.0.0")
	v.SetDefault("webhook.port", 8080)
	v.SetDefault("webhook.maxBodyBytes", 1048576) // 1 MiB
	v.SetDefault("webhook.readTimeout", 30)
	v.SetDefault("webhook.writeTimeout", 30)

	// Job lifecycle defaults
	v.SetDefault("jobs.tokenSecret", "") // empty means per-boot secret
	v.SetDefault("jobs.cleanupDelayMs", 30000)
	v.SetDefault("jobs.reaperIntervalMs", 60000)
	v.SetDefault("jobs.defaultTimeoutMs", 600000)

	// Dispatch defaults
	v.SetDefault("dispatch.publicUrl", "http://localhost:8080")

	// Sprites defaults - empty token disables the machine client
	v.SetDefault("sprites.token", "")
	v.SetDefault("sprites.image", "")

	// Agent defaults
	v.SetDefault("agent.default", "claude")
	v.SetDefault("agent.credentialEnv", []string{"ANTHROPIC_API_KEY", "OPENAI_API_KEY"})

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "opendispatch-cluster")
	v.SetDefault("nats.clientId", "opendispatch-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix OPENDISPATCH_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/opendispatch/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("OPENDISPATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the operational env var names.
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion, and the
	// deployment-facing variables are unprefixed, so each key binds both forms.
	_ = v.BindEnv("webhook.port", "WEBHOOK_PORT", "OPENDISPATCH_WEBHOOK_PORT")
	_ = v.BindEnv("webhook.maxBodyBytes", "MAX_BODY_BYTES", "OPENDISPATCH_WEBHOOK_MAX_BODY_BYTES")
	_ = v.BindEnv("jobs.tokenSecret", "JOB_TOKEN_SECRET", "OPENDISPATCH_JOBS_TOKEN_SECRET")
	_ = v.BindEnv("jobs.cleanupDelayMs", "JOB_CLEANUP_DELAY_MS", "OPENDISPATCH_JOBS_CLEANUP_DELAY_MS")
	_ = v.BindEnv("jobs.reaperIntervalMs", "STALE_REAPER_INTERVAL_MS", "OPENDISPATCH_JOBS_REAPER_INTERVAL_MS")
	_ = v.BindEnv("jobs.defaultTimeoutMs", "DEFAULT_JOB_TIMEOUT_MS", "OPENDISPATCH_JOBS_DEFAULT_TIMEOUT_MS")
	_ = v.BindEnv("dispatch.publicUrl", "OPEN_DISPATCH_URL", "OPENDISPATCH_DISPATCH_PUBLIC_URL")
	_ = v.BindEnv("sprites.token", "SPRITES_API_TOKEN", "OPENDISPATCH_SPRITES_TOKEN")
	_ = v.BindEnv("sprites.image", "SPRITES_IMAGE", "OPENDISPATCH_SPRITES_IMAGE")
	_ = v.BindEnv("nats.url", "NATS_URL", "OPENDISPATCH_NATS_URL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/opendispatch/")

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
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Webhook.Port <= 0 || cfg.Webhook.Port > 65535 {
		errs = append(errs, "webhook.port must be between 1 and 65535")
	}
	if cfg.Webhook.MaxBodyBytes <= 0 {
		errs = append(errs, "webhook.maxBodyBytes must be positive")
	}

	// Token secret - generate a per-boot secret if not set. Tokens minted
	// under a generated secret do not survive a restart.
	if cfg.Jobs.TokenSecret == "" {
		cfg.Jobs.TokenSecret = uuid.NewString()
	}
	if cfg.Jobs.CleanupDelayMs < 0 {
		errs = append(errs, "jobs.cleanupDelayMs must not be negative")
	}
	if cfg.Jobs.ReaperIntervalMs <= 0 {
		errs = append(errs, "jobs.reaperIntervalMs must be positive")
	}
	if cfg.Jobs.DefaultTimeoutMs <= 0 {
		errs = append(errs, "jobs.defaultTimeoutMs must be positive")
	}

	if cfg.Dispatch.PublicURL == "" {
		errs = append(errs, "dispatch.publicUrl is required")
	}

	// Sprites validation - optional (sends fail fast without a token)
	// No validation needed - will gracefully degrade

	// Logging validation
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
