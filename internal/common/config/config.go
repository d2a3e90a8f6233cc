// Package config provides configuration management for Runforge.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Runforge.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Runs        RunsConfig        `mapstructure:"runs"`
	Permissions PermissionsConfig `mapstructure:"permissions"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
	Streaming   StreamingConfig   `mapstructure:"streaming"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds record store configuration.
// Driver selects the persistence backend: memory, sqlite, or postgres.
type DatabaseConfig struct {
	Driver     string `mapstructure:"driver"`
	SQLitePath string `mapstructure:"sqlitePath"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	DBName     string `mapstructure:"dbName"`
	SSLMode    string `mapstructure:"sslMode"`
	MaxConns   int    `mapstructure:"maxConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// RunsConfig bounds the in-flight run registry.
type RunsConfig struct {
	Capacity     int `mapstructure:"capacity"`     // max concurrently tracked runs
	TTLMinutes   int `mapstructure:"ttlMinutes"`   // idle run eviction age
	ReapInterval int `mapstructure:"reapInterval"` // reaper period in seconds
}

// PermissionsConfig controls the human confirmation handshake.
type PermissionsConfig struct {
	TimeoutSeconds int `mapstructure:"timeoutSeconds"` // deadline for an unanswered request
}

// PipelineConfig holds tool execution pipeline configuration.
type PipelineConfig struct {
	HistorySize   int `mapstructure:"historySize"`   // capped execution history entries
	MaxParallel   int `mapstructure:"maxParallel"`   // upper bound for ExecuteParallel
	TruncateBytes int `mapstructure:"truncateBytes"` // content fields above this are truncated
}

// StreamingConfig holds SSE/WebSocket streaming configuration.
type StreamingConfig struct {
	HeartbeatSeconds int `mapstructure:"heartbeatSeconds"`
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

// TTL returns the run eviction age as a time.Duration.
func (r *RunsConfig) TTL() time.Duration {
	return time.Duration(r.TTLMinutes) * time.Minute
}

// ReapIntervalDuration returns the reaper period as a time.Duration.
func (r *RunsConfig) ReapIntervalDuration() time.Duration {
	return time.Duration(r.ReapInterval) * time.Second
}

// Timeout returns the permission deadline as a time.Duration.
func (p *PermissionsConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// HeartbeatInterval returns the heartbeat period as a time.Duration.
func (s *StreamingConfig) HeartbeatInterval() time.Duration {
	return time.Duration(s.HeartbeatSeconds) * time.Second
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("RUNFORGE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - in-memory record store unless configured
	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.sqlitePath", "runforge.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "runforge")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "runforge")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "runforge-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Run registry defaults
	v.SetDefault("runs.capacity", 100)
	v.SetDefault("runs.ttlMinutes", 30)
	v.SetDefault("runs.reapInterval", 60)

	// Permission handshake defaults
	v.SetDefault("permissions.timeoutSeconds", 300) // 5 minutes

	// Pipeline defaults
	v.SetDefault("pipeline.historySize", 200)
	v.SetDefault("pipeline.maxParallel", 8)
	v.SetDefault("pipeline.truncateBytes", 64*1024)

	// Streaming defaults
	v.SetDefault("streaming.heartbeatSeconds", 15)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix RUNFORGE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/runforge/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("RUNFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("database.sqlitePath", "RUNFORGE_DATABASE_SQLITE_PATH")
	_ = v.BindEnv("permissions.timeoutSeconds", "RUNFORGE_PERMISSIONS_TIMEOUT_SECONDS")
	_ = v.BindEnv("pipeline.historySize", "RUNFORGE_PIPELINE_HISTORY_SIZE")
	_ = v.BindEnv("pipeline.maxParallel", "RUNFORGE_PIPELINE_MAX_PARALLEL")
	_ = v.BindEnv("pipeline.truncateBytes", "RUNFORGE_PIPELINE_TRUNCATE_BYTES")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/runforge/")

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

	switch cfg.Database.Driver {
	case "memory", "sqlite", "postgres":
	default:
		errs = append(errs, "database.driver must be one of: memory, sqlite, postgres")
	}
	if cfg.Database.Driver == "postgres" {
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
	}

	if cfg.Runs.Capacity <= 0 {
		errs = append(errs, "runs.capacity must be positive")
	}
	if cfg.Runs.TTLMinutes <= 0 {
		errs = append(errs, "runs.ttlMinutes must be positive")
	}
	if cfg.Permissions.TimeoutSeconds <= 0 {
		errs = append(errs, "permissions.timeoutSeconds must be positive")
	}
	if cfg.Pipeline.HistorySize <= 0 {
		errs = append(errs, "pipeline.historySize must be positive")
	}
	if cfg.Pipeline.MaxParallel <= 0 {
		errs = append(errs, "pipeline.maxParallel must be positive")
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
