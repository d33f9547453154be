// Package config provides configuration management for Supportdesk.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Supportdesk.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	AI       AIConfig       `mapstructure:"ai"`
	Chat     ChatConfig     `mapstructure:"chat"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds persistence configuration. Driver selects the
// repository implementation: "sqlite" (default) or "postgres".
type DatabaseConfig struct {
	Driver   string       `mapstructure:"driver"`
	Path     string       `mapstructure:"path"` // sqlite file path
	Host     string       `mapstructure:"host"`
	Port     int          `mapstructure:"port"`
	User     string       `mapstructure:"user"`
	Password string       `mapstructure:"password"`
	DBName   string       `mapstructure:"dbName"`
	SSLMode  string       `mapstructure:"sslMode"`
	MaxConns int          `mapstructure:"maxConns"`
	Tables   TablesConfig `mapstructure:"tables"`
}

// TablesConfig maps each persisted collection to its table name.
type TablesConfig struct {
	Sessions      string `mapstructure:"sessions"`
	Messages      string `mapstructure:"messages"`
	Users         string `mapstructure:"users"`
	Notifications string `mapstructure:"notifications"`
	Accuracy      string `mapstructure:"accuracy"`
	Settings      string `mapstructure:"settings"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AIConfig holds the Gemini provider configuration.
type AIConfig struct {
	APIKey         string   `mapstructure:"apiKey"`
	Model          string   `mapstructure:"model"`
	FallbackModels []string `mapstructure:"fallbackModels"`
	WordLimit      int      `mapstructure:"wordLimit"`
}

// ChatConfig holds dispatcher and presence tuning.
type ChatConfig struct {
	GracePeriodMS       int    `mapstructure:"gracePeriodMs"`
	BestEffortQueueSize int    `mapstructure:"bestEffortQueueSize"`
	PhrasePackPath      string `mapstructure:"phrasePackPath"`
	RedactPII           bool   `mapstructure:"redactPii"`
	StorageProxyPrefix  string `mapstructure:"storageProxyPrefix"`
	StorageProxyBase    string `mapstructure:"storageProxyBase"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	JWTSecret         string `mapstructure:"jwtSecret"`
	AdminSharedSecret string `mapstructure:"adminSharedSecret"`
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

// GracePeriod returns the agent disconnect grace period as a time.Duration.
func (c *ChatConfig) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodMS) * time.Millisecond
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("SUPPORTDESK_ENV"); env == "production" || env == "prod" {
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

	// Database defaults - sqlite file store unless postgres is configured
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "supportdesk.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "supportdesk")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "supportdesk")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.tables.sessions", "chat_sessions")
	v.SetDefault("database.tables.messages", "chat_messages")
	v.SetDefault("database.tables.users", "users")
	v.SetDefault("database.tables.notifications", "notifications")
	v.SetDefault("database.tables.accuracy", "accuracy_records")
	v.SetDefault("database.tables.settings", "app_settings")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "supportdesk")
	v.SetDefault("nats.maxReconnects", 10)

	// AI defaults
	v.SetDefault("ai.apiKey", "")
	v.SetDefault("ai.model", "gemini-2.0-flash")
	v.SetDefault("ai.fallbackModels", []string{"gemini-2.0-flash-lite", "gemini-1.5-flash"})
	v.SetDefault("ai.wordLimit", 30)

	// Chat defaults
	v.SetDefault("chat.gracePeriodMs", 5000)
	v.SetDefault("chat.bestEffortQueueSize", 256)
	v.SetDefault("chat.phrasePackPath", "")
	v.SetDefault("chat.redactPii", false)
	v.SetDefault("chat.storageProxyPrefix", "")
	v.SetDefault("chat.storageProxyBase", "")

	// Auth defaults
	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.adminSharedSecret", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix SUPPORTDESK_ with snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("SUPPORTDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for knobs whose canonical env var names don't follow
	// the SUPPORTDESK_ prefix convention.
	_ = v.BindEnv("ai.apiKey", "GEMINI_API_KEY", "SUPPORTDESK_AI_API_KEY")
	_ = v.BindEnv("ai.model", "GEMINI_MODEL", "SUPPORTDESK_AI_MODEL")
	_ = v.BindEnv("auth.adminSharedSecret", "ADMIN_SHARED_SECRET", "SUPPORTDESK_AUTH_ADMIN_SHARED_SECRET")
	_ = v.BindEnv("chat.redactPii", "REDACT_PII", "SUPPORTDESK_CHAT_REDACT_PII")
	_ = v.BindEnv("chat.gracePeriodMs", "SUPPORTDESK_CHAT_GRACE_PERIOD_MS")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/supportdesk/")

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
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	if cfg.AI.WordLimit <= 0 {
		errs = append(errs, "ai.wordLimit must be positive")
	}

	if cfg.Auth.JWTSecret == "" {
		errs = append(errs, "auth.jwtSecret is required")
	}

	if cfg.Chat.GracePeriodMS < 0 {
		errs = append(errs, "chat.gracePeriodMs must not be negative")
	}
	if cfg.Chat.BestEffortQueueSize <= 0 {
		errs = append(errs, "chat.bestEffortQueueSize must be positive")
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

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
