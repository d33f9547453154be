package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Server:   ServerConfig{Host: "0.0.0.0", Port: 8080, ReadTimeout: 30, WriteTimeout: 30},
		Database: DatabaseConfig{Driver: "sqlite", Path: "supportdesk.db"},
		AI:       AIConfig{WordLimit: 30},
		Chat:     ChatConfig{GracePeriodMS: 5000, BestEffortQueueSize: 256},
		Auth:     AuthConfig{JWTSecret: "secret"},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
	}
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	require.NoError(t, validate(validConfig()))
}

func TestValidateRequiresJWTSecret(t *testing.T) {
	cfg := validConfig()
	cfg.Auth.JWTSecret = ""
	err := validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth.jwtSecret")
}

func TestValidateRequiresSQLitePath(t *testing.T) {
	cfg := validConfig()
	cfg.Database.Path = ""
	err := validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.path")
}

func TestValidateJoinsAllFailures(t *testing.T) {
	cfg := validConfig()
	cfg.Auth.JWTSecret = ""
	cfg.AI.WordLimit = 0
	err := validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth.jwtSecret")
	assert.Contains(t, err.Error(), "ai.wordLimit")
}
