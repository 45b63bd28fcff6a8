// Package config loads process configuration from the environment.
package config

import (
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	// TokenFile is where the credential is persisted between runs.
	TokenFile string `env:"TOKEN_FILE" default:"pepo-token.json"`

	// TokenEncryptionKey encrypts the token file at rest. 64 hex characters
	// (32 bytes). Empty disables encryption (development only).
	TokenEncryptionKey string `env:"TOKEN_ENCRYPTION_KEY"`

	// DebugAddr exposes /metrics and /healthz when set, e.g. "127.0.0.1:9180".
	// Empty disables the debug server.
	DebugAddr string `env:"DEBUG_ADDR"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.TokenFile == "" {
		return fmt.Errorf("TOKEN_FILE is required")
	}

	if cfg.TokenEncryptionKey != "" {
		keyBytes, err := hex.DecodeString(cfg.TokenEncryptionKey)
		if err != nil {
			return fmt.Errorf("TOKEN_ENCRYPTION_KEY must be valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("TOKEN_ENCRYPTION_KEY must be exactly 64 hex characters (32 bytes), got %d bytes", len(keyBytes))
		}
	}

	return nil
}
