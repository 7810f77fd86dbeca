// Package config loads service settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full service configuration.
type Config struct {
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	LockTTL            time.Duration `env:"LOCK_TTL" envDefault:"30s"`
	LockAcquireTimeout time.Duration `env:"LOCK_ACQUIRE_TIMEOUT" envDefault:"5s"`
	StreamInitRetries  int           `env:"STREAM_INIT_RETRIES" envDefault:"3"`
	RepairStreamKeys   bool          `env:"REPAIR_STREAM_KEYS" envDefault:"false"`

	JWTSignKey   string        `env:"JWT_SIGN_KEY" envDefault:"dev-only-sign-key"`
	UserTokenTTL time.Duration `env:"USER_TOKEN_TTL" envDefault:"24h"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
