// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config holds every tunable the server reads at startup. Defaults are
// provided via struct tags; only DATABASE_URL and JWT_SECRET are required.
type Config struct {
	ListenAddr  string `env:"LISTEN_ADDR,default=:8080"`
	DatabaseURL string `env:"DATABASE_URL,required"`
	JWTSecret   string `env:"JWT_SECRET,required"`

	// RedisAddr enables the Redis Streams room relay when set. Empty keeps
	// the in-process relay, which is fine for a single instance.
	RedisAddr string `env:"REDIS_ADDR,default="`

	AnalysisTimeout time.Duration `env:"ANALYSIS_TIMEOUT,default=60s"`
	LogLevel        string        `env:"LOG_LEVEL,default=info"`
}

// Load decodes the configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
