// Package config provides application configuration read from the
// environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all tunables for the engine and gateway.
type Config struct {
	Port          string
	RedisAddr     string
	RedisPassword string
	NATSURL       string

	// FallbackThreshold is the fast-path confidence below which the
	// classifier escalates to the model-assisted path.
	FallbackThreshold float64

	// SessionTTL is the idle expiry applied by the context store.
	SessionTTL time.Duration

	// HistoryLimit bounds the rolling conversation history.
	HistoryLimit int

	Timeouts Timeouts
}

// Timeouts bounds every remote call the engine makes.
type Timeouts struct {
	Classify      time.Duration // model-assisted classification
	Plan          time.Duration // model-assisted planning
	Generate      time.Duration // llm_generate actions
	ImageGenerate time.Duration // image generation may invoke a large model
	Command       time.Duration // command execution
	Search        time.Duration // document/web search, ocr, image save
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		RedisAddr:         getEnv("REDIS_HOST", "localhost:6379"),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		NATSURL:           getEnv("NATS_URL", "nats://localhost:4222"),
		FallbackThreshold: getEnvFloat("CLASSIFIER_FALLBACK_THRESHOLD", 0.90),
		SessionTTL:        getEnvDuration("SESSION_TTL", 24*time.Hour),
		HistoryLimit:      getEnvInt("HISTORY_LIMIT", 20),
		Timeouts: Timeouts{
			Classify:      getEnvDuration("TIMEOUT_CLASSIFY", 10*time.Second),
			Plan:          getEnvDuration("TIMEOUT_PLAN", 30*time.Second),
			Generate:      getEnvDuration("TIMEOUT_GENERATE", 25*time.Second),
			ImageGenerate: getEnvDuration("TIMEOUT_IMAGE_GENERATE", 120*time.Second),
			Command:       getEnvDuration("TIMEOUT_COMMAND", 30*time.Second),
			Search:        getEnvDuration("TIMEOUT_SEARCH", 10*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that required fields are sane.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.NATSURL == "" {
		return fmt.Errorf("NATS_URL cannot be empty")
	}
	if c.FallbackThreshold < 0 || c.FallbackThreshold > 1 {
		return fmt.Errorf("CLASSIFIER_FALLBACK_THRESHOLD must be in [0,1]")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive")
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("HISTORY_LIMIT must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
