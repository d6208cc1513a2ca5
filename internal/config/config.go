// Package config provides configuration loading for the flow engine.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the flow engine.
type Config struct {
	// Store configuration
	StoreType  string // "memory" or "redis"
	OutcomeTTL time.Duration
	StatusTTL  time.Duration

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	// Executor configuration
	MaxParallelism int
	FlowTimeout    time.Duration
	EventTimeout   time.Duration

	// Retry policy for transient node failures
	MaxAttempts    int
	InitialBackoff time.Duration
	BackoffCap     time.Duration

	// Sandbox budgets
	ScriptTimeout  time.Duration
	ScriptMaxLen   int
	ScriptMaxSteps int

	// Connector rate limiting (per connector instance)
	ConnectorRPS   float64
	ConnectorBurst int

	// Definition locations
	FlowDir          string
	IntegrationsFile string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		// Store
		StoreType:  getEnv("ENGINE_STORE", "memory"), // "memory" or "redis"
		OutcomeTTL: getDuration("OUTCOME_TTL", 7*24*time.Hour),
		StatusTTL:  getDuration("DEVICE_STATUS_TTL", 5*time.Minute),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),
		RedisPrefix:   getEnv("REDIS_PREFIX", "flowengine"),

		// Executor
		MaxParallelism: getInt("ENGINE_MAX_PARALLELISM", 0), // 0 = unlimited
		FlowTimeout:    getDuration("FLOW_TIMEOUT", 30*time.Second),
		EventTimeout:   getDuration("EVENT_TIMEOUT", 0), // 0 = no event-level cap; flows are bounded individually

		// Retry
		MaxAttempts:    getInt("RETRY_MAX_ATTEMPTS", 3),
		InitialBackoff: getDuration("RETRY_INITIAL_BACKOFF", 500*time.Millisecond),
		BackoffCap:     getDuration("RETRY_BACKOFF_CAP", 30*time.Second),

		// Sandbox
		ScriptTimeout:  getDuration("SCRIPT_TIMEOUT", 5*time.Second),
		ScriptMaxLen:   getInt("SCRIPT_MAX_LEN", 4096),
		ScriptMaxSteps: getInt("SCRIPT_MAX_STEPS", 1000),

		// Connectors
		ConnectorRPS:   getFloat("CONNECTOR_RPS", 50.0),
		ConnectorBurst: getInt("CONNECTOR_BURST", 100),

		// Definitions
		FlowDir:          getEnv("FLOW_DIR", "flows"),
		IntegrationsFile: getEnv("INTEGRATIONS_FILE", "integrations.json"),
	}
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Accept bare seconds for compatibility with older deploys.
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}
