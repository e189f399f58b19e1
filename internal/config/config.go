// Package config provides configuration management for the cache and event
// bus services. It handles loading configuration from environment variables
// with sensible defaults and validates the configuration so a service starts
// safely against a shared Redis deployment.
//
// Environment Variables:
//
// Application Settings:
//   - PORT: Port for the health/metrics endpoint (default: 8080)
//   - LOG_LEVEL: Logging level (default: info)
//
// Redis Configuration:
//   - REDIS_ADDRESS: Redis server address (default: localhost:6379)
//   - REDIS_PASSWORD: Redis password
//   - REDIS_DB: Redis database number 0-15 (default: 0)
//   - REDIS_POOL_SIZE: Redis connection pool size (default: 10)
//
// Cache Configuration:
//   - CACHE_PREFIX: Per-service key namespace prefix (default: "cache:")
//   - CACHE_MAX_KEY_LENGTH: Maximum accepted key length (default: 256)
//   - CACHE_COMPRESSION: Gzip-compress cached payloads (default: false)
//   - CACHE_DEFAULT_TTL: Default entry TTL (default: 5m)
//   - CACHE_TTL_OVERRIDES: Per-entity-type TTLs, "type=dur" pairs separated
//     by commas, e.g. "task=30s,project=10m"
//   - CACHE_OP_TIMEOUT: Deadline applied to each store round trip (default: 2s)
//
// Health / Janitor:
//   - HEALTH_CHECK_INTERVAL: Interval between store pings (default: 10s)
//   - JANITOR_ENABLED: Run the tag-set janitor sweep (default: true)
//   - JANITOR_INTERVAL: Interval between janitor sweeps (default: 5m)
//
// Event Bus:
//   - EVENT_CHANNEL: Pub/sub channel shared by all services (default: "dashboard:events")
//
// Example usage:
//
//	cfg := config.Load()
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid configuration: %v", err)
//	}
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for a cachebus service instance.
// All fields correspond to environment variables that can be set to
// override the default values.
//
// The configuration is loaded using the Load() function and should be
// validated using the Validate() method before use.
type Config struct {
	// Application settings
	Port     string // Port for the health/metrics HTTP endpoint
	LogLevel string // Logging level (debug, info, warn, error)

	// Redis configuration, shared by the cache store and the event bus
	RedisAddress  string // Redis server address (host:port)
	RedisPassword string // Redis authentication password
	RedisDB       int    // Redis database number (0-15)
	RedisPoolSize int    // Redis connection pool size

	// Cache behavior
	CachePrefix     string                   // Per-service key namespace
	MaxKeyLength    int                      // Longest accepted cache key
	UseCompression  bool                     // Gzip payloads on write
	DefaultTTL      time.Duration            // TTL when none is given
	TTLOverrides    map[string]time.Duration // Per-entity-type TTLs
	OpTimeout       time.Duration            // Deadline per store round trip

	// Background loops
	HealthInterval  time.Duration // Interval between store pings
	JanitorEnabled  bool          // Run the tag-set janitor
	JanitorInterval time.Duration // Interval between janitor sweeps

	// Event bus
	EventChannel string // Pub/sub channel shared by all services
}

// Load creates a new Config instance with values loaded from environment
// variables. If an environment variable is not set, the corresponding
// default value is used.
//
// This function does not validate the configuration - call Validate() on
// the returned Config before use.
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		RedisAddress:  getEnv("REDIS_ADDRESS", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),
		RedisPoolSize: getIntEnv("REDIS_POOL_SIZE", 10),

		CachePrefix:    getEnv("CACHE_PREFIX", "cache:"),
		MaxKeyLength:   getIntEnv("CACHE_MAX_KEY_LENGTH", 256),
		UseCompression: getBoolEnv("CACHE_COMPRESSION", false),
		DefaultTTL:     getDurationEnv("CACHE_DEFAULT_TTL", 5*time.Minute),
		TTLOverrides:   parseTTLOverrides(os.Getenv("CACHE_TTL_OVERRIDES")),
		OpTimeout:      getDurationEnv("CACHE_OP_TIMEOUT", 2*time.Second),

		HealthInterval:  getDurationEnv("HEALTH_CHECK_INTERVAL", 10*time.Second),
		JanitorEnabled:  getBoolEnv("JANITOR_ENABLED", true),
		JanitorInterval: getDurationEnv("JANITOR_INTERVAL", 5*time.Minute),

		EventChannel: getEnv("EVENT_CHANNEL", "dashboard:events"),
	}
}

// Validate checks that all configuration values are usable: required fields
// are present, numeric ranges hold, and durations are positive. A service
// should call this after Load() and refuse to start on error.
func (c *Config) Validate() error {
	if c.RedisAddress == "" {
		return fmt.Errorf("REDIS_ADDRESS is required")
	}

	if port, err := strconv.Atoi(c.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a valid port number between 1 and 65535")
	}

	if c.RedisDB < 0 || c.RedisDB > 15 {
		return fmt.Errorf("REDIS_DB must be between 0 and 15")
	}

	if c.RedisPoolSize < 1 {
		return fmt.Errorf("REDIS_POOL_SIZE must be at least 1")
	}

	if c.MaxKeyLength < 1 {
		return fmt.Errorf("CACHE_MAX_KEY_LENGTH must be at least 1")
	}

	if c.DefaultTTL <= 0 {
		return fmt.Errorf("CACHE_DEFAULT_TTL must be positive")
	}

	if c.OpTimeout <= 0 {
		return fmt.Errorf("CACHE_OP_TIMEOUT must be positive")
	}

	if c.HealthInterval <= 0 {
		return fmt.Errorf("HEALTH_CHECK_INTERVAL must be positive")
	}

	if c.JanitorEnabled && c.JanitorInterval <= 0 {
		return fmt.Errorf("JANITOR_INTERVAL must be positive when the janitor is enabled")
	}

	if c.EventChannel == "" {
		return fmt.Errorf("EVENT_CHANNEL must not be empty")
	}

	for entityType, ttl := range c.TTLOverrides {
		if ttl <= 0 {
			return fmt.Errorf("CACHE_TTL_OVERRIDES: TTL for %q must be positive", entityType)
		}
	}

	return nil
}

// TTLFor resolves the TTL for an entity type, falling back to the default.
func (c *Config) TTLFor(entityType string) time.Duration {
	if ttl, ok := c.TTLOverrides[entityType]; ok {
		return ttl
	}
	return c.DefaultTTL
}

// parseTTLOverrides parses "type=duration" pairs separated by commas.
// Malformed pairs are skipped rather than failing the whole load; Validate
// catches non-positive durations afterwards.
func parseTTLOverrides(raw string) map[string]time.Duration {
	overrides := make(map[string]time.Duration)
	if raw == "" {
		return overrides
	}

	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			continue
		}
		if ttl, err := time.ParseDuration(parts[1]); err == nil {
			overrides[parts[0]] = ttl
		}
	}

	return overrides
}

// getEnv retrieves an environment variable value or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getIntEnv retrieves an integer environment variable or returns a default.
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getBoolEnv retrieves a boolean environment variable or returns a default.
// Accepts the representations understood by strconv.ParseBool.
func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getDurationEnv retrieves a duration environment variable or returns a default.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
