// Package config provides environment configuration for the messaging service.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort        string
	ServerReadTimeout time.Duration
	ServerIdleTimeout time.Duration

	// Storage settings. Empty DSN selects the in-memory store.
	MySQLDSN string

	// NATS settings. Empty URL disables the cross-instance relay.
	NATSURL   string
	NATSToken string

	// JWT settings
	JWTSecret string

	// Broker settings
	BrokerBufferSize int
	BrokerEchoSender bool
	StreamHeartbeat  time.Duration

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server. No write timeout: the SSE channel holds responses open
		// indefinitely.
		ServerPort:        getEnv("PORT", "8080"),
		ServerReadTimeout: getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerIdleTimeout: getDurationEnv("SERVER_IDLE_TIMEOUT", 120*time.Second),

		// Storage
		MySQLDSN: getEnv("MYSQL_DSN", ""),

		// NATS
		NATSURL:   getEnv("NATS_URL", ""),
		NATSToken: getEnv("NATS_TOKEN", ""),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// Broker
		BrokerBufferSize: getIntEnv("BROKER_BUFFER_SIZE", 16),
		BrokerEchoSender: getBoolEnv("BROKER_ECHO_SENDER", false),
		StreamHeartbeat:  getDurationEnv("STREAM_HEARTBEAT", 30*time.Second),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
