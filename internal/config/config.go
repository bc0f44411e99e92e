// Package config loads application configuration from environment variables
// with development defaults.
package config

import (
	"os"
)

// AppConfig holds all application configuration.
type AppConfig struct {
	// Relay server
	ListenAddr string

	// External collaborators
	AgentAPIURL   string // backend task executor (run/cancel)
	SessionAPIURL string // session/message persistence API

	// Observability
	OTLPEndpoint   string
	PrometheusPort string
	HealthPort     string

	// Service identity
	ServiceName    string
	ServiceVersion string
	Environment    string
	LogLevel       string
}

// Load loads configuration from environment variables with defaults.
func Load() *AppConfig {
	return &AppConfig{
		ListenAddr: getEnv("RELAY_LISTEN_ADDR", ":3000"),

		AgentAPIURL:   getEnv("RELAY_AGENT_API_URL", "http://localhost:8000"),
		SessionAPIURL: getEnv("RELAY_SESSION_API_URL", "http://localhost:8001"),

		OTLPEndpoint:   getEnv("OTLP_ENDPOINT", "127.0.0.1:4317"),
		PrometheusPort: getEnv("PROMETHEUS_PORT", "9090"),
		HealthPort:     getEnv("RELAY_HEALTH_PORT", "8080"),

		ServiceName:    getEnv("SERVICE_NAME", "agentrelay"),
		ServiceVersion: getEnv("SERVICE_VERSION", "1.0.0"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "INFO"),
	}
}

// RelayURL returns the base URL clients use to reach the relay's own HTTP
// surface, derived from the listen address when not overridden.
func (c *AppConfig) RelayURL() string {
	if v := os.Getenv("RELAY_URL"); v != "" {
		return v
	}
	addr := c.ListenAddr
	if addr != "" && addr[0] == ':' {
		return "http://localhost" + addr
	}
	return "http://" + addr
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
