// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"os"
	"strconv"
	"time"
)

// Config is the gateway's environment-driven configuration. Optional
// backends degrade gracefully: no REDIS_URL means the in-memory queue
// and quota store, no DATABASE_URL means usage goes to the log only.
type Config struct {
	Port      string
	JWTSecret string

	AnthropicAPIKey string
	OpenAIAPIKey    string
	BedrockRegion   string
	BedrockModel    string

	RedisURL    string
	DatabaseURL string
	TenantsFile string

	CircuitThreshold int
	CircuitCooldown  time.Duration
	NodeTimeout      time.Duration
}

// ConfigFromEnv reads the configuration from the environment, applying
// defaults for anything unset.
func ConfigFromEnv() Config {
	return Config{
		Port:             envOr("GATEWAY_PORT", "8080"),
		JWTSecret:        os.Getenv("GATEWAY_JWT_SECRET"),
		AnthropicAPIKey:  os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
		BedrockRegion:    os.Getenv("BEDROCK_REGION"),
		BedrockModel:     os.Getenv("BEDROCK_MODEL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		TenantsFile:      os.Getenv("TENANTS_FILE"),
		CircuitThreshold: envInt("CIRCUIT_THRESHOLD", 5),
		CircuitCooldown:  time.Duration(envInt("CIRCUIT_COOLDOWN_SEC", 60)) * time.Second,
		NodeTimeout:      time.Duration(envInt("NODE_TIMEOUT_SEC", 30)) * time.Second,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
