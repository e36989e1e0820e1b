// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package main is the entry point for the AxonFlow LLM Gateway.
//
// The Gateway is a multi-tenant front door for LLM inference that:
// - Enforces per-tenant rate limits and monthly quotas
// - Screens requests through a deterministic safety gate
// - Routes to an upstream model with circuit breaking and fallback
// - Validates responses before release
//
// Usage:
//
//	./gateway
//
// Environment Variables:
//
//	GATEWAY_PORT - HTTP server port (default: 8080)
//	ANTHROPIC_API_KEY - Anthropic API key (optional)
//	OPENAI_API_KEY - OpenAI API key (optional)
//	BEDROCK_REGION - AWS region for Bedrock models (optional)
//	BEDROCK_MODEL - Bedrock model ID (optional, defaults to Claude 3.5 Sonnet)
//	REDIS_URL - Redis connection URL (optional, enables durable queue)
//	DATABASE_URL - PostgreSQL connection string (optional)
//	TENANTS_FILE - YAML tenant registry path (optional)
//	GATEWAY_JWT_SECRET - Secret for JWT tenant credentials (optional)
package main

import (
	"axonflow/gateway/gateway"
)

func main() {
	gateway.Run()
}
