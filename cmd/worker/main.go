// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package main is the entry point for the AxonFlow Gateway Worker.
//
// The Worker consumes queued chat jobs and runs them through the same
// processing pipeline the synchronous gateway path uses. Failed jobs
// are retried with exponential backoff and dead-lettered to the log
// once the retry budget is exhausted.
//
// Usage:
//
//	./worker
//
// Environment Variables:
//
//	REDIS_URL - Redis connection URL (optional, in-memory queue without it)
//	ANTHROPIC_API_KEY - Anthropic API key (optional)
//	OPENAI_API_KEY - OpenAI API key (optional)
//	DATABASE_URL - PostgreSQL connection string (optional)
//	TENANTS_FILE - YAML tenant registry path (optional)
package main

import (
	"axonflow/gateway/gateway"
)

func main() {
	gateway.RunWorker()
}
