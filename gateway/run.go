// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/cors"

	"axonflow/gateway/llm"
	"axonflow/gateway/llm/anthropic"
	"axonflow/gateway/llm/bedrock"
	"axonflow/gateway/llm/openai"
	"axonflow/gateway/pipeline"
	"axonflow/gateway/queue"
	"axonflow/gateway/sdk"
	"axonflow/gateway/shared/logger"
	"axonflow/gateway/usage"

	_ "github.com/lib/pq"
)

// platform is the wired object graph shared by the HTTP server and the
// worker binary.
type platform struct {
	gateway  *Gateway
	pipeline *pipeline.Pipeline
	tenants  *TenantRegistry
	queue    queue.Queue
	usage    *usage.Recorder
	log      *logger.Logger

	queueBackend string
	db           *sql.DB
}

func buildPlatform(cfg Config, component string) (*platform, error) {
	lg := logger.New(component)

	tenantList := DefaultTenants()
	if cfg.TenantsFile != "" {
		loaded, err := LoadTenants(cfg.TenantsFile)
		if err != nil {
			return nil, err
		}
		tenantList = loaded
		log.Printf("Loaded %d tenants from %s", len(loaded), cfg.TenantsFile)
	} else {
		log.Printf("No TENANTS_FILE set, using the built-in default tenant")
	}
	tenants := NewTenantRegistry(tenantList, cfg.JWTSecret)

	registry := llm.DefaultRegistry()
	if err := registry.ValidateFallbackChain(); err != nil {
		return nil, fmt.Errorf("model fallback chain: %w", err)
	}
	resilient := sdk.NewResilientClient(sdk.ResilientConfig{
		Jitter:           sdk.DefaultJitter,
		BreakerThreshold: cfg.CircuitThreshold,
		BreakerCooldown:  cfg.CircuitCooldown,
	})
	invoker := llm.NewInvoker(registry, resilient, lg)
	if cfg.AnthropicAPIKey != "" {
		invoker.RegisterProvider(anthropic.New(anthropic.Config{APIKey: cfg.AnthropicAPIKey}))
		log.Printf("Anthropic provider enabled")
	}
	if cfg.OpenAIAPIKey != "" {
		invoker.RegisterProvider(openai.New(openai.Config{APIKey: cfg.OpenAIAPIKey}))
		log.Printf("OpenAI provider enabled")
	}
	if cfg.BedrockRegion != "" {
		bp, err := bedrock.New(context.Background(), bedrock.Config{Region: cfg.BedrockRegion})
		if err != nil {
			return nil, fmt.Errorf("initializing Bedrock provider: %w", err)
		}
		invoker.RegisterProvider(bp)
		registry.Register(bedrockModelSpec(cfg.BedrockModel))
		log.Printf("Bedrock provider enabled (region %s)", cfg.BedrockRegion)
	}

	var (
		q            queue.Queue
		quota        QuotaStore
		queueBackend string
	)
	if cfg.RedisURL != "" {
		redisQueue, err := queue.NewRedisQueue(queue.RedisQueueConfig{URL: cfg.RedisURL})
		if err != nil {
			return nil, fmt.Errorf("connecting queue backend: %w", err)
		}
		opts, _ := redis.ParseURL(cfg.RedisURL)
		quota = NewRedisQuotaStore(redis.NewClient(opts))
		q = redisQueue
		queueBackend = "redis"
		log.Printf("Redis queue backend connected")
	} else {
		q = queue.NewMemoryQueue(queue.MemoryQueueConfig{})
		quota = NewMemoryQuotaStore()
		queueBackend = "memory"
		log.Printf("No REDIS_URL set, using in-memory queue and quota store")
	}

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		var err error
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("opening usage database: %w", err)
		}
		log.Printf("Usage database connected")
	} else {
		log.Printf("No DATABASE_URL set, usage records go to the log")
	}
	recorder := usage.NewRecorder(db, lg)
	if err := recorder.EnsureSchema(context.Background()); err != nil {
		return nil, err
	}

	p := pipeline.New(pipeline.Config{
		Invoker:     invoker,
		Registry:    registry,
		NodeTimeout: cfg.NodeTimeout,
		Logger:      lg,
	})

	g := New(Options{
		Tenants:      tenants,
		Quota:        quota,
		Pipeline:     p,
		Invoker:      invoker,
		Registry:     registry,
		Queue:        q,
		Usage:        recorder,
		Logger:       lg,
		QueueBackend: queueBackend,
	})

	return &platform{
		gateway:      g,
		pipeline:     p,
		tenants:      tenants,
		queue:        q,
		usage:        recorder,
		log:          lg,
		queueBackend: queueBackend,
		db:           db,
	}, nil
}

// DefaultBedrockModel is registered when BEDROCK_REGION is set without a
// BEDROCK_MODEL override.
const DefaultBedrockModel = "anthropic.claude-3-5-sonnet-20240620-v1:0"

// bedrockModelSpec describes the configured Bedrock model. Context and
// cost figures assume a Claude-class model; an override keeps the same
// conservative limits.
func bedrockModelSpec(modelID string) llm.ModelSpec {
	if modelID == "" {
		modelID = DefaultBedrockModel
	}
	return llm.ModelSpec{
		ModelID:         modelID,
		Provider:        llm.ProviderTypeBedrock,
		DisplayName:     "Bedrock " + modelID,
		ContextWindow:   200000,
		MaxOutputTokens: 8192,
		CostPer1KInput:  0.003,
		CostPer1KOutput: 0.015,
		Tags:            []string{"bedrock"},
	}
}

// Run starts the HTTP gateway and blocks until SIGINT/SIGTERM.
func Run() {
	log.Println("Starting AxonFlow LLM Gateway...")

	cfg := ConfigFromEnv()
	plat, err := buildPlatform(cfg, "gateway")
	if err != nil {
		log.Fatalf("Failed to initialize gateway: %v", err)
	}
	defer plat.close()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"}, // Configure for production
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: c.Handler(plat.gateway.Routes()),
	}

	go func() {
		log.Printf("AxonFlow LLM Gateway listening on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down gateway...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}

// RunWorker starts a queue consumer running the same pipeline the
// synchronous path runs, and blocks until SIGINT/SIGTERM. In-flight
// jobs finish (and ack) before exit.
func RunWorker() {
	log.Println("Starting AxonFlow Gateway Worker...")

	cfg := ConfigFromEnv()
	plat, err := buildPlatform(cfg, "worker")
	if err != nil {
		log.Fatalf("Failed to initialize worker: %v", err)
	}
	defer plat.close()

	consumer := "worker-" + uuid.New().String()[:8]
	w := queue.NewWorker(queue.WorkerConfig{
		Queue:    plat.queue,
		Handler:  NewJobHandler(plat.pipeline, plat.tenants, plat.usage, plat.log),
		Group:    "gateway-workers",
		Consumer: consumer,
		Logger:   plat.log,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		log.Printf("Worker %s consuming from %s queue", consumer, plat.queueBackend)
		if err := w.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("Worker stopped: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down worker...")
	cancel()
	<-done
}

func (p *platform) close() {
	if p.queue != nil {
		_ = p.queue.Close()
	}
	if p.db != nil {
		_ = p.db.Close()
	}
}
