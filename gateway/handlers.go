// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"axonflow/gateway/llm"
	"axonflow/gateway/pipeline"
	"axonflow/gateway/queue"
	"axonflow/gateway/shared/logger"
	"axonflow/gateway/usage"
)

// Version is reported by /health.
const Version = "1.0.0"

// UsageRecorder persists per-request consumption.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Gateway is the HTTP surface: authentication, admission, and the
// handoff to the pipeline (synchronous, streaming, or queued).
type Gateway struct {
	tenants   *TenantRegistry
	admission *AdmissionController
	quota     QuotaStore
	pipeline  *pipeline.Pipeline
	invoker   *llm.Invoker
	registry  *llm.Registry
	queue     queue.Queue
	usage     UsageRecorder
	log       *logger.Logger

	queueBackend string
}

// Options assembles a Gateway.
type Options struct {
	Tenants   *TenantRegistry
	Admission *AdmissionController
	Quota     QuotaStore
	Pipeline  *pipeline.Pipeline
	Invoker   *llm.Invoker
	Registry  *llm.Registry
	Queue     queue.Queue
	Usage     UsageRecorder
	Logger    *logger.Logger

	// QueueBackend names the active queue implementation for /health
	// ("redis" or "memory").
	QueueBackend string
}

// New creates a Gateway and registers its metrics.
func New(opts Options) *Gateway {
	registerGatewayMetrics()
	log := opts.Logger
	if log == nil {
		log = logger.New("gateway")
	}
	admission := opts.Admission
	if admission == nil {
		admission = NewAdmissionController()
	}
	quota := opts.Quota
	if quota == nil {
		quota = NewMemoryQuotaStore()
	}
	backend := opts.QueueBackend
	if backend == "" {
		backend = "memory"
	}
	return &Gateway{
		tenants:      opts.Tenants,
		admission:    admission,
		quota:        quota,
		pipeline:     opts.Pipeline,
		invoker:      opts.Invoker,
		registry:     opts.Registry,
		queue:        opts.Queue,
		usage:        opts.Usage,
		log:          log,
		queueBackend: backend,
	}
}

// Routes builds the gateway router.
func (g *Gateway) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/chat", g.handleChat).Methods("POST")
	r.HandleFunc("/v1/chat/async", g.handleChatAsync).Methods("POST")
	r.HandleFunc("/v1/models", g.handleModels).Methods("GET")
	r.HandleFunc("/health", g.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	return r
}

// Wire types

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type streamDelta struct {
	Content string `json:"content,omitempty"`
}

type streamChoice struct {
	Index        int         `json:"index"`
	Delta        streamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type streamChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []streamChoice `json:"choices"`
}

// JobPayload is the queued form of an async chat request.
type JobPayload struct {
	JobID     string        `json:"job_id"`
	TenantID  string        `json:"tenant_id"`
	Model     string        `json:"model,omitempty"`
	Messages  []chatMessage `json:"messages"`
	Temp      *float64      `json:"temperature,omitempty"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

// handleChat serves POST /v1/chat, synchronous and streaming.
func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := uuid.New().String()

	tenant, req, ok := g.admit(w, r, requestID, "sync")
	if !ok {
		return
	}

	state := g.buildState(tenant, requestID, req)

	if req.Stream {
		g.streamChat(w, r, tenant, requestID, state, start)
		return
	}

	result, err := g.pipeline.Run(r.Context(), state)
	if err != nil {
		g.writeError(w, tenant.ID, requestID, "sync", err)
		return
	}
	if result.Blocked {
		g.rejectBlocked(w, tenant.ID, requestID, "sync", result.BlockReason)
		return
	}

	g.recordUsage(tenant.ID, requestID, result.Model, result.Usage, result.Metrics.TotalCost, time.Since(start), false)
	gatewayRequestsTotal.WithLabelValues("sync", "ok").Inc()
	gatewayRequestDuration.Observe(float64(time.Since(start).Milliseconds()))

	writeJSON(w, http.StatusOK, chatResponse{
		ID:      requestID,
		Object:  "chat.completion",
		Created: start.Unix(),
		Model:   result.Model,
		Choices: []chatChoice{{
			Message:      chatMessage{Role: "assistant", Content: result.Content},
			FinishReason: "stop",
		}},
		Usage: chatUsage{
			InputTokens:  result.Usage.InputTokens,
			OutputTokens: result.Usage.OutputTokens,
			TotalTokens:  result.Usage.Total(),
		},
	})
}

// streamChat runs the pre-invocation nodes, then streams tokens as SSE
// data lines terminated by a literal [DONE].
func (g *Gateway) streamChat(w http.ResponseWriter, r *http.Request, tenant *Tenant, requestID string, state pipeline.State, start time.Time) {
	prepared, blocked, err := g.pipeline.Prepare(r.Context(), state)
	if err != nil {
		g.writeError(w, tenant.ID, requestID, "stream", err)
		return
	}
	if blocked != nil {
		g.rejectBlocked(w, tenant.ID, requestID, "stream", blocked.BlockReason)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		sendGatewayError(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	emit := func(chunk streamChunk) {
		data, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	resp, err := g.invoker.InvokeStream(r.Context(), tenant.ID, requestID, prepared.SelectedModel, llm.CompletionRequest{
		Messages:     prepared.FinalMessages,
		SystemPrompt: prepared.FinalPrompt,
		Temperature:  prepared.Temperature,
		MaxTokens:    prepared.MaxTokens,
	}, func(chunk llm.StreamChunk) error {
		if chunk.Type != "token" {
			return nil
		}
		emit(streamChunk{
			ID:      requestID,
			Object:  "chat.completion.chunk",
			Created: start.Unix(),
			Model:   prepared.SelectedModel,
			Choices: []streamChoice{{Delta: streamDelta{Content: chunk.Content}}},
		})
		return nil
	})
	if err != nil {
		// The status line is already gone; surface the failure as an
		// error event, then end the stream.
		g.log.Error(tenant.ID, requestID, "Stream failed mid-flight", map[string]interface{}{
			"error": err.Error(),
		})
		gatewayRequestsTotal.WithLabelValues("stream", "error").Inc()
		data, _ := json.Marshal(map[string]string{"error": "Upstream stream failed"})
		fmt.Fprintf(w, "data: %s\n\n", data)
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
		return
	}

	stop := "stop"
	emit(streamChunk{
		ID:      requestID,
		Object:  "chat.completion.chunk",
		Created: start.Unix(),
		Model:   resp.Model,
		Choices: []streamChoice{{FinishReason: &stop}},
	})
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()

	cost := g.estimateCost(resp.Model, resp.Usage)
	g.recordUsage(tenant.ID, requestID, resp.Model, resp.Usage, cost, time.Since(start), false)
	gatewayRequestsTotal.WithLabelValues("stream", "ok").Inc()
	gatewayRequestDuration.Observe(float64(time.Since(start).Milliseconds()))
}

// handleChatAsync serves POST /v1/chat/async: admit, enqueue, 202.
func (g *Gateway) handleChatAsync(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()

	tenant, req, ok := g.admit(w, r, requestID, "async")
	if !ok {
		return
	}
	if g.queue == nil {
		sendGatewayError(w, "Async processing is not configured", http.StatusServiceUnavailable)
		return
	}

	payload := JobPayload{
		JobID:     requestID,
		TenantID:  tenant.ID,
		Model:     req.Model,
		Messages:  req.Messages,
		Temp:      req.Temperature,
		MaxTokens: req.MaxTokens,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		sendGatewayError(w, "Failed to encode job", http.StatusInternalServerError)
		return
	}
	if _, err := g.queue.Enqueue(r.Context(), body); err != nil {
		g.log.Error(tenant.ID, requestID, "Enqueue failed", map[string]interface{}{"error": err.Error()})
		gatewayQueueJobsTotal.WithLabelValues("enqueue_failed").Inc()
		sendGatewayError(w, "Failed to enqueue job", http.StatusServiceUnavailable)
		return
	}

	gatewayQueueJobsTotal.WithLabelValues("enqueued").Inc()
	gatewayRequestsTotal.WithLabelValues("async", "accepted").Inc()
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id": requestID,
		"status": "queued",
	})
}

// handleModels serves GET /v1/models filtered by the tenant allow-list.
func (g *Gateway) handleModels(w http.ResponseWriter, r *http.Request) {
	tenant, err := g.tenants.Authenticate(r.Header.Get("Authorization"))
	if err != nil {
		sendGatewayError(w, "Invalid or missing credentials", http.StatusUnauthorized)
		return
	}

	allowed := make(map[string]bool, len(tenant.AllowedModels))
	for _, id := range tenant.AllowedModels {
		allowed[id] = true
	}

	type modelEntry struct {
		ID          string   `json:"id"`
		Provider    string   `json:"provider"`
		DisplayName string   `json:"display_name"`
		Tags        []string `json:"tags,omitempty"`
	}
	models := []modelEntry{}
	for _, spec := range g.registry.List() {
		if len(allowed) > 0 && !allowed[spec.ModelID] {
			continue
		}
		models = append(models, modelEntry{
			ID:          spec.ModelID,
			Provider:    string(spec.Provider),
			DisplayName: spec.DisplayName,
			Tags:        spec.Tags,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"models": models})
}

// handleHealth serves GET /health.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":  "healthy",
		"version": Version,
		"queue":   g.queueBackend,
	}
	if g.invoker != nil {
		health["circuits"] = g.invoker.Breakers()
	}
	writeJSON(w, http.StatusOK, health)
}

// admit authenticates the caller, decodes the request body, and runs
// rate-limit plus quota checks. On rejection it writes the response
// itself and returns ok=false.
func (g *Gateway) admit(w http.ResponseWriter, r *http.Request, requestID, mode string) (*Tenant, *chatRequest, bool) {
	tenant, err := g.tenants.Authenticate(r.Header.Get("Authorization"))
	if err != nil {
		gatewayRequestsTotal.WithLabelValues(mode, "unauthorized").Inc()
		sendGatewayError(w, "Invalid or missing credentials", http.StatusUnauthorized)
		return nil, nil, false
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendGatewayError(w, "Invalid request body", http.StatusBadRequest)
		return nil, nil, false
	}
	if len(req.Messages) == 0 {
		sendGatewayError(w, "messages field is required", http.StatusBadRequest)
		return nil, nil, false
	}

	if allowed, retryAfter := g.admission.Check(tenant.ID, tenant.RateLimitRPM); !allowed {
		g.rejectAdmission(w, tenant.ID, requestID, mode, &AdmissionRejectedError{
			TenantID:   tenant.ID,
			Reason:     "rate_limit",
			RetryAfter: retryAfter,
		})
		return nil, nil, false
	}

	withinQuota, err := g.quota.Consume(r.Context(), tenant.ID, tenant.MonthlyQuota)
	if err != nil {
		// Fail open on quota backend trouble; rate limiting still holds.
		g.log.Warn(tenant.ID, requestID, "Quota check failed, admitting", map[string]interface{}{
			"error": err.Error(),
		})
	} else if !withinQuota {
		g.rejectAdmission(w, tenant.ID, requestID, mode, &AdmissionRejectedError{
			TenantID: tenant.ID,
			Reason:   "monthly_quota",
		})
		return nil, nil, false
	}

	return tenant, &req, true
}

func (g *Gateway) buildState(tenant *Tenant, requestID string, req *chatRequest) pipeline.State {
	messages := make([]llm.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}
	return pipeline.State{
		TenantID:       tenant.ID,
		RequestID:      requestID,
		Messages:       messages,
		RequestedModel: req.Model,
		RequestedTemp:  req.Temperature,
		MaxTokens:      req.MaxTokens,
		ExpectedFormat: tenant.ExpectedFormat,
		TierOverride:   tenant.QualityTier,
		SystemPrompt:   tenant.SystemPrompt,
		TenantDefault:  tenant.DefaultModel,
		AllowedModels:  tenant.AllowedModels,
	}
}

func (g *Gateway) rejectAdmission(w http.ResponseWriter, tenantID, requestID, mode string, rejection *AdmissionRejectedError) {
	g.log.Warn(tenantID, requestID, "Admission rejected", map[string]interface{}{
		"reason":      rejection.Reason,
		"retry_after": rejection.RetryAfter,
	})
	gatewayAdmissionRejected.WithLabelValues(rejection.Reason).Inc()
	gatewayRequestsTotal.WithLabelValues(mode, "rejected").Inc()
	if rejection.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(math.Ceil(rejection.RetryAfter))))
	}
	sendGatewayError(w, "Rate limit exceeded, slow down", http.StatusTooManyRequests)
}

// rejectBlocked writes the terse safety rejection. The matched rule is
// logged server-side; neither it nor the offending content is echoed.
func (g *Gateway) rejectBlocked(w http.ResponseWriter, tenantID, requestID, mode, rule string) {
	blocked := &SafetyBlockedError{TenantID: tenantID, Rule: rule}
	g.log.Warn(tenantID, requestID, "Request blocked by safety gate", map[string]interface{}{
		"rule":  rule,
		"error": blocked.Error(),
	})
	gatewayBlockedTotal.WithLabelValues(rule).Inc()
	gatewayRequestsTotal.WithLabelValues(mode, "blocked").Inc()
	sendGatewayError(w, "Request rejected by content policy", http.StatusBadRequest)
}

// writeError maps pipeline failures to the HTTP taxonomy.
func (g *Gateway) writeError(w http.ResponseWriter, tenantID, requestID, mode string, err error) {
	g.log.Error(tenantID, requestID, "Request failed", map[string]interface{}{"error": err.Error()})

	switch {
	case errors.Is(err, pipeline.ErrNodeTimeout), errors.Is(err, context.DeadlineExceeded):
		gatewayRequestsTotal.WithLabelValues(mode, "timeout").Inc()
		sendGatewayError(w, "Request timed out", http.StatusGatewayTimeout)
	default:
		gatewayRequestsTotal.WithLabelValues(mode, "upstream_error").Inc()
		sendGatewayError(w, "Upstream model invocation failed", http.StatusBadGateway)
	}
}

func (g *Gateway) recordUsage(tenantID, requestID, model string, u llm.UsageStats, cost float64, latency time.Duration, blocked bool) {
	gatewayLLMTokensTotal.WithLabelValues(model, "input").Add(float64(u.InputTokens))
	gatewayLLMTokensTotal.WithLabelValues(model, "output").Add(float64(u.OutputTokens))
	gatewayLLMCostTotal.WithLabelValues(model).Add(cost)

	if g.usage == nil {
		return
	}
	rec := usage.Record{
		RequestID:    requestID,
		TenantID:     tenantID,
		Model:        model,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		CostUSD:      cost,
		LatencyMS:    latency.Milliseconds(),
		Blocked:      blocked,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = g.usage.Record(ctx, rec)
	}()
}

func (g *Gateway) estimateCost(modelID string, u llm.UsageStats) float64 {
	spec, ok := g.registry.Get(modelID)
	if !ok {
		return 0
	}
	return float64(u.InputTokens)/1000.0*spec.CostPer1KInput +
		float64(u.OutputTokens)/1000.0*spec.CostPer1KOutput
}

func sendGatewayError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   message,
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}
