// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"fmt"
	"sort"
	"sync"
)

// BaselineModel is the system-wide default used when neither the request
// nor the tenant names a usable model.
const BaselineModel = "claude-sonnet-4-20250514"

// Registry holds the set of models the gateway will route to, plus the
// single-hop fallback chain between them. The registry is populated at
// startup and read-only afterward; the mutex exists for tests that
// register models on a live instance.
type Registry struct {
	mu        sync.RWMutex
	models    map[string]ModelSpec
	fallbacks map[string]string
}

// NewRegistry creates an empty model registry.
func NewRegistry() *Registry {
	return &Registry{
		models:    make(map[string]ModelSpec),
		fallbacks: make(map[string]string),
	}
}

// DefaultRegistry returns a registry seeded with the stock model catalogue
// and fallback chain.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(ModelSpec{
		ModelID:         "claude-sonnet-4-20250514",
		Provider:        ProviderTypeAnthropic,
		DisplayName:     "Claude Sonnet 4",
		ContextWindow:   200000,
		MaxOutputTokens: 8192,
		CostPer1KInput:  0.003,
		CostPer1KOutput: 0.015,
		Tags:            []string{"reasoning", "code"},
	})
	r.Register(ModelSpec{
		ModelID:         "gpt-4o",
		Provider:        ProviderTypeOpenAI,
		DisplayName:     "GPT-4o",
		ContextWindow:   128000,
		MaxOutputTokens: 16384,
		CostPer1KInput:  0.0025,
		CostPer1KOutput: 0.01,
		Tags:            []string{"reasoning", "multimodal"},
	})
	r.Register(ModelSpec{
		ModelID:         "gpt-4o-mini",
		Provider:        ProviderTypeOpenAI,
		DisplayName:     "GPT-4o mini",
		ContextWindow:   128000,
		MaxOutputTokens: 16384,
		CostPer1KInput:  0.00015,
		CostPer1KOutput: 0.0006,
		Tags:            []string{"fast"},
	})
	for src, dst := range map[string]string{
		"claude-sonnet-4-20250514": "gpt-4o",
		"gpt-4o":                   "claude-sonnet-4-20250514",
		"gpt-4o-mini":              "gpt-4o",
	} {
		if err := r.SetFallback(src, dst); err != nil {
			panic(fmt.Sprintf("llm: default fallback chain: %v", err))
		}
	}
	return r
}

// Register adds or replaces a model spec.
func (r *Registry) Register(spec ModelSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[spec.ModelID] = spec
}

// Get returns the spec for a model ID.
func (r *Registry) Get(modelID string) (ModelSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.models[modelID]
	return spec, ok
}

// List returns all registered specs sorted by model ID.
func (r *Registry) List() []ModelSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]ModelSpec, 0, len(r.models))
	for _, spec := range r.models {
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].ModelID < specs[j].ModelID })
	return specs
}

// SetFallback declares dst as the single-hop fallback for src. Both ends
// must already be registered and must differ.
func (r *Registry) SetFallback(src, dst string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if src == dst {
		return fmt.Errorf("fallback for %s points at itself", src)
	}
	if _, ok := r.models[src]; !ok {
		return fmt.Errorf("fallback source %s is not registered", src)
	}
	if _, ok := r.models[dst]; !ok {
		return fmt.Errorf("fallback target %s is not registered", dst)
	}
	r.fallbacks[src] = dst
	return nil
}

// Fallback returns the single-hop fallback model for src, if one is
// declared. Fallbacks never chain: the caller tries src, then at most
// the returned model, and stops.
func (r *Registry) Fallback(src string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dst, ok := r.fallbacks[src]
	return dst, ok
}

// ValidateFallbackChain verifies every declared fallback is usable:
// both endpoints registered and no self-loops. Returns the first
// problem found.
func (r *Registry) ValidateFallbackChain() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for src, dst := range r.fallbacks {
		if _, ok := r.models[src]; !ok {
			return fmt.Errorf("fallback source %s is not registered", src)
		}
		if _, ok := r.models[dst]; !ok {
			return fmt.Errorf("fallback target %s for %s is not registered", dst, src)
		}
		if src == dst {
			return fmt.Errorf("fallback for %s points at itself", src)
		}
	}
	return nil
}

// Resolve picks the model an incoming request should use.
//
// Priority order: an explicitly requested model wins when it is registered
// and the tenant's allow list permits it; otherwise the tenant's default
// model wins when registered; otherwise the baseline model. An empty allow
// list permits every registered model.
func (r *Registry) Resolve(requested, tenantDefault string, allowed []string) string {
	if requested != "" {
		if _, ok := r.Get(requested); ok && modelAllowed(requested, allowed) {
			return requested
		}
	}
	if tenantDefault != "" {
		if _, ok := r.Get(tenantDefault); ok {
			return tenantDefault
		}
	}
	return BaselineModel
}

func modelAllowed(modelID string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, m := range allowed {
		if m == modelID {
			return true
		}
	}
	return false
}
