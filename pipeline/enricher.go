// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package pipeline

import (
	"context"
	"fmt"
	"strings"
)

// ContextProvider retrieves tenant-scoped context chunks for a query.
// Implementations may back onto a vector store, a document index, or
// nothing at all (return nil, nil to skip enrichment).
type ContextProvider interface {
	Retrieve(ctx context.Context, tenantID, query string, topK int) ([]ContextChunk, error)
}

// DefaultTopK is how many chunks the enricher asks the provider for.
const DefaultTopK = 5

// ContextEnricher folds retrieved context into the system prompt before
// strategy selection. Retrieval failures degrade to an un-enriched prompt
// rather than failing the request.
type ContextEnricher struct {
	provider ContextProvider
}

// NewContextEnricher creates the enricher. A nil provider disables
// retrieval; the node still passes the system prompt through.
func NewContextEnricher(provider ContextProvider) *ContextEnricher {
	return &ContextEnricher{provider: provider}
}

// Name returns the node name.
func (e *ContextEnricher) Name() string { return "enrich" }

// Run implements the pipeline node contract.
func (e *ContextEnricher) Run(ctx context.Context, s State) (Delta, error) {
	query := latestUser(s.Messages)

	var chunks []ContextChunk
	if e.provider != nil && query != "" && s.TenantID != "" {
		retrieved, err := e.provider.Retrieve(ctx, s.TenantID, query, DefaultTopK)
		if err == nil {
			chunks = retrieved
		}
	}

	enriched := s.SystemPrompt
	if len(chunks) > 0 {
		var sections []string
		for _, c := range chunks {
			title := c.Title
			if title == "" {
				title = "document"
			}
			sections = append(sections, fmt.Sprintf("[Source: %s]\n%s", title, c.Content))
		}
		enriched += "\n\n## Relevant Context\n" +
			"Use the following information to inform your response:\n\n" +
			strings.Join(sections, "\n\n---\n\n")
	}

	return Delta{
		ContextChunks:  chunks,
		ContextQuery:   strPtr(query),
		EnrichedPrompt: strPtr(enriched),
	}, nil
}
