// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

// Package retrieval turns a question into ranked passages and renders them
// into a bounded context block for the generation backend.
package retrieval

import (
	"context"
	"strings"

	"github.com/quarry-dev/quarry/internal/embedding"
	"github.com/quarry-dev/quarry/internal/store"
	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

// DefaultTopK is used when no top_k is configured.
const DefaultTopK = 5

// Searcher is the read side of the tenant index.
type Searcher interface {
	Query(ctx context.Context, tenantID string, query []float32, topK int, minSimilarity float64) ([]store.RetrievalResult, error)
}

// Params bounds one retrieval.
type Params struct {
	TopK          int
	MinSimilarity float64
}

// Retriever embeds a query and searches the caller's tenant index.
type Retriever struct {
	embedder embedding.Embedder
	index    Searcher
	defaults Params
}

// NewRetriever creates a Retriever. defaults apply to callers that do not
// choose their own parameters; a non-positive TopK becomes DefaultTopK.
func NewRetriever(embedder embedding.Embedder, index Searcher, defaults Params) *Retriever {
	if defaults.TopK <= 0 {
		defaults.TopK = DefaultTopK
	}
	return &Retriever{embedder: embedder, index: index, defaults: defaults}
}

// Defaults returns the configured parameters.
func (r *Retriever) Defaults() Params { return r.defaults }

// Retrieve returns the passages of tenantID most similar to query, best
// first. A tenant with nothing indexed yields an empty result, not an error.
// Embedding failures come back as embedding backend errors so callers can
// decide whether to degrade.
func (r *Retriever) Retrieve(ctx context.Context, tenantID, query string, p Params) ([]store.RetrievalResult, error) {
	if tenantID == "" {
		return nil, quarryerr.New(quarryerr.CodeRetrievalRequestInvalid, "retrieve: tenant id is required")
	}
	if strings.TrimSpace(query) == "" {
		return nil, quarryerr.New(quarryerr.CodeRetrievalRequestInvalid, "retrieve: query is empty")
	}
	if p.TopK <= 0 {
		return nil, quarryerr.Errorf(quarryerr.CodeRetrievalRequestInvalid, "retrieve: top_k must be positive, got %d", p.TopK)
	}

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		if !quarryerr.IsEmbeddingBackend(err) {
			err = embedding.UpstreamError(r.embedder.Name(), 0, err)
		}
		return nil, err
	}

	return r.index.Query(ctx, tenantID, vec, p.TopK, p.MinSimilarity)
}
