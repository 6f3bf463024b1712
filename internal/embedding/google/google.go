// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

// Package google embeds text with the Gemini embeddings API.
package google

import (
	"context"
	"errors"

	"google.golang.org/genai"

	"github.com/quarry-dev/quarry/internal/embedding"
	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "gemini-embedding-001"

// Config holds Gemini embedder configuration.
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int
}

// Embedder implements embedding.Embedder with the genai SDK.
type Embedder struct {
	client *genai.Client
	model  string
	dims   int
}

var _ embedding.Embedder = (*Embedder)(nil)

func New(ctx context.Context, cfg Config) (*Embedder, error) {
	if cfg.APIKey == "" {
		return nil, quarryerr.New(quarryerr.CodeEmbeddingRequestInvalid, "google: missing api_key in config",
			quarryerr.FieldProvider("google"))
	}
	if cfg.Dimensions <= 0 {
		return nil, quarryerr.Errorf(quarryerr.CodeEmbeddingRequestInvalid, "google: dimensions must be positive, got %d", cfg.Dimensions)
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      cfg.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: cfg.BaseURL},
	})
	if err != nil {
		return nil, quarryerr.Wrapf(err, quarryerr.CodeEmbeddingUpstreamFailure, "google: creating client")
	}
	return &Embedder{client: client, model: cfg.Model, dims: cfg.Dimensions}, nil
}

func (e *Embedder) Name() string    { return "google" }
func (e *Embedder) Dimensions() int { return e.dims }

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}
	dims := int32(e.dims)
	resp, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
		OutputDimensionality: &dims,
	})
	if err != nil {
		return nil, embedding.UpstreamError(e.Name(), statusOf(err), err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, quarryerr.Errorf(quarryerr.CodeEmbeddingResponseInvalid,
			"google: got %d embeddings for %d inputs", len(resp.Embeddings), len(texts))
	}

	out := make([][]float32, len(texts))
	for i, emb := range resp.Embeddings {
		if emb == nil || len(emb.Values) != e.dims {
			return nil, quarryerr.Errorf(quarryerr.CodeEmbeddingResponseInvalid,
				"google: embedding %d does not have %d dimensions", i, e.dims)
		}
		// Gemini only returns unit vectors at full size.
		out[i] = embedding.Normalize(append([]float32(nil), emb.Values...))
	}
	return out, nil
}

func statusOf(err error) int {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return apiErrPtr.Code
	}
	return 0
}
