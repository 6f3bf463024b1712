// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

// Package openai embeds text with the OpenAI embeddings API, or any server
// that speaks the same protocol.
package openai

import (
	"context"
	"errors"
	"sort"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/quarry-dev/quarry/internal/embedding"
	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "text-embedding-3-small"

// Config holds OpenAI embedder configuration.
type Config struct {
	APIKey     string
	BaseURL    string // optional, useful for testing against a mock server
	Model      string
	Dimensions int
	MaxRetries int
}

// Embedder implements embedding.Embedder with the OpenAI SDK.
type Embedder struct {
	client openaisdk.Client
	model  string
	dims   int
}

var _ embedding.Embedder = (*Embedder)(nil)

// New creates an OpenAI embedder. The API key and a positive dimension count
// are required.
func New(cfg Config) (*Embedder, error) {
	if cfg.APIKey == "" {
		return nil, quarryerr.New(quarryerr.CodeEmbeddingRequestInvalid, "openai: missing api_key in config",
			quarryerr.FieldProvider("openai"))
	}
	if cfg.Dimensions <= 0 {
		return nil, quarryerr.Errorf(quarryerr.CodeEmbeddingRequestInvalid, "openai: dimensions must be positive, got %d", cfg.Dimensions)
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Embedder{
		client: openaisdk.NewClient(opts...),
		model:  cfg.Model,
		dims:   cfg.Dimensions,
	}, nil
}

func (e *Embedder) Name() string    { return "openai" }
func (e *Embedder) Dimensions() int { return e.dims }

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch sends all texts in one request. Results are placed by the index
// the API reports, not by response order.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := e.client.Embeddings.New(ctx, openaisdk.EmbeddingNewParams{
		Model:          openaisdk.EmbeddingModel(e.model),
		Input:          openaisdk.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Dimensions:     param.NewOpt(int64(e.dims)),
		EncodingFormat: openaisdk.EmbeddingNewParamsEncodingFormatFloat,
	})
	if err != nil {
		return nil, embedding.UpstreamError(e.Name(), statusOf(err), err)
	}

	data := resp.Data
	if len(data) != len(texts) {
		return nil, quarryerr.Errorf(quarryerr.CodeEmbeddingResponseInvalid,
			"openai: got %d embeddings for %d inputs", len(data), len(texts))
	}
	sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })

	out := make([][]float32, len(data))
	for i, d := range data {
		if int(d.Index) != i {
			return nil, quarryerr.Errorf(quarryerr.CodeEmbeddingResponseInvalid, "openai: unexpected embedding index %d", d.Index)
		}
		if len(d.Embedding) != e.dims {
			return nil, quarryerr.Errorf(quarryerr.CodeEmbeddingResponseInvalid,
				"openai: embedding %d has %d dimensions, expected %d", i, len(d.Embedding), e.dims)
		}
		v := make([]float32, len(d.Embedding))
		for j, x := range d.Embedding {
			v[j] = float32(x)
		}
		out[i] = v
	}
	return out, nil
}

func statusOf(err error) int {
	var apiErr *openaisdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
