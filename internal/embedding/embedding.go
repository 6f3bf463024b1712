// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

// Package embedding defines the text embedding capability and the helpers
// shared by every backend: batching, per-call timeouts, normalisation and
// cosine similarity.
package embedding

import (
	"context"
	"errors"
	"math"
	"time"

	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

// Embedder turns text into fixed-length vectors. EmbedBatch must return
// exactly the vectors that calling Embed on each text would.
type Embedder interface {
	Name() string
	Dimensions() int
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbedAll embeds texts in batches of at most batchSize and checks that
// every returned vector has the embedder's dimensionality.
func EmbedAll(ctx context.Context, e Embedder, texts []string, batchSize int) ([][]float32, error) {
	if batchSize <= 0 {
		batchSize = len(texts)
	}
	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		end := min(start+batchSize, len(texts))
		batch, err := e.EmbedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		if len(batch) != end-start {
			return nil, quarryerr.Errorf(quarryerr.CodeEmbeddingResponseInvalid,
				"%s returned %d vectors for %d texts", e.Name(), len(batch), end-start)
		}
		for _, v := range batch {
			if len(v) != e.Dimensions() {
				return nil, quarryerr.Errorf(quarryerr.CodeEmbeddingResponseInvalid,
					"%s returned a %d-dimensional vector, expected %d", e.Name(), len(v), e.Dimensions())
			}
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

// WithTimeout bounds every call to e by d. A call that runs out of time
// fails with an embedding timeout error.
func WithTimeout(e Embedder, d time.Duration) Embedder {
	if d <= 0 {
		return e
	}
	return &timeoutEmbedder{inner: e, timeout: d}
}

type timeoutEmbedder struct {
	inner   Embedder
	timeout time.Duration
}

func (t *timeoutEmbedder) Name() string    { return t.inner.Name() }
func (t *timeoutEmbedder) Dimensions() int { return t.inner.Dimensions() }

func (t *timeoutEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	v, err := t.inner.Embed(ctx, text)
	return v, t.classify(ctx, err)
}

func (t *timeoutEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	v, err := t.inner.EmbedBatch(ctx, texts)
	return v, t.classify(ctx, err)
}

func (t *timeoutEmbedder) classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !quarryerr.IsTimeout(err) {
		return quarryerr.Wrapf(err, quarryerr.CodeEmbeddingUpstreamTimeout,
			"%s: embedding exceeded %s", t.inner.Name(), t.timeout)
	}
	return err
}

// UpstreamError classifies a failed backend call. status is the HTTP status
// when the backend reported one, otherwise zero.
func UpstreamError(backend string, status int, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || status == 408 || status == 504:
		return quarryerr.Wrap(err, quarryerr.CodeEmbeddingUpstreamTimeout, backend+": embedding timed out",
			quarryerr.FieldProvider(backend))
	case status >= 400 && status < 500 && status != 429:
		return quarryerr.Wrap(err, quarryerr.CodeEmbeddingRequestInvalid, backend+": embedding request rejected",
			quarryerr.FieldProvider(backend))
	default:
		return quarryerr.Wrap(err, quarryerr.CodeEmbeddingUpstreamFailure, backend+": embedding failed",
			quarryerr.FieldProvider(backend))
	}
}

// Normalize scales v to unit length in place and returns it. A zero vector
// is returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}

// Cosine returns the cosine similarity of a and b. Vectors of different
// length or with zero magnitude have similarity 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
