// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package embedding_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-dev/quarry/internal/embedding"
	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

// recordingEmbedder returns constant vectors and records batch sizes.
type recordingEmbedder struct {
	dims    int
	batches []int
	short   bool
	wide    bool
	block   bool
}

func (r *recordingEmbedder) Name() string    { return "recording" }
func (r *recordingEmbedder) Dimensions() int { return r.dims }

func (r *recordingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := r.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (r *recordingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if r.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	r.batches = append(r.batches, len(texts))
	n := len(texts)
	if r.short {
		n--
	}
	dims := r.dims
	if r.wide {
		dims++
	}
	out := make([][]float32, n)
	for i := range out {
		out[i] = make([]float32, dims)
	}
	return out, nil
}

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

// --- Hashing ---

func TestHashing_RejectsNonPositiveDimensions(t *testing.T) {
	_, err := embedding.NewHashing(0)
	require.Error(t, err)
	assert.True(t, quarryerr.IsInvalidInput(err))
}

func TestHashing_DeterministicAndNormalised(t *testing.T) {
	h, err := embedding.NewHashing(384)
	require.NoError(t, err)
	ctx := context.Background()

	a, err := h.Embed(ctx, "Quarterly revenue rose 10%")
	require.NoError(t, err)
	b, err := h.Embed(ctx, "Quarterly revenue rose 10%")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, 384)
	assert.InDelta(t, 1.0, norm(a), 1e-5)
}

func TestHashing_EmptyTextIsZeroVector(t *testing.T) {
	h, err := embedding.NewHashing(16)
	require.NoError(t, err)

	v, err := h.Embed(context.Background(), "  ")
	require.NoError(t, err)
	assert.Equal(t, make([]float32, 16), v)
}

func TestHashing_BatchMatchesSingleCalls(t *testing.T) {
	h, err := embedding.NewHashing(64)
	require.NoError(t, err)
	ctx := context.Background()
	texts := []string{"alpha beta", "gamma", "", "delta epsilon zeta"}

	batch, err := h.EmbedBatch(ctx, texts)
	require.NoError(t, err)
	require.Len(t, batch, len(texts))
	for i, text := range texts {
		single, err := h.Embed(ctx, text)
		require.NoError(t, err)
		assert.Equal(t, single, batch[i], "text %q", text)
	}
}

func TestHashing_SharedWordsAreSimilar(t *testing.T) {
	h, err := embedding.NewHashing(384)
	require.NoError(t, err)
	ctx := context.Background()

	base, _ := h.Embed(ctx, "quarterly revenue rose")
	related, _ := h.Embed(ctx, "Revenue rose sharply!")
	unrelated, _ := h.Embed(ctx, "the cat sat on a mat")

	simRelated := embedding.Cosine(base, related)
	assert.Greater(t, simRelated, 0.5)
	assert.Greater(t, simRelated, embedding.Cosine(base, unrelated))
}

func TestHashing_CancelledContext(t *testing.T) {
	h, err := embedding.NewHashing(8)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = h.Embed(ctx, "x")
	require.Error(t, err)
	assert.True(t, quarryerr.IsEmbeddingBackend(err))
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"what", "happened", "to", "revenue"}, embedding.Tokenize("What happened to revenue?"))
	assert.Equal(t, []string{"über", "10"}, embedding.Tokenize("Über, 10%"))
	assert.Empty(t, embedding.Tokenize("!?"))
}

// --- Cosine / Normalize ---

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"scaled", []float32{1, 0}, []float32{5, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 1}, []float32{-1, -1}, -1},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
		{"length mismatch", []float32{1}, []float32{1, 0}, 0},
		{"empty", nil, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, embedding.Cosine(tt.a, tt.b), 1e-9)
		})
	}
}

func TestNormalize(t *testing.T) {
	v := embedding.Normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	zero := embedding.Normalize([]float32{0, 0})
	assert.Equal(t, []float32{0, 0}, zero)
}

// --- EmbedAll ---

func TestEmbedAll_Batches(t *testing.T) {
	e := &recordingEmbedder{dims: 3}
	texts := []string{"a", "b", "c", "d", "e"}

	vectors, err := embedding.EmbedAll(context.Background(), e, texts, 2)
	require.NoError(t, err)
	assert.Len(t, vectors, 5)
	assert.Equal(t, []int{2, 2, 1}, e.batches)
}

func TestEmbedAll_NonPositiveBatchSizeSendsOneBatch(t *testing.T) {
	e := &recordingEmbedder{dims: 3}
	_, err := embedding.EmbedAll(context.Background(), e, []string{"a", "b", "c"}, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, e.batches)
}

func TestEmbedAll_RejectsMalformedResponses(t *testing.T) {
	tests := []struct {
		name string
		e    *recordingEmbedder
	}{
		{"missing vector", &recordingEmbedder{dims: 3, short: true}},
		{"wrong dimensions", &recordingEmbedder{dims: 3, wide: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := embedding.EmbedAll(context.Background(), tt.e, []string{"a", "b"}, 10)
			require.Error(t, err)
			assert.True(t, quarryerr.HasCode(err, quarryerr.CodeEmbeddingResponseInvalid))
			assert.True(t, quarryerr.IsEmbeddingBackend(err))
		})
	}
}

// --- WithTimeout ---

func TestWithTimeout_ClassifiesDeadline(t *testing.T) {
	e := embedding.WithTimeout(&recordingEmbedder{dims: 2, block: true}, 20*time.Millisecond)

	start := time.Now()
	_, err := e.Embed(context.Background(), "slow")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, quarryerr.IsTimeout(err))
	assert.True(t, quarryerr.IsEmbeddingBackend(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestWithTimeout_PassesThrough(t *testing.T) {
	inner := &recordingEmbedder{dims: 2}
	e := embedding.WithTimeout(inner, time.Second)
	assert.Equal(t, "recording", e.Name())
	assert.Equal(t, 2, e.Dimensions())

	v, err := e.EmbedBatch(context.Background(), []string{"a"})
	require.NoError(t, err)
	assert.Len(t, v, 1)

	assert.Same(t, inner, embedding.WithTimeout(inner, 0))
}

// --- UpstreamError ---

func TestUpstreamError(t *testing.T) {
	base := errors.New("boom")
	tests := []struct {
		status  int
		err     error
		want    quarryerr.Code
		timeout bool
	}{
		{0, fmt.Errorf("dial: %w", context.DeadlineExceeded), quarryerr.CodeEmbeddingUpstreamTimeout, true},
		{504, base, quarryerr.CodeEmbeddingUpstreamTimeout, true},
		{400, base, quarryerr.CodeEmbeddingRequestInvalid, false},
		{429, base, quarryerr.CodeEmbeddingUpstreamFailure, false},
		{500, base, quarryerr.CodeEmbeddingUpstreamFailure, false},
		{0, base, quarryerr.CodeEmbeddingUpstreamFailure, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%v", tt.status, tt.err), func(t *testing.T) {
			err := embedding.UpstreamError("openai", tt.status, tt.err)
			assert.Equal(t, tt.want, quarryerr.CodeOf(err))
			assert.Equal(t, tt.timeout, quarryerr.IsTimeout(err))
			assert.True(t, quarryerr.IsEmbeddingBackend(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}
