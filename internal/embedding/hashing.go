// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package embedding

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"

	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

// Hashing is an offline embedder using the hashing trick over lower-cased
// word tokens and their bigrams. It needs no network and is deterministic,
// which makes it the default for local use and tests.
type Hashing struct {
	dims int
}

var _ Embedder = (*Hashing)(nil)

// NewHashing creates a hashing embedder producing dims-dimensional vectors.
func NewHashing(dims int) (*Hashing, error) {
	if dims <= 0 {
		return nil, quarryerr.Errorf(quarryerr.CodeEmbeddingBackendUnknown, "hashing: dimensions must be positive, got %d", dims)
	}
	return &Hashing{dims: dims}, nil
}

func (h *Hashing) Name() string    { return "hashing" }
func (h *Hashing) Dimensions() int { return h.dims }

func (h *Hashing) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, UpstreamError(h.Name(), 0, err)
	}
	return h.vector(text), nil
}

func (h *Hashing) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := h.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (h *Hashing) vector(text string) []float32 {
	v := make([]float32, h.dims)
	tokens := Tokenize(text)
	for i, tok := range tokens {
		h.add(v, tok, 1)
		if i > 0 {
			h.add(v, tokens[i-1]+" "+tok, 0.5)
		}
	}
	return Normalize(v)
}

// add folds one feature into v. The top hash bit picks the sign so that
// collisions cancel out on average.
func (h *Hashing) add(v []float32, feature string, weight float32) {
	f := fnv.New64a()
	_, _ = f.Write([]byte(feature))
	sum := f.Sum64()
	idx := int(sum % uint64(h.dims))
	if sum>>63 == 1 {
		weight = -weight
	}
	v[idx] += weight
}

// Tokenize lower-cases text and splits it into runs of letters and digits.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
