// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package ingest_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quarry-dev/quarry/internal/chunk"
	"github.com/quarry-dev/quarry/internal/embedding"
	"github.com/quarry-dev/quarry/internal/index"
	"github.com/quarry-dev/quarry/internal/ingest"
	"github.com/quarry-dev/quarry/internal/store"
	_ "github.com/quarry-dev/quarry/internal/store/sqlite"
)

const dims = 32

// flakyEmbedder wraps the hashing embedder and fails on demand.
type flakyEmbedder struct {
	*embedding.Hashing
	fail error
}

func (f *flakyEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	return f.Hashing.EmbedBatch(ctx, texts)
}

type env struct {
	stores   *store.Stores
	index    *index.Index
	embedder *flakyEmbedder
	indexer  *ingest.Indexer
	service  *ingest.Service
}

func newEnv(t *testing.T, opts ...ingest.ServiceOption) *env {
	t.Helper()
	dir, err := os.MkdirTemp("", "quarry-ingest-*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	stores, err := store.Open(&store.StorageConfig{Backend: "sqlite", DataDir: dir, VectorDimensions: dims})
	require.NoError(t, err)
	t.Cleanup(func() { _ = stores.Close() })

	ix, err := index.New(context.Background(), stores.Vectors, dims)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ix.Close() })

	h, err := embedding.NewHashing(dims)
	require.NoError(t, err)
	emb := &flakyEmbedder{Hashing: h}

	ch, err := chunk.New(chunk.WithChunkSize(120), chunk.WithOverlap(20))
	require.NoError(t, err)

	indexer := ingest.NewIndexer(ch, emb, ix, stores.Chunks,
		ingest.WithEmbedBatchSize(4),
		ingest.WithIndexClock(func() time.Time { return time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC) }))

	return &env{
		stores:   stores,
		index:    ix,
		embedder: emb,
		indexer:  indexer,
		service:  ingest.NewService(stores.Files, stores.Chunks, indexer, opts...),
	}
}

const report = `Quarterly revenue rose 10% on strong subscription demand across every region.

Net income fell due to costs from the new data centre and higher staffing expenses.

The board approved a dividend and a share buyback programme for the coming year.`
