// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package ingest

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/quarry-dev/quarry/internal/chunk"
	"github.com/quarry-dev/quarry/internal/embedding"
	"github.com/quarry-dev/quarry/internal/store"
	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

// DefaultEmbedBatchSize bounds how many chunks go to the embedder per call.
const DefaultEmbedBatchSize = 64

// VectorIndex is the write side of the tenant index.
type VectorIndex interface {
	ReplaceFile(ctx context.Context, tenantID, fileID string, entries []store.IndexEntry) ([]string, error)
	DeleteByFile(ctx context.Context, tenantID, fileID string) ([]string, error)
	// ChunkIDsByFile lists the chunk ids currently searchable for a file.
	ChunkIDsByFile(tenantID, fileID string) []string
}

// Indexer keeps a file's vector records and chunk metadata in step.
// Operations on the same file are serialised; different files proceed in
// parallel.
type Indexer struct {
	chunker   *chunk.Chunker
	embedder  embedding.Embedder
	index     VectorIndex
	chunks    store.ChunkStore
	batchSize int
	now       func() time.Time

	locks fileLocks
}

// IndexerOption configures an Indexer.
type IndexerOption func(*Indexer)

// WithEmbedBatchSize sets the embedding batch size.
func WithEmbedBatchSize(n int) IndexerOption {
	return func(ix *Indexer) {
		if n > 0 {
			ix.batchSize = n
		}
	}
}

// WithIndexClock overrides the creation time stamped on vector records.
func WithIndexClock(now func() time.Time) IndexerOption {
	return func(ix *Indexer) { ix.now = now }
}

// NewIndexer creates an Indexer.
func NewIndexer(chunker *chunk.Chunker, embedder embedding.Embedder, index VectorIndex, chunks store.ChunkStore, opts ...IndexerOption) *Indexer {
	ix := &Indexer{
		chunker:   chunker,
		embedder:  embedder,
		index:     index,
		chunks:    chunks,
		batchSize: DefaultEmbedBatchSize,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// IndexFile chunks and embeds text and replaces the file's records with the
// result. It returns the number of chunks written. If any step fails the
// file keeps the records it had before. After the swap the searchable chunk
// ids must equal the stored metadata; a difference is reported as an index
// consistency error.
func (ix *Indexer) IndexFile(ctx context.Context, tenantID, fileID, text string) (int, error) {
	if tenantID == "" || fileID == "" {
		return 0, quarryerr.New(quarryerr.CodeIngestRequestInvalid, "tenant id and file id are required")
	}

	unlock := ix.locks.lock(tenantID + "/" + fileID)
	defer unlock()

	chunks := ix.chunker.Chunks(tenantID, fileID, text)
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := embedding.EmbedAll(ctx, ix.embedder, texts, ix.batchSize)
	if err != nil {
		return 0, err
	}

	createdAt := ix.now().UTC()
	entries := make([]store.IndexEntry, len(chunks))
	for i, c := range chunks {
		entries[i] = store.IndexEntry{
			Chunk: c,
			Record: store.VectorRecord{
				ChunkID:   c.ID,
				TenantID:  tenantID,
				Embedding: vectors[i],
				CreatedAt: createdAt,
			},
		}
	}

	previous, err := ix.chunks.ListChunksByFile(ctx, tenantID, fileID)
	if err != nil {
		return 0, err
	}
	if err := ix.chunks.PutChunks(ctx, tenantID, fileID, chunks); err != nil {
		return 0, err
	}
	if _, err := ix.index.ReplaceFile(ctx, tenantID, fileID, entries); err != nil {
		if rerr := ix.chunks.PutChunks(context.WithoutCancel(ctx), tenantID, fileID, previous); rerr != nil {
			slog.Error("restoring chunk metadata after index failure",
				"tenant_id", tenantID,
				"file_id", fileID,
				"error", rerr)
			return 0, quarryerr.Join(err, rerr)
		}
		return 0, err
	}

	written := make([]string, len(chunks))
	for i, c := range chunks {
		written[i] = c.ID
	}
	if missing, orphaned := diff(written, ix.index.ChunkIDsByFile(tenantID, fileID)); len(missing) > 0 || len(orphaned) > 0 {
		return 0, mismatch(tenantID, fileID, missing, orphaned)
	}

	slog.Debug("file indexed",
		"tenant_id", tenantID,
		"file_id", fileID,
		"chunks", len(chunks))
	return len(chunks), nil
}

// DeleteFile removes the file's vector records and chunk metadata. Both
// sides are always cleared; if they disagreed about which chunks existed an
// index consistency error is returned after the deletion completes.
func (ix *Indexer) DeleteFile(ctx context.Context, tenantID, fileID string) error {
	if tenantID == "" || fileID == "" {
		return quarryerr.New(quarryerr.CodeIngestRequestInvalid, "tenant id and file id are required")
	}

	unlock := ix.locks.lock(tenantID + "/" + fileID)
	defer unlock()

	indexed, ierr := ix.index.DeleteByFile(ctx, tenantID, fileID)
	stored, serr := ix.chunks.DeleteChunksByFile(ctx, tenantID, fileID)
	if ierr != nil || serr != nil {
		return quarryerr.Join(ierr, serr)
	}

	missing, orphaned := diff(stored, indexed)
	if len(missing) == 0 && len(orphaned) == 0 {
		return nil
	}
	return mismatch(tenantID, fileID, missing, orphaned)
}

// mismatch reports chunk ids held by only one of the metadata store and the
// vector index.
func mismatch(tenantID, fileID string, missing, orphaned []string) error {
	slog.Error("index and chunk metadata disagree",
		"tenant_id", tenantID,
		"file_id", fileID,
		"missing_from_index", missing,
		"missing_from_metadata", orphaned)
	return quarryerr.New(quarryerr.CodeIndexConsistencyMismatch, "index and chunk metadata disagree on the file's chunks",
		quarryerr.FieldTenantID(tenantID),
		quarryerr.FieldFileID(fileID),
		quarryerr.Field("missing_from_index", missing),
		quarryerr.Field("missing_from_metadata", orphaned))
}

// diff returns the ids only in a and the ids only in b, sorted.
func diff(a, b []string) (onlyA, onlyB []string) {
	inA := make(map[string]bool, len(a))
	for _, id := range a {
		inA[id] = true
	}
	inB := make(map[string]bool, len(b))
	for _, id := range b {
		inB[id] = true
		if !inA[id] {
			onlyB = append(onlyB, id)
		}
	}
	for _, id := range a {
		if !inB[id] {
			onlyA = append(onlyA, id)
		}
	}
	slices.Sort(onlyA)
	slices.Sort(onlyB)
	return onlyA, onlyB
}

// fileLocks is a set of mutexes keyed by file, dropped when unused.
type fileLocks struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (l *fileLocks) lock(key string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*refMutex)
	}
	m, ok := l.locks[key]
	if !ok {
		m = &refMutex{}
		l.locks[key] = m
	}
	m.refs++
	l.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		l.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}
