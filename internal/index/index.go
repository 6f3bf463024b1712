// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

// Package index is the tenant-partitioned vector index.
//
// Every write goes to the durable store.VectorStore first and is applied to
// memory only after it commits, so a successful call survives a restart and
// is visible to the caller's next query. Tenants live in separate shards; no
// code path reads one shard on behalf of another tenant.
package index

import (
	"cmp"
	"context"
	"log/slog"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quarry-dev/quarry/internal/store"
	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

// Mode selects how queries are answered.
type Mode string

const (
	// ModeExact scans every vector of the tenant in memory.
	ModeExact Mode = "exact"
	// ModeNative delegates the nearest-neighbour search to the storage
	// backend. The backend applies k before the created_at tie-break, so
	// records tied on score at the k-th position may differ from ModeExact.
	ModeNative Mode = "native"
)

// ParseMode parses a configured retrieval mode. Empty means ModeExact.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeExact:
		return ModeExact, nil
	case ModeNative:
		return ModeNative, nil
	default:
		return "", quarryerr.Errorf(quarryerr.CodeIndexInputInvalid, "unknown retrieval mode %q (want exact or native)", s)
	}
}

// Option configures an Index.
type Option func(*Index)

func WithMode(m Mode) Option {
	return func(ix *Index) { ix.mode = m }
}

// WithClock sets the source of created_at for records inserted without one.
func WithClock(now func() time.Time) Option {
	return func(ix *Index) { ix.now = now }
}

// Index is safe for concurrent use.
type Index struct {
	vectors store.VectorStore
	dims    int
	mode    Mode
	now     func() time.Time

	mu     sync.RWMutex
	shards map[string]*shard
	closed atomic.Bool
}

type shard struct {
	// writeMu orders durable writes so memory is applied in commit order.
	writeMu sync.Mutex
	mu      sync.RWMutex
	records map[string]*record
}

type record struct {
	chunk     store.Chunk
	vec       []float32 // nil in native mode
	norm      float64
	createdAt time.Time
}

// New builds an index over vectors and warms it from the stored records.
func New(ctx context.Context, vectors store.VectorStore, dims int, opts ...Option) (*Index, error) {
	if vectors == nil {
		return nil, quarryerr.New(quarryerr.CodeIndexInputInvalid, "index: vector store is required")
	}
	if dims <= 0 {
		return nil, quarryerr.Errorf(quarryerr.CodeIndexInputInvalid, "index: dimensions must be positive, got %d", dims)
	}

	ix := &Index{
		vectors: vectors,
		dims:    dims,
		mode:    ModeExact,
		now:     time.Now,
		shards:  make(map[string]*shard),
	}
	for _, opt := range opts {
		opt(ix)
	}
	if _, err := ParseMode(string(ix.mode)); err != nil {
		return nil, err
	}

	loaded := 0
	err := vectors.Load(ctx, func(e store.IndexEntry) error {
		if len(e.Record.Embedding) != dims {
			return quarryerr.Errorf(quarryerr.CodeIndexInputInvalid,
				"stored vector %s has %d dimensions, index expects %d", e.Chunk.ID, len(e.Record.Embedding), dims)
		}
		sh := ix.shard(e.Chunk.TenantID, true)
		sh.records[e.Chunk.ID] = ix.newRecord(e)
		loaded++
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Debug("index loaded", "records", loaded, "tenants", len(ix.shards), "mode", string(ix.mode))
	return ix, nil
}

func (ix *Index) Mode() Mode      { return ix.mode }
func (ix *Index) Dimensions() int { return ix.dims }

// Insert adds one record, replacing any record with the same chunk id.
func (ix *Index) Insert(ctx context.Context, tenantID string, chunk store.Chunk, vector []float32) error {
	return ix.InsertBatch(ctx, tenantID, []store.IndexEntry{{
		Chunk:  chunk,
		Record: store.VectorRecord{ChunkID: chunk.ID, TenantID: tenantID, Embedding: vector},
	}})
}

// InsertBatch adds all entries or none of them.
func (ix *Index) InsertBatch(ctx context.Context, tenantID string, entries []store.IndexEntry) error {
	prepared, err := ix.prepare(tenantID, entries)
	if err != nil || len(prepared) == 0 {
		return err
	}

	sh := ix.shard(tenantID, true)
	sh.writeMu.Lock()
	defer sh.writeMu.Unlock()

	if err := ix.vectors.Upsert(ctx, prepared); err != nil {
		return err
	}

	sh.mu.Lock()
	for _, e := range prepared {
		sh.records[e.Chunk.ID] = ix.newRecord(e)
	}
	sh.mu.Unlock()
	return nil
}

// ReplaceFile swaps every record of the file for entries atomically and
// returns the chunk ids the file had before. On error nothing changes.
func (ix *Index) ReplaceFile(ctx context.Context, tenantID, fileID string, entries []store.IndexEntry) ([]string, error) {
	prepared, err := ix.prepare(tenantID, entries)
	if err != nil {
		return nil, err
	}
	if fileID == "" {
		return nil, quarryerr.New(quarryerr.CodeIndexInputInvalid, "index: file id is required")
	}
	for _, e := range prepared {
		if e.Chunk.FileID != fileID {
			return nil, quarryerr.Errorf(quarryerr.CodeIndexInputInvalid, "chunk %s belongs to file %s, not %s", e.Chunk.ID, e.Chunk.FileID, fileID)
		}
	}

	sh := ix.shard(tenantID, true)
	sh.writeMu.Lock()
	defer sh.writeMu.Unlock()

	removed, err := ix.vectors.ReplaceFile(ctx, tenantID, fileID, prepared)
	if err != nil {
		return nil, err
	}

	sh.mu.Lock()
	dropFile(sh, fileID)
	for _, e := range prepared {
		sh.records[e.Chunk.ID] = ix.newRecord(e)
	}
	sh.mu.Unlock()
	return removed, nil
}

// DeleteByFile removes every record of the file under tenantID and returns
// the chunk ids that were removed. Deleting a file with no records is a no-op.
func (ix *Index) DeleteByFile(ctx context.Context, tenantID, fileID string) ([]string, error) {
	if err := ix.checkOpen(); err != nil {
		return nil, err
	}
	if tenantID == "" || fileID == "" {
		return nil, quarryerr.New(quarryerr.CodeIndexInputInvalid, "index: tenant id and file id are required")
	}

	sh := ix.shard(tenantID, true)
	sh.writeMu.Lock()
	defer sh.writeMu.Unlock()

	removed, err := ix.vectors.DeleteByFile(ctx, tenantID, fileID)
	if err != nil {
		return nil, err
	}

	sh.mu.Lock()
	dropFile(sh, fileID)
	sh.mu.Unlock()
	return removed, nil
}

// Query returns at most topK records of tenantID whose cosine similarity to
// query is at least minSimilarity, best first. Ties go to the newer record,
// then to the smaller chunk id. A tenant with no records yields no results.
func (ix *Index) Query(ctx context.Context, tenantID string, query []float32, topK int, minSimilarity float64) ([]store.RetrievalResult, error) {
	if err := ix.checkOpen(); err != nil {
		return nil, err
	}
	if tenantID == "" {
		return nil, quarryerr.New(quarryerr.CodeIndexInputInvalid, "index: tenant id is required")
	}
	if topK <= 0 {
		return nil, quarryerr.Errorf(quarryerr.CodeIndexInputInvalid, "index: top_k must be positive, got %d", topK)
	}
	if len(query) != ix.dims {
		return nil, quarryerr.Errorf(quarryerr.CodeIndexInputInvalid,
			"index: query has %d dimensions, expected %d", len(query), ix.dims)
	}

	if ix.mode == ModeNative {
		return ix.queryNative(ctx, tenantID, query, topK, minSimilarity)
	}

	sh := ix.shard(tenantID, false)
	if sh == nil {
		return nil, nil
	}

	qnorm := l2(query)
	sh.mu.RLock()
	results := make([]store.RetrievalResult, 0, min(len(sh.records), topK*4))
	for _, r := range sh.records {
		score := 0.0
		if qnorm > 0 && r.norm > 0 {
			score = dot(query, r.vec) / (qnorm * r.norm)
		}
		if score < minSimilarity {
			continue
		}
		results = append(results, store.RetrievalResult{
			ChunkID:     r.chunk.ID,
			FileID:      r.chunk.FileID,
			Text:        r.chunk.Text,
			Score:       score,
			StartOffset: r.chunk.StartOffset,
			EndOffset:   r.chunk.EndOffset,
			CreatedAt:   r.createdAt,
		})
	}
	sh.mu.RUnlock()

	slices.SortFunc(results, compareResults)
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (ix *Index) queryNative(ctx context.Context, tenantID string, query []float32, topK int, minSimilarity float64) ([]store.RetrievalResult, error) {
	found, err := ix.vectors.Search(ctx, tenantID, query, topK)
	if err != nil {
		return nil, err
	}
	results := found[:0]
	for _, r := range found {
		if r.Score >= minSimilarity {
			results = append(results, r)
		}
	}
	return results, nil
}

func compareResults(a, b store.RetrievalResult) int {
	if c := cmp.Compare(b.Score, a.Score); c != 0 {
		return c
	}
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ChunkID, b.ChunkID)
}

// ChunkIDsByFile lists the chunk ids the index holds for a file, in
// sequence order.
func (ix *Index) ChunkIDsByFile(tenantID, fileID string) []string {
	sh := ix.shard(tenantID, false)
	if sh == nil {
		return nil
	}

	sh.mu.RLock()
	var chunks []store.Chunk
	for _, r := range sh.records {
		if r.chunk.FileID == fileID {
			chunks = append(chunks, r.chunk)
		}
	}
	sh.mu.RUnlock()

	slices.SortFunc(chunks, func(a, b store.Chunk) int {
		if c := cmp.Compare(a.SequenceIndex, b.SequenceIndex); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}
	return ids
}

// Size returns the number of records held for tenantID.
func (ix *Index) Size(tenantID string) int {
	sh := ix.shard(tenantID, false)
	if sh == nil {
		return 0
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.records)
}

// Close releases the in-memory shards. Writes are durable as they happen, so
// there is nothing to flush; the vector store is closed by its owner.
func (ix *Index) Close() error {
	if ix.closed.Swap(true) {
		return nil
	}
	ix.mu.Lock()
	ix.shards = make(map[string]*shard)
	ix.mu.Unlock()
	return nil
}

func (ix *Index) checkOpen() error {
	if ix.closed.Load() {
		return quarryerr.New(quarryerr.CodeIndexClosed, "index is closed")
	}
	return nil
}

// prepare validates entries for tenantID and fills in defaults. It returns
// copies, so callers may reuse their slices.
func (ix *Index) prepare(tenantID string, entries []store.IndexEntry) ([]store.IndexEntry, error) {
	if err := ix.checkOpen(); err != nil {
		return nil, err
	}
	if tenantID == "" {
		return nil, quarryerr.New(quarryerr.CodeIndexInputInvalid, "index: tenant id is required")
	}

	now := ix.now().UTC()
	out := make([]store.IndexEntry, len(entries))
	seen := make(map[string]bool, len(entries))
	for i, e := range entries {
		if e.Chunk.TenantID != tenantID || (e.Record.TenantID != "" && e.Record.TenantID != tenantID) {
			slog.Warn("cross-tenant index write rejected",
				"security_event", true, "tenant_id", tenantID, "chunk_id", e.Chunk.ID, "chunk_tenant_id", e.Chunk.TenantID)
			return nil, quarryerr.New(quarryerr.CodeIndexTenantForbidden,
				"chunk "+e.Chunk.ID+" is not owned by the writing tenant", quarryerr.FieldTenantID(tenantID))
		}
		if len(e.Record.Embedding) != ix.dims {
			return nil, quarryerr.Errorf(quarryerr.CodeIndexInputInvalid,
				"chunk %s: vector has %d dimensions, expected %d", e.Chunk.ID, len(e.Record.Embedding), ix.dims)
		}
		if seen[e.Chunk.ID] {
			return nil, quarryerr.Errorf(quarryerr.CodeIndexInputInvalid, "chunk %s appears twice in one batch", e.Chunk.ID)
		}
		seen[e.Chunk.ID] = true

		e.Record.ChunkID = e.Chunk.ID
		e.Record.TenantID = tenantID
		e.Record.Embedding = slices.Clone(e.Record.Embedding)
		if e.Record.CreatedAt.IsZero() {
			e.Record.CreatedAt = now
		}
		if err := e.Validate(); err != nil {
			return nil, quarryerr.Wrap(err, quarryerr.CodeIndexInputInvalid, "index: invalid entry")
		}
		out[i] = e
	}
	return out, nil
}

func (ix *Index) newRecord(e store.IndexEntry) *record {
	r := &record{chunk: e.Chunk, createdAt: e.Record.CreatedAt}
	if ix.mode == ModeExact {
		r.vec = e.Record.Embedding
		r.norm = l2(r.vec)
	}
	return r
}

// shard returns the tenant's shard, creating it when create is set.
func (ix *Index) shard(tenantID string, create bool) *shard {
	ix.mu.RLock()
	sh := ix.shards[tenantID]
	ix.mu.RUnlock()
	if sh != nil || !create {
		return sh
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if sh = ix.shards[tenantID]; sh == nil {
		sh = &shard{records: make(map[string]*record)}
		ix.shards[tenantID] = sh
	}
	return sh
}

func dropFile(sh *shard, fileID string) {
	for id, r := range sh.records {
		if r.chunk.FileID == fileID {
			delete(sh.records, id)
		}
	}
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func l2(v []float32) float64 {
	return math.Sqrt(dot(v, v))
}
