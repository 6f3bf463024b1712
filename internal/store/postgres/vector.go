// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/quarry-dev/quarry/internal/store"
	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

var _ store.VectorStore = (*VectorStore)(nil)

// VectorStore implements store.VectorStore with a pgvector column.
// The pool is owned by DB; Close is a no-op.
type VectorStore struct {
	pool       *pgxpool.Pool
	dimensions int
}

func (v *VectorStore) Upsert(ctx context.Context, entries []store.IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := v.validate(entries); err != nil {
		return err
	}

	tx, err := v.pool.Begin(ctx)
	if err != nil {
		return quarryerr.Errorf(quarryerr.CodeStoreVectorDatabase, "beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := upsertTx(ctx, tx, entries); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return quarryerr.Errorf(quarryerr.CodeStoreVectorDatabase, "committing vector upsert: %w", err)
	}
	return nil
}

func (v *VectorStore) ReplaceFile(ctx context.Context, tenantID, fileID string, entries []store.IndexEntry) ([]string, error) {
	if err := v.validate(entries); err != nil {
		return nil, err
	}
	if err := store.CheckFileEntries(tenantID, fileID, entries); err != nil {
		return nil, err
	}

	tx, err := v.pool.Begin(ctx)
	if err != nil {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreVectorDatabase, "beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	removed, err := deleteFile(ctx, tx, tenantID, fileID)
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		if err := upsertTx(ctx, tx, entries); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreVectorDatabase, "committing vector replace of %s: %w", fileID, err)
	}
	return removed, nil
}

func (v *VectorStore) DeleteByFile(ctx context.Context, tenantID, fileID string) ([]string, error) {
	return deleteFile(ctx, v.pool, tenantID, fileID)
}

func (v *VectorStore) validate(entries []store.IndexEntry) error {
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return err
		}
		if len(e.Record.Embedding) != v.dimensions {
			return quarryerr.Errorf(quarryerr.CodeStoreInvalidInput,
				"chunk %s: embedding has %d dimensions, store expects %d", e.Chunk.ID, len(e.Record.Embedding), v.dimensions)
		}
	}
	return nil
}

func upsertTx(ctx context.Context, tx pgx.Tx, entries []store.IndexEntry) error {
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(
			`INSERT INTO chunk_vectors
			   (tenant_id, chunk_id, file_id, text, start_offset, end_offset, sequence_index, embedding, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (tenant_id, chunk_id) DO UPDATE SET
			   file_id = EXCLUDED.file_id, text = EXCLUDED.text, start_offset = EXCLUDED.start_offset,
			   end_offset = EXCLUDED.end_offset, sequence_index = EXCLUDED.sequence_index,
			   embedding = EXCLUDED.embedding, created_at = EXCLUDED.created_at`,
			e.Chunk.TenantID, e.Chunk.ID, e.Chunk.FileID, e.Chunk.Text,
			e.Chunk.StartOffset, e.Chunk.EndOffset, e.Chunk.SequenceIndex,
			pgvector.NewVector(e.Record.Embedding), e.Record.CreatedAt.UTC())
	}
	br := tx.SendBatch(ctx, batch)
	for i := range entries {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return quarryerr.Errorf(quarryerr.CodeStoreVectorDatabase, "upserting vector %s: %w", entries[i].Chunk.ID, err)
		}
	}
	if err := br.Close(); err != nil {
		return quarryerr.Errorf(quarryerr.CodeStoreVectorDatabase, "closing vector batch: %w", err)
	}
	return nil
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func deleteFile(ctx context.Context, q querier, tenantID, fileID string) ([]string, error) {
	rows, err := q.Query(ctx,
		`WITH removed AS (
			DELETE FROM chunk_vectors WHERE tenant_id = $1 AND file_id = $2 RETURNING chunk_id, sequence_index
		) SELECT chunk_id FROM removed ORDER BY sequence_index`,
		tenantID, fileID)
	if err != nil {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreVectorDatabase, "deleting vectors of %s: %w", fileID, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreVectorDatabase, "collecting deleted vector ids: %w", err)
	}
	return ids, nil
}

// Search orders by cosine distance within the tenant. Score is 1 - distance.
func (v *VectorStore) Search(ctx context.Context, tenantID string, query []float32, k int) ([]store.RetrievalResult, error) {
	if k <= 0 {
		return nil, nil
	}
	if len(query) != v.dimensions {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreInvalidInput,
			"query has %d dimensions, store expects %d", len(query), v.dimensions)
	}

	rows, err := v.pool.Query(ctx,
		`SELECT chunk_id, file_id, text, start_offset, end_offset, created_at, embedding <=> $1 AS distance
		 FROM chunk_vectors
		 WHERE tenant_id = $2
		 ORDER BY distance ASC, created_at DESC, chunk_id ASC
		 LIMIT $3`,
		pgvector.NewVector(query), tenantID, k)
	if err != nil {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreVectorDatabase, "searching vectors: %w", err)
	}
	defer rows.Close()

	var results []store.RetrievalResult
	for rows.Next() {
		var r store.RetrievalResult
		var distance float64
		if err := rows.Scan(&r.ChunkID, &r.FileID, &r.Text, &r.StartOffset, &r.EndOffset, &r.CreatedAt, &distance); err != nil {
			return nil, quarryerr.Errorf(quarryerr.CodeStoreVectorDatabase, "scanning vector result: %w", err)
		}
		r.Score = 1 - distance
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreVectorDatabase, "iterating vector results: %w", err)
	}
	return results, nil
}

func (v *VectorStore) Load(ctx context.Context, fn func(store.IndexEntry) error) error {
	rows, err := v.pool.Query(ctx,
		`SELECT tenant_id, chunk_id, file_id, text, start_offset, end_offset, sequence_index, embedding, created_at
		 FROM chunk_vectors ORDER BY id ASC`)
	if err != nil {
		return quarryerr.Errorf(quarryerr.CodeStoreVectorDatabase, "loading vectors: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e store.IndexEntry
		var vec pgvector.Vector
		var created time.Time
		if err := rows.Scan(
			&e.Chunk.TenantID, &e.Chunk.ID, &e.Chunk.FileID, &e.Chunk.Text,
			&e.Chunk.StartOffset, &e.Chunk.EndOffset, &e.Chunk.SequenceIndex,
			&vec, &created,
		); err != nil {
			return quarryerr.Errorf(quarryerr.CodeStoreVectorDatabase, "scanning vector row: %w", err)
		}
		e.Record = store.VectorRecord{
			ChunkID:   e.Chunk.ID,
			TenantID:  e.Chunk.TenantID,
			Embedding: vec.Slice(),
			CreatedAt: created,
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return quarryerr.Errorf(quarryerr.CodeStoreVectorDatabase, "iterating vectors: %w", err)
	}
	return nil
}

func (v *VectorStore) Close() error {
	return nil
}
