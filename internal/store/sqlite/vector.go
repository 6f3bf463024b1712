// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"

	"github.com/quarry-dev/quarry/internal/store"
	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

func init() {
	sqlite_vec.Auto()
}

// Compile-time interface check.
var _ store.VectorStore = (*VectorStore)(nil)

// VectorStore implements store.VectorStore backed by SQLite with sqlite-vec.
//
// chunk_vectors is the source of truth. vec_chunks mirrors its embeddings in
// a vec0 table partitioned by tenant, sharing rowids, for native KNN search.
type VectorStore struct {
	db         *sql.DB
	dimensions int
}

// NewVectorStore opens (or creates) a SQLite database at dbPath and
// initialises the vector tables for the given dimension.
func NewVectorStore(dbPath string, dimensions int) (*VectorStore, error) {
	if dimensions <= 0 {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreInvalidInput, "vector dimensions must be positive, got %d", dimensions)
	}

	db, err := openDB(dbPath)
	if err != nil {
		return nil, err
	}

	if err := migrateVector(db, dimensions); err != nil {
		_ = db.Close()
		return nil, quarryerr.Errorf(quarryerr.CodeStoreVectorDatabase, "migrating vector tables: %w", err)
	}

	return &VectorStore{db: db, dimensions: dimensions}, nil
}

func migrateVector(db *sql.DB, dimensions int) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS chunk_vectors (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id      TEXT NOT NULL,
	chunk_id       TEXT NOT NULL,
	file_id        TEXT NOT NULL,
	text           TEXT NOT NULL,
	start_offset   INTEGER NOT NULL,
	end_offset     INTEGER NOT NULL,
	sequence_index INTEGER NOT NULL,
	embedding      BLOB NOT NULL,
	created_at     TEXT NOT NULL,
	UNIQUE (tenant_id, chunk_id)
);

CREATE INDEX IF NOT EXISTS idx_chunk_vectors_file ON chunk_vectors(tenant_id, file_id);
`
	if _, err := db.Exec(ddl); err != nil {
		return fmt.Errorf("creating chunk_vectors table: %w", err)
	}

	vecDDL := fmt.Sprintf(
		`CREATE VIRTUAL TABLE IF NOT EXISTS vec_chunks USING vec0(tenant_id TEXT PARTITION KEY, embedding float[%d] distance_metric=cosine)`,
		dimensions,
	)
	if _, err := db.Exec(vecDDL); err != nil {
		return fmt.Errorf("creating vec_chunks virtual table: %w", err)
	}
	return nil
}

// Dimensions returns the embedding width the tables were created with.
func (v *VectorStore) Dimensions() int {
	return v.dimensions
}

// Upsert writes every entry in one transaction, replacing existing records
// with the same (tenant, chunk) key.
func (v *VectorStore) Upsert(ctx context.Context, entries []store.IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := v.validate(entries); err != nil {
		return err
	}

	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return quarryerr.Errorf(quarryerr.CodeStoreVectorDatabase, "beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertTx(ctx, tx, entries); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return quarryerr.Errorf(quarryerr.CodeStoreVectorDatabase, "committing vector upsert: %w", err)
	}
	return nil
}

// ReplaceFile drops the file's records and writes entries in one transaction.
func (v *VectorStore) ReplaceFile(ctx context.Context, tenantID, fileID string, entries []store.IndexEntry) ([]string, error) {
	if err := v.validate(entries); err != nil {
		return nil, err
	}
	if err := store.CheckFileEntries(tenantID, fileID, entries); err != nil {
		return nil, err
	}

	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreVectorDatabase, "beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	removed, err := deleteFileTx(ctx, tx, tenantID, fileID)
	if err != nil {
		return nil, err
	}
	if err := upsertTx(ctx, tx, entries); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreVectorDatabase, "committing vector replace of %s: %w", fileID, err)
	}
	return removed, nil
}

// DeleteByFile removes every record of the file and returns the removed chunk ids.
func (v *VectorStore) DeleteByFile(ctx context.Context, tenantID, fileID string) ([]string, error) {
	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreVectorDatabase, "beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	removed, err := deleteFileTx(ctx, tx, tenantID, fileID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreVectorDatabase, "committing vector delete: %w", err)
	}
	return removed, nil
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

func upsertTx(ctx context.Context, tx *sql.Tx, entries []store.IndexEntry) error {
	const insertQ = `INSERT INTO chunk_vectors
(tenant_id, chunk_id, file_id, text, start_offset, end_offset, sequence_index, embedding, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	for _, e := range entries {
		blob, err := sqlite_vec.SerializeFloat32(e.Record.Embedding)
		if err != nil {
			return quarryerr.Errorf(quarryerr.CodeStoreVectorDatabase, "serializing embedding for %s: %w", e.Chunk.ID, err)
		}

		// vec0 does not support ON CONFLICT; delete first for upsert.
		var existing int64
		err = tx.QueryRowContext(ctx, `SELECT id FROM chunk_vectors WHERE tenant_id = ? AND chunk_id = ?`,
			e.Chunk.TenantID, e.Chunk.ID).Scan(&existing)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return quarryerr.Errorf(quarryerr.CodeStoreVectorDatabase, "looking up vector %s: %w", e.Chunk.ID, err)
		default:
			if _, err := tx.ExecContext(ctx, `DELETE FROM vec_chunks WHERE rowid = ?`, existing); err != nil {
				return quarryerr.Errorf(quarryerr.CodeStoreVectorDatabase, "deleting vec row for %s: %w", e.Chunk.ID, err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM chunk_vectors WHERE id = ?`, existing); err != nil {
				return quarryerr.Errorf(quarryerr.CodeStoreVectorDatabase, "deleting vector %s: %w", e.Chunk.ID, err)
			}
		}

		result, err := tx.ExecContext(ctx, insertQ,
			e.Chunk.TenantID, e.Chunk.ID, e.Chunk.FileID, e.Chunk.Text,
			e.Chunk.StartOffset, e.Chunk.EndOffset, e.Chunk.SequenceIndex,
			blob, formatTime(e.Record.CreatedAt),
		)
		if err != nil {
			return quarryerr.Errorf(quarryerr.CodeStoreVectorDatabase, "inserting vector %s: %w", e.Chunk.ID, err)
		}
		rowID, err := result.LastInsertId()
		if err != nil {
			return quarryerr.Errorf(quarryerr.CodeStoreVectorDatabase, "reading rowid for %s: %w", e.Chunk.ID, err)
		}

		if _, err := tx.ExecContext(ctx, `INSERT INTO vec_chunks(rowid, tenant_id, embedding) VALUES (?, ?, ?)`,
			rowID, e.Chunk.TenantID, blob); err != nil {
			return quarryerr.Errorf(quarryerr.CodeStoreVectorDatabase, "inserting vec row for %s: %w", e.Chunk.ID, err)
		}
	}
	return nil
}

func deleteFileTx(ctx context.Context, tx *sql.Tx, tenantID, fileID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, chunk_id FROM chunk_vectors WHERE tenant_id = ? AND file_id = ? ORDER BY sequence_index`,
		tenantID, fileID)
	if err != nil {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreVectorDatabase, "selecting vectors of %s: %w", fileID, err)
	}

	var rowIDs []any
	var chunkIDs []string
	for rows.Next() {
		var rowID int64
		var chunkID string
		if err := rows.Scan(&rowID, &chunkID); err != nil {
			_ = rows.Close()
			return nil, quarryerr.Errorf(quarryerr.CodeStoreVectorDatabase, "scanning vector id: %w", err)
		}
		rowIDs = append(rowIDs, rowID)
		chunkIDs = append(chunkIDs, chunkID)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreVectorDatabase, "iterating vector ids: %w", err)
	}
	if len(rowIDs) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM vec_chunks WHERE rowid IN (`+placeholders(len(rowIDs))+`)`, rowIDs...); err != nil {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreVectorDatabase, "deleting vec rows of %s: %w", fileID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunk_vectors WHERE tenant_id = ? AND file_id = ?`, tenantID, fileID); err != nil {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreVectorDatabase, "deleting vectors of %s: %w", fileID, err)
	}
	return chunkIDs, nil
}

// Search performs a k-nearest-neighbour search inside the tenant partition.
// Score is cosine similarity (1 - cosine distance).
func (v *VectorStore) Search(ctx context.Context, tenantID string, query []float32, k int) ([]store.RetrievalResult, error) {
	if k <= 0 {
		return nil, nil
	}
	if len(query) != v.dimensions {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreInvalidInput,
			"query has %d dimensions, store expects %d", len(query), v.dimensions)
	}

	blob, err := sqlite_vec.SerializeFloat32(query)
	if err != nil {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreVectorDatabase, "serializing query vector: %w", err)
	}

	const q = `WITH knn AS (
	SELECT rowid, distance FROM vec_chunks
	WHERE embedding MATCH ? AND k = ? AND tenant_id = ?
)
SELECT c.chunk_id, c.file_id, c.text, c.start_offset, c.end_offset, c.created_at, knn.distance
FROM knn JOIN chunk_vectors c ON c.id = knn.rowid
ORDER BY knn.distance ASC, c.created_at DESC, c.chunk_id ASC`

	rows, err := v.db.QueryContext(ctx, q, blob, k, tenantID)
	if err != nil {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreVectorDatabase, "searching vectors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []store.RetrievalResult
	for rows.Next() {
		var r store.RetrievalResult
		var createdAt string
		var distance float64
		if err := rows.Scan(&r.ChunkID, &r.FileID, &r.Text, &r.StartOffset, &r.EndOffset, &createdAt, &distance); err != nil {
			return nil, quarryerr.Errorf(quarryerr.CodeStoreVectorDatabase, "scanning vector result: %w", err)
		}
		r.Score = 1 - distance
		r.CreatedAt = parseTime(createdAt)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreVectorDatabase, "iterating vector results: %w", err)
	}
	return results, nil
}

// Load streams every stored record to fn in insertion order.
func (v *VectorStore) Load(ctx context.Context, fn func(store.IndexEntry) error) error {
	const q = `SELECT tenant_id, chunk_id, file_id, text, start_offset, end_offset, sequence_index, embedding, created_at
FROM chunk_vectors ORDER BY id ASC`

	rows, err := v.db.QueryContext(ctx, q)
	if err != nil {
		return quarryerr.Errorf(quarryerr.CodeStoreVectorDatabase, "loading vectors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var e store.IndexEntry
		var blob []byte
		var createdAt string
		if err := rows.Scan(
			&e.Chunk.TenantID, &e.Chunk.ID, &e.Chunk.FileID, &e.Chunk.Text,
			&e.Chunk.StartOffset, &e.Chunk.EndOffset, &e.Chunk.SequenceIndex,
			&blob, &createdAt,
		); err != nil {
			return quarryerr.Errorf(quarryerr.CodeStoreVectorDatabase, "scanning vector row: %w", err)
		}
		embedding, err := deserializeFloat32(blob)
		if err != nil {
			return quarryerr.Errorf(quarryerr.CodeStoreVectorDatabase, "decoding embedding for %s: %w", e.Chunk.ID, err)
		}
		e.Record = store.VectorRecord{
			ChunkID:   e.Chunk.ID,
			TenantID:  e.Chunk.TenantID,
			Embedding: embedding,
			CreatedAt: parseTime(createdAt),
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

// Close closes the underlying database connection.
func (v *VectorStore) Close() error {
	return v.db.Close()
}

// deserializeFloat32 reverses sqlite_vec.SerializeFloat32 (little-endian float32).
func deserializeFloat32(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("blob length %d is not a multiple of 4", len(blob))
	}
	out := make([]float32, len(blob)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return out, nil
}
